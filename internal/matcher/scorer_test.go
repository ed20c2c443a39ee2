package matcher

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-pairing/internal/models"
)

// eastbound route along the equator, ~11km, a point every ~1.1km
func eastRoute() []models.Coord {
	route := make([]models.Coord, 0, 11)
	for i := 0; i <= 10; i++ {
		route = append(route, models.Coord{Lat: 0, Lon: float64(i) * 0.01})
	}
	return route
}

func offeror(id string, seats int) *models.SearchRecord {
	route := eastRoute()
	return &models.SearchRecord{
		UserID:      id,
		Role:        models.RoleOfferor,
		Pickup:      models.Place{Coord: route[0], Name: "A"},
		Destination: models.Place{Coord: route[len(route)-1], Name: "B"},
		RoutePoints: route,
		Offer:       &models.OfferTerms{Capacity: seats, AvailableSeats: seats},
		Status:      models.SearchSearching,
	}
}

func seeker(id string, party int, pickup, dest models.Coord) *models.SearchRecord {
	return &models.SearchRecord{
		UserID:      id,
		Role:        models.RoleSeeker,
		Pickup:      models.Place{Coord: pickup},
		Destination: models.Place{Coord: dest},
		RoutePoints: []models.Coord{pickup, dest},
		Seek:        &models.SeekTerms{PartySize: party},
		Status:      models.SearchSearching,
	}
}

func nearbySeeker(id string, party int) *models.SearchRecord {
	return seeker(id, party, models.Coord{Lat: 0.0005, Lon: 0.001}, models.Coord{Lat: 0, Lon: 0.09})
}

func TestScoreAcceptsNearbySeeker(t *testing.T) {
	s := NewScorer(DefaultThresholds())
	v, ok := s.Score(offeror("o1", 4), nearbySeeker("s1", 2))
	require.True(t, ok)
	assert.GreaterOrEqual(t, v.SimilarityScore, 0.9)
	assert.LessOrEqual(t, v.SimilarityScore, 1.0)
	assert.InDelta(t, 124, v.ProximityDistance, 5)
	assert.InDelta(t, 124, v.DetourDistance, 5)
	assert.InDelta(t, 1112, v.DestinationDistance, 5)
}

func TestScoreIsDeterministic(t *testing.T) {
	s := NewScorer(DefaultThresholds())
	a, _ := s.Score(offeror("o1", 4), nearbySeeker("s1", 2))
	b, _ := s.Score(offeror("o1", 4), nearbySeeker("s1", 2))
	assert.Equal(t, a, b)
}

func TestScoreRejects(t *testing.T) {
	far := models.Coord{Lat: 0.5, Lon: 0.5}
	cases := []struct {
		name    string
		th      func(*Thresholds)
		offeror func() *models.SearchRecord
		seeker  func() *models.SearchRecord
	}{
		{
			name:    "pickup too far",
			offeror: func() *models.SearchRecord { return offeror("o1", 4) },
			seeker: func() *models.SearchRecord {
				return seeker("s1", 1, far, models.Coord{Lat: 0, Lon: 0.09})
			},
		},
		{
			name:    "detour too long",
			th:      func(t *Thresholds) { t.MaxDetourMeters = 100 },
			offeror: func() *models.SearchRecord { return offeror("o1", 4) },
			seeker:  func() *models.SearchRecord { return nearbySeeker("s1", 1) },
		},
		{
			name:    "below min similarity",
			th:      func(t *Thresholds) { t.MinSimilarity = 0.99 },
			offeror: func() *models.SearchRecord { return offeror("o1", 4) },
			seeker:  func() *models.SearchRecord { return nearbySeeker("s1", 1) },
		},
		{
			name:    "party larger than seats",
			offeror: func() *models.SearchRecord { return offeror("o1", 1) },
			seeker:  func() *models.SearchRecord { return nearbySeeker("s1", 2) },
		},
		{
			name:    "self match",
			offeror: func() *models.SearchRecord { return offeror("u1", 4) },
			seeker:  func() *models.SearchRecord { return nearbySeeker("u1", 1) },
		},
		{
			name: "offeror not searching",
			offeror: func() *models.SearchRecord {
				o := offeror("o1", 4)
				o.Status = models.SearchStopped
				return o
			},
			seeker: func() *models.SearchRecord { return nearbySeeker("s1", 1) },
		},
		{
			name: "empty route",
			offeror: func() *models.SearchRecord {
				o := offeror("o1", 4)
				o.RoutePoints = nil
				return o
			},
			seeker: func() *models.SearchRecord { return nearbySeeker("s1", 1) },
		},
		{
			name:    "roles swapped",
			offeror: func() *models.SearchRecord { return nearbySeeker("s1", 1) },
			seeker:  func() *models.SearchRecord { return offeror("o1", 4) },
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			th := DefaultThresholds()
			if tc.th != nil {
				tc.th(&th)
			}
			_, ok := NewScorer(th).Score(tc.offeror(), tc.seeker())
			assert.False(t, ok)
		})
	}
}

func TestScoreDirectionCheckIsOptIn(t *testing.T) {
	// rides the offeror's route backwards, within every distance threshold
	backwards := seeker("s1", 1, models.Coord{Lat: 0, Lon: 0.02}, models.Coord{Lat: 0, Lon: 0.001})

	v, ok := NewScorer(DefaultThresholds()).Score(offeror("o1", 4), backwards)
	require.True(t, ok)
	assert.LessOrEqual(t, v.ProximityDistance, 3000.0)
	assert.Less(t, v.DetourDistance, 200.0)

	th := DefaultThresholds()
	th.RequireForward = true
	_, ok = NewScorer(th).Score(offeror("o1", 4), backwards)
	assert.False(t, ok)

	_, ok = NewScorer(th).Score(offeror("o1", 4), nearbySeeker("s2", 1))
	assert.True(t, ok)
}

func TestNewScorerDefaultsWeights(t *testing.T) {
	th := DefaultThresholds()
	th.ProximityWeight, th.DetourWeight = 0, 0
	s := NewScorer(th)
	assert.Equal(t, 0.5, s.Thresholds().ProximityWeight)
	_, ok := s.Score(offeror("o1", 4), nearbySeeker("s1", 1))
	assert.True(t, ok)
}
