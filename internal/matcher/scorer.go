package matcher

import (
	"github.com/example/ride-pairing/internal/geo"
	"github.com/example/ride-pairing/internal/models"
)

// Thresholds are the runtime knobs of the route scorer.
type Thresholds struct {
	MaxProximityMeters float64
	MaxDetourMeters    float64
	MinSimilarity      float64
	ProximityWeight    float64
	DetourWeight       float64
	SampleLimit        int
	// RequireForward rejects seekers whose destination lies before their
	// pickup along the offeror's route.
	RequireForward bool
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		MaxProximityMeters: 3000,
		MaxDetourMeters:    5000,
		MinSimilarity:      0.01,
		ProximityWeight:    0.5,
		DetourWeight:       0.5,
		SampleLimit:        64,
	}
}

// Verdict describes an accepted pairing.
type Verdict struct {
	SimilarityScore     float64 `json:"similarity_score"`
	ProximityDistance   float64 `json:"proximity_distance_m"`
	DestinationDistance float64 `json:"destination_distance_m"`
	DetourDistance      float64 `json:"detour_distance_m"`
}

// Scorer compares an offeror's route with a seeker's trip. It holds no state
// besides its thresholds and is safe for concurrent use.
type Scorer struct {
	t Thresholds
}

func NewScorer(t Thresholds) *Scorer {
	if t.ProximityWeight <= 0 && t.DetourWeight <= 0 {
		t.ProximityWeight, t.DetourWeight = 0.5, 0.5
	}
	return &Scorer{t: t}
}

func (s *Scorer) Thresholds() Thresholds { return s.t }

// Eligible checks everything about the pair that does not need geometry.
func Eligible(offeror, seeker *models.SearchRecord) bool {
	if offeror == nil || seeker == nil || offeror.UserID == seeker.UserID {
		return false
	}
	if offeror.Role != models.RoleOfferor || seeker.Role != models.RoleSeeker {
		return false
	}
	if offeror.Status != models.SearchSearching || seeker.Status != models.SearchSearching {
		return false
	}
	if len(offeror.RoutePoints) == 0 || len(seeker.RoutePoints) == 0 {
		return false
	}
	party := seeker.PartySize()
	return party > 0 && party <= offeror.AvailableSeats()
}

// Score returns a verdict and true when the seeker fits the offeror's route.
func (s *Scorer) Score(offeror, seeker *models.SearchRecord) (Verdict, bool) {
	if !Eligible(offeror, seeker) {
		return Verdict{}, false
	}
	v := Verdict{
		ProximityDistance:   geo.Distance(offeror.Pickup.Coord, seeker.Pickup.Coord),
		DestinationDistance: geo.Distance(offeror.Destination.Coord, seeker.Destination.Coord),
	}
	if v.ProximityDistance > s.t.MaxProximityMeters {
		return Verdict{}, false
	}

	samples := geo.Sample(offeror.RoutePoints, s.t.SampleLimit)
	pickIdx, pickDist := geo.Nearest(samples, seeker.Pickup.Coord)
	dropIdx, dropDist := geo.Nearest(samples, seeker.Destination.Coord)
	if s.t.RequireForward && dropIdx < pickIdx {
		return Verdict{}, false
	}
	v.DetourDistance = pickDist + dropDist
	if v.DetourDistance > s.t.MaxDetourMeters {
		return Verdict{}, false
	}

	v.SimilarityScore = s.similarity(v.ProximityDistance, v.DetourDistance)
	if v.SimilarityScore < s.t.MinSimilarity {
		return Verdict{}, false
	}
	return v, true
}

func (s *Scorer) similarity(proximity, detour float64) float64 {
	prox := inverseNormalized(proximity, s.t.MaxProximityMeters)
	det := inverseNormalized(detour, s.t.MaxDetourMeters)
	wp, wd := s.t.ProximityWeight, s.t.DetourWeight
	score := (wp*prox + wd*det) / (wp + wd)
	return clamp01(score)
}

func inverseNormalized(v, max float64) float64 {
	if max <= 0 {
		if v <= 0 {
			return 1
		}
		return 0
	}
	return clamp01(1 - v/max)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
