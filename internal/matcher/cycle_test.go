package matcher

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testclock "k8s.io/utils/clock/testing"

	"github.com/example/ride-pairing/internal/apperr"
	"github.com/example/ride-pairing/internal/models"
)

type fakeSearches struct {
	offerors []*models.SearchRecord
	seekers  []*models.SearchRecord
}

func (f *fakeSearches) Snapshot(role models.Role) []*models.SearchRecord {
	if role == models.RoleOfferor {
		return f.offerors
	}
	return f.seekers
}

type fakeLifecycle struct {
	mu       sync.Mutex
	proposed [][2]string
	ended    []string
	sweeps   int
	refuse   map[string]bool
	failing  map[string]bool
}

func (f *fakeLifecycle) Propose(_ context.Context, offerorID, seekerID string, v Verdict) (*models.MatchProposal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refuse[seekerID] {
		return nil, apperr.Conflict("seeker %s changed", seekerID)
	}
	if f.failing[seekerID] {
		return nil, apperr.StoreUnavailable("set matches", errors.New("connection reset"))
	}
	f.proposed = append(f.proposed, [2]string{offerorID, seekerID})
	return &models.MatchProposal{MatchID: offerorID + "-" + seekerID, OfferorID: offerorID, SeekerID: seekerID, SimilarityScore: v.SimilarityScore}, nil
}

func (f *fakeLifecycle) EndSearch(_ context.Context, userID string, _ models.SearchStatus) (*models.SearchRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ended = append(f.ended, userID)
	return &models.SearchRecord{UserID: userID, Status: models.SearchExpired}, nil
}

func (f *fakeLifecycle) SweepExpired(context.Context) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sweeps++
	return 0
}

func (f *fakeLifecycle) sweepCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sweeps
}

func newTestCycle(s Searches, lc Lifecycle, clk *testclock.FakeClock) *Cycle {
	return NewCycle(s, lc, NewScorer(DefaultThresholds()),
		CycleConfig{Interval: time.Second, StaleAfter: time.Minute, StaleSweepEvery: 2},
		clk, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestRunOnceProposesToFirstFitOnly(t *testing.T) {
	s := &fakeSearches{
		offerors: []*models.SearchRecord{offeror("o1", 4)},
		seekers:  []*models.SearchRecord{nearbySeeker("s1", 1), nearbySeeker("s2", 1)},
	}
	lc := &fakeLifecycle{}
	rep := newTestCycle(s, lc, testclock.NewFakeClock(time.Now())).RunOnce(context.Background())

	require.Equal(t, [][2]string{{"o1", "s1"}}, lc.proposed)
	assert.Equal(t, []string{"o1-s1"}, rep.Proposed)
	assert.Equal(t, 1, rep.PairsScored)
	assert.Equal(t, 1, lc.sweeps)
}

func TestRunOnceSeekerGetsOneProposalPerPass(t *testing.T) {
	s := &fakeSearches{
		offerors: []*models.SearchRecord{offeror("o1", 4), offeror("o2", 4)},
		seekers:  []*models.SearchRecord{nearbySeeker("s1", 1), nearbySeeker("s2", 1)},
	}
	lc := &fakeLifecycle{}
	newTestCycle(s, lc, testclock.NewFakeClock(time.Now())).RunOnce(context.Background())

	assert.Equal(t, [][2]string{{"o1", "s1"}, {"o2", "s2"}}, lc.proposed)
}

func TestRunOnceSkipsPairsWithoutSeats(t *testing.T) {
	s := &fakeSearches{
		offerors: []*models.SearchRecord{offeror("o1", 1)},
		seekers:  []*models.SearchRecord{nearbySeeker("s1", 2)},
	}
	lc := &fakeLifecycle{}
	rep := newTestCycle(s, lc, testclock.NewFakeClock(time.Now())).RunOnce(context.Background())

	assert.Empty(t, lc.proposed)
	assert.Zero(t, rep.PairsScored)
}

func TestRunOnceSkipsSelfAndPending(t *testing.T) {
	self := nearbySeeker("o1", 1)
	busy := nearbySeeker("s1", 1)
	busy.Match = &models.MatchState{MatchID: "m0", CounterpartID: "o9", Phase: models.PhaseProposed}
	waiting := offeror("o2", 4)
	waiting.Match = &models.MatchState{MatchID: "m1", CounterpartID: "s9", Phase: models.PhaseProposed}

	s := &fakeSearches{
		offerors: []*models.SearchRecord{waiting, offeror("o1", 4)},
		seekers:  []*models.SearchRecord{self, busy, nearbySeeker("s2", 1)},
	}
	lc := &fakeLifecycle{}
	newTestCycle(s, lc, testclock.NewFakeClock(time.Now())).RunOnce(context.Background())

	assert.Equal(t, [][2]string{{"o1", "s2"}}, lc.proposed)
}

func TestRunOnceContinuesPastConflict(t *testing.T) {
	s := &fakeSearches{
		offerors: []*models.SearchRecord{offeror("o1", 4)},
		seekers:  []*models.SearchRecord{nearbySeeker("s1", 1), nearbySeeker("s2", 1)},
	}
	lc := &fakeLifecycle{refuse: map[string]bool{"s1": true}}
	rep := newTestCycle(s, lc, testclock.NewFakeClock(time.Now())).RunOnce(context.Background())

	assert.Equal(t, [][2]string{{"o1", "s2"}}, lc.proposed)
	assert.Equal(t, 1, rep.Failed)
}

func TestRunOnceContinuesPastStoreError(t *testing.T) {
	s := &fakeSearches{
		offerors: []*models.SearchRecord{offeror("o1", 4)},
		seekers:  []*models.SearchRecord{nearbySeeker("s1", 1), nearbySeeker("s2", 1)},
	}
	lc := &fakeLifecycle{failing: map[string]bool{"s1": true}}
	rep := newTestCycle(s, lc, testclock.NewFakeClock(time.Now())).RunOnce(context.Background())

	assert.Equal(t, [][2]string{{"o1", "s2"}}, lc.proposed)
	assert.Equal(t, 1, rep.Failed)
	assert.Len(t, rep.Proposed, 1)
}

func TestRunOnceIgnoresFarSeekers(t *testing.T) {
	far := seeker("s1", 1, models.Coord{Lat: 0.5, Lon: 0.5}, models.Coord{Lat: 0.6, Lon: 0.6})
	s := &fakeSearches{
		offerors: []*models.SearchRecord{offeror("o1", 4)},
		seekers:  []*models.SearchRecord{far},
	}
	lc := &fakeLifecycle{}
	rep := newTestCycle(s, lc, testclock.NewFakeClock(time.Now())).RunOnce(context.Background())

	assert.Empty(t, lc.proposed)
	assert.Equal(t, 1, rep.PairsScored)
}

func TestSweepStaleExpiresIdleSearches(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	idle := nearbySeeker("s1", 1)
	idle.UpdatedAt = now.Add(-2 * time.Minute)
	pinged := nearbySeeker("s2", 1)
	pinged.UpdatedAt = now.Add(-2 * time.Minute)
	pinged.LastUpdated = now.Add(-10 * time.Second)
	pending := offeror("o1", 4)
	pending.UpdatedAt = now.Add(-time.Hour)
	pending.Match = &models.MatchState{MatchID: "m1", Phase: models.PhaseProposed}

	s := &fakeSearches{offerors: []*models.SearchRecord{pending}, seekers: []*models.SearchRecord{idle, pinged}}
	lc := &fakeLifecycle{}
	n := newTestCycle(s, lc, testclock.NewFakeClock(now)).SweepStale(context.Background())

	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"s1"}, lc.ended)
}

func TestRunTicksOnInterval(t *testing.T) {
	clk := testclock.NewFakeClock(time.Now())
	lc := &fakeLifecycle{}
	c := newTestCycle(&fakeSearches{}, lc, clk)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { c.Run(ctx); close(done) }()

	require.Eventually(t, clk.HasWaiters, time.Second, time.Millisecond)
	clk.Step(time.Second)
	require.Eventually(t, func() bool { return lc.sweepCount() == 1 }, time.Second, 5*time.Millisecond)
	clk.Step(time.Second)
	require.Eventually(t, func() bool { return lc.sweepCount() == 2 }, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}
