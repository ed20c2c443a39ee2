package matcher

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/example/ride-pairing/internal/apperr"
	"github.com/example/ride-pairing/internal/models"
	"github.com/example/ride-pairing/internal/observability"
)

// Searches is the read side the cycle scans.
type Searches interface {
	Snapshot(role models.Role) []*models.SearchRecord
}

// Lifecycle performs the transitions the cycle decides on.
type Lifecycle interface {
	Propose(ctx context.Context, offerorID, seekerID string, v Verdict) (*models.MatchProposal, error)
	EndSearch(ctx context.Context, userID string, final models.SearchStatus) (*models.SearchRecord, error)
	SweepExpired(ctx context.Context) int
}

type CycleConfig struct {
	Interval time.Duration
	// StaleAfter is how long a search may go without activity before it expires.
	StaleAfter time.Duration
	// StaleSweepEvery runs the stale sweep on every Nth tick.
	StaleSweepEvery int
}

func DefaultCycleConfig() CycleConfig {
	return CycleConfig{Interval: 5 * time.Second, StaleAfter: 15 * time.Minute, StaleSweepEvery: 12}
}

type CycleReport struct {
	Offerors         int           `json:"offerors"`
	Seekers          int           `json:"seekers"`
	PairsScored      int           `json:"pairs_scored"`
	Proposed         []string      `json:"proposed"`
	Failed           int           `json:"failed"`
	ProposalsExpired int           `json:"proposals_expired"`
	Duration         time.Duration `json:"duration_ns"`
}

// Cycle periodically pairs searching offerors with searching seekers.
type Cycle struct {
	searches  Searches
	lifecycle Lifecycle
	scorer    *Scorer
	cfg       CycleConfig
	clock     clock.WithTicker
	logger    *slog.Logger

	// one pass at a time, whether ticked or triggered
	mu sync.Mutex
}

func NewCycle(searches Searches, lc Lifecycle, scorer *Scorer, cfg CycleConfig, clk clock.WithTicker, logger *slog.Logger) *Cycle {
	def := DefaultCycleConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = def.StaleAfter
	}
	if cfg.StaleSweepEvery <= 0 {
		cfg.StaleSweepEvery = def.StaleSweepEvery
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Cycle{
		searches:  searches,
		lifecycle: lc,
		scorer:    scorer,
		cfg:       cfg,
		clock:     clk,
		logger:    logger.With("component", "cycle"),
	}
}

// RunOnce runs one first-fit pass. Each offeror proposes to at most one
// seeker per pass and a seeker is proposed to at most once. Pairs failing
// the seat precondition are never scored.
func (c *Cycle) RunOnce(ctx context.Context) CycleReport {
	c.mu.Lock()
	defer c.mu.Unlock()

	start := c.clock.Now()
	var rep CycleReport
	rep.ProposalsExpired = c.lifecycle.SweepExpired(ctx)

	offerors := c.searches.Snapshot(models.RoleOfferor)
	seekers := c.searches.Snapshot(models.RoleSeeker)
	rep.Offerors, rep.Seekers = len(offerors), len(seekers)

	taken := make(map[string]bool)
	for _, off := range offerors {
		if ctx.Err() != nil {
			break
		}
		if off.Pending() {
			continue
		}
		for _, seek := range seekers {
			if taken[seek.UserID] || seek.Pending() || !Eligible(off, seek) {
				continue
			}
			rep.PairsScored++
			v, ok := c.scorer.Score(off, seek)
			if !ok {
				continue
			}
			p, err := c.lifecycle.Propose(ctx, off.UserID, seek.UserID, v)
			if err != nil {
				rep.Failed++
				level := slog.LevelWarn
				if errors.Is(err, apperr.ErrConflict) {
					level = slog.LevelDebug
				}
				c.logger.Log(ctx, level, "propose failed", "offeror_id", off.UserID, "seeker_id", seek.UserID, "error", err)
				continue
			}
			taken[seek.UserID] = true
			rep.Proposed = append(rep.Proposed, p.MatchID)
			break
		}
	}

	rep.Duration = c.clock.Since(start)
	observability.PairsScored.Add(float64(rep.PairsScored))
	observability.CycleDuration.Observe(rep.Duration.Seconds())
	if len(rep.Proposed) > 0 || rep.Failed > 0 {
		c.logger.Info("match cycle", "offerors", rep.Offerors, "seekers", rep.Seekers,
			"scored", rep.PairsScored, "proposed", len(rep.Proposed), "failed", rep.Failed)
	}
	return rep
}

// SweepStale expires searches with no activity for StaleAfter. Searches
// waiting on a proposal are left to the proposal's own expiry.
func (c *Cycle) SweepStale(ctx context.Context) int {
	now := c.clock.Now()
	n := 0
	for _, role := range []models.Role{models.RoleOfferor, models.RoleSeeker} {
		for _, rec := range c.searches.Snapshot(role) {
			if rec.Pending() || now.Sub(rec.LastActivity()) < c.cfg.StaleAfter {
				continue
			}
			if _, err := c.lifecycle.EndSearch(ctx, rec.UserID, models.SearchExpired); err != nil {
				if !errors.Is(err, apperr.ErrConflict) {
					c.logger.Warn("stale expire failed", "user_id", rec.UserID, "error", err)
				}
				continue
			}
			n++
		}
	}
	if n > 0 {
		observability.StaleExpired.Add(float64(n))
		c.logger.Info("stale searches expired", "count", n)
	}
	return n
}

// Run ticks RunOnce every Interval until ctx is done.
func (c *Cycle) Run(ctx context.Context) {
	ticker := c.clock.NewTicker(c.cfg.Interval)
	defer ticker.Stop()
	ticks := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			ticks++
			if ticks%c.cfg.StaleSweepEvery == 0 {
				c.SweepStale(ctx)
			}
			c.RunOnce(ctx)
		}
	}
}
