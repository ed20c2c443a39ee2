// Package lifecycle owns the state machine of match proposals:
//
//	searching -> proposed -> accepted | rejected | expired
//
// Every transition runs under one controller lock, so guard-then-write is a
// single step relative to any other transition. Accept claims its match
// under the lock and makes its outbound calls without it. The durable write
// of the proposal is the commit point; record updates that follow it fall
// back to batched writes when the store is unavailable.
package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"k8s.io/utils/clock"

	"github.com/example/ride-pairing/internal/apperr"
	"github.com/example/ride-pairing/internal/matcher"
	"github.com/example/ride-pairing/internal/models"
	"github.com/example/ride-pairing/internal/observability"
	"github.com/example/ride-pairing/internal/registry"
)

// Notifier delivers an event to one user. Errors mean "undelivered" and are
// never retried here.
type Notifier interface {
	Notify(ctx context.Context, userID string, event models.EventType, payload any) error
}

// ETAEstimator predicts how long the offeror needs to reach the pickup.
type ETAEstimator interface {
	Estimate(from, to models.Coord) float64
}

// SeatHolder reserves payment for the seats of an opened ride.
type SeatHolder interface {
	HoldSeats(ctx context.Context, ride *models.RideHandle, amount int64, currency string) (string, error)
	Release(ctx context.Context, ref string) error
}

type Options struct {
	ProposalTimeout time.Duration
	Clock           clock.WithDelayedExecution
	Notifier        Notifier
	ETA             ETAEstimator
	Seats           SeatHolder
	// SeatHoldCents is charged per seat when Seats is set.
	SeatHoldCents int64
	Currency      string
	Logger        *slog.Logger
}

const DefaultProposalTimeout = 60 * time.Second

type Controller struct {
	reg      *registry.Registry
	timeout  time.Duration
	clock    clock.WithDelayedExecution
	notifier Notifier
	eta      ETAEstimator
	seats    SeatHolder
	holdPer  int64
	currency string
	logger   *slog.Logger

	mu        sync.Mutex
	tasks     map[string]clock.Timer
	accepting map[string]*acceptClaim
}

func New(reg *registry.Registry, opts Options) *Controller {
	if opts.ProposalTimeout <= 0 {
		opts.ProposalTimeout = DefaultProposalTimeout
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Currency == "" {
		opts.Currency = "usd"
	}
	return &Controller{
		reg:      reg,
		timeout:  opts.ProposalTimeout,
		clock:    opts.Clock,
		notifier: opts.Notifier,
		eta:      opts.ETA,
		seats:    opts.Seats,
		holdPer:  opts.SeatHoldCents,
		currency: opts.Currency,
		logger:   opts.Logger.With("component", "lifecycle"),
		tasks:     make(map[string]clock.Timer),
		accepting: make(map[string]*acceptClaim),
	}
}

type notice struct {
	userID  string
	event   models.EventType
	payload any
}

// StartSearch registers a new search. A user with a search still in the
// searching state gets a conflict.
func (c *Controller) StartSearch(ctx context.Context, rec *models.SearchRecord) (*models.SearchRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	existing, err := c.reg.Get(ctx, rec.UserID)
	switch {
	case err == nil && !existing.Status.Terminal():
		observability.ProposalConflicts.WithLabelValues("start").Inc()
		return nil, apperr.Conflict("user %s already has an active search", rec.UserID)
	case err != nil && !errors.Is(err, apperr.ErrNotFound):
		return nil, err
	}

	now := c.clock.Now()
	rec = rec.Clone()
	rec.Status = models.SearchSearching
	rec.Match = nil
	rec.RideIDs = nil
	rec.CreatedAt, rec.UpdatedAt, rec.LastUpdated = now, now, now
	if err := c.reg.Upsert(ctx, rec, registry.Immediate); err != nil {
		return nil, err
	}
	c.logger.Info("search started", "user_id", rec.UserID, "role", rec.Role)
	return rec, nil
}

// EndSearch moves an active search to a terminal status (stopped or
// expired). A pending proposal is resolved first: rejected by the user when
// stopping, expired otherwise.
func (c *Controller) EndSearch(ctx context.Context, userID string, final models.SearchStatus) (*models.SearchRecord, error) {
	c.mu.Lock()
	rec, err := c.reg.Get(ctx, userID)
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	if rec.Status.Terminal() {
		c.mu.Unlock()
		observability.ProposalConflicts.WithLabelValues("end_search").Inc()
		return nil, apperr.Conflict("search of %s is already %s", userID, rec.Status)
	}

	var notes []notice
	if rec.Pending() {
		p, err := c.reg.GetProposal(ctx, rec.Match.MatchID)
		if err != nil && !errors.Is(err, apperr.ErrNotFound) {
			c.mu.Unlock()
			return nil, err
		}
		if _, ok := c.accepting[rec.Match.MatchID]; ok && err == nil {
			c.mu.Unlock()
			observability.ProposalConflicts.WithLabelValues("end_search").Inc()
			return nil, apperr.Conflict("match %s of %s is being accepted", rec.Match.MatchID, userID)
		}
		if err == nil && p.Status == models.MatchProposed {
			status, by := models.MatchExpired, "system"
			if final == models.SearchStopped {
				status, by = models.MatchRejected, userID
			}
			n, err := c.resolveLocked(ctx, p, status, by)
			if err != nil {
				c.mu.Unlock()
				return nil, err
			}
			notes = append(notes, n...)
		}
	}

	out, err := c.reg.Mutate(ctx, userID, registry.Immediate, func(r *models.SearchRecord) error {
		if r.Status.Terminal() {
			return apperr.Conflict("search of %s is already %s", userID, r.Status)
		}
		r.Status = final
		if r.Pending() {
			r.Match = nil
		}
		return nil
	})
	c.mu.Unlock()
	if err != nil {
		c.send(ctx, notes)
		return nil, err
	}
	if final == models.SearchExpired {
		notes = append(notes, notice{userID, models.EventSearchExpired, out})
	}
	c.send(ctx, notes)
	c.logger.Info("search ended", "user_id", userID, "status", final)
	return out, nil
}

// Propose pairs an offeror with a seeker. Both must still be searching with
// no proposal of their own; the scorer's snapshot may be stale by now.
func (c *Controller) Propose(ctx context.Context, offerorID, seekerID string, v matcher.Verdict) (*models.MatchProposal, error) {
	c.mu.Lock()
	p, err := c.proposeLocked(ctx, offerorID, seekerID, v)
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}
	c.send(ctx, []notice{
		{p.OfferorID, models.EventMatchProposed, p},
		{p.SeekerID, models.EventMatchProposed, p},
	})
	return p, nil
}

func (c *Controller) proposeLocked(ctx context.Context, offerorID, seekerID string, v matcher.Verdict) (*models.MatchProposal, error) {
	off, okO := c.reg.Active(offerorID)
	seek, okS := c.reg.Active(seekerID)
	if !okO || !okS {
		observability.ProposalConflicts.WithLabelValues("propose").Inc()
		return nil, apperr.Conflict("pair %s/%s is no longer searching", offerorID, seekerID)
	}
	if !matcher.Eligible(off, seek) || off.Pending() || seek.Pending() {
		observability.ProposalConflicts.WithLabelValues("propose").Inc()
		return nil, apperr.Conflict("pair %s/%s is not available", offerorID, seekerID)
	}

	now := c.clock.Now()
	p := &models.MatchProposal{
		MatchID:           uuid.NewString(),
		OfferorID:         offerorID,
		SeekerID:          seekerID,
		SimilarityScore:   v.SimilarityScore,
		ProximityDistance: v.ProximityDistance,
		DetourDistance:    v.DetourDistance,
		PartySize:         seek.PartySize(),
		Status:            models.MatchProposed,
		CreatedAt:         now,
	}
	if err := c.reg.SaveProposal(ctx, p); err != nil {
		return nil, err
	}

	point := func(counterpart string) func(*models.SearchRecord) error {
		return func(r *models.SearchRecord) error {
			if r.Status != models.SearchSearching || r.Pending() {
				return apperr.Conflict("search of %s changed", r.UserID)
			}
			r.Match = &models.MatchState{MatchID: p.MatchID, CounterpartID: counterpart, Phase: models.PhaseProposed}
			return nil
		}
	}
	if _, err := c.reg.Mutate(ctx, offerorID, registry.Immediate, point(seekerID)); err != nil {
		c.abandon(ctx, p)
		return nil, err
	}
	if _, err := c.reg.Mutate(ctx, seekerID, registry.Immediate, point(offerorID)); err != nil {
		c.clearPointer(ctx, offerorID, p.MatchID)
		c.abandon(ctx, p)
		return nil, err
	}

	c.schedule(p.MatchID, c.timeout)
	observability.ProposalTransitions.WithLabelValues(string(models.MatchProposed)).Inc()
	c.logger.Info("match proposed",
		"match_id", p.MatchID, "offeror_id", offerorID, "seeker_id", seekerID,
		"score", v.SimilarityScore, "party_size", p.PartySize)
	return p.Clone(), nil
}

// abandon closes a proposal that never reached both records.
func (c *Controller) abandon(ctx context.Context, p *models.MatchProposal) {
	now := c.clock.Now()
	p.Status = models.MatchExpired
	p.ExpiredAt = &now
	p.DecidedBy = "system"
	if err := c.reg.SaveProposal(ctx, p); err != nil {
		c.logger.Error("could not close abandoned proposal", "match_id", p.MatchID, "error", err)
	}
}

// Accept lets the offeror take the proposal. Seats are taken, a ride handle
// is opened, and the seeker's search ends as matched.
//
// The match is claimed under the lock, the pickup ETA and seat hold are
// fetched without it, and the decision is committed under the lock again.
// While claimed, every other transition of the match is a conflict.
func (c *Controller) Accept(ctx context.Context, matchID, acceptorID string) (*models.RideHandle, error) {
	c.mu.Lock()
	cl, err := c.claimLocked(ctx, matchID, acceptorID)
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}

	c.prepareRide(ctx, cl)

	c.mu.Lock()
	notes, err := c.commitAcceptLocked(ctx, cl)
	c.mu.Unlock()
	if err != nil {
		c.releaseHold(ctx, cl.ride)
		c.send(ctx, notes)
		return nil, err
	}
	c.send(ctx, notes)
	return cl.ride, nil
}

type acceptClaim struct {
	off, seek *models.SearchRecord
	ride      *models.RideHandle
	// expireDue is set when the expiry timer fired during the claim.
	expireDue bool
}

func (c *Controller) claimLocked(ctx context.Context, matchID, acceptorID string) (*acceptClaim, error) {
	p, err := c.proposal(ctx, matchID, "accept")
	if err != nil {
		return nil, err
	}
	if acceptorID != p.OfferorID {
		observability.ProposalConflicts.WithLabelValues("accept").Inc()
		return nil, apperr.Conflict("user %s cannot accept match %s", acceptorID, matchID)
	}
	off, seek, err := c.parties(ctx, p)
	if err != nil {
		return nil, err
	}
	cl := &acceptClaim{
		off:  off,
		seek: seek,
		ride: &models.RideHandle{
			RideID:      uuid.NewString(),
			MatchID:     matchID,
			OfferorID:   p.OfferorID,
			SeekerID:    p.SeekerID,
			PartySize:   p.PartySize,
			Pickup:      seek.Pickup,
			Destination: seek.Destination,
		},
	}
	c.accepting[matchID] = cl
	return cl, nil
}

// parties loads both records of p and checks they can still take it.
func (c *Controller) parties(ctx context.Context, p *models.MatchProposal) (off, seek *models.SearchRecord, err error) {
	off, err = c.reg.Get(ctx, p.OfferorID)
	if err != nil {
		return nil, nil, err
	}
	seek, err = c.reg.Get(ctx, p.SeekerID)
	if err != nil {
		return nil, nil, err
	}
	if !pointsAt(off, p.MatchID) || !pointsAt(seek, p.MatchID) {
		observability.ProposalConflicts.WithLabelValues("accept").Inc()
		return nil, nil, apperr.Conflict("match %s is no longer current for its parties", p.MatchID)
	}
	if off.AvailableSeats() < p.PartySize {
		observability.ProposalConflicts.WithLabelValues("accept").Inc()
		return nil, nil, apperr.Conflict("offeror %s has %d seats, match %s needs %d", off.UserID, off.AvailableSeats(), p.MatchID, p.PartySize)
	}
	return off, seek, nil
}

// prepareRide fills in the pickup ETA and the seat hold. It runs without
// the controller lock; both may call out over the network.
func (c *Controller) prepareRide(ctx context.Context, cl *acceptClaim) {
	ride := cl.ride
	if c.eta != nil {
		from := cl.off.Pickup.Coord
		if cl.off.Current != nil {
			from = *cl.off.Current
		}
		ride.PickupETASeconds = c.eta.Estimate(from, cl.seek.Pickup.Coord)
	}
	if c.seats != nil && c.holdPer > 0 {
		ref, err := c.seats.HoldSeats(ctx, ride, c.holdPer*int64(ride.PartySize), c.currency)
		if err != nil {
			c.logger.Warn("seat hold failed, opening ride without it", "match_id", ride.MatchID, "error", err)
			return
		}
		ride.PaymentRef = ref
	}
}

func (c *Controller) releaseHold(ctx context.Context, ride *models.RideHandle) {
	if ride.PaymentRef == "" || c.seats == nil {
		return
	}
	if err := c.seats.Release(ctx, ride.PaymentRef); err != nil {
		c.logger.Error("seat hold release failed", "payment_ref", ride.PaymentRef, "error", err)
	}
}

// commitAcceptLocked ends the claim. On failure the proposal stays pending,
// or expires right away when its timer fired meanwhile; the returned
// notices belong to that expiry.
func (c *Controller) commitAcceptLocked(ctx context.Context, cl *acceptClaim) ([]notice, error) {
	ride := cl.ride
	matchID := ride.MatchID
	delete(c.accepting, matchID)

	p, err := c.proposal(ctx, matchID, "accept")
	if err == nil {
		_, _, err = c.parties(ctx, p)
	}
	if err == nil {
		now := c.clock.Now()
		ride.CreatedAt = now
		p.Status = models.MatchAccepted
		p.DecidedAt = &now
		p.DecidedBy = p.OfferorID
		p.RideID = ride.RideID
		err = c.reg.SaveProposal(ctx, p)
	}
	if err != nil {
		if !cl.expireDue {
			return nil, err
		}
		cur, perr := c.reg.GetProposal(ctx, matchID)
		if perr != nil || cur.Status != models.MatchProposed {
			return nil, err
		}
		notes, rerr := c.resolveLocked(ctx, cur, models.MatchExpired, "system")
		if rerr != nil {
			c.logger.Error("expiry after failed accept failed", "match_id", matchID, "error", rerr)
		}
		return notes, err
	}
	c.cancel(matchID)

	if err := c.reg.SaveRide(ctx, ride, registry.Immediate); err != nil {
		c.logger.Warn("ride write deferred to batch", "ride_id", ride.RideID, "error", err)
		if err := c.reg.SaveRide(ctx, ride, registry.Batched); err != nil {
			c.logger.Error("ride write lost", "ride_id", ride.RideID, "match_id", matchID, "error", err)
		}
	}
	c.apply(ctx, p.OfferorID, func(r *models.SearchRecord) error {
		r.Offer.AvailableSeats -= p.PartySize
		r.RideIDs = append(r.RideIDs, ride.RideID)
		r.Match = nil
		if r.Offer.AvailableSeats <= 0 {
			r.Offer.AvailableSeats = 0
			r.Status = models.SearchMatched
			r.Match = &models.MatchState{MatchID: matchID, CounterpartID: p.SeekerID, Phase: models.PhaseMatched, RideID: ride.RideID}
		}
		return nil
	})
	c.apply(ctx, p.SeekerID, func(r *models.SearchRecord) error {
		r.Status = models.SearchMatched
		r.RideIDs = append(r.RideIDs, ride.RideID)
		r.Match = &models.MatchState{MatchID: matchID, CounterpartID: p.OfferorID, Phase: models.PhaseMatched, RideID: ride.RideID}
		return nil
	})

	observability.ProposalTransitions.WithLabelValues(string(models.MatchAccepted)).Inc()
	c.logger.Info("match accepted", "match_id", matchID, "ride_id", ride.RideID, "party_size", p.PartySize)
	payload := map[string]any{"match": p.Clone(), "ride": ride}
	return []notice{
		{p.OfferorID, models.EventMatchAccepted, payload},
		{p.SeekerID, models.EventMatchAccepted, payload},
	}, nil
}

// Reject lets either party turn the proposal down. Seats are untouched.
func (c *Controller) Reject(ctx context.Context, matchID, rejectorID string) (*models.MatchProposal, error) {
	c.mu.Lock()
	p, err := c.proposal(ctx, matchID, "reject")
	if err == nil && !p.Involves(rejectorID) {
		observability.ProposalConflicts.WithLabelValues("reject").Inc()
		err = apperr.Conflict("user %s is not a party of match %s", rejectorID, matchID)
	}
	var notes []notice
	if err == nil {
		notes, err = c.resolveLocked(ctx, p, models.MatchRejected, rejectorID)
	}
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}
	c.send(ctx, notes)
	return p, nil
}

// Expire closes a proposal that ran out of time. Calling it on a decided
// proposal changes nothing and returns a conflict.
func (c *Controller) Expire(ctx context.Context, matchID string) (*models.MatchProposal, error) {
	c.mu.Lock()
	if cl, ok := c.accepting[matchID]; ok {
		cl.expireDue = true
	}
	p, err := c.proposal(ctx, matchID, "expire")
	var notes []notice
	if err == nil {
		notes, err = c.resolveLocked(ctx, p, models.MatchExpired, "system")
	}
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}
	c.send(ctx, notes)
	return p, nil
}

// SweepExpired expires every pending proposal older than the timeout. It
// covers timers lost to a restart.
func (c *Controller) SweepExpired(ctx context.Context) int {
	now := c.clock.Now()
	n := 0
	for _, p := range c.reg.PendingProposals() {
		if now.Sub(p.CreatedAt) < c.timeout {
			continue
		}
		if _, err := c.Expire(ctx, p.MatchID); err != nil {
			if !errors.Is(err, apperr.ErrConflict) {
				c.logger.Error("sweep expire failed", "match_id", p.MatchID, "error", err)
			}
			continue
		}
		n++
	}
	return n
}

// Restore re-arms expiry timers for proposals loaded from the store.
func (c *Controller) Restore(ctx context.Context) int {
	now := c.clock.Now()
	armed := 0
	for _, p := range c.reg.PendingProposals() {
		left := c.timeout - now.Sub(p.CreatedAt)
		if left <= 0 {
			if _, err := c.Expire(ctx, p.MatchID); err != nil && !errors.Is(err, apperr.ErrConflict) {
				c.logger.Error("restore expire failed", "match_id", p.MatchID, "error", err)
			}
			continue
		}
		c.mu.Lock()
		c.schedule(p.MatchID, left)
		c.mu.Unlock()
		armed++
	}
	return armed
}

// Close stops every pending timer.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, t := range c.tasks {
		t.Stop()
		delete(c.tasks, id)
	}
}

// Pending reports how many expiry timers are armed.
func (c *Controller) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tasks)
}

// proposal loads a proposal and checks it still awaits a decision.
func (c *Controller) proposal(ctx context.Context, matchID, op string) (*models.MatchProposal, error) {
	p, err := c.reg.GetProposal(ctx, matchID)
	if err != nil {
		return nil, err
	}
	if p.Status != models.MatchProposed {
		observability.ProposalConflicts.WithLabelValues(op).Inc()
		return nil, apperr.Conflict("match %s is already %s", matchID, p.Status)
	}
	if _, ok := c.accepting[matchID]; ok {
		observability.ProposalConflicts.WithLabelValues(op).Inc()
		return nil, apperr.Conflict("match %s is being accepted", matchID)
	}
	return p, nil
}

// resolveLocked moves p to rejected or expired and frees both records.
func (c *Controller) resolveLocked(ctx context.Context, p *models.MatchProposal, status models.MatchStatus, by string) ([]notice, error) {
	now := c.clock.Now()
	p.Status = status
	p.DecidedBy = by
	if status == models.MatchExpired {
		p.ExpiredAt = &now
	} else {
		p.DecidedAt = &now
	}
	if err := c.reg.SaveProposal(ctx, p); err != nil {
		return nil, err
	}
	c.cancel(p.MatchID)
	c.clearPointer(ctx, p.OfferorID, p.MatchID)
	c.clearPointer(ctx, p.SeekerID, p.MatchID)

	observability.ProposalTransitions.WithLabelValues(string(status)).Inc()
	c.logger.Info("match "+string(status), "match_id", p.MatchID, "by", by)

	event := models.EventMatchRejected
	if status == models.MatchExpired {
		event = models.EventMatchExpired
	}
	return []notice{
		{p.OfferorID, event, p.Clone()},
		{p.SeekerID, event, p.Clone()},
	}, nil
}

func (c *Controller) clearPointer(ctx context.Context, userID, matchID string) {
	c.apply(ctx, userID, func(r *models.SearchRecord) error {
		if pointsAt(r, matchID) {
			r.Match = nil
		}
		return nil
	})
}

// apply updates a record after a committed transition. A store failure
// downgrades to a batched write so the change is not lost.
func (c *Controller) apply(ctx context.Context, userID string, fn func(*models.SearchRecord) error) {
	_, err := c.reg.Mutate(ctx, userID, registry.Immediate, fn)
	if err == nil {
		return
	}
	if errors.Is(err, apperr.ErrStoreUnavailable) {
		c.logger.Warn("record write deferred to batch", "user_id", userID, "error", err)
		_, err = c.reg.Mutate(ctx, userID, registry.Batched, fn)
	}
	if err != nil {
		c.logger.Error("record update after transition failed", "user_id", userID, "error", err)
	}
}

func pointsAt(r *models.SearchRecord, matchID string) bool {
	return r.Status == models.SearchSearching && r.Match != nil &&
		r.Match.Phase == models.PhaseProposed && r.Match.MatchID == matchID
}

// schedule must be called with c.mu held.
func (c *Controller) schedule(matchID string, after time.Duration) {
	if t, ok := c.tasks[matchID]; ok {
		t.Stop()
	}
	c.tasks[matchID] = c.clock.AfterFunc(after, func() { c.onTimer(matchID) })
}

// cancel must be called with c.mu held. A timer already running its
// callback is not stopped; Expire's guard turns it into a no-op.
func (c *Controller) cancel(matchID string) {
	if t, ok := c.tasks[matchID]; ok {
		t.Stop()
		delete(c.tasks, matchID)
	}
}

func (c *Controller) onTimer(matchID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := c.Expire(ctx, matchID); err != nil {
		if errors.Is(err, apperr.ErrConflict) {
			c.logger.Debug("expiry timer lost the race", "match_id", matchID)
			return
		}
		c.logger.Error("expiry timer failed", "match_id", matchID, "error", err)
	}
}

func (c *Controller) send(ctx context.Context, notes []notice) {
	if c.notifier == nil {
		return
	}
	for _, n := range notes {
		if err := c.notifier.Notify(ctx, n.userID, n.event, n.payload); err != nil {
			c.logger.Warn("notification undelivered", "user_id", n.userID, "event", n.event, "error", err)
		}
	}
}
