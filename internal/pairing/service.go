// Package pairing exposes the ride-pairing operations used by the API layer.
package pairing

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"k8s.io/utils/clock"

	"github.com/example/ride-pairing/internal/apperr"
	"github.com/example/ride-pairing/internal/lifecycle"
	"github.com/example/ride-pairing/internal/matcher"
	"github.com/example/ride-pairing/internal/models"
	"github.com/example/ride-pairing/internal/registry"
)

// LocationPublisher fans pings out to other consumers.
type LocationPublisher interface {
	PublishLocation(ctx context.Context, ping models.LocationPing) error
}

type Service struct {
	registry  *registry.Registry
	lifecycle *lifecycle.Controller
	cycle     *matcher.Cycle
	locations LocationPublisher
	clock     clock.PassiveClock
	logger    *slog.Logger
}

// NewService accepts a nil publisher.
func NewService(reg *registry.Registry, lc *lifecycle.Controller, cycle *matcher.Cycle, locations LocationPublisher, clk clock.PassiveClock, logger *slog.Logger) *Service {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Service{
		registry:  reg,
		lifecycle: lc,
		cycle:     cycle,
		locations: locations,
		clock:     clk,
		logger:    logger.With("component", "pairing"),
	}
}

type StartSearchRequest struct {
	UserID      string         `json:"user_id"`
	Role        models.Role    `json:"role"`
	Pickup      models.Place   `json:"pickup"`
	Destination models.Place   `json:"destination"`
	RoutePoints []models.Coord `json:"route_points,omitempty"`
	// offeror terms
	Capacity       int  `json:"capacity,omitempty"`
	AvailableSeats *int `json:"available_seats,omitempty"`
	// seeker terms
	PartySize int `json:"party_size,omitempty"`
}

func (r StartSearchRequest) validate() error {
	if strings.TrimSpace(r.UserID) == "" {
		return apperr.Validation("user_id", "required")
	}
	if !r.Role.Valid() {
		return apperr.Validation("role", "must be offeror or seeker")
	}
	if err := validCoord("pickup", r.Pickup.Coord); err != nil {
		return err
	}
	if err := validCoord("destination", r.Destination.Coord); err != nil {
		return err
	}
	for _, p := range r.RoutePoints {
		if err := validCoord("route_points", p); err != nil {
			return err
		}
	}
	switch r.Role {
	case models.RoleOfferor:
		if r.Capacity <= 0 {
			return apperr.Validation("capacity", "must be positive")
		}
		if r.AvailableSeats != nil && (*r.AvailableSeats < 1 || *r.AvailableSeats > r.Capacity) {
			return apperr.Validation("available_seats", "must be between 1 and capacity")
		}
	case models.RoleSeeker:
		if r.PartySize <= 0 {
			return apperr.Validation("party_size", "must be positive")
		}
	}
	return nil
}

func validCoord(field string, c models.Coord) error {
	if c.Lat < -90 || c.Lat > 90 || c.Lon < -180 || c.Lon > 180 {
		return apperr.Validation(field, "coordinate out of range")
	}
	return nil
}

// StartSearch validates and registers a search. The route defaults to the
// straight pickup-destination leg and available seats to capacity.
func (s *Service) StartSearch(ctx context.Context, req StartSearchRequest) (*models.SearchRecord, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	rec := &models.SearchRecord{
		UserID:      strings.TrimSpace(req.UserID),
		Role:        req.Role,
		Pickup:      req.Pickup,
		Destination: req.Destination,
		RoutePoints: req.RoutePoints,
	}
	if len(rec.RoutePoints) == 0 {
		rec.RoutePoints = []models.Coord{req.Pickup.Coord, req.Destination.Coord}
	}
	if req.Role == models.RoleOfferor {
		seats := req.Capacity
		if req.AvailableSeats != nil {
			seats = *req.AvailableSeats
		}
		rec.Offer = &models.OfferTerms{Capacity: req.Capacity, AvailableSeats: seats}
	} else {
		rec.Seek = &models.SeekTerms{PartySize: req.PartySize}
	}
	return s.lifecycle.StartSearch(ctx, rec)
}

// StopSearch stops the user's search, rejecting any pending proposal.
func (s *Service) StopSearch(ctx context.Context, userID string) (*models.SearchRecord, error) {
	return s.lifecycle.EndSearch(ctx, userID, models.SearchStopped)
}

func (s *Service) AcceptMatch(ctx context.Context, matchID, userID string) (*models.RideHandle, error) {
	return s.lifecycle.Accept(ctx, matchID, userID)
}

func (s *Service) RejectMatch(ctx context.Context, matchID, userID string) (*models.MatchProposal, error) {
	return s.lifecycle.Reject(ctx, matchID, userID)
}

func (s *Service) GetMatch(ctx context.Context, matchID string) (*models.MatchProposal, error) {
	return s.registry.GetProposal(ctx, matchID)
}

func (s *Service) RunMatchCycleOnce(ctx context.Context) matcher.CycleReport {
	return s.cycle.RunOnce(ctx)
}

// UpdateLocation records a ping for an active search.
func (s *Service) UpdateLocation(ctx context.Context, userID string, loc models.Coord) error {
	if err := validCoord("location", loc); err != nil {
		return err
	}
	at := s.clock.Now()
	if err := s.registry.TouchLocation(ctx, userID, loc, at); err != nil {
		return err
	}
	if s.locations != nil {
		if err := s.locations.PublishLocation(ctx, models.LocationPing{UserID: userID, Loc: loc, At: at}); err != nil {
			s.logger.Warn("location publish failed", "user_id", userID, "error", err)
		}
	}
	return nil
}

// Counterpart is the other party of a match as shown to a user.
type Counterpart struct {
	UserID         string        `json:"user_id"`
	Role           models.Role   `json:"role"`
	Pickup         models.Place  `json:"pickup"`
	Destination    models.Place  `json:"destination"`
	Current        *models.Coord `json:"current,omitempty"`
	AvailableSeats int           `json:"available_seats,omitempty"`
	PartySize      int           `json:"party_size,omitempty"`
}

type SearchView struct {
	Search      *models.SearchRecord  `json:"search"`
	Match       *models.MatchProposal `json:"match,omitempty"`
	Counterpart *Counterpart          `json:"counterpart,omitempty"`
	Ride        *models.RideHandle    `json:"ride,omitempty"`
}

// GetSearchStatus returns the user's search with its match and counterpart
// resolved at read time.
func (s *Service) GetSearchStatus(ctx context.Context, userID string) (*SearchView, error) {
	rec, err := s.registry.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	view := &SearchView{Search: rec}
	if rec.Match == nil {
		return view, nil
	}
	if view.Match, err = s.registry.GetProposal(ctx, rec.Match.MatchID); err != nil && !errors.Is(err, apperr.ErrNotFound) {
		return nil, err
	}
	other, err := s.registry.Get(ctx, rec.Match.CounterpartID)
	switch {
	case err == nil:
		view.Counterpart = &Counterpart{
			UserID:         other.UserID,
			Role:           other.Role,
			Pickup:         other.Pickup,
			Destination:    other.Destination,
			Current:        other.Current,
			AvailableSeats: other.AvailableSeats(),
			PartySize:      other.PartySize(),
		}
	case !errors.Is(err, apperr.ErrNotFound):
		return nil, err
	}
	if rec.Match.RideID != "" {
		if view.Ride, err = s.registry.GetRide(ctx, rec.Match.RideID); err != nil && !errors.Is(err, apperr.ErrNotFound) {
			return nil, err
		}
	}
	return view, nil
}
