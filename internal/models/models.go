package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Place is a coordinate with a human readable label.
type Place struct {
	Coord
	Name string `json:"name,omitempty"`
}

type Role string

const (
	RoleOfferor Role = "offeror"
	RoleSeeker  Role = "seeker"
)

func (r Role) Valid() bool { return r == RoleOfferor || r == RoleSeeker }

type SearchStatus string

const (
	SearchSearching SearchStatus = "searching"
	SearchStopped   SearchStatus = "stopped"
	SearchExpired   SearchStatus = "expired"
	SearchMatched   SearchStatus = "matched"
)

// Terminal reports whether a search can no longer be matched.
func (s SearchStatus) Terminal() bool { return s != SearchSearching }

type MatchStatus string

const (
	MatchProposed MatchStatus = "proposed"
	MatchAccepted MatchStatus = "accepted"
	MatchRejected MatchStatus = "rejected"
	MatchExpired  MatchStatus = "expired"
)

func (s MatchStatus) Terminal() bool { return s != MatchProposed }

// OfferTerms is only set on offeror searches.
type OfferTerms struct {
	Capacity       int `json:"capacity"`
	AvailableSeats int `json:"available_seats"`
}

// SeekTerms is only set on seeker searches.
type SeekTerms struct {
	PartySize int `json:"party_size"`
}

type MatchPhase string

const (
	PhaseProposed MatchPhase = "proposed"
	PhaseMatched  MatchPhase = "matched"
)

// MatchState points a search at its current proposal or ride. The
// counterpart is looked up by MatchID, never copied into the record.
type MatchState struct {
	MatchID       string     `json:"match_id"`
	CounterpartID string     `json:"counterpart_id"`
	Phase         MatchPhase `json:"phase"`
	RideID        string     `json:"ride_id,omitempty"`
}

type SearchRecord struct {
	UserID      string       `json:"user_id"`
	Role        Role         `json:"role"`
	Pickup      Place        `json:"pickup"`
	Destination Place        `json:"destination"`
	RoutePoints []Coord      `json:"route_points"`
	Offer       *OfferTerms  `json:"offer,omitempty"`
	Seek        *SeekTerms   `json:"seek,omitempty"`
	Status      SearchStatus `json:"status"`
	Match       *MatchState  `json:"match,omitempty"`
	Current     *Coord       `json:"current,omitempty"`
	RideIDs     []string     `json:"ride_ids,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
	LastUpdated time.Time    `json:"last_updated"`
}

// PartySize returns the seats a seeker needs, zero for offerors.
func (r *SearchRecord) PartySize() int {
	if r.Seek == nil {
		return 0
	}
	return r.Seek.PartySize
}

// AvailableSeats returns the seats an offeror still has, zero for seekers.
func (r *SearchRecord) AvailableSeats() int {
	if r.Offer == nil {
		return 0
	}
	return r.Offer.AvailableSeats
}

// Pending reports whether the search is waiting on a proposal.
func (r *SearchRecord) Pending() bool {
	return r.Match != nil && r.Match.Phase == PhaseProposed
}

// LastActivity is the most recent of UpdatedAt and LastUpdated.
func (r *SearchRecord) LastActivity() time.Time {
	if r.LastUpdated.After(r.UpdatedAt) {
		return r.LastUpdated
	}
	return r.UpdatedAt
}

// Clone returns a deep copy so callers can mutate without touching shared state.
func (r *SearchRecord) Clone() *SearchRecord {
	if r == nil {
		return nil
	}
	c := *r
	if r.RoutePoints != nil {
		c.RoutePoints = append([]Coord(nil), r.RoutePoints...)
	}
	if r.Offer != nil {
		o := *r.Offer
		c.Offer = &o
	}
	if r.Seek != nil {
		s := *r.Seek
		c.Seek = &s
	}
	if r.Match != nil {
		m := *r.Match
		c.Match = &m
	}
	if r.Current != nil {
		cur := *r.Current
		c.Current = &cur
	}
	if r.RideIDs != nil {
		c.RideIDs = append([]string(nil), r.RideIDs...)
	}
	return &c
}

type MatchProposal struct {
	MatchID           string      `json:"match_id"`
	OfferorID         string      `json:"offeror_id"`
	SeekerID          string      `json:"seeker_id"`
	SimilarityScore   float64     `json:"similarity_score"`
	ProximityDistance float64     `json:"proximity_distance_m"`
	DetourDistance    float64     `json:"detour_distance_m"`
	PartySize         int         `json:"party_size"`
	Status            MatchStatus `json:"status"`
	CreatedAt         time.Time   `json:"created_at"`
	DecidedAt         *time.Time  `json:"decided_at,omitempty"`
	ExpiredAt         *time.Time  `json:"expired_at,omitempty"`
	DecidedBy         string      `json:"decided_by,omitempty"`
	RideID            string      `json:"ride_id,omitempty"`
}

// Involves reports whether userID is either party of the proposal.
func (p *MatchProposal) Involves(userID string) bool {
	return p.OfferorID == userID || p.SeekerID == userID
}

func (p *MatchProposal) Clone() *MatchProposal {
	if p == nil {
		return nil
	}
	c := *p
	if p.DecidedAt != nil {
		t := *p.DecidedAt
		c.DecidedAt = &t
	}
	if p.ExpiredAt != nil {
		t := *p.ExpiredAt
		c.ExpiredAt = &t
	}
	return &c
}

// RideHandle is what the ride tracking side receives once a proposal is accepted.
type RideHandle struct {
	RideID           string    `json:"ride_id"`
	MatchID          string    `json:"match_id"`
	OfferorID        string    `json:"offeror_id"`
	SeekerID         string    `json:"seeker_id"`
	PartySize        int       `json:"party_size"`
	Pickup           Place     `json:"pickup"`
	Destination      Place     `json:"destination"`
	PickupETASeconds float64   `json:"pickup_eta_seconds"`
	PaymentRef       string    `json:"payment_ref,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// LocationPing is a position update for an active search.
type LocationPing struct {
	UserID string    `json:"user_id"`
	Loc    Coord     `json:"loc"`
	At     time.Time `json:"at"`
}

type EventType string

const (
	EventMatchProposed EventType = "match_proposed"
	EventMatchAccepted EventType = "match_accepted"
	EventMatchRejected EventType = "match_rejected"
	EventMatchExpired  EventType = "match_expired"
	EventSearchExpired EventType = "search_expired"
)

// Event is the payload delivered to a user through the notification channel.
type Event struct {
	Type    EventType `json:"type"`
	UserID  string    `json:"user_id"`
	Payload any       `json:"payload,omitempty"`
	At      time.Time `json:"at"`
}
