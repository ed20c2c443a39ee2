// Package registry holds every active search. Reads come from an in-memory
// view first, then a TTL cache, then the durable store. Writes are either
// immediate (durable before return) or batched through a Batcher.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/example/ride-pairing/internal/apperr"
	"github.com/example/ride-pairing/internal/models"
	"github.com/example/ride-pairing/internal/observability"
	"github.com/example/ride-pairing/internal/storage"
)

type WriteMode int

const (
	// Immediate writes reach the store before the call returns.
	Immediate WriteMode = iota
	// Batched writes update memory at once and reach the store on the next flush.
	Batched
)

type Options struct {
	SearchTTL time.Duration
	ActiveTTL time.Duration
	Clock     clock.PassiveClock
	Logger    *slog.Logger
}

type entry struct {
	rec *models.SearchRecord
	seq uint64
}

type Registry struct {
	store     storage.Store
	cache     Cache
	batcher   *Batcher
	clock     clock.PassiveClock
	logger    *slog.Logger
	searchTTL time.Duration
	activeTTL time.Duration

	locks keyedMutex

	mu       sync.RWMutex
	searches map[string]*entry
	seq      uint64
	// unflushed holds records written in batched mode until their op
	// commits, so reads never fall through to an older stored copy.
	unflushed map[string]*models.SearchRecord
	proposals map[string]*models.MatchProposal
}

func New(store storage.Store, cache Cache, batcher *Batcher, opts Options) *Registry {
	if opts.SearchTTL <= 0 {
		opts.SearchTTL = 30 * time.Second
	}
	if opts.ActiveTTL <= 0 {
		opts.ActiveTTL = 10 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	r := &Registry{
		store:     store,
		cache:     cache,
		batcher:   batcher,
		clock:     opts.Clock,
		logger:    opts.Logger.With("component", "registry"),
		searchTTL: opts.SearchTTL,
		activeTTL: opts.ActiveTTL,
		locks:     keyedMutex{locks: make(map[string]*refLock)},
		searches:  make(map[string]*entry),
		unflushed: make(map[string]*models.SearchRecord),
		proposals: make(map[string]*models.MatchProposal),
	}
	if batcher != nil {
		batcher.OnCommit(r.committed)
	}
	return r
}

// Load rebuilds the in-memory view from the durable store: every searching
// record and every proposal still awaiting a decision.
func (r *Registry) Load(ctx context.Context) (searches, proposals int, err error) {
	docs, err := r.store.Query(ctx, storage.CollectionSearches, storage.Eq("status", models.SearchSearching))
	if err != nil {
		return 0, 0, apperr.StoreUnavailable("query searches", err)
	}
	recs := make([]*models.SearchRecord, 0, len(docs))
	for _, d := range docs {
		var rec models.SearchRecord
		if err := json.Unmarshal(d, &rec); err != nil {
			r.logger.Warn("skipping undecodable search", "error", err)
			continue
		}
		recs = append(recs, &rec)
	}
	sort.SliceStable(recs, func(i, j int) bool {
		if !recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].CreatedAt.Before(recs[j].CreatedAt)
		}
		return recs[i].UserID < recs[j].UserID
	})

	docs, err = r.store.Query(ctx, storage.CollectionMatches, storage.Eq("status", models.MatchProposed))
	if err != nil {
		return 0, 0, apperr.StoreUnavailable("query matches", err)
	}
	pending := make([]*models.MatchProposal, 0, len(docs))
	for _, d := range docs {
		var p models.MatchProposal
		if err := json.Unmarshal(d, &p); err != nil {
			r.logger.Warn("skipping undecodable match", "error", err)
			continue
		}
		pending = append(pending, &p)
	}

	r.mu.Lock()
	for _, rec := range recs {
		r.putLocked(rec)
	}
	for _, p := range pending {
		r.proposals[p.MatchID] = p
	}
	r.mu.Unlock()
	r.publishGauges()
	return len(recs), len(pending), nil
}

// Close flushes whatever the batcher still holds.
func (r *Registry) Close(ctx context.Context) error {
	if r.batcher == nil {
		return nil
	}
	for r.batcher.Len() > 0 {
		if err := r.batcher.Flush(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Upsert stores rec. A record that is no longer searching leaves the
// in-memory view.
func (r *Registry) Upsert(ctx context.Context, rec *models.SearchRecord, mode WriteMode) error {
	unlock := r.locks.Lock(rec.UserID)
	defer unlock()
	return r.write(ctx, rec.Clone(), mode)
}

// Mutate applies fn to the current record under the record's lock and
// writes the result. fn errors abort the write and are returned as is.
func (r *Registry) Mutate(ctx context.Context, userID string, mode WriteMode, fn func(*models.SearchRecord) error) (*models.SearchRecord, error) {
	unlock := r.locks.Lock(userID)
	defer unlock()

	cur, err := r.get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if err := fn(cur); err != nil {
		return nil, err
	}
	cur.UpdatedAt = r.clock.Now()
	if err := r.write(ctx, cur, mode); err != nil {
		return nil, err
	}
	return cur.Clone(), nil
}

// TouchLocation records a position ping for an active search. The durable
// write is always batched.
func (r *Registry) TouchLocation(ctx context.Context, userID string, loc models.Coord, at time.Time) error {
	unlock := r.locks.Lock(userID)
	defer unlock()

	r.mu.Lock()
	e, ok := r.searches[userID]
	if ok {
		c := loc
		e.rec.Current = &c
		e.rec.LastUpdated = at
	}
	r.mu.Unlock()
	if !ok {
		return apperr.NotFound("active search", userID)
	}
	r.batcher.Enqueue(storage.Op{
		Kind:       storage.OpUpdate,
		Collection: storage.CollectionSearches,
		ID:         userID,
		Patch:      map[string]any{"current": loc, "last_updated": at},
	})
	r.cache.Delete(ctx, searchKey(userID))
	return nil
}

func (r *Registry) Get(ctx context.Context, userID string) (*models.SearchRecord, error) {
	return r.get(ctx, userID)
}

// Active returns the in-memory record, if the user is searching.
func (r *Registry) Active(userID string) (*models.SearchRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.searches[userID]
	if !ok {
		return nil, false
	}
	return e.rec.Clone(), true
}

// QueryActiveByRole reads searching records of a role from the durable
// store through the bulk cache. Callers inside this process should prefer
// Snapshot.
func (r *Registry) QueryActiveByRole(ctx context.Context, role models.Role) ([]*models.SearchRecord, error) {
	key := activeKey(string(role))
	if b, ok := r.cache.Get(ctx, key); ok {
		var recs []*models.SearchRecord
		if err := json.Unmarshal(b, &recs); err == nil {
			return recs, nil
		}
	}
	docs, err := r.store.Query(ctx, storage.CollectionSearches,
		storage.Eq("status", models.SearchSearching), storage.Eq("role", role))
	if err != nil {
		return nil, apperr.StoreUnavailable("query searches", err)
	}
	recs := make([]*models.SearchRecord, 0, len(docs))
	for _, d := range docs {
		var rec models.SearchRecord
		if err := json.Unmarshal(d, &rec); err != nil {
			continue
		}
		recs = append(recs, &rec)
	}
	if b, err := json.Marshal(recs); err == nil {
		r.cache.Set(ctx, key, b, r.activeTTL)
	}
	return recs, nil
}

// Snapshot copies the in-memory searching records of a role in insertion
// order.
func (r *Registry) Snapshot(role models.Role) []*models.SearchRecord {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.searches))
	for _, e := range r.searches {
		if e.rec.Role == role {
			entries = append(entries, e)
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	out := make([]*models.SearchRecord, len(entries))
	for i, e := range entries {
		out[i] = e.rec.Clone()
	}
	r.mu.RUnlock()
	return out
}

// Remove deletes the search everywhere.
func (r *Registry) Remove(ctx context.Context, userID string) error {
	unlock := r.locks.Lock(userID)
	defer unlock()
	if err := r.store.Delete(ctx, storage.CollectionSearches, userID); err != nil {
		return apperr.StoreUnavailable("delete searches/"+userID, err)
	}
	if r.batcher != nil {
		r.batcher.Forget(storage.CollectionSearches, userID)
	}
	r.mu.Lock()
	delete(r.searches, userID)
	delete(r.unflushed, userID)
	r.mu.Unlock()
	r.invalidateSearch(ctx, userID)
	r.publishGauges()
	return nil
}

// SaveProposal writes p durably. Only proposals awaiting a decision stay
// in memory.
func (r *Registry) SaveProposal(ctx context.Context, p *models.MatchProposal) error {
	b, err := json.Marshal(p)
	if err != nil {
		return err
	}
	if err := r.store.Set(ctx, storage.CollectionMatches, p.MatchID, b); err != nil {
		return apperr.StoreUnavailable("set matches/"+p.MatchID, err)
	}
	r.mu.Lock()
	if p.Status == models.MatchProposed {
		r.proposals[p.MatchID] = p.Clone()
	} else {
		delete(r.proposals, p.MatchID)
	}
	r.mu.Unlock()
	r.cache.Delete(ctx, matchKey(p.MatchID))
	return nil
}

func (r *Registry) GetProposal(ctx context.Context, matchID string) (*models.MatchProposal, error) {
	r.mu.RLock()
	p, ok := r.proposals[matchID]
	r.mu.RUnlock()
	if ok {
		return p.Clone(), nil
	}
	var out models.MatchProposal
	if err := r.readThrough(ctx, storage.CollectionMatches, matchID, matchKey(matchID), "match", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PendingProposals lists proposals awaiting a decision, oldest first.
func (r *Registry) PendingProposals() []*models.MatchProposal {
	r.mu.RLock()
	out := make([]*models.MatchProposal, 0, len(r.proposals))
	for _, p := range r.proposals {
		out = append(out, p.Clone())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].MatchID < out[j].MatchID
	})
	return out
}

func (r *Registry) SaveRide(ctx context.Context, ride *models.RideHandle, mode WriteMode) error {
	b, err := json.Marshal(ride)
	if err != nil {
		return err
	}
	if mode == Batched {
		r.batcher.Enqueue(storage.Op{Kind: storage.OpSet, Collection: storage.CollectionRides, ID: ride.RideID, Doc: b})
		return nil
	}
	if err := r.store.Set(ctx, storage.CollectionRides, ride.RideID, b); err != nil {
		return apperr.StoreUnavailable("set rides/"+ride.RideID, err)
	}
	return nil
}

func (r *Registry) GetRide(ctx context.Context, rideID string) (*models.RideHandle, error) {
	b, err := r.store.Get(ctx, storage.CollectionRides, rideID)
	if errors.Is(err, storage.ErrNoDocument) {
		return nil, apperr.NotFound("ride", rideID)
	}
	if err != nil {
		return nil, apperr.StoreUnavailable("get rides/"+rideID, err)
	}
	var ride models.RideHandle
	if err := json.Unmarshal(b, &ride); err != nil {
		return nil, err
	}
	return &ride, nil
}

func (r *Registry) get(ctx context.Context, userID string) (*models.SearchRecord, error) {
	if rec, ok := r.Active(userID); ok {
		return rec, nil
	}
	r.mu.RLock()
	pending, ok := r.unflushed[userID]
	if ok {
		pending = pending.Clone()
	}
	r.mu.RUnlock()
	if ok {
		return pending, nil
	}
	var rec models.SearchRecord
	if err := r.readThrough(ctx, storage.CollectionSearches, userID, searchKey(userID), "search", &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *Registry) readThrough(ctx context.Context, collection, id, key, kind string, out any) error {
	if b, ok := r.cache.Get(ctx, key); ok {
		if err := json.Unmarshal(b, out); err == nil {
			return nil
		}
	}
	b, err := r.store.Get(ctx, collection, id)
	if errors.Is(err, storage.ErrNoDocument) {
		return apperr.NotFound(kind, id)
	}
	if err != nil {
		return apperr.StoreUnavailable("get "+collection+"/"+id, err)
	}
	if err := json.Unmarshal(b, out); err != nil {
		return err
	}
	r.cache.Set(ctx, key, b, r.searchTTL)
	return nil
}

// write must be called with the record's lock held. rec is owned by the
// registry afterwards.
func (r *Registry) write(ctx context.Context, rec *models.SearchRecord, mode WriteMode) error {
	doc, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	switch mode {
	case Immediate:
		if err := r.store.Set(ctx, storage.CollectionSearches, rec.UserID, doc); err != nil {
			return apperr.StoreUnavailable("set searches/"+rec.UserID, err)
		}
		// the full record supersedes anything still queued for it
		if r.batcher != nil {
			r.batcher.Forget(storage.CollectionSearches, rec.UserID)
		}
	case Batched:
		r.batcher.Enqueue(storage.Op{
			Kind:       storage.OpSet,
			Collection: storage.CollectionSearches,
			ID:         rec.UserID,
			Doc:        doc,
		})
	}

	r.mu.Lock()
	if mode == Batched {
		r.unflushed[rec.UserID] = rec
	} else {
		delete(r.unflushed, rec.UserID)
	}
	if rec.Status == models.SearchSearching {
		r.putLocked(rec)
	} else {
		delete(r.searches, rec.UserID)
	}
	r.mu.Unlock()
	r.invalidateSearch(ctx, rec.UserID)
	r.publishGauges()
	return nil
}

// committed runs after each successful batch commit. The store now holds
// what was queued, so cached copies are dropped and a record leaves the
// unflushed overlay unless a newer op for it is still waiting.
func (r *Registry) committed(ctx context.Context, ops []storage.Op) {
	for _, op := range ops {
		switch op.Collection {
		case storage.CollectionSearches:
			unlock := r.locks.Lock(op.ID)
			if !r.batcher.Queued(op.Collection, op.ID) {
				r.mu.Lock()
				delete(r.unflushed, op.ID)
				r.mu.Unlock()
			}
			r.invalidateSearch(ctx, op.ID)
			unlock()
		case storage.CollectionMatches:
			r.cache.Delete(ctx, matchKey(op.ID))
		}
	}
}

func (r *Registry) putLocked(rec *models.SearchRecord) {
	if e, ok := r.searches[rec.UserID]; ok {
		e.rec = rec
		return
	}
	r.seq++
	r.searches[rec.UserID] = &entry{rec: rec, seq: r.seq}
}

func (r *Registry) invalidateSearch(ctx context.Context, userID string) {
	r.cache.Delete(ctx, searchKey(userID),
		activeKey(string(models.RoleOfferor)), activeKey(string(models.RoleSeeker)))
}

func (r *Registry) publishGauges() {
	r.mu.RLock()
	var offerors, seekers int
	for _, e := range r.searches {
		if e.rec.Role == models.RoleOfferor {
			offerors++
		} else {
			seekers++
		}
	}
	r.mu.RUnlock()
	observability.ActiveSearches.WithLabelValues(string(models.RoleOfferor)).Set(float64(offerors))
	observability.ActiveSearches.WithLabelValues(string(models.RoleSeeker)).Set(float64(seekers))
}

type refLock struct {
	sync.Mutex
	refs int
}

// keyedMutex serializes writers per user id.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refLock
}

func (k *keyedMutex) Lock(key string) (unlock func()) {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &refLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
