package storage

import (
	"context"
	"encoding/json"
	"reflect"
	"sort"
	"sync"
)

// MemoryStore is a process-local Store used when no database is configured
// and in tests.
type MemoryStore struct {
	mu   sync.RWMutex
	docs map[string]map[string]json.RawMessage
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string]map[string]json.RawMessage)}
}

func (m *MemoryStore) Get(ctx context.Context, collection, id string) (json.RawMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc, ok := m.docs[collection][id]
	if !ok {
		return nil, ErrNoDocument
	}
	return append(json.RawMessage(nil), doc...), nil
}

func (m *MemoryStore) Set(ctx context.Context, collection, id string, doc json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setLocked(collection, id, doc)
	return nil
}

func (m *MemoryStore) Update(ctx context.Context, collection, id string, patch map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateLocked(collection, id, patch)
}

func (m *MemoryStore) Delete(ctx context.Context, collection, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.docs[collection], id)
	return nil
}

// Query returns matching documents ordered by id.
func (m *MemoryStore) Query(ctx context.Context, collection string, conds ...Condition) ([]json.RawMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.docs[collection]))
	for id := range m.docs[collection] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	var out []json.RawMessage
	for _, id := range ids {
		doc := m.docs[collection][id]
		ok, err := matches(doc, conds)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, append(json.RawMessage(nil), doc...))
		}
	}
	return out, nil
}

// BatchCommit applies ops in order. Updates of missing documents are skipped
// so a replayed batch stays idempotent.
func (m *MemoryStore) BatchCommit(ctx context.Context, ops []Op) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, op := range ops {
		switch op.Kind {
		case OpSet:
			m.setLocked(op.Collection, op.ID, op.Doc)
		case OpUpdate:
			if err := m.updateLocked(op.Collection, op.ID, op.Patch); err != nil && err != ErrNoDocument {
				return err
			}
		case OpDelete:
			delete(m.docs[op.Collection], op.ID)
		}
	}
	return nil
}

// Len reports how many documents a collection holds.
func (m *MemoryStore) Len(collection string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.docs[collection])
}

func (m *MemoryStore) setLocked(collection, id string, doc json.RawMessage) {
	c, ok := m.docs[collection]
	if !ok {
		c = make(map[string]json.RawMessage)
		m.docs[collection] = c
	}
	c[id] = append(json.RawMessage(nil), doc...)
}

func (m *MemoryStore) updateLocked(collection, id string, patch map[string]any) error {
	doc, ok := m.docs[collection][id]
	if !ok {
		return ErrNoDocument
	}
	merged, err := MergePatch(doc, patch)
	if err != nil {
		return err
	}
	m.docs[collection][id] = merged
	return nil
}

func matches(doc json.RawMessage, conds []Condition) (bool, error) {
	if len(conds) == 0 {
		return true, nil
	}
	var fields map[string]any
	if err := json.Unmarshal(doc, &fields); err != nil {
		return false, err
	}
	for _, c := range conds {
		want, err := normalize(c.Value)
		if err != nil {
			return false, err
		}
		if !reflect.DeepEqual(fields[c.Field], want) {
			return false, nil
		}
	}
	return true, nil
}

// normalize round-trips v through JSON so typed values such as
// models.SearchStatus compare equal to the decoded document field.
func normalize(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	err = json.Unmarshal(b, &out)
	return out, err
}
