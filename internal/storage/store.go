package storage

import (
	"context"
	"encoding/json"
	"errors"
)

const (
	CollectionSearches = "searches"
	CollectionMatches  = "matches"
	CollectionRides    = "rides"
)

// ErrNoDocument is returned by Get and Update when the document is absent.
var ErrNoDocument = errors.New("storage: no such document")

// Condition is an equality filter on a top-level document field.
type Condition struct {
	Field string
	Value any
}

func Eq(field string, value any) Condition { return Condition{Field: field, Value: value} }

type OpKind string

const (
	OpSet    OpKind = "set"
	OpUpdate OpKind = "update"
	OpDelete OpKind = "delete"
)

// Op is one write inside a batch commit. Doc is used by set, Patch by update.
type Op struct {
	Kind       OpKind
	Collection string
	ID         string
	Doc        json.RawMessage
	Patch      map[string]any
}

// Key identifies the document an op targets.
func (o Op) Key() string { return o.Collection + "/" + o.ID }

// Store is the durable document store. Documents are JSON objects, updates
// are shallow merges of top-level fields. There are no multi-document
// transactions; BatchCommit is best effort.
type Store interface {
	Get(ctx context.Context, collection, id string) (json.RawMessage, error)
	Set(ctx context.Context, collection, id string, doc json.RawMessage) error
	Update(ctx context.Context, collection, id string, patch map[string]any) error
	Delete(ctx context.Context, collection, id string) error
	Query(ctx context.Context, collection string, conds ...Condition) ([]json.RawMessage, error)
	BatchCommit(ctx context.Context, ops []Op) error
}

// conditionDoc renders conditions as a JSON object for containment matching.
func conditionDoc(conds []Condition) (json.RawMessage, error) {
	m := make(map[string]any, len(conds))
	for _, c := range conds {
		m[c.Field] = c.Value
	}
	return json.Marshal(m)
}

// MergePatch applies a shallow patch to a JSON object document.
func MergePatch(doc json.RawMessage, patch map[string]any) (json.RawMessage, error) {
	m := map[string]json.RawMessage{}
	if len(doc) > 0 {
		if err := json.Unmarshal(doc, &m); err != nil {
			return nil, err
		}
	}
	for k, v := range patch {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		m[k] = b
	}
	return json.Marshal(m)
}
