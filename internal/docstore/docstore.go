// Package docstore defines the typed document-store adapter the rest of the
// backend is written against. Documents are JSON blobs addressed by
// (collection, id) under a namespace prefix; implementations live in the
// memory and postgres subpackages.
//
// The one primitive the action pipeline's correctness hangs on is
// Collection.Create: an atomic create-if-absent that returns
// sentinel.ErrAlreadyExists when it loses the race. Implementations must
// guarantee that exactly one of N concurrent Create calls for the same id
// succeeds.
package docstore

import (
	"context"
	"encoding/json"
	"fmt"
)

// Condition is a single field filter for queries. Only equality is needed by
// this codebase; Op exists so the wire shape doesn't change if that grows.
type Condition struct {
	Field string
	Op    string
	Value any
}

// Where builds an equality condition.
func Where(field string, value any) Condition {
	return Condition{Field: field, Op: "==", Value: value}
}

// Snapshot is a point-in-time copy of a document.
type Snapshot struct {
	ID   string
	data []byte
}

// NewSnapshot wraps raw document bytes; used by implementations and tests.
func NewSnapshot(id string, data []byte) Snapshot {
	return Snapshot{ID: id, data: data}
}

// Exists reports whether the snapshot carries a document.
func (s Snapshot) Exists() bool { return len(s.data) > 0 }

// Decode unmarshals the document into out.
func (s Snapshot) Decode(out any) error {
	if !s.Exists() {
		return fmt.Errorf("decode empty snapshot %q", s.ID)
	}
	return json.Unmarshal(s.data, out)
}

// Fields returns the document as a generic map, for callers that only need a
// couple of top-level fields.
func (s Snapshot) Fields() (map[string]any, error) {
	var fields map[string]any
	if err := s.Decode(&fields); err != nil {
		return nil, err
	}
	return fields, nil
}

// ListenFunc receives a snapshot each time an observed document changes.
type ListenFunc func(Snapshot)

// Collection exposes typed operations on one namespaced collection.
type Collection interface {
	// Read decodes the document into out, or returns sentinel.ErrNotFound.
	Read(ctx context.Context, id string, out any) error
	// ReadOrNull decodes the document if present and reports whether it was.
	ReadOrNull(ctx context.Context, id string, out any) (bool, error)
	// Create writes the document only if absent; returns
	// sentinel.ErrAlreadyExists otherwise. This is the atomic
	// create-if-absent primitive.
	Create(ctx context.Context, id string, doc any) error
	// Write upserts the document.
	Write(ctx context.Context, id string, doc any) error
	// Update shallow-merges fields into an existing document; returns
	// sentinel.ErrNotFound if absent.
	Update(ctx context.Context, id string, fields map[string]any) error
	// Query returns snapshots of documents matching every condition.
	Query(ctx context.Context, conds ...Condition) ([]Snapshot, error)
	// List returns snapshots of every document in the collection.
	List(ctx context.Context) ([]Snapshot, error)
	// ListenToDocument invokes fn with the current snapshot and again on every
	// change until stop is called.
	ListenToDocument(ctx context.Context, id string, fn ListenFunc) (stop func(), err error)
	// ListenToCollection invokes fn for each matching document now and on
	// every subsequent change until stop is called.
	ListenToCollection(ctx context.Context, fn ListenFunc, conds ...Condition) (stop func(), err error)
}

// Tx carries document operations inside a transaction. All ops address
// collections by name; the transaction commits atomically or not at all.
type Tx interface {
	Read(collection, id string, out any) error
	ReadOrNull(collection, id string, out any) (bool, error)
	Create(collection, id string, doc any) error
	Write(collection, id string, doc any) error
	Update(collection, id string, fields map[string]any) error
}

// Store is a namespaced document store.
type Store interface {
	Namespace() string
	Collection(name string) Collection
	// RunTransaction executes fn atomically. Implementations retry fn on
	// contention, so fn must be safe to run more than once.
	RunTransaction(ctx context.Context, fn func(tx Tx) error) error
	// RecursiveDelete wipes every collection in the namespace. Test-only:
	// implementations refuse unless wiping was enabled at construction and
	// the namespace carries a test prefix.
	RecursiveDelete(ctx context.Context) error
}

// TestNamespacePrefix restricts RecursiveDelete to throwaway namespaces.
const TestNamespacePrefix = "test"

// Marshal is the canonical document encoding used by implementations.
func Marshal(doc any) ([]byte, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	return data, nil
}
