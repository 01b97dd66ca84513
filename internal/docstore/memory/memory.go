// Package memory implements the docstore adapter on in-process maps. It backs
// unit tests and the emulator mode; semantics match the postgres
// implementation, including create-if-absent atomicity and transaction
// all-or-nothing commits.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"curbwise/internal/docstore"
	"curbwise/pkg/platform/sentinel"
)

// Store is a mutex-guarded in-memory document store.
type Store struct {
	mu        sync.Mutex
	namespace string
	allowWipe bool
	docs      map[string]map[string][]byte

	nextListenerID int
	listeners      map[int]*listener
}

type listener struct {
	collection string
	docID      string // empty for collection listeners
	conds      []docstore.Condition
	fn         docstore.ListenFunc
}

// Option configures a Store.
type Option func(*Store)

// WithRecursiveDelete enables the test-only namespace wipe.
func WithRecursiveDelete() Option {
	return func(s *Store) { s.allowWipe = true }
}

func New(namespace string, opts ...Option) *Store {
	s := &Store{
		namespace: namespace,
		docs:      make(map[string]map[string][]byte),
		listeners: make(map[int]*listener),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Namespace() string { return s.namespace }

func (s *Store) Collection(name string) docstore.Collection {
	return &collection{store: s, name: name}
}

// RecursiveDelete wipes the namespace. Refuses outside test namespaces so a
// mis-wired config cannot destroy live data.
func (s *Store) RecursiveDelete(ctx context.Context) error {
	if !s.allowWipe {
		return fmt.Errorf("recursive delete disabled: %w", sentinel.ErrInvalidState)
	}
	if !strings.HasPrefix(s.namespace, docstore.TestNamespacePrefix) {
		return fmt.Errorf("recursive delete restricted to %q namespaces: %w",
			docstore.TestNamespacePrefix, sentinel.ErrInvalidState)
	}
	s.mu.Lock()
	s.docs = make(map[string]map[string][]byte)
	s.mu.Unlock()
	return nil
}

// RunTransaction serializes transactions behind the store mutex. Writes are
// buffered and applied only if fn returns nil, so a failing transaction leaves
// no partial state.
func (s *Store) RunTransaction(ctx context.Context, fn func(tx docstore.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	tx := &memTx{store: s}
	err := fn(tx)
	var changed []change
	if err == nil {
		changed = tx.apply()
	}
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.notify(changed)
	return nil
}

type change struct {
	collection string
	docID      string
	data       []byte
}

// notify runs outside the store lock so listener callbacks may read or write.
func (s *Store) notify(changes []change) {
	for _, c := range changes {
		s.mu.Lock()
		targets := make([]docstore.ListenFunc, 0, 2)
		for _, l := range s.listeners {
			if l.collection != c.collection {
				continue
			}
			if l.docID != "" && l.docID != c.docID {
				continue
			}
			if l.docID == "" && !matches(c.data, l.conds) {
				continue
			}
			targets = append(targets, l.fn)
		}
		s.mu.Unlock()
		snap := docstore.NewSnapshot(c.docID, c.data)
		for _, fn := range targets {
			fn(snap)
		}
	}
}

func (s *Store) bucket(name string) map[string][]byte {
	b, ok := s.docs[name]
	if !ok {
		b = make(map[string][]byte)
		s.docs[name] = b
	}
	return b
}

// matches reports whether raw document bytes satisfy every condition. Values
// are compared after a JSON round trip so typed values and decoded documents
// agree on representation.
func matches(data []byte, conds []docstore.Condition) bool {
	if len(conds) == 0 {
		return true
	}
	var fields map[string]any
	if json.Unmarshal(data, &fields) != nil {
		return false
	}
	for _, cond := range conds {
		want, err := normalize(cond.Value)
		if err != nil {
			return false
		}
		if !reflect.DeepEqual(fields[cond.Field], want) {
			return false
		}
	}
	return true
}

func normalize(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ----------------------------------------------------------------------------
// Collection
// ----------------------------------------------------------------------------

type collection struct {
	store *Store
	name  string
}

func (c *collection) Read(ctx context.Context, id string, out any) error {
	found, err := c.ReadOrNull(ctx, id, out)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("document %s/%s: %w", c.name, id, sentinel.ErrNotFound)
	}
	return nil
}

func (c *collection) ReadOrNull(ctx context.Context, id string, out any) (bool, error) {
	c.store.mu.Lock()
	data, ok := c.store.bucket(c.name)[id]
	c.store.mu.Unlock()
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(data, out)
}

func (c *collection) Create(ctx context.Context, id string, doc any) error {
	data, err := docstore.Marshal(doc)
	if err != nil {
		return err
	}
	c.store.mu.Lock()
	bucket := c.store.bucket(c.name)
	if _, exists := bucket[id]; exists {
		c.store.mu.Unlock()
		return fmt.Errorf("document %s/%s: %w", c.name, id, sentinel.ErrAlreadyExists)
	}
	bucket[id] = data
	c.store.mu.Unlock()
	c.store.notify([]change{{collection: c.name, docID: id, data: data}})
	return nil
}

func (c *collection) Write(ctx context.Context, id string, doc any) error {
	data, err := docstore.Marshal(doc)
	if err != nil {
		return err
	}
	c.store.mu.Lock()
	c.store.bucket(c.name)[id] = data
	c.store.mu.Unlock()
	c.store.notify([]change{{collection: c.name, docID: id, data: data}})
	return nil
}

func (c *collection) Update(ctx context.Context, id string, fields map[string]any) error {
	c.store.mu.Lock()
	data, err := mergeLocked(c.store, c.name, id, fields)
	c.store.mu.Unlock()
	if err != nil {
		return err
	}
	c.store.notify([]change{{collection: c.name, docID: id, data: data}})
	return nil
}

func mergeLocked(s *Store, name, id string, fields map[string]any) ([]byte, error) {
	bucket := s.bucket(name)
	existing, ok := bucket[id]
	if !ok {
		return nil, fmt.Errorf("document %s/%s: %w", name, id, sentinel.ErrNotFound)
	}
	var doc map[string]any
	if err := json.Unmarshal(existing, &doc); err != nil {
		return nil, err
	}
	for k, v := range fields {
		doc[k] = v
	}
	merged, err := docstore.Marshal(doc)
	if err != nil {
		return nil, err
	}
	bucket[id] = merged
	return merged, nil
}

func (c *collection) Query(ctx context.Context, conds ...docstore.Condition) ([]docstore.Snapshot, error) {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	var snaps []docstore.Snapshot
	for id, data := range c.store.bucket(c.name) {
		if matches(data, conds) {
			snaps = append(snaps, docstore.NewSnapshot(id, data))
		}
	}
	return snaps, nil
}

func (c *collection) List(ctx context.Context) ([]docstore.Snapshot, error) {
	return c.Query(ctx)
}

func (c *collection) ListenToDocument(ctx context.Context, id string, fn docstore.ListenFunc) (func(), error) {
	c.store.mu.Lock()
	c.store.nextListenerID++
	lid := c.store.nextListenerID
	c.store.listeners[lid] = &listener{collection: c.name, docID: id, fn: fn}
	data, ok := c.store.bucket(c.name)[id]
	c.store.mu.Unlock()
	if ok {
		fn(docstore.NewSnapshot(id, data))
	}
	return c.store.stopListener(lid), nil
}

func (c *collection) ListenToCollection(ctx context.Context, fn docstore.ListenFunc, conds ...docstore.Condition) (func(), error) {
	c.store.mu.Lock()
	c.store.nextListenerID++
	lid := c.store.nextListenerID
	c.store.listeners[lid] = &listener{collection: c.name, conds: conds, fn: fn}
	var initial []docstore.Snapshot
	for id, data := range c.store.bucket(c.name) {
		if matches(data, conds) {
			initial = append(initial, docstore.NewSnapshot(id, data))
		}
	}
	c.store.mu.Unlock()
	for _, snap := range initial {
		fn(snap)
	}
	return c.store.stopListener(lid), nil
}

func (s *Store) stopListener(id int) func() {
	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

// ----------------------------------------------------------------------------
// Transaction
// ----------------------------------------------------------------------------

// memTx buffers writes while the store mutex is held by RunTransaction.
// Reads see committed state overlaid with the buffer.
type memTx struct {
	store  *Store
	writes []change
}

func (t *memTx) lookup(collection, id string) ([]byte, bool) {
	for i := len(t.writes) - 1; i >= 0; i-- {
		w := t.writes[i]
		if w.collection == collection && w.docID == id {
			return w.data, true
		}
	}
	data, ok := t.store.bucket(collection)[id]
	return data, ok
}

func (t *memTx) Read(collection, id string, out any) error {
	found, err := t.ReadOrNull(collection, id, out)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("document %s/%s: %w", collection, id, sentinel.ErrNotFound)
	}
	return nil
}

func (t *memTx) ReadOrNull(collection, id string, out any) (bool, error) {
	data, ok := t.lookup(collection, id)
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(data, out)
}

func (t *memTx) Create(collection, id string, doc any) error {
	if _, exists := t.lookup(collection, id); exists {
		return fmt.Errorf("document %s/%s: %w", collection, id, sentinel.ErrAlreadyExists)
	}
	return t.Write(collection, id, doc)
}

func (t *memTx) Write(collection, id string, doc any) error {
	data, err := docstore.Marshal(doc)
	if err != nil {
		return err
	}
	t.writes = append(t.writes, change{collection: collection, docID: id, data: data})
	return nil
}

func (t *memTx) Update(collection, id string, fields map[string]any) error {
	existing, ok := t.lookup(collection, id)
	if !ok {
		return fmt.Errorf("document %s/%s: %w", collection, id, sentinel.ErrNotFound)
	}
	var doc map[string]any
	if err := json.Unmarshal(existing, &doc); err != nil {
		return err
	}
	for k, v := range fields {
		doc[k] = v
	}
	return t.Write(collection, id, doc)
}

// apply commits buffered writes; caller holds the store mutex.
func (t *memTx) apply() []change {
	for _, w := range t.writes {
		t.store.bucket(w.collection)[w.docID] = w.data
	}
	return t.writes
}
