// Package postgres implements the docstore adapter on a single JSONB table.
// Create-if-absent atomicity is delegated to the primary-key constraint;
// transactions run serializable with bounded retry on contention.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"curbwise/internal/docstore"
	"curbwise/pkg/platform/sentinel"
)

// Schema is applied by the operator (or the integration test harness) before
// the store is used.
const Schema = `
create table if not exists documents (
	namespace  text        not null,
	collection text        not null,
	doc_id     text        not null,
	data       jsonb       not null,
	updated_at timestamptz not null default now(),
	primary key (namespace, collection, doc_id)
);
`

const (
	txMaxAttempts = 3
	pollInterval  = 250 * time.Millisecond
)

// Store is a namespaced document store backed by postgres.
type Store struct {
	db        *sql.DB
	namespace string
	allowWipe bool
}

// Option configures a Store.
type Option func(*Store)

// WithRecursiveDelete enables the test-only namespace wipe.
func WithRecursiveDelete() Option {
	return func(s *Store) { s.allowWipe = true }
}

// Open connects to postgres through the pgx stdlib driver.
func Open(dsn, namespace string, opts ...Option) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)

	s := &Store{db: db, namespace: namespace}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// NewWithDB wraps an existing connection; used by the integration tests.
func NewWithDB(db *sql.DB, namespace string, opts ...Option) *Store {
	s := &Store{db: db, namespace: namespace}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Close() error      { return s.db.Close() }
func (s *Store) Namespace() string { return s.namespace }

func (s *Store) Collection(name string) docstore.Collection {
	return &collection{store: s, name: name}
}

func (s *Store) RecursiveDelete(ctx context.Context) error {
	if !s.allowWipe {
		return fmt.Errorf("recursive delete disabled: %w", sentinel.ErrInvalidState)
	}
	if !strings.HasPrefix(s.namespace, docstore.TestNamespacePrefix) {
		return fmt.Errorf("recursive delete restricted to %q namespaces: %w",
			docstore.TestNamespacePrefix, sentinel.ErrInvalidState)
	}
	_, err := s.db.ExecContext(ctx, `delete from documents where namespace=$1`, s.namespace)
	return err
}

// RunTransaction executes fn in a serializable transaction, retrying on
// serialization failures and deadlocks up to txMaxAttempts.
func (s *Store) RunTransaction(ctx context.Context, fn func(tx docstore.Tx) error) error {
	var lastErr error
	for attempt := 0; attempt < txMaxAttempts; attempt++ {
		err := s.runOnce(ctx, fn)
		if err == nil {
			return nil
		}
		if !retryable(err) {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("transaction retries exhausted: %w (%w)", sentinel.ErrConflict, lastErr)
}

func (s *Store) runOnce(ctx context.Context, fn func(tx docstore.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = sqlTx.Rollback() }()

	if err := fn(&pgTx{store: s, tx: sqlTx, ctx: ctx}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

func retryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// serialization_failure, deadlock_detected
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// querier abstracts *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func readDoc(ctx context.Context, q querier, namespace, collection, id string, out any) (bool, error) {
	var data []byte
	err := q.QueryRowContext(ctx,
		`select data from documents where namespace=$1 and collection=$2 and doc_id=$3`,
		namespace, collection, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, json.Unmarshal(data, out)
}

func createDoc(ctx context.Context, q querier, namespace, collection, id string, doc any) error {
	data, err := docstore.Marshal(doc)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx,
		`insert into documents(namespace, collection, doc_id, data) values ($1,$2,$3,$4)`,
		namespace, collection, id, data)
	if isUniqueViolation(err) {
		return fmt.Errorf("document %s/%s: %w", collection, id, sentinel.ErrAlreadyExists)
	}
	return err
}

func writeDoc(ctx context.Context, q querier, namespace, collection, id string, doc any) error {
	data, err := docstore.Marshal(doc)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `
		insert into documents(namespace, collection, doc_id, data)
		values ($1,$2,$3,$4)
		on conflict (namespace, collection, doc_id)
		do update set data = excluded.data, updated_at = now()
	`, namespace, collection, id, data)
	return err
}

func updateDoc(ctx context.Context, q querier, namespace, collection, id string, fields map[string]any) error {
	patch, err := docstore.Marshal(fields)
	if err != nil {
		return err
	}
	res, err := q.ExecContext(ctx, `
		update documents set data = data || $4::jsonb, updated_at = now()
		where namespace=$1 and collection=$2 and doc_id=$3
	`, namespace, collection, id, patch)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("document %s/%s: %w", collection, id, sentinel.ErrNotFound)
	}
	return nil
}

func queryDocs(ctx context.Context, q querier, namespace, collection string, conds []docstore.Condition) ([]docstore.Snapshot, error) {
	query := `select doc_id, data from documents where namespace=$1 and collection=$2`
	args := []any{namespace, collection}
	for _, cond := range conds {
		value, err := json.Marshal(cond.Value)
		if err != nil {
			return nil, err
		}
		args = append(args, cond.Field, string(value))
		query += fmt.Sprintf(` and data->$%d = $%d::jsonb`, len(args)-1, len(args))
	}

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var snaps []docstore.Snapshot
	for rows.Next() {
		var id string
		var data []byte
		if err := rows.Scan(&id, &data); err != nil {
			return nil, err
		}
		snaps = append(snaps, docstore.NewSnapshot(id, data))
	}
	return snaps, rows.Err()
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
	return readDoc(ctx, c.store.db, c.store.namespace, c.name, id, out)
}

func (c *collection) Create(ctx context.Context, id string, doc any) error {
	return createDoc(ctx, c.store.db, c.store.namespace, c.name, id, doc)
}

func (c *collection) Write(ctx context.Context, id string, doc any) error {
	return writeDoc(ctx, c.store.db, c.store.namespace, c.name, id, doc)
}

func (c *collection) Update(ctx context.Context, id string, fields map[string]any) error {
	return updateDoc(ctx, c.store.db, c.store.namespace, c.name, id, fields)
}

func (c *collection) Query(ctx context.Context, conds ...docstore.Condition) ([]docstore.Snapshot, error) {
	return queryDocs(ctx, c.store.db, c.store.namespace, c.name, conds)
}

func (c *collection) List(ctx context.Context) ([]docstore.Snapshot, error) {
	return c.Query(ctx)
}

// ListenToDocument polls the document at a fixed interval and invokes fn when
// the bytes change. Postgres has no push channel wired here; the bounded poll
// keeps the adapter contract without LISTEN/NOTIFY plumbing.
func (c *collection) ListenToDocument(ctx context.Context, id string, fn docstore.ListenFunc) (func(), error) {
	return c.poll(ctx, fn, func(pollCtx context.Context) ([]docstore.Snapshot, error) {
		var data json.RawMessage
		found, err := c.ReadOrNull(pollCtx, id, &data)
		if err != nil || !found {
			return nil, err
		}
		return []docstore.Snapshot{docstore.NewSnapshot(id, data)}, nil
	})
}

// ListenToCollection polls matching documents at a fixed interval.
func (c *collection) ListenToCollection(ctx context.Context, fn docstore.ListenFunc, conds ...docstore.Condition) (func(), error) {
	return c.poll(ctx, fn, func(pollCtx context.Context) ([]docstore.Snapshot, error) {
		return c.Query(pollCtx, conds...)
	})
}

func (c *collection) poll(ctx context.Context, fn docstore.ListenFunc, fetch func(context.Context) ([]docstore.Snapshot, error)) (func(), error) {
	pollCtx, cancel := context.WithCancel(ctx)
	seen := make(map[string]string)

	deliver := func() {
		snaps, err := fetch(pollCtx)
		if err != nil {
			return
		}
		for _, snap := range snaps {
			fields, err := snap.Fields()
			if err != nil {
				continue
			}
			digest, _ := json.Marshal(fields)
			if seen[snap.ID] == string(digest) {
				continue
			}
			seen[snap.ID] = string(digest)
			fn(snap)
		}
	}

	deliver()
	go func() {
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-pollCtx.Done():
				return
			case <-ticker.C:
				deliver()
			}
		}
	}()
	return cancel, nil
}

// ----------------------------------------------------------------------------
// Transaction
// ----------------------------------------------------------------------------

type pgTx struct {
	store *Store
	tx    *sql.Tx
	ctx   context.Context
}

func (t *pgTx) Read(collection, id string, out any) error {
	found, err := t.ReadOrNull(collection, id, out)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("document %s/%s: %w", collection, id, sentinel.ErrNotFound)
	}
	return nil
}

func (t *pgTx) ReadOrNull(collection, id string, out any) (bool, error) {
	return readDoc(t.ctx, t.tx, t.store.namespace, collection, id, out)
}

func (t *pgTx) Create(collection, id string, doc any) error {
	return createDoc(t.ctx, t.tx, t.store.namespace, collection, id, doc)
}

func (t *pgTx) Write(collection, id string, doc any) error {
	return writeDoc(t.ctx, t.tx, t.store.namespace, collection, id, doc)
}

func (t *pgTx) Update(collection, id string, fields map[string]any) error {
	return updateDoc(t.ctx, t.tx, t.store.namespace, collection, id, fields)
}
