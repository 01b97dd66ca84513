//go:build integration

package postgres

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"curbwise/internal/docstore"
	"curbwise/pkg/platform/sentinel"
)

type postgresStoreSuite struct {
	suite.Suite
	ctx       context.Context
	container *tcpostgres.PostgresContainer
	db        *sql.DB
	store     *Store
}

func TestPostgresStoreSuite(t *testing.T) {
	suite.Run(t, new(postgresStoreSuite))
}

func (s *postgresStoreSuite) SetupSuite() {
	s.ctx = context.Background()

	container, err := tcpostgres.Run(s.ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("curbwise"),
		tcpostgres.WithUsername("curbwise"),
		tcpostgres.WithPassword("curbwise"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).WithStartupTimeout(time.Minute)),
	)
	s.Require().NoError(err)
	s.container = container

	dsn, err := container.ConnectionString(s.ctx, "sslmode=disable")
	s.Require().NoError(err)

	s.db, err = sql.Open("pgx", dsn)
	s.Require().NoError(err)
	_, err = s.db.ExecContext(s.ctx, Schema)
	s.Require().NoError(err)
}

func (s *postgresStoreSuite) TearDownSuite() {
	if s.db != nil {
		_ = s.db.Close()
	}
	if s.container != nil {
		_ = s.container.Terminate(s.ctx)
	}
}

func (s *postgresStoreSuite) SetupTest() {
	s.store = NewWithDB(s.db, "test-pg", WithRecursiveDelete())
	s.Require().NoError(s.store.RecursiveDelete(s.ctx))
}

type pgDoc struct {
	Name  string     `json:"name"`
	Count int        `json:"count"`
	When  *time.Time `json:"when,omitempty"`
}

func (s *postgresStoreSuite) TestCreateReadRoundTrip() {
	coll := s.store.Collection("things")
	when := time.Date(2026, 8, 28, 10, 30, 0, 123_000_000, time.UTC)
	s.Require().NoError(coll.Create(s.ctx, "t1", pgDoc{Name: "first", Count: 1, When: &when}))

	var got pgDoc
	s.Require().NoError(coll.Read(s.ctx, "t1", &got))
	s.Equal("first", got.Name)
	s.Require().NotNil(got.When)
	s.True(when.Equal(*got.When))

	err := coll.Read(s.ctx, "absent", &got)
	s.Require().ErrorIs(err, sentinel.ErrNotFound)
}

func (s *postgresStoreSuite) TestCreateConflictMapsUniqueViolation() {
	coll := s.store.Collection("things")
	s.Require().NoError(coll.Create(s.ctx, "t1", pgDoc{Name: "first"}))

	err := coll.Create(s.ctx, "t1", pgDoc{Name: "second"})
	s.Require().ErrorIs(err, sentinel.ErrAlreadyExists)

	var got pgDoc
	s.Require().NoError(coll.Read(s.ctx, "t1", &got))
	s.Equal("first", got.Name)
}

func (s *postgresStoreSuite) TestConcurrentCreateHasOneWinner() {
	coll := s.store.Collection("things")

	const racers = 8
	results := make(chan error, racers)
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- coll.Create(s.ctx, "contested", pgDoc{})
		}()
	}
	wg.Wait()
	close(results)

	winners := 0
	for err := range results {
		if err == nil {
			winners++
		} else {
			s.ErrorIs(err, sentinel.ErrAlreadyExists)
		}
	}
	s.Equal(1, winners)
}

func (s *postgresStoreSuite) TestUpdateMergesJSONB() {
	coll := s.store.Collection("things")
	s.Require().NoError(coll.Create(s.ctx, "t1", pgDoc{Name: "first", Count: 1}))
	s.Require().NoError(coll.Update(s.ctx, "t1", map[string]any{"count": 9}))

	var got pgDoc
	s.Require().NoError(coll.Read(s.ctx, "t1", &got))
	s.Equal("first", got.Name)
	s.Equal(9, got.Count)

	err := coll.Update(s.ctx, "absent", map[string]any{"count": 1})
	s.Require().ErrorIs(err, sentinel.ErrNotFound)
}

func (s *postgresStoreSuite) TestQueryOnJSONBField() {
	coll := s.store.Collection("things")
	s.Require().NoError(coll.Create(s.ctx, "a", pgDoc{Name: "match", Count: 5}))
	s.Require().NoError(coll.Create(s.ctx, "b", pgDoc{Name: "other", Count: 5}))

	snaps, err := coll.Query(s.ctx, docstore.Where("name", "match"))
	s.Require().NoError(err)
	s.Require().Len(snaps, 1)
	s.Equal("a", snaps[0].ID)

	snaps, err = coll.Query(s.ctx, docstore.Where("name", "match"), docstore.Where("count", 5))
	s.Require().NoError(err)
	s.Len(snaps, 1)
}

func (s *postgresStoreSuite) TestNamespaceIsolation() {
	other := NewWithDB(s.db, "test-pg-other")
	s.Require().NoError(s.store.Collection("things").Create(s.ctx, "t1", pgDoc{Name: "mine"}))

	found, err := other.Collection("things").ReadOrNull(s.ctx, "t1", &pgDoc{})
	s.Require().NoError(err)
	s.False(found)
}

func (s *postgresStoreSuite) TestTransactionRollsBackOnError() {
	boom := sentinel.ErrInvalidState
	err := s.store.RunTransaction(s.ctx, func(tx docstore.Tx) error {
		if err := tx.Write("left", "l1", pgDoc{Name: "left"}); err != nil {
			return err
		}
		return boom
	})
	s.Require().ErrorIs(err, boom)

	found, err := s.store.Collection("left").ReadOrNull(s.ctx, "l1", &pgDoc{})
	s.Require().NoError(err)
	s.False(found)
}

func (s *postgresStoreSuite) TestTransactionCommitsBothWrites() {
	err := s.store.RunTransaction(s.ctx, func(tx docstore.Tx) error {
		if err := tx.Create("left", "l1", pgDoc{Name: "left"}); err != nil {
			return err
		}
		return tx.Create("right", "r1", pgDoc{Name: "right"})
	})
	s.Require().NoError(err)

	var got pgDoc
	s.Require().NoError(s.store.Collection("left").Read(s.ctx, "l1", &got))
	s.Require().NoError(s.store.Collection("right").Read(s.ctx, "r1", &got))
}

func (s *postgresStoreSuite) TestListenToCollectionDeliversPendingWrites() {
	coll := s.store.Collection("queue")

	var mu sync.Mutex
	var seen []string
	stop, err := coll.ListenToCollection(s.ctx, func(snap docstore.Snapshot) {
		mu.Lock()
		seen = append(seen, snap.ID)
		mu.Unlock()
	}, docstore.Where("name", "pending"))
	s.Require().NoError(err)
	defer stop()

	s.Require().NoError(coll.Create(s.ctx, "q1", pgDoc{Name: "pending"}))
	s.Require().NoError(coll.Create(s.ctx, "q2", pgDoc{Name: "done"}))

	s.Require().Eventually(func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 1 && seen[0] == "q1"
	}, 5*time.Second, 100*time.Millisecond)
}

func (s *postgresStoreSuite) TestRecursiveDeleteGuards() {
	locked := NewWithDB(s.db, "test-pg")
	s.Require().ErrorIs(locked.RecursiveDelete(s.ctx), sentinel.ErrInvalidState)

	wrongNamespace := NewWithDB(s.db, "production", WithRecursiveDelete())
	s.Require().ErrorIs(wrongNamespace.RecursiveDelete(s.ctx), sentinel.ErrInvalidState)
}
