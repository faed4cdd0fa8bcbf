package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/shehryarbajwa/sessiond/internal/config"
	"github.com/shehryarbajwa/sessiond/pkg/models"
)

// StoreSuite exercises the Store contract. Both implementations embed it
// so the compare-and-set semantics are proven identical.
type StoreSuite struct {
	suite.Suite
	newStore func() Store
	st       Store
	ctx      context.Context
}

func (s *StoreSuite) SetupTest() {
	s.st = s.newStore()
	s.ctx = context.Background()
}

func (s *StoreSuite) TearDownTest() {
	s.st.Close()
}

func (s *StoreSuite) record(id string, status models.Status) models.Record {
	now := time.Now().Truncate(time.Millisecond)
	return models.Record{
		ID:           id,
		Owner:        "acme",
		TargetURL:    "https://example.com/checkout",
		Backend:      "fake",
		Status:       status,
		CreatedAt:    now,
		LastActiveAt: now,
	}
}

func (s *StoreSuite) TestCreateAndGet() {
	rec := s.record("sess-1", models.StatusActive)
	s.Require().NoError(s.st.Create(s.ctx, rec))

	got, err := s.st.Get(s.ctx, "sess-1")
	s.Require().NoError(err)
	s.Equal(rec.ID, got.ID)
	s.Equal(rec.Owner, got.Owner)
	s.Equal(rec.TargetURL, got.TargetURL)
	s.Equal(rec.Backend, got.Backend)
	s.Equal(models.StatusActive, got.Status)
	s.WithinDuration(rec.CreatedAt, got.CreatedAt, time.Millisecond)
	s.WithinDuration(rec.LastActiveAt, got.LastActiveAt, time.Millisecond)
}

func (s *StoreSuite) TestGetUnknown() {
	_, err := s.st.Get(s.ctx, "missing")
	s.ErrorIs(err, models.ErrNotFound)
}

func (s *StoreSuite) TestCreateDuplicate() {
	rec := s.record("sess-1", models.StatusActive)
	s.Require().NoError(s.st.Create(s.ctx, rec))
	s.Error(s.st.Create(s.ctx, rec))
}

func (s *StoreSuite) TestUpdateStatusCompareAndSet() {
	s.Require().NoError(s.st.Create(s.ctx, s.record("sess-1", models.StatusActive)))

	ok, err := s.st.UpdateStatus(s.ctx, "sess-1", models.StatusActive, models.StatusResuming)
	s.Require().NoError(err)
	s.True(ok)

	// The precondition no longer holds, so the same transition loses.
	ok, err = s.st.UpdateStatus(s.ctx, "sess-1", models.StatusActive, models.StatusResuming)
	s.Require().NoError(err)
	s.False(ok)

	ok, err = s.st.UpdateStatus(s.ctx, "sess-1", models.StatusResuming, models.StatusActive)
	s.Require().NoError(err)
	s.True(ok)

	got, err := s.st.Get(s.ctx, "sess-1")
	s.Require().NoError(err)
	s.Equal(models.StatusActive, got.Status)
}

func (s *StoreSuite) TestUpdateStatusUnknownID() {
	ok, err := s.st.UpdateStatus(s.ctx, "missing", models.StatusActive, models.StatusCompleted)
	s.Require().NoError(err)
	s.False(ok)
}

func (s *StoreSuite) TestUpdateStatusIllegalTransition() {
	s.Require().NoError(s.st.Create(s.ctx, s.record("sess-1", models.StatusCompleted)))

	_, err := s.st.UpdateStatus(s.ctx, "sess-1", models.StatusCompleted, models.StatusActive)
	s.ErrorIs(err, models.ErrInvalidTransition)

	_, err = s.st.UpdateStatus(s.ctx, "sess-1", models.StatusActive, models.StatusActive)
	s.ErrorIs(err, models.ErrInvalidTransition)
}

func (s *StoreSuite) TestTouchIsMonotone() {
	rec := s.record("sess-1", models.StatusActive)
	s.Require().NoError(s.st.Create(s.ctx, rec))

	later := rec.LastActiveAt.Add(5 * time.Second)
	s.Require().NoError(s.st.Touch(s.ctx, "sess-1", later))

	got, err := s.st.Get(s.ctx, "sess-1")
	s.Require().NoError(err)
	s.WithinDuration(later, got.LastActiveAt, time.Millisecond)

	// An out-of-order heartbeat must not move the clock backwards.
	earlier := rec.LastActiveAt.Add(-time.Minute)
	s.Require().NoError(s.st.Touch(s.ctx, "sess-1", earlier))

	got, err = s.st.Get(s.ctx, "sess-1")
	s.Require().NoError(err)
	s.WithinDuration(later, got.LastActiveAt, time.Millisecond)
}

func (s *StoreSuite) TestTouchUnknownID() {
	s.ErrorIs(s.st.Touch(s.ctx, "missing", time.Now()), models.ErrNotFound)
}

func (s *StoreSuite) TestSetResumeToken() {
	s.Require().NoError(s.st.Create(s.ctx, s.record("sess-1", models.StatusActive)))
	s.Require().NoError(s.st.SetResumeToken(s.ctx, "sess-1", "ckpt-42"))

	got, err := s.st.Get(s.ctx, "sess-1")
	s.Require().NoError(err)
	s.Equal("ckpt-42", got.ResumeToken)

	s.ErrorIs(s.st.SetResumeToken(s.ctx, "missing", "ckpt-42"), models.ErrNotFound)
}

func (s *StoreSuite) TestListByStatus() {
	a := s.record("sess-a", models.StatusActive)
	b := s.record("sess-b", models.StatusActive)
	b.CreatedAt = a.CreatedAt.Add(time.Second)
	c := s.record("sess-c", models.StatusCompleted)

	s.Require().NoError(s.st.Create(s.ctx, b))
	s.Require().NoError(s.st.Create(s.ctx, a))
	s.Require().NoError(s.st.Create(s.ctx, c))

	recs, err := s.st.ListByStatus(s.ctx, models.StatusActive)
	s.Require().NoError(err)
	s.Require().Len(recs, 2)
	s.Equal("sess-a", recs[0].ID)
	s.Equal("sess-b", recs[1].ID)

	recs, err = s.st.ListByStatus(s.ctx, models.StatusAbandoned)
	s.Require().NoError(err)
	s.Empty(recs)
}

func (s *StoreSuite) TestPruneTerminal() {
	old := s.record("sess-old", models.StatusCompleted)
	old.LastActiveAt = time.Now().Add(-48 * time.Hour)
	fresh := s.record("sess-fresh", models.StatusFailed)
	live := s.record("sess-live", models.StatusActive)
	live.LastActiveAt = time.Now().Add(-48 * time.Hour)

	s.Require().NoError(s.st.Create(s.ctx, old))
	s.Require().NoError(s.st.Create(s.ctx, fresh))
	s.Require().NoError(s.st.Create(s.ctx, live))

	n, err := s.st.PruneTerminal(s.ctx, time.Now().Add(-24*time.Hour))
	s.Require().NoError(err)
	s.Equal(int64(1), n)

	_, err = s.st.Get(s.ctx, "sess-old")
	s.ErrorIs(err, models.ErrNotFound)

	_, err = s.st.Get(s.ctx, "sess-live")
	s.NoError(err)
}

// TestConcurrentClaim proves that of N racing identical transitions
// exactly one wins, which is the property recovery claiming depends on.
func (s *StoreSuite) TestConcurrentClaim() {
	s.Require().NoError(s.st.Create(s.ctx, s.record("sess-1", models.StatusActive)))

	const claimers = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.st.UpdateStatus(s.ctx, "sess-1", models.StatusActive, models.StatusResuming)
			s.NoError(err)
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	s.Equal(1, wins)
}

type MemoryStoreSuite struct{ StoreSuite }

func TestMemoryStore(t *testing.T) {
	s := new(MemoryStoreSuite)
	s.newStore = func() Store { return NewMemory() }
	suite.Run(t, s)
}

type SQLiteStoreSuite struct{ StoreSuite }

func TestSQLiteStore(t *testing.T) {
	s := new(SQLiteStoreSuite)
	s.newStore = func() Store {
		st, err := OpenSQLite(filepath.Join(s.T().TempDir(), "sessions.db"))
		require.NoError(s.T(), err)
		return st
	}
	suite.Run(t, s)
}

func TestOpenSelectsDriver(t *testing.T) {
	st, err := Open(config.StoreConfig{Driver: "memory"})
	require.NoError(t, err)
	_, ok := st.(*Memory)
	require.True(t, ok)

	st, err = Open(config.StoreConfig{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "s.db")})
	require.NoError(t, err)
	_, ok = st.(*SQLite)
	require.True(t, ok)
	st.Close()

	_, err = Open(config.StoreConfig{Driver: "postgres"})
	require.Error(t, err)
}
