package recovery

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shehryarbajwa/sessiond/internal/config"
	"github.com/shehryarbajwa/sessiond/internal/driver"
	"github.com/shehryarbajwa/sessiond/internal/event"
	"github.com/shehryarbajwa/sessiond/internal/session"
	"github.com/shehryarbajwa/sessiond/internal/store"
	"github.com/shehryarbajwa/sessiond/pkg/models"
)

func newEngine(t *testing.T, st store.Store, drivers *driver.Set, cfg config.RecoveryConfig) (*session.Manager, *Coordinator) {
	t.Helper()
	mgr := session.NewManager(st, drivers, session.NewRegistry(), event.Nop(), zerolog.Nop(),
		config.LimitsConfig{OwnerMaxSessions: 100}, 5*time.Second)
	return mgr, NewCoordinator(st, drivers, mgr, event.Nop(), cfg, zerolog.Nop())
}

func seedOrphan(t *testing.T, st store.Store, id, backend, token string, lastActive time.Time) models.Record {
	t.Helper()
	rec := models.Record{
		ID:           id,
		Owner:        "acme",
		TargetURL:    "https://example.com",
		Backend:      backend,
		ResumeToken:  token,
		Status:       models.StatusActive,
		CreatedAt:    lastActive,
		LastActiveAt: lastActive,
	}
	require.NoError(t, st.Create(context.Background(), rec))
	return rec
}

func seedResuming(t *testing.T, st store.Store, id string, lastActive time.Time) models.Record {
	t.Helper()
	rec := seedOrphan(t, st, id, "fake", "ckpt-"+id, lastActive)
	won, err := st.UpdateStatus(context.Background(), id, models.StatusActive, models.StatusResuming)
	require.NoError(t, err)
	require.True(t, won)
	rec.Status = models.StatusResuming
	return rec
}

func TestRunResumesOrphans(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	fake := driver.NewFake()
	fake.FailTokens["ckpt-bad"] = true
	mgr, co := newEngine(t, st, driver.NewSet(fake), config.RecoveryConfig{ResumeDeadline: 5 * time.Second, Parallel: 4})

	old := time.Now().UTC().Add(-time.Hour)
	seedOrphan(t, st, "s1", "fake", "ckpt-1", old)
	seedOrphan(t, st, "s2", "fake", "ckpt-2", old)
	seedOrphan(t, st, "s3", "fake", "ckpt-bad", old)

	stats, err := co.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Candidates)
	assert.Equal(t, 2, stats.Resumed)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 0, stats.ClaimsLost)

	for _, id := range []string{"s1", "s2"} {
		rec, err := st.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.StatusActive, rec.Status)
		assert.True(t, mgr.Owns(id))
		assert.True(t, rec.LastActiveAt.After(old))
	}

	rec, err := st.Get(ctx, "s3")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, rec.Status)
	assert.False(t, mgr.Owns("s3"))
	// The claim stamped lastActiveAt even though the resume failed.
	assert.True(t, rec.LastActiveAt.After(old))
}

func TestRunFailsOrphanWithoutToken(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	fake := driver.NewFake()
	_, co := newEngine(t, st, driver.NewSet(fake), config.RecoveryConfig{ResumeDeadline: 5 * time.Second, Parallel: 1})

	seedOrphan(t, st, "bare", "fake", "", time.Now().UTC().Add(-time.Hour))

	stats, err := co.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 0, fake.Resumes())

	rec, err := st.Get(ctx, "bare")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, rec.Status)
}

func TestRunFailsOrphanWithUnknownBackend(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	fake := driver.NewFake()
	_, co := newEngine(t, st, driver.NewSet(fake), config.RecoveryConfig{ResumeDeadline: 5 * time.Second, Parallel: 1})

	// Recorded against a backend this deployment no longer runs.
	seedOrphan(t, st, "legacy", "docker", "ckpt-1", time.Now().UTC().Add(-time.Hour))

	stats, err := co.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 0, fake.Resumes())

	rec, err := st.Get(ctx, "legacy")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, rec.Status)
}

func TestRunIsIdempotent(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	fake := driver.NewFake()
	fake.FailTokens["ckpt-bad"] = true
	mgr, co := newEngine(t, st, driver.NewSet(fake), config.RecoveryConfig{ResumeDeadline: 5 * time.Second, Parallel: 4})

	old := time.Now().UTC().Add(-time.Hour)
	seedOrphan(t, st, "good", "fake", "ckpt-1", old)
	seedOrphan(t, st, "bad", "fake", "ckpt-bad", old)

	first, err := co.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Resumed)
	assert.Equal(t, 1, first.Failed)
	resumesAfterFirst := fake.Resumes()

	// The second run finds nothing: the resumed session is owned by this
	// process and the failed one is terminal. No further driver calls.
	second, err := co.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, second.Candidates)
	assert.Equal(t, resumesAfterFirst, fake.Resumes())

	rec, err := st.Get(ctx, "bad")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, rec.Status)
	assert.True(t, mgr.Owns("good"))
}

func TestRunSkipsSessionsThisProcessOwns(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	fake := driver.NewFake()
	mgr, co := newEngine(t, st, driver.NewSet(fake), config.RecoveryConfig{ResumeDeadline: 5 * time.Second, Parallel: 4})

	id, err := mgr.StartSession(ctx, models.StartSessionRequest{Owner: "acme", TargetURL: "https://example.com"})
	require.NoError(t, err)

	stats, err := co.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Candidates)
	assert.Equal(t, 0, fake.Resumes())
	assert.True(t, mgr.Owns(id))

	rec, err := st.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, rec.Status)
}

func TestRunBoundsResumeParallelism(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	fake := driver.NewFake()
	fake.ResumeDelay = 25 * time.Millisecond
	_, co := newEngine(t, st, driver.NewSet(fake), config.RecoveryConfig{ResumeDeadline: 5 * time.Second, Parallel: 2})

	old := time.Now().UTC().Add(-time.Hour)
	for _, id := range []string{"p1", "p2", "p3", "p4", "p5", "p6"} {
		seedOrphan(t, st, id, "fake", "ckpt-"+id, old)
	}

	stats, err := co.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 6, stats.Resumed)
	assert.LessOrEqual(t, fake.MaxInflightResumes(), 2)
}

func TestConcurrentCoordinatorsSettleEachOrphanOnce(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	fake := driver.NewFake()
	// Slow resumes keep both claim waves ahead of the first adoption.
	fake.ResumeDelay = 20 * time.Millisecond
	drivers := driver.NewSet(fake)
	cfg := config.RecoveryConfig{ResumeDeadline: 5 * time.Second, Parallel: 16}

	mgrA, coA := newEngine(t, st, drivers, cfg)
	mgrB, coB := newEngine(t, st, drivers, cfg)

	old := time.Now().UTC().Add(-time.Hour)
	ids := []string{"e1", "e2", "e3", "e4", "e5", "e6", "e7", "e8"}
	for _, id := range ids {
		seedOrphan(t, st, id, "fake", "ckpt-"+id, old)
	}

	var wg sync.WaitGroup
	var statsA, statsB Stats
	wg.Add(2)
	go func() {
		defer wg.Done()
		statsA, _ = coA.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		statsB, _ = coB.Run(ctx)
	}()
	wg.Wait()

	// Every orphan was resumed by exactly one coordinator and the driver
	// saw exactly one resume per orphan.
	assert.Equal(t, len(ids), statsA.Resumed+statsB.Resumed)
	assert.Equal(t, len(ids), fake.Resumes())
	assert.Equal(t, statsA.Candidates+statsB.Candidates-len(ids), statsA.ClaimsLost+statsB.ClaimsLost)

	for _, id := range ids {
		rec, err := st.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.StatusActive, rec.Status)
		ownsA, ownsB := mgrA.Owns(id), mgrB.Owns(id)
		assert.True(t, ownsA != ownsB, "session %s should have exactly one owner, got A=%v B=%v", id, ownsA, ownsB)
	}
}

func TestRunRepairsStaleResuming(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	fake := driver.NewFake()
	_, co := newEngine(t, st, driver.NewSet(fake), config.RecoveryConfig{
		ResumeDeadline: 5 * time.Second,
		Parallel:       2,
		StaleResuming:  10 * time.Minute,
	})

	seedResuming(t, st, "stuck", time.Now().UTC().Add(-time.Hour))
	seedResuming(t, st, "inflight", time.Now().UTC())

	stats, err := co.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.StaleRepaired)

	rec, err := st.Get(ctx, "stuck")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, rec.Status)

	rec, err = st.Get(ctx, "inflight")
	require.NoError(t, err)
	assert.Equal(t, models.StatusResuming, rec.Status)
	assert.Equal(t, 0, fake.Resumes())
}

func TestStaleRepairDisabledByDefaultThreshold(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	_, co := newEngine(t, st, driver.NewSet(driver.NewFake()), config.RecoveryConfig{
		ResumeDeadline: 5 * time.Second,
		Parallel:       2,
		StaleResuming:  0,
	})

	seedResuming(t, st, "stuck", time.Now().UTC().Add(-24*time.Hour))

	stats, err := co.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.StaleRepaired)

	rec, err := st.Get(ctx, "stuck")
	require.NoError(t, err)
	assert.Equal(t, models.StatusResuming, rec.Status)
}
