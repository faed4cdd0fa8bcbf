package session

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/shehryarbajwa/sessiond/internal/config"
	"github.com/shehryarbajwa/sessiond/internal/driver"
	"github.com/shehryarbajwa/sessiond/internal/event"
	"github.com/shehryarbajwa/sessiond/internal/store"
	"github.com/shehryarbajwa/sessiond/pkg/models"
)

const (
	touchAttempts = 3
	touchBackoff  = 50 * time.Millisecond
)

// Manager mediates every client-visible session operation and is the
// only normal-path writer to the durable store. It keeps the registry
// and the store consistent: a registry entry exists exactly while the
// record is ACTIVE and this process owns the browser handle.
type Manager struct {
	store    store.Store
	drivers  *driver.Set
	registry *Registry
	recorder *event.Recorder
	log      zerolog.Logger

	slotsMu  sync.Mutex
	slots    map[string]*semaphore.Weighted
	ownerMax int64

	driverTimeout time.Duration
	now           func() time.Time
}

// NewManager builds a session manager over the given store, browser
// backends, and registry.
func NewManager(st store.Store, drivers *driver.Set, reg *Registry, recorder *event.Recorder, log zerolog.Logger, limits config.LimitsConfig, driverTimeout time.Duration) *Manager {
	return &Manager{
		store:         st,
		drivers:       drivers,
		registry:      reg,
		recorder:      recorder,
		log:           log,
		slots:         make(map[string]*semaphore.Weighted),
		ownerMax:      int64(limits.OwnerMaxSessions),
		driverTimeout: driverTimeout,
		now:           time.Now,
	}
}

// StartSession spins a browser for the owner and registers the session.
// When the spin fails no durable record is created, so a failed start
// leaves no trace for recovery to chase.
func (m *Manager) StartSession(ctx context.Context, req models.StartSessionRequest) (string, error) {
	owner := strings.TrimSpace(req.Owner)
	if owner == "" {
		return "", fmt.Errorf("%w: owner is required", models.ErrInvalidRequest)
	}
	if err := validateTargetURL(req.TargetURL); err != nil {
		return "", err
	}

	drv := m.drivers.Default()
	if req.Backend != "" {
		var ok bool
		drv, ok = m.drivers.For(req.Backend)
		if !ok {
			return "", fmt.Errorf("%w: unknown backend %q", models.ErrInvalidRequest, req.Backend)
		}
	}

	if err := m.acquireSlot(owner); err != nil {
		return "", err
	}

	id := uuid.New().String()
	now := m.now().UTC()

	spinCtx, cancel := context.WithTimeout(ctx, m.driverTimeout)
	defer cancel()
	handle, err := drv.Spin(spinCtx, driver.SpinRequest{SessionID: id, TargetURL: req.TargetURL})
	if err != nil {
		m.releaseSlot(owner)
		return "", err
	}

	rec := models.Record{
		ID:           id,
		Owner:        owner,
		TargetURL:    req.TargetURL,
		Backend:      drv.Name(),
		Status:       models.StatusActive,
		CreatedAt:    now,
		LastActiveAt: now,
	}

	unlock := m.registry.Lock(id)
	defer unlock()

	if err := m.store.Create(ctx, rec); err != nil {
		m.recorder.StoreError()
		m.releaseHandle(drv, handle)
		m.releaseSlot(owner)
		return "", err
	}

	m.registry.Attach(&Live{
		ID:           id,
		Owner:        owner,
		TargetURL:    req.TargetURL,
		Backend:      drv.Name(),
		Handle:       handle,
		StartedAt:    now,
		LastActiveAt: now,
	})
	m.recorder.SetLive(m.registry.Len())
	m.recorder.Record(models.Event{
		SessionID: id,
		Owner:     owner,
		Kind:      models.EventCreated,
		To:        models.StatusActive,
		Timestamp: now,
	})
	return id, nil
}

// Heartbeat marks the session alive in memory and in the store. It only
// succeeds for sessions whose handle this process owns.
func (m *Manager) Heartbeat(ctx context.Context, id string, at time.Time) error {
	unlock := m.registry.Lock(id)
	defer unlock()

	live, ok := m.registry.Get(id)
	if !ok {
		return models.ErrNotFound
	}

	if at.IsZero() {
		at = m.now()
	}
	at = at.UTC()

	m.registry.Touch(id, at)
	if err := m.touchStore(ctx, id, at); err != nil {
		return err
	}
	m.recorder.Record(models.Event{
		SessionID: id,
		Owner:     live.Owner,
		Kind:      models.EventHeartbeat,
		From:      models.StatusActive,
		To:        models.StatusActive,
		Timestamp: at,
	})
	return nil
}

// UpdateResumeToken attaches a checkpoint token to the session. An empty
// token asks the driver to snapshot live browser state and mint one.
// Persisting the token is best-effort: without it recovery degrades to a
// failed resume, normal operation is unaffected.
func (m *Manager) UpdateResumeToken(ctx context.Context, id, token string) (string, error) {
	unlock := m.registry.Lock(id)
	defer unlock()

	live, ok := m.registry.Get(id)
	if !ok {
		return "", models.ErrNotFound
	}

	if token == "" {
		drv, ok := m.drivers.For(live.Backend)
		if !ok {
			return "", fmt.Errorf("no %q driver registered for session %s", live.Backend, id)
		}
		ck, ok := drv.(driver.Checkpointer)
		if !ok {
			return "", fmt.Errorf("%w: backend %s cannot snapshot checkpoints", models.ErrInvalidRequest, live.Backend)
		}
		ckCtx, cancel := context.WithTimeout(ctx, m.driverTimeout)
		minted, err := ck.Checkpoint(ckCtx, live.Handle)
		cancel()
		if err != nil {
			return "", err
		}
		token = minted
	}

	m.registry.SetResumeToken(id, token)
	if err := m.store.SetResumeToken(ctx, id, token); err != nil {
		m.recorder.StoreError()
		m.log.Warn().Err(err).Str("sessionId", id).
			Msg("failed to persist resume token; recovery will use the previous checkpoint")
	}
	m.recorder.Record(models.Event{
		SessionID: id,
		Owner:     live.Owner,
		Kind:      models.EventCheckpointed,
		Timestamp: m.now().UTC(),
		Detail:    token,
	})
	return token, nil
}

// GetStatus returns the in-memory status when this process owns the
// session and otherwise falls back to the durable record.
func (m *Manager) GetStatus(ctx context.Context, id string) (models.Status, error) {
	if _, ok := m.registry.Get(id); ok {
		return models.StatusActive, nil
	}
	rec, err := m.store.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return rec.Status, nil
}

// Get returns the API view of one session.
func (m *Manager) Get(ctx context.Context, id string) (models.SessionView, error) {
	rec, err := m.store.Get(ctx, id)
	if err != nil {
		return models.SessionView{}, err
	}
	return m.view(rec), nil
}

// List returns sessions filtered by owner and status. Empty filters
// match everything.
func (m *Manager) List(ctx context.Context, owner string, status models.Status) ([]models.SessionView, error) {
	statuses := models.Statuses
	if status != "" {
		statuses = []models.Status{status}
	}
	views := make([]models.SessionView, 0)
	for _, st := range statuses {
		recs, err := m.store.ListByStatus(ctx, st)
		if err != nil {
			return nil, err
		}
		for _, rec := range recs {
			if owner != "" && rec.Owner != owner {
				continue
			}
			views = append(views, m.view(rec))
		}
	}
	return views, nil
}

// Terminate finishes the session with COMPLETED or FAILED. Terminating a
// session that already reached a terminal status reports
// ErrAlreadyTerminated without touching anything.
func (m *Manager) Terminate(ctx context.Context, id string, outcome models.Status) error {
	if outcome != models.StatusCompleted && outcome != models.StatusFailed {
		return fmt.Errorf("%w: outcome must be %s or %s", models.ErrInvalidRequest, models.StatusCompleted, models.StatusFailed)
	}

	unlock := m.registry.Lock(id)
	defer unlock()

	if live, ok := m.registry.Get(id); ok {
		return m.terminateLive(ctx, live, outcome)
	}

	// Not owned by this process: resolve purely through the store. The
	// compare-and-set loses against a concurrent recovery claim, in which
	// case the loser's intent is discarded, never retried with a new
	// precondition.
	rec, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if rec.Status.Terminal() {
		return models.ErrAlreadyTerminated
	}
	won, err := m.store.UpdateStatus(ctx, id, models.StatusActive, outcome)
	if err != nil {
		m.recorder.StoreError()
		return err
	}
	if !won {
		return models.ErrAlreadyTerminated
	}
	m.recorder.Record(models.Event{
		SessionID: id,
		Owner:     rec.Owner,
		Kind:      outcomeKind(outcome),
		From:      models.StatusActive,
		To:        outcome,
		Timestamp: m.now().UTC(),
	})
	return nil
}

// terminateLive tears down a session this process owns: final checkpoint
// for completed jobs, release the handle, move the record, drop the entry.
func (m *Manager) terminateLive(ctx context.Context, live Live, outcome models.Status) error {
	drv, ok := m.drivers.For(live.Backend)
	if !ok {
		return fmt.Errorf("no %q driver registered for session %s", live.Backend, live.ID)
	}

	// A completed job that has been checkpointing gets one final snapshot
	// so the archive reflects the end of the run. Best-effort.
	if outcome == models.StatusCompleted && live.ResumeToken != "" {
		if ck, ok := drv.(driver.Checkpointer); ok {
			ckCtx, cancel := context.WithTimeout(ctx, m.driverTimeout)
			token, err := ck.Checkpoint(ckCtx, live.Handle)
			cancel()
			if err != nil {
				m.log.Warn().Err(err).Str("sessionId", live.ID).Msg("failed to snapshot final checkpoint")
			} else if err := m.store.SetResumeToken(ctx, live.ID, token); err != nil {
				m.recorder.StoreError()
				m.log.Warn().Err(err).Str("sessionId", live.ID).Msg("failed to persist final checkpoint token")
			}
		}
	}

	m.releaseHandle(drv, live.Handle)

	won, err := m.store.UpdateStatus(ctx, live.ID, models.StatusActive, outcome)
	if err != nil {
		// The entry stays registered so a retried terminate finds it;
		// releasing the handle twice is safe by the driver contract.
		m.recorder.StoreError()
		return err
	}

	m.registry.Detach(live.ID)
	m.releaseSlot(live.Owner)
	m.recorder.SetLive(m.registry.Len())

	if !won {
		// A recovery claim or operator repair moved the record while we
		// held the handle. The handle is gone either way; the record
		// belongs to whoever won.
		return models.ErrAlreadyTerminated
	}

	m.recorder.Record(models.Event{
		SessionID: live.ID,
		Owner:     live.Owner,
		Kind:      outcomeKind(outcome),
		From:      models.StatusActive,
		To:        outcome,
		Timestamp: m.now().UTC(),
	})
	return nil
}

// abandonStale reclaims one session whose owner stopped heartbeating. It
// re-checks staleness inside the critical section so a heartbeat racing
// the sweep wins.
func (m *Manager) abandonStale(ctx context.Context, id string, cutoff time.Time) (bool, error) {
	unlock := m.registry.Lock(id)
	defer unlock()

	live, ok := m.registry.Get(id)
	if !ok || live.LastActiveAt.After(cutoff) {
		return false, nil
	}

	if drv, ok := m.drivers.For(live.Backend); ok {
		m.releaseHandle(drv, live.Handle)
	}

	won, err := m.store.UpdateStatus(ctx, id, models.StatusActive, models.StatusAbandoned)
	if err != nil {
		m.recorder.StoreError()
		return false, err
	}

	m.registry.Detach(id)
	m.releaseSlot(live.Owner)
	m.recorder.SetLive(m.registry.Len())

	if !won {
		m.log.Warn().Str("sessionId", id).Msg("abandon lost the status race; dropped the local handle only")
		return false, nil
	}

	m.recorder.Record(models.Event{
		SessionID: id,
		Owner:     live.Owner,
		Kind:      models.EventAbandoned,
		From:      models.StatusActive,
		To:        models.StatusAbandoned,
		Timestamp: m.now().UTC(),
	})
	return true, nil
}

// AdoptResumed installs a handle obtained by recovery, finishing the
// RESUMING -> ACTIVE transition. The compare-and-set doubles as the final
// claim check: when it reports false the record moved while the resume
// was in flight and the caller must discard the handle.
func (m *Manager) AdoptResumed(ctx context.Context, rec models.Record, handle driver.Handle) (bool, error) {
	unlock := m.registry.Lock(rec.ID)
	defer unlock()

	if err := m.acquireSlot(rec.Owner); err != nil {
		return false, err
	}

	won, err := m.store.UpdateStatus(ctx, rec.ID, models.StatusResuming, models.StatusActive)
	if err != nil {
		m.recorder.StoreError()
		m.releaseSlot(rec.Owner)
		return false, err
	}
	if !won {
		m.releaseSlot(rec.Owner)
		return false, nil
	}

	now := m.now().UTC()
	if err := m.touchStore(ctx, rec.ID, now); err != nil {
		m.log.Warn().Err(err).Str("sessionId", rec.ID).Msg("failed to touch record after resume")
	}
	m.registry.Attach(&Live{
		ID:           rec.ID,
		Owner:        rec.Owner,
		TargetURL:    rec.TargetURL,
		Backend:      rec.Backend,
		ResumeToken:  rec.ResumeToken,
		Handle:       handle,
		StartedAt:    rec.CreatedAt,
		LastActiveAt: now,
	})
	m.recorder.SetLive(m.registry.Len())
	return true, nil
}

// Owns reports whether this process holds the live handle for id.
func (m *Manager) Owns(id string) bool {
	_, ok := m.registry.Get(id)
	return ok
}

// Snapshot returns a copy of every session this process owns.
func (m *Manager) Snapshot() []Live {
	return m.registry.List()
}

// Shutdown releases every live handle without transitioning any record.
// The records stay ACTIVE in the store so the next startup's recovery
// run resumes them from their checkpoints.
func (m *Manager) Shutdown(ctx context.Context) int {
	released := 0
	for _, entry := range m.registry.List() {
		unlock := m.registry.Lock(entry.ID)
		live, ok := m.registry.Get(entry.ID)
		if !ok {
			unlock()
			continue
		}
		if drv, ok := m.drivers.For(live.Backend); ok {
			if err := drv.Release(ctx, live.Handle); err != nil {
				m.log.Warn().Err(err).Str("sessionId", live.ID).Msg("failed to release browser handle on shutdown")
			}
		}
		m.registry.Detach(live.ID)
		m.releaseSlot(live.Owner)
		unlock()
		released++
	}
	m.recorder.SetLive(m.registry.Len())
	return released
}

// touchStore retries transient store failures with backoff so a single
// blip does not fail a heartbeat. It never transitions the record.
func (m *Manager) touchStore(ctx context.Context, id string, at time.Time) error {
	backoff := touchBackoff
	var err error
	for attempt := 0; attempt < touchAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		err = m.store.Touch(ctx, id, at)
		if err == nil || !errors.Is(err, models.ErrStoreUnavailable) {
			return err
		}
		m.recorder.StoreError()
	}
	return err
}

// releaseHandle tears a browser down on a bounded background context so
// teardown survives a caller whose context is already gone.
func (m *Manager) releaseHandle(drv driver.Driver, handle driver.Handle) {
	ctx, cancel := context.WithTimeout(context.Background(), m.driverTimeout)
	defer cancel()
	if err := drv.Release(ctx, handle); err != nil {
		m.log.Warn().Err(err).Str("sessionId", handle.SessionID()).Msg("failed to release browser handle")
	}
}

func (m *Manager) view(rec models.Record) models.SessionView {
	v := models.SessionView{Record: rec}
	live, ok := m.registry.Get(rec.ID)
	if !ok {
		return v
	}
	v.Live = true
	if live.Handle != nil {
		v.ConnectURL = live.Handle.ConnectURL()
	}
	// Memory can be ahead of the store between heartbeat and touch.
	if live.LastActiveAt.After(v.LastActiveAt) {
		v.LastActiveAt = live.LastActiveAt
	}
	return v
}

// acquireSlot enforces the per-owner cap on concurrent live sessions.
func (m *Manager) acquireSlot(owner string) error {
	m.slotsMu.Lock()
	sem, ok := m.slots[owner]
	if !ok {
		sem = semaphore.NewWeighted(m.ownerMax)
		m.slots[owner] = sem
	}
	m.slotsMu.Unlock()

	if !sem.TryAcquire(1) {
		return fmt.Errorf("%w: owner %s already has %d live sessions", models.ErrOwnerLimit, owner, m.ownerMax)
	}
	return nil
}

func (m *Manager) releaseSlot(owner string) {
	m.slotsMu.Lock()
	sem := m.slots[owner]
	m.slotsMu.Unlock()
	if sem != nil {
		sem.Release(1)
	}
}

func outcomeKind(outcome models.Status) models.EventKind {
	if outcome == models.StatusFailed {
		return models.EventFailed
	}
	return models.EventCompleted
}

func validateTargetURL(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return fmt.Errorf("%w: targetUrl is required", models.ErrInvalidRequest)
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("%w: targetUrl must be an absolute http(s) URL", models.ErrInvalidRequest)
	}
	return nil
}
