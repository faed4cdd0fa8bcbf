// Package recovery resumes or fails sessions left ACTIVE in the store by
// a process that died. Any number of coordinators may run against the
// same store at once; the status compare-and-set guarantees every orphan
// is settled by exactly one of them.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/shehryarbajwa/sessiond/internal/config"
	"github.com/shehryarbajwa/sessiond/internal/driver"
	"github.com/shehryarbajwa/sessiond/internal/event"
	"github.com/shehryarbajwa/sessiond/internal/session"
	"github.com/shehryarbajwa/sessiond/internal/store"
	"github.com/shehryarbajwa/sessiond/pkg/models"
)

// failWriteTimeout bounds the detached FAILED write after a resume that
// did not pan out.
const failWriteTimeout = 5 * time.Second

// Stats summarizes one recovery run.
type Stats struct {
	Candidates    int
	Resumed       int
	Failed        int
	ClaimsLost    int
	StaleRepaired int
}

type runOutcome int

const (
	outcomeClaimLost runOutcome = iota
	outcomeResumed
	outcomeFailed
)

// Coordinator drives recovery runs over one store and driver set.
type Coordinator struct {
	store    store.Store
	drivers  *driver.Set
	manager  *session.Manager
	recorder *event.Recorder
	log      zerolog.Logger

	deadline   time.Duration
	parallel   int64
	staleAfter time.Duration
	now        func() time.Time
}

func NewCoordinator(st store.Store, drivers *driver.Set, mgr *session.Manager, recorder *event.Recorder, cfg config.RecoveryConfig, log zerolog.Logger) *Coordinator {
	return &Coordinator{
		store:      st,
		drivers:    drivers,
		manager:    mgr,
		recorder:   recorder,
		log:        log,
		deadline:   cfg.ResumeDeadline,
		parallel:   int64(cfg.Parallel),
		staleAfter: cfg.StaleResuming,
		now:        time.Now,
	}
}

// Run performs one recovery pass: repair stale RESUMING records, then
// claim and settle every ACTIVE record this process does not already
// own. Resumes run concurrently up to the configured parallelism.
func (c *Coordinator) Run(ctx context.Context) (Stats, error) {
	var stats Stats

	if c.staleAfter > 0 {
		repaired, err := c.repairStale(ctx)
		stats.StaleRepaired = repaired
		if err != nil {
			c.log.Warn().Err(err).Msg("stale RESUMING repair aborted")
		}
	}

	records, err := c.store.ListByStatus(ctx, models.StatusActive)
	if err != nil {
		return stats, fmt.Errorf("list orphan candidates: %w", err)
	}

	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		sem = semaphore.NewWeighted(c.parallel)
	)
	for _, rec := range records {
		// Records whose handle lives in this process's registry are not
		// orphans; a periodic run must leave its own sessions alone.
		if c.manager.Owns(rec.ID) {
			continue
		}
		stats.Candidates++

		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(rec models.Record) {
			defer wg.Done()
			defer sem.Release(1)
			switch c.recoverOne(ctx, rec) {
			case outcomeResumed:
				mu.Lock()
				stats.Resumed++
				mu.Unlock()
			case outcomeFailed:
				mu.Lock()
				stats.Failed++
				mu.Unlock()
			case outcomeClaimLost:
				mu.Lock()
				stats.ClaimsLost++
				mu.Unlock()
			}
		}(rec)
	}
	wg.Wait()

	evt := c.log.Debug()
	if stats.Candidates > 0 || stats.StaleRepaired > 0 {
		evt = c.log.Info()
	}
	evt.Int("candidates", stats.Candidates).
		Int("resumed", stats.Resumed).
		Int("failed", stats.Failed).
		Int("claimsLost", stats.ClaimsLost).
		Int("staleRepaired", stats.StaleRepaired).
		Msg("recovery run finished")
	return stats, ctx.Err()
}

// RunPeriodic re-runs recovery on the given interval, catching sessions
// orphaned by peers that die while this process keeps serving.
func (c *Coordinator) RunPeriodic(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				c.log.Error().Err(err).Msg("periodic recovery run failed")
			}
		}
	}
}

// recoverOne claims a single orphan and settles it as resumed or failed.
// Losing the claim means a peer got there first and is not an error.
func (c *Coordinator) recoverOne(ctx context.Context, rec models.Record) runOutcome {
	claimed, err := c.store.UpdateStatus(ctx, rec.ID, models.StatusActive, models.StatusResuming)
	if err != nil {
		c.recorder.StoreError()
		c.log.Error().Err(err).Str("sessionId", rec.ID).Msg("recovery claim failed")
		return outcomeClaimLost
	}
	if !claimed {
		c.recorder.RecoveryOutcome(event.RecoveryClaimLost)
		return outcomeClaimLost
	}

	// Stamp the claim so stale-RESUMING repair measures from now rather
	// than from the dead process's last heartbeat.
	if err := c.store.Touch(ctx, rec.ID, c.now().UTC()); err != nil {
		c.log.Warn().Err(err).Str("sessionId", rec.ID).Msg("failed to stamp recovery claim")
	}

	start := c.now()
	handle, err := c.resume(ctx, rec)
	if err != nil {
		c.fail(ctx, rec, err)
		return outcomeFailed
	}

	adopted, err := c.manager.AdoptResumed(ctx, rec, handle)
	if err != nil {
		c.releaseHandle(rec.Backend, handle)
		c.fail(ctx, rec, err)
		return outcomeFailed
	}
	if !adopted {
		// The record moved while the resume was in flight. Whoever moved
		// it owns the outcome; this handle is surplus.
		c.releaseHandle(rec.Backend, handle)
		c.recorder.RecoveryOutcome(event.RecoveryClaimLost)
		return outcomeClaimLost
	}

	c.recorder.ObserveResume(c.now().Sub(start))
	c.recorder.RecoveryOutcome(event.RecoveryResumed)
	c.recorder.Record(models.Event{
		SessionID: rec.ID,
		Owner:     rec.Owner,
		Kind:      models.EventResumed,
		From:      models.StatusResuming,
		To:        models.StatusActive,
		Timestamp: c.now().UTC(),
	})
	c.log.Info().Str("sessionId", rec.ID).Str("backend", rec.Backend).Msg("orphaned session resumed")
	return outcomeResumed
}

// resume asks the record's backend to rebuild the browser from its
// checkpoint. A missing token or unknown backend fails without a driver
// call.
func (c *Coordinator) resume(ctx context.Context, rec models.Record) (driver.Handle, error) {
	if rec.ResumeToken == "" {
		return nil, fmt.Errorf("%w: no resume token recorded", models.ErrResumeFailure)
	}
	drv, ok := c.drivers.For(rec.Backend)
	if !ok {
		return nil, fmt.Errorf("%w: no %q driver registered", models.ErrResumeFailure, rec.Backend)
	}

	resumeCtx, cancel := context.WithTimeout(ctx, c.deadline)
	defer cancel()
	return drv.Resume(resumeCtx, driver.ResumeRequest{
		SessionID:   rec.ID,
		TargetURL:   rec.TargetURL,
		ResumeToken: rec.ResumeToken,
	})
}

// fail settles a claimed orphan as FAILED. The write runs on a detached
// context so cancellation mid-recovery cannot strand the record in
// RESUMING.
func (c *Coordinator) fail(ctx context.Context, rec models.Record, cause error) {
	failCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), failWriteTimeout)
	defer cancel()

	won, err := c.store.UpdateStatus(failCtx, rec.ID, models.StatusResuming, models.StatusFailed)
	if err != nil {
		c.recorder.StoreError()
		c.log.Error().Err(err).Str("sessionId", rec.ID).Msg("could not settle orphan as FAILED; stale repair will catch it")
		return
	}
	if !won {
		return
	}

	c.recorder.RecoveryOutcome(event.RecoveryFailed)
	c.recorder.Record(models.Event{
		SessionID: rec.ID,
		Owner:     rec.Owner,
		Kind:      models.EventResumeFailed,
		From:      models.StatusResuming,
		To:        models.StatusFailed,
		Timestamp: c.now().UTC(),
		Detail:    cause.Error(),
	})
	c.log.Warn().Err(cause).Str("sessionId", rec.ID).Msg("orphaned session failed to resume")
}

// repairStale fails RESUMING records whose claim stamp is older than the
// configured threshold. Such records outlived every plausible resume, so
// their claimant is presumed dead.
func (c *Coordinator) repairStale(ctx context.Context) (int, error) {
	records, err := c.store.ListByStatus(ctx, models.StatusResuming)
	if err != nil {
		return 0, err
	}

	cutoff := c.now().UTC().Add(-c.staleAfter)
	repaired := 0
	for _, rec := range records {
		if rec.LastActiveAt.After(cutoff) {
			continue
		}
		won, err := c.store.UpdateStatus(ctx, rec.ID, models.StatusResuming, models.StatusFailed)
		if err != nil {
			return repaired, err
		}
		if !won {
			continue
		}
		repaired++
		c.recorder.Record(models.Event{
			SessionID: rec.ID,
			Owner:     rec.Owner,
			Kind:      models.EventResumeFailed,
			From:      models.StatusResuming,
			To:        models.StatusFailed,
			Timestamp: c.now().UTC(),
			Detail:    "resume claim went stale",
		})
		c.log.Warn().Str("sessionId", rec.ID).Time("lastActiveAt", rec.LastActiveAt).Msg("failed stale RESUMING record")
	}
	return repaired, nil
}

// releaseHandle tears down a resumed browser that lost the final claim
// check.
func (c *Coordinator) releaseHandle(backend string, handle driver.Handle) {
	drv, ok := c.drivers.For(backend)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.deadline)
	defer cancel()
	if err := drv.Release(ctx, handle); err != nil {
		c.log.Warn().Err(err).Str("sessionId", handle.SessionID()).Msg("failed to release surplus resume handle")
	}
}
