package driver

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shehryarbajwa/sessiond/pkg/models"
)

// Fake simulates a browser backend entirely in memory. It backs
// DRIVER=fake development runs and lets tests script spin and resume
// outcomes, observe release counts, and measure resume concurrency.
type Fake struct {
	mu sync.Mutex

	// SpinErr and ResumeErr, when set, fail every matching call.
	SpinErr   error
	ResumeErr error

	// FailTokens fails Resume for specific tokens while others succeed.
	FailTokens map[string]bool

	// SpinDelay and ResumeDelay stall calls, honoring context cancellation.
	SpinDelay   time.Duration
	ResumeDelay time.Duration

	// ConnectURLFor, when set, mints the connect URL for a new handle.
	ConnectURLFor func(sessionID string) string

	spins       int
	resumes     int
	checkpoints int
	releases    map[string]int
	inflight    int
	maxInflight int
}

type fakeHandle struct {
	sessionID  string
	connectURL string
}

func (h *fakeHandle) SessionID() string  { return h.sessionID }
func (h *fakeHandle) ConnectURL() string { return h.connectURL }

// NewFake returns a fake backend where every operation succeeds.
func NewFake() *Fake {
	return &Fake{releases: make(map[string]int), FailTokens: make(map[string]bool)}
}

// Name returns the backend name recorded on sessions.
func (f *Fake) Name() string { return "fake" }

// Spin pretends to launch a browser for the session.
func (f *Fake) Spin(ctx context.Context, req SpinRequest) (Handle, error) {
	f.mu.Lock()
	f.spins++
	err := f.SpinErr
	delay := f.SpinDelay
	f.mu.Unlock()

	if err := wait(ctx, delay); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrDriverSpinFailure, err)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrDriverSpinFailure, err)
	}
	return f.handle(req.SessionID), nil
}

// Resume pretends to reconstruct a browser from a checkpoint.
func (f *Fake) Resume(ctx context.Context, req ResumeRequest) (Handle, error) {
	f.mu.Lock()
	f.resumes++
	f.inflight++
	if f.inflight > f.maxInflight {
		f.maxInflight = f.inflight
	}
	err := f.ResumeErr
	if err == nil && f.FailTokens[req.ResumeToken] {
		err = fmt.Errorf("checkpoint %s is corrupt", req.ResumeToken)
	}
	delay := f.ResumeDelay
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.inflight--
		f.mu.Unlock()
	}()

	if err := wait(ctx, delay); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrResumeFailure, err)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrResumeFailure, err)
	}
	return f.handle(req.SessionID), nil
}

// Release records the release. Releasing the same handle again only
// bumps the count, mirroring the idempotence real backends promise.
func (f *Fake) Release(_ context.Context, h Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.releases[h.SessionID()]++
	return nil
}

// Checkpoint mints a fresh token without snapshotting anything.
func (f *Fake) Checkpoint(_ context.Context, h Handle) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checkpoints++
	return fmt.Sprintf("fake-ckpt-%s-%d", h.SessionID(), f.checkpoints), nil
}

func (f *Fake) handle(sessionID string) *fakeHandle {
	h := &fakeHandle{sessionID: sessionID}
	f.mu.Lock()
	if f.ConnectURLFor != nil {
		h.connectURL = f.ConnectURLFor(sessionID)
	}
	f.mu.Unlock()
	return h
}

// Spins reports how many Spin calls were made.
func (f *Fake) Spins() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.spins
}

// Resumes reports how many Resume calls were made.
func (f *Fake) Resumes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resumes
}

// Releases reports how many times the session's handle was released.
func (f *Fake) Releases(sessionID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.releases[sessionID]
}

// MaxInflightResumes reports the peak number of concurrent Resume calls.
func (f *Fake) MaxInflightResumes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxInflight
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
