package driver

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/playwright-community/playwright-go"

	"github.com/shehryarbajwa/sessiond/internal/checkpoint"
	"github.com/shehryarbajwa/sessiond/pkg/models"
)

const storageStateFile = "storage_state.json"

// Playwright runs sessions in browsers driven in-process through the
// Playwright protocol. Checkpoints snapshot the browser context's
// storage state (cookies, local storage) rather than a whole profile
// directory, so they are much smaller than the docker driver's.
type Playwright struct {
	mu          sync.Mutex
	pw          *playwright.Playwright
	checkpoints *checkpoint.Store
	headless    bool
	started     bool
}

type playwrightHandle struct {
	sessionID string
	browser   playwright.Browser
	context   playwright.BrowserContext
	page      playwright.Page
}

func (h *playwrightHandle) SessionID() string { return h.sessionID }

// ConnectURL is empty: this backend has no remote debug endpoint to proxy.
func (h *playwrightHandle) ConnectURL() string { return "" }

// NewPlaywright builds the playwright driver. The runtime is installed
// and started lazily on first use.
func NewPlaywright(headless bool, checkpoints *checkpoint.Store) *Playwright {
	return &Playwright{checkpoints: checkpoints, headless: headless}
}

// Name returns the backend name recorded on sessions.
func (p *Playwright) Name() string { return "playwright" }

func (p *Playwright) ensureStarted() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return nil
	}

	opts := &playwright.RunOptions{
		Verbose: false,
		Stdout:  io.Discard,
		Stderr:  io.Discard,
	}
	if err := playwright.Install(opts); err != nil {
		return fmt.Errorf("failed to install playwright: %w", err)
	}
	pw, err := playwright.Run(opts)
	if err != nil {
		return fmt.Errorf("failed to start playwright: %w", err)
	}

	p.pw = pw
	p.started = true
	return nil
}

// Spin launches a fresh browser and navigates it to the target URL.
func (p *Playwright) Spin(_ context.Context, req SpinRequest) (Handle, error) {
	handle, err := p.open(req.SessionID, req.TargetURL, "")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrDriverSpinFailure, err)
	}
	return handle, nil
}

// Resume reconstructs the browser context from the checkpoint's storage
// state and navigates back to the target URL.
func (p *Playwright) Resume(_ context.Context, req ResumeRequest) (Handle, error) {
	stateDir, err := p.checkpoints.Load(req.ResumeToken)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrResumeFailure, err)
	}
	defer os.RemoveAll(stateDir)

	statePath := filepath.Join(stateDir, storageStateFile)
	if _, err := os.Stat(statePath); err != nil {
		return nil, fmt.Errorf("%w: checkpoint has no storage state: %v", models.ErrResumeFailure, err)
	}

	handle, err := p.open(req.SessionID, req.TargetURL, statePath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrResumeFailure, err)
	}
	return handle, nil
}

func (p *Playwright) open(sessionID, targetURL, storageStatePath string) (*playwrightHandle, error) {
	if err := p.ensureStarted(); err != nil {
		return nil, err
	}

	browser, err := p.pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(p.headless),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	contextOpts := playwright.BrowserNewContextOptions{
		Viewport: &playwright.Size{Width: 1280, Height: 720},
	}
	if storageStatePath != "" {
		contextOpts.StorageStatePath = playwright.String(storageStatePath)
	}
	browserCtx, err := browser.NewContext(contextOpts)
	if err != nil {
		browser.Close()
		return nil, fmt.Errorf("failed to create context: %w", err)
	}

	page, err := browserCtx.NewPage()
	if err != nil {
		browserCtx.Close()
		browser.Close()
		return nil, fmt.Errorf("failed to create page: %w", err)
	}
	page.SetDefaultTimeout(30000)

	if _, err := page.Goto(targetURL); err != nil {
		page.Close()
		browserCtx.Close()
		browser.Close()
		return nil, fmt.Errorf("failed to navigate to %s: %w", targetURL, err)
	}

	return &playwrightHandle{
		sessionID: sessionID,
		browser:   browser,
		context:   browserCtx,
		page:      page,
	}, nil
}

// Release closes the page, context, and browser, tolerating resources
// that are already gone.
func (p *Playwright) Release(_ context.Context, h Handle) error {
	ph, ok := h.(*playwrightHandle)
	if !ok {
		return fmt.Errorf("handle for session %s does not belong to the playwright driver", h.SessionID())
	}

	_ = ph.page.Close()
	_ = ph.context.Close()
	_ = ph.browser.Close()
	return nil
}

// Checkpoint snapshots the context's storage state into the checkpoint
// store and returns the minted resume token.
func (p *Playwright) Checkpoint(_ context.Context, h Handle) (string, error) {
	ph, ok := h.(*playwrightHandle)
	if !ok {
		return "", fmt.Errorf("handle for session %s does not belong to the playwright driver", h.SessionID())
	}

	stateDir, err := os.MkdirTemp("", "sessiond-ckpt-")
	if err != nil {
		return "", fmt.Errorf("failed to create state directory: %w", err)
	}
	defer os.RemoveAll(stateDir)

	statePath := filepath.Join(stateDir, storageStateFile)
	if _, err := ph.context.StorageState(statePath); err != nil {
		return "", fmt.Errorf("failed to snapshot storage state: %w", err)
	}

	return p.checkpoints.Save(stateDir)
}

// Close stops the Playwright runtime.
func (p *Playwright) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.started || p.pw == nil {
		return nil
	}
	if err := p.pw.Stop(); err != nil {
		return fmt.Errorf("failed to stop playwright: %w", err)
	}
	p.started = false
	return nil
}
