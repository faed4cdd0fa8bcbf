// Package driver abstracts the browser backends sessions run on. The
// engine never touches a browser directly: it spins, resumes, and
// releases opaque handles through one of these drivers.
package driver

import "context"

// Handle identifies one live browser owned by a driver. Only the driver
// that minted a handle can release or checkpoint it.
type Handle interface {
	SessionID() string

	// ConnectURL returns the websocket endpoint for the live debug view,
	// or "" when the backend does not expose one.
	ConnectURL() string
}

// SpinRequest describes a fresh browser to launch.
type SpinRequest struct {
	SessionID string
	TargetURL string
}

// ResumeRequest describes a browser to reconstruct from a checkpoint.
type ResumeRequest struct {
	SessionID   string
	TargetURL   string
	ResumeToken string
}

// Driver launches, resumes, and releases browsers on one backend.
type Driver interface {
	// Name is the backend name recorded on every session the driver spins,
	// so recovery can route the resume back to the same backend.
	Name() string

	Spin(ctx context.Context, req SpinRequest) (Handle, error)

	Resume(ctx context.Context, req ResumeRequest) (Handle, error)

	// Release tears the browser down. Releasing a handle whose backend
	// resources are already gone must not fail the caller.
	Release(ctx context.Context, h Handle) error
}

// Checkpointer is implemented by drivers that can snapshot live browser
// state into the checkpoint store on demand.
type Checkpointer interface {
	Checkpoint(ctx context.Context, h Handle) (token string, err error)
}
