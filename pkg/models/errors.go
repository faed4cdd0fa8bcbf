package models

import "errors"

// Sentinel errors surfaced by the session engine. Lost compare-and-set
// races are deliberately not represented here: a lost claim or a stale
// outcome write is normal control flow, not an error.
var (
	ErrNotFound          = errors.New("session not found")
	ErrAlreadyTerminated = errors.New("session already terminated")
	ErrDriverSpinFailure = errors.New("browser spin-up failed")
	ErrResumeFailure     = errors.New("session resume failed")
	ErrStoreUnavailable  = errors.New("session store unavailable")
	ErrOwnerLimit        = errors.New("owner concurrent session limit reached")
	ErrInvalidTransition = errors.New("illegal status transition")
	ErrInvalidRequest    = errors.New("invalid request")
)
