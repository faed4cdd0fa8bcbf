// Package store persists session records durably so that sessions
// survive process restarts and can be recovered by any instance.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/shehryarbajwa/sessiond/internal/config"
	"github.com/shehryarbajwa/sessiond/pkg/models"
)

// Store is the durable session record store. UpdateStatus is an atomic
// compare-and-set and is the only primitive the engine uses to serialize
// competing writers, so implementations must guarantee that exactly one
// of any set of concurrent identical transitions reports true.
type Store interface {
	// Create inserts a new record. The id must not already exist.
	Create(ctx context.Context, rec models.Record) error

	// Get returns the record for id, or models.ErrNotFound.
	Get(ctx context.Context, id string) (models.Record, error)

	// UpdateStatus applies from -> to only if the record's current status
	// equals from. It reports false, without error, when the record has
	// moved on or no longer exists; callers treat a lost race as normal
	// control flow. Transitions outside the legal status graph return
	// models.ErrInvalidTransition.
	UpdateStatus(ctx context.Context, id string, from, to models.Status) (bool, error)

	// Touch advances lastActiveAt to at, never backwards. Late heartbeats
	// that arrive out of order therefore cannot regress liveness.
	Touch(ctx context.Context, id string, at time.Time) error

	// SetResumeToken replaces the resume token for id.
	SetResumeToken(ctx context.Context, id, token string) error

	// ListByStatus returns all records currently in the given status,
	// oldest first.
	ListByStatus(ctx context.Context, status models.Status) ([]models.Record, error)

	// PruneTerminal deletes terminal records whose lastActiveAt is older
	// than the cutoff and reports how many were removed.
	PruneTerminal(ctx context.Context, olderThan time.Time) (int64, error)

	// Ping reports whether the store is reachable.
	Ping(ctx context.Context) error

	Close() error
}

// Open builds the store selected by cfg.
func Open(cfg config.StoreConfig) (Store, error) {
	switch cfg.Driver {
	case "sqlite":
		return OpenSQLite(cfg.Path)
	case "memory":
		return NewMemory(), nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
}
