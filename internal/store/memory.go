package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shehryarbajwa/sessiond/pkg/models"
)

// Memory is an in-process Store for tests and single-node development.
// One mutex guards the whole map, which makes UpdateStatus a true
// compare-and-set within the process.
type Memory struct {
	mu   sync.RWMutex
	recs map[string]models.Record
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{recs: make(map[string]models.Record)}
}

// Create inserts a new session record.
func (m *Memory) Create(_ context.Context, rec models.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.recs[rec.ID]; exists {
		return fmt.Errorf("session %s already exists", rec.ID)
	}
	m.recs[rec.ID] = rec
	return nil
}

// Get returns the record for id.
func (m *Memory) Get(_ context.Context, id string) (models.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, exists := m.recs[id]
	if !exists {
		return models.Record{}, models.ErrNotFound
	}
	return rec, nil
}

// UpdateStatus atomically moves id from one status to another.
func (m *Memory) UpdateStatus(_ context.Context, id string, from, to models.Status) (bool, error) {
	if !models.CanTransition(from, to) {
		return false, fmt.Errorf("%w: %s -> %s", models.ErrInvalidTransition, from, to)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, exists := m.recs[id]
	if !exists || rec.Status != from {
		return false, nil
	}
	rec.Status = to
	m.recs[id] = rec
	return true, nil
}

// Touch advances lastActiveAt to at, keeping it monotone.
func (m *Memory) Touch(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, exists := m.recs[id]
	if !exists {
		return models.ErrNotFound
	}
	if at.After(rec.LastActiveAt) {
		rec.LastActiveAt = at
		m.recs[id] = rec
	}
	return nil
}

// SetResumeToken replaces the resume token for id.
func (m *Memory) SetResumeToken(_ context.Context, id, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, exists := m.recs[id]
	if !exists {
		return models.ErrNotFound
	}
	rec.ResumeToken = token
	m.recs[id] = rec
	return nil
}

// ListByStatus returns all records in the given status, oldest first.
func (m *Memory) ListByStatus(_ context.Context, status models.Status) ([]models.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var recs []models.Record
	for _, rec := range m.recs {
		if rec.Status == status {
			recs = append(recs, rec)
		}
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].CreatedAt.Before(recs[j].CreatedAt) })
	return recs, nil
}

// PruneTerminal deletes terminal records last active before the cutoff.
func (m *Memory) PruneTerminal(_ context.Context, olderThan time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, rec := range m.recs {
		if rec.Status.Terminal() && rec.LastActiveAt.Before(olderThan) {
			delete(m.recs, id)
			n++
		}
	}
	return n, nil
}

// Ping always succeeds for the in-memory store.
func (m *Memory) Ping(_ context.Context) error { return nil }

// Close is a no-op for the in-memory store.
func (m *Memory) Close() error { return nil }
