// Package session owns the in-memory side of the persistence engine: the
// registry of live browser handles, the manager that keeps registry and
// durable store consistent, and the liveness monitor that reclaims
// abandoned sessions.
package session

import (
	"sync"
	"time"

	"github.com/shehryarbajwa/sessiond/internal/driver"
)

// Live is one session whose browser handle is owned by this process.
// An entry exists exactly while the durable record is ACTIVE and this
// instance holds the handle.
type Live struct {
	ID           string
	Owner        string
	TargetURL    string
	Backend      string
	ResumeToken  string
	Handle       driver.Handle
	StartedAt    time.Time
	LastActiveAt time.Time
}

// Registry tracks live sessions and serializes work per session id.
// Entries for distinct ids never block one another; every mutation of
// one id happens inside that id's critical section.
type Registry struct {
	mu   sync.RWMutex
	live map[string]*Live

	locksMu sync.Mutex
	locks   map[string]*idLock
}

type idLock struct {
	mu   sync.Mutex
	refs int
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		live:  make(map[string]*Live),
		locks: make(map[string]*idLock),
	}
}

// Lock enters the critical section for one session id and returns the
// leave function. Lock entries are reference counted so ids that come
// and go do not accumulate.
func (r *Registry) Lock(id string) func() {
	r.locksMu.Lock()
	l, ok := r.locks[id]
	if !ok {
		l = &idLock{}
		r.locks[id] = l
	}
	l.refs++
	r.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		r.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(r.locks, id)
		}
		r.locksMu.Unlock()
	}
}

// Attach registers a live session. The caller must hold the id's lock.
func (r *Registry) Attach(live *Live) {
	r.mu.Lock()
	defer r.mu.Unlock()
	clone := *live
	r.live[live.ID] = &clone
}

// Detach removes a live session. The caller must hold the id's lock.
func (r *Registry) Detach(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.live, id)
}

// Get returns a copy of the live entry for id.
func (r *Registry) Get(id string) (Live, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	live, ok := r.live[id]
	if !ok {
		return Live{}, false
	}
	return *live, true
}

// Touch advances the entry's lastActiveAt, never backwards, and reports
// whether the entry exists.
func (r *Registry) Touch(id string, at time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	live, ok := r.live[id]
	if !ok {
		return false
	}
	if at.After(live.LastActiveAt) {
		live.LastActiveAt = at
	}
	return true
}

// SetResumeToken records the latest checkpoint token on the live entry.
func (r *Registry) SetResumeToken(id, token string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if live, ok := r.live[id]; ok {
		live.ResumeToken = token
	}
}

// List returns a copy of every live entry.
func (r *Registry) List() []Live {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Live, 0, len(r.live))
	for _, live := range r.live {
		out = append(out, *live)
	}
	return out
}

// Len returns the number of live sessions in this process.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.live)
}
