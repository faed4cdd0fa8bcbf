package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryAttachDetach(t *testing.T) {
	r := NewRegistry()
	now := time.Now().UTC()

	live := &Live{ID: "s1", Owner: "acme", LastActiveAt: now}
	r.Attach(live)
	assert.Equal(t, 1, r.Len())

	got, ok := r.Get("s1")
	require.True(t, ok)
	assert.Equal(t, "acme", got.Owner)

	// The registry keeps its own copy.
	live.Owner = "mutated"
	got, _ = r.Get("s1")
	assert.Equal(t, "acme", got.Owner)

	r.Detach("s1")
	_, ok = r.Get("s1")
	assert.False(t, ok)
	assert.Equal(t, 0, r.Len())
}

func TestRegistryTouchMonotone(t *testing.T) {
	r := NewRegistry()
	now := time.Now().UTC()
	r.Attach(&Live{ID: "s1", LastActiveAt: now})

	assert.True(t, r.Touch("s1", now.Add(time.Second)))

	// An older timestamp is ignored; the entry still reports present.
	assert.True(t, r.Touch("s1", now.Add(-time.Second)))
	got, _ := r.Get("s1")
	assert.True(t, got.LastActiveAt.Equal(now.Add(time.Second)))

	assert.False(t, r.Touch("missing", now))
}

func TestRegistrySetResumeToken(t *testing.T) {
	r := NewRegistry()
	r.Attach(&Live{ID: "s1"})

	r.SetResumeToken("s1", "ckpt-1")
	got, _ := r.Get("s1")
	assert.Equal(t, "ckpt-1", got.ResumeToken)

	r.SetResumeToken("missing", "ckpt-2")
	_, ok := r.Get("missing")
	assert.False(t, ok)
}

func TestRegistryLockSerializesPerSession(t *testing.T) {
	r := NewRegistry()
	unlock := r.Lock("s1")

	acquired := make(chan struct{})
	go func() {
		u := r.Lock("s1")
		close(acquired)
		u()
	}()

	select {
	case <-acquired:
		t.Fatal("second Lock acquired while the first was held")
	case <-time.After(50 * time.Millisecond):
	}

	// A different session is not serialized behind s1.
	done := make(chan struct{})
	go func() {
		u := r.Lock("s2")
		u()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Lock on another session blocked")
	}

	unlock()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second Lock never acquired after unlock")
	}
}
