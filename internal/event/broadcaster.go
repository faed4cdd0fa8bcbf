package event

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/shehryarbajwa/sessiond/pkg/models"
)

// WriteTimeout bounds a single SSE write so one stale subscriber cannot
// stall the broadcast fan-out.
const WriteTimeout = 2 * time.Second

// Subscriber is one connected SSE client.
type Subscriber struct {
	ID      string
	Writer  http.ResponseWriter
	Flusher http.Flusher
	Done    chan struct{}
}

// Broadcaster pushes session events to all connected SSE subscribers.
type Broadcaster struct {
	mu     sync.RWMutex
	subs   map[string]*Subscriber
	nextID int
}

// NewBroadcaster returns an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[string]*Subscriber)}
}

// Subscribe registers w as an SSE subscriber.
func (b *Broadcaster) Subscribe(w http.ResponseWriter) (*Subscriber, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming not supported")
	}

	b.mu.Lock()
	b.nextID++
	sub := &Subscriber{
		ID:      fmt.Sprintf("sub-%d", b.nextID),
		Writer:  w,
		Flusher: flusher,
		Done:    make(chan struct{}),
	}
	b.subs[sub.ID] = sub
	total := len(b.subs)
	b.mu.Unlock()

	log.Debug().Str("subscriberId", sub.ID).Int("subscribers", total).Msg("event subscriber connected")
	return sub, nil
}

// Unsubscribe removes a subscriber and closes its Done channel.
func (b *Broadcaster) Unsubscribe(sub *Subscriber) {
	b.mu.Lock()
	delete(b.subs, sub.ID)
	total := len(b.subs)
	b.mu.Unlock()

	select {
	case <-sub.Done:
	default:
		close(sub.Done)
	}

	log.Debug().Str("subscriberId", sub.ID).Int("subscribers", total).Msg("event subscriber disconnected")
}

func (b *Broadcaster) dropByID(id string) {
	b.mu.Lock()
	sub, exists := b.subs[id]
	if exists {
		delete(b.subs, id)
	}
	b.mu.Unlock()

	if exists {
		select {
		case <-sub.Done:
		default:
			close(sub.Done)
		}
	}
}

// Broadcast sends one event to every subscriber. Writes run concurrently
// with a per-subscriber timeout; subscribers that fail or stall are dropped.
func (b *Broadcaster) Broadcast(e models.Event) {
	payload, err := json.Marshal(e)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal session event")
		return
	}
	message := fmt.Sprintf("data: %s\n\n", payload)

	b.mu.RLock()
	subs := make([]*Subscriber, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.RUnlock()

	if len(subs) == 0 {
		return
	}

	deadCh := make(chan string, len(subs))
	var wg sync.WaitGroup
	for _, sub := range subs {
		select {
		case <-sub.Done:
			continue
		default:
			wg.Add(1)
			go func(s *Subscriber) {
				defer wg.Done()
				b.write(s, message, deadCh)
			}(sub)
		}
	}
	wg.Wait()
	close(deadCh)

	for id := range deadCh {
		b.dropByID(id)
	}
}

func (b *Broadcaster) write(sub *Subscriber, message string, deadCh chan<- string) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := sub.Writer.Write([]byte(message)); err != nil {
			deadCh <- sub.ID
			return
		}
		sub.Flusher.Flush()
	}()

	select {
	case <-done:
	case <-time.After(WriteTimeout):
		log.Warn().Str("subscriberId", sub.ID).Msg("event write timed out, dropping subscriber")
		deadCh <- sub.ID
	case <-sub.Done:
	}
}

// SubscriberCount returns the number of connected subscribers.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// ServeHTTP streams session events to one client until it disconnects.
func (b *Broadcaster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	sub, err := b.Subscribe(w)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer b.Unsubscribe(sub)

	fmt.Fprintf(w, "data: {\"kind\":\"connected\",\"subscriberId\":%q}\n\n", sub.ID)
	sub.Flusher.Flush()

	select {
	case <-r.Context().Done():
	case <-sub.Done:
	}
}
