// Package event turns session lifecycle transitions into structured log
// lines, Prometheus metrics, and a live SSE feed.
package event

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/shehryarbajwa/sessiond/pkg/models"
)

// Recorder fans one session event out to every observability sink.
// Either sink may be nil, which keeps construction cheap in tests.
type Recorder struct {
	log     zerolog.Logger
	metrics *Metrics
	sse     *Broadcaster
}

// NewRecorder builds a recorder writing to log, metrics, and sse.
func NewRecorder(log zerolog.Logger, metrics *Metrics, sse *Broadcaster) *Recorder {
	return &Recorder{log: log, metrics: metrics, sse: sse}
}

// Nop returns a recorder that drops everything.
func Nop() *Recorder {
	return &Recorder{log: zerolog.Nop()}
}

// Record emits one lifecycle event. Heartbeats log at debug because a
// healthy fleet produces them continuously.
func (r *Recorder) Record(e models.Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	logEvent := r.log.Info()
	if e.Kind == models.EventHeartbeat {
		logEvent = r.log.Debug()
	}
	logEvent = logEvent.
		Str("sessionId", e.SessionID).
		Str("kind", string(e.Kind))
	if e.Owner != "" {
		logEvent = logEvent.Str("owner", e.Owner)
	}
	if e.From != "" || e.To != "" {
		logEvent = logEvent.Str("from", string(e.From)).Str("to", string(e.To))
	}
	if e.Detail != "" {
		logEvent = logEvent.Str("detail", e.Detail)
	}
	logEvent.Msg("session transition")

	if r.metrics != nil {
		r.metrics.TransitionsTotal.WithLabelValues(string(e.Kind)).Inc()
	}
	if r.sse != nil {
		r.sse.Broadcast(e)
	}
}

// SetLive records how many sessions hold a browser handle in this process.
func (r *Recorder) SetLive(n int) {
	if r.metrics != nil {
		r.metrics.SessionsLive.Set(float64(n))
	}
}

// RecoveryOutcome counts one recovery claim attempt by its outcome.
func (r *Recorder) RecoveryOutcome(outcome string) {
	if r.metrics != nil {
		r.metrics.RecoveryAttempts.WithLabelValues(outcome).Inc()
	}
}

// ObserveResume records how long one successful resume took.
func (r *Recorder) ObserveResume(d time.Duration) {
	if r.metrics != nil {
		r.metrics.ResumeDuration.Observe(d.Seconds())
	}
}

// StoreError counts one durable store failure.
func (r *Recorder) StoreError() {
	if r.metrics != nil {
		r.metrics.StoreErrors.Inc()
	}
}
