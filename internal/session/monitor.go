package session

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/shehryarbajwa/sessiond/internal/config"
)

// Monitor sweeps the registry for sessions whose owners stopped
// heartbeating and abandons them. It only ever looks at this process's
// own registry; orphans from dead processes are recovery's problem.
type Monitor struct {
	manager *Manager
	timeout time.Duration
	sweep   time.Duration
	log     zerolog.Logger
	now     func() time.Time
}

func NewMonitor(m *Manager, cfg config.LivenessConfig, log zerolog.Logger) *Monitor {
	return &Monitor{
		manager: m,
		timeout: cfg.HeartbeatTimeout,
		sweep:   cfg.SweepInterval,
		log:     log,
		now:     time.Now,
	}
}

// Run sweeps on the configured interval until ctx is cancelled.
func (mon *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(mon.sweep)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			mon.Sweep(ctx)
		}
	}
}

// Sweep abandons every live session idle past the heartbeat timeout and
// returns how many it reclaimed. A session that heartbeats between the
// staleness scan and the abandon is left alone. An entry last active
// exactly at the cutoff counts as stale.
func (mon *Monitor) Sweep(ctx context.Context) int {
	cutoff := mon.now().UTC().Add(-mon.timeout)
	abandoned := 0
	for _, live := range mon.manager.Snapshot() {
		if live.LastActiveAt.After(cutoff) {
			continue
		}
		ok, err := mon.manager.abandonStale(ctx, live.ID, cutoff)
		if err != nil {
			mon.log.Error().Err(err).Str("sessionId", live.ID).Msg("failed to abandon stale session")
			continue
		}
		if ok {
			abandoned++
		}
	}
	if abandoned > 0 {
		mon.log.Info().Int("count", abandoned).Dur("heartbeatTimeout", mon.timeout).Msg("abandoned stale sessions")
	}
	return abandoned
}
