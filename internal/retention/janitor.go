// Package retention expires idle conversation sessions.
//
// The janitor runs as a background goroutine and respects context
// cancellation for graceful shutdown.
package retention

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"
)

// DefaultSessionTTL is how long a session may sit idle before it is purged.
const DefaultSessionTTL = time.Hour

var sessionsPurged = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "datachat",
	Subsystem: "retention",
	Name:      "sessions_purged_total",
	Help:      "Idle sessions removed by the retention janitor",
})

// Purger deletes records idle since cutoff.
type Purger interface {
	PurgeIdle(ctx context.Context, cutoff time.Time) int
}

// Janitor periodically purges idle sessions.
type Janitor struct {
	target   Purger
	ttl      time.Duration
	interval time.Duration
	now      func() time.Time
}

// NewJanitor creates a janitor that removes records idle for longer than ttl.
// It sweeps every ttl/4, but never more often than once a minute.
func NewJanitor(target Purger, ttl time.Duration) *Janitor {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	interval := ttl / 4
	if interval < time.Minute {
		interval = time.Minute
	}
	return &Janitor{target: target, ttl: ttl, interval: interval, now: time.Now}
}

// Start runs sweeps until ctx is canceled.
func (j *Janitor) Start(ctx context.Context) {
	log.Info().
		Dur("ttl", j.ttl).
		Dur("interval", j.interval).
		Msg("Retention janitor started")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Retention janitor stopped")
			return
		case <-ticker.C:
			j.RunCycle(ctx)
		}
	}
}

// RunCycle performs one sweep and returns the number of records purged.
func (j *Janitor) RunCycle(ctx context.Context) int {
	start := j.now()
	n := j.target.PurgeIdle(ctx, start.Add(-j.ttl))
	if n > 0 {
		sessionsPurged.Add(float64(n))
		log.Info().
			Int("purged_sessions", n).
			Dur("elapsed", time.Since(start)).
			Msg("Retention cycle complete")
	}
	return n
}
