package app

import (
	"context"
	"time"

	"github.com/dkeye/Signal/internal/core"
	"github.com/rs/zerolog/log"
)

const DefaultCheckInterval = 300 * time.Millisecond

// Reaper evicts connections whose last heartbeat is older than AliveTimeout.
// Sweeps are self-paced: the next one is armed only after the previous one
// returns.
type Reaper struct {
	Registry     *Registry
	Teardown     *Teardown
	AliveTimeout time.Duration
	Interval     time.Duration
	Now          func() time.Time
}

func (r *Reaper) Run(ctx context.Context) error {
	interval := r.Interval
	if interval <= 0 {
		interval = DefaultCheckInterval
	}
	log.Info().Str("module", "app.reaper").Dur("interval", interval).Dur("alive_timeout", r.AliveTimeout).Msg("reaper started")

	timer := time.NewTimer(interval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "app.reaper").Msg("reaper stopped")
			return ctx.Err()
		case <-timer.C:
			r.Sweep(ctx)
			timer.Reset(interval)
		}
	}
}

// Sweep runs one pass and returns the number of evicted connections.
func (r *Reaper) Sweep(ctx context.Context) int {
	now := r.now()
	evicted := 0
	for _, id := range r.Registry.IDs() {
		c, ok := r.Registry.Get(id)
		if !ok {
			continue
		}
		// the socket is read before the heartbeat; a reconnect touches the
		// heartbeat before it swaps the socket in.
		sock := c.Socket()
		if now.Sub(c.LastHeartbeat()) < r.AliveTimeout {
			continue
		}
		if r.evict(ctx, c, sock) {
			evicted++
		}
	}
	return evicted
}

// evict tears c down only while sock, the socket seen when c was judged
// stale, is still attached.
func (r *Reaper) evict(ctx context.Context, c *core.Client, sock core.Socket) (released bool) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error().Str("module", "app.reaper").Str("id", c.ID()).Interface("panic", rec).Msg("eviction failed")
		}
	}()

	if !r.Teardown.Closed(ctx, c, sock) {
		return false
	}
	if sock != nil {
		if err := sock.Close(); err != nil {
			log.Debug().Err(err).Str("module", "app.reaper").Str("id", c.ID()).Msg("close failed")
		}
	}
	r.Teardown.Metrics.Reaped()
	log.Info().Str("module", "app.reaper").Str("id", c.ID()).Int64("node", c.NodeID()).Time("last_heartbeat", c.LastHeartbeat()).Msg("connection timed out")
	return true
}

func (r *Reaper) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}
