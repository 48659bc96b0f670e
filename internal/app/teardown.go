package app

import (
	"context"
	"time"

	"github.com/dkeye/Signal/internal/core"
	"github.com/dkeye/Signal/internal/metrics"
	"github.com/rs/zerolog/log"
)

// Teardown is the cleanup shared by socket close, delivery failure and the
// reaper.
type Teardown struct {
	Registry  *Registry
	Directory core.NodeDirectory
	Metrics   *metrics.Metrics
	// Timeout bounds the directory call; zero means no extra bound.
	Timeout time.Duration
	// OnClose is the external close callback.
	OnClose func(*core.Client)
}

// Release unregisters c together with whatever socket it holds now. Closing
// that socket is left to the caller. It reports whether c was unregistered by
// this call.
func (t *Teardown) Release(ctx context.Context, c *core.Client) bool {
	return t.release(ctx, c, c.Socket())
}

// Closed handles a closed transport. Nothing happens unless sock is still
// c's socket, so a stale close after a reconnect is ignored.
func (t *Teardown) Closed(ctx context.Context, c *core.Client, sock core.Socket) bool {
	if !t.release(ctx, c, sock) {
		log.Debug().Str("module", "app.teardown").Str("id", c.ID()).Msg("stale close ignored")
		return false
	}
	return true
}

// release drops the buffered frames and unbinds the node while the directory
// still points at c, once the registry has let go of c and sock together.
func (t *Teardown) release(ctx context.Context, c *core.Client, sock core.Socket) bool {
	if !t.Registry.Detach(c, sock) {
		return false
	}
	t.Registry.ClearOutbox(c.ID())
	t.Metrics.ConnectionClosed()

	if t.Directory != nil {
		if t.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, t.Timeout)
			defer cancel()
		}
		removed, err := t.Directory.UnbindNode(ctx, c.NodeID(), c.ID())
		if err != nil {
			log.Warn().Err(err).Str("module", "app.teardown").Str("id", c.ID()).Int64("node", c.NodeID()).Msg("node unbind skipped")
		} else if !removed {
			log.Debug().Str("module", "app.teardown").Str("id", c.ID()).Int64("node", c.NodeID()).Msg("node rebound elsewhere, kept")
		}
	}

	if t.OnClose != nil {
		t.OnClose(c)
	}
	return true
}
