package app

import (
	"context"
	"errors"
	"time"

	"github.com/dkeye/Signal/internal/core"
	"github.com/dkeye/Signal/internal/domain"
	"github.com/dkeye/Signal/internal/metrics"
	"github.com/rs/zerolog/log"
)

var (
	errPeerDead    = errors.New("peer dead")
	errOutboxFull  = errors.New("outbox full")
	errEncodeFrame = errors.New("encode frame")
)

// Router delivers signaling messages locally and fans out to other
// instances through the broadcast channel.
type Router struct {
	Registry *Registry
	Teardown *Teardown
	Bus      core.Broadcaster
	Metrics  *metrics.Metrics
	// Instance identifies this process on the broadcast channel.
	Instance string
	// PublishTimeout bounds a single broadcast publish.
	PublishTimeout time.Duration
}

// Handle dispatches a message read from c's socket. Src is overwritten
// with c's id.
func (r *Router) Handle(ctx context.Context, c *core.Client, msg domain.Message) {
	msg.Src = c.ID()
	switch {
	case msg.Type == domain.MessageHeartbeat:
		return
	case msg.IsRelayed():
		if msg.Dst != "" {
			if _, ok := r.Registry.Get(msg.Dst); !ok {
				r.publish(ctx, msg)
				return
			}
		}
		r.Transmit(msg)
	default:
		log.Debug().Str("module", "app.router").Str("id", c.ID()).Str("type", string(msg.Type)).Msg("ignored client message")
	}
}

// HandleBroadcast is the receive side of the broadcast channel. Messages
// whose target is not registered here are dropped silently.
func (r *Router) HandleBroadcast(env core.Envelope) {
	if env.Origin != "" && env.Origin == r.Instance {
		return
	}
	msg := env.Message

	var target string
	switch {
	case msg.Dst != "":
		target = msg.Dst
	case msg.Src != "" && msg.Type == domain.MessageLeave:
		target = msg.Src
	default:
		return
	}
	if _, ok := r.Registry.Get(target); !ok {
		return
	}

	r.Metrics.Message(metrics.PathBroadcastIn)
	if msg.IsRelayed() {
		r.Transmit(msg)
	}
}

// Transmit is the instance-local delivery path. When the destination is
// registered but unreachable it is torn down and the sender is told with a
// LEAVE; that notification never cascades further.
func (r *Router) Transmit(msg domain.Message) {
	notice, ok := r.deliver(msg)
	if !ok {
		return
	}
	r.Metrics.Message(metrics.PathCascade)
	if _, again := r.deliver(notice); again {
		log.Debug().Str("module", "app.router").Str("src", notice.Src).Str("dst", notice.Dst).Msg("leave notice undeliverable")
	}
}

// deliver returns a LEAVE notice for the sender when the destination failed.
func (r *Router) deliver(msg domain.Message) (domain.Message, bool) {
	dst, ok := r.Registry.Get(msg.Dst)
	if !ok {
		if msg.Type == domain.MessageLeave && msg.Dst == "" {
			if src, ok := r.Registry.Get(msg.Src); ok {
				sock := src.Socket()
				if r.Teardown.Closed(context.Background(), src, sock) && sock != nil {
					_ = sock.Close()
				}
			}
		}
		return domain.Message{}, false
	}

	sock := dst.Socket()
	err := r.send(dst, sock, msg)
	if err == nil {
		return domain.Message{}, false
	}

	log.Warn().Err(err).Str("module", "app.router").Str("src", msg.Src).Str("dst", msg.Dst).Msg("delivery failed, dropping peer")
	r.Metrics.Message(metrics.PathDropped)
	if !r.Teardown.Closed(context.Background(), dst, sock) {
		// dst reconnected on a fresh socket meanwhile
		return domain.Message{}, false
	}
	if sock != nil {
		_ = sock.Close()
	}
	return domain.NewLeave(msg.Dst, msg.Src), true
}

// send writes msg to sock after any frames still buffered for c.
func (r *Router) send(c *core.Client, sock core.Socket, msg domain.Message) error {
	if sock == nil {
		return errPeerDead
	}
	frame, err := msg.Encode()
	if err != nil {
		return errors.Join(errEncodeFrame, err)
	}

	buffered, err := r.Registry.Drain(c.ID(), sock, frame)
	if err != nil {
		return err
	}
	if buffered {
		r.Metrics.Message(metrics.PathBuffered)
	} else {
		r.Metrics.Message(metrics.PathLocal)
	}
	return nil
}

// Flush pushes frames buffered for c to its current socket.
func (r *Router) Flush(c *core.Client) {
	if r.Registry.OutboxLen(c.ID()) == 0 {
		return
	}
	sock := c.Socket()
	if sock == nil {
		return
	}
	if _, err := r.Registry.Drain(c.ID(), sock); err != nil {
		log.Debug().Err(err).Str("module", "app.router").Str("id", c.ID()).Msg("flush stopped")
	}
}

// Send writes a relay-originated message straight to c.
func (r *Router) Send(c *core.Client, msg domain.Message) error {
	return r.send(c, c.Socket(), msg)
}

func (r *Router) publish(ctx context.Context, msg domain.Message) {
	if r.Bus == nil {
		return
	}
	if r.PublishTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.PublishTimeout)
		defer cancel()
	}
	env := core.Envelope{Origin: r.Instance, Message: msg}
	if err := r.Bus.Publish(ctx, env); err != nil {
		log.Warn().Err(err).Str("module", "app.router").Str("src", msg.Src).Str("dst", msg.Dst).Msg("broadcast publish failed")
		return
	}
	r.Metrics.Message(metrics.PathBroadcastOut)
}
