package signal

import (
	"context"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/dkeye/Signal/internal/core"
	"github.com/dkeye/Signal/internal/domain"
)

// readPump blocks until the connection closes or ctx is done. Every inbound
// frame refreshes liveness, including frames that are then dropped.
func (g *Gateway) readPump(ctx context.Context, c *core.Client, s *wsSocket) {
	logger := log.With().Str("module", "signal").Str("id", c.ID()).Logger()
	defer func() {
		g.Teardown.Closed(context.Background(), c, s)
		_ = s.Close()
		logger.Info().Msg("connection closed")
	}()

	// closing the socket ends the write pump, which closes the connection
	// and unblocks ReadMessage below.
	go func() {
		select {
		case <-ctx.Done():
			_ = s.Close()
		case <-s.Done():
		}
	}()

	var limiter *rate.Limiter
	if g.cfg.MessageRate > 0 {
		burst := g.cfg.MessageBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(g.cfg.MessageRate), burst)
	}

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				logger.Debug().Err(err).Msg("read error")
			}
			return
		}
		c.Touch(g.Now())
		if limiter != nil && !limiter.Allow() {
			g.Metrics.Malformed()
			logger.Warn().Msg("message rate exceeded, dropped")
			continue
		}

		msg, err := domain.DecodeMessage(data)
		if err != nil {
			g.Metrics.Malformed()
			logger.Warn().Err(err).Int("size", len(data)).Msg("malformed message ignored")
			continue
		}

		g.Router.Handle(ctx, c, msg)
	}
}
