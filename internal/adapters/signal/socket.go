package signal

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Signal/internal/core"
)

// wsSocket implements core.Socket over a gorilla connection. Frames go
// through a bounded queue drained by writePump; Close flushes what is
// already queued before the close frame.
type wsSocket struct {
	conn *websocket.Conn
	send chan core.Frame
	done chan struct{}

	writeWait  time.Duration
	pingPeriod time.Duration

	mu     sync.RWMutex
	closed bool
}

func newWSSocket(conn *websocket.Conn, queue int, writeWait, pingPeriod time.Duration) *wsSocket {
	return &wsSocket{
		conn:       conn,
		send:       make(chan core.Frame, queue),
		done:       make(chan struct{}),
		writeWait:  writeWait,
		pingPeriod: pingPeriod,
	}
}

func (s *wsSocket) Send(f core.Frame) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return core.ErrSocketClosed
	}
	select {
	case s.send <- f:
		return nil
	default:
		return core.ErrBackpressure
	}
}

func (s *wsSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.send)
	return nil
}

// Done is closed once the underlying connection is closed.
func (s *wsSocket) Done() <-chan struct{} { return s.done }

func (s *wsSocket) writePump() {
	var ping <-chan time.Time
	if s.pingPeriod > 0 {
		ticker := time.NewTicker(s.pingPeriod)
		defer ticker.Stop()
		ping = ticker.C
	}
	defer func() {
		_ = s.conn.Close()
		close(s.done)
	}()

	for {
		select {
		case data, ok := <-s.send:
			if !ok {
				_ = s.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(s.writeWait))
				return
			}
			if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				_ = s.Close()
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Debug().Err(err).Str("module", "signal").Msg("writePump write error")
				_ = s.Close()
				return
			}
		case <-ping:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.writeWait)); err != nil {
				log.Debug().Err(err).Str("module", "signal").Msg("writePump ping error")
				_ = s.Close()
				return
			}
		}
	}
}
