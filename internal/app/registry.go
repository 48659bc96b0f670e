package app

import (
	"errors"
	"sync"

	"github.com/dkeye/Signal/internal/core"
	"github.com/rs/zerolog/log"
)

type ClaimResult int

const (
	// ClaimCreated means a fresh Client was registered.
	ClaimCreated ClaimResult = iota
	// ClaimReconnect means the id is live and the token matched.
	ClaimReconnect
	// ClaimTaken means the id is live under another token.
	ClaimTaken
	// ClaimFull means the concurrent-connection limit was reached.
	ClaimFull
)

func (r ClaimResult) String() string {
	switch r {
	case ClaimCreated:
		return "created"
	case ClaimReconnect:
		return "reconnect"
	case ClaimTaken:
		return "id_taken"
	case ClaimFull:
		return "limit"
	}
	return "unknown"
}

// Registry is the per-process table of live connections and their
// undelivered outbound frames.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]*core.Client

	// outMu serializes buffer drains so frames leave in the order they were
	// accepted.
	outMu       sync.Mutex
	outbox      map[string][]core.Frame
	outboxLimit int
}

func NewRegistry(outboxLimit int) *Registry {
	return &Registry{
		clients:     make(map[string]*core.Client),
		outbox:      make(map[string][]core.Frame),
		outboxLimit: outboxLimit,
	}
}

func (r *Registry) Get(id string) (*core.Client, bool) {
	if id == "" {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[id]
	return c, ok
}

// Set registers c, replacing any previous entry for the same id.
// The caller closes the previous socket.
func (r *Registry) Set(c *core.Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[c.ID()] = c
	log.Debug().Str("module", "app.registry").Str("id", c.ID()).Msg("set client")
}

// Claim is the atomic check-then-insert used by admission. create is only
// called when a new Client is actually registered. On a reconnect, reattach
// runs under the registry lock, so it cannot interleave with Detach.
func (r *Registry) Claim(id, token string, limit int, create func() *core.Client, reattach func(*core.Client)) (*core.Client, ClaimResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.clients[id]; ok {
		if c.Token() != token {
			return c, ClaimTaken
		}
		if reattach != nil {
			reattach(c)
		}
		return c, ClaimReconnect
	}
	if len(r.clients) >= limit {
		return nil, ClaimFull
	}
	c := create()
	r.clients[id] = c
	log.Info().Str("module", "app.registry").Str("id", id).Int64("node", c.NodeID()).Msg("registered client")
	return c, ClaimCreated
}

func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.clients[id]; !ok {
		return false
	}
	delete(r.clients, id)
	log.Info().Str("module", "app.registry").Str("id", id).Msg("removed client")
	return true
}

// Detach unregisters c while it is still the entry for its id and sock is
// still its socket. A nil sock matches a client whose socket is already gone.
func (r *Registry) Detach(c *core.Client, sock core.Socket) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.clients[c.ID()]; !ok || cur != c {
		return false
	}
	if !c.DetachSocket(sock) {
		return false
	}
	delete(r.clients, c.ID())
	log.Info().Str("module", "app.registry").Str("id", c.ID()).Msg("removed client")
	return true
}

// IDs returns a snapshot of the registered ids.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.clients))
	for id := range r.clients {
		out = append(out, id)
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// Enqueue buffers frames for id. It reports false, buffering nothing,
// when the buffer would grow past the configured cap.
func (r *Registry) Enqueue(id string, frames ...core.Frame) bool {
	r.outMu.Lock()
	defer r.outMu.Unlock()
	q := r.outbox[id]
	if len(q)+len(frames) > r.outboxLimit {
		return false
	}
	r.outbox[id] = append(q, frames...)
	return true
}

// Drain writes the frames buffered for id and then frames to sock. Whatever
// sock refuses with core.ErrBackpressure stays buffered, oldest first, and
// buffered reports true. errOutboxFull means the remainder does not fit.
func (r *Registry) Drain(id string, sock core.Socket, frames ...core.Frame) (buffered bool, err error) {
	r.outMu.Lock()
	defer r.outMu.Unlock()

	pending := make([]core.Frame, 0, len(r.outbox[id])+len(frames))
	pending = append(pending, r.outbox[id]...)
	pending = append(pending, frames...)
	delete(r.outbox, id)

	for i, f := range pending {
		err := sock.Send(f)
		if errors.Is(err, core.ErrBackpressure) {
			rest := pending[i:]
			if len(rest) > r.outboxLimit {
				return false, errOutboxFull
			}
			r.outbox[id] = rest
			return true, nil
		}
		if err != nil {
			return false, err
		}
	}
	return false, nil
}

func (r *Registry) OutboxLen(id string) int {
	r.outMu.Lock()
	defer r.outMu.Unlock()
	return len(r.outbox[id])
}

func (r *Registry) ClearOutbox(id string) {
	r.outMu.Lock()
	defer r.outMu.Unlock()
	delete(r.outbox, id)
}
