package app

import (
	"context"
	"sync"
	"time"

	"github.com/dkeye/Signal/internal/core"
	"github.com/dkeye/Signal/internal/domain"
)

type fakeSocket struct {
	mu      sync.Mutex
	frames  []core.Frame
	sendErr error
	closed  bool
}

func (s *fakeSocket) Send(f core.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	s.frames = append(s.frames, f)
	return nil
}

func (s *fakeSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSocket) messages() []domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Message, 0, len(s.frames))
	for _, f := range s.frames {
		m, err := domain.DecodeMessage(f)
		if err != nil {
			panic(err)
		}
		out = append(out, m)
	}
	return out
}

func (s *fakeSocket) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type fakeDirectory struct {
	mu      sync.Mutex
	entries map[int64]string
	err     error
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{entries: make(map[int64]string)}
}

func (d *fakeDirectory) BindNode(_ context.Context, nodeID int64, connID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries[nodeID] = connID
	return nil
}

func (d *fakeDirectory) UnbindNode(_ context.Context, nodeID int64, connID string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return false, d.err
	}
	if d.entries[nodeID] != connID {
		return false, nil
	}
	delete(d.entries, nodeID)
	return true, nil
}

func (d *fakeDirectory) get(nodeID int64) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, ok := d.entries[nodeID]
	return v, ok
}

// memoryBus delivers every publication to every attached router.
type memoryBus struct {
	mu      sync.Mutex
	routers []*Router
}

func (b *memoryBus) attach(r *Router) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r.Bus = b
	b.routers = append(b.routers, r)
}

func (b *memoryBus) Publish(_ context.Context, env core.Envelope) error {
	b.mu.Lock()
	routers := append([]*Router(nil), b.routers...)
	b.mu.Unlock()
	for _, r := range routers {
		r.HandleBroadcast(env)
	}
	return nil
}

type fixture struct {
	registry  *Registry
	directory *fakeDirectory
	teardown  *Teardown
	router    *Router
	closed    []string
}

func newFixture(instance string) *fixture {
	f := &fixture{
		registry:  NewRegistry(4),
		directory: newFakeDirectory(),
	}
	f.teardown = &Teardown{
		Registry:  f.registry,
		Directory: f.directory,
		OnClose:   func(c *core.Client) { f.closed = append(f.closed, c.ID()) },
	}
	f.router = &Router{
		Registry: f.registry,
		Teardown: f.teardown,
		Instance: instance,
	}
	return f
}

func (f *fixture) add(id string, nodeID int64, sock core.Socket) *core.Client {
	c := core.NewClient(id, "tok-"+id, nodeID, "session", time.Now())
	c.SetSocket(sock)
	f.registry.Set(c)
	_ = f.directory.BindNode(context.Background(), nodeID, id)
	return c
}
