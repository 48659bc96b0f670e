package app

import (
	"context"
	"testing"
	"time"

	"github.com/dkeye/Signal/internal/core"
)

func reconnect(r *Registry, c *core.Client, sock core.Socket, now time.Time) (core.Socket, ClaimResult) {
	var prev core.Socket
	_, res := r.Claim(c.ID(), c.Token(), 10, func() *core.Client {
		n := core.NewClient(c.ID(), c.Token(), c.NodeID(), c.Session(), now)
		n.SetSocket(sock)
		return n
	}, func(c *core.Client) {
		c.Touch(now)
		prev = c.SetSocket(sock)
	})
	return prev, res
}

func TestTeardown_StaleCloseAfterReconnect(t *testing.T) {
	f := newFixture("x")
	old, fresh := &fakeSocket{}, &fakeSocket{}
	c := f.add("a", 1, old)

	if _, res := reconnect(f.registry, c, fresh, time.Now()); res != ClaimReconnect {
		t.Fatalf("result=%v, want reconnect", res)
	}
	if f.teardown.Closed(context.Background(), c, old) {
		t.Fatalf("stale close released the client")
	}
	if cur, ok := f.registry.Get("a"); !ok || cur != c || c.Socket() != core.Socket(fresh) {
		t.Fatalf("reconnected client lost")
	}
	if id, _ := f.directory.get(1); id != "a" {
		t.Fatalf("directory=%q, want a", id)
	}
	if len(f.closed) != 0 {
		t.Fatalf("closed=%v, want none", f.closed)
	}
}

func TestTeardown_ReconnectAfterCloseCreatesFreshEntry(t *testing.T) {
	f := newFixture("x")
	old, fresh := &fakeSocket{}, &fakeSocket{}
	c := f.add("a", 1, old)

	if !f.teardown.Closed(context.Background(), c, old) {
		t.Fatalf("close not released")
	}
	prev, res := reconnect(f.registry, c, fresh, time.Now())
	if res != ClaimCreated || prev != nil {
		t.Fatalf("result=%v prev=%v, want created", res, prev)
	}
	cur, ok := f.registry.Get("a")
	if !ok || cur == c || cur.Socket() != core.Socket(fresh) {
		t.Fatalf("fresh entry missing or reused")
	}
	if c.Socket() != nil {
		t.Fatalf("released client kept a socket")
	}
}

func TestTeardown_ReleaseLeavesSocketToCaller(t *testing.T) {
	f := newFixture("x")
	sock := &fakeSocket{}
	c := f.add("a", 1, sock)
	f.registry.Enqueue("a", core.Frame("x"))

	if !f.teardown.Release(context.Background(), c) {
		t.Fatalf("release failed")
	}
	if f.teardown.Release(context.Background(), c) {
		t.Fatalf("second release reported true")
	}
	if sock.isClosed() {
		t.Fatalf("Release closed the socket")
	}
	if f.registry.OutboxLen("a") != 0 {
		t.Fatalf("outbox kept")
	}
	if len(f.closed) != 1 {
		t.Fatalf("closed=%v, want one callback", f.closed)
	}
}
