package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dkeye/Signal/internal/core"
)

func TestReaper_TimeoutBoundary(t *testing.T) {
	const timeout = 90 * time.Second
	now := time.Unix(10_000, 0)
	f := newFixture("x")

	freshSock, staleSock := &fakeSocket{}, &fakeSocket{}
	fresh := core.NewClient("fresh", "t", 1, "s", now.Add(-(timeout - time.Millisecond)))
	fresh.SetSocket(freshSock)
	stale := core.NewClient("stale", "t", 2, "s", now.Add(-timeout))
	stale.SetSocket(staleSock)
	for _, c := range []*core.Client{fresh, stale} {
		f.registry.Set(c)
		_ = f.directory.BindNode(context.Background(), c.NodeID(), c.ID())
	}
	f.registry.Enqueue("stale", core.Frame("pending"))

	r := &Reaper{
		Registry:     f.registry,
		Teardown:     f.teardown,
		AliveTimeout: timeout,
		Now:          func() time.Time { return now },
	}
	if n := r.Sweep(context.Background()); n != 1 {
		t.Fatalf("evicted=%d, want 1", n)
	}

	if _, ok := f.registry.Get("fresh"); !ok || freshSock.isClosed() {
		t.Fatalf("fresh connection touched")
	}
	if _, ok := f.registry.Get("stale"); ok {
		t.Fatalf("stale connection kept")
	}
	if !staleSock.isClosed() || stale.Socket() != nil {
		t.Fatalf("stale socket closed=%v nil=%v", staleSock.isClosed(), stale.Socket() == nil)
	}
	if f.registry.OutboxLen("stale") != 0 {
		t.Fatalf("stale outbox kept")
	}
	if _, ok := f.directory.get(2); ok {
		t.Fatalf("stale directory entry kept")
	}
	if len(f.closed) != 1 || f.closed[0] != "stale" {
		t.Fatalf("closed=%v, want [stale]", f.closed)
	}
}

func TestReaper_KeepsNewerDirectoryBinding(t *testing.T) {
	now := time.Unix(10_000, 0)
	f := newFixture("x")
	old := core.NewClient("old", "t", 5, "s", now.Add(-time.Hour))
	f.registry.Set(old)
	// A faster reconnect on another instance already rebound node 5.
	_ = f.directory.BindNode(context.Background(), 5, "newer")

	r := &Reaper{Registry: f.registry, Teardown: f.teardown, AliveTimeout: time.Minute, Now: func() time.Time { return now }}
	r.Sweep(context.Background())

	if got, _ := f.directory.get(5); got != "newer" {
		t.Fatalf("directory=%q, want newer", got)
	}
}

func TestReaper_DirectoryErrorDoesNotAbortSweep(t *testing.T) {
	now := time.Unix(10_000, 0)
	f := newFixture("x")
	f.directory.err = errors.New("redis down")
	for _, id := range []string{"a", "b", "c"} {
		f.registry.Set(core.NewClient(id, "t", 1, "s", now.Add(-time.Hour)))
	}

	r := &Reaper{Registry: f.registry, Teardown: f.teardown, AliveTimeout: time.Minute, Now: func() time.Time { return now }}
	if n := r.Sweep(context.Background()); n != 3 {
		t.Fatalf("evicted=%d, want 3", n)
	}
	if f.registry.Len() != 0 {
		t.Fatalf("len=%d, want 0", f.registry.Len())
	}
}

func TestReaper_RunStopsOnCancel(t *testing.T) {
	f := newFixture("x")
	f.registry.Set(core.NewClient("a", "t", 1, "s", time.Now().Add(-time.Hour)))

	r := &Reaper{Registry: f.registry, Teardown: f.teardown, AliveTimeout: time.Minute, Interval: 5 * time.Millisecond}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for f.registry.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("reaper never swept")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not stop")
	}
}

func TestReaper_ReconnectBeforeEvictionWins(t *testing.T) {
	now := time.Unix(10_000, 0)
	f := newFixture("x")
	old, fresh := &fakeSocket{}, &fakeSocket{}
	c := core.NewClient("a", "t", 1, "s", now.Add(-time.Hour))
	c.SetSocket(old)
	f.registry.Set(c)
	_ = f.directory.BindNode(context.Background(), 1, "a")

	r := &Reaper{Registry: f.registry, Teardown: f.teardown, AliveTimeout: time.Minute, Now: func() time.Time { return now }}

	// judged stale on old, then rewired before the eviction lands
	seen := c.Socket()
	if _, res := reconnect(f.registry, c, fresh, now); res != ClaimReconnect {
		t.Fatalf("result=%v, want reconnect", res)
	}
	if r.evict(context.Background(), c, seen) {
		t.Fatalf("evicted a reconnected client")
	}
	if cur, ok := f.registry.Get("a"); !ok || cur.Socket() != core.Socket(fresh) {
		t.Fatalf("client lost its fresh socket")
	}
	if fresh.isClosed() {
		t.Fatalf("fresh socket closed")
	}
	if id, _ := f.directory.get(1); id != "a" {
		t.Fatalf("directory=%q, want a", id)
	}
	if n := r.Sweep(context.Background()); n != 0 {
		t.Fatalf("sweep evicted %d after reconnect", n)
	}
}

func TestReaper_EvictionBeforeReconnectCreatesFreshEntry(t *testing.T) {
	now := time.Unix(10_000, 0)
	f := newFixture("x")
	old, fresh := &fakeSocket{}, &fakeSocket{}
	c := core.NewClient("a", "t", 1, "s", now.Add(-time.Hour))
	c.SetSocket(old)
	f.registry.Set(c)

	r := &Reaper{Registry: f.registry, Teardown: f.teardown, AliveTimeout: time.Minute, Now: func() time.Time { return now }}
	if n := r.Sweep(context.Background()); n != 1 {
		t.Fatalf("evicted=%d, want 1", n)
	}
	if _, res := reconnect(f.registry, c, fresh, now); res != ClaimCreated {
		t.Fatalf("result=%v, want created", res)
	}
	if cur, ok := f.registry.Get("a"); !ok || cur == c || fresh.isClosed() {
		t.Fatalf("fresh connection not registered as a new entry")
	}
}
