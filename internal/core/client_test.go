package core

import (
	"testing"
	"time"
)

type nopSocket struct{ _ int }

func (*nopSocket) Send(Frame) error { return nil }
func (*nopSocket) Close() error     { return nil }

func TestClient_TouchStrictlyIncreases(t *testing.T) {
	base := time.Unix(1000, 0)
	c := NewClient("a", "tok", 7, "s", base)

	c.Touch(base)
	first := c.LastHeartbeat()
	if !first.After(base) {
		t.Fatalf("touch at same instant did not advance: %v", first)
	}

	c.Touch(base.Add(-time.Second))
	if !c.LastHeartbeat().After(first) {
		t.Fatalf("touch in the past went backwards")
	}

	later := base.Add(time.Minute)
	c.Touch(later)
	if !c.LastHeartbeat().Equal(later) {
		t.Fatalf("last=%v, want %v", c.LastHeartbeat(), later)
	}
}

func TestClient_DetachSocketChecksIdentity(t *testing.T) {
	c := NewClient("a", "tok", 7, "s", time.Now())
	oldSock, newSock := &nopSocket{}, &nopSocket{}

	c.SetSocket(oldSock)
	if prev := c.SetSocket(newSock); prev != oldSock {
		t.Fatalf("SetSocket returned %v, want old socket", prev)
	}
	if c.DetachSocket(oldSock) {
		t.Fatalf("stale socket detached the live one")
	}
	if c.Socket() != newSock {
		t.Fatalf("socket changed by stale detach")
	}
	if !c.DetachSocket(newSock) || c.Socket() != nil {
		t.Fatalf("live socket not detached")
	}
}
