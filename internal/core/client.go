package core

import (
	"sync"
	"sync/atomic"
	"time"
)

// Client is one admitted signaling connection.
// The socket is swapped on reconnect and nulled on teardown.
type Client struct {
	id      string
	token   string
	nodeID  int64
	session string

	mu     sync.RWMutex
	socket Socket

	lastHeartbeat atomic.Int64
}

func NewClient(id, token string, nodeID int64, session string, now time.Time) *Client {
	c := &Client{
		id:      id,
		token:   token,
		nodeID:  nodeID,
		session: session,
	}
	c.lastHeartbeat.Store(now.UnixNano())
	return c
}

func (c *Client) ID() string      { return c.id }
func (c *Client) Token() string   { return c.token }
func (c *Client) NodeID() int64   { return c.nodeID }
func (c *Client) Session() string { return c.session }

func (c *Client) Socket() Socket {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.socket
}

// SetSocket replaces the transport and returns the previous one.
func (c *Client) SetSocket(s Socket) Socket {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.socket
	c.socket = s
	return prev
}

// DetachSocket nulls the socket only if it is still s.
func (c *Client) DetachSocket(s Socket) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.socket != s {
		return false
	}
	c.socket = nil
	return true
}

// Touch records inbound activity. Timestamps never go backwards and two
// touches never record the same instant.
func (c *Client) Touch(now time.Time) {
	n := now.UnixNano()
	for {
		prev := c.lastHeartbeat.Load()
		next := n
		if next <= prev {
			next = prev + 1
		}
		if c.lastHeartbeat.CompareAndSwap(prev, next) {
			return
		}
	}
}

func (c *Client) LastHeartbeat() time.Time {
	return time.Unix(0, c.lastHeartbeat.Load())
}
