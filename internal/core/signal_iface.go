package core

//go:generate mockgen -destination=mock_core/socket.go -package=mock_core . Socket

import "errors"

// Frame is one serialized signaling message.
type Frame []byte

var (
	ErrSocketClosed = errors.New("socket closed")
	ErrBackpressure = errors.New("backpressure")
)

// Socket abstracts the signaling transport.
// Owned by the adapter; Send must not block on network I/O.
type Socket interface {
	Send(Frame) error
	Close() error
}
