package core

import (
	"context"
	"errors"

	"github.com/dkeye/Signal/internal/domain"
)

// ErrBackendUnavailable marks a shared store failure, as opposed to a miss.
var ErrBackendUnavailable = errors.New("backend unavailable")

// SessionResolver answers the admission lookups. A miss is reported as
// found == false with a nil error.
type SessionResolver interface {
	ResolveUserID(ctx context.Context, userRef string) (userID int64, found bool, err error)
	ResolveNodeBinding(ctx context.Context, userID int64, clientRef, ip string) (nodeID int64, found bool, err error)
	SessionNodeList(ctx context.Context, sessionUUID string) (nodes []int64, found bool, err error)
	SessionOriginNode(ctx context.Context, nodeID int64) (sessionUUID string, found bool, err error)
	RecordPeer(ctx context.Context, sessionUUID string, nodeID int64, connID string) error
}

// NodeDirectory maps a node to the connection currently bound to it.
type NodeDirectory interface {
	BindNode(ctx context.Context, nodeID int64, connID string) error
	// UnbindNode deletes the entry only while it still equals connID.
	UnbindNode(ctx context.Context, nodeID int64, connID string) (bool, error)
}

// Envelope is what travels on the broadcast channel.
type Envelope struct {
	Origin  string         `json:"origin"`
	Message domain.Message `json:"message"`
}

type Broadcaster interface {
	Publish(ctx context.Context, env Envelope) error
}

// StateStore is the full distributed state surface an instance needs.
type StateStore interface {
	SessionResolver
	NodeDirectory
	Broadcaster
	Subscribe(ctx context.Context, onMessage func(Envelope)) error
}
