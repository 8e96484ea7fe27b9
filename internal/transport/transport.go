// Package transport abstracts how raw peer connections are created. The relay
// and pool only see the Transport and Conn interfaces; concrete adapters are
// selected when the node is constructed.
package transport

import (
	"context"
	"errors"

	"github.com/hivemesh/hivemesh/internal/proto"
)

// ErrPeerUnknown is returned when no address (or handler) is known for a peer.
var ErrPeerUnknown = errors.New("transport: unknown peer")

// Transport creates connections to peers on demand.
type Transport interface {
	CreateConnection(ctx context.Context, peer proto.PeerID) (Conn, error)
}

// Conn is the capability surface of one peer connection: send a frame, check
// liveness within the context deadline, close.
type Conn interface {
	Send(f *proto.Frame) error
	Ping(ctx context.Context) bool
	Close() error
}
