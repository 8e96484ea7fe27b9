package transport

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/hivemesh/hivemesh/internal/proto"
)

// MemNetwork wires in-process peers together without sockets: each attached
// peer registers a frame handler, and connections deliver frames straight to
// it. Used by tests and examples.
type MemNetwork struct {
	mu       sync.Mutex
	handlers map[proto.PeerID]func(from proto.PeerID, f *proto.Frame)
}

// NewMemNetwork creates an empty in-memory network.
func NewMemNetwork() *MemNetwork {
	return &MemNetwork{handlers: make(map[proto.PeerID]func(proto.PeerID, *proto.Frame))}
}

// Attach registers a peer's inbound frame handler.
func (n *MemNetwork) Attach(peer proto.PeerID, handler func(from proto.PeerID, f *proto.Frame)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers[peer] = handler
}

// Detach makes a peer unreachable.
func (n *MemNetwork) Detach(peer proto.PeerID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.handlers, peer)
}

func (n *MemNetwork) handler(peer proto.PeerID) (func(proto.PeerID, *proto.Frame), bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	h, ok := n.handlers[peer]
	return h, ok
}

// Transport returns the Transport view of this network for one local peer.
func (n *MemNetwork) Transport(local proto.PeerID) Transport {
	return &memTransport{net: n, local: local}
}

type memTransport struct {
	net   *MemNetwork
	local proto.PeerID
}

func (t *memTransport) CreateConnection(ctx context.Context, peer proto.PeerID) (Conn, error) {
	if _, ok := t.net.handler(peer); !ok {
		return nil, fmt.Errorf("%w: %s", ErrPeerUnknown, peer)
	}
	return &memConn{net: t.net, local: t.local, remote: peer}, nil
}

type memConn struct {
	net    *MemNetwork
	local  proto.PeerID
	remote proto.PeerID
	mu     sync.Mutex
	closed bool
}

// Send delivers the frame to the remote handler. The frame is round-tripped
// through the codec so the receiver never aliases the sender's message.
func (c *memConn) Send(f *proto.Frame) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return fmt.Errorf("mem: connection to %s closed", c.remote)
	}
	h, ok := c.net.handler(c.remote)
	if !ok {
		return fmt.Errorf("%w: %s", ErrPeerUnknown, c.remote)
	}
	var buf bytes.Buffer
	if err := f.Encode(&buf); err != nil {
		return err
	}
	var copied proto.Frame
	if err := copied.Decode(&buf); err != nil {
		return err
	}
	h(c.local, &copied)
	return nil
}

func (c *memConn) Ping(ctx context.Context) bool {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return false
	}
	_, ok := c.net.handler(c.remote)
	return ok
}

func (c *memConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}
