// Package client provides the hivemesh developer SDK: a simple API to send
// mesh messages with channel-based delivery and context.Context for timeouts.
package client

import (
	"context"
	"errors"
	"sync"

	"github.com/hivemesh/hivemesh/internal/crypto"
	"github.com/hivemesh/hivemesh/internal/mesh"
	"github.com/hivemesh/hivemesh/internal/proto"
)

const (
	// DefaultMessageBuffer is the buffer size for the Messages() channel.
	DefaultMessageBuffer = 64
)

// ErrClosed is returned when using a client after Close.
var ErrClosed = errors.New("client closed")

// ReceivedMessage is a message delivered to this peer.
type ReceivedMessage struct {
	Source  proto.PeerID
	Payload []byte
}

// Config configures the hivemesh client.
type Config struct {
	// Addr is the local QUIC listen address (e.g. ":0" for any port).
	Addr string
	// NodeID identifies this peer on the mesh (e.g. "sensor-1").
	NodeID string
	// DisableDiscovery disables mDNS (set true in containers or tests).
	DisableDiscovery bool
	// MessageBuffer sets the capacity of Messages() channel; 0 uses DefaultMessageBuffer.
	MessageBuffer int
}

// Client is the developer-facing mesh peer. Use Send and read from Messages().
type Client struct {
	node   *mesh.Node
	keys   *crypto.KeyPair
	msgs   chan ReceivedMessage
	closed bool
	mu     sync.Mutex
}

// New creates a new client and starts its node.
func New(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Addr == "" {
		cfg.Addr = ":0"
	}
	buf := cfg.MessageBuffer
	if buf <= 0 {
		buf = DefaultMessageBuffer
	}
	keys, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	msgs := make(chan ReceivedMessage, buf)
	node, err := mesh.NewNode(ctx, mesh.NodeConfig{
		ID:               proto.PeerID(cfg.NodeID),
		Addr:             cfg.Addr,
		DisableDiscovery: cfg.DisableDiscovery,
		OnMessage: func(src proto.PeerID, payload []byte) {
			select {
			case msgs <- ReceivedMessage{Source: src, Payload: payload}:
			default:
				// channel full; drop
			}
		},
	})
	if err != nil {
		return nil, err
	}
	return &Client{node: node, keys: keys, msgs: msgs}, nil
}

// Send delivers payload to dest, relaying through intermediate peers when
// necessary. The return value reports whether a route existed and forwarding
// was attempted, not that the message arrived.
func (c *Client) Send(ctx context.Context, dest proto.PeerID, payload []byte) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false, ErrClosed
	}
	return c.node.Relay().SendMessage(ctx, dest, payload), nil
}

// SendSealed is Send with the payload end-to-end encrypted for recipientPub.
// The relay and every intermediate hop only see ciphertext.
func (c *Client) SendSealed(ctx context.Context, dest proto.PeerID, payload []byte, recipientPub *[crypto.PublicKeySize]byte) (bool, error) {
	sealed, err := crypto.Seal(payload, recipientPub, c.keys.Private)
	if err != nil {
		return false, err
	}
	return c.Send(ctx, dest, sealed)
}

// Unseal decrypts a sealed payload received from senderPub.
func (c *Client) Unseal(payload []byte, senderPub *[crypto.PublicKeySize]byte) ([]byte, bool) {
	return crypto.Open(payload, senderPub, c.keys.Private)
}

// Messages returns the channel of received messages. Read until the client is closed.
func (c *Client) Messages() <-chan ReceivedMessage {
	return c.msgs
}

// PublicKey returns this client's public key (hex for sharing with senders).
func (c *Client) PublicKey() *[crypto.PublicKeySize]byte {
	return c.keys.Public
}

// Node exposes the underlying mesh node (stats, manual peers).
func (c *Client) Node() *mesh.Node {
	return c.node
}

// Addr returns the local QUIC listen address.
func (c *Client) Addr() string {
	return c.node.Addr()
}

// Close shuts down the client and closes the Messages() channel.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	err := c.node.Close()
	close(c.msgs)
	return err
}
