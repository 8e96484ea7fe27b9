package transport

import (
	"context"
	"testing"

	"github.com/hivemesh/hivemesh/internal/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemDeliversCopies(t *testing.T) {
	net := NewMemNetwork()
	var got *proto.Frame
	net.Attach("b", func(from proto.PeerID, f *proto.Frame) {
		assert.Equal(t, proto.PeerID("a"), from)
		got = f
	})

	c, err := net.Transport("a").CreateConnection(context.Background(), "b")
	require.NoError(t, err)

	msg := proto.NewMeshMessage("a", "b", []byte(`{"x":1}`), 3)
	require.NoError(t, c.Send(&proto.Frame{Type: proto.FrameTypeMessage, Message: msg}))
	require.NotNil(t, got)
	assert.Equal(t, msg.MessageID, got.Message.MessageID)

	// the receiver must not alias the sender's message
	got.Message.TTL = 0
	assert.Equal(t, 3, msg.TTL)
}

func TestMemUnknownPeer(t *testing.T) {
	net := NewMemNetwork()
	_, err := net.Transport("a").CreateConnection(context.Background(), "nowhere")
	assert.ErrorIs(t, err, ErrPeerUnknown)
}

func TestMemDetach(t *testing.T) {
	net := NewMemNetwork()
	net.Attach("b", func(proto.PeerID, *proto.Frame) {})

	c, err := net.Transport("a").CreateConnection(context.Background(), "b")
	require.NoError(t, err)
	assert.True(t, c.Ping(context.Background()))

	net.Detach("b")
	assert.False(t, c.Ping(context.Background()))
	assert.Error(t, c.Send(&proto.Frame{Type: proto.FrameTypePing}))
}

func TestMemClosedConn(t *testing.T) {
	net := NewMemNetwork()
	net.Attach("b", func(proto.PeerID, *proto.Frame) {})

	c, err := net.Transport("a").CreateConnection(context.Background(), "b")
	require.NoError(t, err)
	require.NoError(t, c.Close())
	assert.False(t, c.Ping(context.Background()))
	assert.Error(t, c.Send(&proto.Frame{Type: proto.FrameTypePing}))
}
