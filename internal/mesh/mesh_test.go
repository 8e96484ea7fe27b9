package mesh

// Multi-peer scenarios over the in-memory transport: several relays wired
// into a topology, frames delivered synchronously between them.

import (
	"context"
	"testing"
	"time"

	"github.com/hivemesh/hivemesh/internal/pool"
	"github.com/hivemesh/hivemesh/internal/proto"
	"github.com/hivemesh/hivemesh/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memPeer struct {
	relay     *Relay
	delivered chan *proto.MeshMessage
}

func newMemPeer(t *testing.T, net *transport.MemNetwork, id proto.PeerID) *memPeer {
	t.Helper()
	delivered := make(chan *proto.MeshMessage, 8)
	p := pool.New(net.Transport(id), pool.Config{})
	r := New(p, Config{
		LocalID:   id,
		OnDeliver: func(m *proto.MeshMessage) { delivered <- m },
	})
	net.Attach(id, func(from proto.PeerID, f *proto.Frame) {
		r.HandleFrame(context.Background(), f)
	})
	t.Cleanup(func() {
		net.Detach(id)
		r.Stop()
		p.Stop()
	})
	return &memPeer{relay: r, delivered: delivered}
}

func connect(ctx context.Context, a, b *memPeer) {
	a.relay.AddDirectPeer(ctx, b.relay.LocalID(), 1)
	b.relay.AddDirectPeer(ctx, a.relay.LocalID(), 1)
}

func TestChainDeliveryViaDiscovery(t *testing.T) {
	ctx := context.Background()
	net := transport.NewMemNetwork()
	a := newMemPeer(t, net, "A")
	b := newMemPeer(t, net, "B")
	c := newMemPeer(t, net, "C")
	connect(ctx, a, b)
	connect(ctx, b, c)

	// A cannot reach C yet: the send queues, the route request reaches B,
	// B answers with an advertisement and the queued message is retried.
	ok := a.relay.SendMessage(ctx, "C", []byte(`{"n":1}`))
	assert.False(t, ok)

	select {
	case m := <-c.delivered:
		assert.Equal(t, proto.PeerID("A"), m.SourcePeerID)
		assert.Equal(t, []byte(`{"n":1}`), []byte(m.Payload))
		// one relaying hop (B) consumed exactly one TTL unit
		assert.Equal(t, DefaultMaxTTL-1, m.TTL)
		assert.Equal(t, []proto.PeerID{"A", "B"}, m.RouteHistory)
	case <-time.After(2 * time.Second):
		t.Fatal("message never delivered through the chain")
	}

	assert.Equal(t, []proto.PeerID{"A", "B", "C"}, a.relay.RouteTo("C"))
	assert.Equal(t, 0, a.relay.Stats().PendingMessages)

	// the next send has a route immediately
	assert.True(t, a.relay.SendMessage(ctx, "C", []byte(`{"n":2}`)))
	select {
	case m := <-c.delivered:
		assert.Equal(t, []byte(`{"n":2}`), []byte(m.Payload))
	case <-time.After(2 * time.Second):
		t.Fatal("second message never delivered")
	}
}

func TestRingDoesNotCycleForever(t *testing.T) {
	ctx := context.Background()
	net := transport.NewMemNetwork()
	a := newMemPeer(t, net, "A")
	b := newMemPeer(t, net, "B")
	c := newMemPeer(t, net, "C")
	connect(ctx, a, b)
	connect(ctx, b, c)
	connect(ctx, c, a)

	// force a routing loop for an unknown destination Z
	for relay, via := range map[*Relay]proto.PeerID{
		a.relay: "B",
		b.relay: "C",
		c.relay: "A",
	} {
		relay.mu.Lock()
		relay.routes["Z"] = []proto.PeerID{via}
		relay.mu.Unlock()
	}

	// the message circles A -> B -> C -> A, where the seen cache kills it
	assert.True(t, a.relay.SendMessage(ctx, "Z", []byte(`1`)))

	assert.Equal(t, uint64(1), a.relay.Stats().MessagesDropped)
	assert.Equal(t, uint64(1), b.relay.Stats().MessagesRelayed)
	assert.Equal(t, uint64(1), c.relay.Stats().MessagesRelayed)
	select {
	case <-a.delivered:
		t.Fatal("looping message must not be delivered")
	default:
	}
}

func TestAdvertisementBroadcastConverges(t *testing.T) {
	ctx := context.Background()
	net := transport.NewMemNetwork()
	a := newMemPeer(t, net, "A")
	b := newMemPeer(t, net, "B")
	c := newMemPeer(t, net, "C")
	connect(ctx, a, b)
	connect(ctx, b, c)

	// B broadcasts its table: A learns C, C learns A
	b.relay.BroadcastAdvertisement(ctx)

	require.Equal(t, []proto.PeerID{"A", "B", "C"}, a.relay.RouteTo("C"))
	require.Equal(t, []proto.PeerID{"C", "B", "A"}, c.relay.RouteTo("A"))

	assert.True(t, a.relay.SendMessage(ctx, "C", []byte(`hi`)))
	select {
	case <-c.delivered:
	case <-time.After(2 * time.Second):
		t.Fatal("message never delivered after convergence")
	}
}

func TestPeerLossBreaksLearnedRoutes(t *testing.T) {
	ctx := context.Background()
	net := transport.NewMemNetwork()
	a := newMemPeer(t, net, "A")
	b := newMemPeer(t, net, "B")
	c := newMemPeer(t, net, "C")
	connect(ctx, a, b)
	connect(ctx, b, c)

	b.relay.BroadcastAdvertisement(ctx)
	require.NotNil(t, a.relay.RouteTo("C"))

	// losing B tears down everything A reached through it
	a.relay.RemoveDirectPeer("B")
	assert.Nil(t, a.relay.RouteTo("C"))
	assert.Nil(t, a.relay.RouteTo("B"))
	assert.False(t, a.relay.SendMessage(ctx, "C", []byte(`1`)))
}
