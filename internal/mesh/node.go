package mesh

import (
	"context"
	"log/slog"
	"time"

	"github.com/hivemesh/hivemesh/internal/discovery"
	"github.com/hivemesh/hivemesh/internal/pool"
	"github.com/hivemesh/hivemesh/internal/proto"
	"github.com/hivemesh/hivemesh/internal/transport"
)

// DefaultAdvertiseInterval is how often the routing table is broadcast to
// direct peers.
const DefaultAdvertiseInterval = 30 * time.Second

// NodeConfig configures a mesh node.
type NodeConfig struct {
	ID   proto.PeerID
	Addr string // local QUIC listen address, ":0" for any port

	AdvertiseInterval time.Duration
	DisableDiscovery  bool // set true to skip mDNS (e.g. in containers)

	Pool  pool.Config
	Relay Config // LocalID and OnDeliver are set by NewNode

	// OnMessage receives payloads whose destination is this node.
	OnMessage func(src proto.PeerID, payload []byte)
}

// Node is a hivemesh peer: QUIC server, mDNS discovery, relay and pool wired
// together.
type Node struct {
	relay  *Relay
	pool   *pool.Pool
	tr     *transport.QUICTransport
	server *transport.Server
	disc   *discovery.Discovery
	cancel context.CancelFunc
	done   chan struct{}
}

// NewNode starts a mesh node
func NewNode(ctx context.Context, cfg NodeConfig) (*Node, error) {
	if cfg.AdvertiseInterval <= 0 {
		cfg.AdvertiseInterval = DefaultAdvertiseInterval
	}
	ctx, cancel := context.WithCancel(ctx)

	n := &Node{
		tr:     transport.NewQUIC(),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	n.pool = pool.New(n.tr, cfg.Pool)

	relayCfg := cfg.Relay
	relayCfg.LocalID = cfg.ID
	relayCfg.OnDeliver = func(msg *proto.MeshMessage) {
		if cfg.OnMessage != nil {
			cfg.OnMessage(msg.SourcePeerID, msg.Payload)
		}
	}
	n.relay = New(n.pool, relayCfg)

	server, err := transport.ListenQUIC(ctx, cfg.Addr, func(c *transport.QUICConn) {
		n.handleConn(ctx, c)
	})
	if err != nil {
		cancel()
		n.relay.Stop()
		n.pool.Stop()
		return nil, err
	}
	n.server = server

	if !cfg.DisableDiscovery {
		port := 0
		if addr := server.LocalAddr(); addr != "" {
			_, port, _ = discovery.ParseAddr(addr)
		}
		n.disc, err = discovery.New(string(cfg.ID), port, n.onPeerEvent(ctx))
		if err != nil {
			cancel()
			server.Close()
			n.relay.Stop()
			n.pool.Stop()
			return nil, err
		}
	}

	go n.advertiseLoop(ctx, cfg.AdvertiseInterval)
	return n, nil
}

// Relay exposes the routing engine for direct use (stats, manual peers).
func (n *Node) Relay() *Relay { return n.relay }

// Transport exposes the peer address book.
func (n *Node) Transport() *transport.QUICTransport { return n.tr }

// Addr returns the local QUIC listen address
func (n *Node) Addr() string {
	return n.server.LocalAddr()
}

func (n *Node) handleConn(ctx context.Context, c *transport.QUICConn) {
	defer c.Close()
	for {
		var f proto.Frame
		if err := c.Recv(&f); err != nil {
			return
		}
		n.relay.HandleFrame(ctx, &f)
	}
}

// onPeerEvent turns discovery events into direct-peer registration. Latency
// for the new edge is measured with one pooled ping round.
func (n *Node) onPeerEvent(ctx context.Context) func(discovery.Event) {
	return func(e discovery.Event) {
		peer := proto.PeerID(e.Peer.Name)
		if peer == n.relay.LocalID() {
			return
		}
		if e.Down {
			n.tr.RemovePeerAddr(peer)
			n.relay.RemoveDirectPeer(peer)
			return
		}
		n.tr.SetPeerAddr(peer, e.Peer.Addr)
		go func() {
			latency := n.measureLatency(ctx, peer)
			n.relay.AddDirectPeer(ctx, peer, latency)
		}()
	}
}

func (n *Node) measureLatency(ctx context.Context, peer proto.PeerID) float64 {
	start := time.Now()
	c, err := n.pool.Acquire(ctx, peer)
	if err != nil {
		slog.Debug("latency probe failed", "peer", peer, "err", err)
		return 0
	}
	c.Raw.Ping(ctx)
	n.pool.Release(peer, c)
	return float64(time.Since(start).Milliseconds())
}

func (n *Node) advertiseLoop(ctx context.Context, interval time.Duration) {
	defer close(n.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.relay.BroadcastAdvertisement(ctx)
		}
	}
}

// Close shuts down the node
func (n *Node) Close() error {
	n.cancel()
	<-n.done
	if n.disc != nil {
		n.disc.Close()
	}
	if n.server != nil {
		_ = n.server.Close()
	}
	n.relay.Stop()
	n.pool.Stop()
	return nil
}
