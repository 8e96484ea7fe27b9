// Package mesh implements the relay engine: a live routing table over a swarm
// of peers with no central coordinator. Messages reach peers that are not
// directly connected by hopping through intermediates; loops and duplicate
// deliveries are suppressed by a bounded seen-message cache, and TTL bounds
// worst-case relay amplification.
package mesh

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hivemesh/hivemesh/internal/pool"
	"github.com/hivemesh/hivemesh/internal/proto"
	"github.com/hivemesh/hivemesh/internal/telemetry"
	"github.com/jellydator/ttlcache/v3"
)

const (
	// DefaultMaxTTL is the hop budget for new messages.
	DefaultMaxTTL = 10

	DefaultSeenCacheSize = 4096
	DefaultSeenCacheTTL  = 10 * time.Minute

	// Best-hop score weights: hop count dominates latency, and low
	// reliability is penalized more than either.
	latencyWeight     = 1.0
	hopCountWeight    = 10.0
	reliabilityWeight = 50.0

	// Score assigned to a candidate with no recorded metrics. Worse than any
	// measured direct route.
	unknownRouteScore = 100.0

	maxHopCount = 1 << 30
)

// RouteMetrics is the measured quality of one routing edge (this peer to a
// specific next hop).
type RouteMetrics struct {
	LatencyMs    float64   `json:"latency_ms"`
	HopCount     int       `json:"hop_count"`
	Reliability  float64   `json:"reliability"`
	LastMeasured time.Time `json:"last_measured"`
}

// Defaults for advertised edges that carry no metrics.
const (
	defaultAdvertisedLatencyMs   = 100.0
	defaultAdvertisedReliability = 0.5
)

// Config tunes a Relay. Zero values fall back to the defaults above.
type Config struct {
	LocalID       proto.PeerID
	MaxTTL        int
	SeenCacheSize uint64
	SeenCacheTTL  time.Duration

	// OnDeliver is invoked for every message whose destination is this peer.
	OnDeliver func(*proto.MeshMessage)
}

// Relay owns the routing table, direct-peer set, seen-message cache and
// pending-route queue, and drives the send/receive/forward state machine.
// All mutable routing state is guarded by one mutex; the lock is never held
// across connection I/O.
type Relay struct {
	local proto.PeerID
	cfg   Config
	pool  *pool.Pool

	mu      sync.Mutex
	direct  map[proto.PeerID]struct{}
	routes  map[proto.PeerID][]proto.PeerID // dest -> candidate next hops
	metrics map[proto.PeerID]RouteMetrics   // next hop -> edge quality
	pending map[proto.PeerID][]*proto.MeshMessage
	seen    *ttlcache.Cache[string, struct{}]
	stopped bool

	relayed    atomic.Uint64
	delivered  atomic.Uint64
	dropped    atomic.Uint64
	discovered atomic.Uint64
}

// New creates a relay on top of a connection pool.
func New(p *pool.Pool, cfg Config) *Relay {
	if cfg.MaxTTL <= 0 {
		cfg.MaxTTL = DefaultMaxTTL
	}
	if cfg.SeenCacheSize == 0 {
		cfg.SeenCacheSize = DefaultSeenCacheSize
	}
	if cfg.SeenCacheTTL <= 0 {
		cfg.SeenCacheTTL = DefaultSeenCacheTTL
	}
	seen := ttlcache.New[string, struct{}](
		ttlcache.WithTTL[string, struct{}](cfg.SeenCacheTTL),
		ttlcache.WithCapacity[string, struct{}](cfg.SeenCacheSize),
		ttlcache.WithDisableTouchOnHit[string, struct{}](),
	)
	r := &Relay{
		local:   cfg.LocalID,
		cfg:     cfg,
		pool:    p,
		direct:  make(map[proto.PeerID]struct{}),
		routes:  make(map[proto.PeerID][]proto.PeerID),
		metrics: make(map[proto.PeerID]RouteMetrics),
		pending: make(map[proto.PeerID][]*proto.MeshMessage),
		seen:    seen,
	}
	go seen.Start()
	return r
}

// LocalID returns this peer's ID.
func (r *Relay) LocalID() proto.PeerID { return r.local }

// AddDirectPeer registers a 1-hop peer: installs its edge metrics with
// hop_count 1 and full reliability, and a direct routing-table entry.
// Idempotent; re-adding overwrites the metrics. Messages queued for the peer
// are retried.
func (r *Relay) AddDirectPeer(ctx context.Context, peer proto.PeerID, latencyMs float64) {
	r.mu.Lock()
	r.direct[peer] = struct{}{}
	r.metrics[peer] = RouteMetrics{
		LatencyMs:    latencyMs,
		HopCount:     1,
		Reliability:  1.0,
		LastMeasured: time.Now(),
	}
	r.routes[peer] = []proto.PeerID{peer}
	queued := r.takePendingLocked(peer)
	r.mu.Unlock()

	slog.Info("direct peer added", "peer", peer, "latency_ms", latencyMs)
	r.retry(ctx, queued)
}

// RemoveDirectPeer unregisters a 1-hop peer and invalidates every routing
// table entry that names it as a next hop. Destinations left with no
// candidates are dropped entirely.
func (r *Relay) RemoveDirectPeer(peer proto.PeerID) {
	r.mu.Lock()
	delete(r.direct, peer)
	delete(r.metrics, peer)
	for dest, hops := range r.routes {
		kept := hops[:0]
		for _, h := range hops {
			if h != peer {
				kept = append(kept, h)
			}
		}
		if len(kept) == 0 {
			delete(r.routes, dest)
		} else {
			r.routes[dest] = kept
		}
	}
	r.mu.Unlock()
	slog.Info("direct peer removed", "peer", peer)
}

// SendMessage originates a message with the default TTL. The return value
// reports whether a route existed and forwarding was attempted, not that the
// message was delivered.
func (r *Relay) SendMessage(ctx context.Context, dest proto.PeerID, payload []byte) bool {
	return r.SendMessageTTL(ctx, dest, payload, r.cfg.MaxTTL)
}

// SendMessageTTL is SendMessage with an explicit hop budget. Re-sending a
// message whose ID is still in the seen cache is treated as already sent.
// With no known route the message is queued and a route request is broadcast
// to all direct peers, fire-and-forget.
func (r *Relay) SendMessageTTL(ctx context.Context, dest proto.PeerID, payload []byte, ttl int) bool {
	return r.send(ctx, proto.NewMeshMessage(r.local, dest, payload, ttl))
}

func (r *Relay) send(ctx context.Context, msg *proto.MeshMessage) bool {
	r.mu.Lock()
	if r.seen.Has(msg.MessageID) {
		// already sent: do not queue a duplicate or re-broadcast discovery
		r.mu.Unlock()
		return true
	}
	r.seen.Set(msg.MessageID, struct{}{}, ttlcache.DefaultTTL)
	msg.RouteHistory = []proto.PeerID{r.local}
	hop, ok := r.selectNextHopLocked(msg.DestPeerID)
	if !ok {
		r.pending[msg.DestPeerID] = append(r.pending[msg.DestPeerID], msg)
		r.mu.Unlock()
		slog.Debug("no route, queued and requesting", "dest", msg.DestPeerID, "id", msg.MessageID)
		go r.broadcastRouteRequest(context.WithoutCancel(ctx), msg.DestPeerID)
		return false
	}
	r.mu.Unlock()

	return r.forward(ctx, msg, hop)
}

// ReceiveMessage processes an inbound message: TTL guard, duplicate
// suppression, then local delivery or forwarding. Returns true only when the
// message was for this peer.
func (r *Relay) ReceiveMessage(ctx context.Context, msg *proto.MeshMessage) bool {
	if msg == nil || msg.MessageID == "" {
		slog.Warn("dropping malformed message")
		r.drop(telemetry.DropMalformed)
		return false
	}
	if msg.TTL <= 0 {
		slog.Debug("dropping expired message", "id", msg.MessageID, "history", msg.RouteHistory)
		r.drop(telemetry.DropTTLExpired)
		return false
	}

	r.mu.Lock()
	if r.seen.Has(msg.MessageID) {
		r.mu.Unlock()
		slog.Debug("dropping duplicate", "id", msg.MessageID)
		r.drop(telemetry.DropDuplicate)
		return false
	}
	r.seen.Set(msg.MessageID, struct{}{}, ttlcache.DefaultTTL)

	if msg.DestPeerID == r.local {
		r.mu.Unlock()
		r.delivered.Add(1)
		telemetry.MessagesDelivered.Inc()
		if r.cfg.OnDeliver != nil {
			r.cfg.OnDeliver(msg)
		}
		return true
	}

	msg.TTL--
	msg.RouteHistory = append(msg.RouteHistory, r.local)
	hop, ok := r.selectNextHopLocked(msg.DestPeerID)
	r.mu.Unlock()

	if !ok {
		// Best-effort relay: no NACK back to the sender.
		slog.Debug("no route for relayed message", "dest", msg.DestPeerID, "id", msg.MessageID)
		r.drop(telemetry.DropNoRoute)
		return false
	}
	r.forward(ctx, msg, hop)
	return false
}

// HandleFrame dispatches one inbound wire frame. Unknown or malformed frames
// are dropped with a warning, never surfaced to the receive loop.
func (r *Relay) HandleFrame(ctx context.Context, f *proto.Frame) {
	switch f.Type {
	case proto.FrameTypeMessage:
		if f.Message == nil {
			slog.Warn("mesh_message frame without message")
			r.drop(telemetry.DropMalformed)
			return
		}
		r.ReceiveMessage(ctx, f.Message)
	case proto.FrameTypeRouteRequest:
		if f.RouteRequest != nil {
			r.HandleRouteRequest(ctx, f.RouteRequest)
		}
	case proto.FrameTypeAdvertisement:
		if f.Advertisement != nil {
			r.HandleAdvertisement(ctx, f.Advertisement)
		}
	case proto.FrameTypePing:
		// liveness probe, nothing to do
	default:
		slog.Warn("unknown frame type", "type", f.Type)
	}
}

// selectNextHopLocked picks the best candidate next hop for dest. A single
// candidate is used directly; multiple candidates are scored by edge metrics
// and the minimum wins. Callers hold r.mu.
func (r *Relay) selectNextHopLocked(dest proto.PeerID) (proto.PeerID, bool) {
	candidates := r.routes[dest]
	switch len(candidates) {
	case 0:
		return "", false
	case 1:
		return candidates[0], true
	}
	best := candidates[0]
	bestScore := r.scoreLocked(candidates[0])
	for _, c := range candidates[1:] {
		if s := r.scoreLocked(c); s < bestScore {
			best, bestScore = c, s
		}
	}
	return best, true
}

func (r *Relay) scoreLocked(hop proto.PeerID) float64 {
	m, ok := r.metrics[hop]
	if !ok {
		return unknownRouteScore
	}
	return m.LatencyMs*latencyWeight +
		float64(m.HopCount)*hopCountWeight +
		(1-m.Reliability)*reliabilityWeight
}

// forward delivers msg to the chosen next hop over a pooled connection. The
// connection is released whatever the send outcome; a failure drops the
// message with no retry and no alternate hop.
func (r *Relay) forward(ctx context.Context, msg *proto.MeshMessage, hop proto.PeerID) bool {
	c, err := r.pool.Acquire(ctx, hop)
	if err != nil {
		slog.Warn("forward failed: no connection", "hop", hop, "id", msg.MessageID, "err", err)
		r.drop(telemetry.DropForward)
		return false
	}
	err = c.Raw.Send(&proto.Frame{Type: proto.FrameTypeMessage, Message: msg})
	c.MessageCount++
	r.pool.Release(hop, c)
	if err != nil {
		slog.Warn("forward failed: send", "hop", hop, "id", msg.MessageID, "err", err)
		r.drop(telemetry.DropForward)
		return false
	}
	r.relayed.Add(1)
	telemetry.MessagesRelayed.Inc()
	return true
}

// broadcastRouteRequest asks every direct peer for a route to dest.
// Best-effort: failures are logged and no acknowledgment is awaited.
func (r *Relay) broadcastRouteRequest(ctx context.Context, dest proto.PeerID) {
	req := &proto.Frame{
		Type:         proto.FrameTypeRouteRequest,
		RouteRequest: &proto.RouteRequest{DestPeerID: dest, SourcePeerID: r.local},
	}
	for _, peer := range r.directPeers() {
		c, err := r.pool.Acquire(ctx, peer)
		if err != nil {
			slog.Debug("route request: acquire failed", "peer", peer, "err", err)
			continue
		}
		err = c.Raw.Send(req)
		r.pool.Release(peer, c)
		if err != nil {
			slog.Debug("route request: send failed", "peer", peer, "err", err)
		}
	}
}

// HandleRouteRequest answers a neighbour looking for dest: if this peer can
// reach it (or is it), the matching advertisement entry is unicast back to
// the requester. Peers without a route stay silent.
func (r *Relay) HandleRouteRequest(ctx context.Context, req *proto.RouteRequest) {
	r.mu.Lock()
	var reachable []proto.ReachablePeer
	if req.DestPeerID == r.local {
		reachable = append(reachable, proto.ReachablePeer{DestPeerID: r.local, HopCount: 0, Reliability: 1.0})
	} else if hops, ok := r.bestHopCountLocked(req.DestPeerID); ok {
		entry := proto.ReachablePeer{DestPeerID: req.DestPeerID, HopCount: hops}
		if hop, ok := r.selectNextHopLocked(req.DestPeerID); ok {
			if m, ok := r.metrics[hop]; ok {
				entry.LatencyMs = m.LatencyMs
				entry.Reliability = m.Reliability
			}
		}
		reachable = append(reachable, entry)
	}
	r.mu.Unlock()

	if len(reachable) == 0 {
		return
	}
	ad := &proto.RouteAdvertisement{
		PeerID:         r.local,
		ReachablePeers: reachable,
		Timestamp:      time.Now().UnixNano(),
	}
	c, err := r.pool.Acquire(ctx, req.SourcePeerID)
	if err != nil {
		slog.Debug("route reply: acquire failed", "peer", req.SourcePeerID, "err", err)
		return
	}
	err = c.Raw.Send(&proto.Frame{Type: proto.FrameTypeAdvertisement, Advertisement: ad})
	r.pool.Release(req.SourcePeerID, c)
	if err != nil {
		slog.Debug("route reply: send failed", "peer", req.SourcePeerID, "err", err)
	}
}

// GenerateAdvertisement snapshots the routing table as reachability claims
// for periodic broadcast to direct peers.
func (r *Relay) GenerateAdvertisement() *proto.RouteAdvertisement {
	r.mu.Lock()
	defer r.mu.Unlock()
	ad := &proto.RouteAdvertisement{PeerID: r.local, Timestamp: time.Now().UnixNano()}
	for dest := range r.routes {
		hops, ok := r.bestHopCountLocked(dest)
		if !ok {
			continue
		}
		entry := proto.ReachablePeer{DestPeerID: dest, HopCount: hops}
		if hop, ok := r.selectNextHopLocked(dest); ok {
			if m, ok := r.metrics[hop]; ok {
				entry.LatencyMs = m.LatencyMs
				entry.Reliability = m.Reliability
			}
		}
		ad.ReachablePeers = append(ad.ReachablePeers, entry)
	}
	return ad
}

// BroadcastAdvertisement sends the current advertisement to every direct
// peer. Best-effort, like route requests.
func (r *Relay) BroadcastAdvertisement(ctx context.Context) {
	ad := r.GenerateAdvertisement()
	if len(ad.ReachablePeers) == 0 {
		return
	}
	f := &proto.Frame{Type: proto.FrameTypeAdvertisement, Advertisement: ad}
	for _, peer := range r.directPeers() {
		c, err := r.pool.Acquire(ctx, peer)
		if err != nil {
			slog.Debug("advertisement: acquire failed", "peer", peer, "err", err)
			continue
		}
		err = c.Raw.Send(f)
		r.pool.Release(peer, c)
		if err != nil {
			slog.Debug("advertisement: send failed", "peer", peer, "err", err)
		}
	}
}

// HandleAdvertisement processes a neighbour's reachability claims. A claimed
// destination is adopted only when one hop via the advertiser is strictly
// better than the best currently known hop count; equal hop counts never
// replace (first-discovered wins). Installing a route drains any messages
// queued for that destination.
func (r *Relay) HandleAdvertisement(ctx context.Context, ad *proto.RouteAdvertisement) {
	if ad == nil || ad.PeerID == r.local {
		return
	}
	var drained []*proto.MeshMessage
	r.mu.Lock()
	for _, rp := range ad.ReachablePeers {
		if rp.DestPeerID == r.local {
			continue
		}
		candidate := rp.HopCount + 1
		if cur, ok := r.bestHopCountLocked(rp.DestPeerID); ok && candidate >= cur {
			continue
		}
		lat := rp.LatencyMs
		if lat <= 0 {
			lat = defaultAdvertisedLatencyMs
		}
		rel := rp.Reliability
		if rel <= 0 {
			rel = defaultAdvertisedReliability
		}
		r.routes[rp.DestPeerID] = []proto.PeerID{ad.PeerID}
		r.metrics[ad.PeerID] = RouteMetrics{
			LatencyMs:    lat,
			HopCount:     candidate,
			Reliability:  rel,
			LastMeasured: time.Now(),
		}
		r.discovered.Add(1)
		telemetry.RoutesDiscovered.Inc()
		slog.Debug("route learned", "dest", rp.DestPeerID, "via", ad.PeerID, "hops", candidate)
		drained = append(drained, r.takePendingLocked(rp.DestPeerID)...)
	}
	r.mu.Unlock()

	r.retry(ctx, drained)
}

// bestHopCountLocked scans the metrics of dest's current next hops and
// returns the smallest hop count. A direct destination is always 1 hop, even
// when the shared edge metrics were since overwritten by an advertisement
// about some farther destination. Callers hold r.mu.
func (r *Relay) bestHopCountLocked(dest proto.PeerID) (int, bool) {
	best := maxHopCount
	for _, hop := range r.routes[dest] {
		if hop == dest {
			if _, ok := r.direct[dest]; ok {
				best = 1
				continue
			}
		}
		if m, ok := r.metrics[hop]; ok && m.HopCount < best {
			best = m.HopCount
		}
	}
	if best == maxHopCount {
		return 0, false
	}
	return best, true
}

func (r *Relay) takePendingLocked(dest proto.PeerID) []*proto.MeshMessage {
	queued := r.pending[dest]
	delete(r.pending, dest)
	return queued
}

// retry re-forwards messages whose destination just became routable.
func (r *Relay) retry(ctx context.Context, msgs []*proto.MeshMessage) {
	for _, msg := range msgs {
		r.mu.Lock()
		hop, ok := r.selectNextHopLocked(msg.DestPeerID)
		if !ok {
			r.pending[msg.DestPeerID] = append(r.pending[msg.DestPeerID], msg)
			r.mu.Unlock()
			continue
		}
		r.mu.Unlock()
		slog.Debug("retrying queued message", "dest", msg.DestPeerID, "id", msg.MessageID)
		r.forward(ctx, msg, hop)
	}
}

// RouteTo returns the known path sketch [local, next_hop, dest], or nil when
// no route exists. For a direct destination the sketch is [local, dest].
func (r *Relay) RouteTo(dest proto.PeerID) []proto.PeerID {
	r.mu.Lock()
	hop, ok := r.selectNextHopLocked(dest)
	r.mu.Unlock()
	if !ok {
		return nil
	}
	if hop == dest {
		return []proto.PeerID{r.local, dest}
	}
	return []proto.PeerID{r.local, hop, dest}
}

func (r *Relay) directPeers() []proto.PeerID {
	r.mu.Lock()
	defer r.mu.Unlock()
	peers := make([]proto.PeerID, 0, len(r.direct))
	for p := range r.direct {
		peers = append(peers, p)
	}
	return peers
}

func (r *Relay) drop(reason string) {
	r.dropped.Add(1)
	telemetry.MessagesDropped.WithLabelValues(reason).Inc()
}

// Stats is a snapshot of relay counters.
type Stats struct {
	DirectPeers      int        `json:"direct_peers"`
	KnownRoutes      int        `json:"known_routes"`
	MessagesRelayed  uint64     `json:"messages_relayed"`
	MessagesDropped  uint64     `json:"messages_dropped"`
	RoutesDiscovered uint64     `json:"routes_discovered"`
	PendingMessages  int        `json:"pending_messages"`
	Pool             pool.Stats `json:"pool"`
}

// Stats reports relay and pool counters.
func (r *Relay) Stats() Stats {
	r.mu.Lock()
	pendingCount := 0
	for _, msgs := range r.pending {
		pendingCount += len(msgs)
	}
	s := Stats{
		DirectPeers:     len(r.direct),
		KnownRoutes:     len(r.routes),
		PendingMessages: pendingCount,
	}
	r.mu.Unlock()
	s.MessagesRelayed = r.relayed.Load()
	s.MessagesDropped = r.dropped.Load()
	s.RoutesDiscovered = r.discovered.Load()
	s.Pool = r.pool.Stats()
	return s
}

// RouteCandidate is one next-hop entry in the diagnostic routing dump.
type RouteCandidate struct {
	NextHop proto.PeerID  `json:"next_hop"`
	Metrics *RouteMetrics `json:"metrics,omitempty"`
}

// RoutingTable dumps destinations, their candidate next hops and edge
// metrics. Diagnostic only.
func (r *Relay) RoutingTable() map[proto.PeerID][]RouteCandidate {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[proto.PeerID][]RouteCandidate, len(r.routes))
	for dest, hops := range r.routes {
		entries := make([]RouteCandidate, 0, len(hops))
		for _, hop := range hops {
			rc := RouteCandidate{NextHop: hop}
			if m, ok := r.metrics[hop]; ok {
				mc := m
				rc.Metrics = &mc
			}
			entries = append(entries, rc)
		}
		out[dest] = entries
	}
	return out
}

// Stop halts the seen-cache janitor. In-flight forwards complete or fail on
// their own; the pool is stopped by its owner.
func (r *Relay) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	r.mu.Unlock()
	r.seen.Stop()
}
