package proto

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"time"
)

// PeerID identifies a peer on the mesh. IDs are opaque strings chosen by the
// application (typically the mDNS instance name).
type PeerID string

// MessageIDLen is the hex length of a derived message ID (16 raw bytes).
const MessageIDLen = 32

// MeshMessage is one unit of application payload in flight. Only TTL and
// RouteHistory change after creation; every other field is fixed at the source.
type MeshMessage struct {
	MessageID    string   `json:"message_id"`
	SourcePeerID PeerID   `json:"source_peer_id"`
	DestPeerID   PeerID   `json:"dest_peer_id"`
	Payload      []byte   `json:"payload"` // opaque to the relay
	TTL          int      `json:"ttl"`
	RouteHistory []PeerID `json:"route_history"`
	Timestamp    int64    `json:"timestamp"` // unix nanoseconds at creation
}

// NewMeshMessage builds a message at the sending peer with a derived ID.
func NewMeshMessage(src, dest PeerID, payload []byte, ttl int) *MeshMessage {
	ts := time.Now().UnixNano()
	return &MeshMessage{
		MessageID:    DeriveMessageID(src, dest, payload, ts),
		SourcePeerID: src,
		DestPeerID:   dest,
		Payload:      payload,
		TTL:          ttl,
		RouteHistory: []PeerID{},
		Timestamp:    ts,
	}
}

// DeriveMessageID hashes source, destination, payload and creation time into a
// stable ID used for de-duplication. The same tuple always yields the same ID,
// so a re-sent message is recognized at every hop that still remembers it.
func DeriveMessageID(src, dest PeerID, payload []byte, ts int64) string {
	h := sha256.New()
	h.Write([]byte(src))
	h.Write([]byte{0})
	h.Write([]byte(dest))
	h.Write([]byte{0})
	h.Write(payload)
	var tsBuf [8]byte
	binary.BigEndian.PutUint64(tsBuf[:], uint64(ts))
	h.Write(tsBuf[:])
	return hex.EncodeToString(h.Sum(nil)[:MessageIDLen/2])
}

// RouteRequest asks direct peers whether they can reach DestPeerID.
type RouteRequest struct {
	DestPeerID   PeerID `json:"dest_peer_id"`
	SourcePeerID PeerID `json:"source_peer_id"`
}

// ReachablePeer is one destination claimed by an advertisement, with the
// advertiser's edge metrics. Zero metrics mean "not reported".
type ReachablePeer struct {
	DestPeerID  PeerID  `json:"dest_peer_id"`
	HopCount    int     `json:"hop_count"`
	LatencyMs   float64 `json:"latency_ms,omitempty"`
	Reliability float64 `json:"reliability,omitempty"`
}

// RouteAdvertisement is the periodic broadcast by which a peer tells its
// direct neighbours which destinations it can reach and at what hop cost.
type RouteAdvertisement struct {
	PeerID         PeerID          `json:"peer_id"`
	ReachablePeers []ReachablePeer `json:"reachable_peers"`
	Timestamp      int64           `json:"timestamp"`
}
