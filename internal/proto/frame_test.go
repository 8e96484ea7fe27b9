package proto

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	msg := NewMeshMessage("a", "c", []byte(`{"k":"v"}`), 8)
	msg.RouteHistory = []PeerID{"a", "b"}
	frames := []*Frame{
		{Type: FrameTypeMessage, Message: msg},
		{Type: FrameTypeRouteRequest, RouteRequest: &RouteRequest{DestPeerID: "d", SourcePeerID: "a"}},
		{Type: FrameTypeAdvertisement, Advertisement: &RouteAdvertisement{
			PeerID:         "b",
			ReachablePeers: []ReachablePeer{{DestPeerID: "c", HopCount: 1, LatencyMs: 4.2, Reliability: 0.9}},
			Timestamp:      42,
		}},
		{Type: FrameTypePing},
	}
	for _, f := range frames {
		var buf bytes.Buffer
		require.NoError(t, f.Encode(&buf))
		var got Frame
		require.NoError(t, got.Decode(&buf))
		assert.Equal(t, f, &got)
	}
}

func TestFrameDecodeReusesTarget(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, (&Frame{Type: FrameTypeRouteRequest, RouteRequest: &RouteRequest{DestPeerID: "d"}}).Encode(&buf))
	require.NoError(t, (&Frame{Type: FrameTypePing}).Encode(&buf))

	var f Frame
	require.NoError(t, f.Decode(&buf))
	require.NotNil(t, f.RouteRequest)
	// the second decode must not leak fields from the first
	require.NoError(t, f.Decode(&buf))
	assert.Equal(t, FrameTypePing, f.Type)
	assert.Nil(t, f.RouteRequest)
}

func TestFrameDecodeRejectsOversize(t *testing.T) {
	buf := bytes.NewBuffer([]byte{0xff, 0xff, 0xff, 0xff})
	var f Frame
	assert.Error(t, f.Decode(buf))
}

func TestFrameDecodeTruncated(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, (&Frame{Type: FrameTypePing}).Encode(&buf))
	data := buf.Bytes()[:buf.Len()-3]
	var f Frame
	assert.Error(t, f.Decode(bytes.NewReader(data)))
}

func TestDeriveMessageID(t *testing.T) {
	id := DeriveMessageID("a", "b", []byte("x"), 100)
	assert.Len(t, id, MessageIDLen)
	assert.Equal(t, id, DeriveMessageID("a", "b", []byte("x"), 100))
	assert.NotEqual(t, id, DeriveMessageID("a", "b", []byte("x"), 101))
	assert.NotEqual(t, id, DeriveMessageID("a", "c", []byte("x"), 100))
	assert.NotEqual(t, id, DeriveMessageID("a", "b", []byte("y"), 100))
	// field boundaries matter: ("ab","c") vs ("a","bc")
	assert.NotEqual(t, DeriveMessageID("ab", "c", nil, 1), DeriveMessageID("a", "bc", nil, 1))
}
