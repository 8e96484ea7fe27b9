package proto

import (
	"encoding/binary"
	"encoding/json"
	"io"
)

// Frame types
const (
	FrameTypeMessage       = "mesh_message"
	FrameTypeRouteRequest  = "route_request"
	FrameTypeAdvertisement = "route_advertisement"
	FrameTypePing          = "ping"
)

// MaxFrameSize bounds a single wire frame (1MB).
const MaxFrameSize = 1024 * 1024

// Frame is the top-level wire envelope between peers. Exactly one of the
// pointer fields is set, matching Type.
type Frame struct {
	Type          string              `json:"type"`
	Message       *MeshMessage        `json:"message,omitempty"`
	RouteRequest  *RouteRequest       `json:"route_request,omitempty"`
	Advertisement *RouteAdvertisement `json:"route_advertisement,omitempty"`
}

// Encode writes a length-prefixed JSON frame to w
func (f *Frame) Encode(w io.Writer) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	// 4-byte big-endian length prefix
	lenBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(lenBuf, uint32(len(data)))
	if _, err := w.Write(lenBuf); err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// Decode reads a length-prefixed JSON frame from r
func (f *Frame) Decode(r io.Reader) error {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return err
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length > MaxFrameSize {
		return io.ErrShortBuffer
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return err
	}
	*f = Frame{}
	return json.Unmarshal(data, f)
}
