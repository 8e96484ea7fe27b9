package transport

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"
	"math/big"
	"sync"
	"time"

	"github.com/hivemesh/hivemesh/internal/proto"
	"github.com/quic-go/quic-go"
)

// Default idle timeout: 5 minutes (QUIC default is 30s, too short for a pooled
// connection that may sit idle between forwards)
var defaultQuicConfig = &quic.Config{
	MaxIdleTimeout: 5 * time.Minute,
}

const (
	ProtoID = "hivemesh/1"

	// DefaultPingTimeout bounds a liveness probe when the caller's context
	// carries no deadline.
	DefaultPingTimeout = 2 * time.Second
)

// QUICConn wraps a QUIC stream with frame read/write. Implements Conn.
type QUICConn struct {
	Stream quic.Stream
	Conn   quic.Connection
}

// NewQUICConn wraps a QUIC stream and connection
func NewQUICConn(stream quic.Stream, conn quic.Connection) *QUICConn {
	return &QUICConn{Stream: stream, Conn: conn}
}

// RemoteAddr returns the peer address
func (c *QUICConn) RemoteAddr() string {
	if c.Conn != nil {
		return c.Conn.RemoteAddr().String()
	}
	return "unknown"
}

// Send encodes and sends a frame
func (c *QUICConn) Send(f *proto.Frame) error {
	return f.Encode(c.Stream)
}

// Recv reads and decodes a frame
func (c *QUICConn) Recv(f *proto.Frame) error {
	return f.Decode(c.Stream)
}

// Ping probes liveness by writing a ping frame under a deadline. The receiver
// discards ping frames; a completed write within the deadline counts as alive.
func (c *QUICConn) Ping(ctx context.Context) bool {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(DefaultPingTimeout)
	}
	if err := c.Stream.SetWriteDeadline(deadline); err != nil {
		return false
	}
	err := (&proto.Frame{Type: proto.FrameTypePing}).Encode(c.Stream)
	_ = c.Stream.SetWriteDeadline(time.Time{})
	return err == nil
}

// Close closes the stream
func (c *QUICConn) Close() error {
	err := c.Stream.Close()
	if c.Conn != nil {
		_ = c.Conn.CloseWithError(0, "")
	}
	return err
}

// QUICTransport dials peers by looking their address up in a peer address
// book, which discovery keeps current. Implements Transport.
type QUICTransport struct {
	mu    sync.Mutex
	addrs map[proto.PeerID]string
}

// NewQUIC creates a QUIC transport with an empty address book.
func NewQUIC() *QUICTransport {
	return &QUICTransport{addrs: make(map[proto.PeerID]string)}
}

// SetPeerAddr records (or updates) the dial address for a peer.
func (t *QUICTransport) SetPeerAddr(peer proto.PeerID, addr string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.addrs[peer] = addr
}

// RemovePeerAddr forgets a peer's dial address.
func (t *QUICTransport) RemovePeerAddr(peer proto.PeerID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.addrs, peer)
}

// PeerAddr returns the known dial address for a peer.
func (t *QUICTransport) PeerAddr(peer proto.PeerID) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	addr, ok := t.addrs[peer]
	return addr, ok
}

// CreateConnection dials the peer's known address over QUIC.
func (t *QUICTransport) CreateConnection(ctx context.Context, peer proto.PeerID) (Conn, error) {
	addr, ok := t.PeerAddr(peer)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPeerUnknown, peer)
	}
	return DialQUIC(ctx, addr)
}

// generateTLSConfig creates a self-signed cert for development
func generateTLSConfig() (*tls.Config, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}
	template := x509.Certificate{
		SerialNumber:          big.NewInt(1),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	tlsCert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{tlsCert},
		NextProtos:   []string{ProtoID},
	}, nil
}

// Server runs a QUIC listener
type Server struct {
	Listener *quic.Listener
	Handler  func(*QUICConn)
}

// ListenQUIC starts a QUIC server with handler set before accepting.
func ListenQUIC(ctx context.Context, addr string, handler func(*QUICConn)) (*Server, error) {
	tlsCfg, err := generateTLSConfig()
	if err != nil {
		return nil, err
	}
	listener, err := quic.ListenAddr(addr, tlsCfg, defaultQuicConfig)
	if err != nil {
		return nil, err
	}
	s := &Server{Listener: listener, Handler: handler}
	go s.acceptLoop(ctx)
	return s, nil
}

func (s *Server) acceptLoop(ctx context.Context) {
	for {
		sess, err := s.Listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		go func() {
			stream, err := sess.AcceptStream(ctx)
			if err != nil {
				return
			}
			if s.Handler != nil {
				s.Handler(NewQUICConn(stream, sess))
			} else {
				io.Copy(io.Discard, stream)
			}
		}()
	}
}

// DialQUIC connects to a QUIC server (skips cert verification for dev)
func DialQUIC(ctx context.Context, addr string) (*QUICConn, error) {
	tlsCfg := &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{ProtoID},
	}
	sess, err := quic.DialAddr(ctx, addr, tlsCfg, defaultQuicConfig)
	if err != nil {
		return nil, err
	}
	stream, err := sess.OpenStreamSync(ctx)
	if err != nil {
		sess.CloseWithError(0, "")
		return nil, err
	}
	return NewQUICConn(stream, sess), nil
}

// LocalAddr returns the address of the QUIC listener
func (s *Server) LocalAddr() string {
	return s.Listener.Addr().String()
}

// Close stops accepting new connections.
func (s *Server) Close() error {
	return s.Listener.Close()
}
