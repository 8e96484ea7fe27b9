package pool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hivemesh/hivemesh/internal/proto"
	"github.com/hivemesh/hivemesh/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type fakeConn struct {
	mu     sync.Mutex
	alive  bool
	closed bool
	sent   []*proto.Frame
}

func (c *fakeConn) Send(f *proto.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("closed")
	}
	c.sent = append(c.sent, f)
	return nil
}

func (c *fakeConn) Ping(ctx context.Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.alive && !c.closed
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

type fakeTransport struct {
	mu      sync.Mutex
	creates int
	fail    bool
	conns   []*fakeConn
}

func (t *fakeTransport) CreateConnection(ctx context.Context, peer proto.PeerID) (transport.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fail {
		return nil, errors.New("dial refused")
	}
	t.creates++
	c := &fakeConn{alive: true}
	t.conns = append(t.conns, c)
	return c, nil
}

func (t *fakeTransport) createCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.creates
}

func newTestPool(t *testing.T, tr transport.Transport, cfg Config) *Pool {
	t.Helper()
	p := New(tr, cfg)
	t.Cleanup(p.Stop)
	return p
}

func TestAcquireReusesReleased(t *testing.T) {
	defer goleak.VerifyNone(t)
	tr := &fakeTransport{}
	p := newTestPool(t, tr, Config{})

	ctx := context.Background()
	c1, err := p.Acquire(ctx, "b")
	require.NoError(t, err)
	p.Release("b", c1)

	c2, err := p.Acquire(ctx, "b")
	require.NoError(t, err)
	assert.Same(t, c1, c2)
	assert.Equal(t, 1, tr.createCount())

	st := p.Stats()
	assert.Equal(t, uint64(1), st.Created)
	assert.Equal(t, uint64(1), st.Reused)
	assert.Equal(t, 0.5, st.ReuseRatio)
	p.Stop()
}

func TestAcquireDiscardsIdleTimedOut(t *testing.T) {
	tr := &fakeTransport{}
	p := newTestPool(t, tr, Config{IdleTimeout: 20 * time.Millisecond})

	ctx := context.Background()
	c1, err := p.Acquire(ctx, "b")
	require.NoError(t, err)
	p.Release("b", c1)

	time.Sleep(40 * time.Millisecond)

	c2, err := p.Acquire(ctx, "b")
	require.NoError(t, err)
	assert.NotSame(t, c1, c2)
	assert.Equal(t, 2, tr.createCount())
	assert.True(t, tr.conns[0].closed)
}

func TestAcquireDiscardsUnhealthy(t *testing.T) {
	tr := &fakeTransport{}
	p := newTestPool(t, tr, Config{})

	ctx := context.Background()
	c1, err := p.Acquire(ctx, "b")
	require.NoError(t, err)
	c1.Raw.(*fakeConn).alive = false
	p.Release("b", c1)

	c2, err := p.Acquire(ctx, "b")
	require.NoError(t, err)
	assert.NotSame(t, c1, c2)
	assert.True(t, tr.conns[0].closed)
	assert.Equal(t, uint64(0), p.Stats().Reused)
}

func TestReleaseOverCapCloses(t *testing.T) {
	tr := &fakeTransport{}
	p := newTestPool(t, tr, Config{MaxSize: 2})

	ctx := context.Background()
	var conns []*Conn
	for i := 0; i < 3; i++ {
		c, err := p.Acquire(ctx, "b")
		require.NoError(t, err)
		conns = append(conns, c)
	}
	for _, c := range conns {
		p.Release("b", c)
	}

	assert.Equal(t, 2, p.Stats().Idle)
	// the third release was closed, not pooled
	assert.True(t, conns[2].Raw.(*fakeConn).closed)
	assert.False(t, conns[0].Raw.(*fakeConn).closed)
}

func TestCreateFailurePropagates(t *testing.T) {
	tr := &fakeTransport{fail: true}
	p := newTestPool(t, tr, Config{})

	_, err := p.Acquire(context.Background(), "b")
	assert.Error(t, err)
}

func TestCleanupEvictsIdle(t *testing.T) {
	tr := &fakeTransport{}
	p := newTestPool(t, tr, Config{
		IdleTimeout:     10 * time.Millisecond,
		CleanupInterval: 10 * time.Millisecond,
	})

	ctx := context.Background()
	c, err := p.Acquire(ctx, "b")
	require.NoError(t, err)
	p.Release("b", c)

	assert.Eventually(t, func() bool {
		return p.Stats().Idle == 0 && tr.conns[0].closed
	}, time.Second, 5*time.Millisecond)
}

func TestStopClosesPooledAndIsIdempotent(t *testing.T) {
	defer goleak.VerifyNone(t)
	tr := &fakeTransport{}
	p := New(tr, Config{})

	ctx := context.Background()
	c, err := p.Acquire(ctx, "b")
	require.NoError(t, err)
	p.Release("b", c)

	p.Stop()
	p.Stop()
	assert.True(t, tr.conns[0].closed)

	_, err = p.Acquire(ctx, "b")
	assert.ErrorIs(t, err, ErrStopped)
}

func TestReleaseAfterStopCloses(t *testing.T) {
	tr := &fakeTransport{}
	p := New(tr, Config{})
	c, err := p.Acquire(context.Background(), "b")
	require.NoError(t, err)
	p.Stop()
	p.Release("b", c)
	assert.True(t, tr.conns[0].closed)
}
