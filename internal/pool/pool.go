// Package pool owns a bounded set of reusable peer connections. It amortizes
// connection setup, health-checks idle connections before handing them out,
// and evicts connections that sit idle past the configured timeout.
package pool

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/hivemesh/hivemesh/internal/proto"
	"github.com/hivemesh/hivemesh/internal/telemetry"
	"github.com/hivemesh/hivemesh/internal/transport"
)

const (
	DefaultMaxSize         = 4
	DefaultIdleTimeout     = 5 * time.Minute
	DefaultCleanupInterval = time.Minute
	DefaultPingTimeout     = 2 * time.Second
)

// ErrStopped is returned by Acquire after the pool has been stopped.
var ErrStopped = errors.New("pool: stopped")

// Config tunes the pool. Zero values fall back to the defaults above.
type Config struct {
	MaxSize         int           // max idle connections kept per peer
	IdleTimeout     time.Duration // idle age past which a connection is closed
	CleanupInterval time.Duration // how often the background scan runs
	PingTimeout     time.Duration // bound on the health-check ping
}

func (c Config) withDefaults() Config {
	if c.MaxSize <= 0 {
		c.MaxSize = DefaultMaxSize
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = DefaultCleanupInterval
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = DefaultPingTimeout
	}
	return c
}

// Conn is one pooled connection. While checked out it belongs to exactly one
// caller; while idle it belongs to the pool.
type Conn struct {
	Peer         proto.PeerID
	Raw          transport.Conn
	CreatedAt    time.Time
	LastUsed     time.Time
	MessageCount int
}

// Pool is a bounded per-peer connection pool with background idle eviction.
type Pool struct {
	tr  transport.Transport
	cfg Config

	mu      sync.Mutex
	idle    map[proto.PeerID][]*Conn
	created uint64
	reused  uint64
	stopped bool

	done chan struct{}
	wg   sync.WaitGroup
}

// New creates a pool and starts its cleanup task.
func New(tr transport.Transport, cfg Config) *Pool {
	p := &Pool{
		tr:   tr,
		cfg:  cfg.withDefaults(),
		idle: make(map[proto.PeerID][]*Conn),
		done: make(chan struct{}),
	}
	p.wg.Add(1)
	go p.cleanupLoop()
	return p
}

// Acquire returns a healthy connection to peer, reusing an idle one when
// possible. A failed health check discards the connection and falls through
// to creating a new one; a creation failure propagates to the caller.
func (p *Pool) Acquire(ctx context.Context, peer proto.PeerID) (*Conn, error) {
	for {
		p.mu.Lock()
		if p.stopped {
			p.mu.Unlock()
			return nil, ErrStopped
		}
		conns := p.idle[peer]
		if len(conns) == 0 {
			p.mu.Unlock()
			break
		}
		c := conns[len(conns)-1]
		p.idle[peer] = conns[:len(conns)-1]
		p.mu.Unlock()

		if p.healthy(ctx, c) {
			c.LastUsed = time.Now()
			p.mu.Lock()
			p.reused++
			p.mu.Unlock()
			telemetry.PoolReused.Inc()
			return c, nil
		}
		_ = c.Raw.Close()
		telemetry.PoolEvicted.Inc()
		slog.Debug("pool: discarded unhealthy connection", "peer", peer)
	}

	raw, err := p.tr.CreateConnection(ctx, peer)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	c := &Conn{Peer: peer, Raw: raw, CreatedAt: now, LastUsed: now}
	p.mu.Lock()
	p.created++
	p.mu.Unlock()
	telemetry.PoolCreated.Inc()
	return c, nil
}

// Release returns a connection to the idle pool, or closes it when the
// per-peer cap is already full. Prefer capping memory over maximizing reuse:
// there is no cross-peer eviction to make room.
func (p *Pool) Release(peer proto.PeerID, c *Conn) {
	if c == nil {
		return
	}
	c.LastUsed = time.Now()
	p.mu.Lock()
	if p.stopped || len(p.idle[peer]) >= p.cfg.MaxSize {
		p.mu.Unlock()
		_ = c.Raw.Close()
		telemetry.PoolEvicted.Inc()
		return
	}
	p.idle[peer] = append(p.idle[peer], c)
	p.mu.Unlock()
}

// healthy runs the bounded ping plus the idle-age check.
func (p *Pool) healthy(ctx context.Context, c *Conn) bool {
	if time.Since(c.LastUsed) > p.cfg.IdleTimeout {
		return false
	}
	pingCtx, cancel := context.WithTimeout(ctx, p.cfg.PingTimeout)
	defer cancel()
	return c.Raw.Ping(pingCtx)
}

func (p *Pool) cleanupLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.evictIdle()
		}
	}
}

// evictIdle closes every pooled connection whose idle age exceeds the timeout.
func (p *Pool) evictIdle() {
	var stale []*Conn
	now := time.Now()
	p.mu.Lock()
	for peer, conns := range p.idle {
		kept := conns[:0]
		for _, c := range conns {
			if now.Sub(c.LastUsed) > p.cfg.IdleTimeout {
				stale = append(stale, c)
			} else {
				kept = append(kept, c)
			}
		}
		if len(kept) == 0 {
			delete(p.idle, peer)
		} else {
			p.idle[peer] = kept
		}
	}
	p.mu.Unlock()

	for _, c := range stale {
		_ = c.Raw.Close()
		telemetry.PoolEvicted.Inc()
	}
	if len(stale) > 0 {
		slog.Debug("pool: evicted idle connections", "count", len(stale))
	}
}

// Stop cancels the cleanup task and closes every pooled connection. Safe to
// call more than once.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	idle := p.idle
	p.idle = make(map[proto.PeerID][]*Conn)
	p.mu.Unlock()

	close(p.done)
	p.wg.Wait()
	for _, conns := range idle {
		for _, c := range conns {
			_ = c.Raw.Close()
		}
	}
}

// Stats is a snapshot of pool counters.
type Stats struct {
	Created    uint64  `json:"connections_created"`
	Reused     uint64  `json:"connections_reused"`
	Idle       int     `json:"idle_connections"`
	ReuseRatio float64 `json:"reuse_ratio"`
}

// Stats reports created/reused counters and the current idle count.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	idle := 0
	for _, conns := range p.idle {
		idle += len(conns)
	}
	s := Stats{Created: p.created, Reused: p.reused, Idle: idle}
	if total := p.created + p.reused; total > 0 {
		s.ReuseRatio = float64(p.reused) / float64(total)
	}
	return s
}
