package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/OpenCyberspace/AIGr.id-sub002/internal/shard"
)

// Config holds the collaborators of a Manager
type Config struct {
	Options  Options
	Dialer   Dialer
	Resolver MasterResolver
	Logger   *zap.Logger
}

// pooled is the live client of one shard together with what it was dialed with
type pooled struct {
	client   Client
	addr     string
	password string
}

// Manager keeps at most one live client per shard id. Clients are created on
// first use and shared by all callers.
//
// For shards with a failover monitor every Acquire resolves the master first
// and only then connects, so a master switch is followed before any write
// reaches the old master. The manager never retries application operations;
// callers invalidate the failed client after a connection failure.
type Manager struct {
	dial     Dialer
	resolver MasterResolver
	logger   *zap.Logger

	mu       sync.RWMutex
	conns    map[string]*pooled
	resolved map[string]string
	closed   bool

	group    singleflight.Group
	acquires atomic.Int64
	dials    atomic.Int64
}

// NewManager creates a connection manager. Missing collaborators default to
// go-redis dialing and Sentinel resolution.
func NewManager(cfg Config) *Manager {
	opts := cfg.Options
	if opts.DialTimeout <= 0 {
		opts = DefaultOptions()
	}
	if cfg.Dialer == nil {
		cfg.Dialer = RedisDialer(opts)
	}
	if cfg.Resolver == nil {
		cfg.Resolver = NewSentinelResolver(opts)
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return &Manager{
		dial:     cfg.Dialer,
		resolver: cfg.Resolver,
		logger:   cfg.Logger,
		conns:    make(map[string]*pooled),
		resolved: make(map[string]string),
	}
}

// Acquire returns the pooled client for the shard, connecting if needed
func (m *Manager) Acquire(ctx context.Context, d shard.Descriptor) (Client, error) {
	m.acquires.Add(1)

	addr, err := m.resolve(ctx, d)
	if err != nil {
		return nil, err
	}

	if c, ok := m.lookup(d.ID, addr, d.Password); ok {
		return c, nil
	}

	v, err, _ := m.group.Do(d.ID+"|"+addr, func() (interface{}, error) {
		if c, ok := m.lookup(d.ID, addr, d.Password); ok {
			return c, nil
		}
		return m.connect(ctx, d, addr)
	})
	if err != nil {
		return nil, err
	}
	return v.(Client), nil
}

// resolve returns the address to connect to: the monitor's answer when the
// shard has one, the descriptor address otherwise
func (m *Manager) resolve(ctx context.Context, d shard.Descriptor) (string, error) {
	if !d.HasFailover() {
		return d.Addr(), nil
	}

	addr, err := m.resolver.ResolveMaster(ctx, *d.FailoverMonitor)
	if err != nil {
		return "", fmt.Errorf("%w: shard %s: resolve master: %w", ErrShardUnavailable, d.ID, err)
	}

	m.mu.Lock()
	prev := m.resolved[d.ID]
	m.resolved[d.ID] = addr
	m.mu.Unlock()

	if prev != addr {
		m.logger.Info("Resolved shard master",
			zap.String("shard_id", d.ID),
			zap.String("master", addr),
			zap.String("previous", prev),
			zap.String("hint", d.Addr()))
	}
	return addr, nil
}

func (m *Manager) lookup(id, addr, password string) (Client, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.conns[id]
	if !ok || p.addr != addr || p.password != password {
		return nil, false
	}
	return p.client, true
}

func (m *Manager) connect(ctx context.Context, d shard.Descriptor, addr string) (Client, error) {
	m.dials.Add(1)
	client, err := m.dial(ctx, addr, d.Password)
	if err != nil {
		return nil, fmt.Errorf("%w: shard %s at %s: %w", ErrShardUnavailable, d.ID, addr, err)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = client.Close()
		return nil, fmt.Errorf("%w: connection manager closed", ErrShardUnavailable)
	}
	old := m.conns[d.ID]
	m.conns[d.ID] = &pooled{client: client, addr: addr, password: d.Password}
	m.mu.Unlock()

	if old != nil {
		m.logger.Info("Replacing shard connection",
			zap.String("shard_id", d.ID),
			zap.String("old_addr", old.addr),
			zap.String("new_addr", addr))
		if err := old.client.Close(); err != nil {
			m.logger.Debug("Closing replaced connection", zap.String("shard_id", d.ID), zap.Error(err))
		}
	} else {
		m.logger.Info("Created shard connection",
			zap.String("shard_id", d.ID),
			zap.String("addr", addr))
	}
	return client, nil
}

// Invalidate drops the pooled client of a shard; the next Acquire re-resolves
// and reconnects
func (m *Manager) Invalidate(shardID string) {
	m.drop(shardID, nil)
}

// InvalidateClient is Invalidate limited to the client that failed. A client
// dialed again by another caller in the meantime stays pooled.
func (m *Manager) InvalidateClient(shardID string, failed Client) {
	if failed == nil {
		return
	}
	m.drop(shardID, failed)
}

func (m *Manager) drop(shardID string, only Client) {
	m.mu.Lock()
	p, ok := m.conns[shardID]
	if !ok || (only != nil && p.client != only) {
		m.mu.Unlock()
		return
	}
	delete(m.conns, shardID)
	delete(m.resolved, shardID)
	m.mu.Unlock()

	m.logger.Info("Invalidated shard connection", zap.String("shard_id", shardID), zap.String("addr", p.addr))
	if err := p.client.Close(); err != nil {
		m.logger.Debug("Closing invalidated connection", zap.String("shard_id", shardID), zap.Error(err))
	}
}

// ResolvedAddr returns the last master address resolved for a shard
func (m *Manager) ResolvedAddr(shardID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	addr, ok := m.resolved[shardID]
	return addr, ok
}

// Acquires returns how many times Acquire was called
func (m *Manager) Acquires() int64 { return m.acquires.Load() }

// Dials returns how many connections were opened
func (m *Manager) Dials() int64 { return m.dials.Load() }

// Close closes every pooled client and the resolver
func (m *Manager) Close() error {
	m.mu.Lock()
	conns := m.conns
	m.conns = make(map[string]*pooled)
	m.closed = true
	m.mu.Unlock()

	var errs []error
	for _, p := range conns {
		if err := p.client.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := m.resolver.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
