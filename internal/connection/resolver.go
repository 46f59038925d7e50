package connection

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/OpenCyberspace/AIGr.id-sub002/internal/shard"
)

// ErrMasterUnknown is returned when a monitor has no master for the name
var ErrMasterUnknown = errors.New("failover monitor reports no master")

// MasterResolver asks a failover monitor for the current writable master
type MasterResolver interface {
	ResolveMaster(ctx context.Context, m shard.Monitor) (string, error)
	Close() error
}

// ResolverFunc adapts a function to MasterResolver
type ResolverFunc func(ctx context.Context, m shard.Monitor) (string, error)

// ResolveMaster calls f
func (f ResolverFunc) ResolveMaster(ctx context.Context, m shard.Monitor) (string, error) {
	return f(ctx, m)
}

// Close is a no-op
func (f ResolverFunc) Close() error { return nil }

// SentinelResolver resolves masters through Redis Sentinel. One sentinel
// client is kept per monitor address.
type SentinelResolver struct {
	opts Options

	mu      sync.Mutex
	clients map[string]*redis.SentinelClient
}

// NewSentinelResolver creates a resolver with the given connection options
func NewSentinelResolver(opts Options) *SentinelResolver {
	return &SentinelResolver{
		opts:    opts,
		clients: make(map[string]*redis.SentinelClient),
	}
}

// ResolveMaster implements MasterResolver
func (r *SentinelResolver) ResolveMaster(ctx context.Context, m shard.Monitor) (string, error) {
	addr, err := r.client(m).GetMasterAddrByName(ctx, m.MasterName).Result()
	if errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("%w: %s at %s", ErrMasterUnknown, m.MasterName, m.Addr())
	}
	if err != nil {
		return "", fmt.Errorf("query sentinel %s for %s: %w", m.Addr(), m.MasterName, err)
	}
	if len(addr) != 2 {
		return "", fmt.Errorf("%w: sentinel %s returned %v", ErrMasterUnknown, m.Addr(), addr)
	}
	return net.JoinHostPort(addr[0], addr[1]), nil
}

func (r *SentinelResolver) client(m shard.Monitor) *redis.SentinelClient {
	key := m.Addr() + "|" + m.Password

	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.clients[key]; ok {
		return c
	}
	c := redis.NewSentinelClient(&redis.Options{
		Addr:         m.Addr(),
		Password:     m.Password,
		DialTimeout:  r.opts.DialTimeout,
		ReadTimeout:  r.opts.ReadTimeout,
		WriteTimeout: r.opts.WriteTimeout,
	})
	r.clients[key] = c
	return c
}

// Close closes every sentinel client
func (r *SentinelResolver) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for key, c := range r.clients {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(r.clients, key)
	}
	return errors.Join(errs...)
}
