// Package connection owns the pooled connections from a router process to
// its framedb shards and resolves shard masters through their failover
// monitors.
package connection

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrKeyNotFound is returned by Get when the key does not exist on the shard
	ErrKeyNotFound = errors.New("key not found")

	// ErrShardUnavailable wraps every failure to resolve or connect to a shard
	ErrShardUnavailable = errors.New("shard unavailable")
)

// Client is a connection to one shard master
type Client interface {
	Addr() string
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	Push(ctx context.Context, key string, values ...[]byte) error
	Ping(ctx context.Context) error
	Close() error
}

// Dialer opens a client to addr, authenticating with password when set
type Dialer func(ctx context.Context, addr, password string) (Client, error)

// Options tune the Redis connections opened by RedisDialer
type Options struct {
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	PoolSize     int           `mapstructure:"pool_size"`
}

// DefaultOptions returns the default connection options
func DefaultOptions() Options {
	return Options{
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     16,
	}
}

// RedisDialer returns a Dialer that opens go-redis clients. The client is
// pinged before it is handed out so that an unreachable shard is reported at
// dial time.
func RedisDialer(opts Options) Dialer {
	return func(ctx context.Context, addr, password string) (Client, error) {
		rdb := redis.NewClient(&redis.Options{
			Addr:         addr,
			Password:     password,
			DialTimeout:  opts.DialTimeout,
			ReadTimeout:  opts.ReadTimeout,
			WriteTimeout: opts.WriteTimeout,
			PoolSize:     opts.PoolSize,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, fmt.Errorf("ping %s: %w", addr, err)
		}
		return &redisClient{rdb: rdb, addr: addr}, nil
	}
}

// redisClient is safe for concurrent use: go-redis keeps its own socket pool,
// so the manager shares one instance per shard.
type redisClient struct {
	rdb  *redis.Client
	addr string
}

func (c *redisClient) Addr() string { return c.addr }

func (c *redisClient) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.rdb.Set(ctx, key, value, ttl).Err()
}

func (c *redisClient) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrKeyNotFound
	}
	return b, err
}

func (c *redisClient) Push(ctx context.Context, key string, values ...[]byte) error {
	if len(values) == 0 {
		return nil
	}
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}
	return c.rdb.RPush(ctx, key, args...).Err()
}

func (c *redisClient) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func (c *redisClient) Close() error {
	return c.rdb.Close()
}

// staleMasterReplies are server replies that mean the node we reached is no
// longer a writable master
var staleMasterReplies = []string{"READONLY", "LOADING", "MASTERDOWN"}

// IsConnectionError reports whether err means the shard itself is unusable,
// as opposed to a key miss, a command error or the caller's context ending.
// Socket timeouts from the configured read and write timeouts are net errors,
// not context errors, and still count.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrShardUnavailable) {
		return true
	}
	if errors.Is(err, ErrKeyNotFound) || errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var rerr redis.Error
	if errors.As(err, &rerr) {
		msg := rerr.Error()
		for _, prefix := range staleMasterReplies {
			if strings.HasPrefix(msg, prefix) {
				return true
			}
		}
		return false
	}
	return true
}
