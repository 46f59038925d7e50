// Package router is the entry point for storing and reading frames. It keeps
// the routing table of every registered source fresh, validates frames before
// any shard I/O and fails over between the shards of a source.
package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/OpenCyberspace/AIGr.id-sub002/internal/connection"
	"github.com/OpenCyberspace/AIGr.id-sub002/internal/eventbus"
	"github.com/OpenCyberspace/AIGr.id-sub002/internal/logging"
	"github.com/OpenCyberspace/AIGr.id-sub002/internal/routing"
	"github.com/OpenCyberspace/AIGr.id-sub002/internal/shard"
	"github.com/OpenCyberspace/AIGr.id-sub002/internal/validation"
)

var (
	// ErrFrameRejected is returned when admission validation refuses a frame
	ErrFrameRejected = errors.New("frame rejected")

	// ErrAllShardsUnreachable is returned when every target failed with a connection error
	ErrAllShardsUnreachable = errors.New("all shards unreachable")

	// ErrNotFound is returned by Get for a missing key
	ErrNotFound = errors.New("frame not found")

	// ErrSourceNotReady is returned for sources that were never loaded successfully
	ErrSourceNotReady = errors.New("source not ready")

	// ErrClosed is returned after Close
	ErrClosed = errors.New("router closed")

	ErrDirectoryUnavailable   = routing.ErrDirectoryUnavailable
	ErrNoShardsAvailable      = routing.ErrNoShardsAvailable
	ErrMalformedUpdateCommand = routing.ErrMalformedUpdateCommand
)

// WriteMode decides how many shards receive a write
type WriteMode string

const (
	// WriteModePrimary writes to the first reachable target only
	WriteModePrimary WriteMode = "primary"

	// WriteModeMirror writes to the first reachable target, then copies the
	// value to the remaining targets in the background
	WriteModeMirror WriteMode = "mirror"
)

// ParseWriteMode parses a configured write mode. Empty means primary.
func ParseWriteMode(s string) (WriteMode, error) {
	switch WriteMode(s) {
	case "", WriteModePrimary:
		return WriteModePrimary, nil
	case WriteModeMirror:
		return WriteModeMirror, nil
	default:
		return "", fmt.Errorf("unknown write mode %q", s)
	}
}

// ShardPool hands out shard connections. *connection.Manager implements it.
//
// InvalidateClient drops the pooled connection of a shard only while it is
// still the failed client; failed is nil when Acquire itself failed.
type ShardPool interface {
	Acquire(ctx context.Context, d shard.Descriptor) (connection.Client, error)
	InvalidateClient(shardID string, failed connection.Client)
	Close() error
}

// Options configures a Router. Only Loader is required.
type Options struct {
	Loader routing.Loader

	// Bus delivers membership updates. Without it tables only change on Refresh.
	Bus eventbus.Broadcaster

	Pool      ShardPool
	Selector  routing.Selector
	Validator *validation.Validator
	Table     *routing.Table

	WriteMode     WriteMode
	TTL           time.Duration
	MirrorTimeout time.Duration
	Backoff       routing.Backoff

	Metrics *Metrics
	Logger  *zap.Logger
}

// subscription is the running update subscriber of one source
type subscription struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Router routes frames of registered sources to their shards
type Router struct {
	loader    routing.Loader
	bus       eventbus.Broadcaster
	pool      ShardPool
	selector  routing.Selector
	validator *validation.Validator
	table     *routing.Table
	mode      WriteMode
	ttl       time.Duration
	mirrorTTL time.Duration
	backoff   routing.Backoff
	metrics   *Metrics
	logger    *zap.Logger
	tracer    trace.Tracer

	mu      sync.Mutex
	subs    map[string]*subscription
	gens    map[string]uint64 // bumped by Unregister
	closed  bool
	mirrors sync.WaitGroup
}

// New creates a router. No source is served until it is registered.
func New(opts Options) (*Router, error) {
	if opts.Loader == nil {
		return nil, errors.New("router: loader is required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Pool == nil {
		opts.Pool = connection.NewManager(connection.Config{Logger: opts.Logger})
	}
	if opts.Selector == nil {
		opts.Selector = routing.HashSelector{}
	}
	if opts.Validator == nil {
		opts.Validator = validation.NewWithPredicate(validation.AcceptAll, opts.Logger)
	}
	if opts.Table == nil {
		opts.Table = routing.NewTable()
	}
	mode, err := ParseWriteMode(string(opts.WriteMode))
	if err != nil {
		return nil, err
	}
	if opts.MirrorTimeout <= 0 {
		opts.MirrorTimeout = 10 * time.Second
	}

	return &Router{
		loader:    opts.Loader,
		bus:       opts.Bus,
		pool:      opts.Pool,
		selector:  opts.Selector,
		validator: opts.Validator,
		table:     opts.Table,
		mode:      mode,
		ttl:       opts.TTL,
		mirrorTTL: opts.MirrorTimeout,
		backoff:   opts.Backoff,
		metrics:   opts.Metrics,
		logger:    opts.Logger,
		tracer:    otel.Tracer("framedb/router"),
		subs:      make(map[string]*subscription),
		gens:      make(map[string]uint64),
	}, nil
}

// NamespacedKey is the shard key a frame key of a source is stored under
func NamespacedKey(sourceID, key string) string {
	return sourceID + ":" + key
}

// Register loads the shard list of a source and starts following its
// updates. On failure the source stays unserved and Register may be retried.
func (r *Router) Register(ctx context.Context, sourceID string) error {
	if sourceID == "" {
		return errors.New("router: source id is required")
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	gen := r.gens[sourceID]
	r.mu.Unlock()

	if err := r.load(ctx, sourceID, gen); err != nil {
		return err
	}
	return r.follow(sourceID, gen)
}

// Refresh forces a full reload of a source's shard list. A source that was
// not ready becomes ready, and starts following updates, on success.
func (r *Router) Refresh(ctx context.Context, sourceID string) error {
	return r.Register(ctx, sourceID)
}

// Unregister stops routing a source. A Register or Refresh of the source that
// is still loading does not bring it back.
func (r *Router) Unregister(sourceID string) {
	r.mu.Lock()
	r.gens[sourceID]++
	sub := r.subs[sourceID]
	delete(r.subs, sourceID)
	r.mu.Unlock()

	if sub != nil {
		sub.cancel()
		<-sub.done
	}
	r.table.Drop(sourceID)
	r.metrics.forget(sourceID)
	r.logger.Info("Unregistered source", zap.String("source_id", sourceID))
}

// Snapshot returns the current shard list of a source
func (r *Router) Snapshot(sourceID string) []shard.Descriptor {
	return r.table.Snapshot(sourceID)
}

// Sources lists the sources with a loaded table
func (r *Router) Sources() []string {
	return r.table.Sources()
}

// Ready reports whether a source can be served
func (r *Router) Ready(sourceID string) bool {
	return r.table.Has(sourceID)
}

// load replaces the table of a source with a fresh shard list, unless the
// source was unregistered since gen was read
func (r *Router) load(ctx context.Context, sourceID string, gen uint64) error {
	shards, err := r.loader.Load(ctx, sourceID)
	if err == nil {
		r.mu.Lock()
		if r.gens[sourceID] != gen {
			r.mu.Unlock()
			r.logger.Info("Discarded shard list of unregistered source", zap.String("source_id", sourceID))
			return fmt.Errorf("%w: %s was unregistered", ErrSourceNotReady, sourceID)
		}
		err = r.table.Replace(sourceID, shards)
		r.mu.Unlock()
	}
	if err != nil {
		r.metrics.bootstrapFailed(sourceID)
		r.logger.Warn("Failed to load shard list", zap.String("source_id", sourceID), zap.Error(err))
		if !errors.Is(err, ErrDirectoryUnavailable) {
			err = fmt.Errorf("%w: %w", ErrDirectoryUnavailable, err)
		}
		return err
	}

	r.metrics.setShards(sourceID, len(shards))
	r.logger.Info("Loaded shard list",
		zap.String("source_id", sourceID),
		zap.Strings("shards", shard.IDs(shards)),
		zap.Uint64("version", r.table.Version(sourceID)))
	return nil
}

// follow starts the update subscriber of a source once
func (r *Router) follow(sourceID string, gen uint64) error {
	if r.bus == nil {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	if r.gens[sourceID] != gen {
		return fmt.Errorf("%w: %s was unregistered", ErrSourceNotReady, sourceID)
	}
	if _, running := r.subs[sourceID]; running {
		return nil
	}

	sub, err := routing.NewSubscriber(routing.SubscriberConfig{
		SourceID: sourceID,
		Table:    r.table,
		Bus:      r.bus,
		Reload:   func(ctx context.Context) error { return r.load(ctx, sourceID, gen) },
		Backoff:  r.backoff,
		Logger:   r.logger,
		OnApplied: func(cmd routing.UpdateCommand) {
			r.metrics.updateApplied(sourceID, string(cmd.Command))
			r.metrics.setShards(sourceID, len(r.table.Snapshot(sourceID)))
		},
		OnDropped: func(error) { r.metrics.updateDropped(sourceID) },
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &subscription{cancel: cancel, done: make(chan struct{})}
	r.subs[sourceID] = s

	go func() {
		defer close(s.done)
		if err := sub.Run(ctx); err != nil {
			r.logger.Error("Update subscriber stopped", zap.String("source_id", sourceID), zap.Error(err))
		}
	}()
	return nil
}

// shardOp is one operation against one shard
type shardOp func(ctx context.Context, c connection.Client) error

// Put validates a frame and stores payload under key on the source's shards
func (r *Router) Put(ctx context.Context, sourceID, key string, md validation.Metadata, payload []byte) error {
	nsKey := NamespacedKey(sourceID, key)
	return r.write(ctx, "put", sourceID, key, md, func(ctx context.Context, c connection.Client) error {
		return c.Set(ctx, nsKey, payload, r.ttl)
	})
}

// Push validates a frame and appends payloads to the list stored under key
func (r *Router) Push(ctx context.Context, sourceID, key string, md validation.Metadata, payloads ...[]byte) error {
	nsKey := NamespacedKey(sourceID, key)
	return r.write(ctx, "push", sourceID, key, md, func(ctx context.Context, c connection.Client) error {
		return c.Push(ctx, nsKey, payloads...)
	})
}

func (r *Router) write(ctx context.Context, op, sourceID, key string, md validation.Metadata, fn shardOp) (err error) {
	start := time.Now()
	ctx, span := r.tracer.Start(ctx, "router."+op, trace.WithAttributes(
		attribute.String("framedb.source_id", sourceID),
		attribute.String("framedb.key", key),
	))
	defer func() { r.finish(span, op, start, err) }()

	if !r.table.Has(sourceID) {
		return fmt.Errorf("%w: %s", ErrSourceNotReady, sourceID)
	}
	snapshot := r.table.Snapshot(sourceID)

	rc := validation.RoutingContext{SourceID: sourceID, Snapshot: snapshot}
	if !r.validator.IsValid(ctx, key, md, rc) {
		r.metrics.reject(sourceID)
		return fmt.Errorf("%w: %s/%s", ErrFrameRejected, sourceID, key)
	}

	targets, err := r.selector.Select(sourceID, key, snapshot)
	if err != nil {
		return fmt.Errorf("%s %s: %w", op, sourceID, err)
	}

	served, err := r.failover(ctx, op, sourceID, targets, fn)
	if err != nil {
		return err
	}
	if r.mode == WriteModeMirror {
		r.mirror(op, sourceID, targets, served, fn)
	}
	return nil
}

// Get reads the value stored under key. A miss on the first reachable shard
// is final.
func (r *Router) Get(ctx context.Context, sourceID, key string) (value []byte, err error) {
	start := time.Now()
	ctx, span := r.tracer.Start(ctx, "router.get", trace.WithAttributes(
		attribute.String("framedb.source_id", sourceID),
		attribute.String("framedb.key", key),
	))
	defer func() { r.finish(span, "get", start, err) }()

	if !r.table.Has(sourceID) {
		return nil, fmt.Errorf("%w: %s", ErrSourceNotReady, sourceID)
	}
	targets, err := r.selector.Select(sourceID, key, r.table.Snapshot(sourceID))
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", sourceID, err)
	}

	nsKey := NamespacedKey(sourceID, key)
	_, err = r.failover(ctx, "get", sourceID, targets, func(ctx context.Context, c connection.Client) error {
		v, err := c.Get(ctx, nsKey)
		value = v
		return err
	})
	if errors.Is(err, connection.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, sourceID, key)
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

// failover runs fn against the targets in order until one succeeds. Only
// connection-level failures move on to the next target; the failed shard's
// connection is invalidated first. Once ctx is done the call ends with the
// context error and no shard is blamed. It returns the index of the target
// that served the call.
func (r *Router) failover(ctx context.Context, op, sourceID string, targets []shard.Descriptor, fn shardOp) (int, error) {
	var errs []error
	for i, d := range targets {
		c, err := r.pool.Acquire(ctx, d)
		if err == nil {
			err = fn(ctx, c)
			if err == nil {
				return i, nil
			}
		}
		if !connection.IsConnectionError(err) {
			return i, err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return -1, fmt.Errorf("%s %s: shard %s: %w", op, sourceID, d.ID, ctxErr)
		}

		r.pool.InvalidateClient(d.ID, c)
		r.metrics.failover(op)
		logging.WithTrace(ctx, r.logger).Warn("Shard attempt failed",
			zap.String("op", op),
			zap.String("source_id", sourceID),
			zap.String("shard_id", d.ID),
			zap.Int("attempt", i+1),
			zap.Int("targets", len(targets)),
			zap.Error(err))
		errs = append(errs, fmt.Errorf("shard %s: %w", d.ID, err))
	}
	return -1, fmt.Errorf("%w: %s %s: %w", ErrAllShardsUnreachable, op, sourceID, errors.Join(errs...))
}

// mirror copies a successful write to the targets that did not serve it.
// Failures are logged and counted only.
func (r *Router) mirror(op, sourceID string, targets []shard.Descriptor, served int, fn shardOp) {
	rest := make([]shard.Descriptor, 0, len(targets))
	for i, d := range targets {
		if i != served {
			rest = append(rest, d)
		}
	}
	if len(rest) == 0 {
		return
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.mirrors.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.mirrors.Done()
		ctx, cancel := context.WithTimeout(context.Background(), r.mirrorTTL)
		defer cancel()

		for _, d := range rest {
			c, err := r.pool.Acquire(ctx, d)
			if err == nil {
				err = fn(ctx, c)
			}
			if err == nil {
				continue
			}
			if ctx.Err() != nil {
				r.metrics.mirrorFailed(sourceID)
				r.logger.Warn("Mirror write timed out",
					zap.String("op", op),
					zap.String("source_id", sourceID),
					zap.String("shard_id", d.ID),
					zap.Duration("timeout", r.mirrorTTL))
				return
			}
			if connection.IsConnectionError(err) {
				r.pool.InvalidateClient(d.ID, c)
			}
			r.metrics.mirrorFailed(sourceID)
			r.logger.Warn("Mirror write failed",
				zap.String("op", op),
				zap.String("source_id", sourceID),
				zap.String("shard_id", d.ID),
				zap.Error(err))
		}
	}()
}

func (r *Router) finish(span trace.Span, op string, start time.Time, err error) {
	result := "ok"
	switch {
	case err == nil:
	case errors.Is(err, ErrFrameRejected):
		result = "rejected"
	case errors.Is(err, ErrNotFound):
		result = "not_found"
	case errors.Is(err, ErrAllShardsUnreachable):
		result = "unreachable"
	case errors.Is(err, ErrSourceNotReady):
		result = "not_ready"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		result = "canceled"
	default:
		result = "error"
	}
	r.metrics.observe(op, result, start)

	if err != nil && result != "not_found" {
		span.RecordError(err)
		span.SetStatus(codes.Error, result)
	}
	span.SetAttributes(attribute.String("framedb.result", result))
	span.End()
}

// Close stops every update subscriber, waits for pending mirror writes and
// closes the shard connections
func (r *Router) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	subs := r.subs
	r.subs = make(map[string]*subscription)
	r.mu.Unlock()

	for _, s := range subs {
		s.cancel()
	}
	for _, s := range subs {
		<-s.done
	}
	r.mirrors.Wait()

	r.logger.Info("Router closed", zap.Int("sources", len(subs)))
	return r.pool.Close()
}
