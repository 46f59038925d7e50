package routing

import (
	"context"
	"errors"
	"fmt"

	"github.com/OpenCyberspace/AIGr.id-sub002/internal/shard"
)

// ErrDirectoryUnavailable is returned when the initial shard list of a source
// cannot be fetched. The router refuses to serve the source until a later
// load succeeds.
var ErrDirectoryUnavailable = errors.New("routing directory unavailable")

// Loader fetches the full shard list of a source
type Loader interface {
	Load(ctx context.Context, sourceID string) ([]shard.Descriptor, error)
}

// LoaderFunc adapts a function to the Loader interface
type LoaderFunc func(ctx context.Context, sourceID string) ([]shard.Descriptor, error)

// Load calls f
func (f LoaderFunc) Load(ctx context.Context, sourceID string) ([]shard.Descriptor, error) {
	return f(ctx, sourceID)
}

// LoaderChain tries each loader in order and returns the first success
type LoaderChain []Loader

// Load implements Loader
func (c LoaderChain) Load(ctx context.Context, sourceID string) ([]shard.Descriptor, error) {
	if len(c) == 0 {
		return nil, fmt.Errorf("%w: no loader configured", ErrDirectoryUnavailable)
	}

	var errs []error
	for _, l := range c {
		shards, err := l.Load(ctx, sourceID)
		if err == nil {
			return shards, nil
		}
		errs = append(errs, err)
		if ctx.Err() != nil {
			break
		}
	}

	err := errors.Join(errs...)
	if !errors.Is(err, ErrDirectoryUnavailable) {
		err = fmt.Errorf("%w: %w", ErrDirectoryUnavailable, err)
	}
	return nil, err
}
