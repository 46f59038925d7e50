package metadata

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/OpenCyberspace/AIGr.id-sub002/internal/routing"
	"github.com/OpenCyberspace/AIGr.id-sub002/internal/shard"
)

// Loader adapts a Reader to routing.Loader. A source without rows is an error,
// never an empty table.
type Loader struct {
	reader Reader
	logger *zap.Logger
}

// NewLoader creates a loader over reader
func NewLoader(reader Reader, logger *zap.Logger) *Loader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{reader: reader, logger: logger}
}

// Load implements routing.Loader
func (l *Loader) Load(ctx context.Context, sourceID string) ([]shard.Descriptor, error) {
	shards, err := l.reader.ShardsForSource(ctx, sourceID)
	if err != nil {
		return nil, fmt.Errorf("%w: metadata store: %w", routing.ErrDirectoryUnavailable, err)
	}
	if len(shards) == 0 {
		return nil, fmt.Errorf("%w: %w: %s", routing.ErrDirectoryUnavailable, ErrNoMapping, sourceID)
	}
	if err := shard.ValidateSet(shards); err != nil {
		return nil, fmt.Errorf("%w: metadata store: %w", routing.ErrDirectoryUnavailable, err)
	}

	l.logger.Info("Loaded mapping from metadata store",
		zap.String("source_id", sourceID),
		zap.Strings("shards", shard.IDs(shards)))
	return shards, nil
}
