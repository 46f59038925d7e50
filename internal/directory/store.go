package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/OpenCyberspace/AIGr.id-sub002/internal/routing"
	"github.com/OpenCyberspace/AIGr.id-sub002/internal/shard"
)

// ErrUnknownSource is returned by a MappingStore for a source it has no mapping for
var ErrUnknownSource = errors.New("unknown source")

// MappingStore is the authoritative source -> shards mapping served by Server
type MappingStore interface {
	Mapping(ctx context.Context, sourceID string) ([]shard.Descriptor, error)
	Apply(ctx context.Context, sourceID string, cmd routing.UpdateCommand) error
}

// TableStore keeps mappings in memory
type TableStore struct {
	table *routing.Table
}

// NewTableStore creates an empty in-memory store
func NewTableStore() *TableStore {
	return &TableStore{table: routing.NewTable()}
}

// Seed replaces the mapping of every source in seed
func (s *TableStore) Seed(seed map[string][]shard.Descriptor) error {
	for sourceID, shards := range seed {
		if err := s.table.Replace(sourceID, shards); err != nil {
			return fmt.Errorf("seed %s: %w", sourceID, err)
		}
	}
	return nil
}

// Mapping implements MappingStore
func (s *TableStore) Mapping(_ context.Context, sourceID string) ([]shard.Descriptor, error) {
	if !s.table.Has(sourceID) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSource, sourceID)
	}
	return s.table.Snapshot(sourceID), nil
}

// Apply implements MappingStore. Unknown sources start out empty.
func (s *TableStore) Apply(_ context.Context, sourceID string, cmd routing.UpdateCommand) error {
	return s.table.Apply(sourceID, cmd)
}

// Sources lists the sources with a mapping
func (s *TableStore) Sources() []string {
	return s.table.Sources()
}

// seedFile is the on-disk form of a directory seed
type seedFile struct {
	Sources map[string][]shard.Descriptor `json:"sources"`
}

// LoadSeedFile reads a JSON seed of the form {"sources": {"<id>": [<shard>, ...]}}
func LoadSeedFile(path string) (map[string][]shard.Descriptor, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}

	var sf seedFile
	if err := json.Unmarshal(data, &sf); err != nil {
		return nil, fmt.Errorf("parse seed file %s: %w", path, err)
	}
	for sourceID, shards := range sf.Sources {
		if err := shard.ValidateSet(shards); err != nil {
			return nil, fmt.Errorf("seed file %s: source %s: %w", path, sourceID, err)
		}
	}
	return sf.Sources, nil
}
