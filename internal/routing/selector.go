package routing

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"

	"github.com/OpenCyberspace/AIGr.id-sub002/internal/shard"
)

// ErrNoShardsAvailable is returned when a source has no shards to route to
var ErrNoShardsAvailable = errors.New("no shards available")

// Selector picks the ordered target shards for a key. The first element is
// the primary, the rest is the fallback order. Implementations must not
// modify snapshot.
type Selector interface {
	Select(sourceID, key string, snapshot []shard.Descriptor) ([]shard.Descriptor, error)
}

// SelectorFunc adapts a function to the Selector interface
type SelectorFunc func(sourceID, key string, snapshot []shard.Descriptor) ([]shard.Descriptor, error)

// Select calls f
func (f SelectorFunc) Select(sourceID, key string, snapshot []shard.Descriptor) ([]shard.Descriptor, error) {
	return f(sourceID, key, snapshot)
}

// HashSelector picks the primary by hashing the key over the table length.
// The remaining shards follow in table order.
type HashSelector struct{}

// Select implements Selector
func (HashSelector) Select(_, key string, snapshot []shard.Descriptor) ([]shard.Descriptor, error) {
	if len(snapshot) == 0 {
		return nil, ErrNoShardsAvailable
	}
	primary := int(xxhash.Sum64String(key) % uint64(len(snapshot)))
	return primaryFirst(snapshot, primary), nil
}

// RoundRobinSelector rotates the primary on every call, per source
type RoundRobinSelector struct {
	counters sync.Map // sourceID -> *atomic.Uint64
}

// Select implements Selector
func (s *RoundRobinSelector) Select(sourceID, _ string, snapshot []shard.Descriptor) ([]shard.Descriptor, error) {
	if len(snapshot) == 0 {
		return nil, ErrNoShardsAvailable
	}
	v, _ := s.counters.LoadOrStore(sourceID, new(atomic.Uint64))
	n := v.(*atomic.Uint64).Add(1) - 1
	return primaryFirst(snapshot, int(n%uint64(len(snapshot)))), nil
}

// BroadcastSelector targets every shard of the source in table order
type BroadcastSelector struct{}

// Select implements Selector
func (BroadcastSelector) Select(_, _ string, snapshot []shard.Descriptor) ([]shard.Descriptor, error) {
	if len(snapshot) == 0 {
		return nil, ErrNoShardsAvailable
	}
	return append([]shard.Descriptor(nil), snapshot...), nil
}

// SelectorByName returns a built-in selector. Unknown names fall back to hashing.
func SelectorByName(name string) Selector {
	switch name {
	case "round_robin", "round-robin":
		return &RoundRobinSelector{}
	case "broadcast":
		return BroadcastSelector{}
	default:
		return HashSelector{}
	}
}

func primaryFirst(snapshot []shard.Descriptor, primary int) []shard.Descriptor {
	out := make([]shard.Descriptor, 0, len(snapshot))
	out = append(out, snapshot[primary])
	for i, d := range snapshot {
		if i != primary {
			out = append(out, d)
		}
	}
	return out
}
