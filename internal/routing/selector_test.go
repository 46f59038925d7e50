package routing

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OpenCyberspace/AIGr.id-sub002/internal/shard"
)

func fourShards() []shard.Descriptor {
	return []shard.Descriptor{desc("s0", 1), desc("s1", 2), desc("s2", 3), desc("s3", 4)}
}

func TestHashSelector_DeterministicPrimary(t *testing.T) {
	snapshot := fourShards()
	sel := HashSelector{}

	first, err := sel.Select("cam", "frame-42", snapshot)
	require.NoError(t, err)
	for i := 0; i < 100; i++ {
		again, err := sel.Select("cam", "frame-42", snapshot)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestHashSelector_FallbackIsTableOrderWithoutPrimary(t *testing.T) {
	snapshot := fourShards()

	for i := 0; i < 50; i++ {
		targets, err := HashSelector{}.Select("cam", fmt.Sprintf("k%d", i), snapshot)
		require.NoError(t, err)
		require.Len(t, targets, len(snapshot))

		primary := targets[0].ID
		var expected []string
		for _, d := range snapshot {
			if d.ID != primary {
				expected = append(expected, d.ID)
			}
		}
		assert.Equal(t, expected, shard.IDs(targets[1:]))
	}
}

func TestHashSelector_SpreadsKeys(t *testing.T) {
	snapshot := fourShards()
	hits := map[string]int{}
	for i := 0; i < 1000; i++ {
		targets, err := HashSelector{}.Select("cam", fmt.Sprintf("frame-%d", i), snapshot)
		require.NoError(t, err)
		hits[targets[0].ID]++
	}
	assert.Len(t, hits, 4)
}

func TestSelectors_EmptySnapshot(t *testing.T) {
	for _, sel := range []Selector{HashSelector{}, &RoundRobinSelector{}, BroadcastSelector{}} {
		_, err := sel.Select("cam", "k", nil)
		assert.ErrorIs(t, err, ErrNoShardsAvailable)
	}
}

func TestRoundRobinSelector_RotatesPerSource(t *testing.T) {
	snapshot := fourShards()
	sel := &RoundRobinSelector{}

	var primaries []string
	for i := 0; i < 5; i++ {
		targets, err := sel.Select("cam", "k", snapshot)
		require.NoError(t, err)
		primaries = append(primaries, targets[0].ID)
	}
	assert.Equal(t, []string{"s0", "s1", "s2", "s3", "s0"}, primaries)

	targets, err := sel.Select("other", "k", snapshot)
	require.NoError(t, err)
	assert.Equal(t, "s0", targets[0].ID)
}

func TestBroadcastSelector_ReturnsTableOrder(t *testing.T) {
	snapshot := fourShards()
	targets, err := BroadcastSelector{}.Select("cam", "k", snapshot)
	require.NoError(t, err)
	assert.Equal(t, shard.IDs(snapshot), shard.IDs(targets))
}

func TestSelectorByName(t *testing.T) {
	assert.IsType(t, HashSelector{}, SelectorByName(""))
	assert.IsType(t, HashSelector{}, SelectorByName("hash"))
	assert.IsType(t, &RoundRobinSelector{}, SelectorByName("round_robin"))
	assert.IsType(t, BroadcastSelector{}, SelectorByName("broadcast"))
}

func TestSelectorFunc(t *testing.T) {
	var called bool
	sel := SelectorFunc(func(sourceID, key string, snapshot []shard.Descriptor) ([]shard.Descriptor, error) {
		called = true
		return snapshot[len(snapshot)-1:], nil
	})
	targets, err := sel.Select("cam", "k", fourShards())
	require.NoError(t, err)
	assert.True(t, called)
	assert.Equal(t, []string{"s3"}, shard.IDs(targets))
}
