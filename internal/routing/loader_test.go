package routing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OpenCyberspace/AIGr.id-sub002/internal/shard"
)

func TestLoaderChain_FirstSuccessWins(t *testing.T) {
	var secondCalled bool
	chain := LoaderChain{
		LoaderFunc(func(ctx context.Context, sourceID string) ([]shard.Descriptor, error) {
			return nil, errors.New("directory down")
		}),
		LoaderFunc(func(ctx context.Context, sourceID string) ([]shard.Descriptor, error) {
			return []shard.Descriptor{desc("s0", 1)}, nil
		}),
		LoaderFunc(func(ctx context.Context, sourceID string) ([]shard.Descriptor, error) {
			secondCalled = true
			return nil, nil
		}),
	}

	shards, err := chain.Load(context.Background(), "cam")
	require.NoError(t, err)
	assert.Equal(t, []string{"s0"}, shard.IDs(shards))
	assert.False(t, secondCalled)
}

func TestLoaderChain_AllFailIsDirectoryUnavailable(t *testing.T) {
	boom := errors.New("boom")
	chain := LoaderChain{
		LoaderFunc(func(ctx context.Context, sourceID string) ([]shard.Descriptor, error) {
			return nil, boom
		}),
	}

	_, err := chain.Load(context.Background(), "cam")
	assert.ErrorIs(t, err, ErrDirectoryUnavailable)
	assert.ErrorIs(t, err, boom)

	_, err = LoaderChain{}.Load(context.Background(), "cam")
	assert.ErrorIs(t, err, ErrDirectoryUnavailable)
}
