package routing

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OpenCyberspace/AIGr.id-sub002/internal/shard"
)

func TestParseUpdateCommand(t *testing.T) {
	t.Run("remove", func(t *testing.T) {
		cmd, err := ParseUpdateCommand([]byte(`{"command":"remove","payload":["shard-0"]}`))
		require.NoError(t, err)
		assert.Equal(t, CommandRemove, cmd.Command)
		assert.Equal(t, []string{"shard-0"}, cmd.IDs)
	})

	t.Run("add", func(t *testing.T) {
		cmd, err := ParseUpdateCommand([]byte(
			`{"command":"add","payload":[{"id":"shard-1","host":"10.0.0.2","port":6379}]}`))
		require.NoError(t, err)
		assert.Equal(t, CommandAdd, cmd.Command)
		require.Len(t, cmd.Shards, 1)
		assert.Equal(t, "10.0.0.2:6379", cmd.Shards[0].Addr())
	})

	malformed := map[string]string{
		"not json":          `not-json`,
		"unknown command":   `{"command":"merge","payload":[]}`,
		"missing payload":   `{"command":"remove"}`,
		"add with ids":      `{"command":"add","payload":["shard-0"]}`,
		"remove with shard": `{"command":"remove","payload":[{"id":"s"}]}`,
		"invalid shard":     `{"command":"add","payload":[{"id":"s","host":"h","port":0}]}`,
		"duplicate ids":     `{"command":"add","payload":[{"id":"s","host":"h","port":1},{"id":"s","host":"h","port":2}]}`,
		"empty id":          `{"command":"remove","payload":[""]}`,
	}
	for name, raw := range malformed {
		t.Run(name, func(t *testing.T) {
			_, err := ParseUpdateCommand([]byte(raw))
			assert.ErrorIs(t, err, ErrMalformedUpdateCommand)
		})
	}
}

func TestUpdateCommand_JSONWireFormat(t *testing.T) {
	data, err := json.Marshal(RemoveCommand("shard-0"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"command":"remove","payload":["shard-0"]}`, string(data))

	add := AddCommand(shard.Descriptor{ID: "shard-1", Host: "10.0.0.2", Port: 6379})
	data, err = json.Marshal(add)
	require.NoError(t, err)
	assert.JSONEq(t, `{"command":"add","payload":[{"id":"shard-1","host":"10.0.0.2","port":6379}]}`, string(data))

	var decoded UpdateCommand
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, add, decoded)
}

func TestUpdateCommand_ApplyToDoesNotMutateInput(t *testing.T) {
	current := []shard.Descriptor{desc("s0", 1), desc("s1", 2)}

	AddCommand(desc("s0", 9)).applyTo(current)
	RemoveCommand("s0").applyTo(current)

	assert.Equal(t, []shard.Descriptor{desc("s0", 1), desc("s1", 2)}, current)
}
