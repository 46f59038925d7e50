package routing

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/OpenCyberspace/AIGr.id-sub002/internal/shard"
)

// ErrMalformedUpdateCommand is reported for update messages that cannot be applied
var ErrMalformedUpdateCommand = errors.New("malformed routing update command")

// CommandType names a membership mutation
type CommandType string

const (
	CommandAdd    CommandType = "add"
	CommandRemove CommandType = "remove"
)

// UpdateCommand is an incremental membership change for one source. Add
// carries descriptors, remove carries shard ids. Commands are idempotent per id.
type UpdateCommand struct {
	Command CommandType
	Shards  []shard.Descriptor
	IDs     []string
}

// wireCommand is the JSON shape broadcast on the update topic
type wireCommand struct {
	Command CommandType     `json:"command"`
	Payload json.RawMessage `json:"payload"`
}

// AddCommand builds an add command
func AddCommand(shards ...shard.Descriptor) UpdateCommand {
	return UpdateCommand{Command: CommandAdd, Shards: shard.CloneAll(shards)}
}

// RemoveCommand builds a remove command
func RemoveCommand(ids ...string) UpdateCommand {
	return UpdateCommand{Command: CommandRemove, IDs: append([]string(nil), ids...)}
}

// ParseUpdateCommand decodes and validates a broadcast message
func ParseUpdateCommand(data []byte) (UpdateCommand, error) {
	var w wireCommand
	if err := json.Unmarshal(data, &w); err != nil {
		return UpdateCommand{}, fmt.Errorf("%w: %v", ErrMalformedUpdateCommand, err)
	}
	return DecodeCommand(w.Command, w.Payload)
}

// DecodeCommand builds a validated command from its command name and raw payload
func DecodeCommand(command CommandType, payload json.RawMessage) (UpdateCommand, error) {
	cmd := UpdateCommand{Command: command}
	if len(payload) == 0 {
		return UpdateCommand{}, fmt.Errorf("%w: missing payload", ErrMalformedUpdateCommand)
	}

	switch command {
	case CommandAdd:
		if err := json.Unmarshal(payload, &cmd.Shards); err != nil {
			return UpdateCommand{}, fmt.Errorf("%w: add payload: %v", ErrMalformedUpdateCommand, err)
		}
	case CommandRemove:
		if err := json.Unmarshal(payload, &cmd.IDs); err != nil {
			return UpdateCommand{}, fmt.Errorf("%w: remove payload: %v", ErrMalformedUpdateCommand, err)
		}
	default:
		return UpdateCommand{}, fmt.Errorf("%w: unknown command %q", ErrMalformedUpdateCommand, command)
	}

	if err := cmd.Validate(); err != nil {
		return UpdateCommand{}, err
	}
	return cmd, nil
}

// Validate checks the command payload
func (c UpdateCommand) Validate() error {
	switch c.Command {
	case CommandAdd:
		if err := shard.ValidateSet(c.Shards); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedUpdateCommand, err)
		}
	case CommandRemove:
		for _, id := range c.IDs {
			if id == "" {
				return fmt.Errorf("%w: empty shard id", ErrMalformedUpdateCommand)
			}
		}
	default:
		return fmt.Errorf("%w: unknown command %q", ErrMalformedUpdateCommand, c.Command)
	}
	return nil
}

// MarshalPayload encodes only the payload part of the command
func (c UpdateCommand) MarshalPayload() (json.RawMessage, error) {
	switch c.Command {
	case CommandAdd:
		shards := c.Shards
		if shards == nil {
			shards = []shard.Descriptor{}
		}
		return json.Marshal(shards)
	case CommandRemove:
		ids := c.IDs
		if ids == nil {
			ids = []string{}
		}
		return json.Marshal(ids)
	default:
		return nil, fmt.Errorf("%w: unknown command %q", ErrMalformedUpdateCommand, c.Command)
	}
}

// MarshalJSON encodes the command in its broadcast form
func (c UpdateCommand) MarshalJSON() ([]byte, error) {
	payload, err := c.MarshalPayload()
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireCommand{Command: c.Command, Payload: payload})
}

// UnmarshalJSON decodes a broadcast command
func (c *UpdateCommand) UnmarshalJSON(data []byte) error {
	cmd, err := ParseUpdateCommand(data)
	if err != nil {
		return err
	}
	*c = cmd
	return nil
}

// applyTo returns the shard list that results from applying the command to
// current. current is never modified.
func (c UpdateCommand) applyTo(current []shard.Descriptor) []shard.Descriptor {
	switch c.Command {
	case CommandAdd:
		next := make([]shard.Descriptor, len(current), len(current)+len(c.Shards))
		copy(next, current)
		index := make(map[string]int, len(next))
		for i, d := range next {
			index[d.ID] = i
		}
		for _, d := range c.Shards {
			if i, ok := index[d.ID]; ok {
				next[i] = d.Clone()
				continue
			}
			index[d.ID] = len(next)
			next = append(next, d.Clone())
		}
		return next
	case CommandRemove:
		drop := make(map[string]struct{}, len(c.IDs))
		for _, id := range c.IDs {
			drop[id] = struct{}{}
		}
		next := make([]shard.Descriptor, 0, len(current))
		for _, d := range current {
			if _, gone := drop[d.ID]; !gone {
				next = append(next, d)
			}
		}
		return next
	}
	return current
}
