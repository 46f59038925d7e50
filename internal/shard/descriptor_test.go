package shard

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_Validation(t *testing.T) {
	d, err := New("shard-0", "10.0.0.1", 6379, WithPassword("secret"))
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1:6379", d.Addr())
	assert.False(t, d.HasFailover())

	_, err = New("", "10.0.0.1", 6379)
	assert.ErrorIs(t, err, ErrInvalidDescriptor)

	_, err = New("shard-0", "", 6379)
	assert.ErrorIs(t, err, ErrInvalidDescriptor)

	_, err = New("shard-0", "10.0.0.1", 70000)
	assert.ErrorIs(t, err, ErrInvalidDescriptor)

	_, err = New("shard-0", "10.0.0.1", 6379, WithFailoverMonitor(Monitor{Host: "10.0.0.9", Port: 26379}))
	assert.ErrorIs(t, err, ErrInvalidDescriptor, "master name is required")
}

func TestDescriptor_CloneIsDeep(t *testing.T) {
	d, err := New("shard-0", "10.0.0.1", 6379,
		WithFailoverMonitor(Monitor{Host: "10.0.0.9", Port: 26379, MasterName: "framedb-0"}))
	require.NoError(t, err)

	c := d.Clone()
	c.FailoverMonitor.MasterName = "other"

	assert.Equal(t, "framedb-0", d.FailoverMonitor.MasterName)
	assert.False(t, d.Equal(c))
	assert.True(t, d.Equal(d.Clone()))
}

func TestDescriptor_JSON(t *testing.T) {
	raw := `{"id":"shard-1","host":"10.0.0.2","port":6379,
		"failoverMonitor":{"host":"10.0.0.9","port":26379,"masterName":"framedb-1"}}`

	var d Descriptor
	require.NoError(t, json.Unmarshal([]byte(raw), &d))
	require.NoError(t, d.Validate())
	assert.Equal(t, "shard-1", d.ID)
	assert.True(t, d.HasFailover())
	assert.Equal(t, "10.0.0.9:26379", d.FailoverMonitor.Addr())
	assert.NotContains(t, d.String(), "password")
}

func TestValidateSet_RejectsDuplicates(t *testing.T) {
	a, _ := New("a", "h", 1)
	b, _ := New("b", "h", 2)

	assert.NoError(t, ValidateSet([]Descriptor{a, b}))
	assert.ErrorIs(t, ValidateSet([]Descriptor{a, b, a}), ErrInvalidDescriptor)
	assert.Equal(t, []string{"a", "b"}, IDs([]Descriptor{a, b}))
}
