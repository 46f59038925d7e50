// Package shard describes framedb shards: the connection coordinates of one
// key-value node and, optionally, the failover monitor that tracks its master.
package shard

import (
	"errors"
	"fmt"
	"net"
	"strconv"
)

// ErrInvalidDescriptor is returned when a descriptor fails validation
var ErrInvalidDescriptor = errors.New("invalid shard descriptor")

// Monitor holds the coordinates of the failover monitor (Sentinel) for a shard
type Monitor struct {
	Host       string `json:"host" yaml:"host" mapstructure:"host"`
	Port       int    `json:"port" yaml:"port" mapstructure:"port"`
	Password   string `json:"password,omitempty" yaml:"password,omitempty" mapstructure:"password"`
	MasterName string `json:"masterName" yaml:"master_name" mapstructure:"master_name"`
}

// Addr returns the monitor address in host:port form
func (m Monitor) Addr() string {
	return net.JoinHostPort(m.Host, strconv.Itoa(m.Port))
}

// Validate checks that the monitor can be queried
func (m Monitor) Validate() error {
	if m.Host == "" {
		return fmt.Errorf("%w: failover monitor host is required", ErrInvalidDescriptor)
	}
	if m.Port <= 0 || m.Port > 65535 {
		return fmt.Errorf("%w: failover monitor port %d out of range", ErrInvalidDescriptor, m.Port)
	}
	if m.MasterName == "" {
		return fmt.Errorf("%w: failover monitor master name is required", ErrInvalidDescriptor)
	}
	return nil
}

// Descriptor identifies one shard. Descriptors are values: once built they are
// never mutated, and every copy handed out by the routing table is a Clone.
//
// When FailoverMonitor is set, Host and Port are only the last known address
// of the master; the monitor is authoritative.
type Descriptor struct {
	ID              string   `json:"id" yaml:"id" mapstructure:"id"`
	Host            string   `json:"host" yaml:"host" mapstructure:"host"`
	Port            int      `json:"port" yaml:"port" mapstructure:"port"`
	Password        string   `json:"password,omitempty" yaml:"password,omitempty" mapstructure:"password"`
	FailoverMonitor *Monitor `json:"failoverMonitor,omitempty" yaml:"failover_monitor,omitempty" mapstructure:"failover_monitor"`
}

// Option customizes a descriptor built with New
type Option func(*Descriptor)

// WithPassword sets the password used to authenticate against the shard
func WithPassword(password string) Option {
	return func(d *Descriptor) {
		d.Password = password
	}
}

// WithFailoverMonitor attaches a failover monitor to the shard
func WithFailoverMonitor(m Monitor) Option {
	return func(d *Descriptor) {
		d.FailoverMonitor = &m
	}
}

// New builds and validates a descriptor
func New(id, host string, port int, opts ...Option) (Descriptor, error) {
	d := Descriptor{ID: id, Host: host, Port: port}
	for _, opt := range opts {
		opt(&d)
	}
	if err := d.Validate(); err != nil {
		return Descriptor{}, err
	}
	return d, nil
}

// Validate checks that the descriptor is usable for routing
func (d Descriptor) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidDescriptor)
	}
	if d.Host == "" {
		return fmt.Errorf("%w: shard %s: host is required", ErrInvalidDescriptor, d.ID)
	}
	if d.Port <= 0 || d.Port > 65535 {
		return fmt.Errorf("%w: shard %s: port %d out of range", ErrInvalidDescriptor, d.ID, d.Port)
	}
	if d.FailoverMonitor != nil {
		if err := d.FailoverMonitor.Validate(); err != nil {
			return fmt.Errorf("shard %s: %w", d.ID, err)
		}
	}
	return nil
}

// Addr returns the descriptor address in host:port form
func (d Descriptor) Addr() string {
	return net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
}

// HasFailover reports whether the master must be resolved through a monitor
func (d Descriptor) HasFailover() bool {
	return d.FailoverMonitor != nil
}

// Clone returns a deep copy of the descriptor
func (d Descriptor) Clone() Descriptor {
	if d.FailoverMonitor != nil {
		m := *d.FailoverMonitor
		d.FailoverMonitor = &m
	}
	return d
}

// Equal reports whether both descriptors carry the same coordinates
func (d Descriptor) Equal(o Descriptor) bool {
	if d.ID != o.ID || d.Host != o.Host || d.Port != o.Port || d.Password != o.Password {
		return false
	}
	if d.FailoverMonitor == nil || o.FailoverMonitor == nil {
		return d.FailoverMonitor == nil && o.FailoverMonitor == nil
	}
	return *d.FailoverMonitor == *o.FailoverMonitor
}

// String renders the descriptor without secrets
func (d Descriptor) String() string {
	if d.FailoverMonitor != nil {
		return fmt.Sprintf("%s@%s (master %s via %s)", d.ID, d.Addr(),
			d.FailoverMonitor.MasterName, d.FailoverMonitor.Addr())
	}
	return fmt.Sprintf("%s@%s", d.ID, d.Addr())
}

// ValidateSet validates every descriptor and rejects duplicate ids
func ValidateSet(shards []Descriptor) error {
	seen := make(map[string]struct{}, len(shards))
	for _, d := range shards {
		if err := d.Validate(); err != nil {
			return err
		}
		if _, dup := seen[d.ID]; dup {
			return fmt.Errorf("%w: duplicate id %s", ErrInvalidDescriptor, d.ID)
		}
		seen[d.ID] = struct{}{}
	}
	return nil
}

// IDs returns the ids of the given descriptors, in order
func IDs(shards []Descriptor) []string {
	ids := make([]string, len(shards))
	for i, d := range shards {
		ids[i] = d.ID
	}
	return ids
}

// CloneAll deep-copies a descriptor slice
func CloneAll(shards []Descriptor) []Descriptor {
	if shards == nil {
		return nil
	}
	out := make([]Descriptor, len(shards))
	for i, d := range shards {
		out[i] = d.Clone()
	}
	return out
}
