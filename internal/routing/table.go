// Package routing keeps the per-source shard membership of the router: a
// copy-on-write routing table, the update commands that mutate it, the
// subscriber that applies broadcast updates and the shard selection policies.
package routing

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/OpenCyberspace/AIGr.id-sub002/internal/shard"
)

// entry is the immutable membership of one source
type entry struct {
	shards  []shard.Descriptor
	version uint64
}

type state map[string]*entry

// Table maps sources to their ordered shard lists.
//
// Readers load a single pointer and never block. Writers serialize on mu,
// build a new state and swap it in, so a reader always observes either the
// state before or after a mutation.
type Table struct {
	mu    sync.Mutex
	state atomic.Pointer[state]
}

// NewTable creates an empty routing table
func NewTable() *Table {
	t := &Table{}
	empty := state{}
	t.state.Store(&empty)
	return t
}

func (t *Table) load() state {
	return *t.state.Load()
}

// Snapshot returns a copy of the ordered shard list of a source
func (t *Table) Snapshot(sourceID string) []shard.Descriptor {
	e, ok := t.load()[sourceID]
	if !ok {
		return []shard.Descriptor{}
	}
	return shard.CloneAll(e.shards)
}

// Has reports whether the table holds a shard list for the source
func (t *Table) Has(sourceID string) bool {
	_, ok := t.load()[sourceID]
	return ok
}

// Version returns the number of mutations applied to the source
func (t *Table) Version(sourceID string) uint64 {
	if e, ok := t.load()[sourceID]; ok {
		return e.version
	}
	return 0
}

// Sources lists the sources known to the table, sorted
func (t *Table) Sources() []string {
	s := t.load()
	sources := make([]string, 0, len(s))
	for id := range s {
		sources = append(sources, id)
	}
	sort.Strings(sources)
	return sources
}

// Replace atomically swaps the whole shard list of a source
func (t *Table) Replace(sourceID string, shards []shard.Descriptor) error {
	if err := shard.ValidateSet(shards); err != nil {
		return fmt.Errorf("replace routing for source %s: %w", sourceID, err)
	}
	next := shard.CloneAll(shards)
	if next == nil {
		next = []shard.Descriptor{}
	}
	t.mutate(sourceID, func([]shard.Descriptor) []shard.Descriptor {
		return next
	})
	return nil
}

// Apply atomically applies an incremental update command to a source. A
// source without an entry is treated as empty.
func (t *Table) Apply(sourceID string, cmd UpdateCommand) error {
	if err := cmd.Validate(); err != nil {
		return err
	}
	t.mutate(sourceID, cmd.applyTo)
	return nil
}

// Drop forgets a source
func (t *Table) Drop(sourceID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	cur := t.load()
	if _, ok := cur[sourceID]; !ok {
		return
	}
	next := make(state, len(cur))
	for id, e := range cur {
		if id != sourceID {
			next[id] = e
		}
	}
	t.state.Store(&next)
}

func (t *Table) mutate(sourceID string, fn func([]shard.Descriptor) []shard.Descriptor) {
	t.mu.Lock()
	defer t.mu.Unlock()

	cur := t.load()
	var (
		shards  []shard.Descriptor
		version uint64
	)
	if e, ok := cur[sourceID]; ok {
		shards, version = e.shards, e.version
	}

	next := make(state, len(cur)+1)
	for id, e := range cur {
		next[id] = e
	}
	next[sourceID] = &entry{shards: fn(shards), version: version + 1}
	t.state.Store(&next)
}
