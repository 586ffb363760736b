// Package registry holds the in-memory relay state of the hub: keyed
// stores of tunnels and terminals with secondary indexes by connection id
// and idle-timeout eviction.
package registry

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/koltyakov/relayhub/internal/clock"
)

// ErrUnknownIndex is returned by index lookups on a name that was not
// configured.
var ErrUnknownIndex = errors.New("unknown registry index")

// IndexFunc extracts the secondary values an entry is indexed under.
type IndexFunc[E any] func(E) []string

// Options configures a Registry.
type Options[E any] struct {
	// IdleTimeout is the inactivity period after which an entry is evicted.
	// Zero or negative disables idle eviction.
	IdleTimeout time.Duration
	// OnIdle receives the last state of every entry evicted for inactivity.
	// It runs after the entry has left the registry, without the registry
	// lock held.
	OnIdle func(E)
	// Indexes names the secondary indexes to maintain.
	Indexes map[string]IndexFunc[E]
	// Clock defaults to clock.Real().
	Clock clock.Clock
}

type slot[E any] struct {
	entry E
	timer clock.Timer
	gen   uint64
}

type index[E any] struct {
	values IndexFunc[E]
	ix     *Index
}

// Registry is a keyed store of entries of type E with secondary indexes
// and idle eviction. Every entry removal, explicit or by index or by idle
// timer, goes through the same path: cancel the timer, purge every index,
// delete the slot.
//
// Registry is safe for concurrent use.
type Registry[E any] struct {
	mu          sync.Mutex
	entries     map[string]*slot[E]
	indexes     map[string]*index[E]
	idleTimeout time.Duration
	onIdle      func(E)
	clock       clock.Clock
	seq         uint64
}

// New creates an empty Registry.
func New[E any](opts Options[E]) *Registry[E] {
	c := opts.Clock
	if c == nil {
		c = clock.Real()
	}
	r := &Registry[E]{
		entries:     make(map[string]*slot[E]),
		indexes:     make(map[string]*index[E], len(opts.Indexes)),
		idleTimeout: opts.IdleTimeout,
		onIdle:      opts.OnIdle,
		clock:       c,
	}
	for name, fn := range opts.Indexes {
		r.indexes[name] = &index[E]{values: fn, ix: NewIndex()}
	}
	return r
}

// Register inserts entry under key. It returns false without touching any
// state when key is empty or already present.
func (r *Registry[E]) Register(key string, entry E) (E, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if key == "" {
		var zero E
		return zero, false
	}
	if _, exists := r.entries[key]; exists {
		var zero E
		return zero, false
	}
	s := &slot[E]{entry: entry}
	r.entries[key] = s
	for _, idx := range r.indexes {
		idx.ix.reindex(key, nil, idx.values(entry))
	}
	r.scheduleLocked(key, s)
	return entry, true
}

// Get returns the entry stored under key.
func (r *Registry[E]) Get(key string) (E, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.entries[key]
	if !ok {
		var zero E
		return zero, false
	}
	return s.entry, true
}

// MarkActivity reschedules the idle timer of key. It reports whether the
// entry exists.
func (r *Registry[E]) MarkActivity(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.entries[key]
	if !ok {
		return false
	}
	r.scheduleLocked(key, s)
	return true
}

// Update applies fn to the entry under key, re-indexes whatever index
// values fn changed and reschedules the idle timer. The returned entry is
// the state after fn.
func (r *Registry[E]) Update(key string, fn func(*E)) (E, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.entries[key]
	if !ok {
		var zero E
		return zero, false
	}
	before := make(map[string][]string, len(r.indexes))
	for name, idx := range r.indexes {
		before[name] = idx.values(s.entry)
	}
	fn(&s.entry)
	for name, idx := range r.indexes {
		idx.ix.reindex(key, before[name], idx.values(s.entry))
	}
	r.scheduleLocked(key, s)
	return s.entry, true
}

// Inspect calls fn with the entry under key while the registry lock is
// held. fn must not call back into the registry.
func (r *Registry[E]) Inspect(key string, fn func(E)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.entries[key]
	if !ok {
		return false
	}
	fn(s.entry)
	return true
}

// Remove deletes key and returns its last state.
func (r *Registry[E]) Remove(key string) (E, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(key)
}

// RemoveByIndex removes every entry indexed under value in the named
// index and returns them in key order.
func (r *Registry[E]) RemoveByIndex(name, value string) ([]E, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx, ok := r.indexes[name]
	if !ok {
		return nil, ErrUnknownIndex
	}
	keys := idx.ix.Keys(value)
	out := make([]E, 0, len(keys))
	for _, key := range keys {
		if e, ok := r.removeLocked(key); ok {
			out = append(out, e)
		}
	}
	return out, nil
}

// UpdateByIndex applies fn to every entry indexed under value in the named
// index and returns the updated entries in key order.
func (r *Registry[E]) UpdateByIndex(name, value string, fn func(*E)) ([]E, error) {
	r.mu.Lock()
	idx, ok := r.indexes[name]
	if !ok {
		r.mu.Unlock()
		return nil, ErrUnknownIndex
	}
	keys := idx.ix.Keys(value)
	r.mu.Unlock()

	out := make([]E, 0, len(keys))
	for _, key := range keys {
		if e, ok := r.Update(key, fn); ok {
			out = append(out, e)
		}
	}
	return out, nil
}

// KeysByIndex returns the keys indexed under value in the named index.
func (r *Registry[E]) KeysByIndex(name, value string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx, ok := r.indexes[name]
	if !ok {
		return nil, ErrUnknownIndex
	}
	return idx.ix.Keys(value), nil
}

// IndexHas reports whether the named index holds a bucket for value.
func (r *Registry[E]) IndexHas(name, value string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx, ok := r.indexes[name]
	if !ok {
		return false
	}
	return idx.ix.Has(value)
}

// Len returns the number of entries.
func (r *Registry[E]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Keys returns all keys in sorted order.
func (r *Registry[E]) Keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.entries))
	for k := range r.entries {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (r *Registry[E]) removeLocked(key string) (E, bool) {
	s, ok := r.entries[key]
	if !ok {
		var zero E
		return zero, false
	}
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	for _, idx := range r.indexes {
		idx.ix.reindex(key, idx.values(s.entry), nil)
	}
	delete(r.entries, key)
	return s.entry, true
}

func (r *Registry[E]) scheduleLocked(key string, s *slot[E]) {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if r.idleTimeout <= 0 {
		return
	}
	r.seq++
	gen := r.seq
	s.gen = gen
	s.timer = r.clock.AfterFunc(r.idleTimeout, func() { r.expire(key, gen) })
}

// expire evicts key only if the slot that scheduled this timer is still
// the current one: a stale timer must not evict an entry that was
// rescheduled, removed, or replaced under the same key.
func (r *Registry[E]) expire(key string, gen uint64) {
	r.mu.Lock()
	s, ok := r.entries[key]
	if !ok || s.gen != gen {
		r.mu.Unlock()
		return
	}
	s.timer = nil
	entry, _ := r.removeLocked(key)
	onIdle := r.onIdle
	r.mu.Unlock()

	if onIdle != nil {
		onIdle(entry)
	}
}
