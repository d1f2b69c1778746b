// Package sharded provides lock-striped maps and sets keyed by relative path.
// The sync workers and the watch processor share these tables, so contention
// is spread over independent shards instead of a single mutex.
package sharded

import (
	"hash/fnv"
	"math/bits"
	"strings"
	"sync"
)

// DefaultShards is the shard count used for per-tree path tables.
const DefaultShards = 64

type shard[V any] struct {
	mu    sync.RWMutex
	items map[string]V
}

// Map is a concurrent map from relative path to V.
type Map[V any] struct {
	shards []*shard[V]
	mask   uint32
}

// NewMap creates a map with at least n shards, rounded up to a power of two.
func NewMap[V any](n int) *Map[V] {
	if n < 1 {
		n = 1
	}
	n = 1 << bits.Len(uint(n-1))
	m := &Map[V]{shards: make([]*shard[V], n), mask: uint32(n - 1)}
	for i := range m.shards {
		m.shards[i] = &shard[V]{items: make(map[string]V)}
	}
	return m
}

func (m *Map[V]) shardFor(path string) *shard[V] {
	h := fnv.New32a()
	h.Write([]byte(path))
	return m.shards[h.Sum32()&m.mask]
}

// Store records value for path.
func (m *Map[V]) Store(path string, value V) {
	s := m.shardFor(path)
	s.mu.Lock()
	s.items[path] = value
	s.mu.Unlock()
}

// Load returns the value recorded for path.
func (m *Map[V]) Load(path string) (V, bool) {
	s := m.shardFor(path)
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.items[path]
	return v, ok
}

// Has reports whether path is present.
func (m *Map[V]) Has(path string) bool {
	_, ok := m.Load(path)
	return ok
}

// Delete forgets path.
func (m *Map[V]) Delete(path string) {
	s := m.shardFor(path)
	s.mu.Lock()
	delete(s.items, path)
	s.mu.Unlock()
}

// DeletePrefix forgets dir and every path below it. Used when a whole
// directory disappears from a tree.
func (m *Map[V]) DeletePrefix(dir string) {
	prefix := dir + "/"
	for _, s := range m.shards {
		s.mu.Lock()
		for k := range s.items {
			if k == dir || strings.HasPrefix(k, prefix) {
				delete(s.items, k)
			}
		}
		s.mu.Unlock()
	}
}

// Count returns the number of paths in the map.
func (m *Map[V]) Count() int {
	n := 0
	for _, s := range m.shards {
		s.mu.RLock()
		n += len(s.items)
		s.mu.RUnlock()
	}
	return n
}

// Range calls f for every path until f returns false. Shards are read locked
// one at a time, so f must not modify the map.
func (m *Map[V]) Range(f func(path string, value V) bool) {
	for _, s := range m.shards {
		s.mu.RLock()
		for k, v := range s.items {
			if !f(k, v) {
				s.mu.RUnlock()
				return
			}
		}
		s.mu.RUnlock()
	}
}

// Set is a concurrent set of relative paths.
type Set struct {
	m *Map[struct{}]
}

// NewSet creates a set with at least n shards.
func NewSet(n int) *Set {
	return &Set{m: NewMap[struct{}](n)}
}

// Store adds path to the set.
func (s *Set) Store(path string) { s.m.Store(path, struct{}{}) }

// Has reports whether path is in the set.
func (s *Set) Has(path string) bool { return s.m.Has(path) }

// Count returns the number of paths in the set.
func (s *Set) Count() int { return s.m.Count() }
