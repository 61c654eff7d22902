// Package keyed provides a string-keyed map split into independently locked
// shards, so work on unrelated keys never waits on a shared mutex.
package keyed

import (
	"hash/fnv"
	"sync"
)

const DefaultShards = 32

type Map[V any] struct {
	shards []*shard[V]
}

type shard[V any] struct {
	mu    sync.Mutex
	items map[string]V
}

func New[V any](shards int) *Map[V] {
	if shards <= 0 {
		shards = DefaultShards
	}
	m := &Map[V]{shards: make([]*shard[V], shards)}
	for i := range m.shards {
		m.shards[i] = &shard[V]{items: make(map[string]V)}
	}
	return m
}

// Do runs fn with exclusive access to the shard owning key. fn receives the
// shard's backing map and may read, insert or delete entries for key. It must
// not call back into the same Map.
func (m *Map[V]) Do(key string, fn func(items map[string]V)) {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.items)
}

func (m *Map[V]) Get(key string) (V, bool) {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.items[key]
	return v, ok
}

func (m *Map[V]) Len() int {
	total := 0
	for _, s := range m.shards {
		s.mu.Lock()
		total += len(s.items)
		s.mu.Unlock()
	}
	return total
}

// Drain removes every entry and returns them. Shards are emptied one at a
// time.
func (m *Map[V]) Drain() map[string]V {
	out := make(map[string]V)
	for _, s := range m.shards {
		s.mu.Lock()
		for k, v := range s.items {
			out[k] = v
			delete(s.items, k)
		}
		s.mu.Unlock()
	}
	return out
}

// Keys returns a snapshot of the current keys in no particular order.
func (m *Map[V]) Keys() []string {
	keys := make([]string, 0)
	for _, s := range m.shards {
		s.mu.Lock()
		for k := range s.items {
			keys = append(keys, k)
		}
		s.mu.Unlock()
	}
	return keys
}

func (m *Map[V]) shardFor(key string) *shard[V] {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return m.shards[h.Sum32()%uint32(len(m.shards))]
}
