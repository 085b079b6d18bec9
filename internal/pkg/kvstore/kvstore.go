package kvstore

import (
	"sync"
)

type KVStore[K comparable, V any] struct {
	data map[K]V
	mu   sync.RWMutex
}

// New creates new KVStore instance.
func New[K comparable, V any]() *KVStore[K, V] {
	return &KVStore[K, V]{data: make(map[K]V)}
}

// Get returns value by key.
func (s *KVStore[K, V]) Get(key K) (V, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	item, ok := s.data[key]
	return item, ok
}

// Set stores value in storage making it accessible by key.
func (s *KVStore[K, V]) Set(key K, data V) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = data
}

// Remove entry by key.
func (s *KVStore[K, V]) Remove(key K) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.data[key]
	delete(s.data, key)
	return ok
}

// Replace swaps the whole contents of the store with the given map.
// The map is copied, the caller keeps ownership of its argument.
func (s *KVStore[K, V]) Replace(data map[K]V) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data = make(map[K]V, len(data))
	for k, v := range data {
		s.data[k] = v
	}
}

// Snapshot returns a copy of the current contents.
func (s *KVStore[K, V]) Snapshot() map[K]V {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[K]V, len(s.data))
	for k, v := range s.data {
		out[k] = v
	}
	return out
}
