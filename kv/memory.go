package kv

import (
	"context"
	"sync"
)

const watchBuffer = 16

// MemoryStore is a concurrency-safe in-process [Store] and [Watcher].
type MemoryStore struct {
	mu       sync.RWMutex
	data     map[string]string
	watchers map[chan Change]struct{}
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data:     make(map[string]string),
		watchers: make(map[chan Change]struct{}),
	}
}

func (m *MemoryStore) Get(_ context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.data[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (m *MemoryStore) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	m.data[key] = value
	m.broadcastLocked(Change{Key: key})
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, key := range keys {
		if _, ok := m.data[key]; !ok {
			continue
		}
		delete(m.data, key)
		m.broadcastLocked(Change{Key: key, Deleted: true})
	}
	return nil
}

// Watch registers a change subscriber. Slow subscribers miss changes rather
// than blocking writers.
func (m *MemoryStore) Watch(ctx context.Context) (<-chan Change, error) {
	ch := make(chan Change, watchBuffer)

	m.mu.Lock()
	m.watchers[ch] = struct{}{}
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		delete(m.watchers, ch)
		close(ch)
		m.mu.Unlock()
	}()

	return ch, nil
}

// Len reports the number of stored keys.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}

func (m *MemoryStore) broadcastLocked(c Change) {
	for ch := range m.watchers {
		select {
		case ch <- c:
		default:
		}
	}
}
