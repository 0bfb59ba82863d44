package database

import (
	"context"
	"errors"
	"sync"
)

// Memory is an in-process Backend used by tests and by the offline tool's
// dry runs. Setting Fail makes every Commit fail.
type Memory struct {
	mu      sync.Mutex
	data    map[string][]byte
	commits int
	Fail    error
}

// NewMemory returns an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{data: make(map[string][]byte)}
}

func (m *Memory) Load(ctx context.Context) (map[string][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string][]byte, len(m.data))
	for k, v := range m.data {
		out[k] = append([]byte(nil), v...)
	}
	return out, nil
}

func (m *Memory) Commit(ctx context.Context, b Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail != nil {
		return m.Fail
	}
	if b.Clear {
		m.data = make(map[string][]byte)
	}
	for k, v := range b.Put {
		m.data[k] = append([]byte(nil), v...)
	}
	for _, k := range b.Delete {
		delete(m.data, k)
	}
	m.commits++
	return nil
}

func (m *Memory) Close() error { return nil }

// Commits returns the number of successful commits.
func (m *Memory) Commits() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.commits
}

// Raw returns the committed value for key.
func (m *Memory) Raw(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok
}

// Put stores a committed value directly, bypassing any cache.
func (m *Memory) Put(key string, value []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = append([]byte(nil), value...)
}

// ErrInjected is a convenience failure for Memory.Fail.
var ErrInjected = errors.New("database: injected failure")

// OpenMemory wraps a Memory backend in a Cache.
func OpenMemory(name string, m *Memory) *Cache {
	c, _ := NewCache(context.Background(), name, m)
	return c
}
