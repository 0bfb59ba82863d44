// Package database provides the keyed record databases behind the entry
// store. Reads and writes go to an in-memory cache; Sync commits the dirty
// keys to a durable backend in one transaction.
package database

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	// ErrExists is returned by Set when the key is present and overwrite is false.
	ErrExists = errors.New("database: key exists")
	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("database: closed")
)

// DB is a keyed byte store.
type DB interface {
	Get(key string) ([]byte, bool)
	Set(key string, value []byte, overwrite bool) error
	Unset(key string) error
	Clear() error
	Keys() []string
	Sync() error
	Close() error
}

// Batch is one commit worth of changes. Clear is applied before Put and
// Delete.
type Batch struct {
	Clear  bool
	Put    map[string][]byte
	Delete []string
}

// Empty reports whether committing b would change nothing.
func (b Batch) Empty() bool {
	return !b.Clear && len(b.Put) == 0 && len(b.Delete) == 0
}

// Backend is the durable side of a Cache.
type Backend interface {
	Load(ctx context.Context) (map[string][]byte, error)
	Commit(ctx context.Context, b Batch) error
	Close() error
}

// Stats counts cache activity since creation.
type Stats struct {
	Writes  int
	Syncs   int
	Commits int
}

// Cache implements DB over a Backend.
type Cache struct {
	mu      sync.Mutex
	name    string
	backend Backend
	data    map[string][]byte
	dirty   map[string]struct{}
	cleared bool
	closed  bool
	stats   Stats
}

// NewCache loads every record from backend.
func NewCache(ctx context.Context, name string, backend Backend) (*Cache, error) {
	data, err := backend.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", name, err)
	}
	if data == nil {
		data = make(map[string][]byte)
	}
	return &Cache{
		name:    name,
		backend: backend,
		data:    data,
		dirty:   make(map[string]struct{}),
	}, nil
}

// Name returns the database name.
func (c *Cache) Name() string { return c.name }

func (c *Cache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[key]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), v...), true
}

func (c *Cache) Set(key string, value []byte, overwrite bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if _, ok := c.data[key]; ok && !overwrite {
		return ErrExists
	}
	c.data[key] = append([]byte(nil), value...)
	c.dirty[key] = struct{}{}
	c.stats.Writes++
	return nil
}

func (c *Cache) Unset(key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if _, ok := c.data[key]; !ok {
		return nil
	}
	delete(c.data, key)
	c.dirty[key] = struct{}{}
	return nil
}

func (c *Cache) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.data = make(map[string][]byte)
	c.dirty = make(map[string]struct{})
	c.cleared = true
	return nil
}

// Keys returns a sorted snapshot of the stored keys.
func (c *Cache) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, len(c.data))
	for k := range c.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Sync commits pending changes. A failed commit keeps them pending.
func (c *Cache) Sync() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	return c.syncLocked()
}

func (c *Cache) syncLocked() error {
	c.stats.Syncs++
	b := Batch{Clear: c.cleared, Put: make(map[string][]byte)}
	for k := range c.dirty {
		if v, ok := c.data[k]; ok {
			b.Put[k] = v
		} else {
			b.Delete = append(b.Delete, k)
		}
	}
	if b.Empty() {
		return nil
	}
	if err := c.backend.Commit(context.Background(), b); err != nil {
		return fmt.Errorf("commit %s: %w", c.name, err)
	}
	c.stats.Commits++
	c.cleared = false
	c.dirty = make(map[string]struct{})
	return nil
}

// Close syncs and closes the backend.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	syncErr := c.syncLocked()
	if err := c.backend.Close(); err != nil && syncErr == nil {
		syncErr = err
	}
	return syncErr
}

// Stats returns the activity counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Pending reports whether there are uncommitted changes.
func (c *Cache) Pending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cleared || len(c.dirty) > 0
}
