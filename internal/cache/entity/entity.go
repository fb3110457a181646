// Package entity provides a generic keyed in-memory store for cached
// records. It knows nothing about spatial indexing or optimistic state;
// those concerns are composed on top of it.
package entity

import (
	"sync"
	"time"
)

type entry[T any] struct {
	val      T
	storedAt time.Time
}

// Cache is a keyed store with O(1) get/put/update/remove. Every entry
// carries the time of its last full Put; staleness interpretation is
// the caller's concern. All methods are atomic with respect to a single
// invocation.
type Cache[T any] struct {
	mu      sync.RWMutex
	now     func() time.Time
	entries map[string]entry[T]
}

func New[T any]() *Cache[T] {
	return &Cache[T]{
		now:     time.Now,
		entries: make(map[string]entry[T]),
	}
}

// SetNow overrides the clock. Intended for tests.
func (c *Cache[T]) SetNow(now func() time.Time) {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
}

func (c *Cache[T]) Get(id string) (T, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[id]
	return e.val, ok
}

// GetStamped returns the value together with its last full-write time.
func (c *Cache[T]) GetStamped(id string) (T, time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[id]
	return e.val, e.storedAt, ok
}

// Put stores an authoritative copy and resets the entry's write stamp.
func (c *Cache[T]) Put(id string, v T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[id] = entry[T]{val: v, storedAt: c.now()}
}

// Update applies fn to the stored value in place and reports whether
// the entry existed. The merge-by-mutation shape preserves fields the
// caller did not know about. The write stamp is kept: a partial update
// is a local reconciliation, not fresh authoritative data.
func (c *Cache[T]) Update(id string, fn func(*T)) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok {
		return false
	}
	fn(&e.val)
	c.entries[id] = e
	return true
}

func (c *Cache[T]) Remove(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, id)
}

func (c *Cache[T]) Has(id string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.entries[id]
	return ok
}

func (c *Cache[T]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *Cache[T]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]entry[T])
}
