package rules

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// ValueCache holds resolved variable values for their configured TTL.
// Entries are keyed by (variable id, context identity); concurrent writes
// for the same key are last-writer-wins, which is safe because a cached
// value is a pure function of its key.
type ValueCache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
}

type cacheEntry struct {
	value      any
	variableID uuid.UUID
	expiresAt  time.Time
}

func NewValueCache() *ValueCache {
	return &ValueCache{entries: make(map[string]cacheEntry)}
}

func cacheKey(variableID uuid.UUID, contextKey string) string {
	return variableID.String() + "|" + contextKey
}

func (c *ValueCache) Get(variableID uuid.UUID, contextKey string) (any, bool) {
	c.mu.RLock()
	entry, ok := c.entries[cacheKey(variableID, contextKey)]
	c.mu.RUnlock()
	if !ok || time.Now().After(entry.expiresAt) {
		return nil, false
	}
	return entry.value, true
}

func (c *ValueCache) Set(variableID uuid.UUID, contextKey string, value any, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	c.mu.Lock()
	c.entries[cacheKey(variableID, contextKey)] = cacheEntry{
		value:      value,
		variableID: variableID,
		expiresAt:  time.Now().Add(ttl),
	}
	c.mu.Unlock()
}

// InvalidateVariable drops every cached value for a variable. Called when
// the variable definition changes so stale values never outlive an edit.
func (c *ValueCache) InvalidateVariable(variableID uuid.UUID) {
	c.mu.Lock()
	for key, entry := range c.entries {
		if entry.variableID == variableID {
			delete(c.entries, key)
		}
	}
	c.mu.Unlock()
}

// PurgeExpired removes dead entries. Called opportunistically; correctness
// does not depend on it since Get checks expiry.
func (c *ValueCache) PurgeExpired() {
	now := time.Now()
	c.mu.Lock()
	for key, entry := range c.entries {
		if now.After(entry.expiresAt) {
			delete(c.entries, key)
		}
	}
	c.mu.Unlock()
}

func (c *ValueCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
