// Package editcache holds the authoritative in-memory content of files that
// are being edited but not necessarily persisted yet.
package editcache

import (
	"sync"
	"time"

	"github.com/fruitsalade/fruitsalade/livesync/internal/fileid"
	"github.com/fruitsalade/fruitsalade/livesync/internal/metrics"
)

// Entry is a cached file.
//
// LastModified is updated by every mutation. It is both the debounce input
// and the janitor's idle criterion; there is deliberately only one clock.
type Entry struct {
	Content      string
	Language     string
	LastModified time.Time
}

// Cache maps file identities to entries. It is safe for concurrent use; the
// collab service additionally serializes mutations per file.
type Cache struct {
	mu      sync.RWMutex
	entries map[fileid.ID]*Entry
	now     func() time.Time
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock overrides time.Now. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New creates an empty cache.
func New(opts ...Option) *Cache {
	c := &Cache{
		entries: make(map[fileid.ID]*Entry),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns a copy of the entry for id.
func (c *Cache) Get(id fileid.ID) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[id]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Put stores content for id. An empty language keeps the cached one.
func (c *Cache) Put(id fileid.ID, content, language string) Entry {
	c.mu.Lock()
	e, ok := c.entries[id]
	if !ok {
		e = &Entry{}
		c.entries[id] = e
	}
	e.Content = content
	if language != "" {
		e.Language = language
	}
	e.LastModified = c.now()
	out, n := *e, len(c.entries)
	c.mu.Unlock()

	metrics.SetCacheEntries(n)
	return out
}

// Touch refreshes LastModified without changing content. It reports whether
// the entry exists.
func (c *Cache) Touch(id fileid.ID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[id]
	if !ok {
		return false
	}
	e.LastModified = c.now()
	return true
}

// Remove deletes the entry for id.
func (c *Cache) Remove(id fileid.ID) {
	c.mu.Lock()
	delete(c.entries, id)
	n := len(c.entries)
	c.mu.Unlock()

	metrics.SetCacheEntries(n)
}

// RemoveIfIdle deletes the entry only if it has not been modified since
// cutoff. It reports whether the entry was removed.
func (c *Cache) RemoveIfIdle(id fileid.ID, cutoff time.Time) bool {
	c.mu.Lock()
	e, ok := c.entries[id]
	if !ok || e.LastModified.After(cutoff) {
		c.mu.Unlock()
		return false
	}
	delete(c.entries, id)
	n := len(c.entries)
	c.mu.Unlock()

	metrics.SetCacheEntries(n)
	return true
}

// Idle returns the IDs whose LastModified is at or before cutoff.
func (c *Cache) Idle(cutoff time.Time) []fileid.ID {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var ids []fileid.ID
	for id, e := range c.entries {
		if !e.LastModified.After(cutoff) {
			ids = append(ids, id)
		}
	}
	return ids
}

// Keys returns every cached ID.
func (c *Cache) Keys() []fileid.ID {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ids := make([]fileid.ID, 0, len(c.entries))
	for id := range c.entries {
		ids = append(ids, id)
	}
	return ids
}

// Len returns the number of cached files.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
