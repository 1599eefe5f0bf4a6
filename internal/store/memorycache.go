package store

import (
	"context"
	"sync"
	"time"

	"github.com/roach88/loom/internal/graph"
)

const janitorInterval = 30 * time.Second

// MemoryCache is the in-process CacheStore. Expired entries are dropped
// lazily on Get and swept by a janitor goroutine so an idle cache does
// not pin dead entries forever.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]graph.CacheEntry

	now  func() time.Time
	stop chan struct{}
	done chan struct{}
}

var _ CacheStore = (*MemoryCache)(nil)

func NewMemoryCache() *MemoryCache {
	c := &MemoryCache{
		entries: make(map[string]graph.CacheEntry),
		now:     time.Now,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go c.janitor()
	return c
}

func (c *MemoryCache) Get(_ context.Context, key string) (*graph.CacheEntry, error) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	if entry.Expired(c.now()) {
		c.mu.Lock()
		// Re-check under the write lock; a Put may have refreshed it.
		if current, ok := c.entries[key]; ok && current.Expired(c.now()) {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		return nil, nil
	}
	return &entry, nil
}

func (c *MemoryCache) Put(_ context.Context, entry graph.CacheEntry) error {
	c.mu.Lock()
	c.entries[entry.Key] = entry
	c.mu.Unlock()
	return nil
}

func (c *MemoryCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
	return nil
}

func (c *MemoryCache) Close() error {
	close(c.stop)
	<-c.done
	return nil
}

// Len reports live entries, expired ones excluded.
func (c *MemoryCache) Len() int {
	now := c.now()
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for _, entry := range c.entries {
		if !entry.Expired(now) {
			n++
		}
	}
	return n
}

func (c *MemoryCache) janitor() {
	defer close(c.done)
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

func (c *MemoryCache) sweep() {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, entry := range c.entries {
		if entry.Expired(now) {
			delete(c.entries, key)
		}
	}
}
