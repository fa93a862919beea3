package scraper

import (
	"sync"
	"time"

	"github.com/authexity/scraper/models"
)

// defaultCacheCapacity bounds the number of cached previews
const defaultCacheCapacity = 1000

type previewCacheEntry struct {
	page      models.PageMetadata
	expiresAt time.Time
}

// previewCache is an in-memory TTL cache of successful page extractions keyed by URL
type previewCache struct {
	mu       sync.RWMutex
	ttl      time.Duration
	capacity int
	entries  map[string]*previewCacheEntry
	now      func() time.Time
}

func newPreviewCache(ttl time.Duration) *previewCache {
	return &previewCache{
		ttl:      ttl,
		capacity: defaultCacheCapacity,
		entries:  make(map[string]*previewCacheEntry),
		now:      time.Now,
	}
}

func (c *previewCache) get(url string) (models.PageMetadata, bool) {
	if c == nil {
		return models.PageMetadata{}, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[url]
	if !ok || c.now().After(entry.expiresAt) {
		return models.PageMetadata{}, false
	}
	return entry.page, true
}

func (c *previewCache) set(url string, page models.PageMetadata) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if _, exists := c.entries[url]; !exists && len(c.entries) >= c.capacity {
		c.makeRoom(now)
	}
	c.entries[url] = &previewCacheEntry{
		page:      page,
		expiresAt: now.Add(c.ttl),
	}
}

// makeRoom purges expired entries and, when the cache is still full, evicts
// the entry closest to expiry. Every entry shares one TTL, so that is the oldest.
func (c *previewCache) makeRoom(now time.Time) {
	for k, v := range c.entries {
		if now.After(v.expiresAt) {
			delete(c.entries, k)
		}
	}
	if len(c.entries) < c.capacity {
		return
	}

	var oldest string
	var oldestExpiry time.Time
	for k, v := range c.entries {
		if oldest == "" || v.expiresAt.Before(oldestExpiry) {
			oldest, oldestExpiry = k, v.expiresAt
		}
	}
	delete(c.entries, oldest)
}

func (c *previewCache) size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
