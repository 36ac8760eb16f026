package worker

import (
	"sync"
	"time"
)

const tempCacheTTL = 5 * time.Minute

type cacheEntry struct {
	data      []byte
	mimeType  string
	expiresAt time.Time
}

// TempCache keeps recently downloaded input images in memory so a retried
// job does not re-fetch them from the object store. Entries expire after
// five minutes and are purged when a job finishes.
type TempCache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
	now     func() time.Time
}

func NewTempCache() *TempCache {
	return &TempCache{
		entries: make(map[string]cacheEntry),
		now:     time.Now,
	}
}

func (c *TempCache) Put(uploadID string, data []byte, mimeType string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[uploadID] = cacheEntry{
		data:      data,
		mimeType:  mimeType,
		expiresAt: c.now().Add(tempCacheTTL),
	}
}

func (c *TempCache) Get(uploadID string) ([]byte, string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[uploadID]
	if !ok {
		return nil, "", false
	}
	if c.now().After(entry.expiresAt) {
		delete(c.entries, uploadID)
		return nil, "", false
	}
	return entry.data, entry.mimeType, true
}

// Purge drops the given entries along with anything expired.
func (c *TempCache) Purge(uploadIDs ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range uploadIDs {
		delete(c.entries, id)
	}
	now := c.now()
	for id, entry := range c.entries {
		if now.After(entry.expiresAt) {
			delete(c.entries, id)
		}
	}
}

func (c *TempCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
