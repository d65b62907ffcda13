package authz

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shiken-ai/shiken/internal/storage"
)

// AccessCache is a short-TTL in-memory cache of collection
// ownership/visibility pairs. It removes one DB lookup per request on the
// scenario read and run paths.
//
// Visibility changes propagate within the TTL; keep it short.
type AccessCache struct {
	mu      sync.RWMutex
	entries map[uuid.UUID]cachedEntry
	ttl     time.Duration
	done    chan struct{}
}

type cachedEntry struct {
	access    storage.CollectionAccess
	expiresAt time.Time
}

// NewAccessCache creates a new cache with the given TTL.
// Call Close to stop the background eviction goroutine.
func NewAccessCache(ttl time.Duration) *AccessCache {
	c := &AccessCache{
		entries: make(map[uuid.UUID]cachedEntry),
		ttl:     ttl,
		done:    make(chan struct{}),
	}
	go c.evictLoop()
	return c
}

// Get returns the cached access pair and true if a valid entry exists.
func (c *AccessCache) Get(collectionID uuid.UUID) (storage.CollectionAccess, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[collectionID]
	if !ok || time.Now().After(entry.expiresAt) {
		return storage.CollectionAccess{}, false
	}
	return entry.access, true
}

// Set stores an access pair with the configured TTL.
func (c *AccessCache) Set(collectionID uuid.UUID, access storage.CollectionAccess) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[collectionID] = cachedEntry{
		access:    access,
		expiresAt: time.Now().Add(c.ttl),
	}
}

// Invalidate drops one collection's entry, for callers that just changed
// its visibility or owner.
func (c *AccessCache) Invalidate(collectionID uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, collectionID)
}

// Close stops the background eviction goroutine.
func (c *AccessCache) Close() {
	close(c.done)
}

// evictLoop removes expired entries every minute.
func (c *AccessCache) evictLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.evictExpired()
		}
	}
}

func (c *AccessCache) evictExpired() {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	for k, v := range c.entries {
		if now.After(v.expiresAt) {
			delete(c.entries, k)
		}
	}
}
