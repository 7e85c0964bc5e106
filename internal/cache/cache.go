package cache

import (
	"context"
	"sync"
	"time"

	"github.com/kjstillabower/forecast-viewer/internal/models"
)

// Cache defines the interface for forecast caching implementations.
// Get returns data that is present and not expired. GetStale returns any retained entry fetched
// within maxAge, expired or not; it backs the fallback when the provider is unavailable.
type Cache interface {
	Get(ctx context.Context, key string) (models.Forecast, bool, error)
	GetStale(ctx context.Context, key string, maxAge time.Duration) (models.Forecast, bool, error)
	Set(ctx context.Context, key string, value models.Forecast, ttl time.Duration) error
}

// InMemoryCache implements Cache using a mutex-guarded map with TTL-based expiration.
// Expired entries stay readable through GetStale until staleRetention has passed and are
// removed on the next access after that.
type InMemoryCache struct {
	mu             sync.Mutex
	data           map[string]cacheEntry
	staleRetention time.Duration
	now            func() time.Time
}

type cacheEntry struct {
	value     models.Forecast
	expiresAt time.Time
}

// NewInMemoryCache creates an in-memory cache that keeps expired entries for staleRetention.
func NewInMemoryCache(staleRetention time.Duration) *InMemoryCache {
	return &InMemoryCache{
		data:           make(map[string]cacheEntry),
		staleRetention: staleRetention,
		now:            time.Now,
	}
}

// Get returns (data, true, nil) on a fresh hit and (zero, false, nil) on miss or expiry.
func (c *InMemoryCache) Get(ctx context.Context, key string) (models.Forecast, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.lookupLocked(key)
	if !ok || !c.now().Before(entry.expiresAt) {
		return models.Forecast{}, false, nil
	}
	return entry.value, true, nil
}

// GetStale returns the retained entry for key if it was fetched no more than maxAge ago.
func (c *InMemoryCache) GetStale(ctx context.Context, key string, maxAge time.Duration) (models.Forecast, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.lookupLocked(key)
	if !ok || c.now().Sub(entry.value.FetchedAt) > maxAge {
		return models.Forecast{}, false, nil
	}
	return entry.value, true, nil
}

// Set stores a forecast with the specified TTL.
func (c *InMemoryCache) Set(ctx context.Context, key string, value models.Forecast, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.data[key] = cacheEntry{
		value:     value,
		expiresAt: c.now().Add(ttl),
	}
	return nil
}

// Len reports the number of retained entries, fresh or stale.
func (c *InMemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.data)
}

// lookupLocked returns the entry for key, deleting it once it is past stale retention.
func (c *InMemoryCache) lookupLocked(key string) (cacheEntry, bool) {
	entry, ok := c.data[key]
	if !ok {
		return cacheEntry{}, false
	}
	if c.now().After(entry.expiresAt.Add(c.staleRetention)) {
		delete(c.data, key)
		return cacheEntry{}, false
	}
	return entry, true
}
