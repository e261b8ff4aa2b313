package clearance

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrStaleGeneration is returned by Cache.Set when the user was invalidated
// after the generation passed to Set was read. Nothing is stored.
var ErrStaleGeneration = errors.New("clearance changed since resolve started")

// Cache stores resolved clearances keyed by user id.
//
// Every Invalidate advances the user's generation. A resolver reads the
// generation before loading from the store and passes it to Set, so a
// clearance computed from rows that predate an invalidation is never
// written back. Get returns ok=false on a miss. Implementations must honor
// ttl so that an entry never outlives the override window it was computed
// from.
type Cache interface {
	Get(ctx context.Context, userID string) (Effective, bool, error)
	Generation(ctx context.Context, userID string) (uint64, error)
	Set(ctx context.Context, eff Effective, ttl time.Duration, gen uint64) error
	Invalidate(ctx context.Context, userID string) error
}

type memoryEntry struct {
	eff       Effective
	expiresAt time.Time
}

// MemoryCache is a process-local Cache. Multi-instance deployments need a
// Broadcaster or RedisCache for invalidations to reach every process.
type MemoryCache struct {
	mu          sync.RWMutex
	entries     map[string]memoryEntry
	generations map[string]uint64
	now         func() time.Time
}

// NewMemoryCache creates an empty process-local cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		entries:     make(map[string]memoryEntry),
		generations: make(map[string]uint64),
		now:         time.Now,
	}
}

// Get implements Cache.
func (c *MemoryCache) Get(_ context.Context, userID string) (Effective, bool, error) {
	c.mu.RLock()
	e, ok := c.entries[userID]
	c.mu.RUnlock()
	if !ok {
		return Effective{}, false, nil
	}
	if !c.now().Before(e.expiresAt) {
		c.mu.Lock()
		// Re-check under the write lock; a concurrent Set may have refreshed it.
		if cur, ok := c.entries[userID]; ok && !c.now().Before(cur.expiresAt) {
			delete(c.entries, userID)
		}
		c.mu.Unlock()
		return Effective{}, false, nil
	}
	return e.eff, true, nil
}

// Generation implements Cache.
func (c *MemoryCache) Generation(_ context.Context, userID string) (uint64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.generations[userID], nil
}

// Set implements Cache. A non-positive ttl is a no-op.
func (c *MemoryCache) Set(_ context.Context, eff Effective, ttl time.Duration, gen uint64) error {
	if ttl <= 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generations[eff.UserID] != gen {
		return ErrStaleGeneration
	}
	c.entries[eff.UserID] = memoryEntry{eff: eff, expiresAt: c.now().Add(ttl)}
	return nil
}

// Invalidate implements Cache.
func (c *MemoryCache) Invalidate(_ context.Context, userID string) error {
	c.mu.Lock()
	delete(c.entries, userID)
	c.generations[userID]++
	c.mu.Unlock()
	return nil
}

// Len returns the number of stored entries, expired ones included.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
