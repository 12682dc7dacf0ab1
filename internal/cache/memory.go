package cache

import (
	"context"
	"sync"
	"time"

	"github.com/temporalstate/temporalstate/internal/statevalue"
)

type memoryEntry struct {
	entry     Entry
	expiresAt time.Time
}

// MemoryCache is an in-process Cache for single-node deployments and tests.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	ttl     time.Duration
	now     func() time.Time
}

// NewMemoryCache builds a MemoryCache. A non-positive ttl falls back to
// DefaultTTL.
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryCache{
		entries: map[string]memoryEntry{},
		ttl:     ttl,
		now:     time.Now,
	}
}

func (c *MemoryCache) SetCurrentState(ctx context.Context, entityTypeID, externalID string, state statevalue.Map, version uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[stateKey(entityTypeID, externalID)] = memoryEntry{
		entry:     Entry{State: state.Clone(), Version: version},
		expiresAt: c.now().Add(c.ttl),
	}
	return nil
}

func (c *MemoryCache) GetCurrentState(ctx context.Context, entityTypeID, externalID string) (Entry, bool, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, false, err
	}
	c.mu.RLock()
	stored, ok := c.entries[stateKey(entityTypeID, externalID)]
	c.mu.RUnlock()
	if !ok || c.now().After(stored.expiresAt) {
		return Entry{}, false, nil
	}
	return Entry{State: stored.entry.State.Clone(), Version: stored.entry.Version}, true, nil
}

func (c *MemoryCache) Invalidate(ctx context.Context, entityTypeID, externalID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, stateKey(entityTypeID, externalID))
	return nil
}

func (c *MemoryCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = map[string]memoryEntry{}
	return nil
}
