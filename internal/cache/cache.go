// Package cache provides the read-side cache of instance state. Entries are
// overwritten on every committed event, so a hit is as fresh as the journal;
// a miss or an unavailable backend falls back to storage.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/temporalstate/temporalstate/internal/statevalue"
)

// DefaultTTL bounds how long an entry survives without being refreshed by a
// commit.
const DefaultTTL = time.Hour

// Entry is a cached instance state plus the version it was written at.
type Entry struct {
	State   statevalue.Map
	Version uint64
}

// Cache stores the latest known state per (entity type, external id) pair.
type Cache interface {
	// SetCurrentState overwrites the entry for an instance.
	SetCurrentState(ctx context.Context, entityTypeID, externalID string, state statevalue.Map, version uint64) error
	// GetCurrentState returns the entry and whether it was present.
	GetCurrentState(ctx context.Context, entityTypeID, externalID string) (Entry, bool, error)
	// Invalidate removes the entry for an instance.
	Invalidate(ctx context.Context, entityTypeID, externalID string) error
	Close() error
}

func stateKey(entityTypeID, externalID string) string {
	return fmt.Sprintf("entity:%s:%s", entityTypeID, externalID)
}

func versionKey(entityTypeID, externalID string) string {
	return fmt.Sprintf("version:%s:%s", entityTypeID, externalID)
}
