package engine

import (
	"context"
	"log"

	"github.com/temporalstate/temporalstate/internal/statevalue"
)

// FastState is the fast-path read result. FromCache reports whether the
// cache served it or the authoritative instance row did.
type FastState struct {
	State     statevalue.Map
	Version   uint64
	FromCache bool
}

// GetCurrentStateFast serves the latest state for an instance, preferring
// the cache. On a miss it reads the instance row and repopulates the cache.
// Cache backend errors degrade to a miss; correctness never depends on the
// cache.
func (e *Engine) GetCurrentStateFast(ctx context.Context, entityTypeID, externalID string) (FastState, error) {
	entry, hit, err := e.stateCache.GetCurrentState(ctx, entityTypeID, externalID)
	if err != nil {
		log.Printf("engine: read cache for %s/%s: %v", entityTypeID, externalID, err)
	} else if hit {
		return FastState{State: entry.State, Version: entry.Version, FromCache: true}, nil
	}

	instance, err := e.store.GetInstanceByExternalID(ctx, entityTypeID, externalID)
	if err != nil {
		return FastState{}, err
	}

	if err := e.stateCache.SetCurrentState(ctx, entityTypeID, externalID, instance.CurrentState, instance.Version); err != nil {
		log.Printf("engine: repopulate cache for %s/%s: %v", entityTypeID, externalID, err)
	}
	return FastState{State: instance.CurrentState, Version: instance.Version, FromCache: false}, nil
}

// InvalidateCache drops the cached entry for an instance; the next fast read
// falls back to the instance row.
func (e *Engine) InvalidateCache(ctx context.Context, entityTypeID, externalID string) error {
	return e.stateCache.Invalidate(ctx, entityTypeID, externalID)
}
