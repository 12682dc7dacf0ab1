// Package engine orchestrates the event-sourced state lifecycle: catalog
// management, optimistic event application, snapshotting, historical state
// reconstruction, and the fast-path current-state cache.
package engine

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/temporalstate/temporalstate/internal/cache"
	"github.com/temporalstate/temporalstate/internal/catalog"
	"github.com/temporalstate/temporalstate/internal/event"
	"github.com/temporalstate/temporalstate/internal/notify"
	"github.com/temporalstate/temporalstate/internal/statevalue"
	"github.com/temporalstate/temporalstate/internal/storage"
)

// DefaultSnapshotInterval is the version cadence for snapshots: one snapshot
// per interval of committed events.
const DefaultSnapshotInterval = 10

// Storage is the full persistence surface the engine drives.
type Storage interface {
	storage.EntityTypeStore
	storage.EntityInstanceStore
	storage.EventStore
	storage.SnapshotStore
	storage.AnalyticsStore
}

// Engine coordinates the store, the state cache, and the transformer
// registry. All mutations flow through it.
type Engine struct {
	store            Storage
	stateCache       cache.Cache
	transformers     *event.TransformerRegistry
	snapshotInterval uint64
	now              func() time.Time
}

// New builds an Engine. A nil registry gets an empty one (every event type
// falls back to the merge transformation); a zero interval falls back to
// DefaultSnapshotInterval.
func New(store Storage, stateCache cache.Cache, transformers *event.TransformerRegistry, snapshotInterval uint64) *Engine {
	if transformers == nil {
		transformers = event.NewTransformerRegistry()
	}
	if snapshotInterval == 0 {
		snapshotInterval = DefaultSnapshotInterval
	}
	return &Engine{
		store:            store,
		stateCache:       stateCache,
		transformers:     transformers,
		snapshotInterval: snapshotInterval,
		now:              time.Now,
	}
}

// Transformers exposes the registry so callers can install per-event-type
// transformations before serving traffic.
func (e *Engine) Transformers() *event.TransformerRegistry {
	return e.transformers
}

// CreateEntityType registers a new entity type. A duplicate name returns
// storage.ErrConflict.
func (e *Engine) CreateEntityType(ctx context.Context, name, description string, schema, metadata statevalue.Map) (catalog.EntityType, error) {
	entityType, err := catalog.NewEntityType(name, description, schema, metadata, e.now())
	if err != nil {
		return catalog.EntityType{}, err
	}
	if err := e.store.CreateEntityType(ctx, entityType); err != nil {
		return catalog.EntityType{}, err
	}
	return entityType, nil
}

// GetEntityType retrieves an entity type by id.
func (e *Engine) GetEntityType(ctx context.Context, id string) (catalog.EntityType, error) {
	return e.store.GetEntityType(ctx, id)
}

// GetEntityTypeByName retrieves an entity type by its unique name.
func (e *Engine) GetEntityTypeByName(ctx context.Context, name string) (catalog.EntityType, error) {
	return e.store.GetEntityTypeByName(ctx, name)
}

// ListEntityTypes returns all entity types, newest first.
func (e *Engine) ListEntityTypes(ctx context.Context) ([]catalog.EntityType, error) {
	return e.store.ListEntityTypes(ctx)
}

// UpdateEntityTypeSchema replaces the schema of an existing type.
func (e *Engine) UpdateEntityTypeSchema(ctx context.Context, id string, schema statevalue.Map) (catalog.EntityType, error) {
	if schema == nil {
		schema = statevalue.Map{}
	}
	if err := e.store.UpdateEntityTypeSchema(ctx, id, schema, e.now()); err != nil {
		return catalog.EntityType{}, err
	}
	return e.store.GetEntityType(ctx, id)
}

// CreateEntityInstance registers a new instance at version 1 with a
// synthetic creation event, seeds the cache, and enqueues the creation
// announcement. A missing type returns storage.ErrNotFound; a duplicate
// (type, external id) pair returns storage.ErrConflict.
func (e *Engine) CreateEntityInstance(ctx context.Context, entityTypeID, externalID string, initialState, metadata statevalue.Map) (catalog.EntityInstance, error) {
	entityType, err := e.store.GetEntityType(ctx, entityTypeID)
	if err != nil {
		return catalog.EntityInstance{}, err
	}

	instance, err := catalog.NewEntityInstance(entityType.ID, externalID, initialState, metadata, e.now())
	if err != nil {
		return catalog.EntityInstance{}, err
	}

	created := event.Event{
		ID:               uuid.NewString(),
		EntityInstanceID: instance.ID,
		EntityTypeName:   entityType.Name,
		Type:             event.TypeEntityCreated,
		Version:          1,
		Payload:          statevalue.Map{"initialState": statevalue.Object(instance.CurrentState.Clone())},
		NewState:         instance.CurrentState.Clone(),
		Metadata:         instance.Metadata.Clone(),
		Timestamp:        instance.CreatedAt,
	}

	subject := notify.EntityCreatedSubject(entityType.Name)
	if err := e.store.CreateInstance(ctx, instance, created, subject); err != nil {
		return catalog.EntityInstance{}, err
	}

	if err := e.stateCache.SetCurrentState(ctx, instance.EntityTypeID, instance.ExternalID, instance.CurrentState, instance.Version); err != nil {
		log.Printf("engine: seed cache for %s/%s: %v", instance.EntityTypeID, instance.ExternalID, err)
	}
	return instance, nil
}

// GetInstance retrieves an instance by id.
func (e *Engine) GetInstance(ctx context.Context, id string) (catalog.EntityInstance, error) {
	return e.store.GetInstance(ctx, id)
}

// GetInstanceByExternalID retrieves an instance by its external identity.
func (e *Engine) GetInstanceByExternalID(ctx context.Context, entityTypeID, externalID string) (catalog.EntityInstance, error) {
	return e.store.GetInstanceByExternalID(ctx, entityTypeID, externalID)
}

// ListInstances returns a page of a type's instances plus the total count.
func (e *Engine) ListInstances(ctx context.Context, entityTypeID string, limit, offset int) ([]catalog.EntityInstance, int, error) {
	return e.store.ListInstances(ctx, entityTypeID, limit, offset)
}

// ApplyEventInput carries one requested state transition.
type ApplyEventInput struct {
	EntityInstanceID string
	EventType        string
	Payload          statevalue.Map
	ExpectedVersion  uint64
	CorrelationID    string
	CausationID      string
	Metadata         statevalue.Map
}

// ApplyEvent applies one event to an instance under the optimistic
// concurrency contract. The caller supplies the version it last read; a
// concurrent writer advancing it first surfaces as
// storage.ErrVersionConflict with no partial writes, and the caller must
// re-read and retry.
//
// Snapshotting and cache refresh happen after the commit and are best
// effort: their failures are logged, never propagated.
func (e *Engine) ApplyEvent(ctx context.Context, input ApplyEventInput) (catalog.EntityInstance, event.Event, error) {
	if strings.TrimSpace(input.EventType) == "" {
		return catalog.EntityInstance{}, event.Event{}, fmt.Errorf("event type is required")
	}
	if input.ExpectedVersion == 0 {
		return catalog.EntityInstance{}, event.Event{}, fmt.Errorf("expected version must be greater than zero")
	}

	instance, err := e.store.GetInstance(ctx, input.EntityInstanceID)
	if err != nil {
		return catalog.EntityInstance{}, event.Event{}, err
	}
	if instance.Version != input.ExpectedVersion {
		return catalog.EntityInstance{}, event.Event{}, storage.ErrVersionConflict
	}

	entityType, err := e.store.GetEntityType(ctx, instance.EntityTypeID)
	if err != nil {
		return catalog.EntityInstance{}, event.Event{}, fmt.Errorf("load entity type: %w", err)
	}

	transform := e.transformers.Resolve(input.EventType)
	newState := transform(instance.CurrentState, input.Payload)
	if newState == nil {
		newState = statevalue.Map{}
	}

	evt := event.Event{
		ID:               uuid.NewString(),
		EntityInstanceID: instance.ID,
		EntityTypeName:   entityType.Name,
		Type:             input.EventType,
		Payload:          input.Payload.Clone(),
		PreviousState:    instance.CurrentState.Clone(),
		NewState:         newState,
		Metadata:         input.Metadata.Clone(),
		CorrelationID:    input.CorrelationID,
		CausationID:      input.CausationID,
	}

	subject := notify.EventSubject(entityType.Name, input.EventType)
	committed, err := e.store.AppendEvent(ctx, evt, input.ExpectedVersion, subject)
	if err != nil {
		return catalog.EntityInstance{}, event.Event{}, err
	}

	instance.CurrentState = committed.NewState
	instance.Version = committed.Version
	instance.UpdatedAt = committed.Timestamp

	e.maybeSnapshot(ctx, committed)

	if err := e.stateCache.SetCurrentState(ctx, instance.EntityTypeID, instance.ExternalID, instance.CurrentState, instance.Version); err != nil {
		log.Printf("engine: refresh cache for %s/%s: %v", instance.EntityTypeID, instance.ExternalID, err)
	}

	return instance, committed, nil
}

func (e *Engine) maybeSnapshot(ctx context.Context, committed event.Event) {
	if committed.Version%e.snapshotInterval != 0 {
		return
	}
	snapshot := storage.Snapshot{
		ID:               uuid.NewString(),
		EntityInstanceID: committed.EntityInstanceID,
		Version:          committed.Version,
		State:            committed.NewState.Clone(),
		Metadata:         statevalue.Map{},
		CreatedAt:        e.now(),
	}
	if err := e.store.PutSnapshot(ctx, snapshot); err != nil {
		log.Printf("engine: snapshot %s at version %d: %v", committed.EntityInstanceID, committed.Version, err)
	}
}
