// Package storage defines the persistence contracts for the state engine:
// entity catalog rows, the append-only event journal, snapshots, and the
// analytics read queries derived from them.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/temporalstate/temporalstate/internal/catalog"
	"github.com/temporalstate/temporalstate/internal/event"
	"github.com/temporalstate/temporalstate/internal/statevalue"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// ErrConflict is returned when a create collides with an existing record
// (duplicate type name or (type, external id) pair).
var ErrConflict = errors.New("record already exists")

// ErrVersionConflict is returned when an append's expected version no longer
// matches the stored instance version. Callers must re-read and retry.
var ErrVersionConflict = errors.New("version conflict")

// Snapshot is a materialized copy of an instance's state at a version.
// Snapshots are write-once and purely a replay optimization; the event
// journal alone is always sufficient to reconstruct state.
type Snapshot struct {
	ID               string
	EntityInstanceID string
	Version          uint64
	State            statevalue.Map
	Metadata         statevalue.Map
	CreatedAt        time.Time
}

// EventStatistics summarizes journal activity for one entity type.
type EventStatistics struct {
	TotalEvents   int
	EventsByType  map[string]int
	LastEventTime *time.Time
}

// TimeBucket is one point of a bucketed count series. Start is the inclusive
// lower bound of the bucket.
type TimeBucket struct {
	Start time.Time
	Count int
}

// InstanceActivity pairs an instance with its journal length.
type InstanceActivity struct {
	EntityInstanceID string
	EventCount       int
}

// OutboxSummary reports notification outbox row counts by status.
type OutboxSummary struct {
	Pending    int
	Processing int
	Failed     int
	Dead       int
}

// EntityTypeStore persists entity type definitions.
type EntityTypeStore interface {
	CreateEntityType(ctx context.Context, entityType catalog.EntityType) error
	GetEntityType(ctx context.Context, id string) (catalog.EntityType, error)
	GetEntityTypeByName(ctx context.Context, name string) (catalog.EntityType, error)
	ListEntityTypes(ctx context.Context) ([]catalog.EntityType, error)
	UpdateEntityTypeSchema(ctx context.Context, id string, schema statevalue.Map, updatedAt time.Time) error
}

// EntityInstanceStore persists entity instances. CreateInstance writes the
// instance row, its version-1 creation event, and the creation notification
// outbox row in one atomic unit.
type EntityInstanceStore interface {
	CreateInstance(ctx context.Context, instance catalog.EntityInstance, created event.Event, subject string) error
	GetInstance(ctx context.Context, id string) (catalog.EntityInstance, error)
	GetInstanceByExternalID(ctx context.Context, entityTypeID, externalID string) (catalog.EntityInstance, error)
	ListInstances(ctx context.Context, entityTypeID string, limit, offset int) ([]catalog.EntityInstance, int, error)
}

// EventStore persists the append-only journal.
//
// AppendEvent is the engine's only strong consistency boundary: in one
// atomic unit it verifies the instance row still holds expectedVersion via a
// conditional update, writes the event at expectedVersion+1, updates the
// instance state, and enqueues the notification outbox row. A lost race
// surfaces as ErrVersionConflict with zero partial writes.
type EventStore interface {
	AppendEvent(ctx context.Context, evt event.Event, expectedVersion uint64, subject string) (event.Event, error)
	// GetEvents returns events ascending by version. fromVersion and
	// toVersion bound the range inclusively; zero means unbounded.
	GetEvents(ctx context.Context, entityInstanceID string, fromVersion, toVersion uint64) ([]event.Event, error)
	GetEventsInTimeRange(ctx context.Context, entityInstanceID string, start, end time.Time) ([]event.Event, error)
	GetEventsByCorrelationID(ctx context.Context, correlationID string, limit int) ([]event.Event, error)
	// GetEventHistory returns a page of events ascending by version plus
	// the total event count.
	GetEventHistory(ctx context.Context, entityInstanceID string, limit, offset int) ([]event.Event, int, error)
	GetEventByVersion(ctx context.Context, entityInstanceID string, version uint64) (event.Event, error)
	CountEvents(ctx context.Context, entityInstanceID string) (int, error)
	// LatestEventAt returns the latest event with timestamp <= at, or
	// ErrNotFound when no event existed by then.
	LatestEventAt(ctx context.Context, entityInstanceID string, at time.Time) (event.Event, error)
}

// SnapshotStore persists write-once snapshots.
type SnapshotStore interface {
	PutSnapshot(ctx context.Context, snapshot Snapshot) error
	LatestSnapshot(ctx context.Context, entityInstanceID string) (Snapshot, error)
	SnapshotAtOrBefore(ctx context.Context, entityInstanceID string, version uint64) (Snapshot, error)
}

// AnalyticsStore serves aggregate read queries over the journal and the
// instance catalog.
type AnalyticsStore interface {
	GetEventStatistics(ctx context.Context, entityTypeName string) (EventStatistics, error)
	// CountEventsByType counts a type's events per event type with
	// timestamps in [start, end].
	CountEventsByType(ctx context.Context, entityTypeName string, start, end time.Time) (map[string]int, error)
	// EventCountBuckets counts a type's events in [start, end] grouped into
	// fixed-width time buckets, ascending by bucket start. Buckets with no
	// events are omitted.
	EventCountBuckets(ctx context.Context, entityTypeName string, start, end time.Time, bucket time.Duration) ([]TimeBucket, error)
	// MostActiveInstances returns the instances of a type with the longest
	// journals, descending by event count.
	MostActiveInstances(ctx context.Context, entityTypeName string, limit int) ([]InstanceActivity, error)
	// InstanceCreationBuckets counts instances of a type created in
	// [start, end] grouped into fixed-width time buckets.
	InstanceCreationBuckets(ctx context.Context, entityTypeID string, start, end time.Time, bucket time.Duration) ([]TimeBucket, error)
}

// NotifyOutboxStore drains the durable notification outbox.
type NotifyOutboxStore interface {
	ProcessNotifyOutbox(ctx context.Context, now time.Time, limit int, publish func(ctx context.Context, evt event.Event, subject string) error) (int, error)
	RequeueDeadNotifications(ctx context.Context, now time.Time) (int, error)
	NotifyOutboxSummary(ctx context.Context) (OutboxSummary, error)
}
