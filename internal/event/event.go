// Package event defines the immutable events recorded in the entity journal
// and the state transformation applied when an event is committed.
package event

import (
	"time"

	"github.com/temporalstate/temporalstate/internal/statevalue"
)

// TypeEntityCreated is the synthetic version-1 event recorded when an
// instance is created.
const TypeEntityCreated = "EntityCreated"

// Event is one committed state change for an entity instance.
//
// For a fixed instance, events form a dense sequence version = 1, 2, 3, ...
// with strictly increasing timestamps. PreviousState of version N equals
// NewState of version N-1 and is nil for the creation event. Events are
// never mutated or deleted once written.
type Event struct {
	// ID is the globally unique event id.
	ID string
	// EntityInstanceID is the instance this event belongs to.
	EntityInstanceID string
	// EntityTypeName denormalizes the type name for subscribers and
	// per-type statistics.
	EntityTypeName string
	// Type is the caller-supplied event type, e.g. "Increment".
	Type string
	// Version is the instance version this event produced.
	Version uint64
	// Payload is the caller-supplied event data.
	Payload statevalue.Map
	// PreviousState is the state before this event; nil at version 1.
	PreviousState statevalue.Map
	// NewState is the state after applying this event.
	NewState statevalue.Map
	// Metadata carries caller-supplied annotations.
	Metadata statevalue.Map
	// CorrelationID groups events belonging to one logical flow.
	CorrelationID string
	// CausationID points at the event or command that caused this one.
	CausationID string
	// Timestamp is assigned at commit, UTC, millisecond precision.
	Timestamp time.Time
}
