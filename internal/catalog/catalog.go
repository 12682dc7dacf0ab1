// Package catalog defines entity types and the instances tracked for each
// type. Types carry a schema and metadata; instances carry the current state
// document and the version of the last applied event.
package catalog

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/temporalstate/temporalstate/internal/statevalue"
)

// EntityType describes a kind of tracked entity. Identity (id, name) is
// immutable after creation; schema and metadata may be updated.
type EntityType struct {
	ID          string
	Name        string
	Description string
	Schema      statevalue.Map
	Metadata    statevalue.Map
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// EntityInstance is a single tracked entity of a type, identified externally
// by (EntityTypeID, ExternalID).
//
// Version counts applied events, starting at 1 for the creation event, and
// CurrentState always equals the new state of the most recent event.
type EntityInstance struct {
	ID           string
	EntityTypeID string
	ExternalID   string
	CurrentState statevalue.Map
	Version      uint64
	Metadata     statevalue.Map
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// NewEntityType builds a validated entity type with a fresh id.
func NewEntityType(name, description string, schema, metadata statevalue.Map, now time.Time) (EntityType, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return EntityType{}, fmt.Errorf("entity type name is required")
	}
	if schema == nil {
		schema = statevalue.Map{}
	}
	if metadata == nil {
		metadata = statevalue.Map{}
	}
	// Storage keeps millisecond precision; truncate so the value handed back
	// to the caller matches what a later read returns.
	now = now.UTC().Truncate(time.Millisecond)
	return EntityType{
		ID:          uuid.NewString(),
		Name:        name,
		Description: strings.TrimSpace(description),
		Schema:      schema,
		Metadata:    metadata,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// NewEntityInstance builds a validated version-1 instance with a fresh id.
func NewEntityInstance(entityTypeID, externalID string, initialState, metadata statevalue.Map, now time.Time) (EntityInstance, error) {
	entityTypeID = strings.TrimSpace(entityTypeID)
	externalID = strings.TrimSpace(externalID)
	if entityTypeID == "" {
		return EntityInstance{}, fmt.Errorf("entity type id is required")
	}
	if externalID == "" {
		return EntityInstance{}, fmt.Errorf("external id is required")
	}
	if initialState == nil {
		initialState = statevalue.Map{}
	}
	if metadata == nil {
		metadata = statevalue.Map{}
	}
	now = now.UTC().Truncate(time.Millisecond)
	return EntityInstance{
		ID:           uuid.NewString(),
		EntityTypeID: entityTypeID,
		ExternalID:   externalID,
		CurrentState: initialState,
		Version:      1,
		Metadata:     metadata,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}
