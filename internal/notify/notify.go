// Package notify publishes committed events to the message broker. Commits
// enqueue durable outbox rows; the worker drains the outbox and publishes,
// so a broker outage never blocks or loses a committed event.
package notify

import (
	"fmt"
	"time"

	"github.com/temporalstate/temporalstate/internal/statevalue"
)

// EventSubject is the broker subject for a committed event.
func EventSubject(entityTypeName, eventType string) string {
	return fmt.Sprintf("events.%s.%s", entityTypeName, eventType)
}

// EntityCreatedSubject is the broker subject announcing a new instance.
func EntityCreatedSubject(entityTypeName string) string {
	return fmt.Sprintf("entities.%s.created", entityTypeName)
}

// EventMessage is the wire form of a committed event.
type EventMessage struct {
	EventID          string         `json:"eventId"`
	EntityInstanceID string         `json:"entityInstanceId"`
	EntityType       string         `json:"entityType"`
	EventType        string         `json:"eventType"`
	Version          uint64         `json:"version"`
	Payload          statevalue.Map `json:"payload"`
	NewState         statevalue.Map `json:"newState"`
	CorrelationID    string         `json:"correlationId,omitempty"`
	CausationID      string         `json:"causationId,omitempty"`
	Timestamp        time.Time      `json:"timestamp"`
}

// EntityCreatedMessage is the wire form of an instance creation announcement.
type EntityCreatedMessage struct {
	EntityInstanceID string         `json:"entityInstanceId"`
	EntityType       string         `json:"entityType"`
	ExternalID       string         `json:"externalId"`
	InitialState     statevalue.Map `json:"initialState"`
	Timestamp        time.Time      `json:"timestamp"`
}
