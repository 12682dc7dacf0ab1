package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/temporalstate/temporalstate/internal/event"
	"github.com/temporalstate/temporalstate/internal/statevalue"
	"github.com/temporalstate/temporalstate/internal/storage"
)

// AppendEvent atomically commits one event against the expected instance
// version.
//
// In a single transaction it: conditionally updates the instance row
// (WHERE id = ? AND version = expectedVersion), inserts the event at
// expectedVersion+1, and enqueues the notification outbox row. When the
// conditional update affects zero rows the instance either does not exist
// (storage.ErrNotFound) or a concurrent writer advanced it
// (storage.ErrVersionConflict); either way nothing is written.
//
// The commit timestamp is assigned here, bumped above the previous event's
// timestamp so per-instance timestamps are strictly increasing.
func (s *Store) AppendEvent(ctx context.Context, evt event.Event, expectedVersion uint64, subject string) (event.Event, error) {
	if err := ctx.Err(); err != nil {
		return event.Event{}, err
	}
	if s == nil || s.sqlDB == nil {
		return event.Event{}, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(evt.ID) == "" {
		return event.Event{}, fmt.Errorf("event id is required")
	}
	if strings.TrimSpace(evt.EntityInstanceID) == "" {
		return event.Event{}, fmt.Errorf("entity instance id is required")
	}
	if strings.TrimSpace(evt.Type) == "" {
		return event.Event{}, fmt.Errorf("event type is required")
	}
	if expectedVersion == 0 {
		return event.Event{}, fmt.Errorf("expected version must be greater than zero")
	}

	evt.Version = expectedVersion + 1

	newStateJSON, err := evt.NewState.JSON()
	if err != nil {
		return event.Event{}, fmt.Errorf("encode new state: %w", err)
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return event.Event{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// Strictly increasing per-instance timestamps: never commit at or
	// before the predecessor event.
	timestamp := time.Now().UTC().Truncate(time.Millisecond)
	var prevMillis int64
	err = tx.QueryRowContext(
		ctx,
		`SELECT timestamp FROM events WHERE entity_instance_id = ? AND version = ?`,
		evt.EntityInstanceID,
		int64(expectedVersion),
	).Scan(&prevMillis)
	switch {
	case err == nil:
		if prev := fromMillis(prevMillis); !timestamp.After(prev) {
			timestamp = prev.Add(time.Millisecond)
		}
	case errors.Is(err, sql.ErrNoRows):
		// No predecessor row means the expected version is already stale;
		// the conditional update below reports the precise cause.
	default:
		return event.Event{}, fmt.Errorf("load previous event timestamp: %w", err)
	}
	evt.Timestamp = timestamp

	result, err := tx.ExecContext(
		ctx,
		`UPDATE entity_instances
		 SET current_state_json = ?, version = ?, updated_at = ?
		 WHERE id = ? AND version = ?`,
		string(newStateJSON),
		int64(evt.Version),
		toMillis(timestamp),
		evt.EntityInstanceID,
		int64(expectedVersion),
	)
	if err != nil {
		return event.Event{}, fmt.Errorf("update instance: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return event.Event{}, fmt.Errorf("update instance rows affected: %w", err)
	}
	if affected == 0 {
		var storedVersion int64
		err := tx.QueryRowContext(
			ctx,
			`SELECT version FROM entity_instances WHERE id = ?`,
			evt.EntityInstanceID,
		).Scan(&storedVersion)
		if errors.Is(err, sql.ErrNoRows) {
			return event.Event{}, storage.ErrNotFound
		}
		if err != nil {
			return event.Event{}, fmt.Errorf("inspect instance version: %w", err)
		}
		return event.Event{}, storage.ErrVersionConflict
	}

	if err := insertEventTx(ctx, tx, evt); err != nil {
		return event.Event{}, err
	}
	if err := enqueueNotifyOutboxTx(ctx, tx, evt, subject); err != nil {
		return event.Event{}, err
	}

	if err := tx.Commit(); err != nil {
		return event.Event{}, fmt.Errorf("commit: %w", err)
	}
	return evt, nil
}

func insertEventTx(ctx context.Context, tx *sql.Tx, evt event.Event) error {
	payloadJSON, err := evt.Payload.JSON()
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	newStateJSON, err := evt.NewState.JSON()
	if err != nil {
		return fmt.Errorf("encode new state: %w", err)
	}
	metadataJSON, err := evt.Metadata.JSON()
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	var previousStateJSON sql.NullString
	if evt.PreviousState != nil {
		encoded, err := evt.PreviousState.JSON()
		if err != nil {
			return fmt.Errorf("encode previous state: %w", err)
		}
		previousStateJSON = sql.NullString{String: string(encoded), Valid: true}
	}

	if _, err := tx.ExecContext(
		ctx,
		`INSERT INTO events (id, entity_instance_id, entity_type_name, event_type, version, payload_json, previous_state_json, new_state_json, metadata_json, correlation_id, causation_id, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		evt.ID,
		evt.EntityInstanceID,
		evt.EntityTypeName,
		evt.Type,
		int64(evt.Version),
		string(payloadJSON),
		previousStateJSON,
		string(newStateJSON),
		string(metadataJSON),
		evt.CorrelationID,
		evt.CausationID,
		toMillis(evt.Timestamp),
	); err != nil {
		if isConstraintError(err) {
			// The (instance, version) slot is already taken: a retry of an
			// already-committed append, or a lost race.
			return storage.ErrVersionConflict
		}
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

const eventColumns = `id, entity_instance_id, entity_type_name, event_type, version, payload_json, previous_state_json, new_state_json, metadata_json, correlation_id, causation_id, timestamp`

// GetEvents returns events for an instance ascending by version. fromVersion
// and toVersion bound the range inclusively; zero means unbounded.
func (s *Store) GetEvents(ctx context.Context, entityInstanceID string, fromVersion, toVersion uint64) ([]event.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(entityInstanceID) == "" {
		return nil, fmt.Errorf("entity instance id is required")
	}

	query := `SELECT ` + eventColumns + ` FROM events WHERE entity_instance_id = ?`
	params := []any{entityInstanceID}
	if fromVersion > 0 {
		query += ` AND version >= ?`
		params = append(params, int64(fromVersion))
	}
	if toVersion > 0 {
		query += ` AND version <= ?`
		params = append(params, int64(toVersion))
	}
	query += ` ORDER BY version ASC`

	rows, err := s.sqlDB.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	return collectEvents(rows)
}

// GetEventsInTimeRange returns events for an instance with timestamps in
// [start, end], ascending by timestamp.
func (s *Store) GetEventsInTimeRange(ctx context.Context, entityInstanceID string, start, end time.Time) ([]event.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(entityInstanceID) == "" {
		return nil, fmt.Errorf("entity instance id is required")
	}

	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT `+eventColumns+` FROM events
		 WHERE entity_instance_id = ? AND timestamp >= ? AND timestamp <= ?
		 ORDER BY timestamp ASC`,
		entityInstanceID,
		toMillis(start),
		toMillis(end),
	)
	if err != nil {
		return nil, fmt.Errorf("list events in time range: %w", err)
	}
	defer rows.Close()

	return collectEvents(rows)
}

// GetEventsByCorrelationID returns the most recent events sharing a
// correlation id.
func (s *Store) GetEventsByCorrelationID(ctx context.Context, correlationID string, limit int) ([]event.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(correlationID) == "" {
		return nil, fmt.Errorf("correlation id is required")
	}
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT `+eventColumns+` FROM events
		 WHERE correlation_id = ?
		 ORDER BY timestamp DESC
		 LIMIT ?`,
		correlationID,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list events by correlation id: %w", err)
	}
	defer rows.Close()

	return collectEvents(rows)
}

// GetEventHistory returns a page of an instance's events ascending by
// version, plus the total event count.
func (s *Store) GetEventHistory(ctx context.Context, entityInstanceID string, limit, offset int) ([]event.Event, int, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, 0, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(entityInstanceID) == "" {
		return nil, 0, fmt.Errorf("entity instance id is required")
	}
	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT `+eventColumns+` FROM events
		 WHERE entity_instance_id = ?
		 ORDER BY version ASC
		 LIMIT ? OFFSET ?`,
		entityInstanceID,
		limit,
		offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list event history: %w", err)
	}
	defer rows.Close()

	events, err := collectEvents(rows)
	if err != nil {
		return nil, 0, err
	}

	total, err := s.CountEvents(ctx, entityInstanceID)
	if err != nil {
		return nil, 0, err
	}
	return events, total, nil
}

// CountEvents returns the number of committed events for an instance.
func (s *Store) CountEvents(ctx context.Context, entityInstanceID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if s == nil || s.sqlDB == nil {
		return 0, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(entityInstanceID) == "" {
		return 0, fmt.Errorf("entity instance id is required")
	}

	var count int
	if err := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT COUNT(*) FROM events WHERE entity_instance_id = ?`,
		entityInstanceID,
	).Scan(&count); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return count, nil
}

// LatestEventAt returns the latest event with timestamp <= at, or
// storage.ErrNotFound when no event existed by then.
func (s *Store) LatestEventAt(ctx context.Context, entityInstanceID string, at time.Time) (event.Event, error) {
	if err := ctx.Err(); err != nil {
		return event.Event{}, err
	}
	if s == nil || s.sqlDB == nil {
		return event.Event{}, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(entityInstanceID) == "" {
		return event.Event{}, fmt.Errorf("entity instance id is required")
	}

	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT `+eventColumns+` FROM events
		 WHERE entity_instance_id = ? AND timestamp <= ?
		 ORDER BY timestamp DESC
		 LIMIT 1`,
		entityInstanceID,
		toMillis(at),
	)
	return scanEvent(row)
}

// GetEventByVersion returns one event by its per-instance version.
func (s *Store) GetEventByVersion(ctx context.Context, entityInstanceID string, version uint64) (event.Event, error) {
	if err := ctx.Err(); err != nil {
		return event.Event{}, err
	}
	if s == nil || s.sqlDB == nil {
		return event.Event{}, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(entityInstanceID) == "" {
		return event.Event{}, fmt.Errorf("entity instance id is required")
	}
	if version == 0 {
		return event.Event{}, fmt.Errorf("version must be greater than zero")
	}

	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT `+eventColumns+` FROM events
		 WHERE entity_instance_id = ? AND version = ?`,
		entityInstanceID,
		int64(version),
	)
	return scanEvent(row)
}

func scanEvent(row rowScanner) (event.Event, error) {
	var (
		evt               event.Event
		version           int64
		payloadJSON       string
		previousStateJSON sql.NullString
		newStateJSON      string
		metadataJSON      string
		timestamp         int64
	)
	err := row.Scan(
		&evt.ID,
		&evt.EntityInstanceID,
		&evt.EntityTypeName,
		&evt.Type,
		&version,
		&payloadJSON,
		&previousStateJSON,
		&newStateJSON,
		&metadataJSON,
		&evt.CorrelationID,
		&evt.CausationID,
		&timestamp,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return event.Event{}, storage.ErrNotFound
		}
		return event.Event{}, fmt.Errorf("scan event: %w", err)
	}

	evt.Version = uint64(version)
	evt.Timestamp = fromMillis(timestamp)
	evt.Payload, err = statevalue.ParseMap([]byte(payloadJSON))
	if err != nil {
		return event.Event{}, fmt.Errorf("decode payload: %w", err)
	}
	evt.NewState, err = statevalue.ParseMap([]byte(newStateJSON))
	if err != nil {
		return event.Event{}, fmt.Errorf("decode new state: %w", err)
	}
	evt.Metadata, err = statevalue.ParseMap([]byte(metadataJSON))
	if err != nil {
		return event.Event{}, fmt.Errorf("decode metadata: %w", err)
	}
	if previousStateJSON.Valid {
		evt.PreviousState, err = statevalue.ParseMap([]byte(previousStateJSON.String))
		if err != nil {
			return event.Event{}, fmt.Errorf("decode previous state: %w", err)
		}
	}
	return evt, nil
}

func collectEvents(rows *sql.Rows) ([]event.Event, error) {
	var events []event.Event
	for rows.Next() {
		evt, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}
