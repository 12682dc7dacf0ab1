package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/temporalstate/temporalstate/internal/statevalue"
	"github.com/temporalstate/temporalstate/internal/storage"
)

// PutSnapshot records a state snapshot at a version. Re-recording the same
// (instance, version) pair is a no-op.
func (s *Store) PutSnapshot(ctx context.Context, snapshot storage.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(snapshot.ID) == "" {
		return fmt.Errorf("snapshot id is required")
	}
	if strings.TrimSpace(snapshot.EntityInstanceID) == "" {
		return fmt.Errorf("entity instance id is required")
	}
	if snapshot.Version == 0 {
		return fmt.Errorf("snapshot version must be greater than zero")
	}

	stateJSON, err := snapshot.State.JSON()
	if err != nil {
		return fmt.Errorf("encode snapshot state: %w", err)
	}
	metadataJSON, err := snapshot.Metadata.JSON()
	if err != nil {
		return fmt.Errorf("encode snapshot metadata: %w", err)
	}

	if _, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO snapshots (id, entity_instance_id, version, state_json, metadata_json, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (entity_instance_id, version) DO NOTHING`,
		snapshot.ID,
		snapshot.EntityInstanceID,
		int64(snapshot.Version),
		string(stateJSON),
		string(metadataJSON),
		toMillis(snapshot.CreatedAt),
	); err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}

// LatestSnapshot returns the highest-version snapshot for an instance, or
// storage.ErrNotFound when none exists.
func (s *Store) LatestSnapshot(ctx context.Context, entityInstanceID string) (storage.Snapshot, error) {
	return s.snapshotAtOrBefore(ctx, entityInstanceID, 0)
}

// SnapshotAtOrBefore returns the highest-version snapshot with
// version <= maxVersion, or storage.ErrNotFound when none qualifies.
func (s *Store) SnapshotAtOrBefore(ctx context.Context, entityInstanceID string, maxVersion uint64) (storage.Snapshot, error) {
	if maxVersion == 0 {
		return storage.Snapshot{}, fmt.Errorf("max version must be greater than zero")
	}
	return s.snapshotAtOrBefore(ctx, entityInstanceID, maxVersion)
}

func (s *Store) snapshotAtOrBefore(ctx context.Context, entityInstanceID string, maxVersion uint64) (storage.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return storage.Snapshot{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.Snapshot{}, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(entityInstanceID) == "" {
		return storage.Snapshot{}, fmt.Errorf("entity instance id is required")
	}

	query := `SELECT id, entity_instance_id, version, state_json, metadata_json, created_at
		 FROM snapshots WHERE entity_instance_id = ?`
	params := []any{entityInstanceID}
	if maxVersion > 0 {
		query += ` AND version <= ?`
		params = append(params, int64(maxVersion))
	}
	query += ` ORDER BY version DESC LIMIT 1`

	row := s.sqlDB.QueryRowContext(ctx, query, params...)

	var (
		snapshot     storage.Snapshot
		version      int64
		stateJSON    string
		metadataJSON string
		createdAt    int64
	)
	err := row.Scan(
		&snapshot.ID,
		&snapshot.EntityInstanceID,
		&version,
		&stateJSON,
		&metadataJSON,
		&createdAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Snapshot{}, storage.ErrNotFound
		}
		return storage.Snapshot{}, fmt.Errorf("scan snapshot: %w", err)
	}

	snapshot.Version = uint64(version)
	snapshot.CreatedAt = fromMillis(createdAt)
	snapshot.State, err = statevalue.ParseMap([]byte(stateJSON))
	if err != nil {
		return storage.Snapshot{}, fmt.Errorf("decode snapshot state: %w", err)
	}
	snapshot.Metadata, err = statevalue.ParseMap([]byte(metadataJSON))
	if err != nil {
		return storage.Snapshot{}, fmt.Errorf("decode snapshot metadata: %w", err)
	}
	return snapshot, nil
}
