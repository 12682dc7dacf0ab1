package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/temporalstate/temporalstate/internal/catalog"
	"github.com/temporalstate/temporalstate/internal/event"
	"github.com/temporalstate/temporalstate/internal/statevalue"
	"github.com/temporalstate/temporalstate/internal/storage"
)

// CreateInstance atomically inserts the instance row, its version-1 creation
// event, and the creation notification outbox row. A duplicate
// (entity_type_id, external_id) pair returns storage.ErrConflict.
func (s *Store) CreateInstance(ctx context.Context, instance catalog.EntityInstance, created event.Event, subject string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(instance.ID) == "" {
		return fmt.Errorf("instance id is required")
	}
	if instance.Version != 1 {
		return fmt.Errorf("new instance version must be 1, got %d", instance.Version)
	}
	if created.Version != 1 {
		return fmt.Errorf("creation event version must be 1, got %d", created.Version)
	}
	if created.EntityInstanceID != instance.ID {
		return fmt.Errorf("creation event instance id mismatch")
	}

	stateJSON, err := instance.CurrentState.JSON()
	if err != nil {
		return fmt.Errorf("encode current state: %w", err)
	}
	metadataJSON, err := instance.Metadata.JSON()
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(
		ctx,
		`INSERT INTO entity_instances (id, entity_type_id, external_id, current_state_json, version, metadata_json, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		instance.ID,
		instance.EntityTypeID,
		instance.ExternalID,
		string(stateJSON),
		int64(instance.Version),
		string(metadataJSON),
		toMillis(instance.CreatedAt),
		toMillis(instance.UpdatedAt),
	); err != nil {
		if isConstraintError(err) {
			return storage.ErrConflict
		}
		return fmt.Errorf("insert instance: %w", err)
	}

	if err := insertEventTx(ctx, tx, created); err != nil {
		return err
	}
	if err := enqueueNotifyOutboxTx(ctx, tx, created, subject); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// GetInstance retrieves an instance by id.
func (s *Store) GetInstance(ctx context.Context, id string) (catalog.EntityInstance, error) {
	if err := ctx.Err(); err != nil {
		return catalog.EntityInstance{}, err
	}
	if s == nil || s.sqlDB == nil {
		return catalog.EntityInstance{}, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(id) == "" {
		return catalog.EntityInstance{}, fmt.Errorf("instance id is required")
	}

	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT id, entity_type_id, external_id, current_state_json, version, metadata_json, created_at, updated_at
		 FROM entity_instances WHERE id = ?`,
		id,
	)
	return scanInstance(row)
}

// GetInstanceByExternalID retrieves an instance by its external identity.
func (s *Store) GetInstanceByExternalID(ctx context.Context, entityTypeID, externalID string) (catalog.EntityInstance, error) {
	if err := ctx.Err(); err != nil {
		return catalog.EntityInstance{}, err
	}
	if s == nil || s.sqlDB == nil {
		return catalog.EntityInstance{}, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(entityTypeID) == "" {
		return catalog.EntityInstance{}, fmt.Errorf("entity type id is required")
	}
	if strings.TrimSpace(externalID) == "" {
		return catalog.EntityInstance{}, fmt.Errorf("external id is required")
	}

	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT id, entity_type_id, external_id, current_state_json, version, metadata_json, created_at, updated_at
		 FROM entity_instances WHERE entity_type_id = ? AND external_id = ?`,
		entityTypeID,
		externalID,
	)
	return scanInstance(row)
}

// ListInstances returns a page of instances for a type ordered by creation
// time descending, plus the total count.
func (s *Store) ListInstances(ctx context.Context, entityTypeID string, limit, offset int) ([]catalog.EntityInstance, int, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, 0, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(entityTypeID) == "" {
		return nil, 0, fmt.Errorf("entity type id is required")
	}
	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT id, entity_type_id, external_id, current_state_json, version, metadata_json, created_at, updated_at
		 FROM entity_instances
		 WHERE entity_type_id = ?
		 ORDER BY created_at DESC, id ASC
		 LIMIT ? OFFSET ?`,
		entityTypeID,
		limit,
		offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list instances: %w", err)
	}
	defer rows.Close()

	instances := make([]catalog.EntityInstance, 0, limit)
	for rows.Next() {
		instance, err := scanInstance(rows)
		if err != nil {
			return nil, 0, err
		}
		instances = append(instances, instance)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate instances: %w", err)
	}

	var total int
	if err := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT COUNT(*) FROM entity_instances WHERE entity_type_id = ?`,
		entityTypeID,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count instances: %w", err)
	}

	return instances, total, nil
}

func scanInstance(row rowScanner) (catalog.EntityInstance, error) {
	var (
		instance     catalog.EntityInstance
		stateJSON    string
		version      int64
		metadataJSON string
		createdAt    int64
		updatedAt    int64
	)
	err := row.Scan(
		&instance.ID,
		&instance.EntityTypeID,
		&instance.ExternalID,
		&stateJSON,
		&version,
		&metadataJSON,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return catalog.EntityInstance{}, storage.ErrNotFound
		}
		return catalog.EntityInstance{}, fmt.Errorf("scan instance: %w", err)
	}

	instance.CurrentState, err = statevalue.ParseMap([]byte(stateJSON))
	if err != nil {
		return catalog.EntityInstance{}, fmt.Errorf("decode current state: %w", err)
	}
	instance.Metadata, err = statevalue.ParseMap([]byte(metadataJSON))
	if err != nil {
		return catalog.EntityInstance{}, fmt.Errorf("decode metadata: %w", err)
	}
	instance.Version = uint64(version)
	instance.CreatedAt = fromMillis(createdAt)
	instance.UpdatedAt = fromMillis(updatedAt)
	return instance, nil
}
