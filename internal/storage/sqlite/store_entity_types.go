package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/temporalstate/temporalstate/internal/catalog"
	"github.com/temporalstate/temporalstate/internal/statevalue"
	"github.com/temporalstate/temporalstate/internal/storage"
)

// CreateEntityType inserts one entity type record. A duplicate name returns
// storage.ErrConflict.
func (s *Store) CreateEntityType(ctx context.Context, entityType catalog.EntityType) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(entityType.ID) == "" {
		return fmt.Errorf("entity type id is required")
	}
	if strings.TrimSpace(entityType.Name) == "" {
		return fmt.Errorf("entity type name is required")
	}

	schemaJSON, err := entityType.Schema.JSON()
	if err != nil {
		return fmt.Errorf("encode schema: %w", err)
	}
	metadataJSON, err := entityType.Metadata.JSON()
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	_, err = s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO entity_types (id, name, description, schema_json, metadata_json, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entityType.ID,
		entityType.Name,
		entityType.Description,
		string(schemaJSON),
		string(metadataJSON),
		toMillis(entityType.CreatedAt),
		toMillis(entityType.UpdatedAt),
	)
	if err != nil {
		if isConstraintError(err) {
			return storage.ErrConflict
		}
		return fmt.Errorf("insert entity type: %w", err)
	}
	return nil
}

// GetEntityType retrieves an entity type by id.
func (s *Store) GetEntityType(ctx context.Context, id string) (catalog.EntityType, error) {
	if err := ctx.Err(); err != nil {
		return catalog.EntityType{}, err
	}
	if s == nil || s.sqlDB == nil {
		return catalog.EntityType{}, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(id) == "" {
		return catalog.EntityType{}, fmt.Errorf("entity type id is required")
	}

	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT id, name, description, schema_json, metadata_json, created_at, updated_at
		 FROM entity_types WHERE id = ?`,
		id,
	)
	return scanEntityType(row)
}

// GetEntityTypeByName retrieves an entity type by its unique name.
func (s *Store) GetEntityTypeByName(ctx context.Context, name string) (catalog.EntityType, error) {
	if err := ctx.Err(); err != nil {
		return catalog.EntityType{}, err
	}
	if s == nil || s.sqlDB == nil {
		return catalog.EntityType{}, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(name) == "" {
		return catalog.EntityType{}, fmt.Errorf("entity type name is required")
	}

	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT id, name, description, schema_json, metadata_json, created_at, updated_at
		 FROM entity_types WHERE name = ?`,
		name,
	)
	return scanEntityType(row)
}

// ListEntityTypes returns all entity types, newest first.
func (s *Store) ListEntityTypes(ctx context.Context) ([]catalog.EntityType, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}

	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT id, name, description, schema_json, metadata_json, created_at, updated_at
		 FROM entity_types ORDER BY created_at DESC, name ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list entity types: %w", err)
	}
	defer rows.Close()

	var entityTypes []catalog.EntityType
	for rows.Next() {
		entityType, err := scanEntityType(rows)
		if err != nil {
			return nil, err
		}
		entityTypes = append(entityTypes, entityType)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entity types: %w", err)
	}
	return entityTypes, nil
}

// UpdateEntityTypeSchema replaces the schema of an existing type.
func (s *Store) UpdateEntityTypeSchema(ctx context.Context, id string, schema statevalue.Map, updatedAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("entity type id is required")
	}

	schemaJSON, err := schema.JSON()
	if err != nil {
		return fmt.Errorf("encode schema: %w", err)
	}

	result, err := s.sqlDB.ExecContext(
		ctx,
		`UPDATE entity_types SET schema_json = ?, updated_at = ? WHERE id = ?`,
		string(schemaJSON),
		toMillis(updatedAt),
		id,
	)
	if err != nil {
		return fmt.Errorf("update entity type schema: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update entity type schema rows affected: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntityType(row rowScanner) (catalog.EntityType, error) {
	var (
		entityType   catalog.EntityType
		schemaJSON   string
		metadataJSON string
		createdAt    int64
		updatedAt    int64
	)
	err := row.Scan(
		&entityType.ID,
		&entityType.Name,
		&entityType.Description,
		&schemaJSON,
		&metadataJSON,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return catalog.EntityType{}, storage.ErrNotFound
		}
		return catalog.EntityType{}, fmt.Errorf("scan entity type: %w", err)
	}

	entityType.Schema, err = statevalue.ParseMap([]byte(schemaJSON))
	if err != nil {
		return catalog.EntityType{}, fmt.Errorf("decode schema: %w", err)
	}
	entityType.Metadata, err = statevalue.ParseMap([]byte(metadataJSON))
	if err != nil {
		return catalog.EntityType{}, fmt.Errorf("decode metadata: %w", err)
	}
	entityType.CreatedAt = fromMillis(createdAt)
	entityType.UpdatedAt = fromMillis(updatedAt)
	return entityType, nil
}
