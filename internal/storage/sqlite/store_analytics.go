package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/temporalstate/temporalstate/internal/storage"
)

// GetEventStatistics aggregates journal activity for one entity type.
func (s *Store) GetEventStatistics(ctx context.Context, entityTypeName string) (storage.EventStatistics, error) {
	if err := ctx.Err(); err != nil {
		return storage.EventStatistics{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.EventStatistics{}, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(entityTypeName) == "" {
		return storage.EventStatistics{}, fmt.Errorf("entity type name is required")
	}

	stats := storage.EventStatistics{
		EventsByType: map[string]int{},
	}

	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT event_type, COUNT(*) FROM events WHERE entity_type_name = ? GROUP BY event_type`,
		entityTypeName,
	)
	if err != nil {
		return storage.EventStatistics{}, fmt.Errorf("count events by type: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			eventType string
			count     int
		)
		if err := rows.Scan(&eventType, &count); err != nil {
			return storage.EventStatistics{}, fmt.Errorf("scan event statistics: %w", err)
		}
		stats.EventsByType[eventType] = count
		stats.TotalEvents += count
	}
	if err := rows.Err(); err != nil {
		return storage.EventStatistics{}, fmt.Errorf("iterate event statistics: %w", err)
	}

	// MAX over zero rows yields a single NULL row.
	var lastMillis sql.NullInt64
	err = s.sqlDB.QueryRowContext(
		ctx,
		`SELECT MAX(timestamp) FROM events WHERE entity_type_name = ?`,
		entityTypeName,
	).Scan(&lastMillis)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return storage.EventStatistics{}, fmt.Errorf("load last event time: %w", err)
	}
	if lastMillis.Valid {
		last := fromMillis(lastMillis.Int64)
		stats.LastEventTime = &last
	}
	return stats, nil
}

// CountEventsByType counts a type's events per event type with timestamps in
// [start, end].
func (s *Store) CountEventsByType(ctx context.Context, entityTypeName string, start, end time.Time) (map[string]int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(entityTypeName) == "" {
		return nil, fmt.Errorf("entity type name is required")
	}

	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT event_type, COUNT(*) FROM events
		 WHERE entity_type_name = ? AND timestamp >= ? AND timestamp <= ?
		 GROUP BY event_type`,
		entityTypeName,
		toMillis(start),
		toMillis(end),
	)
	if err != nil {
		return nil, fmt.Errorf("count events by type in range: %w", err)
	}
	defer rows.Close()

	counts := map[string]int{}
	for rows.Next() {
		var (
			eventType string
			count     int
		)
		if err := rows.Scan(&eventType, &count); err != nil {
			return nil, fmt.Errorf("scan event type count: %w", err)
		}
		counts[eventType] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate event type counts: %w", err)
	}
	return counts, nil
}

// EventCountBuckets counts a type's events in [start, end] grouped into
// fixed-width buckets of the given duration, ascending by bucket start.
func (s *Store) EventCountBuckets(ctx context.Context, entityTypeName string, start, end time.Time, bucket time.Duration) ([]storage.TimeBucket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(entityTypeName) == "" {
		return nil, fmt.Errorf("entity type name is required")
	}

	return s.countBuckets(
		ctx,
		`SELECT (timestamp / ?) * ? AS bucket, COUNT(*) FROM events
		 WHERE entity_type_name = ? AND timestamp >= ? AND timestamp <= ?
		 GROUP BY bucket ORDER BY bucket ASC`,
		entityTypeName,
		start,
		end,
		bucket,
	)
}

// MostActiveInstances returns the instances of a type with the longest
// journals, descending by event count. Ties break on instance id so the
// order is stable.
func (s *Store) MostActiveInstances(ctx context.Context, entityTypeName string, limit int) ([]storage.InstanceActivity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(entityTypeName) == "" {
		return nil, fmt.Errorf("entity type name is required")
	}
	if limit <= 0 {
		limit = 10
	}

	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT entity_instance_id, COUNT(*) AS event_count FROM events
		 WHERE entity_type_name = ?
		 GROUP BY entity_instance_id
		 ORDER BY event_count DESC, entity_instance_id ASC
		 LIMIT ?`,
		entityTypeName,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list most active instances: %w", err)
	}
	defer rows.Close()

	var activity []storage.InstanceActivity
	for rows.Next() {
		var entry storage.InstanceActivity
		if err := rows.Scan(&entry.EntityInstanceID, &entry.EventCount); err != nil {
			return nil, fmt.Errorf("scan instance activity: %w", err)
		}
		activity = append(activity, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate instance activity: %w", err)
	}
	return activity, nil
}

// InstanceCreationBuckets counts instances of a type created in [start, end]
// grouped into fixed-width buckets of the given duration.
func (s *Store) InstanceCreationBuckets(ctx context.Context, entityTypeID string, start, end time.Time, bucket time.Duration) ([]storage.TimeBucket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(entityTypeID) == "" {
		return nil, fmt.Errorf("entity type id is required")
	}

	return s.countBuckets(
		ctx,
		`SELECT (created_at / ?) * ? AS bucket, COUNT(*) FROM entity_instances
		 WHERE entity_type_id = ? AND created_at >= ? AND created_at <= ?
		 GROUP BY bucket ORDER BY bucket ASC`,
		entityTypeID,
		start,
		end,
		bucket,
	)
}

// countBuckets runs a bucketed count query. The query must take the bucket
// width twice, then the scope id, then the range bounds, and emit
// (bucket start millis, count) rows.
func (s *Store) countBuckets(ctx context.Context, query, scopeID string, start, end time.Time, bucket time.Duration) ([]storage.TimeBucket, error) {
	bucketMillis := bucket.Milliseconds()
	if bucketMillis <= 0 {
		return nil, fmt.Errorf("bucket duration must be at least one millisecond")
	}

	rows, err := s.sqlDB.QueryContext(
		ctx,
		query,
		bucketMillis,
		bucketMillis,
		scopeID,
		toMillis(start),
		toMillis(end),
	)
	if err != nil {
		return nil, fmt.Errorf("count buckets: %w", err)
	}
	defer rows.Close()

	var buckets []storage.TimeBucket
	for rows.Next() {
		var (
			startMillis int64
			count       int
		)
		if err := rows.Scan(&startMillis, &count); err != nil {
			return nil, fmt.Errorf("scan bucket: %w", err)
		}
		buckets = append(buckets, storage.TimeBucket{Start: fromMillis(startMillis), Count: count})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate buckets: %w", err)
	}
	return buckets, nil
}
