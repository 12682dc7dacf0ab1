package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/temporalstate/temporalstate/internal/event"
	"github.com/temporalstate/temporalstate/internal/storage"
)

const (
	outboxStatusPending    = "pending"
	outboxStatusProcessing = "processing"
	outboxStatusFailed     = "failed"
	outboxStatusDead       = "dead"
)

const (
	outboxMaxAttempts     = 8
	outboxMaxBackoff      = 5 * time.Minute
	outboxProcessingLease = 2 * time.Minute
)

func enqueueNotifyOutboxTx(ctx context.Context, tx *sql.Tx, evt event.Event, subject string) error {
	if subject == "" {
		return nil
	}
	now := toMillis(evt.Timestamp)
	if _, err := tx.ExecContext(
		ctx,
		`INSERT INTO notify_outbox (entity_instance_id, version, subject, status, attempt_count, next_attempt_at, updated_at)
		 VALUES (?, ?, ?, ?, 0, ?, ?)
		 ON CONFLICT (entity_instance_id, version) DO NOTHING`,
		evt.EntityInstanceID,
		int64(evt.Version),
		subject,
		outboxStatusPending,
		now,
		now,
	); err != nil {
		return fmt.Errorf("enqueue notification: %w", err)
	}
	return nil
}

func outboxBackoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	backoff := time.Second << (attempt - 1)
	if backoff > outboxMaxBackoff || backoff <= 0 {
		backoff = outboxMaxBackoff
	}
	return backoff
}

type outboxClaim struct {
	entityInstanceID string
	version          uint64
	subject          string
	attemptCount     int
}

// ProcessNotifyOutbox claims up to limit due notification rows and publishes
// each through publish. Published rows are removed; failures are retried with
// exponential backoff and moved to dead after repeated attempts. It returns
// the number of rows successfully published.
//
// Claimed rows hold a processing lease so a crashed worker's claims become
// due again instead of sticking forever.
func (s *Store) ProcessNotifyOutbox(ctx context.Context, now time.Time, limit int, publish func(ctx context.Context, evt event.Event, subject string) error) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if s == nil || s.sqlDB == nil {
		return 0, fmt.Errorf("storage is not configured")
	}
	if publish == nil {
		return 0, fmt.Errorf("publish function is required")
	}
	if limit <= 0 {
		limit = 50
	}

	claims, err := s.claimDueNotifications(ctx, now, limit)
	if err != nil {
		return 0, err
	}

	published := 0
	for _, claim := range claims {
		if err := ctx.Err(); err != nil {
			return published, err
		}

		evt, err := s.GetEventByVersion(ctx, claim.entityInstanceID, claim.version)
		if err != nil {
			if markErr := s.markNotificationFailed(ctx, claim, now, err); markErr != nil {
				return published, markErr
			}
			continue
		}

		if err := publish(ctx, evt, claim.subject); err != nil {
			if markErr := s.markNotificationFailed(ctx, claim, now, err); markErr != nil {
				return published, markErr
			}
			continue
		}

		if _, err := s.sqlDB.ExecContext(
			ctx,
			`DELETE FROM notify_outbox WHERE entity_instance_id = ? AND version = ?`,
			claim.entityInstanceID,
			int64(claim.version),
		); err != nil {
			return published, fmt.Errorf("complete notification: %w", err)
		}
		published++
	}
	return published, nil
}

func (s *Store) claimDueNotifications(ctx context.Context, now time.Time, limit int) ([]outboxClaim, error) {
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(
		ctx,
		`SELECT entity_instance_id, version, subject, attempt_count
		 FROM notify_outbox
		 WHERE status IN (?, ?, ?) AND next_attempt_at <= ?
		 ORDER BY next_attempt_at ASC
		 LIMIT ?`,
		outboxStatusPending,
		outboxStatusFailed,
		outboxStatusProcessing,
		toMillis(now),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select due notifications: %w", err)
	}

	var claims []outboxClaim
	for rows.Next() {
		var (
			claim   outboxClaim
			version int64
		)
		if err := rows.Scan(&claim.entityInstanceID, &version, &claim.subject, &claim.attemptCount); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		claim.version = uint64(version)
		claims = append(claims, claim)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate notifications: %w", err)
	}
	rows.Close()

	lease := toMillis(now.Add(outboxProcessingLease))
	for _, claim := range claims {
		if _, err := tx.ExecContext(
			ctx,
			`UPDATE notify_outbox SET status = ?, next_attempt_at = ?, updated_at = ?
			 WHERE entity_instance_id = ? AND version = ?`,
			outboxStatusProcessing,
			lease,
			toMillis(now),
			claim.entityInstanceID,
			int64(claim.version),
		); err != nil {
			return nil, fmt.Errorf("claim notification: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return claims, nil
}

func (s *Store) markNotificationFailed(ctx context.Context, claim outboxClaim, now time.Time, cause error) error {
	attempt := claim.attemptCount + 1
	status := outboxStatusFailed
	nextAttempt := now.Add(outboxBackoff(attempt))
	if attempt >= outboxMaxAttempts {
		status = outboxStatusDead
	}

	if _, err := s.sqlDB.ExecContext(
		ctx,
		`UPDATE notify_outbox SET status = ?, attempt_count = ?, next_attempt_at = ?, last_error = ?, updated_at = ?
		 WHERE entity_instance_id = ? AND version = ?`,
		status,
		attempt,
		toMillis(nextAttempt),
		cause.Error(),
		toMillis(now),
		claim.entityInstanceID,
		int64(claim.version),
	); err != nil {
		return fmt.Errorf("mark notification failed: %w", err)
	}
	return nil
}

// RequeueDeadNotifications moves dead notification rows back to pending so
// the worker retries them. It returns the number of rows requeued.
func (s *Store) RequeueDeadNotifications(ctx context.Context, now time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if s == nil || s.sqlDB == nil {
		return 0, fmt.Errorf("storage is not configured")
	}

	result, err := s.sqlDB.ExecContext(
		ctx,
		`UPDATE notify_outbox SET status = ?, attempt_count = 0, next_attempt_at = ?, last_error = '', updated_at = ?
		 WHERE status = ?`,
		outboxStatusPending,
		toMillis(now),
		toMillis(now),
		outboxStatusDead,
	)
	if err != nil {
		return 0, fmt.Errorf("requeue dead notifications: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("requeue dead notifications rows affected: %w", err)
	}
	return int(affected), nil
}

// NotifyOutboxSummary reports row counts by status.
func (s *Store) NotifyOutboxSummary(ctx context.Context) (storage.OutboxSummary, error) {
	if err := ctx.Err(); err != nil {
		return storage.OutboxSummary{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.OutboxSummary{}, fmt.Errorf("storage is not configured")
	}

	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT status, COUNT(*) FROM notify_outbox GROUP BY status`,
	)
	if err != nil {
		return storage.OutboxSummary{}, fmt.Errorf("summarize outbox: %w", err)
	}
	defer rows.Close()

	var summary storage.OutboxSummary
	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return storage.OutboxSummary{}, fmt.Errorf("scan outbox summary: %w", err)
		}
		switch status {
		case outboxStatusPending:
			summary.Pending = count
		case outboxStatusProcessing:
			summary.Processing = count
		case outboxStatusFailed:
			summary.Failed = count
		case outboxStatusDead:
			summary.Dead = count
		}
	}
	if err := rows.Err(); err != nil {
		return storage.OutboxSummary{}, fmt.Errorf("iterate outbox summary: %w", err)
	}
	return summary, nil
}
