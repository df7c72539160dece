package store

import (
	"context"
	"fmt"

	"payrecon/internal/payments/domain"
)

// CreateRun inserts a run in running state
func (s *Store) CreateRun(ctx context.Context, run *domain.ReconciliationRun) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO reconciliation_runs (id, window_start, window_end, status, started_at)
		VALUES ($1, $2, $3, $4, $5)
	`, run.ID, run.WindowStart, run.WindowEnd, run.Status, run.StartedAt)
	if err != nil {
		return fmt.Errorf("creating run: %w", err)
	}
	return nil
}

// FinishRun stores the final counts and status of a run
func (s *Store) FinishRun(ctx context.Context, run *domain.ReconciliationRun) error {
	_, err := s.db.Exec(ctx, `
		UPDATE reconciliation_runs
		SET status = $2, checked = $3, mismatched = $4, failed = $5, finished_at = $6
		WHERE id = $1
	`, run.ID, run.Status, run.Checked, run.Mismatched, run.Failed, run.FinishedAt)
	if err != nil {
		return fmt.Errorf("finishing run: %w", err)
	}
	return nil
}

// InsertNotificationAttempt persists one notification attempt
func (s *Store) InsertNotificationAttempt(ctx context.Context, a *domain.NotificationAttempt) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO notification_attempts (
			id, tenant_id, event_type, channel, role, recipient, status, error,
			parent_attempt_id, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`,
		a.ID, a.TenantID, a.EventType, a.Channel, a.Role, a.Recipient, a.Status,
		nullableString(a.Error), nullableString(a.ParentAttemptID), a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting notification attempt: %w", err)
	}
	return nil
}
