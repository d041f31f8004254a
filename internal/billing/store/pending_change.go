package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dukerupert/studyplan/internal/billing/model"
)

// PendingChangeStore is the ledger of deferred plan changes. Status updates
// only touch rows that are still pending.
type PendingChangeStore struct {
	db DBTX
}

func NewPendingChangeStore(db DBTX) *PendingChangeStore {
	return &PendingChangeStore{db: db}
}

func scanPendingChange(scanner interface{ Scan(...any) error }) (*model.PendingChange, error) {
	var pc model.PendingChange
	var targetIDs string
	var failureReason sql.NullString
	var appliedAt sql.NullTime
	err := scanner.Scan(
		&pc.ID, &pc.SubscriptionID, &pc.ChangeType, &pc.Timing, &targetIDs,
		&pc.TargetSubjectCount, &pc.TargetPrice, &pc.ScheduledDate, &pc.Status,
		&failureReason, &appliedAt, &pc.CreatedAt, &pc.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(targetIDs), &pc.TargetSubjectIDs); err != nil {
		return nil, fmt.Errorf("decode target subject ids: %w", err)
	}
	pc.ScheduledDate = pc.ScheduledDate.UTC()
	if failureReason.Valid {
		pc.FailureReason = &failureReason.String
	}
	if appliedAt.Valid {
		t := appliedAt.Time.UTC()
		pc.AppliedAt = &t
	}
	return &pc, nil
}

const pendingChangeCols = `id, subscription_id, change_type, timing, target_subject_ids,
	target_subject_count, target_price, scheduled_date, status,
	failure_reason, applied_at, created_at, updated_at`

// Create inserts a new pending change. An empty ID is filled with a UUID.
func (s *PendingChangeStore) Create(ctx context.Context, pc *model.PendingChange) (*model.PendingChange, error) {
	if pc.ID == "" {
		pc.ID = uuid.NewString()
	}
	if pc.Status == "" {
		pc.Status = model.PendingOpen
	}
	targetIDs, err := json.Marshal(nonNil(pc.TargetSubjectIDs))
	if err != nil {
		return nil, fmt.Errorf("encode target subject ids: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO pending_changes (
			id, subscription_id, change_type, timing, target_subject_ids,
			target_subject_count, target_price, scheduled_date, status
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		pc.ID, pc.SubscriptionID, pc.ChangeType, pc.Timing, string(targetIDs),
		pc.TargetSubjectCount, pc.TargetPrice.String(), pc.ScheduledDate.UTC(), pc.Status,
	)
	if err != nil {
		return nil, fmt.Errorf("insert pending change: %w", err)
	}
	return s.GetByID(ctx, pc.ID)
}

func (s *PendingChangeStore) GetByID(ctx context.Context, id string) (*model.PendingChange, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+pendingChangeCols+` FROM pending_changes WHERE id = ?`, id)
	pc, err := scanPendingChange(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get pending change: %w", err)
	}
	return pc, nil
}

// GetOpen returns the subscription's pending change, or nil if none is open.
func (s *PendingChangeStore) GetOpen(ctx context.Context, subscriptionID int64) (*model.PendingChange, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+pendingChangeCols+` FROM pending_changes WHERE subscription_id = ? AND status = ?`,
		subscriptionID, model.PendingOpen,
	)
	pc, err := scanPendingChange(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get open pending change: %w", err)
	}
	return pc, nil
}

// ReplaceTarget overwrites the target of an open pending change.
func (s *PendingChangeStore) ReplaceTarget(ctx context.Context, pc *model.PendingChange) error {
	targetIDs, err := json.Marshal(nonNil(pc.TargetSubjectIDs))
	if err != nil {
		return fmt.Errorf("encode target subject ids: %w", err)
	}
	result, err := s.db.ExecContext(ctx,
		`UPDATE pending_changes
		SET target_subject_ids = ?, target_subject_count = ?, target_price = ?,
			scheduled_date = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = ?`,
		string(targetIDs), pc.TargetSubjectCount, pc.TargetPrice.String(),
		pc.ScheduledDate.UTC(), pc.ID, model.PendingOpen,
	)
	if err != nil {
		return fmt.Errorf("update pending change target: %w", err)
	}
	return requireOneRow(result)
}

// ListOpenNextPeriod returns the subscription's open changes that wait for
// the next billing period.
func (s *PendingChangeStore) ListOpenNextPeriod(ctx context.Context, subscriptionID int64) ([]model.PendingChange, error) {
	return s.list(ctx,
		`SELECT `+pendingChangeCols+` FROM pending_changes
		WHERE subscription_id = ? AND status = ? AND timing = ?
		ORDER BY created_at`,
		subscriptionID, model.PendingOpen, model.TimingNextPeriod,
	)
}

// ListOverdue returns open changes scheduled at or before now whose
// subscription is active.
func (s *PendingChangeStore) ListOverdue(ctx context.Context, now time.Time) ([]model.PendingChange, error) {
	return s.list(ctx,
		`SELECT `+prefixed("pc", pendingChangeCols)+` FROM pending_changes pc
		JOIN subscriptions s ON s.id = pc.subscription_id
		WHERE pc.status = ? AND pc.scheduled_date <= ? AND s.status = ?
		ORDER BY pc.scheduled_date`,
		model.PendingOpen, now.UTC(), model.StatusActive,
	)
}

// ListBySubscription returns every change for the subscription, newest first.
func (s *PendingChangeStore) ListBySubscription(ctx context.Context, subscriptionID int64) ([]model.PendingChange, error) {
	return s.list(ctx,
		`SELECT `+pendingChangeCols+` FROM pending_changes WHERE subscription_id = ? ORDER BY created_at DESC, id`,
		subscriptionID,
	)
}

func (s *PendingChangeStore) list(ctx context.Context, query string, args ...any) ([]model.PendingChange, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list pending changes: %w", err)
	}
	defer rows.Close()

	var changes []model.PendingChange
	for rows.Next() {
		pc, err := scanPendingChange(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pending change: %w", err)
		}
		changes = append(changes, *pc)
	}
	return changes, rows.Err()
}

func (s *PendingChangeStore) MarkApplied(ctx context.Context, id string, at time.Time) error {
	return s.transition(ctx, id, model.PendingApplied,
		`applied_at = ?, failure_reason = NULL`, at.UTC())
}

func (s *PendingChangeStore) MarkCancelled(ctx context.Context, id string) error {
	return s.transition(ctx, id, model.PendingCancelled, ``)
}

func (s *PendingChangeStore) MarkFailed(ctx context.Context, id, reason string) error {
	return s.transition(ctx, id, model.PendingFailed, `failure_reason = ?`, reason)
}

// transition moves a pending row to target. It returns ErrNotPending when the
// row is missing or already resolved.
func (s *PendingChangeStore) transition(ctx context.Context, id string, target model.PendingStatus, set string, args ...any) error {
	if !model.PendingOpen.CanTransitionTo(target) {
		return &model.ErrInvalidTransition{From: model.PendingOpen, To: target}
	}
	query := `UPDATE pending_changes SET status = ?, updated_at = CURRENT_TIMESTAMP`
	if set != "" {
		query += `, ` + set
	}
	query += ` WHERE id = ? AND status = ?`

	params := append([]any{target}, args...)
	params = append(params, id, model.PendingOpen)

	result, err := s.db.ExecContext(ctx, query, params...)
	if err != nil {
		return fmt.Errorf("mark pending change %s: %w", target, err)
	}
	return requireOneRow(result)
}

func requireOneRow(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotPending
	}
	return nil
}

func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}

func prefixed(alias, cols string) string {
	parts := strings.Split(cols, ",")
	for i, c := range parts {
		parts[i] = alias + "." + strings.TrimSpace(c)
	}
	return strings.Join(parts, ", ")
}
