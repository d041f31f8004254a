package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dukerupert/studyplan/internal/billing/model"
)

type SubscriptionStore struct {
	db DBTX
}

func NewSubscriptionStore(db DBTX) *SubscriptionStore {
	return &SubscriptionStore{db: db}
}

func scanSubscription(scanner interface{ Scan(...any) error }) (*model.Subscription, error) {
	var sub model.Subscription
	var customerID, stripeSubID sql.NullString
	var periodStart, periodEnd, lastEventAt sql.NullTime
	var cancelAtPeriodEnd int
	err := scanner.Scan(
		&sub.ID, &sub.AccountID, &customerID, &stripeSubID, &sub.Status,
		&sub.SubjectCount, &sub.CustomPrice, &periodStart, &periodEnd,
		&cancelAtPeriodEnd, &sub.Version, &lastEventAt, &sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if customerID.Valid {
		sub.StripeCustomerID = &customerID.String
	}
	if stripeSubID.Valid {
		sub.StripeSubscriptionID = &stripeSubID.String
	}
	if periodStart.Valid {
		t := periodStart.Time.UTC()
		sub.CurrentPeriodStart = &t
	}
	if periodEnd.Valid {
		t := periodEnd.Time.UTC()
		sub.CurrentPeriodEnd = &t
	}
	if lastEventAt.Valid {
		t := lastEventAt.Time.UTC()
		sub.LastEventAt = &t
	}
	sub.CancelAtPeriodEnd = cancelAtPeriodEnd != 0
	return &sub, nil
}

const subscriptionCols = `id, account_id, stripe_customer_id, stripe_subscription_id, status,
	subject_count, custom_price, current_period_start, current_period_end,
	cancel_at_period_end, version, last_event_at, created_at, updated_at`

// UpsertParams describes the subscription state confirmed by a completed checkout.
type UpsertParams struct {
	AccountID            int64
	StripeCustomerID     string
	StripeSubscriptionID string
	Status               model.SubscriptionStatus
	SubjectCount         int
	CustomPrice          decimal.Decimal
	CurrentPeriodStart   *time.Time
	CurrentPeriodEnd     *time.Time
	CancelAtPeriodEnd    bool
}

// Upsert creates the account's subscription or overwrites it, keyed on account id.
func (s *SubscriptionStore) Upsert(ctx context.Context, p UpsertParams) (*model.Subscription, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO subscriptions (
			account_id, stripe_customer_id, stripe_subscription_id, status, subject_count,
			custom_price, current_period_start, current_period_end, cancel_at_period_end
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id) DO UPDATE SET
			stripe_customer_id = excluded.stripe_customer_id,
			stripe_subscription_id = excluded.stripe_subscription_id,
			status = excluded.status,
			subject_count = excluded.subject_count,
			custom_price = excluded.custom_price,
			current_period_start = excluded.current_period_start,
			current_period_end = excluded.current_period_end,
			cancel_at_period_end = excluded.cancel_at_period_end,
			last_event_at = NULL,
			version = subscriptions.version + 1,
			updated_at = CURRENT_TIMESTAMP`,
		p.AccountID, p.StripeCustomerID, p.StripeSubscriptionID, p.Status, p.SubjectCount,
		p.CustomPrice.String(), nullTime(p.CurrentPeriodStart), nullTime(p.CurrentPeriodEnd),
		boolToInt(p.CancelAtPeriodEnd),
	)
	if err != nil {
		return nil, fmt.Errorf("upsert subscription: %w", err)
	}
	return s.GetByAccountID(ctx, p.AccountID)
}

func (s *SubscriptionStore) GetByID(ctx context.Context, id int64) (*model.Subscription, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+subscriptionCols+` FROM subscriptions WHERE id = ?`, id)
	sub, err := scanSubscription(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get subscription: %w", err)
	}
	return sub, nil
}

func (s *SubscriptionStore) GetByAccountID(ctx context.Context, accountID int64) (*model.Subscription, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+subscriptionCols+` FROM subscriptions WHERE account_id = ?`,
		accountID,
	)
	sub, err := scanSubscription(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get subscription by account: %w", err)
	}
	return sub, nil
}

func (s *SubscriptionStore) GetByStripeID(ctx context.Context, stripeSubID string) (*model.Subscription, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+subscriptionCols+` FROM subscriptions WHERE stripe_subscription_id = ?`,
		stripeSubID,
	)
	sub, err := scanSubscription(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get subscription by stripe id: %w", err)
	}
	return sub, nil
}

// UpdatePlan sets the billed subject count and price if the row is still at
// expectedVersion. It returns ErrStaleVersion otherwise. Only plan writes
// (UpdatePlan, Upsert) move the version; status and period syncs leave it alone.
func (s *SubscriptionStore) UpdatePlan(ctx context.Context, id, expectedVersion int64, subjectCount int, price decimal.Decimal) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE subscriptions
		SET subject_count = ?, custom_price = ?, version = version + 1, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND version = ?`,
		subjectCount, price.String(), id, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("update subscription plan: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrStaleVersion
	}
	return nil
}

// UpdateStatus sets the status of a live subscription. A canceled row is
// terminal and is never changed; the result reports whether the row changed.
func (s *SubscriptionStore) UpdateStatus(ctx context.Context, id int64, status model.SubscriptionStatus) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE subscriptions SET status = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status != 'canceled'`,
		status, id,
	)
	if err != nil {
		return false, fmt.Errorf("update subscription status: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

// Cancel marks the subscription canceled and moves last_event_at forward to
// eventAt, so subscription events created before the deletion are dropped.
func (s *SubscriptionStore) Cancel(ctx context.Context, id int64, eventAt time.Time) (bool, error) {
	at := eventAt.UTC()
	result, err := s.db.ExecContext(ctx,
		`UPDATE subscriptions
		SET status = 'canceled',
			last_event_at = CASE WHEN last_event_at IS NULL OR last_event_at < ? THEN ? ELSE last_event_at END,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status != 'canceled'`,
		at, at, id,
	)
	if err != nil {
		return false, fmt.Errorf("cancel subscription: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

// SyncParams is the provider-side state carried by a customer.subscription.* event.
type SyncParams struct {
	Status             model.SubscriptionStatus
	CurrentPeriodStart *time.Time
	CurrentPeriodEnd   *time.Time
	CancelAtPeriodEnd  bool
	EventAt            time.Time
}

// Sync applies provider state unless a newer event was already applied or the
// subscription is canceled. It reports whether the row changed.
func (s *SubscriptionStore) Sync(ctx context.Context, id int64, p SyncParams) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE subscriptions
		SET status = ?,
			current_period_start = COALESCE(?, current_period_start),
			current_period_end = COALESCE(?, current_period_end),
			cancel_at_period_end = ?,
			last_event_at = ?,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status != 'canceled' AND (last_event_at IS NULL OR last_event_at <= ?)`,
		p.Status, nullTime(p.CurrentPeriodStart), nullTime(p.CurrentPeriodEnd),
		boolToInt(p.CancelAtPeriodEnd), p.EventAt.UTC(), id, p.EventAt.UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("sync subscription: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

func (s *SubscriptionStore) Delete(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM subscriptions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	return nil
}
