package store

import (
	"context"
	"fmt"
	"time"
)

// WebhookEventStore remembers which Stripe events were handled successfully.
type WebhookEventStore struct {
	db DBTX
}

func NewWebhookEventStore(db DBTX) *WebhookEventStore {
	return &WebhookEventStore{db: db}
}

func (s *WebhookEventStore) Processed(ctx context.Context, eventID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM processed_webhook_events WHERE id = ?`, eventID,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check processed event: %w", err)
	}
	return n > 0, nil
}

func (s *WebhookEventStore) Record(ctx context.Context, eventID, eventType string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO processed_webhook_events (id, type, processed_at) VALUES (?, ?, ?)`,
		eventID, eventType, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("record processed event: %w", err)
	}
	return nil
}

// DeleteBefore drops records older than cutoff. Stripe stops retrying an event
// after a few days, so old ids are no longer needed for deduplication.
func (s *WebhookEventStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM processed_webhook_events WHERE processed_at < ?`, cutoff.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("delete processed events: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}
