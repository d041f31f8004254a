package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// DBTX is satisfied by both *sql.DB and *sql.Tx so every store can run inside
// or outside a transaction.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

var (
	// ErrStaleVersion means the subscription row changed since it was read.
	ErrStaleVersion = errors.New("subscription was modified concurrently")
	// ErrNotPending means the pending change already left the pending state.
	ErrNotPending = errors.New("pending change is no longer pending")
)

// Tx exposes the stores bound to a single transaction.
type Tx struct {
	Accounts       *AccountStore
	Subscriptions  *SubscriptionStore
	Grants         *GrantStore
	PendingChanges *PendingChangeStore
	WebhookEvents  *WebhookEventStore
}

func newTx(tx *sql.Tx) *Tx {
	return &Tx{
		Accounts:       NewAccountStore(tx),
		Subscriptions:  NewSubscriptionStore(tx),
		Grants:         NewGrantStore(tx),
		PendingChanges: NewPendingChangeStore(tx),
		WebhookEvents:  NewWebhookEventStore(tx),
	}
}

// RunInTx runs fn in a transaction, committing when fn returns nil.
func RunInTx(ctx context.Context, db *sql.DB, fn func(tx *Tx) error) error {
	sqlTx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(newTx(sqlTx)); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
