package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/dukerupert/studyplan/internal/billing/model"
)

type AccountStore struct {
	db DBTX
}

func NewAccountStore(db DBTX) *AccountStore {
	return &AccountStore{db: db}
}

func scanAccount(scanner interface{ Scan(...any) error }) (*model.Account, error) {
	var a model.Account
	var stripeID sql.NullString
	err := scanner.Scan(&a.ID, &a.Email, &stripeID, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if stripeID.Valid {
		a.StripeCustomerID = &stripeID.String
	}
	return &a, nil
}

const accountCols = `id, email, stripe_customer_id, created_at, updated_at`

func (s *AccountStore) Create(ctx context.Context, email string) (*model.Account, error) {
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts (email) VALUES (?)`,
		email,
	)
	if err != nil {
		return nil, fmt.Errorf("insert account: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	return s.GetByID(ctx, id)
}

// GetOrCreate returns the account for email, creating it on first login.
func (s *AccountStore) GetOrCreate(ctx context.Context, email string) (*model.Account, error) {
	a, err := s.GetByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if a != nil {
		return a, nil
	}
	return s.Create(ctx, email)
}

func (s *AccountStore) GetByID(ctx context.Context, id int64) (*model.Account, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+accountCols+` FROM accounts WHERE id = ?`, id)
	a, err := scanAccount(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	return a, nil
}

func (s *AccountStore) GetByEmail(ctx context.Context, email string) (*model.Account, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+accountCols+` FROM accounts WHERE email = ?`, email)
	a, err := scanAccount(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get account by email: %w", err)
	}
	return a, nil
}

func (s *AccountStore) UpdateStripeCustomerID(ctx context.Context, id int64, customerID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET stripe_customer_id = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		customerID, id,
	)
	if err != nil {
		return fmt.Errorf("update stripe customer id: %w", err)
	}
	return nil
}

// Delete removes the account. Sessions, grants, the subscription and its
// pending changes go with it.
func (s *AccountStore) Delete(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM accounts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete account: %w", err)
	}
	return nil
}
