package store

import (
	"context"
	"fmt"
)

// GrantStore records which subjects an account can open today.
type GrantStore struct {
	db DBTX
}

func NewGrantStore(db DBTX) *GrantStore {
	return &GrantStore{db: db}
}

// List returns the granted subject ids in sorted order.
func (s *GrantStore) List(ctx context.Context, accountID int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT subject_id FROM subject_grants WHERE account_id = ? ORDER BY subject_id`,
		accountID,
	)
	if err != nil {
		return nil, fmt.Errorf("list grants: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan grant: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list grants: %w", err)
	}
	return ids, nil
}

// Add grants the given subjects, skipping ones already granted.
func (s *GrantStore) Add(ctx context.Context, accountID int64, subjectIDs []string) error {
	for _, id := range subjectIDs {
		if _, err := s.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO subject_grants (account_id, subject_id) VALUES (?, ?)`,
			accountID, id,
		); err != nil {
			return fmt.Errorf("grant subject %q: %w", id, err)
		}
	}
	return nil
}

// Replace makes subjectIDs the account's exact grant set.
func (s *GrantStore) Replace(ctx context.Context, accountID int64, subjectIDs []string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM subject_grants WHERE account_id = ?`, accountID); err != nil {
		return fmt.Errorf("clear grants: %w", err)
	}
	return s.Add(ctx, accountID, subjectIDs)
}

func (s *GrantStore) Has(ctx context.Context, accountID int64, subjectID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM subject_grants WHERE account_id = ? AND subject_id = ?`,
		accountID, subjectID,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check grant: %w", err)
	}
	return n > 0, nil
}
