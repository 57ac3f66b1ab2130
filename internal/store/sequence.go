package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// TakeSequence returns the current uid sequence value and advances it by one, as a single
// statement. It reports false, leaving the counter untouched, once the value would exceed limit.
func (s *Store) TakeSequence(ctx context.Context, limit int) (int, bool, error) {
	if s.db == nil {
		return 0, false, fmt.Errorf("store not initialized")
	}

	var v int
	err := s.db.QueryRowContext(
		ctx,
		`UPDATE uid_sequence SET value = value + 1 WHERE id = 1 AND value <= ? RETURNING value - 1;`,
		limit,
	).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("take uid sequence: %w", err)
	}
	return v, true, nil
}

// RaiseSequence moves the uid sequence forward to at least next. It never moves it backward.
func (s *Store) RaiseSequence(ctx context.Context, next int) error {
	if s.db == nil {
		return fmt.Errorf("store not initialized")
	}

	if _, err := s.db.ExecContext(ctx, `UPDATE uid_sequence SET value = MAX(value, ?) WHERE id = 1;`, next); err != nil {
		return fmt.Errorf("raise uid sequence: %w", err)
	}
	return nil
}

// PeekSequence returns the next value the uid sequence would hand out.
func (s *Store) PeekSequence(ctx context.Context) (int, error) {
	if s.db == nil {
		return 0, fmt.Errorf("store not initialized")
	}

	var v int
	if err := s.db.QueryRowContext(ctx, `SELECT value FROM uid_sequence WHERE id = 1;`).Scan(&v); err != nil {
		return 0, fmt.Errorf("peek uid sequence: %w", err)
	}
	return v, nil
}
