package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/blocktools/massblock/internal/types"
)

// StartSession opens a process_log row and returns its id.
func (s *Store) StartSession(ctx context.Context, totalTargets int) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO process_log (total_targets) VALUES (?)`, totalTargets)
	if err != nil {
		return 0, fmt.Errorf("starting session: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("starting session: %w", err)
	}
	return id, nil
}

// UpdateSession writes the running counters for a session.
func (s *Store) UpdateSession(ctx context.Context, id int64, c types.Counters) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE process_log
		SET processed = ?, blocked = ?, skipped = ?, errors = ?
		WHERE id = ?`,
		c.Processed, c.Blocked, c.Skipped, c.Errored, id)
	if err != nil {
		return fmt.Errorf("updating session %d: %w", id, err)
	}
	return nil
}

// CompleteSession marks a session finished.
func (s *Store) CompleteSession(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE process_log SET completed = TRUE WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("completing session %d: %w", id, err)
	}
	return nil
}

// LastSession returns the most recent session row, or nil when no
// session has run yet.
func (s *Store) LastSession(ctx context.Context) (*types.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, session_start, total_targets, processed, blocked, skipped, errors, completed
		FROM process_log ORDER BY id DESC LIMIT 1`)

	var sess types.Session
	err := row.Scan(&sess.ID, &sess.StartedAt, &sess.TotalTargets,
		&sess.Counters.Processed, &sess.Counters.Blocked,
		&sess.Counters.Skipped, &sess.Counters.Errored, &sess.Completed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading last session: %w", err)
	}
	return &sess, nil
}
