package history

import (
	"context"
	"fmt"
	"strings"

	"github.com/blocktools/massblock/internal/types"
)

// ResetRetryCounts zeroes retry_count and last_retry_at on every
// failed row, making all of them fresh retry candidates. Returns the
// number of affected rows.
func (s *Store) ResetRetryCounts(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE block_history
		SET retry_count = 0, last_retry_at = NULL
		WHERE status = 'failed'`)
	if err != nil {
		return 0, fmt.Errorf("resetting retry counts: %w", err)
	}
	return res.RowsAffected()
}

// ClearErrorMessages blanks error_message on failed rows. With a
// non-empty identifier list, only matching rows are touched.
func (s *Store) ClearErrorMessages(ctx context.Context, identifiers []string, format types.TargetFormat) (int64, error) {
	query := `UPDATE block_history SET error_message = NULL WHERE status = 'failed'`
	args := []any{}
	if len(identifiers) > 0 {
		query += fmt.Sprintf(" AND %s IN (%s)",
			keyColumn(format), placeholders(len(identifiers)))
		for _, id := range identifiers {
			args = append(args, id)
		}
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("clearing error messages: %w", err)
	}
	return res.RowsAffected()
}

// ResetFailed fully resets failed rows: error message, kind, retry
// count, response code, and availability all cleared. Rows stay
// failed; the next run re-evaluates them from scratch.
func (s *Store) ResetFailed(ctx context.Context, identifiers []string, format types.TargetFormat) (int64, error) {
	query := `
		UPDATE block_history
		SET error_message = NULL, error_kind = NULL, retry_count = 0,
		    last_retry_at = NULL, response_code = NULL, user_status = NULL
		WHERE status = 'failed'`
	args := []any{}
	if len(identifiers) > 0 {
		query += fmt.Sprintf(" AND %s IN (%s)",
			keyColumn(format), placeholders(len(identifiers)))
		for _, id := range identifiers {
			args = append(args, id)
		}
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("resetting failed rows: %w", err)
	}
	return res.RowsAffected()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
