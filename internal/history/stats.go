package history

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/blocktools/massblock/internal/retrypolicy"
	"github.com/blocktools/massblock/internal/types"
)

// DetailedStats summarizes the history table for the stats printer.
type DetailedStats struct {
	Blocked          int
	Failed           int
	FailedMaxRetries int
	FailedRetryable  int
	FailedPermanent  int
	FollowConflicts  int
	Unavailable      int
}

// FailureBreakdown aggregates failed rows along three axes.
type FailureBreakdown struct {
	ByKind         map[types.ErrorKind]int
	ByResponseCode map[int]int
	ByAvailability map[types.Availability]int
}

// Stats computes the summary counts in one pass over failed rows plus
// two cheap aggregate queries.
func (s *Store) Stats(ctx context.Context) (*DetailedStats, error) {
	stats := &DetailedStats{}

	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM block_history WHERE status = 'blocked'`).Scan(&stats.Blocked); err != nil {
		return nil, fmt.Errorf("counting blocked rows: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT user_status, error_kind, retry_count FROM block_history
		WHERE status = 'failed'`)
	if err != nil {
		return nil, fmt.Errorf("reading failed rows: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var avail, kind sql.NullString
		var retries int
		if err := rows.Scan(&avail, &kind, &retries); err != nil {
			return nil, err
		}
		stats.Failed++

		a := types.Availability(avail.String)
		k := types.ErrorKind(kind.String)
		switch {
		case retries >= retrypolicy.MaxAttempts:
			stats.FailedMaxRetries++
		case retrypolicy.ShouldRetry(a, k, retries):
			stats.FailedRetryable++
		default:
			stats.FailedPermanent++
		}
		if k == types.KindFollowConflict {
			stats.FollowConflicts++
		}
		if a != "" && a != types.AvailActive {
			stats.Unavailable++
		}
	}
	return stats, rows.Err()
}

// Breakdown aggregates failure counts by error kind, response code,
// and observed availability.
func (s *Store) Breakdown(ctx context.Context) (*FailureBreakdown, error) {
	b := &FailureBreakdown{
		ByKind:         make(map[types.ErrorKind]int),
		ByResponseCode: make(map[int]int),
		ByAvailability: make(map[types.Availability]int),
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT error_kind, response_code, user_status FROM block_history
		WHERE status = 'failed'`)
	if err != nil {
		return nil, fmt.Errorf("reading failure breakdown: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var kind, avail sql.NullString
		var code sql.NullInt64
		if err := rows.Scan(&kind, &code, &avail); err != nil {
			return nil, err
		}
		if kind.Valid {
			b.ByKind[types.ErrorKind(kind.String)]++
		}
		if code.Valid {
			b.ByResponseCode[int(code.Int64)]++
		}
		if avail.Valid {
			b.ByAvailability[types.Availability(avail.String)]++
		}
	}
	return b, rows.Err()
}
