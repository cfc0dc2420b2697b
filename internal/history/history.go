package history

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/blocktools/massblock/internal/retrypolicy"
	"github.com/blocktools/massblock/internal/types"
)

// keyColumn maps a target format to the column that identifies rows.
func keyColumn(format types.TargetFormat) string {
	if format == types.FormatID {
		return "user_id"
	}
	return "screen_name"
}

// IsBlocked reports whether a blocked row exists for the identifier
// under the given format. Blocked targets are never re-attempted.
func (s *Store) IsBlocked(ctx context.Context, identifier string, format types.TargetFormat) (bool, error) {
	query := fmt.Sprintf(
		`SELECT 1 FROM block_history WHERE %s = ? AND status = 'blocked' LIMIT 1`,
		keyColumn(format))

	var one int
	err := s.db.QueryRowContext(ctx, query, identifier).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking blocked state: %w", err)
	}
	return true, nil
}

// BlockedSet returns every identifier with a blocked row, keyed by the
// given format's identifier column.
func (s *Store) BlockedSet(ctx context.Context, format types.TargetFormat) (map[string]bool, error) {
	col := keyColumn(format)
	query := fmt.Sprintf(
		`SELECT %s FROM block_history WHERE status = 'blocked' AND %s IS NOT NULL`, col, col)

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("listing blocked targets: %w", err)
	}
	defer func() { _ = rows.Close() }()

	set := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		set[id] = true
	}
	return set, rows.Err()
}

// BlockedCount returns the number of blocked rows.
func (s *Store) BlockedCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM block_history WHERE status = 'blocked'`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting blocked targets: %w", err)
	}
	return n, nil
}

// IsPermanentFailure reports whether the identifier has a failed row
// whose classification is not retryable under the retry policy.
func (s *Store) IsPermanentFailure(ctx context.Context, identifier string, format types.TargetFormat) (bool, error) {
	query := fmt.Sprintf(
		`SELECT user_status, error_kind, retry_count FROM block_history
		 WHERE %s = ? AND status = 'failed'`, keyColumn(format))

	var avail, kind sql.NullString
	var retries int
	err := s.db.QueryRowContext(ctx, query, identifier).Scan(&avail, &kind, &retries)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking permanent failure: %w", err)
	}
	return !retrypolicy.ShouldRetry(
		types.Availability(avail.String), types.ErrorKind(kind.String), retries), nil
}

// BatchPermanentFailures returns the permanently failed subset of the
// given identifiers in a single query, keyed by identifier. Used to
// avoid N+1 lookups over large slices.
func (s *Store) BatchPermanentFailures(ctx context.Context, identifiers []string, format types.TargetFormat) (map[string]types.HistoryEntry, error) {
	if len(identifiers) == 0 {
		return map[string]types.HistoryEntry{}, nil
	}

	col := keyColumn(format)
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(identifiers)), ",")
	query := fmt.Sprintf(
		`SELECT screen_name, user_id, display_name, status, response_code,
		        error_message, error_kind, retry_count, last_retry_at, user_status, blocked_at
		 FROM block_history
		 WHERE %s IN (%s) AND status = 'failed'`, col, placeholders)

	args := make([]any, len(identifiers))
	for i, id := range identifiers {
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("batch permanent-failure lookup: %w", err)
	}
	defer func() { _ = rows.Close() }()

	result := make(map[string]types.HistoryEntry)
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		if retrypolicy.ShouldRetry(entry.Availability, entry.ErrorKind, entry.RetryCount) {
			continue
		}
		key := entry.Handle
		if format == types.FormatID {
			key = entry.UserID
		}
		result[key] = *entry
	}
	return result, rows.Err()
}

// Record upserts the outcome for a target. Rows conflict on user_id
// when the id is known; handle-only rows are matched on screen_name.
// retry_count never decreases across writes for the same row.
func (s *Store) Record(ctx context.Context, e *types.HistoryEntry) error {
	now := time.Now().UTC()

	if e.UserID != "" {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO block_history
				(screen_name, user_id, display_name, status, response_code,
				 error_message, error_kind, retry_count, last_retry_at, user_status, blocked_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(user_id) DO UPDATE SET
				screen_name   = excluded.screen_name,
				display_name  = excluded.display_name,
				status        = excluded.status,
				response_code = excluded.response_code,
				error_message = excluded.error_message,
				error_kind    = excluded.error_kind,
				retry_count   = MAX(block_history.retry_count, excluded.retry_count),
				last_retry_at = excluded.last_retry_at,
				user_status   = excluded.user_status,
				blocked_at    = excluded.blocked_at`,
			e.Handle, e.UserID, nullable(e.DisplayName), string(e.Status),
			nullableInt(e.ResponseCode), nullable(e.ErrorMessage),
			nullable(string(e.ErrorKind)), e.RetryCount, now,
			nullable(string(e.Availability)), now)
		if err != nil {
			return fmt.Errorf("recording outcome for %s: %w", e.UserID, err)
		}
		return nil
	}

	// Handle-only rows: SQLite's UNIQUE(user_id) admits any number of
	// NULL ids, so the upsert is done in two steps.
	res, err := s.db.ExecContext(ctx, `
		UPDATE block_history SET
			display_name  = ?,
			status        = ?,
			response_code = ?,
			error_message = ?,
			error_kind    = ?,
			retry_count   = MAX(retry_count, ?),
			last_retry_at = ?,
			user_status   = ?,
			blocked_at    = ?
		WHERE screen_name = ? AND user_id IS NULL`,
		nullable(e.DisplayName), string(e.Status), nullableInt(e.ResponseCode),
		nullable(e.ErrorMessage), nullable(string(e.ErrorKind)), e.RetryCount,
		now, nullable(string(e.Availability)), now, e.Handle)
	if err != nil {
		return fmt.Errorf("recording outcome for @%s: %w", e.Handle, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO block_history
			(screen_name, display_name, status, response_code, error_message,
			 error_kind, retry_count, last_retry_at, user_status, blocked_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Handle, nullable(e.DisplayName), string(e.Status),
		nullableInt(e.ResponseCode), nullable(e.ErrorMessage),
		nullable(string(e.ErrorKind)), e.RetryCount, now,
		nullable(string(e.Availability)), now)
	if err != nil {
		return fmt.Errorf("recording outcome for @%s: %w", e.Handle, err)
	}
	return nil
}

// RetryCandidates returns failed rows still eligible for a retry pass
// under the policy, oldest attempt first. Each row carries its
// last-attempt time so the caller can honor the policy's delay.
func (s *Store) RetryCandidates(ctx context.Context) ([]types.HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT screen_name, user_id, display_name, status, response_code,
		       error_message, error_kind, retry_count, last_retry_at, user_status, blocked_at
		FROM block_history
		WHERE status = 'failed' AND retry_count < ?
		ORDER BY last_retry_at ASC`,
		retrypolicy.MaxAttempts)
	if err != nil {
		return nil, fmt.Errorf("listing retry candidates: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var candidates []types.HistoryEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		if !retrypolicy.ShouldRetry(entry.Availability, entry.ErrorKind, entry.RetryCount) {
			continue
		}
		candidates = append(candidates, *entry)
	}
	return candidates, rows.Err()
}

// ErrorSamples returns up to limit distinct recent error messages from
// failed rows, newest first. Debugging aid for --debug-errors.
func (s *Store) ErrorSamples(ctx context.Context, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT error_message FROM block_history
		WHERE status = 'failed' AND error_message IS NOT NULL
		GROUP BY error_message
		ORDER BY MAX(last_retry_at) DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("sampling error messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var samples []string
	for rows.Next() {
		var msg string
		if err := rows.Scan(&msg); err != nil {
			return nil, err
		}
		samples = append(samples, msg)
	}
	return samples, rows.Err()
}

// scanner matches both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(sc scanner) (*types.HistoryEntry, error) {
	var (
		e           types.HistoryEntry
		userID      sql.NullString
		displayName sql.NullString
		status      string
		code        sql.NullInt64
		message     sql.NullString
		kind        sql.NullString
		lastRetry   sql.NullTime
		avail       sql.NullString
		blockedAt   sql.NullTime
	)
	err := sc.Scan(&e.Handle, &userID, &displayName, &status, &code,
		&message, &kind, &e.RetryCount, &lastRetry, &avail, &blockedAt)
	if err != nil {
		return nil, fmt.Errorf("scanning history row: %w", err)
	}

	e.UserID = userID.String
	e.DisplayName = displayName.String
	e.Status = types.HistoryStatus(status)
	e.ResponseCode = int(code.Int64)
	e.ErrorMessage = message.String
	e.ErrorKind = types.ErrorKind(kind.String)
	e.Availability = types.Availability(avail.String)
	if lastRetry.Valid {
		t := lastRetry.Time
		e.LastRetryAt = &t
	}
	if blockedAt.Valid {
		e.BlockedAt = blockedAt.Time
	}
	return &e, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableInt(n int) any {
	if n == 0 {
		return nil
	}
	return n
}
