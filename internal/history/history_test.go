package history

import (
	"context"
	"testing"
	"time"

	"github.com/blocktools/massblock/internal/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	store, err := New(ctx, t.TempDir()+"/history.db")
	if err != nil {
		t.Fatalf("failed to create test database: %v", err)
	}
	t.Cleanup(func() {
		if cerr := store.Close(); cerr != nil {
			t.Fatalf("failed to close test database: %v", cerr)
		}
	})
	return store
}

func blockedEntry(id, handle string) *types.HistoryEntry {
	return &types.HistoryEntry{
		Handle:       handle,
		UserID:       id,
		DisplayName:  "Display " + handle,
		Status:       types.StatusBlocked,
		ResponseCode: 200,
		Availability: types.AvailActive,
	}
}

func failedEntry(id, handle string, kind types.ErrorKind, avail types.Availability, retries int) *types.HistoryEntry {
	return &types.HistoryEntry{
		Handle:       handle,
		UserID:       id,
		Status:       types.StatusFailed,
		ResponseCode: 403,
		ErrorMessage: "remote refused",
		ErrorKind:    kind,
		Availability: avail,
		RetryCount:   retries,
	}
}

func TestRecordAndIsBlocked(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	if err := store.Record(ctx, blockedEntry("100", "alice")); err != nil {
		t.Fatalf("Record() failed: %v", err)
	}

	blocked, err := store.IsBlocked(ctx, "100", types.FormatID)
	if err != nil {
		t.Fatalf("IsBlocked() failed: %v", err)
	}
	if !blocked {
		t.Error("IsBlocked() = false after recording a blocked row")
	}

	blocked, err = store.IsBlocked(ctx, "alice", types.FormatHandle)
	if err != nil {
		t.Fatalf("IsBlocked() failed: %v", err)
	}
	if !blocked {
		t.Error("IsBlocked() by handle = false, want true")
	}

	blocked, err = store.IsBlocked(ctx, "999", types.FormatID)
	if err != nil {
		t.Fatalf("IsBlocked() failed: %v", err)
	}
	if blocked {
		t.Error("IsBlocked() = true for unknown id")
	}
}

func TestRecordIdempotent(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	e := failedEntry("200", "bob", types.KindServerError, types.AvailActive, 2)
	if err := store.Record(ctx, e); err != nil {
		t.Fatalf("first Record() failed: %v", err)
	}
	if err := store.Record(ctx, e); err != nil {
		t.Fatalf("second Record() failed: %v", err)
	}

	var count int
	if err := store.db.QueryRow(
		`SELECT COUNT(*) FROM block_history WHERE user_id = '200'`).Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("row count = %d, want 1 (upsert keyed on user_id)", count)
	}
}

func TestRecordRetryCountMonotonic(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	if err := store.Record(ctx, failedEntry("300", "carol", types.KindTimeout, types.AvailActive, 5)); err != nil {
		t.Fatal(err)
	}
	// A later write with a lower count must not roll it back.
	if err := store.Record(ctx, failedEntry("300", "carol", types.KindTimeout, types.AvailActive, 2)); err != nil {
		t.Fatal(err)
	}

	var retries int
	if err := store.db.QueryRow(
		`SELECT retry_count FROM block_history WHERE user_id = '300'`).Scan(&retries); err != nil {
		t.Fatal(err)
	}
	if retries != 5 {
		t.Errorf("retry_count = %d, want 5 (monotonic non-decreasing)", retries)
	}
}

func TestRecordHandleOnlyUpsert(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	e := &types.HistoryEntry{
		Handle: "dave", Status: types.StatusFailed,
		ErrorKind: types.KindTimeout, ErrorMessage: "first",
	}
	if err := store.Record(ctx, e); err != nil {
		t.Fatal(err)
	}
	e.ErrorMessage = "second"
	if err := store.Record(ctx, e); err != nil {
		t.Fatal(err)
	}

	var count int
	var msg string
	if err := store.db.QueryRow(
		`SELECT COUNT(*), MAX(error_message) FROM block_history WHERE screen_name = 'dave'`).Scan(&count, &msg); err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("row count = %d, want 1 (handle rows upsert on screen_name)", count)
	}
	if msg != "second" {
		t.Errorf("error_message = %q, want second", msg)
	}
}

func TestIsPermanentFailure(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	// not_found availability is permanent.
	if err := store.Record(ctx, failedEntry("400", "gone", types.KindNotFound, types.AvailNotFound, 0)); err != nil {
		t.Fatal(err)
	}
	// server_error with active availability is retryable.
	if err := store.Record(ctx, failedEntry("401", "flaky", types.KindServerError, types.AvailActive, 1)); err != nil {
		t.Fatal(err)
	}

	perm, err := store.IsPermanentFailure(ctx, "400", types.FormatID)
	if err != nil {
		t.Fatal(err)
	}
	if !perm {
		t.Error("not_found row should be a permanent failure")
	}

	perm, err = store.IsPermanentFailure(ctx, "401", types.FormatID)
	if err != nil {
		t.Fatal(err)
	}
	if perm {
		t.Error("retryable server_error row must not be permanent")
	}

	perm, err = store.IsPermanentFailure(ctx, "402", types.FormatID)
	if err != nil {
		t.Fatal(err)
	}
	if perm {
		t.Error("unknown id must not be permanent")
	}
}

func TestBatchPermanentFailures(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	if err := store.Record(ctx, failedEntry("500", "suspended1", types.KindNone, types.AvailSuspended, 0)); err != nil {
		t.Fatal(err)
	}
	if err := store.Record(ctx, failedEntry("501", "retryable1", types.KindRateLimit, types.AvailActive, 1)); err != nil {
		t.Fatal(err)
	}
	if err := store.Record(ctx, failedEntry("502", "maxed1", types.KindServerError, types.AvailActive, 10)); err != nil {
		t.Fatal(err)
	}

	failures, err := store.BatchPermanentFailures(ctx,
		[]string{"500", "501", "502", "503"}, types.FormatID)
	if err != nil {
		t.Fatalf("BatchPermanentFailures() failed: %v", err)
	}

	if _, ok := failures["500"]; !ok {
		t.Error("suspended row missing from permanent failures")
	}
	if _, ok := failures["502"]; !ok {
		t.Error("retry-capped row missing from permanent failures")
	}
	if _, ok := failures["501"]; ok {
		t.Error("retryable row must not be reported permanent")
	}
	if _, ok := failures["503"]; ok {
		t.Error("unknown id must not be reported permanent")
	}
}

func TestRetryCandidates(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	if err := store.Record(ctx, failedEntry("600", "soon", types.KindServerError, types.AvailActive, 1)); err != nil {
		t.Fatal(err)
	}
	if err := store.Record(ctx, failedEntry("601", "dead", types.KindIPBlocked, types.AvailActive, 1)); err != nil {
		t.Fatal(err)
	}
	if err := store.Record(ctx, failedEntry("602", "capped", types.KindServerError, types.AvailActive, 10)); err != nil {
		t.Fatal(err)
	}
	if err := store.Record(ctx, blockedEntry("603", "done")); err != nil {
		t.Fatal(err)
	}

	candidates, err := store.RetryCandidates(ctx)
	if err != nil {
		t.Fatalf("RetryCandidates() failed: %v", err)
	}

	if len(candidates) != 1 {
		t.Fatalf("len(candidates) = %d, want 1", len(candidates))
	}
	got := candidates[0]
	if got.UserID != "600" {
		t.Errorf("candidate = %s, want 600", got.UserID)
	}
	if got.LastRetryAt == nil {
		t.Error("candidate must carry its last-attempt time")
	}
}

func TestSessionLifecycle(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	id, err := store.StartSession(ctx, 42)
	if err != nil {
		t.Fatalf("StartSession() failed: %v", err)
	}

	counters := types.Counters{Processed: 10, Blocked: 7, Skipped: 2, Errored: 1}
	if err := store.UpdateSession(ctx, id, counters); err != nil {
		t.Fatalf("UpdateSession() failed: %v", err)
	}
	if err := store.CompleteSession(ctx, id); err != nil {
		t.Fatalf("CompleteSession() failed: %v", err)
	}

	sess, err := store.LastSession(ctx)
	if err != nil {
		t.Fatalf("LastSession() failed: %v", err)
	}
	if sess == nil {
		t.Fatal("LastSession() = nil after a session ran")
	}
	if !sess.Completed {
		t.Error("session not marked completed")
	}
	if sess.Counters != counters {
		t.Errorf("counters = %+v, want %+v", sess.Counters, counters)
	}
	if sess.TotalTargets != 42 {
		t.Errorf("total targets = %d, want 42", sess.TotalTargets)
	}
}

func TestLastSessionEmpty(t *testing.T) {
	store := newTestStore(t)
	sess, err := store.LastSession(context.Background())
	if err != nil {
		t.Fatalf("LastSession() failed: %v", err)
	}
	if sess != nil {
		t.Errorf("LastSession() = %+v, want nil on empty store", sess)
	}
}

func TestResetRetryCounts(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	if err := store.Record(ctx, failedEntry("700", "r1", types.KindTimeout, types.AvailActive, 9)); err != nil {
		t.Fatal(err)
	}
	if err := store.Record(ctx, blockedEntry("701", "b1")); err != nil {
		t.Fatal(err)
	}

	n, err := store.ResetRetryCounts(ctx)
	if err != nil {
		t.Fatalf("ResetRetryCounts() failed: %v", err)
	}
	if n != 1 {
		t.Errorf("affected rows = %d, want 1 (blocked rows untouched)", n)
	}

	var retries int
	if err := store.db.QueryRow(
		`SELECT retry_count FROM block_history WHERE user_id = '700'`).Scan(&retries); err != nil {
		t.Fatal(err)
	}
	if retries != 0 {
		t.Errorf("retry_count = %d, want 0 after reset", retries)
	}
}

func TestClearErrorMessagesScoped(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	e1 := failedEntry("800", "e1", types.KindTimeout, types.AvailActive, 0)
	e1.ErrorMessage = "connection reset"
	e2 := failedEntry("801", "e2", types.KindTimeout, types.AvailActive, 0)
	e2.ErrorMessage = "read timeout"
	if err := store.Record(ctx, e1); err != nil {
		t.Fatal(err)
	}
	if err := store.Record(ctx, e2); err != nil {
		t.Fatal(err)
	}

	n, err := store.ClearErrorMessages(ctx, []string{"800"}, types.FormatID)
	if err != nil {
		t.Fatalf("ClearErrorMessages() failed: %v", err)
	}
	if n != 1 {
		t.Errorf("affected rows = %d, want 1", n)
	}

	samples, err := store.ErrorSamples(ctx, 10)
	if err != nil {
		t.Fatalf("ErrorSamples() failed: %v", err)
	}
	if len(samples) != 1 || samples[0] != "read timeout" {
		t.Errorf("samples = %v, want [read timeout]", samples)
	}
}

func TestResetFailed(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	if err := store.Record(ctx, failedEntry("900", "f1", types.KindUnknownForbidden, types.AvailUnavailable, 4)); err != nil {
		t.Fatal(err)
	}

	n, err := store.ResetFailed(ctx, nil, types.FormatID)
	if err != nil {
		t.Fatalf("ResetFailed() failed: %v", err)
	}
	if n != 1 {
		t.Errorf("affected rows = %d, want 1", n)
	}

	candidates, err := store.RetryCandidates(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(candidates) != 1 {
		t.Fatalf("len(candidates) = %d, want 1 (reset row is retryable again)", len(candidates))
	}
	c := candidates[0]
	if c.RetryCount != 0 || c.ErrorKind != "" || c.ErrorMessage != "" {
		t.Errorf("reset row not fully cleared: %+v", c)
	}
}

func TestStatsAndBreakdown(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	if err := store.Record(ctx, blockedEntry("1", "ok1")); err != nil {
		t.Fatal(err)
	}
	if err := store.Record(ctx, failedEntry("2", "perm1", types.KindNone, types.AvailNotFound, 0)); err != nil {
		t.Fatal(err)
	}
	if err := store.Record(ctx, failedEntry("3", "try1", types.KindRateLimit, types.AvailActive, 3)); err != nil {
		t.Fatal(err)
	}
	if err := store.Record(ctx, failedEntry("4", "cap1", types.KindServerError, types.AvailActive, 10)); err != nil {
		t.Fatal(err)
	}
	follow := failedEntry("5", "fol1", types.KindFollowConflict, types.AvailActive, 0)
	if err := store.Record(ctx, follow); err != nil {
		t.Fatal(err)
	}

	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() failed: %v", err)
	}
	if stats.Blocked != 1 {
		t.Errorf("Blocked = %d, want 1", stats.Blocked)
	}
	if stats.Failed != 4 {
		t.Errorf("Failed = %d, want 4", stats.Failed)
	}
	if stats.FailedRetryable != 1 {
		t.Errorf("FailedRetryable = %d, want 1", stats.FailedRetryable)
	}
	if stats.FailedMaxRetries != 1 {
		t.Errorf("FailedMaxRetries = %d, want 1", stats.FailedMaxRetries)
	}
	if stats.FollowConflicts != 1 {
		t.Errorf("FollowConflicts = %d, want 1", stats.FollowConflicts)
	}

	b, err := store.Breakdown(ctx)
	if err != nil {
		t.Fatalf("Breakdown() failed: %v", err)
	}
	if b.ByKind[types.KindRateLimit] != 1 {
		t.Errorf("ByKind[rate_limit] = %d, want 1", b.ByKind[types.KindRateLimit])
	}
	if b.ByResponseCode[403] != 4 {
		t.Errorf("ByResponseCode[403] = %d, want 4", b.ByResponseCode[403])
	}
	if b.ByAvailability[types.AvailNotFound] != 1 {
		t.Errorf("ByAvailability[not_found] = %d, want 1", b.ByAvailability[types.AvailNotFound])
	}
}

func TestBlockedSet(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	if err := store.Record(ctx, blockedEntry("10", "s1")); err != nil {
		t.Fatal(err)
	}
	if err := store.Record(ctx, failedEntry("11", "s2", types.KindTimeout, types.AvailActive, 0)); err != nil {
		t.Fatal(err)
	}

	set, err := store.BlockedSet(ctx, types.FormatID)
	if err != nil {
		t.Fatalf("BlockedSet() failed: %v", err)
	}
	if !set["10"] || set["11"] || len(set) != 1 {
		t.Errorf("BlockedSet() = %v, want {10}", set)
	}

	// Round-trip wall clock sanity: the row's blocked_at survives.
	var ts time.Time
	if err := store.db.QueryRow(
		`SELECT blocked_at FROM block_history WHERE user_id = '10'`).Scan(&ts); err != nil {
		t.Fatal(err)
	}
	if ts.IsZero() {
		t.Error("blocked_at not persisted")
	}
}
