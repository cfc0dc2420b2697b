// Package engine drives a blocking run: it filters the input against
// history, streams the remainder in slices, resolves each target
// through the cache and the remote client, and applies the decision
// ladder. Single-threaded by design so history and cache writes stay
// naturally serialized.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/blocktools/massblock/internal/cache"
	"github.com/blocktools/massblock/internal/client"
	"github.com/blocktools/massblock/internal/history"
	"github.com/blocktools/massblock/internal/retrypolicy"
	"github.com/blocktools/massblock/internal/targets"
	"github.com/blocktools/massblock/internal/types"
	"github.com/blocktools/massblock/internal/ui"
)

const (
	// DefaultBatchSize is the slice size for streaming targets.
	DefaultBatchSize = 50
	// DefaultSliceDelay is the pause between slices.
	DefaultSliceDelay = time.Second
	// TestModeLimit caps a run without --all to the first few
	// unprocessed targets.
	TestModeLimit = 5
)

// Remote is the client surface the engine consumes.
type Remote interface {
	UserByHandle(ctx context.Context, handle string) (*types.FullUser, error)
	UsersByIDs(ctx context.Context, ids []string) (map[string]*types.FullUser, error)
	Block(ctx context.Context, userID string) error
}

// Engine wires the run-level components together.
type Engine struct {
	History *history.Store
	Cache   *cache.Cache
	Remote  Remote
	Policy  *retrypolicy.Policy
	Printer *ui.Printer

	BatchSize  int
	SliceDelay time.Duration

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New returns an engine with default slicing parameters.
func New(hist *history.Store, c *cache.Cache, remote Remote, printer *ui.Printer) *Engine {
	return &Engine{
		History:    hist,
		Cache:      c,
		Remote:     remote,
		Policy:     retrypolicy.New(),
		Printer:    printer,
		BatchSize:  DefaultBatchSize,
		SliceDelay: DefaultSliceDelay,
		now:        time.Now,
		sleep:      sleepCtx,
	}
}

// RunOptions tune a processing pass.
type RunOptions struct {
	// Limit caps how many unprocessed targets are taken this run.
	// Zero means no cap.
	Limit int
}

// Run executes one processing pass over the target list. The returned
// counters satisfy Blocked + Skipped + Errored == Processed.
func (e *Engine) Run(ctx context.Context, list *targets.List, opts RunOptions) (types.Counters, error) {
	var counters types.Counters

	remaining, err := e.remaining(ctx, list)
	if err != nil {
		return counters, err
	}
	if opts.Limit > 0 && len(remaining) > opts.Limit {
		remaining = remaining[:opts.Limit]
	}
	if len(remaining) == 0 {
		e.Printer.Infof("nothing to do: all targets already blocked or permanently failed")
		return counters, nil
	}

	sessionID, err := e.History.StartSession(ctx, len(remaining))
	if err != nil {
		return counters, err
	}

	runErr := e.processSlices(ctx, sessionID, remaining, list.Format, 0, &counters)

	// Session bookkeeping must survive an interrupt so the final
	// counters are not lost.
	bg := context.WithoutCancel(ctx)
	if uerr := e.History.UpdateSession(bg, sessionID, counters); uerr != nil && runErr == nil {
		runErr = uerr
	}
	if runErr == nil {
		runErr = e.History.CompleteSession(bg, sessionID)
	}
	return counters, runErr
}

// remaining filters the deduplicated input against blocked rows and
// batched permanent-failure rows.
func (e *Engine) remaining(ctx context.Context, list *targets.List) ([]string, error) {
	users := list.Dedupe()

	blocked, err := e.History.BlockedSet(ctx, list.Format)
	if err != nil {
		return nil, err
	}
	permanent, err := e.History.BatchPermanentFailures(ctx, users, list.Format)
	if err != nil {
		return nil, err
	}

	out := make([]string, 0, len(users))
	for _, u := range users {
		if blocked[u] {
			continue
		}
		if _, perm := permanent[u]; perm {
			continue
		}
		out = append(out, u)
	}
	return out, nil
}

func (e *Engine) processSlices(ctx context.Context, sessionID int64, remaining []string, format types.TargetFormat, retryCount int, counters *types.Counters) error {
	size := e.BatchSize
	if size <= 0 {
		size = DefaultBatchSize
	}

	for start := 0; start < len(remaining); start += size {
		end := start + size
		if end > len(remaining) {
			end = len(remaining)
		}
		slice := remaining[start:end]

		records, err := e.resolveSlice(ctx, slice, format)
		if err != nil {
			return err
		}

		for _, identifier := range slice {
			rec := records[identifier]
			if err := e.decide(ctx, identifier, format, rec, retryCount, counters); err != nil {
				return err
			}
			// Interrupt lands between targets; the in-flight one is
			// always recorded first.
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}

		e.Printer.SliceSummary(end, len(remaining), *counters)

		// Persist counters per slice so a hard crash loses at most
		// one slice of bookkeeping.
		if err := e.History.UpdateSession(context.WithoutCancel(ctx), sessionID, *counters); err != nil {
			return err
		}

		if end < len(remaining) && e.SliceDelay > 0 {
			if err := e.sleep(ctx, e.SliceDelay); err != nil {
				return err
			}
		}
	}
	return nil
}

// resolved pairs a lookup outcome with the error that produced it.
type resolved struct {
	user *types.FullUser
	err  error
}

// resolveSlice produces a record (or failure) per identifier, cache
// first, remote for the rest.
func (e *Engine) resolveSlice(ctx context.Context, slice []string, format types.TargetFormat) (map[string]resolved, error) {
	out := make(map[string]resolved, len(slice))

	if format == types.FormatID {
		var misses []string
		for _, id := range slice {
			if user, ok := e.Cache.User(id); ok {
				out[id] = resolved{user: user}
			} else {
				misses = append(misses, id)
			}
		}
		for start := 0; start < len(misses); start += client.MaxBatchSize {
			end := start + client.MaxBatchSize
			if end > len(misses) {
				end = len(misses)
			}
			users, err := e.Remote.UsersByIDs(ctx, misses[start:end])
			if err != nil {
				// A batch-level failure becomes a per-target failure
				// so the ladder records every member.
				for _, id := range misses[start:end] {
					out[id] = resolved{err: err}
				}
				continue
			}
			for _, id := range misses[start:end] {
				user := users[id]
				if user != nil {
					e.cachePut(user)
				}
				out[id] = resolved{user: user}
			}
		}
		return out, nil
	}

	for _, handle := range slice {
		if id, ok := e.Cache.ResolveHandle(handle); ok {
			if user, ok := e.Cache.User(id); ok {
				out[handle] = resolved{user: user}
				continue
			}
		}
		user, err := e.Remote.UserByHandle(ctx, handle)
		if err != nil {
			out[handle] = resolved{err: err}
			continue
		}
		e.cachePut(user)
		if user.ID != "" {
			if err := e.Cache.PutLookup(handle, user.ID); err != nil {
				e.Printer.Debugf("lookup cache write failed for %s: %v", handle, err)
			}
		}
		out[handle] = resolved{user: user}
	}
	return out, nil
}

func (e *Engine) cachePut(u *types.FullUser) {
	if err := e.Cache.PutUser(u); err != nil {
		e.Printer.Debugf("cache write failed for %s: %v", u.ID, err)
	}
}

// decide applies the decision ladder to one resolved target and
// records the outcome. First hit wins.
func (e *Engine) decide(ctx context.Context, identifier string, format types.TargetFormat, rec resolved, retryCount int, counters *types.Counters) error {
	label := targetLabel(identifier, format)
	user := rec.user

	// Missing record: retryable error.
	if user == nil {
		kind, msg := lookupFailure(rec.err)
		counters.Processed++
		counters.Errored++
		e.Printer.TargetFailed(label, kind, msg)
		e.recordAttempt(identifier, kind, 0, false)
		return e.record(ctx, entryFor(identifier, format, &types.FullUser{}, types.HistoryEntry{
			Status:       types.StatusFailed,
			ErrorKind:    kind,
			ErrorMessage: msg,
			RetryCount:   retryCount,
		}))
	}

	switch {
	case user.Availability.Permanent():
		counters.Processed++
		counters.Skipped++
		e.Printer.TargetSkipped(label, string(user.Availability))
		return e.record(ctx, entryFor(identifier, format, user, types.HistoryEntry{
			Status:       types.StatusFailed,
			ErrorMessage: fmt.Sprintf("user %s", user.Availability),
			Availability: user.Availability,
			RetryCount:   retryCount,
		}))

	case user.Availability == types.AvailUnavailable:
		counters.Processed++
		counters.Skipped++
		e.Printer.TargetSkipped(label, "unavailable")
		return e.record(ctx, entryFor(identifier, format, user, types.HistoryEntry{
			Status:       types.StatusFailed,
			ErrorMessage: "user unavailable",
			Availability: user.Availability,
			RetryCount:   retryCount,
		}))

	case user.Following || user.FollowedBy:
		counters.Processed++
		counters.Skipped++
		e.Printer.TargetSkipped(label, "follow relationship")
		return e.record(ctx, entryFor(identifier, format, user, types.HistoryEntry{
			Status:       types.StatusFailed,
			ErrorKind:    types.KindFollowConflict,
			ErrorMessage: fmt.Sprintf("follow conflict (following=%t, followed_by=%t)", user.Following, user.FollowedBy),
			Availability: user.Availability,
			RetryCount:   retryCount,
		}))

	case user.Blocking:
		counters.Processed++
		counters.Skipped++
		e.Printer.TargetSkipped(label, "already blocked")
		return e.record(ctx, entryFor(identifier, format, user, types.HistoryEntry{
			Status:       types.StatusBlocked,
			ResponseCode: 200,
			ErrorKind:    types.KindAlreadyBlocked,
			Availability: user.Availability,
			RetryCount:   retryCount,
		}))
	}

	return e.block(ctx, identifier, format, user, retryCount, counters)
}

func (e *Engine) block(ctx context.Context, identifier string, format types.TargetFormat, user *types.FullUser, retryCount int, counters *types.Counters) error {
	label := targetLabel(identifier, format)

	err := e.Remote.Block(ctx, user.ID)
	if err == nil {
		counters.Processed++
		counters.Blocked++
		e.Printer.TargetBlocked(label)
		e.recordAttempt(user.ID, types.KindNone, 200, true)
		return e.record(ctx, entryFor(identifier, format, user, types.HistoryEntry{
			Status:       types.StatusBlocked,
			ResponseCode: 200,
			Availability: user.Availability,
			RetryCount:   retryCount,
		}))
	}

	var rerr *types.RemoteError
	if !errors.As(err, &rerr) {
		// Unrecoverable credentials or cancellation: stop the run.
		return err
	}

	counters.Processed++
	counters.Errored++
	e.Printer.TargetFailed(label, rerr.Kind, rerr.Message)
	e.recordAttempt(user.ID, rerr.Kind, rerr.Status, false)
	return e.record(ctx, entryFor(identifier, format, user, types.HistoryEntry{
		Status:       types.StatusFailed,
		ResponseCode: rerr.Status,
		ErrorKind:    rerr.Kind,
		ErrorMessage: rerr.Message,
		Availability: user.Availability,
		RetryCount:   retryCount,
	}))
}

func (e *Engine) record(ctx context.Context, entry *types.HistoryEntry) error {
	if err := e.History.Record(ctx, entry); err != nil {
		return fmt.Errorf("recording %s: %w", entry.Key(), err)
	}
	return nil
}

func (e *Engine) recordAttempt(target string, kind types.ErrorKind, status int, success bool) {
	e.Policy.RecordAttempt(types.Attempt{
		Target:  target,
		Kind:    kind,
		Status:  status,
		Success: success,
		At:      e.now(),
	})
}

// entryFor merges the target identity into a prepared history entry.
func entryFor(identifier string, format types.TargetFormat, user *types.FullUser, entry types.HistoryEntry) *types.HistoryEntry {
	entry.UserID = user.ID
	entry.Handle = user.Handle
	entry.DisplayName = user.DisplayName
	if format == types.FormatID && entry.UserID == "" {
		entry.UserID = identifier
	}
	if format == types.FormatHandle && entry.Handle == "" {
		entry.Handle = identifier
	}
	return &entry
}

// lookupFailure maps a resolution error to a retryable kind.
func lookupFailure(err error) (types.ErrorKind, string) {
	var rerr *types.RemoteError
	if errors.As(err, &rerr) {
		return rerr.Kind, rerr.Message
	}
	if errors.Is(err, client.ErrUserNotFound) {
		return types.KindServerError, "user record missing from response"
	}
	if err != nil {
		return types.KindServerError, err.Error()
	}
	return types.KindServerError, "user record missing from response"
}

func targetLabel(identifier string, format types.TargetFormat) string {
	if format == types.FormatHandle {
		return "@" + identifier
	}
	return identifier
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
