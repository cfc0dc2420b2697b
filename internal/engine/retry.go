package engine

import (
	"context"

	"github.com/blocktools/massblock/internal/types"
)

// RetryPass re-processes failed rows that are still eligible under
// the retry policy. Each candidate is re-resolved and sent through
// the decision ladder with its retry count incremented. Rows whose
// policy delay has not elapsed are left for a later pass.
func (e *Engine) RetryPass(ctx context.Context) (types.Counters, error) {
	var counters types.Counters

	candidates, err := e.History.RetryCandidates(ctx)
	if err != nil {
		return counters, err
	}

	due := make([]types.HistoryEntry, 0, len(candidates))
	now := e.now()
	for _, c := range candidates {
		d := e.Policy.Decide(c.Availability, c.ErrorKind, c.ResponseCode, c.RetryCount)
		if !d.Retry {
			continue
		}
		if c.LastRetryAt != nil && now.Sub(*c.LastRetryAt) < d.Delay {
			e.Printer.Debugf("%s not due for retry for another %s",
				c.Key(), d.Delay-now.Sub(*c.LastRetryAt))
			continue
		}
		due = append(due, c)
	}

	if len(due) == 0 {
		e.Printer.Infof("no retry candidates are due")
		return counters, nil
	}
	e.Printer.Infof("retrying %d failed targets", len(due))

	sessionID, err := e.History.StartSession(ctx, len(due))
	if err != nil {
		return counters, err
	}

	var runErr error
	for _, c := range due {
		identifier, format := retryIdentity(&c)
		records, err := e.resolveSlice(ctx, []string{identifier}, format)
		if err != nil {
			runErr = err
			break
		}
		if err := e.decide(ctx, identifier, format, records[identifier], c.RetryCount+1, &counters); err != nil {
			runErr = err
			break
		}
		// Persist counters per candidate, same crash posture as the
		// main pass.
		if err := e.History.UpdateSession(context.WithoutCancel(ctx), sessionID, counters); err != nil {
			runErr = err
			break
		}
		if ctx.Err() != nil {
			runErr = ctx.Err()
			break
		}
	}

	bg := context.WithoutCancel(ctx)
	if uerr := e.History.UpdateSession(bg, sessionID, counters); uerr != nil && runErr == nil {
		runErr = uerr
	}
	if runErr == nil {
		runErr = e.History.CompleteSession(bg, sessionID)
	}
	return counters, runErr
}

// retryIdentity picks the strongest identifier a failed row carries.
func retryIdentity(c *types.HistoryEntry) (string, types.TargetFormat) {
	if c.UserID != "" {
		return c.UserID, types.FormatID
	}
	return c.Handle, types.FormatHandle
}
