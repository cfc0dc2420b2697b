// Package recovery coordinates credential refresh when the remote
// starts rejecting the session. It runs two independent mechanisms:
// auth recovery for explicit credential rejections, and burst recovery
// when failures pile up. A third, lighter guard forces a credential
// reload when 403 responses cross a threshold.
package recovery

import (
	"context"
	"errors"
	"time"

	"github.com/blocktools/massblock/internal/credentials"
	"github.com/blocktools/massblock/internal/ui"
)

// ErrCredentialsUnrecoverable terminates the run: the lifetime auth
// recovery budget is spent and the session is still rejected.
var ErrCredentialsUnrecoverable = errors.New("credentials unrecoverable after repeated refresh attempts")

// State is the coordinator's externally visible mode.
type State string

const (
	StateSteady          State = "steady"
	StateAuthRecovering  State = "auth_recovering"
	StateBurstRecovering State = "burst_recovering"
	StateTerminated      State = "terminated"
)

const (
	maxAuthRecoveries = 10
	firstAuthWait     = time.Hour
	laterAuthWait     = 30 * time.Second

	burstConsecutive = 10
	burstWindowCount = 50
	burstWindow      = 30 * time.Minute
	burstRefreshWait = 30 * time.Second
	burstCooldown    = 10 * time.Second

	forbiddenThreshold = 5
	forbiddenSleep     = 2 * time.Second
)

// Coordinator implements the client's Recoverer. Single-threaded use
// only, like everything downstream of the engine.
type Coordinator struct {
	creds   *credentials.Store
	printer *ui.Printer

	state         State
	authAttempts  int
	consecutive   int
	windowedFails []time.Time
	forbidden     int

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a coordinator over the given credential store.
func New(creds *credentials.Store, printer *ui.Printer) *Coordinator {
	return &Coordinator{
		creds:   creds,
		printer: printer,
		state:   StateSteady,
		now:     time.Now,
		sleep:   sleepCtx,
	}
}

// State reports the coordinator's current mode.
func (c *Coordinator) State() State { return c.state }

// AuthRecoveries reports how much of the lifetime budget is spent.
func (c *Coordinator) AuthRecoveries() int { return c.authAttempts }

// RecoverAuth runs one auth-recovery cycle: invalidate the cached
// credentials, wait for the file to change, and let the caller retry.
// The first wait is long because a human may need to re-login; later
// waits are short. The budget is 10 cycles per process lifetime.
func (c *Coordinator) RecoverAuth(ctx context.Context) error {
	if c.authAttempts >= maxAuthRecoveries {
		c.state = StateTerminated
		if c.printer != nil {
			c.printer.CredentialFailure(c.creds.Path())
		}
		return ErrCredentialsUnrecoverable
	}
	c.authAttempts++
	c.state = StateAuthRecovering

	since, _ := c.creds.ModTime()
	c.creds.Invalidate()
	if c.printer != nil {
		c.printer.CredentialsInvalidated("authentication rejected by server")
	}

	timeout := laterAuthWait
	if c.authAttempts == 1 {
		timeout = firstAuthWait
	}
	if c.printer != nil {
		c.printer.CredentialsWaiting(c.creds.Path(), timeout)
	}

	err := c.creds.WaitForRefresh(ctx, since, timeout)
	switch {
	case err == nil:
		if c.printer != nil {
			c.printer.CredentialsRefreshed()
		}
	case ctx.Err() != nil:
		c.state = StateTerminated
		return ctx.Err()
	default:
		// Timed out without observing a refresh. The retry still
		// happens; the budget bounds how often we get here.
		if c.printer != nil {
			c.printer.Warnf("no credential refresh observed, retrying anyway (%d/%d)",
				c.authAttempts, maxAuthRecoveries)
		}
	}

	c.state = StateSteady
	return nil
}

// NoteSuccess resets the burst counters. Called on every successful
// remote call.
func (c *Coordinator) NoteSuccess() {
	c.consecutive = 0
	c.windowedFails = c.windowedFails[:0]
	if c.state == StateBurstRecovering {
		c.state = StateSteady
	}
}

// NoteFailure feeds the burst counters and runs burst recovery when a
// threshold trips: consecutive failures or too many inside the
// sliding window.
func (c *Coordinator) NoteFailure(ctx context.Context) error {
	now := c.now()
	c.consecutive++
	c.windowedFails = append(c.windowedFails, now)
	c.pruneWindow(now)

	if c.consecutive < burstConsecutive && len(c.windowedFails) < burstWindowCount {
		return nil
	}

	c.state = StateBurstRecovering
	if c.printer != nil {
		c.printer.BurstWarning(c.consecutive, len(c.windowedFails))
	}

	since, _ := c.creds.ModTime()
	c.creds.Invalidate()
	if err := c.creds.WaitForRefresh(ctx, since, burstRefreshWait); err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	if err := c.sleep(ctx, burstCooldown); err != nil {
		return err
	}

	c.consecutive = 0
	c.windowedFails = c.windowedFails[:0]
	c.state = StateSteady
	return nil
}

// NoteForbidden counts 403 responses of any kind and forces a
// credential reload when the count crosses the threshold. This bounds
// retry amplification from a stale session.
func (c *Coordinator) NoteForbidden(ctx context.Context) error {
	c.forbidden++
	if c.forbidden < forbiddenThreshold {
		return nil
	}

	c.creds.Invalidate()
	if c.printer != nil {
		c.printer.CredentialsInvalidated("403 threshold crossed")
	}
	if err := c.sleep(ctx, forbiddenSleep); err != nil {
		return err
	}
	c.forbidden = 0
	return nil
}

func (c *Coordinator) pruneWindow(now time.Time) {
	cutoff := now.Add(-burstWindow)
	keep := c.windowedFails[:0]
	for _, t := range c.windowedFails {
		if t.After(cutoff) {
			keep = append(keep, t)
		}
	}
	c.windowedFails = keep
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
