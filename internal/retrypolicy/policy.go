// Package retrypolicy decides whether a failed target is retried and
// how long to wait before the next attempt. Delays combine a per-kind
// base multiplier, a capped exponential on the attempt count, and a
// modifier derived from the recent success rate for the same kind.
package retrypolicy

import (
	"time"

	"github.com/blocktools/massblock/internal/types"
)

// MaxAttempts is the hard cap on retries per target. Attempt 10 is
// processed; attempt 11 is not.
const MaxAttempts = 10

const baseDelay = 30 * time.Second

// Decision is the policy's verdict for one failed attempt.
type Decision struct {
	Retry bool
	Delay time.Duration
}

// kindMultipliers scale the base delay per error kind. Kinds absent
// from the map (server_error, timeout, relationship kinds) use 1.0.
var kindMultipliers = map[types.ErrorKind]float64{
	types.KindRateLimit:         2.0,
	types.KindAuthRequired:      1.5,
	types.KindPermissionDenied:  1.0,
	types.KindHeaderIssue:       0.5,
	types.KindUnknownForbidden:  2.5,
	types.KindAntiBot:           3.0,
	types.KindAccountRestricted: 3.0,
	types.KindIPBlocked:         4.0,
}

// retryableKinds are the transient remote failures worth another pass.
var retryableKinds = map[types.ErrorKind]bool{
	types.KindRateLimit:        true,
	types.KindAuthRequired:     true,
	types.KindPermissionDenied: true,
	types.KindHeaderIssue:      true,
	types.KindUnknownForbidden: true,
	types.KindAntiBot:          true,
	types.KindServerError:      true,
	types.KindTimeout:          true,
}

// Retryable reports whether kind alone qualifies a failure for a
// retry pass. Availability and attempt count still apply on top.
func Retryable(kind types.ErrorKind) bool {
	return retryableKinds[kind]
}

// Policy evaluates retry decisions against a sliding window of recent
// attempt outcomes. Not safe for concurrent use; the engine is
// single-threaded by design.
type Policy struct {
	window *Window
	now    func() time.Time
}

// New returns a policy with an empty attempt window. A process that
// restarts mid-run starts from a cold window; that is accepted.
func New() *Policy {
	return &Policy{window: NewWindow(windowSpan), now: time.Now}
}

// RecordAttempt feeds one outcome into the sliding window.
func (p *Policy) RecordAttempt(a types.Attempt) {
	p.window.Add(a)
}

// ShouldRetry is the pure retry verdict: the ordered rules of the
// policy without the delay computation. The history store uses it to
// mark rows as permanent failures.
func ShouldRetry(avail types.Availability, kind types.ErrorKind, attempt int) bool {
	switch {
	case attempt >= MaxAttempts:
		return false
	case avail.Permanent():
		return false
	case avail == types.AvailUnavailable:
		return true
	case kind == types.KindAccountRestricted || kind == types.KindIPBlocked:
		return false
	case kind == "":
		// Rows cleared by a reset carry no kind; they stay eligible.
		return true
	}
	return retryableKinds[kind]
}

// Decide returns the retry verdict for a failure with the given
// observed availability, error kind, response code, and attempt count.
// The rules are ordered; the first match wins.
func (p *Policy) Decide(avail types.Availability, kind types.ErrorKind, status, attempt int) Decision {
	if !ShouldRetry(avail, kind, attempt) {
		return Decision{}
	}
	return Decision{Retry: true, Delay: p.delay(kind, attempt)}
}

func (p *Policy) delay(kind types.ErrorKind, attempt int) time.Duration {
	mult, ok := kindMultipliers[kind]
	if !ok {
		mult = 1.0
	}

	// Capped exponential: min(2^attempt, 8).
	exp := 1 << attempt
	if attempt >= 3 {
		exp = 8
	}

	d := time.Duration(float64(baseDelay) * mult * float64(exp) * p.rateModifier(kind))

	if min := minDelay(kind); d < min {
		d = min
	}
	if max := maxDelay(kind); d > max {
		d = max
	}
	return d
}

func (p *Policy) rateModifier(kind types.ErrorKind) float64 {
	rate, ok := p.window.SuccessRate(kind, p.now())
	if !ok {
		return 1.0
	}
	switch {
	case rate < 0.3:
		return 2.0
	case rate < 0.5:
		return 1.5
	case rate > 0.8:
		return 0.8
	}
	return 1.0
}

func minDelay(kind types.ErrorKind) time.Duration {
	if kind == types.KindHeaderIssue {
		return 5 * time.Second
	}
	return 10 * time.Second
}

func maxDelay(kind types.ErrorKind) time.Duration {
	if kind == types.KindAccountRestricted || kind == types.KindIPBlocked {
		return 30 * time.Minute
	}
	return 10 * time.Minute
}

// RateLimitDelay converts a server-provided reset time into a wait.
// The result is padded by 10s and bounded to [60s, 900s], so a reset
// pointing into the past still yields the 60s floor.
func RateLimitDelay(reset, now time.Time) time.Duration {
	d := reset.Sub(now) + 10*time.Second
	if d > 15*time.Minute {
		d = 15 * time.Minute
	}
	if d < time.Minute {
		d = time.Minute
	}
	return d
}
