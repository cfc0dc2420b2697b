package retrypolicy

import (
	"testing"
	"time"

	"github.com/blocktools/massblock/internal/types"
)

func TestDecideAttemptCap(t *testing.T) {
	p := New()

	// Attempt 10 is still processed when the count going in is 9.
	d := p.Decide(types.AvailActive, types.KindServerError, 500, 9)
	if !d.Retry {
		t.Error("attempt count 9 should still retry")
	}

	// Attempt 11 is not: count 10 hits the cap.
	d = p.Decide(types.AvailActive, types.KindServerError, 500, 10)
	if d.Retry {
		t.Error("attempt count 10 must not retry")
	}
}

func TestDecidePermanentAvailability(t *testing.T) {
	p := New()
	for _, avail := range []types.Availability{
		types.AvailNotFound, types.AvailDeactivated, types.AvailSuspended,
	} {
		d := p.Decide(avail, types.KindServerError, 500, 0)
		if d.Retry {
			t.Errorf("availability %s must not retry", avail)
		}
	}
}

func TestDecideUnavailableRetries(t *testing.T) {
	p := New()
	d := p.Decide(types.AvailUnavailable, types.KindNone, 0, 0)
	if !d.Retry {
		t.Error("unavailable accounts are retryable")
	}
}

func TestDecideSevereKindsNeverRetry(t *testing.T) {
	p := New()
	for _, kind := range []types.ErrorKind{types.KindAccountRestricted, types.KindIPBlocked} {
		d := p.Decide(types.AvailActive, kind, 403, 0)
		if d.Retry {
			t.Errorf("kind %s must not retry", kind)
		}
	}
}

func TestDecideRetryableKinds(t *testing.T) {
	p := New()
	kinds := []types.ErrorKind{
		types.KindRateLimit, types.KindAuthRequired, types.KindPermissionDenied,
		types.KindHeaderIssue, types.KindUnknownForbidden, types.KindAntiBot,
		types.KindServerError, types.KindTimeout,
	}
	for _, kind := range kinds {
		d := p.Decide(types.AvailActive, kind, 403, 0)
		if !d.Retry {
			t.Errorf("kind %s should retry", kind)
		}
	}

	// Terminal skips and successes never come back through the policy.
	for _, kind := range []types.ErrorKind{
		types.KindFollowConflict, types.KindAlreadyBlocked, types.KindNotFound, types.KindNone,
	} {
		d := p.Decide(types.AvailActive, kind, 0, 0)
		if d.Retry {
			t.Errorf("kind %s must not retry", kind)
		}
	}
}

func TestShouldRetryClearedRow(t *testing.T) {
	// Rows wiped by a reset have neither kind nor availability.
	if !ShouldRetry("", "", 0) {
		t.Error("cleared rows must stay eligible for retry")
	}
}

func TestDelayFormula(t *testing.T) {
	tests := []struct {
		kind    types.ErrorKind
		attempt int
		want    time.Duration
	}{
		// 30s * mult * min(2^attempt, 8), cold window (modifier 1.0).
		{types.KindRateLimit, 0, 60 * time.Second},         // 30*2*1
		{types.KindRateLimit, 1, 120 * time.Second},        // 30*2*2
		{types.KindRateLimit, 3, 480 * time.Second},        // 30*2*8
		{types.KindRateLimit, 7, 480 * time.Second},        // exponent capped at 8
		{types.KindHeaderIssue, 0, 15 * time.Second},       // 30*0.5*1
		{types.KindPermissionDenied, 0, 30 * time.Second},  // 30*1*1
		{types.KindAntiBot, 0, 90 * time.Second},           // 30*3*1
		{types.KindServerError, 0, 30 * time.Second},       // default mult 1.0
		{types.KindUnknownForbidden, 3, 600 * time.Second}, // 30*2.5*8 clamped to 600
	}

	for _, tt := range tests {
		p := New()
		got := p.delay(tt.kind, tt.attempt)
		if got != tt.want {
			t.Errorf("delay(%s, %d) = %s, want %s", tt.kind, tt.attempt, got, tt.want)
		}
	}
}

func TestDelayHealthyWindowShortens(t *testing.T) {
	p := New()
	// A high success rate drives the modifier to 0.8; header_issue
	// attempt 0 lands at 12s, above its 5s floor.
	now := time.Now()
	for i := 0; i < 10; i++ {
		p.RecordAttempt(types.Attempt{Kind: types.KindHeaderIssue, Success: true, At: now})
	}
	got := p.delay(types.KindHeaderIssue, 0)
	if got != 12*time.Second {
		t.Errorf("delay = %s, want 12s (30*0.5*0.8)", got)
	}
}

func TestSuccessRateCountsUntaggedSuccesses(t *testing.T) {
	// The engine records successes as KindNone and failures under
	// their own kind; the rate for a kind must blend both shapes.
	p := New()
	now := time.Now()
	for i := 0; i < 9; i++ {
		p.RecordAttempt(types.Attempt{Kind: types.KindNone, Status: 200, Success: true, At: now})
	}
	p.RecordAttempt(types.Attempt{Kind: types.KindServerError, Status: 500, Success: false, At: now})

	rate, ok := p.window.SuccessRate(types.KindServerError, now)
	if !ok {
		t.Fatal("rate unknown, want 9 successes + 1 failure counted")
	}
	if rate != 0.9 {
		t.Errorf("rate = %.2f, want 0.90", rate)
	}
	// 0.9 > 0.8 shortens the delay: 30s * 1.0 * 0.8 = 24s.
	if got := p.delay(types.KindServerError, 0); got != 24*time.Second {
		t.Errorf("delay = %s, want 24s", got)
	}
	// A kind with no failures sees only the successes.
	rate, ok = p.window.SuccessRate(types.KindRateLimit, now)
	if !ok || rate != 1.0 {
		t.Errorf("rate = (%.2f, %t), want (1.00, true)", rate, ok)
	}
}

func TestDelaySevereClampMaximum(t *testing.T) {
	p := New()
	got := p.delay(types.KindIPBlocked, 5)
	// 30*4*8 = 960s; ip_blocked max is 1800s so no clamp.
	if got != 960*time.Second {
		t.Errorf("delay = %s, want 960s", got)
	}
	got = p.delay(types.KindAntiBot, 5)
	// 30*3*8 = 720s clamps to the generic 600s ceiling.
	if got != 600*time.Second {
		t.Errorf("delay = %s, want 600s", got)
	}
}

func TestRateModifierBuckets(t *testing.T) {
	now := time.Now()
	record := func(p *Policy, ok, fail int) {
		for i := 0; i < ok; i++ {
			p.RecordAttempt(types.Attempt{Kind: types.KindRateLimit, Success: true, At: now})
		}
		for i := 0; i < fail; i++ {
			p.RecordAttempt(types.Attempt{Kind: types.KindRateLimit, Success: false, At: now})
		}
	}

	tests := []struct {
		name     string
		ok, fail int
		want     float64
	}{
		{"struggling", 1, 9, 2.0},  // rate 0.1 < 0.3
		{"shaky", 4, 6, 1.5},       // rate 0.4 < 0.5
		{"healthy", 9, 1, 0.8},     // rate 0.9 > 0.8
		{"middling", 6, 4, 1.0},    // 0.5 <= rate <= 0.8
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := New()
			record(p, tt.ok, tt.fail)
			if got := p.rateModifier(types.KindRateLimit); got != tt.want {
				t.Errorf("rateModifier = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestWindowExpiry(t *testing.T) {
	w := NewWindow(5 * time.Minute)
	now := time.Now()
	w.Add(types.Attempt{Kind: types.KindRateLimit, Success: false, At: now.Add(-6 * time.Minute)})

	if _, ok := w.SuccessRate(types.KindRateLimit, now); ok {
		t.Error("attempts older than the span must not count")
	}

	w.Add(types.Attempt{Kind: types.KindRateLimit, Success: true, At: now.Add(-time.Minute)})
	rate, ok := w.SuccessRate(types.KindRateLimit, now)
	if !ok || rate != 1.0 {
		t.Errorf("rate = %v ok=%v, want 1.0 true", rate, ok)
	}
}

func TestWindowIgnoresOtherKinds(t *testing.T) {
	w := NewWindow(5 * time.Minute)
	now := time.Now()
	w.Add(types.Attempt{Kind: types.KindServerError, Success: false, At: now})

	if _, ok := w.SuccessRate(types.KindRateLimit, now); ok {
		t.Error("success rate must only count same-kind attempts")
	}
}

func TestRateLimitDelay(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name  string
		reset time.Time
		want  time.Duration
	}{
		{"reset in past floors at 60s", now.Add(-2 * time.Minute), time.Minute},
		{"near reset floors at 60s", now.Add(20 * time.Second), time.Minute},
		{"normal reset pads 10s", now.Add(120 * time.Second), 130 * time.Second},
		{"distant reset caps at 900s", now.Add(time.Hour), 15 * time.Minute},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := RateLimitDelay(tt.reset, now); got != tt.want {
				t.Errorf("RateLimitDelay = %s, want %s", got, tt.want)
			}
		})
	}
}
