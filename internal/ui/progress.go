package ui

import (
	"fmt"
	"io"
	"time"

	"github.com/blocktools/massblock/internal/types"
)

// Printer writes run progress to the terminal. Steady-state output
// goes to Out, diagnostics to Err. All methods are nil-safe on a
// zero-value Printer so tests can pass one without wiring writers.
type Printer struct {
	Out   io.Writer
	Err   io.Writer
	Debug bool
}

func (p *Printer) outf(format string, args ...any) {
	if p == nil || p.Out == nil {
		return
	}
	fmt.Fprintf(p.Out, format+"\n", args...)
}

func (p *Printer) errf(format string, args ...any) {
	if p == nil || p.Err == nil {
		return
	}
	fmt.Fprintf(p.Err, format+"\n", args...)
}

// TargetBlocked prints the one-line success outcome for a target.
func (p *Printer) TargetBlocked(label string) {
	p.outf("%s %s blocked", RenderPassIcon(), label)
}

// TargetSkipped prints a skip outcome with its reason
// (already_blocked, follow_conflict, suspended, ...).
func (p *Printer) TargetSkipped(label, reason string) {
	p.outf("%s %s skipped: %s", RenderSkipIcon(), label, RenderMuted(reason))
}

// TargetFailed prints a failure outcome with its classified kind.
func (p *Printer) TargetFailed(label string, kind types.ErrorKind, msg string) {
	p.outf("%s %s failed: %s (%s)", RenderFailIcon(), label, kind, msg)
}

// SliceSummary prints running counters after each slice of targets.
func (p *Printer) SliceSummary(done, total int, c types.Counters) {
	p.outf("%s %d/%d processed: %s blocked, %s skipped, %s failed",
		RenderInfoIcon(), done, total,
		RenderPass(fmt.Sprintf("%d", c.Blocked)),
		RenderMuted(fmt.Sprintf("%d", c.Skipped)),
		RenderFail(fmt.Sprintf("%d", c.Errored)))
}

// RateLimitWait announces a rate-limit pause and when it lifts.
func (p *Printer) RateLimitWait(d time.Duration, reset time.Time) {
	p.outf("%s rate limited, waiting %s (resets %s)",
		RenderWarnIcon(), d.Round(time.Second), reset.Format("15:04:05"))
}

// RetryWait announces the pause before re-attempting a target.
func (p *Printer) RetryWait(label string, d time.Duration, attempt int) {
	p.outf("%s %s retry %d in %s", RenderWarnIcon(), label, attempt, d.Round(time.Second))
}

// CredentialsInvalidated announces that cached credentials were dropped.
func (p *Printer) CredentialsInvalidated(reason string) {
	p.errf("%s credentials invalidated: %s", RenderWarnIcon(), reason)
}

// CredentialsWaiting announces a wait for the credentials file to change.
func (p *Printer) CredentialsWaiting(path string, timeout time.Duration) {
	p.errf("%s waiting up to %s for %s to refresh",
		RenderInfoIcon(), timeout.Round(time.Second), path)
}

// CredentialsRefreshed announces a successful refresh observation.
func (p *Printer) CredentialsRefreshed() {
	p.errf("%s credentials refreshed, resuming", RenderPassIcon())
}

// BurstWarning announces burst-failure detection with current counters.
func (p *Printer) BurstWarning(consecutive, windowed int) {
	p.errf("%s failure burst detected (%d consecutive, %d in window), cooling down",
		RenderWarnIcon(), consecutive, windowed)
}

// CredentialFailure prints the terminal four-line diagnostic for
// unrecoverable credentials.
func (p *Printer) CredentialFailure(path string) {
	p.errf("%s credential recovery failed permanently", RenderFailIcon())
	p.errf("  the session cookies are no longer accepted by the server")
	p.errf("  credentials file: %s", path)
	p.errf("  remediation: log in again in a browser and re-export cookies to that file")
}

// Header prints a section header over its separator rule.
func (p *Printer) Header(title string) {
	p.outf("%s", RenderHeader(title))
	p.outf("%s", RenderSeparator())
}

// Infof prints an informational line to Out.
func (p *Printer) Infof(format string, args ...any) {
	p.outf("%s "+format, append([]any{RenderInfoIcon()}, args...)...)
}

// Warnf prints a warning line to Err.
func (p *Printer) Warnf(format string, args ...any) {
	p.errf("%s "+format, append([]any{RenderWarnIcon()}, args...)...)
}

// Debugf prints only when debug output is enabled.
func (p *Printer) Debugf(format string, args ...any) {
	if p == nil || !p.Debug {
		return
	}
	p.errf(RenderMuted("debug: ")+format, args...)
}
