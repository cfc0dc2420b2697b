package retrypolicy

import (
	"time"

	"github.com/blocktools/massblock/internal/types"
)

// windowSpan is how far back attempt outcomes count toward the
// per-kind success rate.
const windowSpan = 5 * time.Minute

// windowCapacity bounds the ring. Old entries are overwritten; the
// span check at read time handles expiry.
const windowCapacity = 512

// Window is a fixed-size ring of recent attempt outcomes. It lives in
// memory only; persistence across restarts is deliberately not
// attempted.
type Window struct {
	span    time.Duration
	entries [windowCapacity]types.Attempt
	next    int
	filled  bool
}

// NewWindow returns an empty window covering the given span.
func NewWindow(span time.Duration) *Window {
	return &Window{span: span}
}

// Add appends an outcome, overwriting the oldest entry when full.
func (w *Window) Add(a types.Attempt) {
	w.entries[w.next] = a
	w.next++
	if w.next == windowCapacity {
		w.next = 0
		w.filled = true
	}
}

// SuccessRate returns the fraction of successful attempts relevant to
// kind within the span ending at now. Successes are recorded under
// KindNone (there is no error kind to attach), so they count toward
// every kind's rate; failures count only toward their own kind. The
// second return is false when no relevant attempt falls inside the
// window, in which case the caller should treat the rate as unknown.
func (w *Window) SuccessRate(kind types.ErrorKind, now time.Time) (float64, bool) {
	cutoff := now.Add(-w.span)
	n := w.next
	if w.filled {
		n = windowCapacity
	}

	var total, ok int
	for i := 0; i < n; i++ {
		a := w.entries[i]
		if a.At.Before(cutoff) {
			continue
		}
		if a.Kind != kind && !(a.Success && a.Kind == types.KindNone) {
			continue
		}
		total++
		if a.Success {
			ok++
		}
	}
	if total == 0 {
		return 0, false
	}
	return float64(ok) / float64(total), true
}
