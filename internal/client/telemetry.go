package client

// HeaderTelemetry tracks recent call outcomes split by whether the
// enhanced header set was in play, so a long run can tell if the
// enhancement is still earning its keep. In-memory only.
type HeaderTelemetry struct {
	outcomes []headerOutcome
	next     int
	filled   bool
}

type headerOutcome struct {
	enhanced bool
	success  bool
}

const telemetryCapacity = 200

// minSamples is the floor below which no recommendation is offered.
const minSamples = 20

// NewHeaderTelemetry returns an empty rolling outcome buffer.
func NewHeaderTelemetry() *HeaderTelemetry {
	return &HeaderTelemetry{outcomes: make([]headerOutcome, telemetryCapacity)}
}

// Record appends one call outcome, evicting the oldest past capacity.
func (t *HeaderTelemetry) Record(enhanced, success bool) {
	t.outcomes[t.next] = headerOutcome{enhanced: enhanced, success: success}
	t.next++
	if t.next == len(t.outcomes) {
		t.next = 0
		t.filled = true
	}
}

// Report summarizes the buffer.
type Report struct {
	EnhancedCalls  int
	EnhancedOK     int
	PlainCalls     int
	PlainOK        int
	QualityScore   float64 // enhanced success rate, 0..1
	Recommendation string  // keep-enabled | consider-disabling | insufficient-data
}

// Report computes success rates with and without enhancement and a
// recommendation.
func (t *HeaderTelemetry) Report() Report {
	n := t.next
	if t.filled {
		n = len(t.outcomes)
	}

	var r Report
	for i := 0; i < n; i++ {
		o := t.outcomes[i]
		if o.enhanced {
			r.EnhancedCalls++
			if o.success {
				r.EnhancedOK++
			}
		} else {
			r.PlainCalls++
			if o.success {
				r.PlainOK++
			}
		}
	}

	if r.EnhancedCalls > 0 {
		r.QualityScore = float64(r.EnhancedOK) / float64(r.EnhancedCalls)
	}

	switch {
	case r.EnhancedCalls < minSamples:
		r.Recommendation = "insufficient-data"
	case r.PlainCalls >= minSamples && plainRate(r) > r.QualityScore:
		r.Recommendation = "consider-disabling"
	case r.QualityScore < 0.5:
		r.Recommendation = "consider-disabling"
	default:
		r.Recommendation = "keep-enabled"
	}
	return r
}

func plainRate(r Report) float64 {
	if r.PlainCalls == 0 {
		return 0
	}
	return float64(r.PlainOK) / float64(r.PlainCalls)
}
