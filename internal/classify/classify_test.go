package classify

import (
	"net/http"
	"testing"

	"github.com/blocktools/massblock/internal/types"
)

func TestClassifyDirectStatusMap(t *testing.T) {
	tests := []struct {
		name         string
		status       int
		body         string
		wantKind     types.ErrorKind
		wantPriority int
	}{
		{"ok", 200, `{"data":{}}`, types.KindNone, PriorityNone},
		{"rate limited", 429, "Rate limit exceeded", types.KindRateLimit, PriorityCorrectable},
		{"unauthorized", 401, "Could not authenticate you", types.KindAuthRequired, PriorityPolicy},
		{"not found", 404, "Sorry, that page does not exist", types.KindNotFound, PriorityPolicy},
		{"internal error", 500, "Internal Server Error", types.KindServerError, PriorityCorrectable},
		{"bad gateway", 502, "Bad Gateway", types.KindServerError, PriorityCorrectable},
		{"gateway timeout", 504, "", types.KindServerError, PriorityCorrectable},
		{"transport timeout", 0, "context deadline exceeded", types.KindTimeout, PriorityCorrectable},
		{"transport timed out", 0, "request timed out", types.KindTimeout, PriorityCorrectable},
		{"unmapped bad request", 400, "Bad Request", types.KindServerError, PriorityCorrectable},
		{"unmapped conflict", 409, "Conflict", types.KindServerError, PriorityCorrectable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kind, priority := Classify(tt.status, tt.body, nil)
			if kind != tt.wantKind {
				t.Errorf("Classify(%d) kind = %s, want %s", tt.status, kind, tt.wantKind)
			}
			if priority != tt.wantPriority {
				t.Errorf("Classify(%d) priority = %d, want %d", tt.status, priority, tt.wantPriority)
			}
		})
	}
}

// Pins the behavior for pure network-exception paths: no HTTP status
// and a non-timeout message is classified retryable (server_error),
// not dropped on the floor.
func TestClassifyTransportFailureIsRetryable(t *testing.T) {
	kind, priority := Classify(0, "connection reset by peer", nil)
	if kind != types.KindServerError {
		t.Errorf("kind = %s, want %s", kind, types.KindServerError)
	}
	if priority != PriorityCorrectable {
		t.Errorf("priority = %d, want %d", priority, PriorityCorrectable)
	}
}

func TestClassifyForbiddenRules(t *testing.T) {
	tests := []struct {
		name         string
		body         string
		wantKind     types.ErrorKind
		wantPriority int
	}{
		{"rate limit body", "You have exceeded your rate limit", types.KindRateLimit, PriorityCorrectable},
		{"too many requests", "Too many requests, slow down", types.KindRateLimit, PriorityCorrectable},
		{"authorization", "This request requires authorization", types.KindAuthRequired, PriorityPolicy},
		{"invalid token", "Invalid token supplied", types.KindAuthRequired, PriorityPolicy},
		{"account locked", "Your account is temporarily locked", types.KindAccountRestricted, PrioritySevere},
		{"account suspended", "This account has been suspended", types.KindAccountRestricted, PrioritySevere},
		{"ip blocked", "Requests from your IP have been blocked", types.KindIPBlocked, PrioritySevere},
		{"anti bot", "Please complete the verification challenge", types.KindAntiBot, PriorityPolicy},
		{"automated", "We detected automated behavior", types.KindAntiBot, PriorityPolicy},
		{"header issue", "Missing required header", types.KindHeaderIssue, PriorityCorrectable},
		{"user agent", "Unsupported user-agent", types.KindHeaderIssue, PriorityCorrectable},
		{"permission", "You do not have permission to perform this action", types.KindPermissionDenied, PriorityPolicy},
		{"access denied", "Access denied.", types.KindPermissionDenied, PriorityPolicy},
		{"unknown error", "Unknown error occurred", types.KindUnknownForbidden, PriorityPolicy},
		{"empty body", "", types.KindUnknownForbidden, PriorityPolicy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kind, priority := Classify(403, tt.body, nil)
			if kind != tt.wantKind {
				t.Errorf("kind = %s, want %s", kind, tt.wantKind)
			}
			if priority != tt.wantPriority {
				t.Errorf("priority = %d, want %d", priority, tt.wantPriority)
			}
		})
	}
}

func TestClassifyForbiddenRateLimitHeader(t *testing.T) {
	header := http.Header{}
	header.Set("x-rate-limit-remaining", "0")

	kind, priority := Classify(403, "", header)
	if kind != types.KindRateLimit {
		t.Errorf("kind = %s, want %s", kind, types.KindRateLimit)
	}
	if priority != PriorityCorrectable {
		t.Errorf("priority = %d, want %d", priority, PriorityCorrectable)
	}
}

// Rule order is first-match-wins: a body naming both the rate limit and
// an account restriction classifies as rate_limit because that rule is
// earlier in the table.
func TestClassifyForbiddenRuleOrder(t *testing.T) {
	kind, _ := Classify(403, "rate limit reached for this account (restricted)", nil)
	if kind != types.KindRateLimit {
		t.Errorf("kind = %s, want %s (first rule wins)", kind, types.KindRateLimit)
	}
}
