// Package classify maps remote responses to a closed set of error
// kinds with a severity priority. It is a pure function of the
// response; it holds no state and performs no I/O.
package classify

import (
	"net/http"
	"strings"

	"github.com/blocktools/massblock/internal/types"
)

// Priority levels attached to a classification.
const (
	// PriorityNone is returned alongside KindNone for successes.
	PriorityNone = 0
	// PriorityCorrectable marks errors that fix themselves after a wait.
	PriorityCorrectable = 1
	// PriorityPolicy marks errors that need a policy or credential change.
	PriorityPolicy = 2
	// PrioritySevere marks errors that may halt work entirely.
	PrioritySevere = 3
)

// forbiddenRule is one ordered body/header match for a 403 response.
// Rules are evaluated top to bottom and the first hit wins. New rules
// go at the tail; the order is load-bearing and must not change.
type forbiddenRule struct {
	match    func(body string, header http.Header) bool
	kind     types.ErrorKind
	priority int
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func containsBoth(s, first string, seconds ...string) bool {
	return strings.Contains(s, first) && containsAny(s, seconds...)
}

var forbiddenRules = []forbiddenRule{
	{
		match: func(body string, header http.Header) bool {
			return containsAny(body, "rate limit", "too many") ||
				header.Get("x-rate-limit-remaining") == "0"
		},
		kind:     types.KindRateLimit,
		priority: PriorityCorrectable,
	},
	{
		match: func(body string, _ http.Header) bool {
			return containsAny(body, "authoriz", "invalid token", "credential")
		},
		kind:     types.KindAuthRequired,
		priority: PriorityPolicy,
	},
	{
		match: func(body string, _ http.Header) bool {
			return containsBoth(body, "account", "restricted", "suspended", "locked")
		},
		kind:     types.KindAccountRestricted,
		priority: PrioritySevere,
	},
	{
		match: func(body string, _ http.Header) bool {
			return containsBoth(body, "ip", "blocked", "restricted")
		},
		kind:     types.KindIPBlocked,
		priority: PrioritySevere,
	},
	{
		match: func(body string, _ http.Header) bool {
			return containsAny(body, "bot", "automated", "suspicious", "verification")
		},
		kind:     types.KindAntiBot,
		priority: PriorityPolicy,
	},
	{
		match: func(body string, _ http.Header) bool {
			return containsAny(body, "header", "user-agent")
		},
		kind:     types.KindHeaderIssue,
		priority: PriorityCorrectable,
	},
	{
		match: func(body string, _ http.Header) bool {
			return containsAny(body, "permission", "access denied", "forbidden")
		},
		kind:     types.KindPermissionDenied,
		priority: PriorityPolicy,
	},
}

// Classify maps an HTTP status, response body, and headers to an error
// kind and priority. Status 0 means no HTTP response was received (a
// transport failure); the body then carries the error text.
func Classify(status int, body string, header http.Header) (types.ErrorKind, int) {
	lower := strings.ToLower(body)
	if header == nil {
		header = http.Header{}
	}

	switch {
	case status == http.StatusOK:
		return types.KindNone, PriorityNone
	case status == http.StatusTooManyRequests:
		return types.KindRateLimit, PriorityCorrectable
	case status == http.StatusUnauthorized:
		return types.KindAuthRequired, PriorityPolicy
	case status == http.StatusNotFound:
		return types.KindNotFound, PriorityPolicy
	case status >= 500:
		return types.KindServerError, PriorityCorrectable
	case status == 0:
		if containsAny(lower, "timeout", "timed out", "deadline exceeded") {
			return types.KindTimeout, PriorityCorrectable
		}
		// Pure transport failures with no status are treated like
		// server-side trouble: retryable unless marked permanent.
		return types.KindServerError, PriorityCorrectable
	case status != http.StatusForbidden:
		// Statuses outside the mapped set (400, 409, ...) get the
		// neutral retryable default; unknown_forbidden is reserved
		// for unmatched 403 bodies.
		return types.KindServerError, PriorityCorrectable
	}

	for _, rule := range forbiddenRules {
		if rule.match(lower, header) {
			return rule.kind, rule.priority
		}
	}
	return types.KindUnknownForbidden, PriorityPolicy
}
