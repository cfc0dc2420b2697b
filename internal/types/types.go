// Package types defines core data structures for the massblock tool.
package types

import (
	"fmt"
	"time"
)

// TargetFormat says how entries in a targets file identify accounts.
type TargetFormat string

const (
	// FormatID means targets are immutable numeric account ids.
	FormatID TargetFormat = "id"
	// FormatHandle means targets are mutable human-readable handles.
	FormatHandle TargetFormat = "handle"
)

// Valid reports whether f is a recognized target format.
func (f TargetFormat) Valid() bool {
	return f == FormatID || f == FormatHandle
}

// Target is one entry from the input list, tagged with its format.
type Target struct {
	Identifier string       `json:"identifier"`
	Format     TargetFormat `json:"format"`
}

// Availability is the remote platform's view of an account's state.
type Availability string

const (
	AvailActive      Availability = "active"
	AvailUnavailable Availability = "unavailable"
	AvailSuspended   Availability = "suspended"
	AvailDeactivated Availability = "deactivated"
	AvailNotFound    Availability = "not_found"
)

// Permanent reports whether the availability state can never recover
// on its own, so retries are pointless.
func (a Availability) Permanent() bool {
	switch a {
	case AvailNotFound, AvailDeactivated, AvailSuspended:
		return true
	}
	return false
}

// Profile holds viewer-independent attributes of a remote account.
// Cached indefinitely but refreshed on each fetch.
type Profile struct {
	ID           string       `json:"id"`
	Handle       string       `json:"handle"`
	DisplayName  string       `json:"display_name,omitempty"`
	Availability Availability `json:"availability"`
	FetchedAt    time.Time    `json:"fetched_at"`
}

// Relationship is the pairwise state between the session owner and a
// profile. Not shareable across session owners.
type Relationship struct {
	Following  bool      `json:"following"`
	FollowedBy bool      `json:"followed_by"`
	Blocking   bool      `json:"blocking"`
	BlockedBy  bool      `json:"blocked_by"`
	Protected  bool      `json:"protected"`
	FetchedAt  time.Time `json:"fetched_at"`
}

// FullUser is the merged profile + relationship view the engine's
// decision ladder consumes. The relationship is zero-valued for
// unavailable accounts, which carry no relationship fields on the wire.
type FullUser struct {
	Profile
	Relationship
}

// ErrorKind is the closed set of failure labels produced by the
// response classifier and consumed by the retry policy.
type ErrorKind string

const (
	KindNone                 ErrorKind = "none"
	KindRateLimit            ErrorKind = "rate_limit"
	KindAuthRequired         ErrorKind = "auth_required"
	KindPermissionDenied     ErrorKind = "permission_denied"
	KindAccountRestricted    ErrorKind = "account_restricted"
	KindAntiBot              ErrorKind = "anti_bot"
	KindIPBlocked            ErrorKind = "ip_blocked"
	KindHeaderIssue          ErrorKind = "header_issue"
	KindUnknownForbidden     ErrorKind = "unknown_forbidden"
	KindServerError          ErrorKind = "server_error"
	KindTimeout              ErrorKind = "timeout"
	KindNotFound             ErrorKind = "not_found"
	KindRelationshipConflict ErrorKind = "relationship_conflict"
	KindFollowConflict       ErrorKind = "follow_conflict"
	KindAlreadyBlocked       ErrorKind = "already_blocked"
)

// RemoteError is a structured failure from the remote client. Remote
// errors are values; nothing from the wire unwinds as a panic.
type RemoteError struct {
	Kind    ErrorKind
	Status  int
	Message string
}

// Error implements the error interface.
func (e *RemoteError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s (status %d): %s", e.Kind, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// HistoryStatus is the terminal status recorded for a target.
type HistoryStatus string

const (
	StatusBlocked HistoryStatus = "blocked"
	StatusFailed  HistoryStatus = "failed"
)

// HistoryEntry is one block_history row: the latest outcome for a
// distinct target, keyed by id when known, else by handle.
type HistoryEntry struct {
	Handle       string        `json:"screen_name"`
	UserID       string        `json:"user_id,omitempty"`
	DisplayName  string        `json:"display_name,omitempty"`
	Status       HistoryStatus `json:"status"`
	ResponseCode int           `json:"response_code,omitempty"`
	ErrorMessage string        `json:"error_message,omitempty"`
	ErrorKind    ErrorKind     `json:"error_kind,omitempty"`
	RetryCount   int           `json:"retry_count"`
	LastRetryAt  *time.Time    `json:"last_retry_at,omitempty"`
	Availability Availability  `json:"user_status,omitempty"`
	BlockedAt    time.Time     `json:"blocked_at"`
}

// Key returns the identifier history rows conflict on: the id when
// known, otherwise the handle.
func (h *HistoryEntry) Key() string {
	if h.UserID != "" {
		return h.UserID
	}
	return h.Handle
}

// Session is one process_log row covering a single engine invocation.
type Session struct {
	ID           int64     `json:"id"`
	StartedAt    time.Time `json:"session_start"`
	TotalTargets int       `json:"total_targets"`
	Counters     Counters  `json:"counters"`
	Completed    bool      `json:"completed"`
}

// Counters are the running tallies a session accumulates. The engine
// maintains the invariant Blocked + Skipped + Errored == dispatched.
type Counters struct {
	Processed int `json:"processed"`
	Blocked   int `json:"blocked"`
	Skipped   int `json:"skipped"`
	Errored   int `json:"errors"`
}

// Attempt is an in-memory record of one remote interaction, consumed
// by the retry policy's sliding success-rate window. Never persisted.
type Attempt struct {
	Target  string
	Kind    ErrorKind
	Status  int
	Success bool
	At      time.Time
}
