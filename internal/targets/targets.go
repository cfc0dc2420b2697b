// Package targets loads and validates the input list of accounts to
// block. A targets file is a JSON document with exactly two required
// keys: a format discriminator and a non-empty ordered user list.
// Validation happens before any other side effect of a run.
package targets

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/blocktools/massblock/internal/types"
)

// ErrEmpty is returned when the users list validates but has no entries.
var ErrEmpty = errors.New("targets file has an empty users list")

// List is a validated targets file.
type List struct {
	Format types.TargetFormat
	Users  []string
}

type rawFile struct {
	Format *string           `json:"format"`
	Users  []json.RawMessage `json:"users"`
}

// formatAliases maps accepted format spellings to the canonical
// values. The long spellings are kept for files written by older
// versions of the tool.
var formatAliases = map[string]types.TargetFormat{
	"id":          types.FormatID,
	"handle":      types.FormatHandle,
	"user_id":     types.FormatID,
	"screen_name": types.FormatHandle,
}

// Load reads and validates a targets file. Any schema violation is an
// error; the caller must not have performed side effects yet.
func Load(path string) (*List, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading targets file: %w", err)
	}
	return Parse(data)
}

// Parse validates raw targets-file content.
func Parse(data []byte) (*List, error) {
	var raw rawFile
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("invalid targets file: %w", err)
	}

	if raw.Format == nil {
		return nil, errors.New("invalid targets file: missing 'format' field")
	}
	format, ok := formatAliases[*raw.Format]
	if !ok {
		return nil, fmt.Errorf("invalid targets file: unknown format %q (want id or handle)", *raw.Format)
	}

	if raw.Users == nil {
		return nil, errors.New("invalid targets file: missing 'users' field")
	}
	if len(raw.Users) == 0 {
		return nil, ErrEmpty
	}

	users := make([]string, 0, len(raw.Users))
	for i, entry := range raw.Users {
		var s string
		if err := json.Unmarshal(entry, &s); err != nil {
			return nil, fmt.Errorf("invalid targets file: users[%d] is not a string", i)
		}
		if s == "" {
			return nil, fmt.Errorf("invalid targets file: users[%d] is empty", i)
		}
		users = append(users, s)
	}

	return &List{Format: format, Users: users}, nil
}

// Dedupe returns the users with duplicates removed, first occurrence
// wins, order preserved.
func (l *List) Dedupe() []string {
	seen := make(map[string]bool, len(l.Users))
	out := make([]string, 0, len(l.Users))
	for _, u := range l.Users {
		if seen[u] {
			continue
		}
		seen[u] = true
		out = append(out, u)
	}
	return out
}

// Targets returns the deduplicated users tagged with the list's format.
func (l *List) Targets() []types.Target {
	users := l.Dedupe()
	out := make([]types.Target, len(users))
	for i, u := range users {
		out[i] = types.Target{Identifier: u, Format: l.Format}
	}
	return out
}
