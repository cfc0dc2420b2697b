// Package credentials loads browser session cookies from a file and
// caches them in memory. The file is written by an external refresh
// process; this package only ever reads it. The cache invalidates on
// age, on-disk mutation, or explicit request, and the recovery
// coordinator can block until the file is rewritten.
package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ErrMissing is returned when the credentials file does not exist.
var ErrMissing = errors.New("credentials file missing")

// platformDomains are the cookie domains that belong to the platform.
// Records from any other domain are ignored.
var platformDomains = map[string]bool{
	".x.com":       true,
	".twitter.com": true,
	"x.com":        true,
	"twitter.com":  true,
}

const (
	// DefaultTTL is the cache age limit in high-churn mode.
	DefaultTTL = 30 * time.Second
	minTTL     = 30 * time.Second
	maxTTL     = 10 * time.Minute
)

// Mapping is the name→value view of the platform cookies.
type Mapping map[string]string

// CSRFToken returns the csrf cookie value, empty if absent.
func (m Mapping) CSRFToken() string { return m["ct0"] }

// CookieHeader renders the mapping as a Cookie header value.
func (m Mapping) CookieHeader() string {
	pairs := make([]string, 0, len(m))
	for name, value := range m {
		pairs = append(pairs, name+"="+value)
	}
	return strings.Join(pairs, "; ")
}

// OwnerID derives the session owner's identity from the cookie data.
// The twid cookie carries the numeric account id ("u%3D<id>" or
// "u=<id>"); when absent, a stable hash of auth_token stands in, and
// "default" is the last resort. The relationship cache partitions on
// this value.
func (m Mapping) OwnerID() string {
	if twid := m["twid"]; twid != "" {
		id := strings.TrimPrefix(twid, "u%3D")
		id = strings.TrimPrefix(id, "u=")
		id = strings.Trim(id, `"`)
		if id != "" && isDigits(id) {
			return id
		}
	}
	if token := m["auth_token"]; token != "" {
		h := fnv.New64a()
		_, _ = h.Write([]byte(token))
		return fmt.Sprintf("h%x", h.Sum64())
	}
	return "default"
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(s) > 0
}

// cookieRecord is one entry of the on-disk cookie export.
type cookieRecord struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Domain string `json:"domain"`
}

// Store reads and caches the credentials file.
type Store struct {
	path string
	ttl  time.Duration

	mu       sync.Mutex
	cached   Mapping
	loadedAt time.Time
	mtime    time.Time
}

// NewStore returns a store for the given file. TTL is clamped to the
// supported 30s–10min range; zero selects the default.
func NewStore(path string, ttl time.Duration) *Store {
	if ttl == 0 {
		ttl = DefaultTTL
	}
	if ttl < minTTL {
		ttl = minTTL
	}
	if ttl > maxTTL {
		ttl = maxTTL
	}
	return &Store{path: path, ttl: ttl}
}

// Path returns the credentials file path, for diagnostics.
func (s *Store) Path() string { return s.path }

// Load returns the platform cookie mapping, reloading from disk when
// the cache has aged out or the file's modification time moved.
func (s *Store) Load() (Mapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	info, err := os.Stat(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrMissing, s.path)
	}
	if err != nil {
		return nil, fmt.Errorf("stat credentials: %w", err)
	}

	fresh := s.cached != nil &&
		time.Since(s.loadedAt) < s.ttl &&
		info.ModTime().Equal(s.mtime)
	if fresh {
		return s.cached, nil
	}

	mapping, err := readCookieFile(s.path)
	if err != nil {
		return nil, err
	}
	s.cached = mapping
	s.loadedAt = time.Now()
	s.mtime = info.ModTime()
	return mapping, nil
}

// Invalidate drops the in-memory cache so the next Load re-reads the
// file regardless of age.
func (s *Store) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cached = nil
	s.loadedAt = time.Time{}
}

// ModTime returns the last observed modification time of the file on
// disk, without touching the cache.
func (s *Store) ModTime() (time.Time, error) {
	info, err := os.Stat(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return time.Time{}, fmt.Errorf("%w: %s", ErrMissing, s.path)
	}
	if err != nil {
		return time.Time{}, err
	}
	return info.ModTime(), nil
}

// WaitForRefresh blocks until the file's modification time advances
// past since, or the timeout elapses, or ctx is canceled. A watcher on
// the parent directory catches the common case; a coarse poll backs it
// up for editors and mounts that do not emit events.
func (s *Store) WaitForRefresh(ctx context.Context, since time.Time, timeout time.Duration) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		defer func() { _ = watcher.Close() }()
		// Watch the directory, not the file: refresh processes often
		// replace the file via rename, which drops a file-level watch.
		if werr := watcher.Add(filepath.Dir(s.path)); werr != nil {
			_ = watcher.Close()
			watcher = nil
		}
	} else {
		watcher = nil
	}

	poll := time.NewTicker(2 * time.Second)
	defer poll.Stop()

	check := func() (bool, error) {
		mtime, err := s.ModTime()
		if errors.Is(err, ErrMissing) {
			return false, nil // mid-rewrite; keep waiting
		}
		if err != nil {
			return false, err
		}
		return mtime.After(since), nil
	}

	// The file may already have been refreshed before we started.
	if ok, err := check(); err != nil || ok {
		return err
	}

	var events chan fsnotify.Event
	if watcher != nil {
		events = watcher.Events
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("credentials not refreshed within %s", timeout)
		case ev := <-events:
			if ev.Name != s.path {
				continue
			}
			if ok, err := check(); err != nil || ok {
				return err
			}
		case <-poll.C:
			if ok, err := check(); err != nil || ok {
				return err
			}
		}
	}
}

func readCookieFile(path string) (Mapping, error) {
	data, err := os.ReadFile(path) // #nosec G304 - operator-supplied path
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrMissing, path)
	}
	if err != nil {
		return nil, fmt.Errorf("reading credentials: %w", err)
	}

	var records []cookieRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("parsing credentials: %w", err)
	}

	mapping := make(Mapping)
	for _, rec := range records {
		if platformDomains[rec.Domain] {
			mapping[rec.Name] = rec.Value
		}
	}
	return mapping, nil
}
