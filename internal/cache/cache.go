// Package cache is the on-disk identifier cache: handle→id lookups and
// profiles are shared across session owners, relationships are
// partitioned per owner. Entries expire by file modification time and
// damaged or expired files are deleted on read and treated as misses.
package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/blocktools/massblock/internal/types"
)

// TTL is how long any cached entry stays valid.
const TTL = 30 * 24 * time.Hour

const (
	lookupDir       = "lookup"
	profileDir      = "profile"
	relationshipDir = "relationship"
)

// LookupEntry is one shared handle→id resolver record. If present, the
// id was observed by the platform as current for that handle at cache
// time.
type LookupEntry struct {
	Handle   string    `json:"handle"`
	ID       string    `json:"id"`
	CachedAt time.Time `json:"cached_at"`
}

// Cache reads and writes the three layers under a single root.
type Cache struct {
	root  string
	owner string
	now   func() time.Time
}

// New opens (creating if needed) a cache rooted at root, with
// relationship entries partitioned under the given session owner.
func New(root, owner string) (*Cache, error) {
	c := &Cache{root: root, owner: owner, now: time.Now}
	for _, dir := range []string{
		filepath.Join(root, lookupDir),
		filepath.Join(root, profileDir),
		filepath.Join(root, relationshipDir, safeName(owner)),
	} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("creating cache dir: %w", err)
		}
	}
	return c, nil
}

// safeName strips every character outside [A-Za-z0-9._-] so arbitrary
// identifiers map to sane filenames.
func safeName(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '.', r == '_', r == '-':
			b.WriteRune(r)
		}
	}
	return b.String()
}

func (c *Cache) lookupPath(handle string) string {
	return filepath.Join(c.root, lookupDir, safeName(handle)+".json")
}

func (c *Cache) profilePath(id string) string {
	return filepath.Join(c.root, profileDir, safeName(id)+".json")
}

func (c *Cache) relationshipPath(id string) string {
	return filepath.Join(c.root, relationshipDir, safeName(c.owner), safeName(id)+".json")
}

// read loads a cache file into v, deleting it and reporting a miss
// when it is expired or unparseable.
func (c *Cache) read(path string, v any) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	if c.now().Sub(info.ModTime()) > TTL {
		_ = os.Remove(path)
		return false
	}
	data, err := os.ReadFile(path) // #nosec G304 - path built from safeName
	if err != nil {
		return false
	}
	if err := json.Unmarshal(data, v); err != nil {
		// Interrupted mid-write or corrupted; drop it.
		_ = os.Remove(path)
		return false
	}
	return true
}

func (c *Cache) write(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding cache entry: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing cache entry: %w", err)
	}
	return nil
}

// ResolveHandle returns the cached id for a handle.
func (c *Cache) ResolveHandle(handle string) (string, bool) {
	var entry LookupEntry
	if !c.read(c.lookupPath(handle), &entry) {
		return "", false
	}
	if entry.ID == "" {
		return "", false
	}
	return entry.ID, true
}

// PutLookup records a handle→id observation.
func (c *Cache) PutLookup(handle, id string) error {
	return c.write(c.lookupPath(handle), LookupEntry{
		Handle:   handle,
		ID:       id,
		CachedAt: c.now(),
	})
}

// Profile returns the shared cached profile for an id.
func (c *Cache) Profile(id string) (*types.Profile, bool) {
	var p types.Profile
	if !c.read(c.profilePath(id), &p) {
		return nil, false
	}
	return &p, true
}

// PutProfile stores the viewer-independent half of a fetched user.
func (c *Cache) PutProfile(p *types.Profile) error {
	if p.ID == "" {
		return errors.New("profile has no id")
	}
	return c.write(c.profilePath(p.ID), p)
}

// Relationship returns this owner's cached relationship with an id.
func (c *Cache) Relationship(id string) (*types.Relationship, bool) {
	var r types.Relationship
	if !c.read(c.relationshipPath(id), &r) {
		return nil, false
	}
	return &r, true
}

// PutRelationship stores the per-owner half of a fetched user.
func (c *Cache) PutRelationship(id string, r *types.Relationship) error {
	if id == "" {
		return errors.New("relationship has no id")
	}
	return c.write(c.relationshipPath(id), r)
}

// PutUser splits a full remote response into its profile and
// relationship layers. Lookup entries are written only for handle
// resolution, by the caller.
func (c *Cache) PutUser(u *types.FullUser) error {
	if err := c.PutProfile(&u.Profile); err != nil {
		return err
	}
	return c.PutRelationship(u.Profile.ID, &u.Relationship)
}

// User merges the profile and relationship layers for an id. It
// reports a miss when the profile is absent or expired. Accounts that
// are not active carry no relationship on the wire, so a missing
// relationship is only a miss for active profiles.
func (c *Cache) User(id string) (*types.FullUser, bool) {
	p, ok := c.Profile(id)
	if !ok {
		return nil, false
	}
	r, ok := c.Relationship(id)
	if !ok {
		if p.Availability == types.AvailActive {
			return nil, false
		}
		r = &types.Relationship{}
	}
	return &types.FullUser{Profile: *p, Relationship: *r}, true
}
