// Package lockfile enforces one running engine per history file. The
// lock is an flock on a sidecar file next to the database; its JSON
// body identifies the holder for diagnostics.
package lockfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"
)

// ErrLockBusy is returned when another process already holds the lock.
var ErrLockBusy = errors.New("history file is locked by another process")

// LockInfo identifies the process holding a lock.
type LockInfo struct {
	PID       int       `json:"pid"`
	Database  string    `json:"database"`
	Version   string    `json:"version"`
	StartedAt time.Time `json:"started_at"`
}

// Lock is a held advisory lock. Release it when the run finishes.
type Lock struct {
	f    *os.File
	path string
}

// Acquire takes an exclusive non-blocking lock guarding the given
// history database. Returns ErrLockBusy when another engine holds it.
func Acquire(dbPath, version string) (*Lock, error) {
	path := dbPath + ".lock"
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening lock file: %w", err)
	}

	if err := flockExclusiveNonBlock(f); err != nil {
		_ = f.Close()
		if errors.Is(err, ErrLockBusy) {
			return nil, err
		}
		return nil, fmt.Errorf("locking %s: %w", path, err)
	}

	info := LockInfo{
		PID:       os.Getpid(),
		Database:  dbPath,
		Version:   version,
		StartedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(info)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	if err := f.Truncate(0); err == nil {
		_, _ = f.WriteAt(data, 0)
		_ = f.Sync()
	}

	return &Lock{f: f, path: path}, nil
}

// Release drops the lock and removes the sidecar file.
func (l *Lock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	err := flockUnlock(l.f)
	if cerr := l.f.Close(); err == nil {
		err = cerr
	}
	_ = os.Remove(l.path)
	l.f = nil
	return err
}

// ReadInfo reads the holder info from an existing lock file, for the
// "already running" diagnostic. A legacy bare-PID body is accepted.
func ReadInfo(dbPath string) (*LockInfo, error) {
	data, err := os.ReadFile(dbPath + ".lock")
	if err != nil {
		return nil, err
	}

	var info LockInfo
	if err := json.Unmarshal(data, &info); err != nil {
		var pid int
		if _, serr := fmt.Sscanf(string(data), "%d", &pid); serr != nil {
			return nil, fmt.Errorf("unreadable lock file: %w", err)
		}
		info.PID = pid
	}
	return &info, nil
}
