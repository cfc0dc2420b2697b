package lockfile

import (
	"os"
	"path/filepath"
	"testing"
)

func TestAcquireRelease(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "history.db")

	lock, err := Acquire(dbPath, "test")
	if err != nil {
		t.Fatalf("Acquire() failed: %v", err)
	}

	info, err := ReadInfo(dbPath)
	if err != nil {
		t.Fatalf("ReadInfo() failed: %v", err)
	}
	if info.PID != os.Getpid() {
		t.Errorf("PID = %d, want %d", info.PID, os.Getpid())
	}
	if info.Database != dbPath {
		t.Errorf("Database = %s, want %s", info.Database, dbPath)
	}

	if err := lock.Release(); err != nil {
		t.Fatalf("Release() failed: %v", err)
	}
	if _, err := os.Stat(dbPath + ".lock"); !os.IsNotExist(err) {
		t.Error("lock file still present after Release()")
	}
}

func TestReleaseIdempotent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "history.db")
	lock, err := Acquire(dbPath, "test")
	if err != nil {
		t.Fatal(err)
	}
	if err := lock.Release(); err != nil {
		t.Fatal(err)
	}
	if err := lock.Release(); err != nil {
		t.Errorf("second Release() failed: %v", err)
	}
}

func TestReacquireAfterRelease(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "history.db")

	lock, err := Acquire(dbPath, "test")
	if err != nil {
		t.Fatal(err)
	}
	if err := lock.Release(); err != nil {
		t.Fatal(err)
	}

	lock2, err := Acquire(dbPath, "test")
	if err != nil {
		t.Fatalf("re-Acquire() failed: %v", err)
	}
	defer func() { _ = lock2.Release() }()
}

func TestReadInfoLegacyPID(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "history.db")
	if err := os.WriteFile(dbPath+".lock", []byte("4242"), 0o644); err != nil {
		t.Fatal(err)
	}

	info, err := ReadInfo(dbPath)
	if err != nil {
		t.Fatalf("ReadInfo() failed: %v", err)
	}
	if info.PID != 4242 {
		t.Errorf("PID = %d, want 4242", info.PID)
	}
}

func TestReadInfoGarbage(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "history.db")
	if err := os.WriteFile(dbPath+".lock", []byte("not a lock"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadInfo(dbPath); err == nil {
		t.Error("ReadInfo() on garbage succeeded")
	}
}
