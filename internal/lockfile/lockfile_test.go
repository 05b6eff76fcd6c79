package lockfile

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestAcquire_Exclusive(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "agent.lock")
	first, err := Acquire(path)
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if first.Path() != path {
		t.Fatalf("path=%q", first.Path())
	}

	// A second open file description on the same path must be refused.
	if _, err := Acquire(path); !errors.Is(err, ErrAlreadyLocked) {
		t.Fatalf("second acquire: err=%v, want ErrAlreadyLocked", err)
	}
	if pid := HolderPID(path); pid != os.Getpid() {
		t.Fatalf("holder pid=%d, want %d", pid, os.Getpid())
	}

	if err := first.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	second, err := Acquire(path)
	if err != nil {
		t.Fatalf("reacquire after release: %v", err)
	}
	_ = second.Release()
}

func TestAcquire_EmptyPath(t *testing.T) {
	t.Parallel()

	if _, err := Acquire(""); err == nil {
		t.Fatalf("empty path accepted")
	}
}

func TestRelease_NilSafe(t *testing.T) {
	t.Parallel()

	var l *Lock
	if err := l.Release(); err != nil {
		t.Fatalf("nil release: %v", err)
	}
}
