// Package lockfile provides a process-level exclusive lock. The agent
// holds one next to its session database so two instances never write the
// same store or drive the same browser at once.
package lockfile

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// ErrAlreadyLocked indicates the lock is held by another process.
var ErrAlreadyLocked = errors.New("lock already held")

// Lock is a held exclusive lock. Release it exactly once.
type Lock struct {
	path string
	f    *os.File
}

// Acquire takes a non-blocking exclusive lock on path, creating the file
// when needed. The holder's pid is recorded in the file for diagnostics.
func Acquire(path string) (*Lock, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("lock path is empty")
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	if err := lockFile(f); err != nil {
		_ = f.Close()
		return nil, err
	}

	_ = f.Truncate(0)
	_, _ = f.Seek(0, 0)
	_, _ = f.WriteString(strconv.Itoa(os.Getpid()) + "\n")
	_ = f.Sync()

	return &Lock{path: path, f: f}, nil
}

// HolderPID reads the pid recorded by the current or most recent holder.
// Zero means no pid could be read.
func HolderPID(path string) int {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil || pid <= 0 {
		return 0
	}
	return pid
}

func (l *Lock) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

func (l *Lock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	unlockErr := unlockFile(l.f)
	closeErr := l.f.Close()
	l.f = nil
	if unlockErr != nil {
		return unlockErr
	}
	return closeErr
}
