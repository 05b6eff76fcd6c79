//go:build !windows

package lockfile

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

func lockFile(f *os.File) error {
	if f == nil {
		return errors.New("nil lock file")
	}
	fd := int(f.Fd())

	// Keep the lock fd out of shell subprocesses spawned by tool
	// execution, so a long-running child cannot pin the lock.
	unix.CloseOnExec(fd)

	err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, unix.EWOULDBLOCK):
		return ErrAlreadyLocked
	default:
		return err
	}
}

func unlockFile(f *os.File) error {
	if f == nil {
		return nil
	}
	return unix.Flock(int(f.Fd()), unix.LOCK_UN)
}
