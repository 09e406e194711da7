//go:build unix

package xform

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

var errTargetLocked = errors.New("target database already locked by another transform")

// flockExclusive acquires an exclusive non-blocking lock on the file.
func flockExclusive(f *os.File) error {
	err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if err == unix.EWOULDBLOCK {
		return errTargetLocked
	}
	return err
}
