package xform

import (
	"fmt"
	"os"
)

// TargetLock holds an advisory OS file lock on a target database's
// companion ".lock" file for the duration of a transform, generalizing
// the teacher's single-daemon-instance lock (internal/lockfile,
// internal/types/lock.go) to the target-database exclusivity the
// Orchestrator requires: spec.md §4.6 step 1 calls for reopening the
// target "in exclusive read-write mode", and spec.md §5 notes "the
// target's file lock is the only cross-process synchronization".
type TargetLock struct {
	file *os.File
	path string
}

// AcquireTargetLock takes a non-blocking exclusive lock on
// "<targetPath>.lock". It fails immediately (rather than blocking) if
// another transform already holds it, since a second concurrent
// transform against the same target would violate the single-writer
// assumption of spec.md §5.
func AcquireTargetLock(targetPath string) (*TargetLock, error) {
	lockPath := targetPath + ".lock"
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, wrapErr(KindStatementFailure, err, "opening lock file %s", lockPath)
	}

	if err := flockExclusive(f); err != nil {
		_ = f.Close()
		return nil, wrapErr(KindStatementFailure, err, "acquiring exclusive lock on target %s", targetPath)
	}

	return &TargetLock{file: f, path: lockPath}, nil
}

// Release drops the lock and removes the lock file.
func (l *TargetLock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("closing lock file %s: %w", l.path, err)
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing lock file %s: %w", l.path, err)
	}
	return nil
}
