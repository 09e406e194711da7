// Package utils provides small path-handling helpers shared by the CLI
// and the transform package.
package utils

import (
	"path/filepath"
)

// CanonicalizePath converts a path to its canonical form by:
// 1. Converting to absolute path
// 2. Resolving symlinks
//
// If either step fails, it falls back to the best available form:
// - If symlink resolution fails, returns absolute path
// - If absolute path conversion fails, returns original path
//
// Used for --source/--target/--state so the lock file path
// (TargetLock, the attached "source" schema alias, and state file
// round-tripping) stay stable even if the process's working directory
// changes mid-run or the path traverses a symlink.
func CanonicalizePath(path string) string {
	// Try to get absolute path
	absPath, err := filepath.Abs(path)
	if err != nil {
		// If we can't get absolute path, return original
		return path
	}

	// Try to resolve symlinks
	canonical, err := filepath.EvalSymlinks(absPath)
	if err != nil {
		// If we can't resolve symlinks, return absolute path
		return absPath
	}

	return canonical
}
