//go:build js && wasm

package xform

import (
	"fmt"
	"os"
)

// flockExclusive is unavailable under WASM and always returns an error,
// so AcquireTargetLock fails there, matching internal/lockfile's wasm
// stub.
func flockExclusive(f *os.File) error {
	return fmt.Errorf("file locking not supported in WASM")
}
