// Package txlog provides a zero-cost-when-disabled debug trace for the
// transform hot loop, gated by IMT_DEBUG.
package txlog

import (
	"fmt"
	"os"
)

var enabled = os.Getenv("IMT_DEBUG") != ""

// Enabled reports whether debug tracing is on.
func Enabled() bool {
	return enabled
}

// Logf writes a trace line to stderr when debug tracing is enabled.
func Logf(format string, args ...interface{}) {
	if enabled {
		fmt.Fprintf(os.Stderr, format, args...)
	}
}

// Warnf always writes a "warning: "-prefixed line to stderr, regardless
// of IMT_DEBUG.
func Warnf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "warning: "+format, args...)
}
