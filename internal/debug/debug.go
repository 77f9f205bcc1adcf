// Package debug provides env-gated debug logging (HB_DEBUG=1).
// Output goes to stderr so it never corrupts the MCP stdio framing.
package debug

import (
	"fmt"
	"os"
	"sync"
)

var (
	enabled     = os.Getenv("HB_DEBUG") != ""
	verboseMode = false
	logMutex    sync.Mutex
)

// Enabled reports whether debug output is active.
func Enabled() bool {
	return enabled || verboseMode
}

// SetVerbose enables verbose/debug output regardless of HB_DEBUG.
func SetVerbose(verbose bool) {
	verboseMode = verbose
}

// Logf writes a debug line to stderr when debugging is enabled.
func Logf(format string, args ...interface{}) {
	if enabled || verboseMode {
		logMutex.Lock()
		defer logMutex.Unlock()
		fmt.Fprintf(os.Stderr, format, args...)
	}
}
