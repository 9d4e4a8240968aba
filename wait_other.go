//go:build !linux

package dbgtest

import "os"

// awaitExit is a no-op where waiting without reaping is unavailable, leaving
// a narrow window in which Kill may signal a process that was just reaped.
func awaitExit(*os.Process) error { return nil }
