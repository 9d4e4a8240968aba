package dbgtest

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrTimeout is matched (via errors.Is) by every [*TimeoutError].
	ErrTimeout = errors.New("dbgtest: timeout")

	// ErrSessionKilled indicates the session was killed, either explicitly or
	// because the debugger reported the inferior process exited. Waits that
	// were pending at the time are abandoned.
	ErrSessionKilled = errors.New("dbgtest: session killed")

	// ErrSessionExited indicates the debugger process exited on its own.
	ErrSessionExited = errors.New("dbgtest: debugger exited")

	// ErrSessionClosed is returned for input sent after the session's input
	// channel was closed.
	ErrSessionClosed = errors.New("dbgtest: session closed")

	// ErrNoCommand is returned when no debugger executable is configured.
	ErrNoCommand = errors.New("dbgtest: no debugger command specified")
)

// TimeoutError is delivered when a wait does not observe a matching line
// before its timeout elapses.
type TimeoutError struct {
	// Stream is the name of the stream that was being read, e.g. "stdout".
	Stream string
	// Pattern is the source of the regular expression being awaited.
	Pattern string
	// Lines holds every line observed while the wait was active.
	Lines []string
	// Timeout is the configured timeout.
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	var b strings.Builder
	_, _ = fmt.Fprintf(&b, "dbgtest: timeout of %s waiting for /%s/", e.Timeout, e.Pattern)
	if e.Stream != "" {
		_, _ = fmt.Fprintf(&b, " on %s", e.Stream)
	}
	if len(e.Lines) == 0 {
		b.WriteString(", no lines observed")
		return b.String()
	}
	_, _ = fmt.Fprintf(&b, ", observed %d line(s):", len(e.Lines))
	for _, line := range e.Lines {
		b.WriteString("\n  ")
		b.WriteString(line)
	}
	return b.String()
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// RangesError reports a failed run of the memory ranges script.
type RangesError struct {
	Err      error
	Script   string
	Core     string
	ExitCode int
}

func (e *RangesError) Error() string {
	if e.ExitCode != 0 {
		return fmt.Sprintf("dbgtest: failed to generate ranges for %q: %s exited with status %d", e.Core, e.Script, e.ExitCode)
	}
	return fmt.Sprintf("dbgtest: failed to generate ranges for %q: %v", e.Core, e.Err)
}

func (e *RangesError) Unwrap() error {
	return e.Err
}
