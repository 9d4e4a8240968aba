// Package dbgtest drives an interactive, line oriented debugger (lldb with
// a plugin, by default) from Go tests.
//
// A [Session] owns the debugger process. Its output channels are each
// exposed as a [Stream], which splits output into lines and delivers them,
// in order, to at most one active wait at a time. Waits issued while another
// is active are queued, and admitted in FIFO order. A wait resolves with the
// first line matching its pattern, or fails with a [*TimeoutError] carrying
// every line it observed.
//
// Stream state is owned by a single goroutine per session, on which every
// callback runs. The blocking helpers, such as [Stream.Expect], wrap the
// callback forms for use directly from test functions:
//
//	s, err := dbgtest.NewScenarioSession(ctx, "inspect-scenario.js",
//		dbgtest.WithFailureHandler(func(err error) { t.Error(err) }),
//	)
//	if err != nil {
//		t.Fatal(err)
//	}
//	defer s.Close()
//
//	if _, err := s.Stdout().ExpectProcessBreak(ctx); err != nil {
//		t.Fatal(err)
//	}
//	s.Send("v8 bt", nil)
//	lines, err := s.Stdout().ExpectLines(ctx, regexp.MustCompile(`crashInner`))
//
// A line reporting that the inferior process exited is never delivered to a
// wait. Instead, the session is killed, and any pending waits are abandoned.
package dbgtest
