package dbgtest

import (
	"context"
	"regexp"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-dbgtest/internal/event"
	"github.com/joeycumines/go-dbgtest/internal/loop"
	"github.com/joeycumines/logiface"
)

var (
	// ExitedPattern matches the debugger's report that the inferior exited.
	// Such lines are never delivered to waiters, and kill the session.
	ExitedPattern = regexp.MustCompile(`(?i)process \d+ exited`)

	// StoppedPattern matches the debugger's report that the inferior stopped.
	StoppedPattern = regexp.MustCompile(`(?i)process \d+ stopped`)
)

// maxBacklog bounds the lines retained before a stream's first wait.
const maxBacklog = 1024

// Stream is one output channel of a [Session]. Lines are matched by at most
// one active wait at a time, further waits are queued and admitted in FIFO
// order as each active wait resolves. A wait only observes lines that arrive
// after it becomes active, with one exception: on a stream with a startup
// window, lines that arrive before the first wait is admitted are retained
// (up to a limit) and replayed to it, provided that wait is admitted before
// the window closes. This allows waiting on the output of the commands
// issued when a session starts. Lines with no active wait are otherwise
// dropped.
//
// All methods are safe to call from any goroutine. Callbacks run on the
// session's loop goroutine, and must not block.
type Stream struct {
	loop     *loop.Loop
	logger   *logiface.Logger[logiface.Event]
	lineLog  *lineLogger
	onExited func(line string)
	failure  func(error)
	endCh    chan struct{}
	endErr   error
	name     string
	lines    event.Target[string]
	active   *waitRequest
	queue    []func()
	backlog  []string
	splitter lineSplitter
	timeout  time.Duration
	interval time.Duration
	endOnce  sync.Once
	closed   atomic.Bool
	waiting  bool
	primed   bool
}

type streamConfig struct {
	loop     *loop.Loop
	logger   *logiface.Logger[logiface.Event]
	lineLog  *lineLogger
	onExited func(line string)
	failure  func(error)
	timeout  time.Duration
	interval time.Duration
	// backlog is the startup window, zero disables the backlog.
	backlog time.Duration
}

// waitRequest is one pending or active wait. Its fields are only accessed
// on the loop goroutine.
type waitRequest struct {
	pattern  *regexp.Regexp
	callback func(line string, lines []string, err error)
	lines    []string
	timeout  time.Duration
	elapsed  time.Duration
	listener event.ListenerID
	timer    loop.TimerID
	allLines bool
	canceled bool
	done     bool
}

func newStream(name string, cfg streamConfig) *Stream {
	s := &Stream{
		name:     name,
		loop:     cfg.loop,
		logger:   cfg.logger,
		lineLog:  cfg.lineLog,
		onExited: cfg.onExited,
		failure:  cfg.failure,
		timeout:  cfg.timeout,
		interval: cfg.interval,
		endCh:    make(chan struct{}),
	}
	if s.interval <= 0 {
		s.interval = DefaultCheckInterval
	}
	s.splitter.emit = s.dispatch
	if cfg.backlog <= 0 {
		s.primed = true
	} else if _, err := s.loop.ScheduleTimer(cfg.backlog, s.closeBacklog); err != nil {
		s.primed = true
	}
	return s
}

// closeBacklog ends the startup window, if no wait was admitted during it.
func (s *Stream) closeBacklog() {
	if s.primed {
		return
	}
	s.primed = true
	s.backlog = nil
}

// Name returns the name of the stream, e.g. "stdout".
func (s *Stream) Name() string { return s.name }

// WaitFor calls fn with the first line matching pattern, or a
// [*TimeoutError] if none arrives in time. If the session is killed or exits
// first, fn is never called.
func (s *Stream) WaitFor(pattern *regexp.Regexp, fn func(line string, err error), opts ...WaitOption) {
	s.submitWait(pattern, false, opts, func(line string, _ []string, err error) {
		if fn != nil {
			fn(line, err)
		}
	})
}

// LinesUntil is like WaitFor, but fn receives every line observed by the
// wait, up to and including the match. On timeout, lines holds the partial
// transcript.
func (s *Stream) LinesUntil(pattern *regexp.Regexp, fn func(lines []string, err error), opts ...WaitOption) {
	s.submitWait(pattern, true, opts, func(_ string, lines []string, err error) {
		if fn != nil {
			fn(lines, err)
		}
	})
}

// WaitForProcessBreak waits for the debugger to report the inferior stopped.
func (s *Stream) WaitForProcessBreak(fn func(line string, err error), opts ...WaitOption) {
	s.WaitFor(StoppedPattern, fn, opts...)
}

// Expect blocks until a line matching pattern is observed. It returns
// [ErrSessionKilled] or [ErrSessionExited] if the session ends first, and
// abandons the wait if ctx is done.
func (s *Stream) Expect(ctx context.Context, pattern *regexp.Regexp, opts ...WaitOption) (string, error) {
	line, _, err := s.expect(ctx, pattern, false, opts)
	return line, err
}

// ExpectLines is the blocking form of LinesUntil.
func (s *Stream) ExpectLines(ctx context.Context, pattern *regexp.Regexp, opts ...WaitOption) ([]string, error) {
	_, lines, err := s.expect(ctx, pattern, true, opts)
	return lines, err
}

// ExpectProcessBreak is the blocking form of WaitForProcessBreak.
func (s *Stream) ExpectProcessBreak(ctx context.Context, opts ...WaitOption) (string, error) {
	return s.Expect(ctx, StoppedPattern, opts...)
}

// ExpectLinesAfter is ExpectLines, but calls send (if non-nil) once the wait
// is queued, so output caused by send is never missed. Typically send
// writes a command, see [Session.Send].
func (s *Stream) ExpectLinesAfter(ctx context.Context, pattern *regexp.Regexp, send func(), opts ...WaitOption) ([]string, error) {
	_, lines, err := s.expectAfter(ctx, pattern, true, opts, send)
	return lines, err
}

type waitResult struct {
	err   error
	line  string
	lines []string
}

func (s *Stream) expect(ctx context.Context, pattern *regexp.Regexp, allLines bool, opts []WaitOption) (string, []string, error) {
	return s.expectAfter(ctx, pattern, allLines, opts, nil)
}

// expectAfter calls then (if non-nil) once the wait is submitted.
func (s *Stream) expectAfter(ctx context.Context, pattern *regexp.Regexp, allLines bool, opts []WaitOption, then func()) (string, []string, error) {
	ch := make(chan waitResult, 1)
	req := s.submitWait(pattern, allLines, opts, func(line string, lines []string, err error) {
		ch <- waitResult{line: line, lines: lines, err: err}
	})
	if then != nil {
		then()
	}
	select {
	case r := <-ch:
		return r.line, r.lines, r.err
	case <-s.endCh:
	case <-ctx.Done():
	}
	select {
	case r := <-ch:
		return r.line, r.lines, r.err
	default:
	}
	if err := ctx.Err(); err != nil {
		_ = s.loop.Submit(func() { s.cancel(req) })
		return "", nil, err
	}
	return "", nil, s.endErr
}

// Done is closed once the stream stops delivering lines, see Err.
func (s *Stream) Done() <-chan struct{} {
	return s.endCh
}

// Err returns why the stream ended, or nil if it has not.
func (s *Stream) Err() error {
	select {
	case <-s.endCh:
		return s.endErr
	default:
		return nil
	}
}

func (s *Stream) submitWait(pattern *regexp.Regexp, allLines bool, opts []WaitOption, callback func(string, []string, error)) *waitRequest {
	cfg := resolveWaitOptions(s.timeout, opts)
	req := &waitRequest{
		pattern:  pattern,
		callback: callback,
		timeout:  cfg.timeout,
		allLines: allLines,
	}
	if err := s.loop.Submit(func() { s.waitFor(req) }); err != nil {
		s.logger.Debug().
			Str(`stream`, s.name).
			Err(err).
			Log(`wait dropped`)
	}
	return req
}

// waitFor admits req as the active wait, or queues it.
func (s *Stream) waitFor(req *waitRequest) {
	if req.canceled || s.closed.Load() {
		return
	}
	if s.waiting {
		s.queue = append(s.queue, func() { s.waitFor(req) })
		return
	}
	s.waiting = true
	s.active = req

	req.listener = s.lines.Subscribe(func(line string) { s.observe(req, line) })
	if req.timeout > 0 {
		id, err := s.loop.SetInterval(s.interval, func() { s.check(req) })
		if err != nil {
			s.logger.Debug().
				Str(`stream`, s.name).
				Err(err).
				Log(`failed to start wait timer`)
		}
		req.timer = id
	}

	if !s.primed {
		s.primed = true
		backlog := s.backlog
		s.backlog = nil
		for _, line := range backlog {
			s.lines.Dispatch(line)
		}
	}
}

func (s *Stream) observe(req *waitRequest, line string) {
	if req.done || s.closed.Load() {
		return
	}
	req.lines = append(req.lines, line)
	if !req.pattern.MatchString(line) {
		return
	}
	s.release(req)
	if req.allLines {
		req.callback(line, req.lines, nil)
	} else {
		req.callback(line, nil, nil)
	}
}

func (s *Stream) check(req *waitRequest) {
	if req.done || s.closed.Load() {
		return
	}
	req.elapsed += s.interval
	if req.elapsed <= req.timeout {
		return
	}
	s.release(req)
	err := &TimeoutError{
		Stream:  s.name,
		Pattern: req.pattern.String(),
		Lines:   req.lines,
		Timeout: req.timeout,
	}
	s.logger.Debug().
		Str(`stream`, s.name).
		Err(err).
		Log(`wait timed out`)
	if req.allLines {
		req.callback("", req.lines, err)
	} else {
		req.callback("", nil, err)
	}
	if s.failure != nil {
		s.failure(err)
	}
}

// release ends the active wait and admits the next queued one. Queued
// waits that were canceled are skipped.
func (s *Stream) release(req *waitRequest) {
	req.done = true
	s.lines.Unsubscribe(req.listener)
	if req.timer != 0 {
		_ = s.loop.CancelTimer(req.timer)
	}
	s.waiting = false
	s.active = nil
	for !s.waiting && len(s.queue) != 0 {
		next := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		next()
	}
}

// cancel abandons req without calling its callback.
func (s *Stream) cancel(req *waitRequest) {
	if req.done {
		return
	}
	req.canceled = true
	if s.active == req {
		s.release(req)
	}
}

// write feeds raw output, it must only be called on the loop goroutine.
func (s *Stream) write(p []byte) {
	_, _ = s.splitter.Write(p)
}

// flush emits a final unterminated line, on the loop goroutine.
func (s *Stream) flush() {
	s.splitter.Flush()
}

// dispatch handles one complete line.
func (s *Stream) dispatch(line string) {
	s.lineLog.log(s.name, line)
	if s.closed.Load() {
		return
	}
	if ExitedPattern.MatchString(line) {
		if s.onExited != nil {
			s.onExited(line)
		}
		return
	}
	if !s.primed {
		if len(s.backlog) == maxBacklog {
			s.backlog = slices.Delete(s.backlog, 0, 1)
		}
		s.backlog = append(s.backlog, line)
		return
	}
	s.lines.Dispatch(line)
}

// end stops delivery of lines to waiters, abandoning any active or queued
// wait. Safe to call from any goroutine, only the first call has effect.
func (s *Stream) end(err error) {
	s.endOnce.Do(func() {
		s.closed.Store(true)
		s.endErr = err
		close(s.endCh)
		_ = s.loop.Submit(s.abandon)
	})
}

func (s *Stream) abandon() {
	if req := s.active; req != nil {
		req.done = true
		if req.timer != 0 {
			_ = s.loop.CancelTimer(req.timer)
		}
		s.active = nil
	}
	s.queue = nil
	s.backlog = nil
	s.waiting = false
	s.lines.Clear()
}
