package dbgtest

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/joeycumines/go-dbgtest/internal/loop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testStream struct {
	*Stream
	exits    atomic.Int32
	failures chan error
}

func newTestStream(t *testing.T, timeout, interval time.Duration) *testStream {
	t.Helper()
	return newBacklogTestStream(t, timeout, interval, 0)
}

// newBacklogTestStream retains lines for a first wait admitted within window.
func newBacklogTestStream(t *testing.T, timeout, interval, window time.Duration) *testStream {
	t.Helper()
	l, err := loop.New()
	require.NoError(t, err)
	errCh := make(chan error, 1)
	go func() { errCh <- l.Run(context.Background()) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, l.Shutdown(ctx))
		assert.NoError(t, <-errCh)
	})

	ts := &testStream{failures: make(chan error, 16)}
	ts.Stream = newStream("stdout", streamConfig{
		loop:     l,
		onExited: func(string) { ts.exits.Add(1) },
		failure:  func(err error) { ts.failures <- err },
		timeout:  timeout,
		interval: interval,
		backlog:  window,
	})
	return ts
}

// feed writes each chunk, in order, on the loop goroutine.
func (s *testStream) feed(t *testing.T, chunks ...string) {
	t.Helper()
	for _, chunk := range chunks {
		require.NoError(t, s.loop.Submit(func() { s.write([]byte(chunk)) }))
	}
}

// sync blocks until every task submitted so far has run.
func (s *testStream) sync(t *testing.T) {
	t.Helper()
	done := make(chan struct{})
	require.NoError(t, s.loop.Submit(func() { close(done) }))
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not run")
	}
}

type lineResult struct {
	err  error
	line string
}

func receive[T any](t *testing.T, ch chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for callback")
		panic("unreachable")
	}
}

var digits = regexp.MustCompile(`\d+`)

func TestStream_WaitFor(t *testing.T) {
	s := newTestStream(t, time.Second, 10*time.Millisecond)
	ch := make(chan lineResult, 1)
	s.WaitFor(digits, func(line string, err error) { ch <- lineResult{err, line} })
	s.feed(t, "foo\nbar123\nbaz\n")

	r := receive(t, ch)
	require.NoError(t, r.err)
	assert.Equal(t, "bar123", r.line)
}

func TestStream_LinesUntil(t *testing.T) {
	s := newTestStream(t, time.Second, 10*time.Millisecond)
	ch := make(chan []string, 1)
	s.LinesUntil(digits, func(lines []string, err error) {
		assert.NoError(t, err)
		ch <- lines
	})
	s.feed(t, "fo", "o\r", "\nbar12", "3\nbaz\n")

	if diff := cmp.Diff([]string{"foo", "bar123"}, receive(t, ch)); diff != "" {
		t.Errorf("lines mismatch (-want +got):\n%s", diff)
	}
}

func TestStream_WaitForProcessBreak(t *testing.T) {
	s := newTestStream(t, time.Second, 10*time.Millisecond)
	ch := make(chan lineResult, 1)
	s.WaitForProcessBreak(func(line string, err error) { ch <- lineResult{err, line} })
	s.feed(t, "Process 1234 launched: 'node'\n", "process 1234 STOPPED\n")

	r := receive(t, ch)
	require.NoError(t, r.err)
	assert.Equal(t, "process 1234 STOPPED", r.line)
}

func TestStream_SingleActiveWaiter(t *testing.T) {
	s := newTestStream(t, time.Second, 10*time.Millisecond)

	var (
		mu     sync.Mutex
		events []string
	)
	record := func(name string) func(string, error) {
		return func(line string, err error) {
			assert.NoError(t, err)
			mu.Lock()
			events = append(events, name+":"+line)
			mu.Unlock()
		}
	}
	done := make(chan struct{})
	s.WaitFor(regexp.MustCompile(`^first$`), record("a"))
	s.WaitFor(regexp.MustCompile(`.`), func(line string, err error) {
		record("b")(line, err)
		close(done)
	})
	s.feed(t, "x\nfirst\ny\n")
	receive(t, done)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"a:first", "b:y"}, events)
}

func TestStream_QueueFIFO(t *testing.T) {
	s := newTestStream(t, time.Second, 10*time.Millisecond)
	ch := make(chan string, 3)
	for i := range 3 {
		s.WaitFor(regexp.MustCompile(`^x`), func(line string, err error) {
			assert.NoError(t, err)
			ch <- string(rune('a'+i)) + "=" + line
		})
	}
	s.feed(t, "x1\nx2\n", "x3\n")

	var got []string
	for range 3 {
		got = append(got, receive(t, ch))
	}
	assert.Equal(t, []string{"a=x1", "b=x2", "c=x3"}, got)
}

func TestStream_Timeout(t *testing.T) {
	s := newTestStream(t, 300*time.Millisecond, 100*time.Millisecond)
	pattern := regexp.MustCompile(`never-(matches)`)
	ch := make(chan lineResult, 1)
	start := time.Now()
	s.WaitFor(pattern, func(line string, err error) { ch <- lineResult{err, line} })
	s.feed(t, "alpha one\nbeta two\n")

	r := receive(t, ch)
	elapsed := time.Since(start)

	require.ErrorIs(t, r.err, ErrTimeout)
	assert.Empty(t, r.line)
	assert.GreaterOrEqual(t, elapsed, 300*time.Millisecond)
	assert.Less(t, elapsed, 600*time.Millisecond)

	var timeoutErr *TimeoutError
	require.ErrorAs(t, r.err, &timeoutErr)
	assert.Equal(t, 300*time.Millisecond, timeoutErr.Timeout)
	assert.Equal(t, pattern.String(), timeoutErr.Pattern)
	assert.Equal(t, []string{"alpha one", "beta two"}, timeoutErr.Lines)
	msg := r.err.Error()
	for _, want := range []string{"never-(matches)", "alpha one", "beta two", "300ms"} {
		assert.Contains(t, msg, want)
	}

	assert.Same(t, timeoutErr, receive(t, s.failures))
}

func TestStream_TimeoutLinesUntil(t *testing.T) {
	s := newTestStream(t, 0, 10*time.Millisecond)
	ch := make(chan []string, 1)
	s.LinesUntil(regexp.MustCompile(`never`), func(lines []string, err error) {
		assert.ErrorIs(t, err, ErrTimeout)
		ch <- lines
	}, WithTimeout(50*time.Millisecond))
	s.feed(t, "partial\n")
	assert.Equal(t, []string{"partial"}, receive(t, ch))
}

func TestStream_TimeoutAdmitsNext(t *testing.T) {
	s := newTestStream(t, time.Second, 10*time.Millisecond)
	first := make(chan error, 1)
	second := make(chan lineResult, 1)
	s.WaitFor(regexp.MustCompile(`never`), func(_ string, err error) { first <- err }, WithTimeout(50*time.Millisecond))
	s.WaitFor(regexp.MustCompile(`^y$`), func(line string, err error) { second <- lineResult{err, line} })

	assert.ErrorIs(t, receive(t, first), ErrTimeout)
	s.feed(t, "y\n")
	r := receive(t, second)
	require.NoError(t, r.err)
	assert.Equal(t, "y", r.line)
}

func TestStream_ZeroTimeoutWaitsForever(t *testing.T) {
	s := newTestStream(t, 0, 5*time.Millisecond)
	ch := make(chan lineResult, 1)
	s.WaitFor(regexp.MustCompile(`late`), func(line string, err error) { ch <- lineResult{err, line} })

	time.Sleep(100 * time.Millisecond)
	select {
	case r := <-ch:
		t.Fatalf("unexpected result: %+v", r)
	default:
	}

	s.feed(t, "late\n")
	r := receive(t, ch)
	require.NoError(t, r.err)
	assert.Equal(t, "late", r.line)
}

func TestStream_ExitedLineNotDelivered(t *testing.T) {
	s := newTestStream(t, time.Second, 10*time.Millisecond)
	ch := make(chan lineResult, 1)
	s.WaitFor(regexp.MustCompile(`.`), func(line string, err error) { ch <- lineResult{err, line} })
	s.feed(t, "Process 1234 exited with status = 0 (0x00000000)\n", "after\n")

	r := receive(t, ch)
	require.NoError(t, r.err)
	assert.Equal(t, "after", r.line)
	assert.Equal(t, int32(1), s.exits.Load())
}

func TestStream_EndAbandonsWaits(t *testing.T) {
	s := newTestStream(t, 50*time.Millisecond, 5*time.Millisecond)
	var called atomic.Int32
	cb := func(string, error) { called.Add(1) }
	s.WaitFor(regexp.MustCompile(`x`), cb)
	s.WaitFor(regexp.MustCompile(`x`), cb)
	s.sync(t)

	s.end(ErrSessionKilled)
	s.feed(t, "x\nx\n")
	time.Sleep(100 * time.Millisecond)
	s.sync(t)
	assert.Zero(t, called.Load())
	assert.Empty(t, s.failures)

	select {
	case <-s.Done():
	default:
		t.Fatal("expected done to be closed")
	}
	assert.ErrorIs(t, s.Err(), ErrSessionKilled)

	_, err := s.Expect(context.Background(), regexp.MustCompile(`x`))
	assert.ErrorIs(t, err, ErrSessionKilled)
}

func TestStream_Backlog(t *testing.T) {
	s := newBacklogTestStream(t, time.Second, 10*time.Millisecond, time.Minute)
	s.feed(t, "early1\nearly2\n")
	s.sync(t)

	lines, err := s.ExpectLines(context.Background(), regexp.MustCompile(`early2`))
	require.NoError(t, err)
	assert.Equal(t, []string{"early1", "early2"}, lines)

	// once primed, lines with no active wait are dropped
	s.feed(t, "dropped\n")
	s.sync(t)
	ch := make(chan []string, 1)
	s.LinesUntil(regexp.MustCompile(`kept`), func(lines []string, err error) {
		assert.NoError(t, err)
		ch <- lines
	})
	s.feed(t, "kept\n")
	assert.Equal(t, []string{"kept"}, receive(t, ch))
}

func TestStream_ExpectContextCanceled(t *testing.T) {
	s := newTestStream(t, 0, 10*time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := s.Expect(ctx, regexp.MustCompile(`never`))
	require.True(t, errors.Is(err, context.DeadlineExceeded), err)

	// the canceled wait no longer occupies the slot
	ch := make(chan lineResult, 1)
	s.WaitFor(regexp.MustCompile(`z`), func(line string, err error) { ch <- lineResult{err, line} })
	s.feed(t, "z\n")
	r := receive(t, ch)
	require.NoError(t, r.err)
	assert.Equal(t, "z", r.line)
}

func TestStream_ExpectProcessBreak(t *testing.T) {
	s := newTestStream(t, time.Second, 10*time.Millisecond)
	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = s.loop.Submit(func() { s.write([]byte("Process 7 stopped\n")) })
	}()
	line, err := s.ExpectProcessBreak(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Process 7 stopped", line)
}

func TestStream_BacklogWindowClosed(t *testing.T) {
	s := newBacklogTestStream(t, time.Second, 10*time.Millisecond, 50*time.Millisecond)
	s.feed(t, "warning: stale\n")
	time.Sleep(200 * time.Millisecond)

	ch := make(chan lineResult, 1)
	s.WaitFor(regexp.MustCompile(`^warning:`), func(line string, err error) { ch <- lineResult{err, line} })
	s.feed(t, "warning: fresh\n")

	r := receive(t, ch)
	require.NoError(t, r.err)
	assert.Equal(t, "warning: fresh", r.line)
}

func TestStream_NoBacklog(t *testing.T) {
	s := newTestStream(t, time.Second, 10*time.Millisecond)
	s.feed(t, "warning: stale\n")
	s.sync(t)

	ch := make(chan lineResult, 1)
	s.WaitFor(regexp.MustCompile(`^warning:`), func(line string, err error) { ch <- lineResult{err, line} })
	s.feed(t, "warning: fresh\n")

	r := receive(t, ch)
	require.NoError(t, r.err)
	assert.Equal(t, "warning: fresh", r.line)
}

func TestStream_CanceledQueuedWaitSkipped(t *testing.T) {
	s := newTestStream(t, 0, 10*time.Millisecond)

	first := make(chan lineResult, 1)
	s.WaitFor(regexp.MustCompile(`^a$`), func(line string, err error) { first <- lineResult{err, line} })

	ctx, cancel := context.WithCancel(context.Background())
	canceled := make(chan error, 1)
	go func() {
		_, err := s.Expect(ctx, regexp.MustCompile(`^b$`))
		canceled <- err
	}()
	// the second wait must be queued before the third
	require.Eventually(t, func() bool {
		queued := make(chan int, 1)
		if s.loop.Submit(func() { queued <- len(s.queue) }) != nil {
			return false
		}
		select {
		case n := <-queued:
			return n == 1
		case <-time.After(time.Second):
			return false
		}
	}, 5*time.Second, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, receive(t, canceled), context.Canceled)

	third := make(chan lineResult, 1)
	s.WaitFor(regexp.MustCompile(`^c$`), func(line string, err error) { third <- lineResult{err, line} })
	s.feed(t, "a\n")
	r := receive(t, first)
	require.NoError(t, r.err)
	assert.Equal(t, "a", r.line)

	s.feed(t, "c\n")
	r = receive(t, third)
	require.NoError(t, r.err)
	assert.Equal(t, "c", r.line)

	// a wait submitted afterwards is still admitted normally
	fourth := make(chan lineResult, 1)
	s.WaitFor(regexp.MustCompile(`^d$`), func(line string, err error) { fourth <- lineResult{err, line} })
	s.feed(t, "d\n")
	r = receive(t, fourth)
	require.NoError(t, r.err)
	assert.Equal(t, "d", r.line)
}

func TestStream_ExpectLinesAfter(t *testing.T) {
	s := newTestStream(t, time.Second, 10*time.Millisecond)
	lines, err := s.ExpectLinesAfter(context.Background(), regexp.MustCompile(`^done$`), func() {
		s.feed(t, "one\n", "done\n")
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "done"}, lines)
}
