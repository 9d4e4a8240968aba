// Package loop implements a minimal single goroutine event loop, providing
// ordered task execution and timers. All callbacks run on the goroutine that
// called [Loop.Run], which allows state owned by the loop to be mutated
// without locks.
package loop

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/logiface"
)

var (
	// ErrLoopAlreadyRunning is returned when Run is called on a loop that has already been started.
	ErrLoopAlreadyRunning = errors.New("loop: already running")

	// ErrLoopTerminated is returned when operations are attempted on a terminated loop.
	ErrLoopTerminated = errors.New("loop: terminated")

	// ErrTimerNotFound is returned by CancelTimer for unknown or already fired timers.
	ErrTimerNotFound = errors.New("loop: timer not found")
)

// State represents the lifecycle state of a Loop.
//
//	StateAwake -> StateRunning       [Run]
//	StateAwake -> StateTerminated    [Shutdown before Run]
//	StateRunning -> StateTerminating [Shutdown, ctx cancel]
//	StateTerminating -> StateTerminated
type State uint32

const (
	StateAwake State = iota
	StateRunning
	StateTerminating
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateAwake:
		return "Awake"
	case StateRunning:
		return "Running"
	case StateTerminating:
		return "Terminating"
	case StateTerminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// TimerID identifies a scheduled timer, for cancellation.
type TimerID uint64

// Loop is a single goroutine task scheduler. Submit, ScheduleTimer,
// SetInterval, CancelTimer and Shutdown are safe to call from any goroutine.
type Loop struct {
	logger *logiface.Logger[logiface.Event]

	wake     chan struct{}
	done     chan struct{}
	doneOnce sync.Once

	timerIDs map[TimerID]*timer
	tasks    []func()
	spare    []func()
	timers   timerHeap

	mu     sync.Mutex
	nextID TimerID
	state  atomic.Uint32
}

type timer struct {
	when     time.Time
	fn       func()
	id       TimerID
	interval time.Duration
	seq      uint64
	canceled bool
}

// timerHeap is a min-heap of timers, ordered by deadline then insertion
type timerHeap []*timer

func (h timerHeap) Len() int { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	if h[i].when.Equal(h[j].when) {
		return h[i].seq < h[j].seq
	}
	return h[i].when.Before(h[j].when)
}
func (h timerHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *timerHeap) Push(x any) {
	*h = append(*h, x.(*timer))
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return x
}

// New creates a Loop, which must be started with Run.
func New(opts ...Option) (*Loop, error) {
	cfg, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}
	return &Loop{
		logger:   cfg.logger,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		timerIDs: make(map[TimerID]*timer),
	}, nil
}

// State returns the current loop state.
func (l *Loop) State() State {
	return State(l.state.Load())
}

// Done is closed once the loop has terminated.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Run processes tasks and timers until Shutdown is called or ctx is
// canceled. Tasks submitted prior to termination are drained before Run
// returns, pending timers are discarded.
func (l *Loop) Run(ctx context.Context) error {
	if !l.state.CompareAndSwap(uint32(StateAwake), uint32(StateRunning)) {
		if l.State() == StateTerminated {
			return ErrLoopTerminated
		}
		return ErrLoopAlreadyRunning
	}
	defer l.closeDone()

	l.logger.Debug().Log(`loop started`)
	defer l.logger.Debug().Log(`loop stopped`)

	var idle *time.Timer
	defer func() {
		if idle != nil {
			idle.Stop()
		}
	}()

	for {
		if ctx.Err() != nil {
			l.state.CompareAndSwap(uint32(StateRunning), uint32(StateTerminating))
		}

		due, tasks, next, exit := l.collect(time.Now())
		for _, t := range due {
			l.safeExecute(t.fn)
			l.rearm(t)
		}
		for i, fn := range tasks {
			l.safeExecute(fn)
			tasks[i] = nil
		}
		l.recycle(tasks)

		if exit {
			return ctx.Err()
		}
		if len(due) != 0 || len(tasks) != 0 {
			continue
		}

		var timerC <-chan time.Time
		if next >= 0 {
			if idle == nil {
				idle = time.NewTimer(next)
			} else {
				idle.Reset(next)
			}
			timerC = idle.C
		}

		select {
		case <-l.wake:
		case <-timerC:
		case <-ctx.Done():
		}

		if idle != nil && !idle.Stop() {
			select {
			case <-idle.C:
			default:
			}
		}
	}
}

// collect takes every due timer and the pending task queue, returning the
// delay until the next timer (negative if none), and whether the loop should
// exit.
func (l *Loop) collect(now time.Time) (due []*timer, tasks []func(), next time.Duration, exit bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.State() == StateTerminating {
		if len(l.tasks) == 0 {
			l.state.Store(uint32(StateTerminated))
			l.timers = nil
			clear(l.timerIDs)
			return nil, nil, -1, true
		}
	} else {
		for len(l.timers) != 0 && !l.timers[0].when.After(now) {
			t := heap.Pop(&l.timers).(*timer)
			if t.canceled {
				continue
			}
			if t.interval <= 0 {
				delete(l.timerIDs, t.id)
			}
			due = append(due, t)
		}
	}

	tasks = l.tasks
	l.tasks = l.spare[:0]
	l.spare = nil

	next = -1
	for len(l.timers) != 0 && l.timers[0].canceled {
		heap.Pop(&l.timers)
	}
	if len(l.timers) != 0 {
		next = max(l.timers[0].when.Sub(now), 0)
	}

	return due, tasks, next, false
}

func (l *Loop) recycle(tasks []func()) {
	if cap(tasks) == 0 || cap(tasks) > 1024 {
		return
	}
	l.mu.Lock()
	if l.spare == nil {
		l.spare = tasks[:0]
	}
	l.mu.Unlock()
}

// rearm reschedules interval timers which were not canceled by their own callback
func (l *Loop) rearm(t *timer) {
	if t.interval <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if t.canceled || l.State() != StateRunning {
		return
	}
	t.when = time.Now().Add(t.interval)
	l.nextID++
	t.seq = uint64(l.nextID)
	heap.Push(&l.timers, t)
}

// Submit queues fn for execution on the loop goroutine. Tasks run in
// submission order.
func (l *Loop) Submit(fn func()) error {
	if fn == nil {
		return nil
	}
	l.mu.Lock()
	if l.State() == StateTerminated {
		l.mu.Unlock()
		return ErrLoopTerminated
	}
	l.tasks = append(l.tasks, fn)
	l.mu.Unlock()
	l.signal()
	return nil
}

// ScheduleTimer runs fn once, on the loop goroutine, after delay.
func (l *Loop) ScheduleTimer(delay time.Duration, fn func()) (TimerID, error) {
	return l.schedule(delay, 0, fn)
}

// SetInterval runs fn repeatedly, every interval, until canceled via
// CancelTimer. The next run is scheduled after the previous one completes.
func (l *Loop) SetInterval(interval time.Duration, fn func()) (TimerID, error) {
	if interval <= 0 {
		return 0, errors.New("loop: interval must be positive")
	}
	return l.schedule(interval, interval, fn)
}

func (l *Loop) schedule(delay, interval time.Duration, fn func()) (TimerID, error) {
	if fn == nil {
		return 0, nil
	}
	l.mu.Lock()
	switch l.State() {
	case StateTerminating, StateTerminated:
		l.mu.Unlock()
		return 0, ErrLoopTerminated
	}
	l.nextID++
	t := &timer{
		when:     time.Now().Add(max(delay, 0)),
		fn:       fn,
		id:       l.nextID,
		interval: interval,
		seq:      uint64(l.nextID),
	}
	l.timerIDs[t.id] = t
	heap.Push(&l.timers, t)
	l.mu.Unlock()
	l.signal()
	return t.id, nil
}

// CancelTimer prevents a pending timer from firing. Canceling an interval
// from within its own callback stops any further runs.
func (l *Loop) CancelTimer(id TimerID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.timerIDs[id]
	if !ok {
		return ErrTimerNotFound
	}
	delete(l.timerIDs, id)
	t.canceled = true
	return nil
}

// Shutdown requests termination, then blocks until the loop has drained its
// task queue, or ctx is done. It is safe to call multiple times.
func (l *Loop) Shutdown(ctx context.Context) error {
	l.mu.Lock()
	switch l.State() {
	case StateAwake:
		l.state.Store(uint32(StateTerminated))
		l.tasks = nil
		l.timers = nil
		clear(l.timerIDs)
		l.mu.Unlock()
		l.closeDone()
		return nil
	case StateRunning:
		l.state.Store(uint32(StateTerminating))
	}
	l.mu.Unlock()
	l.signal()

	select {
	case <-l.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Loop) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *Loop) closeDone() {
	l.doneOnce.Do(func() { close(l.done) })
}

// safeExecute runs fn, recovering (and logging) any panic.
func (l *Loop) safeExecute(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Err().
				Interface(`panic`, r).
				Log(`loop task panicked`)
		}
	}()
	fn()
}
