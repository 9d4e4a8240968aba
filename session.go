package dbgtest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"github.com/creack/pty"
	"github.com/joeycumines/go-dbgtest/internal/loop"
	"github.com/joeycumines/logiface"
	"golang.org/x/sync/errgroup"
)

const (
	sessionCloseTimeout = 5 * time.Second
	readBufferSize      = 32 * 1024

	// startupWindow is how long after start a first wait on the primary
	// stream still observes the output that preceded it.
	startupWindow = 250 * time.Millisecond
)

// SessionState represents the lifecycle state of a Session.
//
//	SessionUnstarted -> SessionRunning       [process started]
//	SessionRunning -> SessionTerminating     [Kill, exit detected, ctx done]
//	SessionRunning -> SessionExited          [process exited on its own]
type SessionState uint32

const (
	SessionUnstarted SessionState = iota
	SessionRunning
	SessionTerminating
	SessionExited
)

func (s SessionState) String() string {
	switch s {
	case SessionUnstarted:
		return "Unstarted"
	case SessionRunning:
		return "Running"
	case SessionTerminating:
		return "Terminating"
	case SessionExited:
		return "Exited"
	default:
		return "Unknown"
	}
}

// Session is a single running debugger, with its primary (stdout) and
// diagnostic (stderr) output channels exposed as a [Stream] each. Diagnostic
// lines are debug logged, and only matched if explicitly waited on.
//
// If either stream reports that the inferior process exited, the session is
// killed, and every pending wait is abandoned without being resolved.
type Session struct {
	cmd        *exec.Cmd
	logger     *logiface.Logger[logiface.Event]
	loop       *loop.Loop
	stdout     *Stream
	stderr     *Stream
	stdin      io.Writer
	ptm        *os.File
	proc       *os.Process
	kill       func(*os.Process) error
	exitErr    error
	closeErr   error
	stopCtx    func() bool
	loopErr    chan error
	exited     chan struct{}
	writeWake  chan struct{}
	writerDone chan struct{}
	writeQueue []writeRequest
	readers    errgroup.Group
	mu         sync.Mutex
	closeOnce  sync.Once
	state      atomic.Uint32
	needsKill  bool
	inputShut  bool
}

type writeRequest struct {
	done func(error)
	line string
}

// NewScenarioSession starts the debugger running the named scenario (resolved
// via [Config.FixturePath]) under the configured target, loads the plugin,
// and issues "run". Quit will kill the inferior before quitting. The session
// is killed if ctx is done.
func NewScenarioSession(ctx context.Context, scenario string, opts ...Option) (*Session, error) {
	cfg, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}
	args := make([]string, 0, len(cfg.RuntimeFlags)+3)
	args = append(args, "--", cfg.Target)
	args = append(args, cfg.RuntimeFlags...)
	args = append(args, cfg.FixturePath(scenario))

	s, err := startSession(ctx, cfg, args, true)
	if err != nil {
		return nil, err
	}
	s.Send(pluginLoadCommand(cfg.PluginPath()), nil)
	s.Send("run", nil)
	return s, nil
}

// NewCoreSession starts the debugger, loads the plugin, and creates a target
// from executable and its core file.
func NewCoreSession(ctx context.Context, executable, core string, opts ...Option) (*Session, error) {
	cfg, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}
	s, err := startSession(ctx, cfg, nil, false)
	if err != nil {
		return nil, err
	}
	s.Send(pluginLoadCommand(cfg.PluginPath()), nil)
	s.Send(targetCreateCommand(executable, core), nil)
	return s, nil
}

func pluginLoadCommand(plugin string) string {
	return fmt.Sprintf("plugin load %q", plugin)
}

func targetCreateCommand(executable, core string) string {
	return fmt.Sprintf("target create %q --core %q", executable, core)
}

func startSession(ctx context.Context, cfg *sessionConfig, args []string, needsKill bool) (*Session, error) {
	if cfg.Debugger == "" {
		return nil, ErrNoCommand
	}
	logger := cfg.logger()

	l, err := loop.New(loop.WithLogger(logger))
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(cfg.Debugger, args...)
	cmd.Env = append(os.Environ(), cfg.Env...)
	if cfg.rangesFile != "" {
		cmd.Env = append(cmd.Env, cfg.RangesEnvVar+"="+cfg.rangesFile)
	}
	cmd.Dir = cfg.Dir

	s := &Session{
		cmd:        cmd,
		logger:     logger,
		loop:       l,
		kill:       cfg.killProcess,
		loopErr:    make(chan error, 1),
		exited:     make(chan struct{}),
		writeWake:  make(chan struct{}, 1),
		writerDone: make(chan struct{}),
		needsKill:  needsKill,
	}
	if s.kill == nil {
		s.kill = killProcess
	}

	lineLog := newLineLogger(logger)
	streamCfg := func() streamConfig {
		return streamConfig{
			loop:     l,
			logger:   logger,
			lineLog:  lineLog,
			onExited: s.onExited,
			failure:  cfg.failure,
			timeout:  cfg.Timeout,
			interval: cfg.CheckInterval,
		}
	}
	stdoutCfg := streamCfg()
	stdoutCfg.backlog = startupWindow
	s.stdout = newStream("stdout", stdoutCfg)
	s.stderr = newStream("stderr", streamCfg())

	var stdout io.Reader
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}
	if cfg.PTY {
		ptm, err := pty.Start(cmd)
		if err != nil {
			return nil, fmt.Errorf("failed to start debugger with pty: %w", err)
		}
		s.ptm = ptm
		s.stdin = ptm
		stdout = ptm
	} else {
		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
		}
		pipe, err := cmd.StdoutPipe()
		if err != nil {
			return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
		}
		setProcessGroup(cmd)
		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("failed to start debugger: %w", err)
		}
		s.stdin = stdin
		stdout = pipe
	}

	s.proc = cmd.Process
	s.state.Store(uint32(SessionRunning))

	logger.Debug().
		Str(`debugger`, cfg.Debugger).
		Interface(`args`, args).
		Int(`pid`, cmd.Process.Pid).
		Bool(`pty`, cfg.PTY).
		Log(`started debugger`)

	go func() { s.loopErr <- l.Run(context.Background()) }()
	s.readers.Go(func() error { return s.read(s.stdout, stdout) })
	s.readers.Go(func() error { return s.read(s.stderr, stderr) })
	go s.writeLoop()
	go s.wait()

	s.stopCtx = context.AfterFunc(ctx, s.Kill)

	return s, nil
}

// Stdout returns the primary output stream.
func (s *Session) Stdout() *Stream { return s.stdout }

// Stderr returns the diagnostic output stream.
func (s *Session) Stderr() *Stream { return s.stderr }

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

// Pid returns the process id of the debugger.
func (s *Session) Pid() int {
	return s.cmd.Process.Pid
}

// Done is closed once the debugger process has exited and been reaped.
func (s *Session) Done() <-chan struct{} {
	return s.exited
}

// WaitExit blocks until the debugger exits, returning its exit error, or
// ctx's error.
func (s *Session) WaitExit(ctx context.Context) error {
	select {
	case <-s.exited:
		return s.exitErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Send writes line, followed by a newline, to the debugger's input. Sends
// are written in order, by a single goroutine. If done is non-nil it is
// called, on the loop goroutine, once the write completes.
func (s *Session) Send(line string, done func(error)) {
	s.mu.Lock()
	if s.inputShut {
		s.mu.Unlock()
		s.complete(line, done, ErrSessionClosed)
		return
	}
	s.writeQueue = append(s.writeQueue, writeRequest{line: line, done: done})
	s.mu.Unlock()
	select {
	case s.writeWake <- struct{}{}:
	default:
	}
}

// Command sends line, then blocks until the primary stream produces a line
// matching until, returning every line observed by the wait. The wait is
// registered before line is written, so the command's output is never
// missed (though it may be consumed by waits that were already pending).
func (s *Session) Command(ctx context.Context, line string, until *regexp.Regexp, opts ...WaitOption) ([]string, error) {
	_, lines, err := s.stdout.expectAfter(ctx, until, true, opts, func() { s.Send(line, nil) })
	return lines, err
}

// Quit asks the debugger to exit, killing the inferior first if the session
// was started with a scenario.
func (s *Session) Quit() {
	if s.needsKill {
		s.Send("kill", nil)
	}
	s.Send("quit", nil)
}

// Kill forcibly terminates the debugger's process group, abandoning every
// pending wait. Calls after the first, or after the process exited on its
// own, have no effect.
func (s *Session) Kill() {
	// the signal is sent under mu, which wait holds to clear proc before
	// the process is reaped, so a reused pid is never signaled
	s.mu.Lock()
	proc := s.proc
	s.proc = nil
	var err error
	if proc != nil {
		s.state.CompareAndSwap(uint32(SessionRunning), uint32(SessionTerminating))
		s.stdout.end(ErrSessionKilled)
		s.stderr.end(ErrSessionKilled)
		err = s.kill(proc)
	}
	s.mu.Unlock()
	if proc == nil {
		return
	}

	s.logger.Debug().
		Int(`pid`, proc.Pid).
		Log(`killed debugger`)
	if err != nil {
		s.logger.Warning().
			Int(`pid`, proc.Pid).
			Err(err).
			Log(`failed to kill debugger`)
	}
}

// Close kills the debugger if it is still running, then waits for the
// output readers, the input writer and the loop to stop. It must not be
// called from a wait or send callback.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.stopCtx()
		s.Kill()
		s.shutdownInput()

		ctx, cancel := context.WithTimeout(context.Background(), sessionCloseTimeout)
		defer cancel()

		var errs []error
		await := func(ch <-chan struct{}, what string) {
			select {
			case <-ch:
			case <-ctx.Done():
				errs = append(errs, fmt.Errorf("timeout waiting for %s: %w", what, ctx.Err()))
			}
		}
		await(s.exited, "debugger to exit")
		await(s.writerDone, "input writer")

		if err := s.loop.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop loop: %w", err))
		} else if err := <-s.loopErr; err != nil {
			errs = append(errs, fmt.Errorf("loop failed: %w", err))
		}

		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}

func (s *Session) onExited(line string) {
	s.logger.Debug().
		Str(`line`, line).
		Log(`inferior exited`)
	s.Kill()
}

func (s *Session) read(stream *Stream, r io.Reader) error {
	buf := make([]byte, readBufferSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := bytes.Clone(buf[:n])
			_ = s.loop.Submit(func() { stream.write(chunk) })
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("%s: %w", stream.Name(), err)
		}
	}
}

// wait reaps the process once its output is drained.
func (s *Session) wait() {
	if err := s.readers.Wait(); err != nil {
		// a pty reports EIO once the child closes it
		s.logger.Debug().
			Err(err).
			Log(`output read ended`)
	}

	if err := awaitExit(s.cmd.Process); err != nil {
		s.logger.Debug().
			Err(err).
			Log(`failed to await exit`)
	}
	s.mu.Lock()
	s.proc = nil
	s.mu.Unlock()

	err := s.cmd.Wait()
	if s.ptm != nil {
		_ = s.ptm.Close()
	}
	s.exitErr = err
	s.state.CompareAndSwap(uint32(SessionRunning), uint32(SessionExited))
	s.shutdownInput()

	s.logger.Debug().
		Err(err).
		Str(`state`, s.State().String()).
		Log(`debugger exited`)

	_ = s.loop.Submit(func() {
		s.stdout.flush()
		s.stderr.flush()
		s.stdout.end(ErrSessionExited)
		s.stderr.end(ErrSessionExited)
	})

	close(s.exited)
}

func (s *Session) shutdownInput() {
	s.mu.Lock()
	s.inputShut = true
	s.mu.Unlock()
	select {
	case s.writeWake <- struct{}{}:
	default:
	}
}

func (s *Session) writeLoop() {
	defer close(s.writerDone)
	for {
		s.mu.Lock()
		batch := s.writeQueue
		s.writeQueue = nil
		shut := s.inputShut
		s.mu.Unlock()

		for _, w := range batch {
			_, err := io.WriteString(s.stdin, w.line+"\n")
			if err != nil {
				err = fmt.Errorf("failed to send %q: %w", w.line, err)
			}
			s.complete(w.line, w.done, err)
		}

		if len(batch) != 0 {
			continue
		}
		if shut {
			return
		}
		<-s.writeWake
	}
}

func (s *Session) complete(line string, done func(error), err error) {
	if done == nil {
		if err != nil {
			s.logger.Debug().
				Str(`line`, line).
				Err(err).
				Log(`send failed`)
		}
		return
	}
	if s.loop.Submit(func() { done(err) }) != nil {
		done(err)
	}
}
