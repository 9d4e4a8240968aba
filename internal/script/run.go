package script

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/joeycumines/go-dbgtest"
	"github.com/joeycumines/logiface"
)

// Session is the subset of [dbgtest.Session] a script needs.
type Session interface {
	Stdout() *dbgtest.Stream
	Stderr() *dbgtest.Stream
	Send(line string, done func(error))
}

// Runner executes scripts, writing a transcript to Out.
type Runner struct {
	Out    io.Writer
	Logger *logiface.Logger[logiface.Event]
}

// Run executes each step in order, stopping at the first failure.
func (r *Runner) Run(ctx context.Context, session Session, script *Script) error {
	for i, step := range script.Steps {
		start := time.Now()
		err := r.runStep(ctx, session, step)
		r.Logger.Debug().
			Int(`step`, i+1).
			Str(`desc`, step.String()).
			Dur(`elapsed`, time.Since(start)).
			Err(err).
			Log(`step finished`)
		if err != nil {
			return fmt.Errorf("step %d (%s): %w", i+1, step, err)
		}
	}
	return nil
}

func (r *Runner) runStep(ctx context.Context, session Session, step *Step) error {
	stream := session.Stdout()
	if step.Stream == StreamStderr {
		stream = session.Stderr()
	}

	send := func() {
		if step.Send != "" {
			r.printf("> %s\n", step.Send)
			session.Send(step.Send, nil)
		}
	}
	if step.pattern == nil {
		send()
		return nil
	}

	var opts []dbgtest.WaitOption
	if step.Timeout > 0 {
		opts = append(opts, dbgtest.WithTimeout(step.Timeout))
	}
	// canceling ctx abandons the wait, freeing the stream for later waits
	lines, err := stream.ExpectLinesAfter(ctx, step.pattern, send, opts...)
	if err != nil {
		return err
	}

	if step.LinesUntil == "" && len(lines) != 0 {
		lines = lines[len(lines)-1:]
	}
	for _, line := range lines {
		r.printf("%s\n", line)
	}
	return nil
}

func (r *Runner) printf(format string, args ...any) {
	if r.Out != nil {
		_, _ = fmt.Fprintf(r.Out, format, args...)
	}
}
