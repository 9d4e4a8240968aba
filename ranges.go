package dbgtest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
)

// GenerateRanges runs the ranges script against core, writing its output to
// dest, then calls cb from a new goroutine. A nonzero exit status is reported
// as a [*RangesError]. The resulting file is typically passed to a session
// via [WithRangesFile].
func GenerateRanges(ctx context.Context, core, dest string, cb func(error), opts ...Option) {
	if cb == nil {
		cb = func(error) {}
	}
	cfg, err := resolveOptions(opts)
	if err != nil {
		go cb(err)
		return
	}
	go func() {
		cb(generateRanges(ctx, cfg, core, dest))
	}()
}

func generateRanges(ctx context.Context, cfg *sessionConfig, core, dest string) error {
	logger := cfg.logger()
	script := cfg.RangesScriptPath()

	out, err := os.Create(dest)
	if err != nil {
		return &RangesError{Script: script, Core: core, Err: err}
	}

	cmd := exec.CommandContext(ctx, script, core)
	cmd.Env = append(os.Environ(), cfg.Env...)
	cmd.Dir = cfg.Dir
	cmd.Stdout = out
	cmd.Stderr = os.Stderr

	logger.Debug().
		Str(`script`, script).
		Str(`core`, core).
		Str(`dest`, dest).
		Log(`generating ranges`)

	runErr := cmd.Run()
	closeErr := out.Close()

	if runErr != nil {
		rerr := &RangesError{Script: script, Core: core, Err: runErr}
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			rerr.ExitCode = exitErr.ExitCode()
		}
		return rerr
	}
	if closeErr != nil {
		return &RangesError{Script: script, Core: core, Err: fmt.Errorf("failed to write %s: %w", dest, closeErr)}
	}
	return nil
}
