package dbgtest

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joeycumines/logiface"
)

// Option configures a [Session], or [GenerateRanges].
type Option interface {
	applySession(*sessionConfig) error
}

// WaitOption configures a single wait on a [Stream].
type WaitOption interface {
	applyWait(*waitConfig)
}

// sessionConfig is Config plus the settings that only make sense per session.
type sessionConfig struct {
	Config
	failure     func(error)
	killProcess func(*os.Process) error
	rangesFile  string
}

type waitConfig struct {
	timeout    time.Duration
	hasTimeout bool
}

// optionImpl implements Option.
type optionImpl func(*sessionConfig) error

func (f optionImpl) applySession(c *sessionConfig) error {
	return f(c)
}

// waitOptionImpl implements WaitOption.
type waitOptionImpl func(*waitConfig)

func (f waitOptionImpl) applyWait(c *waitConfig) {
	f(c)
}

// WithConfig replaces the entire configuration. Options that follow it
// still apply.
func WithConfig(cfg Config) Option {
	return optionImpl(func(c *sessionConfig) error {
		if err := cfg.validate(); err != nil {
			return err
		}
		c.Config = cfg.clone()
		return nil
	})
}

// WithDebug enables (or disables) the default stderr debug logger.
func WithDebug(debug bool) Option {
	return optionImpl(func(c *sessionConfig) error {
		c.Debug = debug
		return nil
	})
}

// WithLogger sets the logger, overriding WithDebug.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return optionImpl(func(c *sessionConfig) error {
		c.Logger = logger
		return nil
	})
}

// WithDebugger sets the debugger executable.
func WithDebugger(path string) Option {
	return optionImpl(func(c *sessionConfig) error {
		if path == "" {
			return ErrNoCommand
		}
		c.Debugger = path
		return nil
	})
}

// WithTarget sets the executable scenarios run under.
func WithTarget(path string) Option {
	return optionImpl(func(c *sessionConfig) error {
		c.Target = path
		return nil
	})
}

// WithRuntimeFlags replaces the flags passed to the target executable.
func WithRuntimeFlags(flags ...string) Option {
	return optionImpl(func(c *sessionConfig) error {
		c.RuntimeFlags = append([]string(nil), flags...)
		return nil
	})
}

// WithPlugin sets the plugin directory and name.
func WithPlugin(dir, name string) Option {
	return optionImpl(func(c *sessionConfig) error {
		if name == "" {
			return errors.New("plugin name must not be empty")
		}
		c.PluginDir = dir
		c.PluginName = name
		return nil
	})
}

// WithFixturesDir sets the directory scenarios are resolved from.
func WithFixturesDir(dir string) Option {
	return optionImpl(func(c *sessionConfig) error {
		c.FixturesDir = dir
		return nil
	})
}

// WithEnv appends environment variables, in "KEY=value" form.
func WithEnv(env ...string) Option {
	return optionImpl(func(c *sessionConfig) error {
		c.Env = append(c.Env, env...)
		return nil
	})
}

// WithDir sets the working directory of the debugger.
func WithDir(dir string) Option {
	return optionImpl(func(c *sessionConfig) error {
		c.Dir = dir
		return nil
	})
}

// WithDefaultTimeout sets the timeout used by waits that do not specify one.
// Zero waits forever.
func WithDefaultTimeout(d time.Duration) Option {
	return optionImpl(func(c *sessionConfig) error {
		if d < 0 {
			return fmt.Errorf("timeout must not be negative: %s", d)
		}
		c.Timeout = d
		return nil
	})
}

// WithCheckInterval sets how often wait timeouts are checked.
func WithCheckInterval(d time.Duration) Option {
	return optionImpl(func(c *sessionConfig) error {
		if d <= 0 {
			return fmt.Errorf("check interval must be positive: %s", d)
		}
		c.CheckInterval = d
		return nil
	})
}

// WithRangesFile passes a memory ranges file to the plugin, via the
// configured environment variable.
func WithRangesFile(path string) Option {
	return optionImpl(func(c *sessionConfig) error {
		c.rangesFile = path
		return nil
	})
}

// WithRangesScript overrides the script used by [GenerateRanges].
func WithRangesScript(path string) Option {
	return optionImpl(func(c *sessionConfig) error {
		c.RangesScript = path
		return nil
	})
}

// WithPTY attaches the debugger's input and primary output to a pseudo
// terminal, instead of pipes. The diagnostic channel remains a pipe.
func WithPTY(enabled bool) Option {
	return optionImpl(func(c *sessionConfig) error {
		c.PTY = enabled
		return nil
	})
}

// WithFailureHandler registers fn to receive every wait timeout, in addition
// to the wait's own callback. Passing testing.TB.Error is typical.
func WithFailureHandler(fn func(error)) Option {
	return optionImpl(func(c *sessionConfig) error {
		c.failure = fn
		return nil
	})
}

// WithTimeout overrides the stream's default timeout for one wait. Zero
// waits forever.
func WithTimeout(d time.Duration) WaitOption {
	return waitOptionImpl(func(c *waitConfig) {
		c.timeout = max(d, 0)
		c.hasTimeout = true
	})
}

func resolveOptions(opts []Option) (*sessionConfig, error) {
	cfg := &sessionConfig{Config: DefaultConfig()}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applySession(cfg); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}
	return cfg, nil
}

func resolveWaitOptions(defaultTimeout time.Duration, opts []WaitOption) waitConfig {
	var cfg waitConfig
	for _, opt := range opts {
		if opt != nil {
			opt.applyWait(&cfg)
		}
	}
	if !cfg.hasTimeout {
		cfg.timeout = defaultTimeout
	}
	return cfg
}
