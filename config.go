package dbgtest

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"
	"github.com/joeycumines/logiface"
)

const (
	// DefaultTimeout is the default per-wait timeout.
	DefaultTimeout = 15 * time.Second

	// DefaultCheckInterval is how often elapsed time is accumulated for an
	// active wait.
	DefaultCheckInterval = 100 * time.Millisecond

	// DefaultRangesEnvVar names the environment variable the plugin reads the
	// memory ranges file from.
	DefaultRangesEnvVar = "LLNODE_RANGESFILE"
)

// Config holds everything needed to launch and drive a debugger session.
// The zero value is not useful, start from [DefaultConfig] or
// [LoadConfigFile].
type Config struct {
	// Logger receives debug output, it takes precedence over Debug.
	Logger *logiface.Logger[logiface.Event] `toml:"-"`

	// Debugger is the debugger executable, e.g. "lldb".
	Debugger string `toml:"debugger"`
	// Target is the executable scenarios are run under, e.g. "node".
	Target string `toml:"target"`
	// PluginDir is the directory containing the debugger plugin.
	PluginDir string `toml:"plugin_dir"`
	// PluginName is the plugin file name, without the platform extension.
	PluginName string `toml:"plugin_name"`
	// FixturesDir is where scenario scripts are resolved from.
	FixturesDir string `toml:"fixtures_dir"`
	// TempDir is where temporary files (cores, ranges) are placed, defaulting
	// to os.TempDir.
	TempDir string `toml:"temp_dir"`
	// RangesEnvVar is the environment variable used to pass a ranges file.
	RangesEnvVar string `toml:"ranges_env_var"`
	// RangesScript generates a ranges file from a core, defaulting to a
	// platform specific script under ScriptsDir.
	RangesScript string `toml:"ranges_script"`
	// ScriptsDir holds helper scripts, resolving the default RangesScript
	// and relative dbgscript paths.
	ScriptsDir string `toml:"scripts_dir"`
	// Dir is the working directory of the debugger.
	Dir string `toml:"dir"`

	// RuntimeFlags are passed to Target, before the scenario path.
	RuntimeFlags []string `toml:"runtime_flags"`
	// Env is appended to the inherited environment.
	Env []string `toml:"env"`

	// Timeout is the default wait timeout, zero waits forever.
	Timeout time.Duration `toml:"timeout"`
	// CheckInterval is the granularity at which wait timeouts are checked.
	CheckInterval time.Duration `toml:"check_interval"`

	// Debug enables a stumpy logger on stderr, if Logger is unset.
	Debug bool `toml:"debug"`
	// PTY attaches the primary channel (and input) to a pseudo terminal.
	PTY bool `toml:"pty"`
}

// DefaultConfig returns the configuration used when no options are given.
func DefaultConfig() Config {
	return Config{
		Debugger:     "lldb",
		Target:       "node",
		PluginDir:    ".",
		PluginName:   "llnode",
		FixturesDir:  "testdata",
		RangesEnvVar: DefaultRangesEnvVar,
		ScriptsDir:   "scripts",
		RuntimeFlags: []string{
			"--abort_on_uncaught_exception",
			"--expose_externals",
		},
		Timeout:       DefaultTimeout,
		CheckInterval: DefaultCheckInterval,
	}
}

// LoadConfigFile decodes a TOML file onto [DefaultConfig]. Unknown keys are
// an error.
func LoadConfigFile(path string) (*Config, error) {
	cfg := DefaultConfig()
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to decode config %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("unknown config keys in %s: %s", path, strings.Join(keys, ", "))
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Timeout < 0 {
		return fmt.Errorf("timeout must not be negative: %s", c.Timeout)
	}
	if c.CheckInterval <= 0 {
		return fmt.Errorf("check interval must be positive: %s", c.CheckInterval)
	}
	return nil
}

func (c *Config) clone() Config {
	v := *c
	v.RuntimeFlags = slices.Clone(c.RuntimeFlags)
	v.Env = slices.Clone(c.Env)
	return v
}

// PluginPath returns the path of the debugger plugin for the host OS.
func (c *Config) PluginPath() string {
	return filepath.Join(c.PluginDir, c.PluginName+pluginExt(runtime.GOOS))
}

func pluginExt(goos string) string {
	switch goos {
	case "darwin", "ios":
		return ".dylib"
	case "windows":
		return ".dll"
	default:
		return ".so"
	}
}

// FixturePath resolves a scenario or fixture name. Absolute paths are
// returned unchanged.
func (c *Config) FixturePath(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(c.FixturesDir, name)
}

// TempPath returns a unique, not yet created, path in the temp directory.
func (c *Config) TempPath(prefix string) string {
	dir := c.TempDir
	if dir == "" {
		dir = os.TempDir()
	}
	return filepath.Join(dir, prefix+"-"+uuid.NewString())
}

// RangesScriptPath returns the script used by [GenerateRanges].
func (c *Config) RangesScriptPath() string {
	if c.RangesScript != "" {
		return c.RangesScript
	}
	return filepath.Join(c.ScriptsDir, rangesScriptName(runtime.GOOS))
}

func rangesScriptName(goos string) string {
	if goos == "darwin" {
		return "otool2segments.py"
	}
	return "readelf2segments.py"
}
