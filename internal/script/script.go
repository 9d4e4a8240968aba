// Package script runs sequences of debugger commands and expectations,
// loaded from TOML, against a session.
//
// A script is a list of steps:
//
//	[[step]]
//	name = "backtrace"
//	send = "v8 bt"
//	lines_until = "crashInner"
//	timeout = "10s"
//
//	[[step]]
//	stream = "stderr"
//	expect = "warning"
//
// Each step may send a command, then wait on one stream for a line matching
// expect, for every line up to and including a match of lines_until, or for
// the inferior to stop (process_break). The wait is registered before the
// command is sent, so none of its output is missed.
package script

import (
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joeycumines/go-dbgtest"
)

const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
)

// Script is a decoded step file.
type Script struct {
	Steps []*Step `toml:"step"`
}

// Step is one send and/or wait.
type Step struct {
	pattern *regexp.Regexp

	Name       string        `toml:"name"`
	Send       string        `toml:"send"`
	Expect     string        `toml:"expect"`
	LinesUntil string        `toml:"lines_until"`
	Stream     string        `toml:"stream"`
	Timeout    time.Duration `toml:"timeout"`

	ProcessBreak bool `toml:"process_break"`
}

// Load reads and validates a script file.
func Load(path string) (*Script, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	s, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

// Parse decodes and validates a script.
func Parse(r io.Reader) (*Script, error) {
	var s Script
	md, err := toml.NewDecoder(r).Decode(&s)
	if err != nil {
		return nil, fmt.Errorf("failed to decode script: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return nil, fmt.Errorf("unknown script key: %s", undecoded[0])
	}
	if len(s.Steps) == 0 {
		return nil, errors.New("script has no steps")
	}
	for i, step := range s.Steps {
		if err := step.compile(); err != nil {
			return nil, fmt.Errorf("step %d: %w", i+1, err)
		}
	}
	return &s, nil
}

func (x *Step) compile() error {
	var (
		expr  string
		waits int
	)
	if x.Expect != "" {
		expr = x.Expect
		waits++
	}
	if x.LinesUntil != "" {
		expr = x.LinesUntil
		waits++
	}
	if x.ProcessBreak {
		x.pattern = dbgtest.StoppedPattern
		waits++
	}
	switch {
	case waits > 1:
		return errors.New("only one of expect, lines_until or process_break may be set")
	case waits == 0 && x.Send == "":
		return errors.New("step does nothing")
	}
	switch x.Stream {
	case "":
		x.Stream = StreamStdout
	case StreamStdout, StreamStderr:
	default:
		return fmt.Errorf("unknown stream %q", x.Stream)
	}
	if x.Timeout < 0 {
		return fmt.Errorf("timeout must not be negative: %s", x.Timeout)
	}
	if expr != "" {
		re, err := regexp.Compile(expr)
		if err != nil {
			return err
		}
		x.pattern = re
	}
	return nil
}

// String describes the step, for logs and errors.
func (x *Step) String() string {
	if x.Name != "" {
		return x.Name
	}
	if x.Send != "" {
		return fmt.Sprintf("send %q", x.Send)
	}
	if x.pattern != nil {
		return fmt.Sprintf("wait /%s/ on %s", x.pattern, x.Stream)
	}
	return "step"
}
