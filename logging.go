package dbgtest

import (
	"io"
	"os"
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

// lineLogRates bounds how many output lines are logged, per stream.
var lineLogRates = map[time.Duration]int{
	time.Second: 100,
	time.Minute: 1000,
}

// newDebugLogger returns a JSON logger at debug level.
func newDebugLogger(w io.Writer) *logiface.Logger[logiface.Event] {
	return stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(w)),
		stumpy.L.WithLevel(logiface.LevelDebug),
	).Logger()
}

func (c *sessionConfig) logger() *logiface.Logger[logiface.Event] {
	if c.Logger != nil {
		return c.Logger
	}
	if c.Debug {
		return newDebugLogger(os.Stderr)
	}
	return nil
}

// lineLogger debug logs output lines, dropping them once the rate limit for
// their stream is reached.
type lineLogger struct {
	logger     *logiface.Logger[logiface.Event]
	limiter    *catrate.Limiter
	suppressed map[string]int
}

func newLineLogger(logger *logiface.Logger[logiface.Event]) *lineLogger {
	return &lineLogger{
		logger:     logger,
		limiter:    catrate.NewLimiter(lineLogRates),
		suppressed: make(map[string]int),
	}
}

// log must only be called from the loop goroutine.
func (x *lineLogger) log(stream, line string) {
	if x == nil {
		return
	}
	b := x.logger.Debug()
	if !b.Enabled() {
		return
	}
	if _, ok := x.limiter.Allow(stream); !ok {
		x.suppressed[stream]++
		b.Release()
		return
	}
	b = b.Str(`stream`, stream).Str(`line`, line)
	if n := x.suppressed[stream]; n != 0 {
		b = b.Int(`suppressed`, n)
		delete(x.suppressed, stream)
	}
	b.Log(`output`)
}
