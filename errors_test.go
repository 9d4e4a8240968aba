package dbgtest

import (
	"errors"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTimeoutError(t *testing.T) {
	err := &TimeoutError{
		Stream:  "stdout",
		Pattern: `Process \d+ stopped`,
		Lines:   []string{"(lldb) run", "Process 1 launched"},
		Timeout: 300 * time.Millisecond,
	}
	assert.Equal(t, "dbgtest: timeout of 300ms waiting for /Process \\d+ stopped/ on stdout, observed 2 line(s):\n  (lldb) run\n  Process 1 launched", err.Error())
	assert.ErrorIs(t, err, ErrTimeout)
	assert.NotErrorIs(t, err, ErrSessionKilled)

	err = &TimeoutError{Pattern: "x", Timeout: time.Second}
	assert.Equal(t, "dbgtest: timeout of 1s waiting for /x/, no lines observed", err.Error())
}

func TestRangesError(t *testing.T) {
	err := &RangesError{Script: "readelf2segments.py", Core: "core.1", ExitCode: 1, Err: &exec.ExitError{}}
	assert.Equal(t, `dbgtest: failed to generate ranges for "core.1": readelf2segments.py exited with status 1`, err.Error())

	cause := errors.New("boom")
	err = &RangesError{Script: "s", Core: "c", Err: cause}
	assert.Equal(t, `dbgtest: failed to generate ranges for "c": boom`, err.Error())
	assert.ErrorIs(t, err, cause)
}
