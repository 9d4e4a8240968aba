package dbgtest

import (
	"os"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestAwaitExit_DoesNotReap(t *testing.T) {
	cmd := exec.Command(os.Args[0])
	cmd.Env = append(os.Environ(), "GO_TEST_MODE=helper")
	require.NoError(t, cmd.Start())

	require.NoError(t, awaitExit(cmd.Process))

	// still a zombie, so the pid cannot have been reused
	require.NoError(t, unix.Kill(cmd.Process.Pid, 0))

	require.NoError(t, cmd.Wait())
	assert.True(t, cmd.ProcessState.Success())
}
