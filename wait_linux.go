package dbgtest

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

// awaitExit blocks until p has exited, without reaping it, so its pid stays
// reserved until the caller waits on it.
func awaitExit(p *os.Process) error {
	var info unix.Siginfo
	for {
		err := unix.Waitid(unix.P_PID, p.Pid, &info, unix.WEXITED|unix.WNOWAIT, nil)
		if !errors.Is(err, unix.EINTR) {
			return err
		}
	}
}
