//go:build unix

package dispatcher

import (
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// isolateProcessGroup starts the client as the leader of a new process group so a
// timeout can take down every helper it spawned.
func isolateProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func killProcessGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil || cmd.Process.Pid <= 0 {
		return nil
	}
	if err := unix.Kill(-cmd.Process.Pid, unix.SIGKILL); err != nil && err != unix.ESRCH {
		return cmd.Process.Kill()
	}
	return nil
}
