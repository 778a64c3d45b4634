//go:build unix

package runner

import (
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

const sigXCPU = syscall.SIGXCPU

// setProcessGroup makes the child lead a new process group so the whole
// tree can be signalled at once.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// killGroup sends SIGKILL to every process in the group led by pid.
func killGroup(pid int) {
	_ = unix.Kill(-pid, unix.SIGKILL)
}
