//go:build !unix

package runner

import (
	"os"
	"os/exec"
	"syscall"
)

// No SIGXCPU outside unix; use a value no real signal matches.
const sigXCPU = syscall.Signal(-1)

func setProcessGroup(*exec.Cmd) {}

func killGroup(pid int) {
	if p, err := os.FindProcess(pid); err == nil {
		_ = p.Kill()
	}
}
