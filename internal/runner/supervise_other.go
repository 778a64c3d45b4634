//go:build !linux

package runner

import (
	"errors"
	"os/exec"
	"runtime"

	"github.com/sakif/snippetbox/internal/apperror"
)

// Supervision needs a child subreaper and /proc.
func supervisorCommand(launch) (*exec.Cmd, error) {
	return nil, apperror.Limiter("host execution is not supported on "+runtime.GOOS, errors.ErrUnsupported)
}

func supervise([]string) int { return 1 }

func stage([]string) int { return 1 }
