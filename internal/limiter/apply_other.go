//go:build !linux

package limiter

import (
	"errors"
	"runtime"

	"github.com/sakif/snippetbox/internal/apperror"
)

// Supported reports whether Apply can enforce limits on this host.
func Supported() bool { return false }

// Apply always fails outside Linux: there is no prlimit(2) to bound an
// already-started child, and running untrusted code unbounded is not an option.
func Apply(pid int, limits Limits, kind MemoryKind) error {
	return apperror.Limiter("resource limits are not supported on "+runtime.GOOS, errors.ErrUnsupported)
}
