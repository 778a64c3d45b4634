package docker

import (
	"github.com/sakif/snippetbox/internal/limiter"
	"github.com/sakif/snippetbox/internal/runner"
)

// Config holds the configuration for container execution.
type Config struct {
	// Defaults are the limits pre-warmed containers are created with.
	// Requests with other limits get a one-off container.
	Defaults limiter.Limits
	// CPULimit is the number of CPUs a container can use.
	CPULimit float64
	// PidsLimit bounds the number of processes inside a container.
	PidsLimit int64
	// PoolSize is the number of pre-warmed containers kept per image.
	PoolSize int
	// MaxOutputBytes caps each captured stream.
	MaxOutputBytes int
}

// DefaultConfig mirrors the host runner's defaults.
func DefaultConfig() Config {
	return Config{
		Defaults:       limiter.DefaultLimits(),
		CPULimit:       0.5,
		PidsLimit:      64,
		PoolSize:       2,
		MaxOutputBytes: runner.DefaultMaxOutputBytes,
	}
}
