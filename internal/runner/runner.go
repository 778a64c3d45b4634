// Package runner spawns snippets as child processes and supervises them
// until they exit or run out of time.
//
// On the host every snippet runs under a small supervisor, which is this
// binary re-executed:
//
//	server
//	  └─ supervisor   own process group, child subreaper, owns the wall clock
//	       └─ stage   installs rlimits on itself, then execs the interpreter
//	            └─ snippet and anything it forks, setsid'd or not
//
// Orphans of the snippet are reparented to the supervisor rather than to
// init, so it can find and kill all of them before it reports back.
// Binaries that use a ProcessRunner must call Init first thing in main.
package runner

import (
	"context"
	"log/slog"
	"time"

	"github.com/sakif/snippetbox/internal/environment"
	"github.com/sakif/snippetbox/internal/language"
	"github.com/sakif/snippetbox/internal/limiter"
	"github.com/sakif/snippetbox/internal/model"
)

// Runner executes one request inside a provisioned environment. It always
// returns a result; failures before the snippet starts are SetupErrors.
type Runner interface {
	Run(ctx context.Context, req model.ExecutionRequest, spec language.RunnerSpec, env *environment.Environment, limits limiter.Limits) model.ExecutionResult
	// SupportsHostPackages reports whether packages installed into a host
	// environment are visible to the snippet.
	SupportsHostPackages() bool
}

// DefaultMaxOutputBytes caps each of stdout and stderr.
const DefaultMaxOutputBytes = 1 << 20

// Options configures a ProcessRunner.
type Options struct {
	// MaxOutputBytes caps each captured stream. Zero means DefaultMaxOutputBytes.
	MaxOutputBytes int
	// Path is the PATH given to snippets. Empty uses a fixed system default.
	Path string
	// DrainTimeout bounds how long output is read after the supervisor
	// exits. It is also the grace the supervisor gets past the wall clock
	// before its process group is killed from outside.
	DrainTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxOutputBytes <= 0 {
		o.MaxOutputBytes = DefaultMaxOutputBytes
	}
	if o.Path == "" {
		o.Path = "/usr/local/bin:/usr/bin:/bin"
	}
	if o.DrainTimeout <= 0 {
		o.DrainTimeout = 2 * time.Second
	}
	return o
}

// ProcessRunner runs snippets directly on the host under OS resource limits.
type ProcessRunner struct {
	opts   Options
	logger *slog.Logger
}

// NewProcessRunner returns a runner that enforces limits with limiter.Apply.
func NewProcessRunner(opts Options, logger *slog.Logger) *ProcessRunner {
	return &ProcessRunner{
		opts:   opts.withDefaults(),
		logger: logger,
	}
}

func (r *ProcessRunner) SupportsHostPackages() bool { return true }
