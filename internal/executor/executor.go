// Package executor is the single entry point for running a snippet. It
// validates the request, picks an environment strategy, bounds concurrency,
// and guarantees exactly one well-formed result per call.
package executor

import (
	"context"

	"github.com/sakif/snippetbox/internal/environment"
	"github.com/sakif/snippetbox/internal/model"
)

// Executor runs snippets. Execute never returns an error and never panics:
// every failure is reported through the result's status.
type Executor interface {
	Execute(ctx context.Context, req model.ExecutionRequest) model.ExecutionResult
}

// Provisioner prepares and releases execution environments.
type Provisioner interface {
	Provision(ctx context.Context, req model.ExecutionRequest, kind environment.Kind) (*environment.Environment, error)
	Cleanup(env *environment.Environment)
}
