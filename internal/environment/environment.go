// Package environment provisions the directories snippets run in and removes
// them afterwards.
//
// Two kinds of environment exist:
//
//	<workspace>/ephemeral/<uuid>/              one per request, deleted after it runs
//	<workspace>/shared/<language>/venv/        long-lived, reused so installed
//	                                           packages are paid for once
//	<workspace>/shared/<language>/runs/<uuid>/ a shared request's working
//	                                           directory, deleted after it runs
//
// A shared environment's package set is only mutated while its mutex is held,
// and that mutex is released before the snippet runs.
package environment

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/google/uuid"
)

// Kind selects the provisioning strategy.
type Kind int

const (
	Ephemeral Kind = iota
	SharedCached
)

func (k Kind) String() string {
	if k == SharedCached {
		return "shared"
	}
	return "ephemeral"
}

// ParseKind accepts "ephemeral" and "shared".
func ParseKind(s string) (Kind, error) {
	switch s {
	case "ephemeral":
		return Ephemeral, nil
	case "shared":
		return SharedCached, nil
	}
	return Ephemeral, fmt.Errorf("environment: unknown kind %q", s)
}

// Environment is the per-request view of an execution context. Root is
// always private to the request; SharedCached requests share only the
// Interpreter and the packages installed behind it.
type Environment struct {
	Kind Kind
	Root string

	// Interpreter overrides the runner spec's interpreter when packages were
	// installed into a virtualenv. Empty means "use the default".
	Interpreter string
	Installed   []string

	// Keep preserves the environment's files after execution for debugging.
	Keep bool

	mu        sync.Mutex
	artifacts []string
}

// Materialize writes source to a uniquely named file inside Root and
// registers it for cleanup.
func (e *Environment) Materialize(ext, source string) (string, error) {
	path := filepath.Join(e.Root, "snippet-"+uuid.NewString()+ext)

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", fmt.Errorf("environment: creating snippet file: %w", err)
	}
	e.track(path)

	if _, err := f.WriteString(source); err != nil {
		f.Close()
		return "", fmt.Errorf("environment: writing snippet file: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("environment: closing snippet file: %w", err)
	}
	return path, nil
}

// Artifacts returns the files written into the environment for this request.
func (e *Environment) Artifacts() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.artifacts)
}

func (e *Environment) track(path string) {
	e.mu.Lock()
	e.artifacts = append(e.artifacts, path)
	e.mu.Unlock()
}
