// Package language maps a language tag to the interpreter command that runs it.
package language

import (
	"sort"
	"sync"

	"github.com/sakif/snippetbox/internal/apperror"
	"github.com/sakif/snippetbox/internal/limiter"
	"github.com/sakif/snippetbox/internal/model"
)

// RunnerSpec describes how to run a snippet of one language.
type RunnerSpec struct {
	Language model.Language
	Name     string

	// Interpreter is the default executable; a provisioned environment may
	// substitute its own (e.g. a virtualenv's python).
	Interpreter string
	// Args are placed between the interpreter and the snippet path.
	Args      []string
	Extension string

	// SupportsPackages is true when the language can have packages
	// installed into its environment before running.
	SupportsPackages bool
	MemoryLimit      limiter.MemoryKind

	// Image is the container image used by the docker backend.
	Image string
}

// Command builds the argv for running the snippet at path. The path is a
// discrete argument: snippet content never reaches a shell command string.
func (s RunnerSpec) Command(interpreter, path string) []string {
	if interpreter == "" {
		interpreter = s.Interpreter
	}
	argv := make([]string, 0, len(s.Args)+2)
	argv = append(argv, interpreter)
	argv = append(argv, s.Args...)
	return append(argv, path)
}

// Registry is a concurrency-safe set of RunnerSpecs keyed by language.
type Registry struct {
	mu    sync.RWMutex
	specs map[model.Language]RunnerSpec
}

// NewRegistry returns a registry preloaded with python, bash and javascript.
func NewRegistry() *Registry {
	r := &Registry{
		specs: make(map[model.Language]RunnerSpec),
	}
	r.registerDefaults()
	return r
}

func (r *Registry) Register(spec RunnerSpec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.specs[spec.Language] = spec
}

// Resolve returns the spec for lang or an apperror.ErrUnsupportedLanguage.
func (r *Registry) Resolve(lang model.Language) (RunnerSpec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.specs[lang]
	if !ok {
		return RunnerSpec{}, apperror.UnsupportedLanguage(string(lang))
	}
	return spec, nil
}

// List returns all specs sorted by language tag.
func (r *Registry) List() []RunnerSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	specs := make([]RunnerSpec, 0, len(r.specs))
	for _, s := range r.specs {
		specs = append(specs, s)
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Language < specs[j].Language })
	return specs
}

func (r *Registry) registerDefaults() {
	r.Register(RunnerSpec{
		Language:         model.Python,
		Name:             "Python",
		Interpreter:      "python3",
		Args:             []string{"-u", "-B"},
		Extension:        ".py",
		SupportsPackages: true,
		MemoryLimit:      limiter.MemoryAddressSpace,
		Image:            "python:3.12-alpine",
	})

	r.Register(RunnerSpec{
		Language:    model.Bash,
		Name:        "Bash",
		Interpreter: "bash",
		Args:        []string{"--noprofile", "--norc"},
		Extension:   ".sh",
		MemoryLimit: limiter.MemoryAddressSpace,
		Image:       "bash:5.2",
	})

	// V8 reserves gigabytes of address space at startup, so node is bounded
	// by its data segment instead of RLIMIT_AS.
	r.Register(RunnerSpec{
		Language:    model.JavaScript,
		Name:        "JavaScript",
		Interpreter: "node",
		Extension:   ".js",
		MemoryLimit: limiter.MemoryData,
		Image:       "node:20-alpine",
	})
}
