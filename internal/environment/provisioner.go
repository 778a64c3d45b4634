package environment

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/sakif/snippetbox/internal/apperror"
	"github.com/sakif/snippetbox/internal/metrics"
	"github.com/sakif/snippetbox/internal/model"
)

const (
	ephemeralDir = "ephemeral"
	sharedDir    = "shared"
	venvDir      = "venv"
	runsDir      = "runs"
)

// Provisioner creates execution environments under a single workspace root.
// It is safe for concurrent use.
type Provisioner struct {
	workspace string
	installer Installer
	logger    *slog.Logger

	mu     sync.Mutex
	shared map[model.Language]*Shared
}

// NewProvisioner prepares the workspace layout. The workspace may be empty
// or left over from a previous run.
func NewProvisioner(workspace string, installer Installer, logger *slog.Logger) (*Provisioner, error) {
	abs, err := filepath.Abs(workspace)
	if err != nil {
		return nil, fmt.Errorf("environment: resolving workspace: %w", err)
	}
	for _, dir := range []string{ephemeralDir, sharedDir} {
		if err := os.MkdirAll(filepath.Join(abs, dir), 0o755); err != nil {
			return nil, fmt.Errorf("environment: creating %s: %w", dir, err)
		}
	}
	return &Provisioner{
		workspace: abs,
		installer: installer,
		logger:    logger,
		shared:    make(map[model.Language]*Shared),
	}, nil
}

// Workspace returns the absolute workspace root.
func (p *Provisioner) Workspace() string { return p.workspace }

// Provision returns an environment for req. Nothing is written for the
// snippet itself; that is the runner's job.
func (p *Provisioner) Provision(ctx context.Context, req model.ExecutionRequest, kind Kind) (*Environment, error) {
	if err := ValidatePackages(req.Packages); err != nil {
		return nil, err
	}

	var (
		env *Environment
		err error
	)
	switch kind {
	case SharedCached:
		env, err = p.Shared(req.Language).Ensure(ctx, req.Packages)
	default:
		env, err = p.ephemeral(ctx, req.Packages)
	}
	if err != nil {
		return nil, err
	}
	env.Keep = req.KeepArtifacts
	return env, nil
}

// Shared returns the shared environment for lang, creating its handle on
// first use. The directory itself is created lazily by Ensure.
func (p *Provisioner) Shared(lang model.Language) *Shared {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, ok := p.shared[lang]
	if !ok {
		root := filepath.Join(p.workspace, sharedDir, string(lang))
		s = newShared(root, p.installer, p.logger.With(slog.String("language", string(lang))))
		p.shared[lang] = s
	}
	return s
}

// Preinstall warms the shared environment for lang with pkgs.
func (p *Provisioner) Preinstall(ctx context.Context, lang model.Language, pkgs []string) error {
	if len(pkgs) == 0 {
		return nil
	}
	if err := ValidatePackages(pkgs); err != nil {
		return err
	}
	_, err := p.Shared(lang).Ensure(ctx, pkgs)
	return err
}

func (p *Provisioner) ephemeral(ctx context.Context, pkgs []string) (*Environment, error) {
	root := filepath.Join(p.workspace, ephemeralDir, uuid.NewString())
	// Mkdir, not MkdirAll: an existing directory means a collision.
	if err := os.Mkdir(root, 0o755); err != nil {
		return nil, apperror.Provision("creating ephemeral environment", err)
	}

	env := &Environment{Kind: Ephemeral, Root: root}
	if len(pkgs) == 0 {
		return env, nil
	}

	interpreter, err := p.installer.CreateVenv(ctx, filepath.Join(root, venvDir))
	if err == nil {
		err = p.installer.Install(ctx, interpreter, pkgs)
	}
	if err != nil {
		metrics.PackageInstalls.WithLabelValues(Ephemeral.String(), "failure").Inc()
		if rmErr := os.RemoveAll(root); rmErr != nil {
			p.logger.Warn("removing failed ephemeral environment",
				slog.String("root", root),
				slog.String("error", rmErr.Error()),
			)
		}
		return nil, apperror.Provision("installing packages into ephemeral environment", err)
	}
	metrics.PackageInstalls.WithLabelValues(Ephemeral.String(), "success").Inc()

	env.Interpreter = interpreter
	for _, pkg := range pkgs {
		env.Installed = append(env.Installed, NormalizePackage(pkg))
	}
	return env, nil
}
