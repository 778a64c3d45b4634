package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/sakif/snippetbox/internal/config"
	"github.com/sakif/snippetbox/internal/environment"
	"github.com/sakif/snippetbox/internal/executor"
	"github.com/sakif/snippetbox/internal/language"
	"github.com/sakif/snippetbox/internal/limiter"
	"github.com/sakif/snippetbox/internal/model"
	"github.com/sakif/snippetbox/internal/runner"
	"github.com/sakif/snippetbox/internal/runner/docker"
)

// Runtime is the execution stack: registry, provisioner, runner backend and
// dispatcher. The HTTP server and the CLI both build one.
type Runtime struct {
	Registry    *language.Registry
	Provisioner *environment.Provisioner
	Dispatcher  *executor.Dispatcher

	// ping checks the runner backend; nil when there is nothing to reach.
	ping    func(ctx context.Context) error
	closers []func() error
}

// NewRuntime wires the execution stack described by cfg. With the docker
// backend it pulls images and pre-warms containers before returning.
func NewRuntime(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Runtime, error) {
	registry := language.NewRegistry()

	installer := environment.NewPipInstaller(logger)
	installer.IndexURL = cfg.Runner.PipIndexURL

	prov, err := environment.NewProvisioner(cfg.Workspace.Dir, installer, logger)
	if err != nil {
		return nil, err
	}

	rt := &Runtime{Registry: registry, Provisioner: prov}
	policy := cfg.Policy()

	var backend runner.Runner
	switch cfg.Runner.Backend {
	case config.BackendDocker:
		dr, err := docker.New(docker.Config{
			Defaults:       policy.Defaults,
			CPULimit:       cfg.Runner.Docker.CPULimit,
			PidsLimit:      cfg.Runner.Docker.PidsLimit,
			PoolSize:       cfg.Runner.Docker.PoolSize,
			MaxOutputBytes: cfg.Runner.MaxOutputBytes,
		}, registry.List(), logger)
		if err != nil {
			return nil, fmt.Errorf("starting docker runner: %w", err)
		}
		rt.ping = dr.Ping
		rt.closers = append(rt.closers, dr.Close)
		backend = dr
	default:
		if !limiter.Supported() {
			logger.Warn("resource limits are unavailable on this host; every execution will fail setup")
		}
		backend = runner.NewProcessRunner(runner.Options{MaxOutputBytes: cfg.Runner.MaxOutputBytes}, logger)
	}

	strategies, err := cfg.Strategies()
	if err != nil {
		rt.Close()
		return nil, err
	}

	rt.Dispatcher = executor.NewDispatcher(registry, prov, backend, executor.Options{
		PoolSize:       cfg.Runner.PoolSize,
		QueueTimeout:   cfg.Runner.QueueTimeout,
		MaxSourceBytes: cfg.Runner.MaxSourceBytes,
		MaxPackages:    cfg.Runner.MaxPackages,
		Strategies:     strategies,
		Policy:         policy,
	}, logger)

	if len(cfg.Runner.Preinstall) > 0 && backend.SupportsHostPackages() {
		if err := prov.Preinstall(ctx, model.Python, cfg.Runner.Preinstall); err != nil {
			logger.Error("preinstalling shared packages failed", slog.String("error", err.Error()))
		}
	}

	return rt, nil
}

// Ping reports whether the workspace and runner backend are usable.
func (rt *Runtime) Ping(ctx context.Context) error {
	if _, err := os.Stat(rt.Provisioner.Workspace()); err != nil {
		return err
	}
	if rt.ping != nil {
		return rt.ping(ctx)
	}
	return nil
}

// Close releases backend resources.
func (rt *Runtime) Close() error {
	var errs []error
	for _, c := range rt.closers {
		errs = append(errs, c())
	}
	rt.closers = nil
	return errors.Join(errs...)
}
