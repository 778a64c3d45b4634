package environment

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/sakif/snippetbox/internal/apperror"
	"github.com/sakif/snippetbox/internal/metrics"
)

// Shared is a long-lived environment reused across requests. Its package set
// only grows, and is only read or changed while mu is held.
//
// Layout under root:
//
//	venv/         the virtualenv every request runs with
//	runs/<uuid>/  one private working directory per request
//
// A request never runs inside root itself: its working directory, HOME and
// TMPDIR all point at its own run directory, which Cleanup removes.
type Shared struct {
	root      string
	installer Installer
	logger    *slog.Logger

	mu          sync.Mutex
	interpreter string
	installed   map[string]struct{}
}

func newShared(root string, installer Installer, logger *slog.Logger) *Shared {
	return &Shared{
		root:      root,
		installer: installer,
		logger:    logger,
		installed: make(map[string]struct{}),
	}
}

// Root returns the shared directory.
func (s *Shared) Root() string { return s.root }

// Ensure makes pkgs available in the shared environment, installing only
// those not already present, and returns a per-request handle onto it.
// The lock is released before Ensure returns, so callers never execute
// while holding it.
func (s *Shared) Ensure(ctx context.Context, pkgs []string) (*Environment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Join(s.root, runsDir), 0o755); err != nil {
		return nil, apperror.Provision("creating shared environment", err)
	}

	// A snippet runs as the same user as the server and may have removed
	// or replaced the interpreter since the last request.
	if s.interpreter != "" && !executable(s.interpreter) {
		s.logger.Warn("shared interpreter is gone, recreating virtualenv",
			slog.String("interpreter", s.interpreter),
		)
		s.interpreter = ""
		clear(s.installed)
	}

	missing := s.missing(pkgs)
	if len(missing) > 0 && s.interpreter == "" {
		if err := s.openVenv(ctx); err != nil {
			return nil, err
		}
		// Seeding from pip may have satisfied some of them already.
		missing = s.missing(pkgs)
	}

	if len(missing) > 0 {
		if err := s.installer.Install(ctx, s.interpreter, missing); err != nil {
			metrics.PackageInstalls.WithLabelValues(SharedCached.String(), "failure").Inc()
			return nil, apperror.Provision("installing packages into shared environment", err)
		}
		metrics.PackageInstalls.WithLabelValues(SharedCached.String(), "success").Inc()
		for _, p := range missing {
			s.installed[NormalizePackage(p)] = struct{}{}
		}
		s.logger.Info("shared environment updated",
			slog.String("root", s.root),
			slog.String("installed", strings.Join(missing, ",")),
		)
	}

	run := filepath.Join(s.root, runsDir, uuid.NewString())
	if err := os.Mkdir(run, 0o755); err != nil {
		return nil, apperror.Provision("creating shared run directory", err)
	}

	return &Environment{
		Kind:        SharedCached,
		Root:        run,
		Interpreter: s.interpreter,
		Installed:   s.installedLocked(),
	}, nil
}

func executable(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular() && info.Mode().Perm()&0o111 != 0
}

// Installed returns the normalized names of packages known to be present.
func (s *Shared) Installed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.installedLocked()
}

func (s *Shared) installedLocked() []string {
	names := make([]string, 0, len(s.installed))
	for name := range s.installed {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func (s *Shared) missing(pkgs []string) []string {
	var out []string
	seen := make(map[string]struct{}, len(pkgs))
	for _, p := range pkgs {
		key := NormalizePackage(p)
		if _, ok := s.installed[key]; ok {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, p)
	}
	return out
}

// openVenv reuses a virtualenv left by a previous process or creates one.
// Caller holds s.mu.
func (s *Shared) openVenv(ctx context.Context) error {
	dir := filepath.Join(s.root, venvDir)
	python := filepath.Join(dir, "bin", "python")

	if executable(python) {
		names, err := s.installer.List(ctx, python)
		if err == nil {
			for _, n := range names {
				s.installed[n] = struct{}{}
			}
			s.interpreter = python
			s.logger.Info("reusing shared virtualenv",
				slog.String("path", dir),
				slog.Int("packages", len(names)),
			)
			return nil
		}
		s.logger.Warn("shared virtualenv unusable, recreating",
			slog.String("path", dir),
			slog.String("error", err.Error()),
		)
	}

	if err := os.RemoveAll(dir); err != nil {
		return apperror.Provision("removing broken shared virtualenv", err)
	}
	interpreter, err := s.installer.CreateVenv(ctx, dir)
	if err != nil {
		_ = os.RemoveAll(dir)
		return apperror.Provision("creating shared virtualenv", err)
	}
	s.interpreter = interpreter
	return nil
}
