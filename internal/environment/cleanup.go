package environment

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sakif/snippetbox/internal/metrics"
)

// Cleanup releases what a request left in env. It never fails: removal
// errors are logged and counted. Calling it more than once is harmless.
//
// Ephemeral environments are removed entirely. For shared environments the
// request's run directory is removed and the virtualenv is left alone.
func (p *Provisioner) Cleanup(env *Environment) {
	if env == nil {
		return
	}
	if env.Keep {
		p.logger.Info("keeping execution artifacts",
			slog.String("kind", env.Kind.String()),
			slog.String("root", env.Root),
			slog.Int("artifacts", len(env.Artifacts())),
		)
		return
	}

	if !p.owns(env) {
		p.logger.Error("refusing to remove directory outside the workspace",
			slog.String("kind", env.Kind.String()),
			slog.String("root", env.Root),
		)
		metrics.CleanupFailures.Inc()
		return
	}
	p.remove(env.Root, os.RemoveAll)
}

func (p *Provisioner) remove(path string, rm func(string) error) {
	if err := rm(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		metrics.CleanupFailures.Inc()
		p.logger.Warn("cleanup failed",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
	}
}

// owns reports whether env.Root is a per-request directory this provisioner
// created: <workspace>/ephemeral/<id> or <workspace>/shared/<lang>/runs/<id>.
func (p *Provisioner) owns(env *Environment) bool {
	base := filepath.Join(p.workspace, ephemeralDir)
	if env.Kind == SharedCached {
		base = filepath.Join(p.workspace, sharedDir)
	}
	rel, err := filepath.Rel(base, filepath.Clean(env.Root))
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return false
	}
	parts := strings.Split(rel, string(filepath.Separator))
	if env.Kind == SharedCached {
		return len(parts) == 3 && parts[1] == runsDir
	}
	return len(parts) == 1
}

// Sweep removes per-request directories older than maxAge, typically left
// behind by a process that crashed mid-execution. It returns the number of
// directories removed.
func (p *Provisioner) Sweep(maxAge time.Duration) (int, error) {
	bases := []string{filepath.Join(p.workspace, ephemeralDir)}
	runs, err := filepath.Glob(filepath.Join(p.workspace, sharedDir, "*", runsDir))
	if err != nil {
		return 0, fmt.Errorf("environment: listing shared run directories: %w", err)
	}
	bases = append(bases, runs...)

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, base := range bases {
		n, err := p.sweepDir(base, cutoff)
		if err != nil {
			return removed, err
		}
		removed += n
	}

	if removed > 0 {
		p.logger.Info("swept stale environments", slog.Int("removed", removed))
	}
	return removed, nil
}

func (p *Provisioner) sweepDir(base string, cutoff time.Time) (int, error) {
	entries, err := os.ReadDir(base)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("environment: reading %s: %w", base, err)
	}

	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(base, entry.Name())
		if err := os.RemoveAll(path); err != nil {
			metrics.CleanupFailures.Inc()
			p.logger.Warn("sweep failed",
				slog.String("path", path),
				slog.String("error", err.Error()),
			)
			continue
		}
		removed++
	}
	return removed, nil
}
