package environment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/sakif/snippetbox/internal/apperror"
)

// Installer creates package environments and installs packages into them.
type Installer interface {
	// CreateVenv creates a virtualenv at dir and returns its interpreter path.
	CreateVenv(ctx context.Context, dir string) (string, error)
	// Install installs pkgs using the given interpreter.
	Install(ctx context.Context, interpreter string, pkgs []string) error
	// List returns the normalized names of packages already installed.
	List(ctx context.Context, interpreter string) ([]string, error)
}

// packagePattern accepts a PEP 508 distribution name with an optional
// "==version" pin. Anything else (URLs, paths, leading dashes) is rejected so a
// package name can never become a pip option.
var packagePattern = regexp.MustCompile(`^[A-Za-z0-9](?:[A-Za-z0-9._-]*[A-Za-z0-9])?(?:==[A-Za-z0-9][A-Za-z0-9.+!*-]*)?$`)

const maxPackageNameLength = 128

// ValidatePackages rejects package specifiers that are not plain names.
func ValidatePackages(pkgs []string) error {
	for _, p := range pkgs {
		if len(p) > maxPackageNameLength || !packagePattern.MatchString(p) {
			return apperror.ValidationFailed("requested_packages", fmt.Sprintf("invalid package name %q", p))
		}
	}
	return nil
}

// NormalizePackage lowercases a package name and folds runs of "-", "_" and
// "." to "-" (PEP 503), so "Pillow" and "pillow" count as one install.
// A version pin stays part of the key.
func NormalizePackage(p string) string {
	name, version, pinned := strings.Cut(p, "==")
	name = strings.ToLower(name)
	name = separatorRun.ReplaceAllString(name, "-")
	if pinned {
		return name + "==" + version
	}
	return name
}

var separatorRun = regexp.MustCompile(`[-_.]+`)

// PipInstaller drives python's venv module and pip.
type PipInstaller struct {
	// Python is the base interpreter used to create virtualenvs.
	Python   string
	IndexURL string
	Timeout  time.Duration
	Logger   *slog.Logger
}

// NewPipInstaller returns an installer using python3 from PATH.
func NewPipInstaller(logger *slog.Logger) *PipInstaller {
	return &PipInstaller{
		Python:  "python3",
		Timeout: 5 * time.Minute,
		Logger:  logger,
	}
}

func (p *PipInstaller) CreateVenv(ctx context.Context, dir string) (string, error) {
	if _, err := p.run(ctx, p.Python, "-m", "venv", dir); err != nil {
		return "", fmt.Errorf("environment: creating virtualenv at %s: %w", dir, err)
	}
	return filepath.Join(dir, "bin", "python"), nil
}

func (p *PipInstaller) Install(ctx context.Context, interpreter string, pkgs []string) error {
	if len(pkgs) == 0 {
		return nil
	}
	args := []string{"-m", "pip", "install", "--disable-pip-version-check", "--no-input", "--quiet"}
	if p.IndexURL != "" {
		args = append(args, "--index-url", p.IndexURL)
	}
	args = append(args, pkgs...)

	p.Logger.Info("installing packages",
		slog.String("interpreter", interpreter),
		slog.String("packages", strings.Join(pkgs, ",")),
	)
	if _, err := p.run(ctx, interpreter, args...); err != nil {
		return fmt.Errorf("environment: pip install %s: %w", strings.Join(pkgs, " "), err)
	}
	return nil
}

func (p *PipInstaller) List(ctx context.Context, interpreter string) ([]string, error) {
	out, err := p.run(ctx, interpreter, "-m", "pip", "list", "--format=json", "--disable-pip-version-check")
	if err != nil {
		return nil, fmt.Errorf("environment: listing packages: %w", err)
	}

	var entries []struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(out, &entries); err != nil {
		return nil, fmt.Errorf("environment: parsing pip list output: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, NormalizePackage(e.Name))
	}
	return names, nil
}

func (p *PipInstaller) run(ctx context.Context, name string, args ...string) ([]byte, error) {
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if len(msg) > 2048 {
			msg = msg[len(msg)-2048:]
		}
		if msg != "" {
			return nil, fmt.Errorf("%w: %s", err, msg)
		}
		return nil, err
	}
	return stdout.Bytes(), nil
}
