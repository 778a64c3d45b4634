package environment

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/snippetbox/internal/apperror"
	"github.com/sakif/snippetbox/internal/model"
)

// fakeInstaller records calls instead of running pip.
type fakeInstaller struct {
	mu        sync.Mutex
	installs  map[string]int
	venvs     atomic.Int32
	delay     time.Duration
	failWith  error
	preloaded []string
}

func newFakeInstaller() *fakeInstaller {
	return &fakeInstaller{installs: make(map[string]int)}
}

func (f *fakeInstaller) CreateVenv(_ context.Context, dir string) (string, error) {
	f.venvs.Add(1)
	python := filepath.Join(dir, "bin", "python")
	if err := os.MkdirAll(filepath.Dir(python), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(python, nil, 0o755); err != nil {
		return "", err
	}
	return python, nil
}

func (f *fakeInstaller) Install(_ context.Context, _ string, pkgs []string) error {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.failWith != nil {
		return f.failWith
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range pkgs {
		f.installs[NormalizePackage(p)]++
	}
	return nil
}

func (f *fakeInstaller) List(context.Context, string) ([]string, error) {
	return f.preloaded, nil
}

func (f *fakeInstaller) count(pkg string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.installs[pkg]
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestProvisioner(t *testing.T, inst Installer) *Provisioner {
	t.Helper()
	p, err := NewProvisioner(t.TempDir(), inst, testLogger())
	require.NoError(t, err)
	return p
}

func pythonRequest(pkgs ...string) model.ExecutionRequest {
	return model.ExecutionRequest{
		ID:       "req",
		Language: model.Python,
		Source:   "print(1)",
		Packages: pkgs,
	}
}

func TestNewProvisioner_CreatesLayout(t *testing.T) {
	p := newTestProvisioner(t, newFakeInstaller())

	for _, dir := range []string{ephemeralDir, sharedDir} {
		info, err := os.Stat(filepath.Join(p.Workspace(), dir))
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}

func TestProvision_EphemeralDirsAreUnique(t *testing.T) {
	p := newTestProvisioner(t, newFakeInstaller())

	const n = 50
	roots := make([]string, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			env, err := p.Provision(context.Background(), pythonRequest(), Ephemeral)
			if assert.NoError(t, err) {
				roots[i] = env.Root
			}
		}()
	}
	wg.Wait()

	seen := make(map[string]bool, n)
	for _, root := range roots {
		require.NotEmpty(t, root)
		assert.False(t, seen[root], "duplicate root %s", root)
		seen[root] = true
		assert.DirExists(t, root)
	}
}

func TestProvision_EphemeralWithPackagesGetsPrivateVenv(t *testing.T) {
	inst := newFakeInstaller()
	p := newTestProvisioner(t, inst)

	env, err := p.Provision(context.Background(), pythonRequest("NumPy"), Ephemeral)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(env.Root, venvDir, "bin", "python"), env.Interpreter)
	assert.Equal(t, []string{"numpy"}, env.Installed)
	assert.Equal(t, 1, inst.count("numpy"))
}

func TestProvision_EphemeralInstallFailureRemovesDir(t *testing.T) {
	inst := newFakeInstaller()
	inst.failWith = errors.New("no network")
	p := newTestProvisioner(t, inst)

	_, err := p.Provision(context.Background(), pythonRequest("requests"), Ephemeral)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperror.ErrProvision))

	entries, err := os.ReadDir(filepath.Join(p.Workspace(), ephemeralDir))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestProvision_RejectsInvalidPackageNames(t *testing.T) {
	inst := newFakeInstaller()
	p := newTestProvisioner(t, inst)

	for _, bad := range []string{"--index-url=http://evil", "-r", "pkg; rm -rf /", "../x", "https://x/y.whl", ""} {
		_, err := p.Provision(context.Background(), pythonRequest(bad), Ephemeral)
		assert.True(t, errors.Is(err, apperror.ErrValidation), "package %q", bad)
	}
	assert.Zero(t, inst.venvs.Load())

	entries, err := os.ReadDir(filepath.Join(p.Workspace(), ephemeralDir))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestProvision_SharedWithoutPackagesSkipsVenv(t *testing.T) {
	inst := newFakeInstaller()
	p := newTestProvisioner(t, inst)

	env, err := p.Provision(context.Background(), pythonRequest(), SharedCached)
	require.NoError(t, err)

	assert.Equal(t, SharedCached, env.Kind)
	assert.Equal(t, filepath.Join(p.Workspace(), sharedDir, "python", runsDir), filepath.Dir(env.Root))
	assert.DirExists(t, env.Root)
	assert.Empty(t, env.Interpreter)
	assert.Zero(t, inst.venvs.Load())
}

func TestProvision_SharedRequestsGetPrivateRunDirectories(t *testing.T) {
	p := newTestProvisioner(t, newFakeInstaller())
	ctx := context.Background()

	first, err := p.Provision(ctx, pythonRequest("numpy"), SharedCached)
	require.NoError(t, err)
	second, err := p.Provision(ctx, pythonRequest("numpy"), SharedCached)
	require.NoError(t, err)

	shared := p.Shared(model.Python).Root()
	assert.NotEqual(t, first.Root, second.Root)
	assert.NotEqual(t, shared, first.Root)
	assert.Equal(t, first.Interpreter, second.Interpreter)

	// The venv is a sibling of the run directories, never inside one.
	rel, err := filepath.Rel(first.Root, first.Interpreter)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(rel, ".."), rel)
}

func TestProvision_SharedRecreatesDeletedVenv(t *testing.T) {
	inst := newFakeInstaller()
	p := newTestProvisioner(t, inst)
	ctx := context.Background()

	env, err := p.Provision(ctx, pythonRequest("numpy"), SharedCached)
	require.NoError(t, err)
	require.FileExists(t, env.Interpreter)

	// What a snippet running `shutil.rmtree` on the venv leaves behind.
	require.NoError(t, os.RemoveAll(filepath.Join(p.Shared(model.Python).Root(), venvDir)))

	env, err = p.Provision(ctx, pythonRequest("numpy"), SharedCached)
	require.NoError(t, err)

	assert.FileExists(t, env.Interpreter)
	assert.Equal(t, int32(2), inst.venvs.Load())
	assert.Equal(t, 2, inst.count("numpy"))
	assert.Equal(t, []string{"numpy"}, env.Installed)
}

func TestProvision_SharedWithoutPackagesDropsDeletedVenv(t *testing.T) {
	inst := newFakeInstaller()
	p := newTestProvisioner(t, inst)
	ctx := context.Background()

	_, err := p.Provision(ctx, pythonRequest("numpy"), SharedCached)
	require.NoError(t, err)
	require.NoError(t, os.RemoveAll(filepath.Join(p.Shared(model.Python).Root(), venvDir)))

	env, err := p.Provision(ctx, pythonRequest(), SharedCached)
	require.NoError(t, err)

	assert.Empty(t, env.Interpreter)
	assert.Empty(t, env.Installed)
}

func TestProvision_SharedInstallsOnceUnderConcurrency(t *testing.T) {
	inst := newFakeInstaller()
	inst.delay = 50 * time.Millisecond
	p := newTestProvisioner(t, inst)

	const n = 8
	envs := make([]*Environment, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			env, err := p.Provision(context.Background(), pythonRequest("matplotlib"), SharedCached)
			if assert.NoError(t, err) {
				envs[i] = env
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, inst.count("matplotlib"))
	assert.Equal(t, int32(1), inst.venvs.Load())
	for _, env := range envs {
		require.NotNil(t, env)
		assert.Contains(t, env.Installed, "matplotlib")
		assert.NotEmpty(t, env.Interpreter)
	}
}

func TestProvision_SharedIsIdempotent(t *testing.T) {
	inst := newFakeInstaller()
	p := newTestProvisioner(t, inst)
	ctx := context.Background()

	_, err := p.Provision(ctx, pythonRequest("numpy"), SharedCached)
	require.NoError(t, err)
	env, err := p.Provision(ctx, pythonRequest("NumPy", "pandas"), SharedCached)
	require.NoError(t, err)

	assert.Equal(t, 1, inst.count("numpy"))
	assert.Equal(t, 1, inst.count("pandas"))
	assert.Equal(t, []string{"numpy", "pandas"}, env.Installed)
}

func TestProvision_SharedSeedsFromExistingVenv(t *testing.T) {
	workspace := t.TempDir()
	inst := newFakeInstaller()
	inst.preloaded = []string{"numpy"}

	python := filepath.Join(workspace, sharedDir, "python", venvDir, "bin", "python")
	require.NoError(t, os.MkdirAll(filepath.Dir(python), 0o755))
	require.NoError(t, os.WriteFile(python, nil, 0o755))

	p, err := NewProvisioner(workspace, inst, testLogger())
	require.NoError(t, err)

	env, err := p.Provision(context.Background(), pythonRequest("numpy"), SharedCached)
	require.NoError(t, err)

	assert.Equal(t, python, env.Interpreter)
	assert.Zero(t, inst.count("numpy"))
	assert.Zero(t, inst.venvs.Load())
}

func TestProvision_SharedInstallFailureIsProvisionError(t *testing.T) {
	inst := newFakeInstaller()
	inst.failWith = errors.New("index unreachable")
	p := newTestProvisioner(t, inst)

	_, err := p.Provision(context.Background(), pythonRequest("numpy"), SharedCached)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperror.ErrProvision))
	assert.Empty(t, p.Shared(model.Python).Installed())
}

func TestPreinstall(t *testing.T) {
	inst := newFakeInstaller()
	p := newTestProvisioner(t, inst)

	require.NoError(t, p.Preinstall(context.Background(), model.Python, []string{"matplotlib", "numpy"}))
	assert.Equal(t, []string{"matplotlib", "numpy"}, p.Shared(model.Python).Installed())

	require.NoError(t, p.Preinstall(context.Background(), model.Python, nil))
	assert.Equal(t, int32(1), inst.venvs.Load())
}

func TestMaterialize_UniqueFiles(t *testing.T) {
	env := &Environment{Kind: SharedCached, Root: t.TempDir()}

	a, err := env.Materialize(".py", "print('a')")
	require.NoError(t, err)
	b, err := env.Materialize(".py", "print('b')")
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
	assert.Equal(t, ".py", filepath.Ext(a))
	assert.ElementsMatch(t, []string{a, b}, env.Artifacts())

	data, err := os.ReadFile(a)
	require.NoError(t, err)
	assert.Equal(t, "print('a')", string(data))
}

func TestCleanup_EphemeralTwice(t *testing.T) {
	p := newTestProvisioner(t, newFakeInstaller())

	env, err := p.Provision(context.Background(), pythonRequest(), Ephemeral)
	require.NoError(t, err)
	_, err = env.Materialize(".py", "print(1)")
	require.NoError(t, err)

	p.Cleanup(env)
	assert.NoDirExists(t, env.Root)

	assert.NotPanics(t, func() { p.Cleanup(env) })
	assert.NoDirExists(t, env.Root)
}

func TestCleanup_SharedRemovesOnlyItsRunDirectory(t *testing.T) {
	p := newTestProvisioner(t, newFakeInstaller())
	ctx := context.Background()

	first, err := p.Provision(ctx, pythonRequest("numpy"), SharedCached)
	require.NoError(t, err)
	second, err := p.Provision(ctx, pythonRequest("numpy"), SharedCached)
	require.NoError(t, err)

	mine, err := first.Materialize(".py", "print(1)")
	require.NoError(t, err)
	theirs, err := second.Materialize(".py", "print(2)")
	require.NoError(t, err)

	p.Cleanup(first)
	p.Cleanup(first)

	assert.NoFileExists(t, mine)
	assert.NoDirExists(t, first.Root)
	assert.FileExists(t, theirs)
	assert.FileExists(t, first.Interpreter)
}

func TestCleanup_KeepPreservesEnvironment(t *testing.T) {
	p := newTestProvisioner(t, newFakeInstaller())

	req := pythonRequest()
	req.KeepArtifacts = true
	env, err := p.Provision(context.Background(), req, Ephemeral)
	require.NoError(t, err)
	path, err := env.Materialize(".py", "print(1)")
	require.NoError(t, err)

	p.Cleanup(env)
	assert.FileExists(t, path)
}

func TestCleanup_RefusesPathsOutsideWorkspace(t *testing.T) {
	p := newTestProvisioner(t, newFakeInstaller())
	outside := t.TempDir()

	p.Cleanup(&Environment{Kind: Ephemeral, Root: outside})
	assert.DirExists(t, outside)

	p.Cleanup(&Environment{Kind: Ephemeral, Root: filepath.Join(p.Workspace(), ephemeralDir)})
	assert.DirExists(t, filepath.Join(p.Workspace(), ephemeralDir))

	shared := filepath.Join(p.Workspace(), sharedDir, "python")
	require.NoError(t, os.MkdirAll(filepath.Join(shared, venvDir), 0o755))
	p.Cleanup(&Environment{Kind: SharedCached, Root: shared})
	p.Cleanup(&Environment{Kind: SharedCached, Root: filepath.Join(shared, venvDir)})
	assert.DirExists(t, filepath.Join(shared, venvDir))
}

func TestCleanup_Nil(t *testing.T) {
	p := newTestProvisioner(t, newFakeInstaller())
	assert.NotPanics(t, func() { p.Cleanup(nil) })
}

func TestSweep(t *testing.T) {
	p := newTestProvisioner(t, newFakeInstaller())
	ctx := context.Background()

	stale, err := p.Provision(ctx, pythonRequest(), Ephemeral)
	require.NoError(t, err)
	fresh, err := p.Provision(ctx, pythonRequest(), Ephemeral)
	require.NoError(t, err)

	staleRun, err := p.Provision(ctx, pythonRequest(), SharedCached)
	require.NoError(t, err)
	freshRun, err := p.Provision(ctx, pythonRequest(), SharedCached)
	require.NoError(t, err)

	old := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(stale.Root, old, old))
	require.NoError(t, os.Chtimes(staleRun.Root, old, old))

	removed, err := p.Sweep(time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
	assert.NoDirExists(t, stale.Root)
	assert.NoDirExists(t, staleRun.Root)
	assert.DirExists(t, fresh.Root)
	assert.DirExists(t, freshRun.Root)
}

func TestValidatePackages(t *testing.T) {
	good := []string{"numpy", "matplotlib", "scikit-learn", "zope.interface", "Pillow", "requests==2.31.0", "a"}
	assert.NoError(t, ValidatePackages(good))

	bad := []string{"-e", "--pre", "numpy>=1", "git+https://x", "a b", "pkg;", "x==", "/tmp/pkg"}
	for _, p := range bad {
		err := ValidatePackages([]string{p})
		assert.True(t, errors.Is(err, apperror.ErrValidation), "package %q", p)
	}
}

func TestNormalizePackage(t *testing.T) {
	tests := map[string]string{
		"NumPy":             "numpy",
		"scikit_learn":      "scikit-learn",
		"zope.interface":    "zope-interface",
		"Foo__Bar--baz":     "foo-bar-baz",
		"requests==2.31.0":  "requests==2.31.0",
		"Django_Rest==3.14": "django-rest==3.14",
	}
	for in, want := range tests {
		assert.Equal(t, want, NormalizePackage(in), in)
	}
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind("shared")
	require.NoError(t, err)
	assert.Equal(t, SharedCached, k)

	k, err = ParseKind("ephemeral")
	require.NoError(t, err)
	assert.Equal(t, Ephemeral, k)

	_, err = ParseKind("pooled")
	assert.Error(t, err)
}
