//go:build linux

package limiter

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/sakif/snippetbox/internal/apperror"
)

func startSleeper(t *testing.T) *exec.Cmd {
	t.Helper()
	path, err := exec.LookPath("sleep")
	if err != nil {
		t.Skip("sleep not available")
	}
	cmd := exec.Command(path, "30")
	require.NoError(t, cmd.Start())
	t.Cleanup(func() {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	})
	return cmd
}

func TestApply_InstallsLimits(t *testing.T) {
	cmd := startSleeper(t)
	limits := DefaultLimits()

	require.NoError(t, Apply(cmd.Process.Pid, limits, MemoryAddressSpace))

	var got unix.Rlimit
	require.NoError(t, unix.Prlimit(cmd.Process.Pid, unix.RLIMIT_CPU, nil, &got))
	assert.Equal(t, uint64(5), got.Cur)
	assert.Equal(t, uint64(6), got.Max)

	require.NoError(t, unix.Prlimit(cmd.Process.Pid, unix.RLIMIT_AS, nil, &got))
	assert.Equal(t, uint64(limits.MemoryBytes), got.Cur)

	require.NoError(t, unix.Prlimit(cmd.Process.Pid, unix.RLIMIT_FSIZE, nil, &got))
	assert.Equal(t, uint64(limits.FileSizeBytes), got.Cur)

	require.NoError(t, unix.Prlimit(cmd.Process.Pid, unix.RLIMIT_NPROC, nil, &got))
	assert.Greater(t, got.Cur, uint64(limits.Processes), "ceiling sits above the user's existing tasks")
	assert.Equal(t, got.Cur, got.Max)
}

func TestUserTasks_CountsThisProcess(t *testing.T) {
	n, err := userTasks(os.Getuid())
	require.NoError(t, err)
	// At least the test binary's own threads.
	assert.GreaterOrEqual(t, n, 1)

	n, err = userTasks(-1)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestApply_ProcessCeilingStopsForks(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("RLIMIT_NPROC is not enforced for root")
	}
	bash, err := exec.LookPath("bash")
	if err != nil {
		t.Skip("bash not available")
	}

	// The shell waits on stdin until the limits are in place.
	cmd := exec.Command(bash, "-c", `read _; for i in $(seq 1 64); do sleep 5 & done; wait`)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	stdin, err := cmd.StdinPipe()
	require.NoError(t, err)
	outPath := filepath.Join(t.TempDir(), "out")
	out, err := os.Create(outPath)
	require.NoError(t, err)
	defer out.Close()
	cmd.Stdout = out
	cmd.Stderr = out
	require.NoError(t, cmd.Start())
	t.Cleanup(func() {
		_ = unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
		_ = cmd.Wait()
	})

	limits := DefaultLimits()
	limits.Processes = 4
	require.NoError(t, Apply(cmd.Process.Pid, limits, MemoryAddressSpace))
	_, err = stdin.Write([]byte("go\n"))
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		data, _ := os.ReadFile(outPath)
		return strings.Contains(string(data), "fork")
	}, 5*time.Second, 50*time.Millisecond)
}

func TestApply_DataSegment(t *testing.T) {
	cmd := startSleeper(t)
	limits := DefaultLimits()

	require.NoError(t, Apply(cmd.Process.Pid, limits, MemoryData))

	var got unix.Rlimit
	require.NoError(t, unix.Prlimit(cmd.Process.Pid, unix.RLIMIT_DATA, nil, &got))
	assert.Equal(t, uint64(limits.MemoryBytes), got.Cur)
}

func TestApply_MissingProcess(t *testing.T) {
	cmd := startSleeper(t)
	pid := cmd.Process.Pid
	_ = cmd.Process.Kill()
	_ = cmd.Wait()

	err := Apply(pid, DefaultLimits(), MemoryAddressSpace)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperror.ErrLimiter))
}

func TestApply_RejectsIncompleteLimits(t *testing.T) {
	err := Apply(1, Limits{CPUTime: 1}, MemoryAddressSpace)
	assert.True(t, errors.Is(err, apperror.ErrLimiter))

	limits := DefaultLimits()
	limits.Processes = 0
	err = Apply(1, limits, MemoryAddressSpace)
	assert.True(t, errors.Is(err, apperror.ErrLimiter))
}
