//go:build linux

package runner

import (
	"os"
	"os/exec"
	"strings"
	"testing"

	"github.com/docker/docker/pkg/process"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/snippetbox/internal/limiter"
)

func TestDescendants_FindsGrandchildren(t *testing.T) {
	bash, err := exec.LookPath("bash")
	if err != nil {
		t.Skip("bash not available")
	}
	cmd := exec.Command(bash, "-c", "sleep 30 & echo $!; wait")
	out, err := cmd.StdoutPipe()
	require.NoError(t, err)
	require.NoError(t, cmd.Start())
	t.Cleanup(func() {
		for _, p := range descendants(cmd.Process.Pid) {
			_ = process.Kill(p.pid)
		}
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	})

	buf := make([]byte, 32)
	n, err := out.Read(buf)
	require.NoError(t, err)
	grandchild := printedPID(t, string(buf[:n]))

	var pids []int
	for _, p := range descendants(os.Getpid()) {
		pids = append(pids, p.pid)
	}
	assert.Contains(t, pids, cmd.Process.Pid)
	assert.Contains(t, pids, grandchild)
}

func TestDecodeLaunch(t *testing.T) {
	_, err := decodeLaunch(nil)
	assert.Error(t, err)

	_, err = decodeLaunch([]string{"{not json"})
	assert.Error(t, err)

	_, err = decodeLaunch([]string{`{"argv":[]}`})
	assert.Error(t, err)

	l, err := decodeLaunch([]string{`{"limits":{"cpu_time":1000000000,"processes":8},"memory":1,"argv":["python3","x.py"]}`})
	require.NoError(t, err)
	assert.Equal(t, []string{"python3", "x.py"}, l.Argv)
	assert.Equal(t, limiter.MemoryData, l.Memory)
	assert.Equal(t, int64(8), l.Limits.Processes)
}

func TestReadReport(t *testing.T) {
	rep, err := readReport(strings.NewReader(`{"exit_code":3,"cpu":1500000,"orphans":2}` + "\n"))
	require.NoError(t, err)
	assert.Equal(t, 3, rep.ExitCode)
	assert.Equal(t, 2, rep.Orphans)

	_, err = readReport(strings.NewReader(""))
	assert.Error(t, err)
}
