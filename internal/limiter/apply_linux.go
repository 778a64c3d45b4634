//go:build linux

package limiter

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"golang.org/x/sys/unix"

	"github.com/sakif/snippetbox/internal/apperror"
)

// Supported reports whether Apply can enforce limits on this host.
func Supported() bool { return true }

// Apply installs CPU, file-size, process and memory ceilings on a process.
// The runner calls it on itself just before exec'ing the interpreter, so
// the snippet never runs unbounded.
//
// The CPU hard limit sits one second above the soft limit so the kernel
// sends SIGXCPU first and SIGKILL only if the process ignores it.
//
// RLIMIT_NPROC counts every task owned by the real user, so the ceiling is
// the user's current task count plus limits.Processes. The kernel does not
// enforce it for root.
//
// The memory ceiling goes on last: once it is in place the caller should
// not need to map anything new.
func Apply(pid int, limits Limits, kind MemoryKind) error {
	if err := limits.Validate(); err != nil {
		return apperror.Limiter("refusing to apply incomplete limits", err)
	}

	tasks, err := userTasks(os.Getuid())
	if err != nil {
		return apperror.Limiter("counting tasks for RLIMIT_NPROC", err)
	}

	cpu := limits.CPUSeconds()
	memory := uint64(limits.MemoryBytes)
	fsize := uint64(limits.FileSizeBytes)
	nproc := uint64(tasks) + uint64(limits.Processes)

	memResource := unix.RLIMIT_AS
	if kind == MemoryData {
		memResource = unix.RLIMIT_DATA
	}

	settings := []struct {
		name     string
		resource int
		limit    unix.Rlimit
	}{
		{"RLIMIT_CPU", unix.RLIMIT_CPU, unix.Rlimit{Cur: cpu, Max: cpu + 1}},
		{"RLIMIT_FSIZE", unix.RLIMIT_FSIZE, unix.Rlimit{Cur: fsize, Max: fsize}},
		{"RLIMIT_NPROC", unix.RLIMIT_NPROC, unix.Rlimit{Cur: nproc, Max: nproc}},
		{kind.String(), memResource, unix.Rlimit{Cur: memory, Max: memory}},
	}

	for i := range settings {
		if err := unix.Prlimit(pid, settings[i].resource, &settings[i].limit, nil); err != nil {
			return apperror.Limiter(fmt.Sprintf("setting %s on pid %d", settings[i].name, pid), err)
		}
	}
	return nil
}

// userTasks sums the thread counts of every process whose real uid is uid.
// Processes that exit while /proc is being read are skipped.
func userTasks(uid int) (int, error) {
	dirs, err := filepath.Glob("/proc/[0-9]*/status")
	if err != nil {
		return 0, err
	}

	want := []byte(strconv.Itoa(uid))
	total := 0
	for _, path := range dirs {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var owned bool
		threads := 0
		sc := bufio.NewScanner(bytes.NewReader(data))
		for sc.Scan() {
			line := sc.Bytes()
			switch {
			case bytes.HasPrefix(line, []byte("Uid:")):
				fields := bytes.Fields(line[len("Uid:"):])
				owned = len(fields) > 0 && bytes.Equal(fields[0], want)
			case bytes.HasPrefix(line, []byte("Threads:")):
				threads, _ = strconv.Atoi(string(bytes.TrimSpace(line[len("Threads:"):])))
			}
		}
		if owned {
			total += threads
		}
	}
	return total, nil
}
