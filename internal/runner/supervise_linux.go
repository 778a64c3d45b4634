//go:build linux

package runner

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"
	"unsafe"

	"github.com/docker/docker/pkg/process"
	"golang.org/x/sys/unix"

	"github.com/sakif/snippetbox/internal/limiter"
)

const (
	// pipeFD is the first ExtraFiles descriptor. The supervisor writes its
	// report there; the stage writes why it could not exec.
	pipeFD = 3

	// reapTimeout bounds how long the supervisor keeps killing descendants.
	reapTimeout = 2 * time.Second
)

func supervisorCommand(l launch) (*exec.Cmd, error) {
	payload, err := json.Marshal(l)
	if err != nil {
		return nil, fmt.Errorf("encoding launch: %w", err)
	}
	return &exec.Cmd{
		Path: "/proc/self/exe",
		Args: []string{superviseArg, string(payload)},
	}, nil
}

// supervise runs the stage, enforces the wall clock and kills every
// descendant before reporting. Its exit code only says whether the report
// was delivered.
func supervise(args []string) int {
	status := os.NewFile(pipeFD, "status")
	unix.CloseOnExec(pipeFD)

	l, err := decodeLaunch(args)
	if err != nil {
		return sendReport(status, exitReport{SetupError: err.Error()})
	}
	if err := unix.Prctl(unix.PR_SET_CHILD_SUBREAPER, 1, 0, 0, 0); err != nil {
		return sendReport(status, exitReport{SetupError: fmt.Sprintf("becoming child subreaper: %v", err)})
	}

	terminate := make(chan os.Signal, 1)
	signal.Notify(terminate, unix.SIGTERM)

	failR, failW, err := os.Pipe()
	if err != nil {
		return sendReport(status, exitReport{SetupError: fmt.Sprintf("creating stage pipe: %v", err)})
	}
	cmd := &exec.Cmd{
		Path:       "/proc/self/exe",
		Args:       []string{stageArg, args[0]},
		Env:        os.Environ(),
		Stdout:     os.Stdout,
		Stderr:     os.Stderr,
		ExtraFiles: []*os.File{failW},
	}
	err = cmd.Start()
	failW.Close()
	if err != nil {
		failR.Close()
		return sendReport(status, exitReport{SetupError: fmt.Sprintf("starting stage: %v", err)})
	}

	// EOF without a message means the exec went through.
	_ = failR.SetReadDeadline(time.Now().Add(l.Limits.WallClock))
	msg, _ := io.ReadAll(failR)
	failR.Close()
	if len(msg) > 0 {
		_ = cmd.Wait()
		return sendReport(status, exitReport{SetupError: string(msg)})
	}

	waited := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(waited)
	}()

	timer := time.NewTimer(l.Limits.WallClock)
	defer timer.Stop()

	var rep exitReport
	select {
	case <-waited:
	case <-timer.C:
		rep.TimedOut = true
	case <-terminate:
		rep.TimedOut = true
	}
	if rep.TimedOut {
		killTree(cmd.Process.Pid)
		<-waited
	}
	rep.Orphans = killTree(cmd.Process.Pid)

	state := cmd.ProcessState
	if state == nil {
		rep.SetupError = "snippet process was never reaped"
		return sendReport(status, rep)
	}
	rep.CPU = state.UserTime() + state.SystemTime()
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		rep.Signal = int(ws.Signal())
	} else {
		rep.ExitCode = state.ExitCode()
	}
	return sendReport(status, rep)
}

func sendReport(w *os.File, rep exitReport) int {
	defer w.Close()
	if err := json.NewEncoder(w).Encode(rep); err != nil {
		return 1
	}
	return 0
}

// stage installs the limits on itself and replaces itself with the
// interpreter, so no snippet instruction ever runs without them.
func stage(args []string) int {
	fail := os.NewFile(pipeFD, "stage")
	unix.CloseOnExec(pipeFD)

	l, err := decodeLaunch(args)
	if err != nil {
		return stageFailed(fail, err)
	}
	path, err := exec.LookPath(l.Argv[0])
	if err != nil {
		return stageFailed(fail, fmt.Errorf("starting %s: %w", l.Argv[0], err))
	}

	// Nothing may allocate once the memory limit is in place.
	argv0, err := unix.BytePtrFromString(path)
	if err != nil {
		return stageFailed(fail, err)
	}
	argv, err := syscall.SlicePtrFromStrings(l.Argv)
	if err != nil {
		return stageFailed(fail, err)
	}
	envv, err := syscall.SlicePtrFromStrings(os.Environ())
	if err != nil {
		return stageFailed(fail, err)
	}

	if err := limiter.Apply(os.Getpid(), l.Limits, l.Memory); err != nil {
		return stageFailed(fail, err)
	}
	_, _, errno := unix.RawSyscall(unix.SYS_EXECVE,
		uintptr(unsafe.Pointer(argv0)),
		uintptr(unsafe.Pointer(&argv[0])),
		uintptr(unsafe.Pointer(&envv[0])),
	)
	return stageFailed(fail, fmt.Errorf("starting %s: %w", l.Argv[0], errno))
}

func stageFailed(w *os.File, err error) int {
	_, _ = io.WriteString(w, err.Error())
	_ = w.Close()
	return 127
}

type procEntry struct {
	pid, ppid int
	zombie    bool
}

// descendants lists every process below root, walking /proc.
func descendants(root int) []procEntry {
	dirs, err := os.ReadDir("/proc")
	if err != nil {
		return nil
	}

	children := make(map[int][]procEntry)
	for _, d := range dirs {
		pid, err := strconv.Atoi(d.Name())
		if err != nil {
			continue
		}
		data, err := os.ReadFile("/proc/" + d.Name() + "/stat")
		if err != nil {
			continue
		}
		// comm may hold spaces and parentheses; the fields we want follow the last ')'.
		i := bytes.LastIndexByte(data, ')')
		if i < 0 {
			continue
		}
		fields := strings.Fields(string(data[i+1:]))
		if len(fields) < 2 {
			continue
		}
		ppid, err := strconv.Atoi(fields[1])
		if err != nil {
			continue
		}
		children[ppid] = append(children[ppid], procEntry{pid: pid, ppid: ppid, zombie: fields[0] == "Z"})
	}

	var out []procEntry
	queue := []int{root}
	for len(queue) > 0 {
		parent := queue[0]
		queue = queue[1:]
		for _, c := range children[parent] {
			out = append(out, c)
			queue = append(queue, c.pid)
		}
	}
	return out
}

// killTree SIGKILLs every descendant of the supervisor and reaps those
// reparented to it, until none is left or reapTimeout passes. skip is the
// stage's pid, which is reaped by cmd.Wait instead. It returns how many
// processes it killed.
func killTree(skip int) int {
	self := os.Getpid()
	killed := make(map[int]struct{})
	deadline := time.Now().Add(reapTimeout)

	for {
		remaining := 0
		for _, p := range descendants(self) {
			if p.pid == skip && p.zombie {
				continue
			}
			if !p.zombie {
				if err := process.Kill(p.pid); err == nil {
					killed[p.pid] = struct{}{}
				}
			}
			if p.ppid == self && p.pid != skip {
				var ws unix.WaitStatus
				if wpid, _ := unix.Wait4(p.pid, &ws, unix.WNOHANG, nil); wpid == p.pid {
					continue
				}
			}
			remaining++
		}
		if remaining == 0 || time.Now().After(deadline) {
			return len(killed)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
