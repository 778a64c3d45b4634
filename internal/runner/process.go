package runner

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/sakif/snippetbox/internal/environment"
	"github.com/sakif/snippetbox/internal/language"
	"github.com/sakif/snippetbox/internal/limiter"
	"github.com/sakif/snippetbox/internal/metrics"
	"github.com/sakif/snippetbox/internal/model"
)

type waitResult struct {
	state *os.ProcessState
	err   error
}

// Run materializes the snippet and runs it under a supervisor in its own
// process group. The supervisor installs the resource limits before the
// interpreter starts, enforces the wall clock and kills whatever the
// snippet leaves behind, then reports how it ended.
//
// ctx is not used to stop the child: once started, a snippet runs until it
// exits or hits a limit.
func (r *ProcessRunner) Run(ctx context.Context, req model.ExecutionRequest, spec language.RunnerSpec, env *environment.Environment, limits limiter.Limits) model.ExecutionResult {
	logger := r.logger.With(slog.String("request_id", req.ID), slog.String("language", string(req.Language)))

	path, err := env.Materialize(spec.Extension, req.Source)
	if err != nil {
		return model.SetupFailure(req.ID, err.Error())
	}

	argv := spec.Command(env.Interpreter, path)
	cmd, err := supervisorCommand(launch{Limits: limits, Memory: spec.MemoryLimit, Argv: argv})
	if err != nil {
		logger.ErrorContext(ctx, "snippet cannot be supervised", slog.String("error", err.Error()))
		return model.SetupFailure(req.ID, err.Error())
	}
	cmd.Dir = env.Root
	cmd.Env = r.environ(env)
	setProcessGroup(cmd)

	statusR, statusW, err := os.Pipe()
	if err != nil {
		return model.SetupFailure(req.ID, fmt.Sprintf("creating status pipe: %v", err))
	}
	defer statusR.Close()
	cmd.ExtraFiles = []*os.File{statusW}

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		statusW.Close()
		return model.SetupFailure(req.ID, fmt.Sprintf("creating stdout pipe: %v", err))
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		statusW.Close()
		return model.SetupFailure(req.ID, fmt.Sprintf("creating stderr pipe: %v", err))
	}

	err = cmd.Start()
	statusW.Close()
	if err != nil {
		stdoutPipe.Close()
		stderrPipe.Close()
		return model.SetupFailure(req.ID, fmt.Sprintf("starting %s: %v", argv[0], err))
	}
	start := time.Now()
	pid := cmd.Process.Pid

	metrics.ActiveExecutions.Inc()
	defer metrics.ActiveExecutions.Dec()

	reports := make(chan *exitReport, 1)
	go func() {
		rep, err := readReport(statusR)
		if err != nil {
			logger.WarnContext(ctx, "no report from snippet supervisor", slog.String("error", err.Error()))
		}
		reports <- rep
	}()

	stdout := NewOutputBuffer(r.opts.MaxOutputBytes)
	stderr := NewOutputBuffer(r.opts.MaxOutputBytes)
	var copies sync.WaitGroup
	copies.Add(2)
	go func() {
		defer copies.Done()
		_, _ = io.Copy(stdout, stdoutPipe)
	}()
	go func() {
		defer copies.Done()
		_, _ = io.Copy(stderr, stderrPipe)
	}()

	// cmd.Wait would also wait for the copies; wait on the process alone.
	waited := make(chan waitResult, 1)
	go func() {
		state, err := cmd.Process.Wait()
		waited <- waitResult{state, err}
	}()

	// The supervisor owns the wall clock. This only fires if it hangs.
	timer := time.NewTimer(limits.WallClock + r.opts.DrainTimeout)
	defer timer.Stop()

	var (
		res      waitResult
		timedOut bool
	)
	select {
	case res = <-waited:
	case <-timer.C:
		timedOut = true
		logger.WarnContext(ctx, "snippet supervisor overran the wall clock; killing its process group")
		killGroup(pid)
		res = <-waited
	}
	duration := time.Since(start)

	killGroup(pid)
	r.drain(&copies, stdoutPipe, stderrPipe)

	var report *exitReport
	select {
	case report = <-reports:
	case <-time.After(r.opts.DrainTimeout):
	}
	if report != nil && report.Orphans > 0 {
		logger.InfoContext(ctx, "killed processes left behind by snippet", slog.Int("count", report.Orphans))
	}

	result := model.ExecutionResult{
		RequestID:       req.ID,
		Stdout:          stdout.String(),
		Stderr:          stderr.String(),
		Duration:        duration,
		StdoutTruncated: stdout.Truncated(),
		StderrTruncated: stderr.Truncated(),
	}
	r.classify(&result, res, report, timedOut, limits)
	RecordTruncation(result)

	logger.DebugContext(ctx, "snippet finished",
		slog.String("status", string(result.Status)),
		slog.Duration("duration", duration),
	)
	return result
}

// drain waits for the output copies to finish, closing the pipes if a
// process outside the group still holds them.
func (r *ProcessRunner) drain(copies *sync.WaitGroup, pipes ...io.Closer) {
	done := make(chan struct{})
	go func() {
		copies.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(r.opts.DrainTimeout):
		r.logger.Warn("output still open after process group was killed; closing pipes")
		for _, p := range pipes {
			_ = p.Close()
		}
		<-done
	}
	for _, p := range pipes {
		_ = p.Close()
	}
}

func (r *ProcessRunner) classify(result *model.ExecutionResult, res waitResult, report *exitReport, timedOut bool, limits limiter.Limits) {
	switch {
	case timedOut || (report != nil && report.TimedOut):
		result.Status = model.StatusTimeout
		result.Stderr = AppendNote(result.Stderr, fmt.Sprintf("execution timed out after %s (wall clock limit)", limits.WallClock))
		return
	case report == nil:
		result.Status = model.StatusSetupError
		result.Stderr = AppendNote(result.Stderr, fmt.Sprintf("snippet supervisor exited without a report: %s", describeExit(res)))
		return
	case report.SetupError != "":
		result.Status = model.StatusSetupError
		result.Stderr = AppendNote(result.Stderr, report.SetupError)
		return
	}

	if report.Signal != 0 {
		sig := syscall.Signal(report.Signal)
		if isCPULimitSignal(sig, report.CPU, limits.CPUTime) {
			result.Status = model.StatusTimeout
			result.Stderr = AppendNote(result.Stderr, fmt.Sprintf("execution exceeded the CPU time limit of %s", limits.CPUTime))
			return
		}
		code := 128 + report.Signal
		result.Status = model.StatusRuntimeError
		result.ExitCode = &code
		result.Stderr = AppendNote(result.Stderr, fmt.Sprintf("process terminated by signal: %s", sig))
		return
	}

	code := report.ExitCode
	result.ExitCode = &code
	if code == 0 {
		result.Status = model.StatusSuccess
	} else {
		result.Status = model.StatusRuntimeError
	}
}

func describeExit(res waitResult) string {
	if res.err != nil {
		return res.err.Error()
	}
	if res.state == nil {
		return "unknown"
	}
	return res.state.String()
}

func (r *ProcessRunner) environ(env *environment.Environment) []string {
	path := r.opts.Path
	if env.Interpreter != "" && filepath.IsAbs(env.Interpreter) {
		path = filepath.Dir(env.Interpreter) + string(os.PathListSeparator) + path
	}
	return []string{
		"PATH=" + path,
		"HOME=" + env.Root,
		"TMPDIR=" + env.Root,
		"LANG=C.UTF-8",
		"PYTHONDONTWRITEBYTECODE=1",
		"PYTHONUNBUFFERED=1",
	}
}

// AppendNote adds a runner-generated explanation to captured stderr.
func AppendNote(stderr, note string) string {
	if stderr != "" && stderr[len(stderr)-1] != '\n' {
		stderr += "\n"
	}
	return stderr + note + "\n"
}

// RecordTruncation counts streams that hit the output cap.
func RecordTruncation(result model.ExecutionResult) {
	if result.StdoutTruncated {
		metrics.OutputTruncations.WithLabelValues("stdout").Inc()
	}
	if result.StderrTruncated {
		metrics.OutputTruncations.WithLabelValues("stderr").Inc()
	}
}

// isCPULimitSignal reports whether sig was delivered by RLIMIT_CPU: SIGXCPU
// at the soft limit, or SIGKILL at the hard limit once the budget is spent.
func isCPULimitSignal(sig syscall.Signal, used, budget time.Duration) bool {
	if sig == sigXCPU {
		return true
	}
	return sig == syscall.SIGKILL && used >= budget
}
