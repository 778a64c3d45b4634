// Package docker runs snippets inside throwaway containers through the
// Docker Engine API. Each request gets its own container, removed afterwards,
// so killing the container kills the whole process tree.
package docker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/sakif/snippetbox/internal/environment"
	"github.com/sakif/snippetbox/internal/language"
	"github.com/sakif/snippetbox/internal/limiter"
	"github.com/sakif/snippetbox/internal/metrics"
	"github.com/sakif/snippetbox/internal/model"
	"github.com/sakif/snippetbox/internal/runner"
)

const workdir = "/workspace"

// Linux signal numbers as reported in container exit codes.
const (
	sigKILL = 9
	sigXCPU = 24
)

// Runner implements runner.Runner on top of Docker.
type Runner struct {
	cli    *client.Client
	config Config
	logger *slog.Logger

	mu    sync.Mutex
	pools map[string]*Pool
}

// New connects to the Docker daemon, pulls the image of every spec and
// starts a pre-warmed pool per image.
func New(cfg Config, specs []language.RunnerSpec, logger *slog.Logger) (*Runner, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	r := &Runner{
		cli:    cli,
		config: cfg,
		logger: logger,
		pools:  make(map[string]*Pool),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	for _, spec := range specs {
		if spec.Image == "" {
			continue
		}
		if _, ok := r.pools[spec.Image]; ok {
			continue
		}
		if err := r.pull(ctx, spec.Image); err != nil {
			r.Close()
			return nil, err
		}
		if cfg.PoolSize > 0 {
			img := spec.Image
			pool := NewPool(cfg.PoolSize, func(ctx context.Context) (string, error) {
				return r.createContainer(ctx, img, cfg.Defaults)
			}, r.removeContainer, logger.With(slog.String("image", img)))
			pool.Start()
			r.pools[img] = pool
		}
	}
	return r, nil
}

// Ping reports whether the daemon is reachable.
func (r *Runner) Ping(ctx context.Context) error {
	_, err := r.cli.Ping(ctx)
	return err
}

// Close stops every pool and the docker client.
func (r *Runner) Close() error {
	r.mu.Lock()
	pools := r.pools
	r.pools = map[string]*Pool{}
	r.mu.Unlock()

	for _, p := range pools {
		p.Stop()
	}
	return r.cli.Close()
}

// SupportsHostPackages is false: containers do not see host virtualenvs.
func (r *Runner) SupportsHostPackages() bool { return false }

// Run copies the snippet into a fresh container and executes it there.
// The container is removed on every path.
func (r *Runner) Run(ctx context.Context, req model.ExecutionRequest, spec language.RunnerSpec, env *environment.Environment, limits limiter.Limits) model.ExecutionResult {
	if spec.Image == "" {
		return model.SetupFailure(req.ID, fmt.Sprintf("no container image configured for %s", spec.Language))
	}

	hostPath, err := env.Materialize(spec.Extension, req.Source)
	if err != nil {
		return model.SetupFailure(req.ID, err.Error())
	}
	target := path.Join(workdir, filepath.Base(hostPath))

	containerID, err := r.acquire(ctx, spec.Image, limits)
	if err != nil {
		return model.SetupFailure(req.ID, fmt.Sprintf("acquiring container: %v", err))
	}
	defer r.removeContainer(containerID)

	if err := r.copySource(ctx, containerID, target, req.Source); err != nil {
		return model.SetupFailure(req.ID, fmt.Sprintf("copying snippet into container: %v", err))
	}

	result := r.exec(req.ID, containerID, spec.Command(spec.Interpreter, target), limits)
	runner.RecordTruncation(result)
	return result
}

func (r *Runner) acquire(ctx context.Context, img string, limits limiter.Limits) (string, error) {
	r.mu.Lock()
	pool, ok := r.pools[img]
	r.mu.Unlock()

	if ok && limits == r.config.Defaults {
		getCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		return pool.Get(getCtx)
	}
	return r.createContainer(ctx, img, limits)
}

// copySource streams source over exec stdin into dd, so nothing passes
// through a shell.
func (r *Runner) copySource(ctx context.Context, containerID, target, source string) error {
	execResp, err := r.cli.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Cmd:          []string{"dd", "of=" + target, "status=none"},
	})
	if err != nil {
		return fmt.Errorf("failed to create exec: %w", err)
	}

	attach, err := r.cli.ContainerExecAttach(ctx, execResp.ID, container.ExecStartOptions{})
	if err != nil {
		return fmt.Errorf("failed to attach to exec: %w", err)
	}
	defer attach.Close()

	if _, err := io.WriteString(attach.Conn, source); err != nil {
		return fmt.Errorf("failed to write snippet: %w", err)
	}
	if err := attach.CloseWrite(); err != nil {
		return fmt.Errorf("failed to close exec stdin: %w", err)
	}

	var stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(io.Discard, &stderr, attach.Reader); err != nil {
		return fmt.Errorf("failed to read exec output: %w", err)
	}

	inspect, err := r.cli.ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		return fmt.Errorf("failed to inspect exec: %w", err)
	}
	if inspect.ExitCode != 0 {
		return fmt.Errorf("dd exited with %d: %s", inspect.ExitCode, stderr.String())
	}
	return nil
}

// exec runs argv and waits up to the wall clock limit. It deliberately
// ignores the caller's context: the timeout is the only cancellation.
func (r *Runner) exec(requestID, containerID string, argv []string, limits limiter.Limits) model.ExecutionResult {
	executeCtx, cancel := context.WithTimeout(context.Background(), limits.WallClock)
	defer cancel()

	execResp, err := r.cli.ContainerExecCreate(executeCtx, containerID, container.ExecOptions{
		AttachStdout: true,
		AttachStderr: true,
		WorkingDir:   workdir,
		Env:          []string{"HOME=/tmp", "PYTHONDONTWRITEBYTECODE=1", "PYTHONUNBUFFERED=1"},
		Cmd:          argv,
	})
	if err != nil {
		return model.SetupFailure(requestID, fmt.Sprintf("failed to create exec: %v", err))
	}

	attach, err := r.cli.ContainerExecAttach(executeCtx, execResp.ID, container.ExecStartOptions{})
	if err != nil {
		return model.SetupFailure(requestID, fmt.Sprintf("failed to attach to exec: %v", err))
	}
	defer attach.Close()

	start := time.Now()
	metrics.ActiveExecutions.Inc()
	defer metrics.ActiveExecutions.Dec()

	stdout := runner.NewOutputBuffer(r.config.MaxOutputBytes)
	stderr := runner.NewOutputBuffer(r.config.MaxOutputBytes)

	done := make(chan struct{})
	go func() {
		_, _ = stdcopy.StdCopy(stdout, stderr, attach.Reader)
		close(done)
	}()

	timedOut := false
	select {
	case <-done:
	case <-executeCtx.Done():
		timedOut = true
		attach.Close()
		<-done
	}
	duration := time.Since(start)

	result := model.ExecutionResult{
		RequestID:       requestID,
		Stdout:          stdout.String(),
		Stderr:          stderr.String(),
		Duration:        duration,
		StdoutTruncated: stdout.Truncated(),
		StderrTruncated: stderr.Truncated(),
	}

	if timedOut {
		result.Status = model.StatusTimeout
		result.Stderr = runner.AppendNote(result.Stderr, fmt.Sprintf("execution timed out after %s (wall clock limit)", limits.WallClock))
		return result
	}

	inspectCtx, inspectCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer inspectCancel()
	inspect, err := r.cli.ContainerExecInspect(inspectCtx, execResp.ID)
	if err != nil {
		result.Status = model.StatusSetupError
		result.Stderr = runner.AppendNote(result.Stderr, fmt.Sprintf("failed to inspect exec: %v", err))
		return result
	}
	classifyExit(&result, inspect.ExitCode, limits)
	return result
}

// classifyExit maps a shell-style exit code (128+signal for signals).
func classifyExit(result *model.ExecutionResult, code int, limits limiter.Limits) {
	switch code {
	case 0:
		result.Status = model.StatusSuccess
	case 128 + sigXCPU:
		result.Status = model.StatusTimeout
		result.Stderr = runner.AppendNote(result.Stderr, fmt.Sprintf("execution exceeded the CPU time limit of %s", limits.CPUTime))
		return
	case 128 + sigKILL:
		result.Status = model.StatusRuntimeError
		result.Stderr = runner.AppendNote(result.Stderr, "process was killed (memory limit of "+strconv.FormatInt(limits.MemoryBytes, 10)+" bytes likely exceeded)")
	default:
		result.Status = model.StatusRuntimeError
	}
	result.ExitCode = &code
}

func (r *Runner) pull(ctx context.Context, img string) error {
	r.logger.Info("ensuring docker image is available", slog.String("image", img))
	reader, err := r.cli.ImagePull(ctx, img, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", img, err)
	}
	defer reader.Close()
	// Read everything to block until the pull is complete.
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("failed to pull image %s: %w", img, err)
	}
	return nil
}

// createContainer starts an idle container running `sleep infinity` with the
// given limits applied by the engine.
func (r *Runner) createContainer(ctx context.Context, img string, limits limiter.Limits) (string, error) {
	cpu := int64(limits.CPUSeconds())
	pids := r.config.PidsLimit
	if limits.Processes > 0 && limits.Processes < pids {
		pids = limits.Processes
	}
	tmpfs := "rw,nosuid,mode=1777,size=" + strconv.FormatInt(limits.FileSizeBytes, 10)

	hostConfig := &container.HostConfig{
		NetworkMode: "none",
		Resources: container.Resources{
			Memory:     limits.MemoryBytes,
			MemorySwap: limits.MemoryBytes,
			NanoCPUs:   int64(r.config.CPULimit * 1e9),
			PidsLimit:  &pids,
			Ulimits: []*container.Ulimit{
				{Name: "cpu", Soft: cpu, Hard: cpu + 1},
				{Name: "fsize", Soft: limits.FileSizeBytes, Hard: limits.FileSizeBytes},
			},
		},
		ReadonlyRootfs: true,
		Tmpfs: map[string]string{
			workdir: tmpfs,
			"/tmp":  tmpfs,
		},
		CapDrop:     []string{"ALL"},
		SecurityOpt: []string{"no-new-privileges"},
	}

	resp, err := r.cli.ContainerCreate(ctx, &container.Config{
		Image:      img,
		Cmd:        []string{"sleep", "infinity"},
		User:       "nobody",
		WorkingDir: workdir,
	}, hostConfig, nil, nil, "")
	if err != nil {
		return "", fmt.Errorf("ContainerCreate failed: %w", err)
	}

	if err := r.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		r.removeContainer(resp.ID)
		return "", fmt.Errorf("ContainerStart failed: %w", err)
	}
	return resp.ID, nil
}

// removeContainer force removes a container, killing everything inside it.
func (r *Runner) removeContainer(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := r.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		metrics.CleanupFailures.Inc()
		r.logger.Error("failed to remove container", slog.String("id", id), slog.String("error", err.Error()))
	}
}
