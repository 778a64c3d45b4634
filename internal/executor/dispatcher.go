package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"github.com/rs/xid"
	"golang.org/x/sync/semaphore"

	"github.com/sakif/snippetbox/internal/environment"
	"github.com/sakif/snippetbox/internal/language"
	"github.com/sakif/snippetbox/internal/limiter"
	"github.com/sakif/snippetbox/internal/metrics"
	"github.com/sakif/snippetbox/internal/model"
	"github.com/sakif/snippetbox/internal/runner"
)

// Options configures a Dispatcher.
type Options struct {
	// PoolSize caps how many snippets run at once.
	PoolSize int64
	// QueueTimeout bounds how long a request waits for a free slot.
	QueueTimeout   time.Duration
	MaxSourceBytes int
	MaxPackages    int
	// Strategies selects the environment kind per language. Languages not
	// listed use Ephemeral.
	Strategies map[model.Language]environment.Kind
	Policy     limiter.Policy
}

// DefaultOptions shares one environment for Python so installed packages are
// reused; everything else runs in a fresh directory.
func DefaultOptions() Options {
	return Options{
		PoolSize:       4,
		QueueTimeout:   30 * time.Second,
		MaxSourceBytes: 64 * 1024,
		MaxPackages:    16,
		Strategies: map[model.Language]environment.Kind{
			model.Python: environment.SharedCached,
		},
		Policy: limiter.DefaultPolicy(),
	}
}

// Dispatcher implements Executor. It is safe for concurrent use; its only
// shared state is the slot semaphore.
type Dispatcher struct {
	registry    *language.Registry
	provisioner Provisioner
	runner      runner.Runner
	opts        Options
	slots       *semaphore.Weighted
	logger      *slog.Logger
}

var _ Executor = (*Dispatcher)(nil)

func NewDispatcher(registry *language.Registry, provisioner Provisioner, r runner.Runner, opts Options, logger *slog.Logger) *Dispatcher {
	if opts.PoolSize <= 0 {
		opts.PoolSize = 1
	}
	return &Dispatcher{
		registry:    registry,
		provisioner: provisioner,
		runner:      r,
		opts:        opts,
		slots:       semaphore.NewWeighted(opts.PoolSize),
		logger:      logger,
	}
}

// Strategy returns the environment kind used for lang.
func (d *Dispatcher) Strategy(lang model.Language) environment.Kind {
	if kind, ok := d.opts.Strategies[lang]; ok {
		return kind
	}
	return environment.Ephemeral
}

// Execute runs req and returns its result.
func (d *Dispatcher) Execute(ctx context.Context, req model.ExecutionRequest) (result model.ExecutionResult) {
	if req.ID == "" {
		req.ID = xid.New().String()
	}
	if req.SubmittedAt.IsZero() {
		req.SubmittedAt = time.Now()
	}
	if req.Class != limiter.ClassTrusted {
		req.KeepArtifacts = false
	}

	logger := d.logger.With(slog.String("request_id", req.ID), slog.String("language", string(req.Language)))

	defer func() {
		if p := recover(); p != nil {
			logger.Error("execution panicked",
				slog.Any("panic", p),
				slog.String("stack", string(debug.Stack())),
			)
			result = model.SetupFailure(req.ID, fmt.Sprintf("internal error: %v", p))
		}
		result = normalize(req.ID, result)
		d.record(req, result)
		logger.Info("execution finished",
			slog.String("status", string(result.Status)),
			slog.Duration("duration", result.Duration),
		)
	}()

	spec, err := d.registry.Resolve(req.Language)
	if err != nil {
		return model.SetupFailure(req.ID, err.Error())
	}
	if err := d.validate(req, spec); err != nil {
		return model.SetupFailure(req.ID, err.Error())
	}

	limits, err := d.opts.Policy.Resolve(req.Class, req.Overrides)
	if err != nil {
		return model.SetupFailure(req.ID, err.Error())
	}

	release, err := d.acquire(ctx)
	if err != nil {
		return model.SetupFailure(req.ID, err.Error())
	}
	defer release()

	// Provisioning outlives a disconnected caller so shared installs finish
	// consistently.
	env, err := d.provisioner.Provision(context.WithoutCancel(ctx), req, d.Strategy(req.Language))
	if err != nil {
		logger.Warn("provisioning failed", slog.String("error", err.Error()))
		return model.SetupFailure(req.ID, err.Error())
	}
	defer d.provisioner.Cleanup(env)

	return d.runner.Run(ctx, req, spec, env, limits)
}

func (d *Dispatcher) validate(req model.ExecutionRequest, spec language.RunnerSpec) error {
	if strings.TrimSpace(req.Source) == "" {
		return errors.New("source must not be empty")
	}
	if d.opts.MaxSourceBytes > 0 && len(req.Source) > d.opts.MaxSourceBytes {
		return fmt.Errorf("source is %d bytes, the limit is %d", len(req.Source), d.opts.MaxSourceBytes)
	}
	if len(req.Packages) == 0 {
		return nil
	}
	if !spec.SupportsPackages {
		return fmt.Errorf("%s does not support package installation", spec.Name)
	}
	if !d.runner.SupportsHostPackages() {
		return errors.New("package installation is not available with the configured runner")
	}
	if d.opts.MaxPackages > 0 && len(req.Packages) > d.opts.MaxPackages {
		return fmt.Errorf("%d packages requested, the limit is %d", len(req.Packages), d.opts.MaxPackages)
	}
	return environment.ValidatePackages(req.Packages)
}

// acquire waits for an execution slot.
func (d *Dispatcher) acquire(ctx context.Context) (func(), error) {
	start := time.Now()
	if d.opts.QueueTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.opts.QueueTimeout)
		defer cancel()
	}
	if err := d.slots.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("no execution slot available after %s: %w", time.Since(start).Round(time.Millisecond), err)
	}
	metrics.QueueWaitDuration.Observe(time.Since(start).Seconds())
	return func() { d.slots.Release(1) }, nil
}

func (d *Dispatcher) record(req model.ExecutionRequest, result model.ExecutionResult) {
	lang := string(req.Language)
	if _, err := d.registry.Resolve(req.Language); err != nil {
		lang = "unsupported"
	}
	metrics.ExecutionsTotal.WithLabelValues(lang, string(result.Status)).Inc()
	if result.Status != model.StatusSetupError {
		metrics.ExecutionDuration.WithLabelValues(lang).Observe(result.Duration.Seconds())
	}
}

// normalize enforces the result contract whatever the runner returned.
func normalize(requestID string, r model.ExecutionResult) model.ExecutionResult {
	r.RequestID = requestID
	switch r.Status {
	case model.StatusSuccess, model.StatusRuntimeError:
		if r.ExitCode == nil {
			code := 0
			if r.Status == model.StatusRuntimeError {
				code = 1
			}
			r.ExitCode = &code
		}
	case model.StatusTimeout:
		r.ExitCode = nil
		if strings.TrimSpace(r.Stderr) == "" {
			r.Stderr = "execution timed out"
		}
	default:
		r.Status = model.StatusSetupError
		r.ExitCode = nil
		if strings.TrimSpace(r.Stderr) == "" {
			r.Stderr = "execution could not be set up"
		}
	}
	return r
}
