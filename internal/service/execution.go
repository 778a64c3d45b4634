// Package service ties the dispatcher to the audit log: every execution is
// run, then recorded.
package service

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/rs/xid"

	"github.com/sakif/snippetbox/internal/apperror"
	"github.com/sakif/snippetbox/internal/executor"
	"github.com/sakif/snippetbox/internal/limiter"
	"github.com/sakif/snippetbox/internal/model"
	"github.com/sakif/snippetbox/internal/repository"
)

const (
	DefaultListLimit = 20
	MaxListLimit     = 100

	persistTimeout = 5 * time.Second
)

// ExecuteInput is what a caller submits.
type ExecuteInput struct {
	Language      string
	Source        string
	Packages      []string
	Class         limiter.Class
	Overrides     *limiter.Limits
	KeepArtifacts bool
}

// ExecutionService runs snippets and keeps their history.
type ExecutionService struct {
	executor executor.Executor
	repo     repository.ExecutionRepository
	logger   *slog.Logger
}

func NewExecutionService(exec executor.Executor, repo repository.ExecutionRepository, logger *slog.Logger) *ExecutionService {
	return &ExecutionService{
		executor: exec,
		repo:     repo,
		logger:   logger,
	}
}

// Execute runs the snippet and records the result. A failure to record is
// logged and never replaces the result.
func (s *ExecutionService) Execute(ctx context.Context, in ExecuteInput) model.ExecutionResult {
	req := model.ExecutionRequest{
		ID:            xid.New().String(),
		Language:      model.Language(strings.ToLower(strings.TrimSpace(in.Language))),
		Source:        in.Source,
		Packages:      in.Packages,
		SubmittedAt:   time.Now(),
		Class:         in.Class,
		Overrides:     in.Overrides,
		KeepArtifacts: in.KeepArtifacts,
	}

	result := s.executor.Execute(ctx, req)
	s.persist(ctx, req, result)
	return result
}

// persist writes the audit record on a context detached from the caller, so
// a disconnected client still leaves a record behind.
func (s *ExecutionService) persist(ctx context.Context, req model.ExecutionRequest, result model.ExecutionResult) {
	if s.repo == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	rec := model.NewRecord(req, result, time.Now())
	if err := s.repo.Create(ctx, &rec); err != nil {
		s.logger.Error("failed to record execution",
			slog.String("request_id", result.RequestID),
			slog.String("error", err.Error()),
		)
	}
}

// Get returns a recorded execution.
func (s *ExecutionService) Get(ctx context.Context, id string) (*model.ExecutionRecord, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, apperror.ValidationFailed("id", "execution ID is required")
	}
	if s.repo == nil {
		return nil, apperror.NotFound("execution", id)
	}
	return s.repo.GetByID(ctx, id)
}

// List returns recorded executions, newest first.
func (s *ExecutionService) List(ctx context.Context, opts repository.ListOptions) ([]model.ExecutionRecord, error) {
	if opts.Limit <= 0 {
		opts.Limit = DefaultListLimit
	}
	if opts.Limit > MaxListLimit {
		opts.Limit = MaxListLimit
	}
	opts.Offset = max(opts.Offset, 0)

	if s.repo == nil {
		return []model.ExecutionRecord{}, nil
	}
	return s.repo.List(ctx, opts)
}

// Prune deletes records older than retention.
func (s *ExecutionService) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	if s.repo == nil || retention <= 0 {
		return 0, nil
	}
	n, err := s.repo.DeleteBefore(ctx, time.Now().Add(-retention))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Info("pruned execution history", slog.Int64("deleted", n))
	}
	return n, nil
}
