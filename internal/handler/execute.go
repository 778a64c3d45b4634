package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/sakif/snippetbox/internal/auth"
	"github.com/sakif/snippetbox/internal/limiter"
	"github.com/sakif/snippetbox/internal/model"
	"github.com/sakif/snippetbox/internal/repository"
	"github.com/sakif/snippetbox/internal/service"
)

// Executions is the service the HTTP layer drives.
type Executions interface {
	Execute(ctx context.Context, in service.ExecuteInput) model.ExecutionResult
	Get(ctx context.Context, id string) (*model.ExecutionRecord, error)
	List(ctx context.Context, opts repository.ListOptions) ([]model.ExecutionRecord, error)
}

// DefaultMaxBodyBytes bounds an execute request body.
const DefaultMaxBodyBytes = 256 * 1024

type ExecuteHandler struct {
	svc          Executions
	maxBodyBytes int64
	logger       *slog.Logger
}

func NewExecuteHandler(svc Executions, maxBodyBytes int64, logger *slog.Logger) *ExecuteHandler {
	if maxBodyBytes <= 0 {
		maxBodyBytes = DefaultMaxBodyBytes
	}
	return &ExecuteHandler{
		svc:          svc,
		maxBodyBytes: maxBodyBytes,
		logger:       logger,
	}
}

// executeRequest is the wire form of a submission.
type executeRequest struct {
	Language          string       `json:"language"`
	Source            string       `json:"source"`
	RequestedPackages []string     `json:"requested_packages,omitempty"`
	Limits            *limitsInput `json:"limits,omitempty"`
	KeepArtifacts     bool         `json:"keep_artifacts,omitempty"`
}

// limitsInput carries overrides in milliseconds and bytes.
type limitsInput struct {
	CPUTimeMS     int64 `json:"cpu_time_ms,omitempty"`
	MemoryBytes   int64 `json:"memory_bytes,omitempty"`
	WallClockMS   int64 `json:"wall_clock_ms,omitempty"`
	FileSizeBytes int64 `json:"file_size_bytes,omitempty"`
	Processes     int64 `json:"processes,omitempty"`
}

func (l *limitsInput) toLimits() *limiter.Limits {
	if l == nil {
		return nil
	}
	return &limiter.Limits{
		CPUTime:       time.Duration(l.CPUTimeMS) * time.Millisecond,
		MemoryBytes:   l.MemoryBytes,
		WallClock:     time.Duration(l.WallClockMS) * time.Millisecond,
		FileSizeBytes: l.FileSizeBytes,
		Processes:     l.Processes,
	}
}

// HandleExecute runs a snippet. Any decodable request gets a 200 with a
// result; the outcome is in its status field.
func (h *ExecuteHandler) HandleExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := decodeJSON(w, r, h.maxBodyBytes, &req); err != nil {
		h.logger.Warn("invalid execution request body", slog.String("error", err.Error()))
		writeDecodeError(w, err)
		return
	}

	principal := auth.PrincipalFromContext(r.Context())
	result := h.svc.Execute(r.Context(), service.ExecuteInput{
		Language:      req.Language,
		Source:        req.Source,
		Packages:      req.RequestedPackages,
		Class:         principal.Class,
		Overrides:     req.Limits.toLimits(),
		KeepArtifacts: req.KeepArtifacts,
	})

	writeJSON(w, http.StatusOK, result)
}
