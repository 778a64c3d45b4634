// Package model defines the values that flow through snippetbox: the request a
// caller submits, the result it always gets back, and the record persisted for audit.
package model

import (
	"encoding/json"
	"time"

	"github.com/sakif/snippetbox/internal/limiter"
)

// Language tags a snippet with the interpreter that should run it.
// The set is open: any tag registered with the language registry is valid.
type Language string

const (
	Python     Language = "python"
	Bash       Language = "bash"
	JavaScript Language = "javascript"
)

// Status is the outcome of an execution.
type Status string

const (
	StatusSuccess      Status = "success"
	StatusRuntimeError Status = "runtime_error"
	StatusTimeout      Status = "timeout"
	StatusSetupError   Status = "setup_error"
)

// ExecutionRequest is created once per submission and never mutated afterwards.
type ExecutionRequest struct {
	ID          string
	Language    Language
	Source      string
	Packages    []string
	SubmittedAt time.Time

	// Class decides whether Overrides and KeepArtifacts are honoured.
	Class         limiter.Class
	Overrides     *limiter.Limits
	KeepArtifacts bool
}

// ExecutionResult is produced exactly once per request.
//
// ExitCode is nil for timeouts and setup errors; both still carry an
// explanation in Stderr.
type ExecutionResult struct {
	RequestID       string
	Status          Status
	Stdout          string
	Stderr          string
	ExitCode        *int
	Duration        time.Duration
	StdoutTruncated bool
	StderrTruncated bool
}

// SetupFailure builds the result for a request that never reached execution.
func SetupFailure(requestID, reason string) ExecutionResult {
	return ExecutionResult{
		RequestID: requestID,
		Status:    StatusSetupError,
		Stderr:    reason,
	}
}

type resultJSON struct {
	RequestID       string `json:"request_id"`
	Status          Status `json:"status"`
	Stdout          string `json:"stdout"`
	Stderr          string `json:"stderr"`
	ExitCode        *int   `json:"exit_code,omitempty"`
	DurationMS      int64  `json:"duration_ms"`
	StdoutTruncated bool   `json:"stdout_truncated"`
	StderrTruncated bool   `json:"stderr_truncated"`
}

// MarshalJSON renders the duration as whole milliseconds (duration_ms).
func (r ExecutionResult) MarshalJSON() ([]byte, error) {
	return json.Marshal(resultJSON{
		RequestID:       r.RequestID,
		Status:          r.Status,
		Stdout:          r.Stdout,
		Stderr:          r.Stderr,
		ExitCode:        r.ExitCode,
		DurationMS:      r.Duration.Milliseconds(),
		StdoutTruncated: r.StdoutTruncated,
		StderrTruncated: r.StderrTruncated,
	})
}

func (r *ExecutionResult) UnmarshalJSON(data []byte) error {
	var raw resultJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*r = ExecutionResult{
		RequestID:       raw.RequestID,
		Status:          raw.Status,
		Stdout:          raw.Stdout,
		Stderr:          raw.Stderr,
		ExitCode:        raw.ExitCode,
		Duration:        time.Duration(raw.DurationMS) * time.Millisecond,
		StdoutTruncated: raw.StdoutTruncated,
		StderrTruncated: raw.StderrTruncated,
	}
	return nil
}

// ExecutionRecord is the immutable audit entry written after every execution.
type ExecutionRecord struct {
	Result      ExecutionResult `json:"result"`
	Language    Language        `json:"language"`
	Packages    []string        `json:"packages"`
	Class       limiter.Class   `json:"class"`
	SourceBytes int             `json:"source_bytes"`
	SubmittedAt time.Time       `json:"submitted_at"`
	FinishedAt  time.Time       `json:"finished_at"`
}

// NewRecord pairs a request with its result.
func NewRecord(req ExecutionRequest, res ExecutionResult, finishedAt time.Time) ExecutionRecord {
	pkgs := req.Packages
	if pkgs == nil {
		pkgs = []string{}
	}
	return ExecutionRecord{
		Result:      res,
		Language:    req.Language,
		Packages:    pkgs,
		Class:       req.Class,
		SourceBytes: len(req.Source),
		SubmittedAt: req.SubmittedAt,
		FinishedAt:  finishedAt,
	}
}
