package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sakif/snippetbox/internal/apperror"
	"github.com/sakif/snippetbox/internal/limiter"
	"github.com/sakif/snippetbox/internal/model"
	"github.com/sakif/snippetbox/internal/repository"
)

var _ repository.ExecutionRepository = (*DB)(nil)

const executionColumns = `id, language, status, stdout, stderr, exit_code, duration_ms,
	stdout_truncated, stderr_truncated, class, source_bytes, packages, submitted_at, finished_at`

// Create inserts a record keyed by its request id.
func (db *DB) Create(ctx context.Context, rec *model.ExecutionRecord) error {
	if rec.Result.RequestID == "" {
		return apperror.ValidationFailed("request_id", "execution record has no request id")
	}

	packages, err := json.Marshal(nonNil(rec.Packages))
	if err != nil {
		return fmt.Errorf("sqlite: encoding packages: %w", err)
	}

	var exitCode sql.NullInt64
	if rec.Result.ExitCode != nil {
		exitCode = sql.NullInt64{Int64: int64(*rec.Result.ExitCode), Valid: true}
	}

	_, err = db.conn.ExecContext(ctx,
		`INSERT INTO executions (`+executionColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Result.RequestID,
		string(rec.Language),
		string(rec.Result.Status),
		rec.Result.Stdout,
		rec.Result.Stderr,
		exitCode,
		rec.Result.Duration.Milliseconds(),
		rec.Result.StdoutTruncated,
		rec.Result.StderrTruncated,
		string(rec.Class),
		rec.SourceBytes,
		string(packages),
		rec.SubmittedAt.UTC(),
		rec.FinishedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("sqlite: creating execution %s: %w", rec.Result.RequestID, err)
	}
	return nil
}

// GetByID returns the record for a request id.
func (db *DB) GetByID(ctx context.Context, id string) (*model.ExecutionRecord, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT `+executionColumns+` FROM executions WHERE id = ?`,
		id,
	)
	rec, err := scanExecution(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NotFound("execution", id)
		}
		return nil, fmt.Errorf("sqlite: getting execution %s: %w", id, err)
	}
	return rec, nil
}

// List returns records newest first.
func (db *DB) List(ctx context.Context, opts repository.ListOptions) ([]model.ExecutionRecord, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	offset := max(opts.Offset, 0)

	var (
		where []string
		args  []any
	)
	if opts.Language != "" {
		where = append(where, "language = ?")
		args = append(args, string(opts.Language))
	}
	if opts.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(opts.Status))
	}

	query := `SELECT ` + executionColumns + ` FROM executions`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY finished_at DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: listing executions: %w", err)
	}
	defer rows.Close()

	records := make([]model.ExecutionRecord, 0, limit)
	for rows.Next() {
		rec, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scanning execution row: %w", err)
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterating executions: %w", err)
	}
	return records, nil
}

// DeleteBefore prunes records that finished before cutoff.
func (db *DB) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := db.conn.ExecContext(ctx,
		`DELETE FROM executions WHERE finished_at < ?`,
		cutoff.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("sqlite: pruning executions: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sqlite: checking rows affected: %w", err)
	}
	return n, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanExecution(s scanner) (*model.ExecutionRecord, error) {
	var (
		rec        model.ExecutionRecord
		language   string
		status     string
		class      string
		exitCode   sql.NullInt64
		durationMS int64
		packages   string
	)
	err := s.Scan(
		&rec.Result.RequestID,
		&language,
		&status,
		&rec.Result.Stdout,
		&rec.Result.Stderr,
		&exitCode,
		&durationMS,
		&rec.Result.StdoutTruncated,
		&rec.Result.StderrTruncated,
		&class,
		&rec.SourceBytes,
		&packages,
		&rec.SubmittedAt,
		&rec.FinishedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.Language = model.Language(language)
	rec.Result.Status = model.Status(status)
	rec.Class = limiter.Class(class)
	rec.Result.Duration = time.Duration(durationMS) * time.Millisecond
	if exitCode.Valid {
		code := int(exitCode.Int64)
		rec.Result.ExitCode = &code
	}
	if err := json.Unmarshal([]byte(packages), &rec.Packages); err != nil {
		return nil, fmt.Errorf("decoding packages: %w", err)
	}
	rec.Packages = nonNil(rec.Packages)
	return &rec, nil
}

func nonNil(pkgs []string) []string {
	if pkgs == nil {
		return []string{}
	}
	return pkgs
}
