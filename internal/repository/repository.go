// Package repository defines the storage contract for the execution audit log.
package repository

import (
	"context"
	"time"

	"github.com/sakif/snippetbox/internal/model"
)

// ListOptions filters and paginates history queries. Empty filters match everything.
type ListOptions struct {
	Limit    int
	Offset   int
	Language model.Language
	Status   model.Status
}

// ExecutionRepository persists execution records. Records are immutable once
// written; the only removal is retention pruning.
type ExecutionRepository interface {
	Create(ctx context.Context, rec *model.ExecutionRecord) error
	GetByID(ctx context.Context, id string) (*model.ExecutionRecord, error)
	List(ctx context.Context, opts ListOptions) ([]model.ExecutionRecord, error)
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
