package store

import (
	"context"

	"github.com/seantiz/cvs/internal/model"
)

// ExecutionStats holds aggregate statistics over recorded executions.
type ExecutionStats struct {
	Total          int            `json:"total"`
	CountByStatus  map[string]int `json:"count_by_status"`
	CountByPool    map[string]int `json:"count_by_pool"`
	AvgDurationMS  float64        `json:"avg_duration_ms"`
	FailedHostRuns int            `json:"failed_host_runs"`
}

// Store defines the persistence operations for execution history.
type Store interface {
	RecordExecution(ctx context.Context, e *model.Execution) error
	GetExecution(ctx context.Context, id string) (*model.Execution, error)
	ListExecutions(ctx context.Context, limit, offset int) ([]*model.Execution, int, error)
	Stats(ctx context.Context) (*ExecutionStats, error)
	Close() error
}
