package store

import (
	"context"
	"errors"

	"github.com/seantiz/crucible/internal/model"
)

// ErrInvalidTransition is returned when a run status update would violate
// the lifecycle's transition table. The scheduler treats it as corruption
// of the run-state table, which is fatal.
var ErrInvalidTransition = errors.New("invalid status transition")

// ErrNotFound is returned when a run is not found.
var ErrNotFound = errors.New("run not found")

// RunStats holds aggregate execution statistics for the status API.
type RunStats struct {
	Total          int            `json:"total"`
	CountByStatus  map[string]int `json:"count_by_status"`
	CountByOutcome map[string]int `json:"count_by_outcome"`
	AvgDurationMS  float64        `json:"avg_duration_ms"`
}

// Store defines the persistence operations for run records.
type Store interface {
	CreateRun(ctx context.Context, r *model.Run) error
	GetRun(ctx context.Context, id string) (*model.Run, error)
	ListRuns(ctx context.Context, limit, offset int) ([]*model.Run, int, error)
	// UpdateRunStatus moves the run to the given status, enforcing the
	// lifecycle transition table.
	UpdateRunStatus(ctx context.Context, id, status string) error
	// UpdateRun persists the run's mutable execution state in full.
	UpdateRun(ctx context.Context, r *model.Run) error
	GetRunStats(ctx context.Context) (*RunStats, error)
	InsertOutputLine(ctx context.Context, runID string, seq int, line string) error
	GetOutputLines(ctx context.Context, runID string) ([]model.OutputLine, error)
	Close() error
}
