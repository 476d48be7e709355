package store

import (
	"context"
	"errors"

	"github.com/go-idp/pipeline/internal/model"
)

var (
	// ErrNotFound is returned when a run does not exist.
	ErrNotFound = errors.New("run not found")
	// ErrDefinitionNotFound is returned when a stored definition does not exist.
	ErrDefinitionNotFound = errors.New("definition not found")
	// ErrInvalidTransition is returned when a run status transition is not allowed.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// RunStats holds aggregate run statistics.
type RunStats struct {
	Total         int            `json:"total"`
	CountByStatus map[string]int `json:"count_by_status"`
	AvgDurationMS float64        `json:"avg_duration_ms"`
	Events        int            `json:"events"`
}

// ListFilter selects runs for ListRuns. An empty Status matches every run.
type ListFilter struct {
	Status model.RunStatus
	Limit  int
	Offset int
}

// Store defines the persistence operations for runs, their events and the
// registered definitions runs may reference.
type Store interface {
	CreateRun(ctx context.Context, r *model.Run) error
	GetRun(ctx context.Context, id string) (*model.Run, error)
	ListRuns(ctx context.Context, f ListFilter) ([]*model.Run, int, error)
	UpdateRunStatus(ctx context.Context, id string, status model.RunStatus) error
	FinishRun(ctx context.Context, id string, status model.RunStatus, errMsg string, result *model.AggregateResult) error
	MarkInterrupted(ctx context.Context, reason string) ([]string, error)
	DeleteRun(ctx context.Context, id string) error
	AppendEvent(ctx context.Context, ev model.Event) error
	ListEvents(ctx context.Context, runID string, after int64, limit int) ([]model.Event, error)
	GetRunStats(ctx context.Context) (*RunStats, error)

	CreateDefinition(ctx context.Context, d *model.Definition) error
	GetDefinition(ctx context.Context, id string) (*model.Definition, error)
	ListDefinitions(ctx context.Context) ([]*model.Definition, error)
	UpdateDefinition(ctx context.Context, d *model.Definition) error
	DeleteDefinition(ctx context.Context, id string) error

	Close() error
}
