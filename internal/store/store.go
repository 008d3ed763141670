// Package store persists work history: one record per dispatched work item
// plus the log lines it produced.
package store

import (
	"context"
	"errors"

	"github.com/seantiz/anvil/internal/model"
)

var (
	// ErrNotFound is returned when a work record does not exist.
	ErrNotFound = errors.New("work record not found")

	// ErrInvalidTransition is returned when a status change is not allowed.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// WorkStats holds aggregate execution statistics.
type WorkStats struct {
	Total            int            `json:"total"`
	CountByStatus    map[string]int `json:"count_by_status"`
	CountByIsolation map[string]int `json:"count_by_isolation"`
	CountByAction    map[string]int `json:"count_by_action"`
	AvgDurationMS    float64        `json:"avg_duration_ms"`
}

// Filter narrows ListWork. Zero fields match everything.
type Filter struct {
	OperationID string
	Status      string
	Limit       int
	Offset      int
}

// Store defines the persistence operations for work history.
type Store interface {
	CreateWork(ctx context.Context, r *model.WorkRecord) error
	GetWork(ctx context.Context, id string) (*model.WorkRecord, error)
	ListWork(ctx context.Context, f Filter) ([]*model.WorkRecord, int, error)
	UpdateWorkStatus(ctx context.Context, id, status string) error
	UpdateWork(ctx context.Context, r *model.WorkRecord) error
	GetWorkStats(ctx context.Context) (*WorkStats, error)
	InsertLogLine(ctx context.Context, workID string, seq int, line string) error
	GetLogLines(ctx context.Context, workID string) ([]model.LogLine, error)
	Close() error
}
