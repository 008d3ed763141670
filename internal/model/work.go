package model

import (
	"fmt"
	"time"
)

// Work item status constants.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// IsolationMode selects the execution context a unit of work runs in.
type IsolationMode string

// Isolation modes.
const (
	// IsolationNone runs the work in the caller's own process and namespace.
	IsolationNone IsolationMode = "none"

	// IsolationClassloader runs the work in-process inside a sandbox scoped
	// to the requirement's classpath.
	IsolationClassloader IsolationMode = "classloader"

	// IsolationProcess runs the work in a reusable worker daemon.
	IsolationProcess IsolationMode = "process"
)

// IsolationModes lists every supported mode in order of increasing isolation.
var IsolationModes = []IsolationMode{IsolationNone, IsolationClassloader, IsolationProcess}

// ParseIsolationMode converts a user-supplied string into an IsolationMode.
// The empty string maps to IsolationNone.
func ParseIsolationMode(s string) (IsolationMode, error) {
	switch s {
	case "", string(IsolationNone):
		return IsolationNone, nil
	case string(IsolationClassloader):
		return IsolationClassloader, nil
	case string(IsolationProcess):
		return IsolationProcess, nil
	}
	return "", fmt.Errorf("unknown isolation mode %q", s)
}

func (m IsolationMode) String() string {
	return string(m)
}

// validTransitions maps each status to the set of statuses it may transition to.
var validTransitions = map[string]map[string]bool{
	StatusPending: {
		StatusRunning: true,
		StatusFailed:  true,
	},
	StatusRunning: {
		StatusCompleted: true,
		StatusFailed:    true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// IsTerminal reports whether status is a final state.
func IsTerminal(status string) bool {
	return status == StatusCompleted || status == StatusFailed
}

// WorkRecord is the persisted history entry for one dispatched work item.
type WorkRecord struct {
	ID          string        `json:"id"`
	OperationID string        `json:"operation_id"`
	Action      string        `json:"action"`
	Isolation   IsolationMode `json:"isolation"`
	Status      string        `json:"status"`
	Output      []byte        `json:"output,omitempty"`
	Error       string        `json:"error,omitempty"`
	DaemonID    string        `json:"daemon_id,omitempty"`
	DurationMS  *int          `json:"duration_ms,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	StartedAt   *time.Time    `json:"started_at,omitempty"`
	FinishedAt  *time.Time    `json:"finished_at,omitempty"`
}

// LogLine is one persisted line of output from a work item.
type LogLine struct {
	ID        int64     `json:"id"`
	WorkID    string    `json:"work_id"`
	Seq       int       `json:"seq"`
	Line      string    `json:"line"`
	CreatedAt time.Time `json:"created_at"`
}
