package stores

import (
	"context"
	"time"
)

// RunStatus represents the final status of an action run
type RunStatus string

const (
	RunStatusRunning      RunStatus = "running"
	RunStatusSucceeded    RunStatus = "succeeded"
	RunStatusFailed       RunStatus = "failed"
	RunStatusNoChanges    RunStatus = "no_changes"
	RunStatusNotConfirmed RunStatus = "not_confirmed"
	RunStatusCancelled    RunStatus = "cancelled"
)

// IsTerminal returns true if the run has finished.
func (s RunStatus) IsTerminal() bool {
	return s != RunStatusRunning
}

// Run represents one execution of an action against a namespace
type Run struct {
	ID          string     `json:"id"`
	Namespace   string     `json:"namespace"`
	Action      string     `json:"action"`
	Status      RunStatus  `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       *string    `json:"error,omitempty"`
	Metadata    string     `json:"metadata"` // JSON blob
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// StepResult represents the final state of one stack's step within a run
type StepResult struct {
	ID        int64     `json:"id"`
	RunID     string    `json:"run_id"`
	StackName string    `json:"stack_name"`
	Status    string    `json:"status"`
	Reason    string    `json:"reason,omitempty"`
	Attempts  int       `json:"attempts"`
	Error     *string   `json:"error,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HistoryStore records action runs and their step results
type HistoryStore interface {
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	FinishRun(ctx context.Context, id string, status RunStatus, errMsg *string) error
	ListRuns(ctx context.Context, namespace string, limit, offset int) ([]*Run, error)
	DeleteRun(ctx context.Context, id string) error

	RecordStepResults(ctx context.Context, runID string, results []*StepResult) error
	ListStepResults(ctx context.Context, runID string) ([]*StepResult, error)
}
