package mcpgate

import (
	"context"
	"errors"
	"time"
)

// ErrTaskNotFound is returned by TaskStore.GetTask for unknown IDs.
var ErrTaskNotFound = errors.New("task not found")

// TaskRecord is the persisted form of a finished task.
type TaskRecord struct {
	ID              string            `json:"id"`
	Task            string            `json:"task"`
	Success         bool              `json:"success"`
	FinalResult     string            `json:"final_result"`
	Summary         string            `json:"summary"`
	Steps           []TaskStep        `json:"steps"`
	TotalSteps      int               `json:"total_steps"`
	SuccessfulSteps int               `json:"successful_steps"`
	NewFiles        map[string]string `json:"new_files,omitempty"`
	ExecutionTime   float64           `json:"execution_time"`
	Rounds          int               `json:"rounds"`
	TokenUsage      UsageTotals       `json:"total_token_usage,omitempty"`
	Error           string            `json:"error,omitempty"`
	ErrorType       string            `json:"error_type,omitempty"`
	StartedAt       time.Time         `json:"started_at"`
	FinishedAt      time.Time         `json:"finished_at"`
}

// NewTaskRecord converts a terminal TaskResult into its persisted form.
func NewTaskRecord(res TaskResult) TaskRecord {
	return TaskRecord{
		ID:              res.TaskID,
		Task:            res.Task,
		Success:         res.Success,
		FinalResult:     res.FinalResult,
		Summary:         res.Summary,
		Steps:           res.Steps,
		TotalSteps:      res.TotalSteps,
		SuccessfulSteps: res.SuccessfulSteps,
		NewFiles:        res.NewFiles,
		ExecutionTime:   res.ExecutionTime,
		Rounds:          res.Rounds,
		TokenUsage:      res.TokenUsage,
		Error:           res.Error,
		ErrorType:       res.ErrorType,
		StartedAt:       res.StartedAt,
		FinishedAt:      res.StartedAt.Add(time.Duration(res.ExecutionTime * float64(time.Second))),
	}
}

// StoreStats summarizes the task history held by a store.
type StoreStats struct {
	TotalTasks     int `json:"total_tasks"`
	SucceededTasks int `json:"succeeded_tasks"`
	FailedTasks    int `json:"failed_tasks"`
	TotalSteps     int `json:"total_steps"`
}

// TaskStore abstracts task history persistence. Implementations live in
// store/sqlite and store/postgres.
type TaskStore interface {
	// SaveTask persists one finished task. Saving an existing ID replaces
	// the previous record.
	SaveTask(ctx context.Context, rec TaskRecord) error
	// GetTask returns a task by ID, or ErrTaskNotFound.
	GetTask(ctx context.Context, id string) (TaskRecord, error)
	// ListTasks returns the most recent tasks, newest first. A non-positive
	// limit applies a server-side default.
	ListTasks(ctx context.Context, limit int) ([]TaskRecord, error)
	// Stats aggregates counts over the stored history.
	Stats(ctx context.Context) (StoreStats, error)

	// --- Lifecycle ---
	Init(ctx context.Context) error
	Close() error
}
