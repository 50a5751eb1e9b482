package models

import (
	"time"

	"github.com/google/uuid"
)

// HistoryStatus is the recorded outcome of one step execution attempt
type HistoryStatus string

const (
	HistoryStatusSuccess  HistoryStatus = "success"
	HistoryStatusFailed   HistoryStatus = "failed"
	HistoryStatusWaiting  HistoryStatus = "waiting"
	HistoryStatusSkipped  HistoryStatus = "skipped"
	HistoryStatusTimeout  HistoryStatus = "timeout"
	HistoryStatusRetry    HistoryStatus = "retry"
	HistoryStatusRollback HistoryStatus = "rollback"
)

// HistoryEntry records one step execution attempt. History is append-only
// per instance and totally ordered by start time and append order.
type HistoryEntry struct {
	ID              uuid.UUID     `json:"id" db:"id"`
	InstanceID      uuid.UUID     `json:"instance_id" db:"instance_id"`
	StepID          string        `json:"step_id" db:"step_id"`
	StepName        string        `json:"step_name" db:"step_name"`
	StepType        StepType      `json:"step_type" db:"step_type"`
	Status          HistoryStatus `json:"status" db:"status"`
	ExecutorName    string        `json:"executor_name,omitempty" db:"executor_name"`
	InputData       JSONMap       `json:"input_data,omitempty" db:"input_data"`
	OutputData      JSONMap       `json:"output_data,omitempty" db:"output_data"`
	ErrorMessage    string        `json:"error_message,omitempty" db:"error_message"`
	StartedTime     time.Time     `json:"started_time" db:"started_time"`
	CompletedTime   time.Time     `json:"completed_time" db:"completed_time"`
	ExecutionTimeMs int64         `json:"execution_time_ms" db:"execution_time_ms"`
	RetryCount      int           `json:"retry_count" db:"retry_count"`
}

// NewHistoryEntry builds an entry for a finished attempt, stamping the
// execution time from the start/complete pair.
func NewHistoryEntry(instanceID uuid.UUID, step *Step, status HistoryStatus, started, completed time.Time) *HistoryEntry {
	return &HistoryEntry{
		ID:              uuid.New(),
		InstanceID:      instanceID,
		StepID:          step.ID,
		StepName:        step.Name,
		StepType:        step.Type,
		Status:          status,
		StartedTime:     started,
		CompletedTime:   completed,
		ExecutionTimeMs: completed.Sub(started).Milliseconds(),
	}
}
