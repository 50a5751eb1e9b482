package models

import (
	"fmt"
	"time"
)

// Workflow is an immutable workflow definition: a dense, ordered sequence of
// typed steps plus routing information. Only active workflows may spawn
// instances; only drafts may be edited.
type Workflow struct {
	ID          string         `json:"id" db:"id"`
	Name        string         `json:"name" db:"name"`
	Version     int            `json:"version" db:"version"`
	Description string         `json:"description,omitempty" db:"description"`
	Status      WorkflowStatus `json:"status" db:"status"`
	Steps       WorkflowSteps  `json:"steps" db:"steps"`
	Config      JSONMap        `json:"config" db:"config"`
	CreatedBy   string         `json:"created_by" db:"created_by"`
	CreatedAt   time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at" db:"updated_at"`
}

// WorkflowStatus represents the lifecycle state of a workflow definition
type WorkflowStatus string

const (
	WorkflowStatusDraft      WorkflowStatus = "draft"
	WorkflowStatusActive     WorkflowStatus = "active"
	WorkflowStatusSuspended  WorkflowStatus = "suspended"
	WorkflowStatusCompleted  WorkflowStatus = "completed"
	WorkflowStatusTerminated WorkflowStatus = "terminated"
)

// CanStartInstance reports whether the definition may spawn new instances.
func (w *Workflow) CanStartInstance() bool {
	return w.Status == WorkflowStatusActive
}

// CanEdit reports whether the definition may still be modified.
func (w *Workflow) CanEdit() bool {
	return w.Status == WorkflowStatusDraft
}

// StepType identifies the kind of work a step performs
type StepType string

const (
	StepTypeTask            StepType = "task"
	StepTypeUserTask        StepType = "user_task"
	StepTypeCondition       StepType = "condition"
	StepTypeParallelGateway StepType = "parallel_gateway"
	StepTypeMergeGateway    StepType = "merge_gateway"
	StepTypeServiceCall     StepType = "service_call"
	StepTypeScript          StepType = "script"
	StepTypeEmail           StepType = "email"
	StepTypeTimer           StepType = "timer"
	StepTypeStart           StepType = "start"
	StepTypeEnd             StepType = "end"
)

// RequiresExecutor reports whether steps of this type demand an executor key.
// Start, end and merge gateways are pure routing markers.
func (t StepType) RequiresExecutor() bool {
	switch t {
	case StepTypeStart, StepTypeEnd, StepTypeMergeGateway:
		return false
	default:
		return true
	}
}

// Step is one typed unit of work inside a workflow. Steps are immutable once
// the workflow is published.
type Step struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Description    string   `json:"description,omitempty"`
	Order          int      `json:"order"`
	Type           StepType `json:"type"`
	ExecutorKey    string   `json:"executor_key,omitempty"`
	Config         JSONMap  `json:"config,omitempty"`
	Precondition   string   `json:"precondition,omitempty"`
	NextStepID     string   `json:"next_step_id,omitempty"`
	ErrorStepID    string   `json:"error_step_id,omitempty"`
	Optional       bool     `json:"optional,omitempty"`
	TimeoutSeconds int      `json:"timeout_seconds,omitempty"`
	RetryCount     int      `json:"retry_count,omitempty"`
	Rollbackable   bool     `json:"rollbackable,omitempty"`
	Async          bool     `json:"async,omitempty"`
}

// Timeout returns the step timeout as a duration, falling back to def when
// the step does not declare one.
func (s *Step) Timeout(def time.Duration) time.Duration {
	if s.TimeoutSeconds > 0 {
		return time.Duration(s.TimeoutSeconds) * time.Second
	}
	return def
}

// GetStep returns the step with the given id.
func (w *Workflow) GetStep(id string) (*Step, bool) {
	return w.Steps.GetByID(id)
}

// GetStepByOrder returns the step at the given 1-based order.
func (w *Workflow) GetStepByOrder(order int) (*Step, bool) {
	if order < 1 || order > len(w.Steps) {
		return nil, false
	}
	return &w.Steps[order-1], true
}

// FirstStep returns the entry step: the step typed start if one exists,
// otherwise the step at order 1.
func (w *Workflow) FirstStep() (*Step, bool) {
	for i := range w.Steps {
		if w.Steps[i].Type == StepTypeStart {
			return &w.Steps[i], true
		}
	}
	if len(w.Steps) == 0 {
		return nil, false
	}
	return &w.Steps[0], true
}

// Validate ensures the definition is internally consistent: a non-empty
// dense 1..N ordering, unique step ids, existing routing targets, and an
// executor key on every step whose type demands execution.
func (w *Workflow) Validate() error {
	if w.Name == "" {
		return NewValidationError("name", "required")
	}
	if len(w.Steps) == 0 {
		return NewValidationError("steps", "at least one step required")
	}

	seen := make(map[string]bool, len(w.Steps))
	for i := range w.Steps {
		step := &w.Steps[i]
		if step.ID == "" {
			return NewValidationError("step.id", fmt.Sprintf("step at index %d has no id", i))
		}
		if seen[step.ID] {
			return NewValidationError("step.id", fmt.Sprintf("duplicate step id: %s", step.ID))
		}
		seen[step.ID] = true

		if step.Order != i+1 {
			return NewValidationError("step.order", fmt.Sprintf("step %s has order %d, want %d", step.ID, step.Order, i+1))
		}
		if step.Type == "" {
			return NewValidationError("step.type", fmt.Sprintf("step %s has no type", step.ID))
		}
		if step.Type.RequiresExecutor() && step.ExecutorKey == "" {
			return NewValidationError("step.executor_key", fmt.Sprintf("step %s (%s) requires an executor key", step.ID, step.Type))
		}
		if step.TimeoutSeconds < 0 {
			return NewValidationError("step.timeout_seconds", fmt.Sprintf("step %s has negative timeout", step.ID))
		}
		if step.RetryCount < 0 {
			return NewValidationError("step.retry_count", fmt.Sprintf("step %s has negative retry count", step.ID))
		}
	}

	for i := range w.Steps {
		step := &w.Steps[i]
		if step.NextStepID != "" && !seen[step.NextStepID] {
			return NewValidationError("step.next_step_id", fmt.Sprintf("step %s routes to unknown step %s", step.ID, step.NextStepID))
		}
		if step.ErrorStepID != "" && !seen[step.ErrorStepID] {
			return NewValidationError("step.error_step_id", fmt.Sprintf("step %s routes errors to unknown step %s", step.ID, step.ErrorStepID))
		}
	}

	return w.validateNoCycles()
}

func (w *Workflow) validateNoCycles() error {
	next := make(map[string]string, len(w.Steps))
	for i := range w.Steps {
		if w.Steps[i].NextStepID != "" {
			next[w.Steps[i].ID] = w.Steps[i].NextStepID
		}
	}

	for i := range w.Steps {
		cur, ok := next[w.Steps[i].ID]
		if !ok {
			continue
		}
		visited := map[string]bool{w.Steps[i].ID: true}
		for cur != "" {
			if visited[cur] {
				return NewValidationError("steps", fmt.Sprintf("routing cycle through step %s", cur))
			}
			visited[cur] = true
			cur = next[cur]
		}
	}
	return nil
}
