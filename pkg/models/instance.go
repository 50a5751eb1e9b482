package models

import (
	"time"

	"github.com/google/uuid"
)

// Instance is one running execution of a workflow definition with its own
// context, history, and status machine. The engine exclusively owns instance
// mutation; external readers receive snapshot copies.
type Instance struct {
	ID               uuid.UUID      `json:"id" db:"id"`
	WorkflowID       string         `json:"workflow_id" db:"workflow_id"`
	Name             string         `json:"name" db:"name"`
	BusinessKey      string         `json:"business_key,omitempty" db:"business_key"`
	Priority         int            `json:"priority" db:"priority"`
	Status           InstanceStatus `json:"status" db:"status"`
	CurrentStepID    string         `json:"current_step_id,omitempty" db:"current_step_id"`
	CurrentStepOrder int            `json:"current_step_order" db:"current_step_order"`
	StartUserID      string         `json:"start_user_id" db:"start_user_id"`
	CurrentUserID    string         `json:"current_user_id,omitempty" db:"current_user_id"`
	Context          JSONMap        `json:"context" db:"context"`
	Config           JSONMap        `json:"config" db:"config"`
	CreateTime       time.Time      `json:"create_time" db:"create_time"`
	UpdateTime       time.Time      `json:"update_time" db:"update_time"`
	StartTime        *time.Time     `json:"start_time,omitempty" db:"start_time"`
	EndTime          *time.Time     `json:"end_time,omitempty" db:"end_time"`
	ErrorMessage     string         `json:"error_message,omitempty" db:"error_message"`
	ErrorStack       string         `json:"error_stack,omitempty" db:"error_stack"`
}

// InstanceStatus represents the runtime state of a workflow instance
type InstanceStatus string

const (
	InstanceStatusCreated    InstanceStatus = "created"
	InstanceStatusRunning    InstanceStatus = "running"
	InstanceStatusWaiting    InstanceStatus = "waiting"
	InstanceStatusSuspended  InstanceStatus = "suspended"
	InstanceStatusCompleted  InstanceStatus = "completed"
	InstanceStatusFailed     InstanceStatus = "failed"
	InstanceStatusTerminated InstanceStatus = "terminated"
	InstanceStatusCancelled  InstanceStatus = "cancelled"
)

// IsTerminal reports whether the status permits no further mutation.
func (s InstanceStatus) IsTerminal() bool {
	switch s {
	case InstanceStatusCompleted, InstanceStatusFailed, InstanceStatusTerminated, InstanceStatusCancelled:
		return true
	default:
		return false
	}
}

// IsActive reports whether the instance is progressing or waiting for input.
func (s InstanceStatus) IsActive() bool {
	return s == InstanceStatusRunning || s == InstanceStatusWaiting
}

// IsTerminal reports whether the instance reached a terminal status.
func (i *Instance) IsTerminal() bool { return i.Status.IsTerminal() }

// CanSuspend reports whether the instance may be suspended.
func (i *Instance) CanSuspend() bool { return i.Status.IsActive() }

// CanResume reports whether the instance may be resumed.
func (i *Instance) CanResume() bool { return i.Status == InstanceStatusSuspended }

// CanTerminate reports whether the instance may be terminated.
func (i *Instance) CanTerminate() bool { return !i.IsTerminal() }

// CanRestart reports whether a fresh run may be started from this instance.
func (i *Instance) CanRestart() bool {
	return i.Status == InstanceStatusFailed || i.Status == InstanceStatusTerminated
}

// allowedTransitions is the status DAG. Any transition not listed here is a
// state error.
var allowedTransitions = map[InstanceStatus][]InstanceStatus{
	InstanceStatusCreated:   {InstanceStatusRunning, InstanceStatusTerminated, InstanceStatusCancelled, InstanceStatusFailed},
	InstanceStatusRunning:   {InstanceStatusWaiting, InstanceStatusSuspended, InstanceStatusCompleted, InstanceStatusFailed, InstanceStatusTerminated, InstanceStatusCancelled},
	InstanceStatusWaiting:   {InstanceStatusRunning, InstanceStatusSuspended, InstanceStatusFailed, InstanceStatusTerminated, InstanceStatusCancelled},
	InstanceStatusSuspended: {InstanceStatusRunning, InstanceStatusWaiting, InstanceStatusTerminated, InstanceStatusCancelled},
	InstanceStatusFailed:    {InstanceStatusRunning},
}

// CanTransition reports whether from -> to is a legal status change.
// Terminal statuses other than failed (which may re-run via retry) never
// transition.
func CanTransition(from, to InstanceStatus) bool {
	for _, allowed := range allowedTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Transition moves the instance to the given status, stamping update time
// and end time. It returns a state error for an illegal transition.
func (i *Instance) Transition(to InstanceStatus) error {
	if !CanTransition(i.Status, to) {
		return NewStateError(i.ID.String(), string(i.Status), string(to))
	}
	now := time.Now()
	i.Status = to
	i.UpdateTime = now
	if to.IsTerminal() {
		i.EndTime = &now
	} else if i.Status == InstanceStatusRunning && i.EndTime != nil {
		// Retried out of failed: the run is live again.
		i.EndTime = nil
	}
	return nil
}

// Duration returns how long the instance has run.
func (i *Instance) Duration() time.Duration {
	if i.StartTime == nil {
		return 0
	}
	if i.EndTime != nil {
		return i.EndTime.Sub(*i.StartTime)
	}
	return time.Since(*i.StartTime)
}

// Snapshot returns a copy safe to hand to callers outside the engine lock.
func (i *Instance) Snapshot() *Instance {
	out := *i
	out.Context = i.Context.Clone()
	out.Config = i.Config.Clone()
	if i.StartTime != nil {
		t := *i.StartTime
		out.StartTime = &t
	}
	if i.EndTime != nil {
		t := *i.EndTime
		out.EndTime = &t
	}
	return &out
}
