package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// UserTask is a pending human task created by a user-task step. The owning
// instance waits until the task is completed by an authorized user.
type UserTask struct {
	ID               uuid.UUID      `json:"id" db:"id"`
	InstanceID       uuid.UUID      `json:"instance_id" db:"instance_id"`
	StepID           string         `json:"step_id" db:"step_id"`
	Name             string         `json:"name" db:"name"`
	Description      string         `json:"description,omitempty" db:"description"`
	FormKey          string         `json:"form_key,omitempty" db:"form_key"`
	FormData         JSONMap        `json:"form_data,omitempty" db:"form_data"`
	Assignee         string         `json:"assignee,omitempty" db:"assignee"`
	CandidateUsers   pq.StringArray `json:"candidate_users,omitempty" db:"candidate_users"`
	CandidateGroups  pq.StringArray `json:"candidate_groups,omitempty" db:"candidate_groups"`
	Priority         int            `json:"priority" db:"priority"`
	Status           UserTaskStatus `json:"status" db:"status"`
	DueDate          *time.Time     `json:"due_date,omitempty" db:"due_date"`
	CreateTime       time.Time      `json:"create_time" db:"create_time"`
	CreatedBy        string         `json:"created_by" db:"created_by"`
	CompletedBy      string         `json:"completed_by,omitempty" db:"completed_by"`
	CompletedTime    *time.Time     `json:"completed_time,omitempty" db:"completed_time"`
	DelegatedBy      string         `json:"delegated_by,omitempty" db:"delegated_by"`
	DelegatedTime    *time.Time     `json:"delegated_time,omitempty" db:"delegated_time"`
	DelegationReason string         `json:"delegation_reason,omitempty" db:"delegation_reason"`
	ReclaimedBy      string         `json:"reclaimed_by,omitempty" db:"reclaimed_by"`
	ReclaimedTime    *time.Time     `json:"reclaimed_time,omitempty" db:"reclaimed_time"`
}

// UserTaskStatus represents the lifecycle state of a human task
type UserTaskStatus string

const (
	UserTaskStatusCreated    UserTaskStatus = "created"
	UserTaskStatusAssigned   UserTaskStatus = "assigned"
	UserTaskStatusInProgress UserTaskStatus = "in_progress"
	UserTaskStatusCompleted  UserTaskStatus = "completed"
	UserTaskStatusCancelled  UserTaskStatus = "cancelled"
	UserTaskStatusDelegated  UserTaskStatus = "delegated"
	UserTaskStatusReclaimed  UserTaskStatus = "reclaimed"
	UserTaskStatusTimeout    UserTaskStatus = "timeout"
)

// IsPending reports whether the task still awaits a completion.
func (s UserTaskStatus) IsPending() bool {
	switch s {
	case UserTaskStatusCompleted, UserTaskStatusCancelled, UserTaskStatusTimeout:
		return false
	default:
		return true
	}
}

// GroupLookup answers whether a user belongs to a group. Group membership is
// an external directory concern; the engine only consumes the predicate.
type GroupLookup func(userID, group string) bool

// CanAct reports whether the user is allowed to complete this task: the
// assignee, a candidate user, or a member of a candidate group.
func (t *UserTask) CanAct(userID string, inGroup GroupLookup) bool {
	if t.Assignee != "" && t.Assignee == userID {
		return true
	}
	for _, u := range t.CandidateUsers {
		if u == userID {
			return true
		}
	}
	if inGroup != nil {
		for _, g := range t.CandidateGroups {
			if inGroup(userID, g) {
				return true
			}
		}
	}
	return false
}

// CanDelegate reports whether the user may delegate this task. Only the
// current assignee may.
func (t *UserTask) CanDelegate(userID string) bool {
	return t.Assignee != "" && t.Assignee == userID
}

// CanReclaim reports whether the user may reclaim this task: the original
// delegator or any candidate user.
func (t *UserTask) CanReclaim(userID string) bool {
	if t.DelegatedBy != "" && t.DelegatedBy == userID {
		return true
	}
	for _, u := range t.CandidateUsers {
		if u == userID {
			return true
		}
	}
	return false
}
