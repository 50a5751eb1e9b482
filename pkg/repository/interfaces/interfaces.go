// Package interfaces defines the persistence ports required by the engine.
// Implementations must be transactional per call: a failed call leaves the
// store unchanged, and the engine surfaces the failure without committing
// its in-memory state change.
package interfaces

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/S-Corkum/meshflow/pkg/models"
)

// InstanceFilter narrows instance listings
type InstanceFilter struct {
	WorkflowID    string
	Statuses      []models.InstanceStatus
	StartUserID   string
	EndedBefore   *time.Time
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
	Limit         int
	Offset        int
}

// DefinitionRepository persists workflow definitions
type DefinitionRepository interface {
	Get(ctx context.Context, id string) (*models.Workflow, error)
	ListByName(ctx context.Context, name string) ([]*models.Workflow, error)
	Save(ctx context.Context, workflow *models.Workflow) error
	UpdateStatus(ctx context.Context, id string, status models.WorkflowStatus) error
}

// InstanceRepository persists workflow instances
type InstanceRepository interface {
	Get(ctx context.Context, id uuid.UUID) (*models.Instance, error)
	ListByBusinessKey(ctx context.Context, businessKey string) ([]*models.Instance, error)
	ListWithFilter(ctx context.Context, filter InstanceFilter) ([]*models.Instance, error)
	Save(ctx context.Context, instance *models.Instance) error
	Update(ctx context.Context, instance *models.Instance) error
	// DeleteCascade removes the instance together with its history, user
	// tasks, and variables.
	DeleteCascade(ctx context.Context, id uuid.UUID) error
}

// HistoryRepository persists the append-only execution history
type HistoryRepository interface {
	AppendEntry(ctx context.Context, entry *models.HistoryEntry) error
	ListByInstance(ctx context.Context, instanceID uuid.UUID) ([]*models.HistoryEntry, error)
	DeleteByInstance(ctx context.Context, instanceID uuid.UUID) error
	// DeleteEntries removes the given entries; used by rollback pruning.
	DeleteEntries(ctx context.Context, ids []uuid.UUID) error
}

// UserTaskRepository persists human tasks
type UserTaskRepository interface {
	Save(ctx context.Context, task *models.UserTask) error
	Get(ctx context.Context, id uuid.UUID) (*models.UserTask, error)
	ListByInstance(ctx context.Context, instanceID uuid.UUID) ([]*models.UserTask, error)
	// ListPendingForUser returns pending tasks the user may act on: assigned
	// to them, listing them as candidate, or owned by one of their groups per
	// the injected lookup.
	ListPendingForUser(ctx context.Context, userID string, inGroup models.GroupLookup, limit, offset int) ([]*models.UserTask, error)
	// CountPendingForAssignee returns the number of pending tasks currently
	// assigned to the user. Drives the load_balance assignment strategy.
	CountPendingForAssignee(ctx context.Context, userID string) (int, error)
	Update(ctx context.Context, task *models.UserTask) error
	Delete(ctx context.Context, id uuid.UUID) error
}

// VariableRepository persists scoped instance variables
type VariableRepository interface {
	// Upsert writes the variable, replacing any existing row with the same
	// (instance, scope, name, stepID) identity.
	Upsert(ctx context.Context, variable *models.Variable) error
	Lookup(ctx context.Context, instanceID uuid.UUID, scope models.VariableScope, name, stepID string) (*models.Variable, error)
	Delete(ctx context.Context, instanceID uuid.UUID, scope models.VariableScope, name, stepID string) error
	ListByInstance(ctx context.Context, instanceID uuid.UUID) ([]*models.Variable, error)
}

// Repository aggregates every persistence port the engine needs.
type Repository interface {
	Definitions() DefinitionRepository
	Instances() InstanceRepository
	History() HistoryRepository
	UserTasks() UserTaskRepository
	Variables() VariableRepository
}
