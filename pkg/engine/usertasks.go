package engine

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/S-Corkum/meshflow/pkg/models"
)

// GetUserTasks lists pending tasks the user may act on, newest first within
// priority order.
func (e *Engine) GetUserTasks(ctx context.Context, userID string, limit, offset int) ([]*models.UserTask, error) {
	return e.repo.UserTasks().ListPendingForUser(ctx, userID, e.inGroup, limit, offset)
}

// GetUserTask returns one task by id.
func (e *Engine) GetUserTask(ctx context.Context, taskID uuid.UUID) (*models.UserTask, error) {
	return e.repo.UserTasks().Get(ctx, taskID)
}

// CompleteUserTask completes the task on behalf of the user, merges the form
// output into the instance context, and resumes the parked instance.
func (e *Engine) CompleteUserTask(ctx context.Context, taskID uuid.UUID, userID string, output models.JSONMap) (*models.Instance, error) {
	task, err := e.userTasks.CompleteTask(ctx, taskID, userID, output, e.inGroup)
	if err != nil {
		return nil, err
	}

	unlock := e.lockInstance(task.InstanceID)
	defer unlock()

	inst, err := e.repo.Instances().Get(ctx, task.InstanceID)
	if err != nil {
		return nil, err
	}
	if inst.Status != models.InstanceStatusWaiting || inst.CurrentStepID != task.StepID {
		// The task completed, but the instance moved on (skip, rollback,
		// termination). Nothing more to drive.
		return inst.Snapshot(), nil
	}

	wf, err := e.definition(ctx, inst.WorkflowID)
	if err != nil {
		return nil, err
	}
	step, ok := wf.GetStep(task.StepID)
	if !ok {
		return nil, models.NewNotFoundError("step", task.StepID)
	}

	if output != nil {
		if inst.Context == nil {
			inst.Context = models.JSONMap{}
		}
		inst.Context.Merge(output)
	}
	inst.CurrentUserID = userID

	now := time.Now().UTC()
	entry := models.NewHistoryEntry(inst.ID, step, models.HistoryStatusSuccess, now, now)
	entry.ExecutorName = "user-task-executor"
	entry.OutputData = output
	if err := e.repo.History().AppendEntry(ctx, entry); err != nil {
		return nil, err
	}

	if err := inst.Transition(models.InstanceStatusRunning); err != nil {
		return nil, err
	}
	next := e.advance(ctx, inst, wf, step, "")
	if next != nil {
		e.runFrom(ctx, inst, wf, next)
	}
	return inst.Snapshot(), nil
}

// DelegateUserTask hands the task to another user. The instance stays
// parked.
func (e *Engine) DelegateUserTask(ctx context.Context, taskID uuid.UUID, fromUserID, toUserID, reason string) (*models.UserTask, error) {
	return e.userTasks.DelegateTask(ctx, taskID, fromUserID, toUserID, reason)
}

// ReclaimUserTask takes a delegated task back.
func (e *Engine) ReclaimUserTask(ctx context.Context, taskID uuid.UUID, userID string) (*models.UserTask, error) {
	return e.userTasks.ReclaimTask(ctx, taskID, userID)
}
