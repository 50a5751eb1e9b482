package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/S-Corkum/meshflow/pkg/models"
)

// Operation names a lifecycle action a user may request on an instance.
type Operation string

const (
	OpSuspend       Operation = "suspend"
	OpResume        Operation = "resume"
	OpTerminate     Operation = "terminate"
	OpCancel        Operation = "cancel"
	OpRetry         Operation = "retry"
	OpRollback      Operation = "rollback"
	OpSkip          Operation = "skip"
	OpUpdateContext Operation = "update_context"
	OpExecuteStep   Operation = "execute_step"
	OpRestart       Operation = "restart"
)

// operationStatuses is the authority matrix: which instance statuses admit
// each operation. Authorization (who) is checked separately.
var operationStatuses = map[Operation][]models.InstanceStatus{
	OpSuspend:       {models.InstanceStatusRunning, models.InstanceStatusWaiting},
	OpResume:        {models.InstanceStatusSuspended},
	OpTerminate:     {models.InstanceStatusCreated, models.InstanceStatusRunning, models.InstanceStatusWaiting, models.InstanceStatusSuspended},
	OpCancel:        {models.InstanceStatusCreated, models.InstanceStatusRunning, models.InstanceStatusWaiting, models.InstanceStatusSuspended},
	OpRetry:         {models.InstanceStatusFailed},
	OpRollback:      {models.InstanceStatusRunning, models.InstanceStatusWaiting, models.InstanceStatusSuspended, models.InstanceStatusFailed},
	OpSkip:          {models.InstanceStatusRunning, models.InstanceStatusWaiting, models.InstanceStatusFailed},
	OpUpdateContext: {models.InstanceStatusCreated, models.InstanceStatusRunning, models.InstanceStatusWaiting, models.InstanceStatusSuspended, models.InstanceStatusFailed},
	OpExecuteStep:   {models.InstanceStatusRunning, models.InstanceStatusWaiting},
	OpRestart:       {models.InstanceStatusFailed, models.InstanceStatusTerminated},
}

// CanPerform reports whether the operation is admissible for the instance's
// status and the user's authority.
func (e *Engine) CanPerform(inst *models.Instance, op Operation, userID string) bool {
	admitted := false
	for _, s := range operationStatuses[op] {
		if inst.Status == s {
			admitted = true
			break
		}
	}
	if !admitted {
		return false
	}
	return e.hasAuthority(inst, userID)
}

// hasAuthority allows the starting user, the current assignee, and admins.
func (e *Engine) hasAuthority(inst *models.Instance, userID string) bool {
	if userID == "" {
		return false
	}
	if inst.StartUserID == userID || inst.CurrentUserID == userID {
		return true
	}
	return e.isAdmin(userID)
}

// AvailableOperations lists the operations the user may currently perform.
func (e *Engine) AvailableOperations(inst *models.Instance, userID string) []Operation {
	ops := []Operation{
		OpSuspend, OpResume, OpTerminate, OpCancel, OpRetry,
		OpRollback, OpSkip, OpUpdateContext, OpExecuteStep, OpRestart,
	}
	var out []Operation
	for _, op := range ops {
		if e.CanPerform(inst, op, userID) {
			out = append(out, op)
		}
	}
	return out
}

func (e *Engine) authorize(inst *models.Instance, op Operation, userID string) error {
	admitted := false
	for _, s := range operationStatuses[op] {
		if inst.Status == s {
			admitted = true
			break
		}
	}
	if !admitted {
		return models.NewStateError(inst.ID.String(), string(inst.Status), string(op))
	}
	if !e.hasAuthority(inst, userID) {
		return models.NewPermissionError(userID, string(op)+" instance "+inst.ID.String())
	}
	return nil
}

// Suspend pauses an active instance. Parked user tasks stay pending but the
// loop will not advance until resume.
func (e *Engine) Suspend(ctx context.Context, instanceID uuid.UUID, userID string) (*models.Instance, error) {
	return e.transitionOp(ctx, instanceID, userID, OpSuspend, models.InstanceStatusSuspended)
}

// Resume returns a suspended instance to its pre-suspension state and, when
// it was mid-flight, re-enters the loop at the current step.
func (e *Engine) Resume(ctx context.Context, instanceID uuid.UUID, userID string) (*models.Instance, error) {
	unlock := e.lockInstance(instanceID)
	defer unlock()

	inst, err := e.repo.Instances().Get(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if err := e.authorize(inst, OpResume, userID); err != nil {
		return nil, err
	}

	// An instance with a pending user task resumes into waiting; anything
	// else resumes into running and re-enters the loop.
	target := models.InstanceStatusRunning
	if tasks, err := e.repo.UserTasks().ListByInstance(ctx, instanceID); err == nil {
		for _, task := range tasks {
			if task.StepID == inst.CurrentStepID && task.Status.IsPending() {
				target = models.InstanceStatusWaiting
				break
			}
		}
	}
	if err := inst.Transition(target); err != nil {
		return nil, err
	}
	if err := e.repo.Instances().Update(ctx, inst); err != nil {
		return nil, err
	}

	if target == models.InstanceStatusRunning {
		wf, err := e.definition(ctx, inst.WorkflowID)
		if err != nil {
			return nil, err
		}
		if step, ok := wf.GetStep(inst.CurrentStepID); ok {
			e.runFrom(ctx, inst, wf, step)
		}
	}
	return inst.Snapshot(), nil
}

// Terminate force-stops an instance with a reason. Terminal and idempotent.
func (e *Engine) Terminate(ctx context.Context, instanceID uuid.UUID, userID, reason string) (*models.Instance, error) {
	unlock := e.lockInstance(instanceID)
	defer unlock()

	inst, err := e.repo.Instances().Get(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if inst.Status == models.InstanceStatusTerminated {
		return inst.Snapshot(), nil
	}
	if err := e.authorize(inst, OpTerminate, userID); err != nil {
		return nil, err
	}
	if err := inst.Transition(models.InstanceStatusTerminated); err != nil {
		return nil, err
	}
	if reason != "" {
		inst.ErrorMessage = reason
	}
	if err := e.repo.Instances().Update(ctx, inst); err != nil {
		return nil, err
	}
	e.cancelPendingTasks(ctx, instanceID, "")
	return inst.Snapshot(), nil
}

// Cancel gracefully cancels an instance.
func (e *Engine) Cancel(ctx context.Context, instanceID uuid.UUID, userID string) (*models.Instance, error) {
	unlock := e.lockInstance(instanceID)
	defer unlock()

	inst, err := e.repo.Instances().Get(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if inst.Status == models.InstanceStatusCancelled {
		return inst.Snapshot(), nil
	}
	if err := e.authorize(inst, OpCancel, userID); err != nil {
		return nil, err
	}
	if err := inst.Transition(models.InstanceStatusCancelled); err != nil {
		return nil, err
	}
	if err := e.repo.Instances().Update(ctx, inst); err != nil {
		return nil, err
	}
	e.cancelPendingTasks(ctx, instanceID, "")
	return inst.Snapshot(), nil
}

// cancelPendingTasks closes every pending user task of the instance,
// sparing tasks on exceptStepID when it is non-empty.
func (e *Engine) cancelPendingTasks(ctx context.Context, instanceID uuid.UUID, exceptStepID string) {
	tasks, err := e.repo.UserTasks().ListByInstance(ctx, instanceID)
	if err != nil {
		return
	}
	for _, task := range tasks {
		if !task.Status.IsPending() {
			continue
		}
		if exceptStepID != "" && task.StepID == exceptStepID {
			continue
		}
		task.Status = models.UserTaskStatusCancelled
		if err := e.repo.UserTasks().Update(ctx, task); err != nil {
			e.logger.Warn("failed to cancel user task", map[string]interface{}{
				"task_id": task.ID.String(),
				"error":   err.Error(),
			})
		}
	}
}

// RetryFailed re-runs a failed instance from its failing step.
func (e *Engine) RetryFailed(ctx context.Context, instanceID uuid.UUID, userID string) (*models.Instance, error) {
	unlock := e.lockInstance(instanceID)
	defer unlock()

	inst, err := e.repo.Instances().Get(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if err := e.authorize(inst, OpRetry, userID); err != nil {
		return nil, err
	}
	if err := inst.Transition(models.InstanceStatusRunning); err != nil {
		return nil, err
	}
	inst.ErrorMessage = ""
	inst.ErrorStack = ""
	if err := e.repo.Instances().Update(ctx, inst); err != nil {
		return nil, err
	}

	wf, err := e.definition(ctx, inst.WorkflowID)
	if err != nil {
		return nil, err
	}
	step, ok := wf.GetStep(inst.CurrentStepID)
	if !ok {
		return nil, models.NewNotFoundError("step", inst.CurrentStepID)
	}
	e.runFrom(ctx, inst, wf, step)
	return inst.Snapshot(), nil
}

// SkipStep skips the current step of a running, waiting, or failed instance
// and advances to its next step. Only optional steps may be skipped; pending
// user tasks on the step are cancelled.
func (e *Engine) SkipStep(ctx context.Context, instanceID uuid.UUID, userID string) (*models.Instance, error) {
	unlock := e.lockInstance(instanceID)
	defer unlock()

	inst, err := e.repo.Instances().Get(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if err := e.authorize(inst, OpSkip, userID); err != nil {
		return nil, err
	}
	wf, err := e.definition(ctx, inst.WorkflowID)
	if err != nil {
		return nil, err
	}
	step, ok := wf.GetStep(inst.CurrentStepID)
	if !ok {
		return nil, models.NewNotFoundError("step", inst.CurrentStepID)
	}
	if !step.Optional {
		return nil, models.NewInvalidOperationError(
			fmt.Sprintf("step %s is not optional and cannot be skipped", step.ID)).
			WithInstance(instanceID.String()).WithStep(step.ID)
	}

	now := time.Now().UTC()
	entry := models.NewHistoryEntry(inst.ID, step, models.HistoryStatusSkipped, now, now)
	entry.ErrorMessage = fmt.Sprintf("skipped by %s", userID)
	if err := e.repo.History().AppendEntry(ctx, entry); err != nil {
		return nil, err
	}
	e.cancelPendingTasks(ctx, instanceID, "")

	if inst.Status != models.InstanceStatusRunning {
		if err := inst.Transition(models.InstanceStatusRunning); err != nil {
			return nil, err
		}
	}
	inst.ErrorMessage = ""
	next := e.advance(ctx, inst, wf, step, "")
	if next != nil {
		e.runFrom(ctx, inst, wf, next)
	}
	return inst.Snapshot(), nil
}

// Rollback rewinds the instance to the named step. The target must be
// rollbackable and carry a successful history entry; the history recorded
// after that success is pruned, pending user tasks on other steps are
// dropped, and the loop resumes from the target's routed next step.
func (e *Engine) Rollback(ctx context.Context, instanceID uuid.UUID, stepID, userID, reason string) (*models.Instance, error) {
	unlock := e.lockInstance(instanceID)
	defer unlock()

	inst, err := e.repo.Instances().Get(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if err := e.authorize(inst, OpRollback, userID); err != nil {
		return nil, err
	}
	wf, err := e.definition(ctx, inst.WorkflowID)
	if err != nil {
		return nil, err
	}
	target, ok := wf.GetStep(stepID)
	if !ok {
		return nil, models.NewNotFoundError("step", stepID)
	}
	if !target.Rollbackable {
		return nil, models.NewInvalidOperationError(
			fmt.Sprintf("step %s is not rollbackable", stepID)).
			WithInstance(instanceID.String()).WithStep(stepID)
	}
	history, err := e.repo.History().ListByInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	// The latest successful run of the target anchors the rollback point.
	targetIdx := -1
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].StepID == stepID && history[i].Status == models.HistoryStatusSuccess {
			targetIdx = i
			break
		}
	}
	if targetIdx < 0 {
		return nil, models.NewInvalidOperationError(
			fmt.Sprintf("step %s has no successful execution to roll back to", stepID)).
			WithInstance(instanceID.String()).WithStep(stepID)
	}

	// Prune strictly after the anchoring success; the target's own entry
	// stays.
	var prune []uuid.UUID
	for i := targetIdx + 1; i < len(history); i++ {
		prune = append(prune, history[i].ID)
	}
	if err := e.repo.History().DeleteEntries(ctx, prune); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	entry := models.NewHistoryEntry(inst.ID, target, models.HistoryStatusRollback, now, now)
	entry.ErrorMessage = fmt.Sprintf("rolled back by %s", userID)
	if reason != "" {
		entry.ErrorMessage += ": " + reason
	}
	if err := e.repo.History().AppendEntry(ctx, entry); err != nil {
		return nil, err
	}
	e.cancelPendingTasks(ctx, instanceID, target.ID)

	if inst.Status != models.InstanceStatusRunning {
		if err := inst.Transition(models.InstanceStatusRunning); err != nil {
			return nil, err
		}
	}
	inst.ErrorMessage = ""
	inst.CurrentStepID = target.ID
	inst.CurrentStepOrder = target.Order
	if err := e.repo.Instances().Update(ctx, inst); err != nil {
		return nil, err
	}

	// The target already succeeded; execution resumes at its routed next
	// step.
	if next := e.advance(ctx, inst, wf, target, ""); next != nil {
		e.runFrom(ctx, inst, wf, next)
	}
	return inst.Snapshot(), nil
}

// Restart spawns a fresh instance from a failed or terminated one, reusing
// its workflow, business key, and initial context.
func (e *Engine) Restart(ctx context.Context, instanceID uuid.UUID, userID string) (*models.Instance, error) {
	inst, err := e.repo.Instances().Get(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if err := e.authorize(inst, OpRestart, userID); err != nil {
		return nil, err
	}
	return e.Start(ctx, inst.WorkflowID, StartOptions{
		Name:        inst.Name,
		BusinessKey: inst.BusinessKey,
		Priority:    inst.Priority,
		UserID:      userID,
		Input:       inst.Context,
		Config:      inst.Config,
	})
}

// UpdateContext merges updates into the instance context.
func (e *Engine) UpdateContext(ctx context.Context, instanceID uuid.UUID, userID string, updates models.JSONMap) (*models.Instance, error) {
	unlock := e.lockInstance(instanceID)
	defer unlock()

	inst, err := e.repo.Instances().Get(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if err := e.authorize(inst, OpUpdateContext, userID); err != nil {
		return nil, err
	}
	if inst.Context == nil {
		inst.Context = models.JSONMap{}
	}
	inst.Context.Merge(updates)
	inst.UpdateTime = time.Now().UTC()
	if err := e.repo.Instances().Update(ctx, inst); err != nil {
		return nil, err
	}
	return inst.Snapshot(), nil
}

// transitionOp is the shared simple-transition operation body.
func (e *Engine) transitionOp(ctx context.Context, instanceID uuid.UUID, userID string, op Operation, target models.InstanceStatus) (*models.Instance, error) {
	unlock := e.lockInstance(instanceID)
	defer unlock()

	inst, err := e.repo.Instances().Get(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if err := e.authorize(inst, op, userID); err != nil {
		return nil, err
	}
	if err := inst.Transition(target); err != nil {
		return nil, err
	}
	if err := e.repo.Instances().Update(ctx, inst); err != nil {
		return nil, err
	}
	return inst.Snapshot(), nil
}

// BatchResult reports one instance's outcome in a batch operation.
type BatchResult struct {
	InstanceID uuid.UUID `json:"instance_id"`
	OK         bool      `json:"ok"`
	Skipped    bool      `json:"skipped,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// batchNoop reports whether the instance is already where the operation
// would leave it, so the batch skips it instead of failing it.
func batchNoop(op Operation, status models.InstanceStatus) bool {
	switch op {
	case OpSuspend:
		return status == models.InstanceStatusSuspended
	case OpResume:
		return status == models.InstanceStatusRunning || status == models.InstanceStatusWaiting
	case OpTerminate:
		return status == models.InstanceStatusTerminated
	case OpCancel:
		return status == models.InstanceStatusCancelled
	case OpRetry:
		return status == models.InstanceStatusRunning
	default:
		return false
	}
}

// BatchOperation applies one lifecycle operation to many instances,
// continuing past individual failures. Instances already in the operation's
// end state are reported as skipped.
func (e *Engine) BatchOperation(ctx context.Context, op Operation, instanceIDs []uuid.UUID, userID string) []BatchResult {
	results := make([]BatchResult, 0, len(instanceIDs))
	for _, id := range instanceIDs {
		if inst, err := e.repo.Instances().Get(ctx, id); err == nil && batchNoop(op, inst.Status) {
			results = append(results, BatchResult{
				InstanceID: id,
				OK:         true,
				Skipped:    true,
				Reason:     fmt.Sprintf("already %s", inst.Status),
			})
			continue
		}
		var err error
		switch op {
		case OpSuspend:
			_, err = e.Suspend(ctx, id, userID)
		case OpResume:
			_, err = e.Resume(ctx, id, userID)
		case OpTerminate:
			_, err = e.Terminate(ctx, id, userID, "batch terminate")
		case OpCancel:
			_, err = e.Cancel(ctx, id, userID)
		case OpRetry:
			_, err = e.RetryFailed(ctx, id, userID)
		default:
			err = models.NewValidationError("operation", fmt.Sprintf("unsupported batch operation %q", op))
		}
		r := BatchResult{InstanceID: id, OK: err == nil}
		if err != nil {
			r.Error = err.Error()
		}
		results = append(results, r)
	}
	return results
}
