package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/S-Corkum/meshflow/pkg/models"
)

// StartOptions configures a new instance.
type StartOptions struct {
	Name        string
	BusinessKey string
	Priority    int
	UserID      string
	Input       models.JSONMap
	Config      models.JSONMap
}

// Start creates an instance of an active workflow and drives it until it
// completes, parks, or fails. The returned snapshot reflects the state at
// return time.
func (e *Engine) Start(ctx context.Context, workflowID string, opts StartOptions) (*models.Instance, error) {
	if e.isStopped() {
		return nil, models.NewWorkflowError(models.ErrKindState, "engine is stopped")
	}
	if !e.limiter.Allow() {
		return nil, models.NewWorkflowError(models.ErrKindResource, "instance start rate exceeded").
			WithCode("RATE_LIMITED")
	}

	ctx, span := e.startSpan(ctx, "engine.Start", attribute.String("workflow_id", workflowID))
	defer span.End()

	wf, err := e.definition(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if !wf.CanStartInstance() {
		return nil, models.NewStateError(workflowID, string(wf.Status), "instance start")
	}
	first, ok := wf.FirstStep()
	if !ok {
		return nil, models.NewValidationError("steps", "workflow has no steps")
	}

	now := time.Now().UTC()
	inst := &models.Instance{
		ID:          uuid.New(),
		WorkflowID:  workflowID,
		Name:        opts.Name,
		BusinessKey: opts.BusinessKey,
		Priority:    opts.Priority,
		Status:      models.InstanceStatusCreated,
		StartUserID: opts.UserID,
		Context:     opts.Input.Clone(),
		Config:      opts.Config.Clone(),
		CreateTime:  now,
		UpdateTime:  now,
	}
	if inst.Context == nil {
		inst.Context = models.JSONMap{}
	}
	if inst.Name == "" {
		inst.Name = wf.Name
	}
	if err := e.repo.Instances().Save(ctx, inst); err != nil {
		return nil, err
	}
	span.SetAttribute("instance_id", inst.ID.String())
	e.metrics.IncrementCounterWithLabels("workflow_instances_started", 1, map[string]string{"workflow_id": workflowID})

	unlock := e.lockInstance(inst.ID)
	defer unlock()

	if err := inst.Transition(models.InstanceStatusRunning); err != nil {
		return nil, err
	}
	inst.StartTime = &now
	inst.CurrentStepID = first.ID
	inst.CurrentStepOrder = first.Order
	if err := e.repo.Instances().Update(ctx, inst); err != nil {
		return nil, err
	}

	e.runFrom(ctx, inst, wf, first)
	return inst.Snapshot(), nil
}

// runFrom advances the instance from the given step until it reaches a
// terminal status, parks, or hands off to the async pool or scheduler.
// Callers hold the instance lock.
func (e *Engine) runFrom(ctx context.Context, inst *models.Instance, wf *models.Workflow, step *models.Step) {
	for step != nil && inst.Status == models.InstanceStatusRunning {
		if stepRunsAsync(step) {
			e.dispatchAsync(inst.ID, step.ID)
			return
		}
		step = e.executeAndRoute(ctx, inst, wf, step, 0, nil)
	}
}

// stepRunsAsync reports whether the step must run on the async pool: marked
// async, or a timer, which blocks for its configured delay.
func stepRunsAsync(step *models.Step) bool {
	return step.Async || step.Type == models.StepTypeTimer
}

// dispatchAsync re-enters the loop for the step on the async pool.
func (e *Engine) dispatchAsync(instanceID uuid.UUID, stepID string) {
	e.submitAsync(func() {
		ctx := context.Background()
		unlock := e.lockInstance(instanceID)
		defer unlock()

		inst, err := e.repo.Instances().Get(ctx, instanceID)
		if err != nil || inst.Status != models.InstanceStatusRunning || inst.CurrentStepID != stepID {
			return
		}
		wf, err := e.definition(ctx, inst.WorkflowID)
		if err != nil {
			return
		}
		step, ok := wf.GetStep(stepID)
		if !ok {
			return
		}
		next := e.executeAndRoute(ctx, inst, wf, step, 0, nil)
		for next != nil && inst.Status == models.InstanceStatusRunning {
			if stepRunsAsync(next) {
				e.dispatchAsync(inst.ID, next.ID)
				return
			}
			next = e.executeAndRoute(ctx, inst, wf, next, 0, nil)
		}
	})
}

// executeAndRoute runs one step attempt and routes its result, returning the
// next step to run or nil when the loop should stop. inputs, when non-nil,
// carries caller-supplied parameters for the attempt.
func (e *Engine) executeAndRoute(ctx context.Context, inst *models.Instance, wf *models.Workflow, step *models.Step, attempt int, inputs models.JSONMap) *models.Step {
	inst.CurrentStepID = step.ID
	inst.CurrentStepOrder = step.Order

	exec, ok := e.registry.Get(step.Type)
	if !ok && step.Type.RequiresExecutor() {
		e.failInstance(ctx, inst, models.NewWorkflowError(models.ErrKindConfiguration,
			fmt.Sprintf("no executor registered for step type %s", step.Type)).WithStep(step.ID))
		return nil
	}

	// Routing markers execute nothing.
	if !step.Type.RequiresExecutor() {
		return e.advance(ctx, inst, wf, step, "")
	}

	started := time.Now().UTC()
	ec := &models.StepExecutionContext{
		InstanceID:      inst.ID,
		WorkflowID:      inst.WorkflowID,
		UserID:          inst.StartUserID,
		InputParameters: inputs.Clone(),
		InstanceContext: inst.Context.Clone(),
		StartTime:       started,
		Timeout:         step.Timeout(e.config.StepDefaultTimeout),
		RetryCount:      attempt,
		Priority:        inst.Priority,
		Async:           step.Async,
	}

	result := e.runner.Run(ctx, exec, step, ec)
	completed := time.Now().UTC()

	entry := models.NewHistoryEntry(inst.ID, step, historyStatus(result.Status), started, completed)
	entry.ExecutorName = exec.Name()
	entry.OutputData = result.OutputData
	entry.ErrorMessage = result.ErrorMessage
	entry.RetryCount = attempt
	if err := e.repo.History().AppendEntry(ctx, entry); err != nil {
		e.logger.Error("failed to append history", map[string]interface{}{
			"instance_id": inst.ID.String(),
			"step_id":     step.ID,
			"error":       err.Error(),
		})
	}

	return e.route(ctx, inst, wf, step, result, attempt)
}

func historyStatus(s models.ResultStatus) models.HistoryStatus {
	switch s {
	case models.ResultSuccess:
		return models.HistoryStatusSuccess
	case models.ResultWaiting:
		return models.HistoryStatusWaiting
	case models.ResultSkipped, models.ResultConditionNotMet:
		return models.HistoryStatusSkipped
	case models.ResultTimeout:
		return models.HistoryStatusTimeout
	case models.ResultRetry:
		return models.HistoryStatusRetry
	default:
		return models.HistoryStatusFailed
	}
}

// route applies the result routing rules and returns the next step, or nil
// when the instance parked, failed, completed, or handed off.
func (e *Engine) route(ctx context.Context, inst *models.Instance, wf *models.Workflow, step *models.Step, result *models.StepExecutionResult, attempt int) *models.Step {
	switch result.Status {
	case models.ResultSuccess:
		if result.OutputData != nil {
			inst.Context.Merge(result.OutputData)
		}
		return e.advance(ctx, inst, wf, step, result.OutputData.GetString("nextStepId"))

	case models.ResultSkipped, models.ResultConditionNotMet:
		return e.advance(ctx, inst, wf, step, "")

	case models.ResultCancelled:
		if err := inst.Transition(models.InstanceStatusCancelled); err == nil {
			_ = e.repo.Instances().Update(ctx, inst)
		}
		return nil

	case models.ResultWaiting:
		if err := inst.Transition(models.InstanceStatusWaiting); err != nil {
			e.failInstance(ctx, inst, err)
			return nil
		}
		_ = e.repo.Instances().Update(ctx, inst)
		return nil

	case models.ResultRetry:
		delay := result.RetryDelay
		if delay <= 0 {
			delay = e.retryDelay(attempt)
		}
		e.scheduleRetry(inst.ID, step.ID, attempt+1, delay)
		_ = e.repo.Instances().Update(ctx, inst)
		return nil

	default: // failed, timeout
		return e.routeFailure(ctx, inst, wf, step, result, attempt)
	}
}

// routeFailure applies the failure ladder: retry budget, error step,
// optional skip, instance failure.
func (e *Engine) routeFailure(ctx context.Context, inst *models.Instance, wf *models.Workflow, step *models.Step, result *models.StepExecutionResult, attempt int) *models.Step {
	if e.retryBudgetLeft(ctx, inst.ID, step) && e.resultRetryable(result) {
		delay := result.RetryDelay
		if delay <= 0 {
			delay = e.retryDelay(attempt)
		}
		e.scheduleRetry(inst.ID, step.ID, attempt+1, delay)
		_ = e.repo.Instances().Update(ctx, inst)
		return nil
	}

	if step.ErrorStepID != "" {
		errorStep, ok := wf.GetStep(step.ErrorStepID)
		if ok {
			inst.Context["lastError"] = result.ErrorMessage
			return errorStep
		}
	}

	if step.Optional {
		e.logger.Warn("optional step failed, continuing", map[string]interface{}{
			"instance_id": inst.ID.String(),
			"step_id":     step.ID,
		})
		return e.advance(ctx, inst, wf, step, "")
	}

	err := result.Err
	if err == nil {
		err = models.NewExecutionError(result.ErrorMessage, nil).WithStep(step.ID)
	}
	e.failInstance(ctx, inst, err)
	return nil
}

// resultRetryable reports whether the failed result may be retried:
// explicitly flagged, or carrying a retryable taxonomy error, or a timeout.
func (e *Engine) resultRetryable(result *models.StepExecutionResult) bool {
	if result.NeedRetry {
		return true
	}
	if result.Status == models.ResultTimeout {
		return true
	}
	return result.Err != nil && models.IsRetryable(result.Err)
}

// retryBudgetLeft counts prior failed and timed-out attempts of the step
// against its retry budget. The attempt just recorded counts as the first
// failure, so a budget of N allows N further attempts.
func (e *Engine) retryBudgetLeft(ctx context.Context, instanceID uuid.UUID, step *models.Step) bool {
	if step.RetryCount <= 0 {
		return false
	}
	history, err := e.repo.History().ListByInstance(ctx, instanceID)
	if err != nil {
		return false
	}
	failures := 0
	for _, entry := range history {
		if entry.StepID != step.ID {
			continue
		}
		if entry.Status == models.HistoryStatusFailed || entry.Status == models.HistoryStatusTimeout {
			failures++
		}
	}
	return failures <= step.RetryCount
}

// retryDelay computes the exponential back-off for the given attempt,
// bounded by the configured maximum.
func (e *Engine) retryDelay(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.config.BaseRetryDelay
	b.MaxInterval = e.config.MaxRetryDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.Reset()

	delay := b.NextBackOff()
	for i := 0; i < attempt; i++ {
		delay = b.NextBackOff()
	}
	if delay == backoff.Stop || delay > e.config.MaxRetryDelay {
		delay = e.config.MaxRetryDelay
	}
	return delay
}

// scheduleRetry re-enters the loop for the step after the delay.
func (e *Engine) scheduleRetry(instanceID uuid.UUID, stepID string, attempt int, delay time.Duration) {
	e.logger.Info("retry scheduled", map[string]interface{}{
		"instance_id": instanceID.String(),
		"step_id":     stepID,
		"attempt":     attempt,
		"delay":       delay.String(),
	})
	e.metrics.IncrementCounter("workflow_retries_scheduled", 1)

	e.scheduler.schedule(delay, func() {
		ctx := context.Background()
		unlock := e.lockInstance(instanceID)
		defer unlock()

		inst, err := e.repo.Instances().Get(ctx, instanceID)
		if err != nil || inst.Status != models.InstanceStatusRunning || inst.CurrentStepID != stepID {
			return
		}
		wf, err := e.definition(ctx, inst.WorkflowID)
		if err != nil {
			return
		}
		step, ok := wf.GetStep(stepID)
		if !ok {
			return
		}
		next := e.executeAndRoute(ctx, inst, wf, step, attempt, nil)
		for next != nil && inst.Status == models.InstanceStatusRunning {
			if stepRunsAsync(next) {
				e.dispatchAsync(inst.ID, next.ID)
				return
			}
			next = e.executeAndRoute(ctx, inst, wf, next, 0, nil)
		}
	})
}

// advance moves to the routed next step, completing the instance when the
// chain ends. override, when non-empty, names a condition-routed target.
func (e *Engine) advance(ctx context.Context, inst *models.Instance, wf *models.Workflow, step *models.Step, override string) *models.Step {
	nextID := step.NextStepID
	if override != "" {
		nextID = override
	}
	if nextID == "" {
		e.completeInstance(ctx, inst)
		return nil
	}
	next, ok := wf.GetStep(nextID)
	if !ok {
		e.failInstance(ctx, inst, models.NewWorkflowError(models.ErrKindConfiguration,
			fmt.Sprintf("step %s routes to unknown step %s", step.ID, nextID)).WithStep(step.ID))
		return nil
	}
	inst.CurrentStepID = next.ID
	inst.CurrentStepOrder = next.Order
	inst.UpdateTime = time.Now().UTC()
	_ = e.repo.Instances().Update(ctx, inst)
	return next
}

func (e *Engine) completeInstance(ctx context.Context, inst *models.Instance) {
	if err := inst.Transition(models.InstanceStatusCompleted); err != nil {
		e.logger.Error("failed to complete instance", map[string]interface{}{
			"instance_id": inst.ID.String(),
			"error":       err.Error(),
		})
		return
	}
	_ = e.repo.Instances().Update(ctx, inst)
	e.metrics.IncrementCounterWithLabels("workflow_instances_finished", 1,
		map[string]string{"workflow_id": inst.WorkflowID, "status": string(inst.Status)})
	e.logger.Info("instance completed", map[string]interface{}{
		"instance_id": inst.ID.String(),
		"duration_ms": inst.Duration().Milliseconds(),
	})
}

func (e *Engine) failInstance(ctx context.Context, inst *models.Instance, err error) {
	inst.ErrorMessage = err.Error()
	if we := models.AsWorkflowError(err); we != nil {
		inst.ErrorStack = fmt.Sprintf("%s at step %s", we.Kind, we.StepID)
	}
	if terr := inst.Transition(models.InstanceStatusFailed); terr != nil {
		e.logger.Error("failed to mark instance failed", map[string]interface{}{
			"instance_id": inst.ID.String(),
			"error":       terr.Error(),
		})
		return
	}
	_ = e.repo.Instances().Update(ctx, inst)
	e.metrics.IncrementCounterWithLabels("workflow_instances_finished", 1,
		map[string]string{"workflow_id": inst.WorkflowID, "status": string(inst.Status)})
	e.logger.Warn("instance failed", map[string]interface{}{
		"instance_id": inst.ID.String(),
		"step_id":     inst.CurrentStepID,
		"error":       err.Error(),
	})
}

// ExecuteStep manually runs one named step of a waiting or running instance
// with caller-supplied inputs, then re-enters the loop from its routed next
// step. An empty stepID targets the current step. It is the operational
// escape hatch for stuck instances.
func (e *Engine) ExecuteStep(ctx context.Context, instanceID uuid.UUID, stepID, userID string, inputs models.JSONMap) (*models.Instance, error) {
	unlock := e.lockInstance(instanceID)
	defer unlock()

	inst, err := e.repo.Instances().Get(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if err := e.authorize(inst, OpExecuteStep, userID); err != nil {
		return nil, err
	}
	wf, err := e.definition(ctx, inst.WorkflowID)
	if err != nil {
		return nil, err
	}
	if stepID == "" {
		stepID = inst.CurrentStepID
	}
	step, ok := wf.GetStep(stepID)
	if !ok {
		return nil, models.NewNotFoundError("step", stepID)
	}
	if inst.Status == models.InstanceStatusWaiting {
		if err := inst.Transition(models.InstanceStatusRunning); err != nil {
			return nil, err
		}
	}
	if inst.Status != models.InstanceStatusRunning {
		return nil, models.NewStateError(inst.ID.String(), string(inst.Status), string(models.InstanceStatusRunning))
	}
	if next := e.executeAndRoute(ctx, inst, wf, step, 0, inputs); next != nil {
		e.runFrom(ctx, inst, wf, next)
	}
	return inst.Snapshot(), nil
}
