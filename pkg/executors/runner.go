package executors

import (
	"context"
	"fmt"
	"time"

	"github.com/S-Corkum/meshflow/pkg/models"
	"github.com/S-Corkum/meshflow/pkg/observability"
)

// statsRecorder is implemented by executors that keep per-executor
// statistics (every BaseExecutor embedder does).
type statsRecorder interface {
	RecordExecution(status models.ResultStatus, elapsed time.Duration)
}

// Runner drives a step execution through the fixed lifecycle:
// type check, config validation, preconditions, prepare, guarded execute,
// cleanup, statistics. It replaces template-method inheritance with plain
// composition: the phases live here, the work lives in the executor.
type Runner struct {
	logger         observability.Logger
	metrics        observability.MetricsClient
	defaultTimeout time.Duration
}

// NewRunner creates a lifecycle runner. defaultTimeout applies to steps
// that declare none.
func NewRunner(logger observability.Logger, metrics observability.MetricsClient, defaultTimeout time.Duration) *Runner {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	return &Runner{logger: logger, metrics: metrics, defaultTimeout: defaultTimeout}
}

// Run executes the step through the full lifecycle and always returns a
// result; lifecycle failures surface as failed results, never as panics.
func (r *Runner) Run(ctx context.Context, exec Executor, step *models.Step, ec *models.StepExecutionContext) *models.StepExecutionResult {
	started := time.Now()

	if !exec.Supports(step.Type) {
		return models.NewFailedResult(
			models.NewWorkflowError(models.ErrKindConfiguration,
				fmt.Sprintf("executor %s does not support step type %s", exec.Name(), step.Type)).WithStep(step.ID))
	}

	if err := exec.ValidateConfig(step); err != nil {
		return models.NewFailedResult(models.AsWorkflowError(err).WithStep(step.ID))
	}

	if !exec.CheckPreconditions(step, ec) {
		r.logger.Debug("step precondition not met", map[string]interface{}{
			"step_id":  step.ID,
			"executor": exec.Name(),
		})
		return models.NewSkippedResult("precondition not met")
	}

	if err := exec.Prepare(ctx, step, ec); err != nil {
		return models.NewFailedResult(models.AsWorkflowError(err).WithStep(step.ID))
	}

	result := r.guardedExecute(ctx, exec, step, ec)

	// Cleanup always runs; its failures are logged and never override the
	// result.
	func() {
		defer func() {
			if rec := recover(); rec != nil {
				r.logger.Error("executor cleanup panicked", map[string]interface{}{
					"step_id":  step.ID,
					"executor": exec.Name(),
					"panic":    fmt.Sprintf("%v", rec),
				})
			}
		}()
		exec.Cleanup(ctx, step, ec, result)
	}()

	elapsed := time.Since(started)
	if rec, ok := exec.(statsRecorder); ok {
		rec.RecordExecution(result.Status, elapsed)
	}
	r.metrics.RecordDuration("executor_run_time", elapsed)
	r.metrics.IncrementCounterWithLabels("executor_runs", 1, map[string]string{
		"executor": exec.Name(),
		"status":   string(result.Status),
	})

	return result
}

// guardedExecute bounds the execution with the step timeout and recovers
// panics into failed results.
func (r *Runner) guardedExecute(ctx context.Context, exec Executor, step *models.Step, ec *models.StepExecutionContext) *models.StepExecutionResult {
	timeout := step.Timeout(r.defaultTimeout)
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	done := make(chan *models.StepExecutionResult, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				err := models.NewWorkflowError(models.ErrKindSystem,
					fmt.Sprintf("executor %s panicked: %v", exec.Name(), rec)).WithStep(step.ID)
				done <- exec.HandleException(step, ec, err)
			}
		}()
		result, err := exec.Execute(ctx, step, ec)
		if err != nil {
			done <- exec.HandleException(step, ec, err)
			return
		}
		if result == nil {
			result = models.NewSuccessResult(nil)
		}
		done <- result
	}()

	select {
	case result := <-done:
		return result
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			r.logger.Warn("step execution timed out", map[string]interface{}{
				"step_id":  step.ID,
				"executor": exec.Name(),
				"timeout":  timeout.String(),
			})
			return exec.HandleTimeout(step, ec)
		}
		return &models.StepExecutionResult{Status: models.ResultCancelled, ErrorMessage: ctx.Err().Error()}
	}
}
