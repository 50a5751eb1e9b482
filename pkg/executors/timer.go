package executors

import (
	"context"
	"time"

	"github.com/S-Corkum/meshflow/pkg/models"
	"github.com/S-Corkum/meshflow/pkg/observability"
)

// TimerExecutor pauses the flow for a configured delay. The engine always
// dispatches timer steps to the async pool, so the delay never blocks a
// caller.
type TimerExecutor struct {
	BaseExecutor
	logger observability.Logger
}

// NewTimerExecutor creates the timer executor.
func NewTimerExecutor(logger observability.Logger, predicates *PredicateRegistry) *TimerExecutor {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &TimerExecutor{
		BaseExecutor: NewBaseExecutor("timer-executor", predicates, models.StepTypeTimer),
		logger:       logger,
	}
}

// ValidateConfig requires a positive delay.
func (e *TimerExecutor) ValidateConfig(step *models.Step) error {
	if step.Config.GetInt("delaySeconds") <= 0 {
		return models.NewValidationError("config.delaySeconds", "must be a positive number of seconds")
	}
	return nil
}

// Execute waits out the delay, honoring cancellation.
func (e *TimerExecutor) Execute(ctx context.Context, step *models.Step, _ *models.StepExecutionContext) (*models.StepExecutionResult, error) {
	delay := time.Duration(step.Config.GetInt("delaySeconds")) * time.Second

	e.logger.Debug("timer started", map[string]interface{}{
		"step_id": step.ID,
		"delay":   delay.String(),
	})

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return models.NewSuccessResult(models.JSONMap{
			"delaySeconds": step.Config.GetInt("delaySeconds"),
			"firedAt":      time.Now().UTC().Format(time.RFC3339),
		}), nil
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return nil, models.NewTimeoutError("timer step " + step.ID).WithStep(step.ID)
		}
		return &models.StepExecutionResult{Status: models.ResultCancelled, ErrorMessage: ctx.Err().Error()}, nil
	}
}
