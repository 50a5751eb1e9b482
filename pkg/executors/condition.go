package executors

import (
	"context"
	"fmt"

	"github.com/S-Corkum/meshflow/pkg/models"
	"github.com/S-Corkum/meshflow/pkg/observability"
)

// ConditionExecutor evaluates a registered router against the execution
// context and emits the chosen next step id. The engine loop reads
// outputData.nextStepId and routes there; an empty choice falls through to
// the step's declared next step.
type ConditionExecutor struct {
	BaseExecutor
	logger     observability.Logger
	predicates *PredicateRegistry
}

// NewConditionExecutor creates the condition executor.
func NewConditionExecutor(logger observability.Logger, predicates *PredicateRegistry) *ConditionExecutor {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &ConditionExecutor{
		BaseExecutor: NewBaseExecutor("condition-executor", predicates, models.StepTypeCondition),
		logger:       logger,
		predicates:   predicates,
	}
}

// ValidateConfig requires a registered router name.
func (e *ConditionExecutor) ValidateConfig(step *models.Step) error {
	name := step.Config.GetString("router")
	if name == "" {
		return models.NewValidationError("config.router", "required for condition steps")
	}
	if _, ok := e.predicates.GetRouter(name); !ok {
		return models.NewValidationError("config.router", fmt.Sprintf("unknown router %q", name))
	}
	return nil
}

// Execute runs the router and reports its decision.
func (e *ConditionExecutor) Execute(_ context.Context, step *models.Step, ec *models.StepExecutionContext) (*models.StepExecutionResult, error) {
	name := step.Config.GetString("router")
	router, ok := e.predicates.GetRouter(name)
	if !ok {
		return nil, models.NewWorkflowError(models.ErrKindConfiguration,
			fmt.Sprintf("unknown router %q", name)).WithStep(step.ID)
	}

	nextStepID, err := router(ec)
	if err != nil {
		return nil, models.NewWorkflowError(models.ErrKindBusiness, "condition routing failed").
			WithCause(err).WithStep(step.ID)
	}

	e.logger.Debug("condition routed", map[string]interface{}{
		"step_id":      step.ID,
		"router":       name,
		"next_step_id": nextStepID,
	})

	out := models.JSONMap{"router": name}
	if nextStepID == "" {
		// No branch matched. The step's default target, when configured,
		// keeps the instance moving; otherwise the loop records the miss.
		if def := step.Config.GetString("defaultStepId"); def != "" {
			out["nextStepId"] = def
			return models.NewSuccessResult(out), nil
		}
		return &models.StepExecutionResult{
			Status:       models.ResultConditionNotMet,
			OutputData:   out,
			ErrorMessage: fmt.Sprintf("router %q matched no branch", name),
		}, nil
	}
	out["nextStepId"] = nextStepID
	return models.NewSuccessResult(out), nil
}
