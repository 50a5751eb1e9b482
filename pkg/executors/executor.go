// Package executors contains the step executor framework: the capability
// contract every executor exposes, the lifecycle runner that drives an
// execution through its fixed phases, and the built-in executors for task,
// user-task, parallel, condition, and timer steps.
package executors

import (
	"context"
	"sync"
	"time"

	"github.com/S-Corkum/meshflow/pkg/models"
)

// HealthState reports an executor's ability to take work
type HealthState string

const (
	HealthHealthy   HealthState = "healthy"
	HealthDegraded  HealthState = "degraded"
	HealthUnhealthy HealthState = "unhealthy"
)

// Executor is the capability contract for a step executor. The lifecycle
// runner drives the fixed phase sequence; Execute only performs the work.
type Executor interface {
	// Name identifies the executor in history entries and metrics.
	Name() string
	// Supports reports whether the executor handles the given step type.
	Supports(stepType models.StepType) bool
	// Execute performs the step's work. The runner guards it with the step
	// timeout and panic recovery.
	Execute(ctx context.Context, step *models.Step, ec *models.StepExecutionContext) (*models.StepExecutionResult, error)
	// ValidateConfig rejects steps whose configuration the executor cannot
	// run.
	ValidateConfig(step *models.Step) error
	// Prepare acquires resources before execution.
	Prepare(ctx context.Context, step *models.Step, ec *models.StepExecutionContext) error
	// Cleanup always runs after execution; failures are logged and never
	// override the result.
	Cleanup(ctx context.Context, step *models.Step, ec *models.StepExecutionContext, result *models.StepExecutionResult)
	// HandleTimeout builds the result for a deadline breach.
	HandleTimeout(step *models.Step, ec *models.StepExecutionContext) *models.StepExecutionResult
	// HandleException builds the result for a non-timeout failure.
	HandleException(step *models.Step, ec *models.StepExecutionContext, err error) *models.StepExecutionResult
	// CanRetry reports whether a failed execution of this step may be
	// retried for the given error.
	CanRetry(step *models.Step, err error) bool
	// RetryDelay computes the delay before the given retry attempt. Zero
	// means use the engine default back-off.
	RetryDelay(step *models.Step, attempt int) time.Duration
	// HealthStatus reports cached executor health, refreshed at most once a
	// minute.
	HealthStatus() HealthState
	// Metrics returns a snapshot of the executor's statistics.
	Metrics() map[string]interface{}
	// EstimateTime predicts how long the step will take.
	EstimateTime(step *models.Step, ec *models.StepExecutionContext) time.Duration
	// ResourceRequirements describes what the step needs to run.
	ResourceRequirements(step *models.Step, ec *models.StepExecutionContext) map[string]interface{}
	// CheckPreconditions evaluates the step's precondition predicate against
	// the execution context.
	CheckPreconditions(step *models.Step, ec *models.StepExecutionContext) bool
}

// Stats accumulates per-executor execution statistics. Mutated under its own
// lock.
type Stats struct {
	mu      sync.Mutex
	Total   int64
	Success int64
	Failed  int64
	Timeout int64
	Retry   int64
	SumTime time.Duration
	MinTime time.Duration
	MaxTime time.Duration
}

// Record folds one finished execution into the stats.
func (s *Stats) Record(status models.ResultStatus, elapsed time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Total++
	switch status {
	case models.ResultSuccess:
		s.Success++
	case models.ResultTimeout:
		s.Timeout++
	case models.ResultRetry:
		s.Retry++
	case models.ResultFailed:
		s.Failed++
	}
	s.SumTime += elapsed
	if s.MinTime == 0 || elapsed < s.MinTime {
		s.MinTime = elapsed
	}
	if elapsed > s.MaxTime {
		s.MaxTime = elapsed
	}
}

// Snapshot returns the statistics as a metrics map.
func (s *Stats) Snapshot() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	avg := time.Duration(0)
	if s.Total > 0 {
		avg = s.SumTime / time.Duration(s.Total)
	}
	return map[string]interface{}{
		"total":       s.Total,
		"success":     s.Success,
		"failed":      s.Failed,
		"timeout":     s.Timeout,
		"retry":       s.Retry,
		"sum_time_ms": s.SumTime.Milliseconds(),
		"min_time_ms": s.MinTime.Milliseconds(),
		"max_time_ms": s.MaxTime.Milliseconds(),
		"avg_time_ms": avg.Milliseconds(),
	}
}

// healthCheckInterval bounds how often the cached health is refreshed.
const healthCheckInterval = time.Minute

// BaseExecutor carries the shared capability defaults. Concrete executors
// embed it and override what they need.
type BaseExecutor struct {
	name       string
	types      map[models.StepType]bool
	stats      Stats
	predicates *PredicateRegistry

	healthMu    sync.Mutex
	healthFn    func() HealthState
	health      HealthState
	healthCheck time.Time
}

// NewBaseExecutor builds the shared core for an executor handling the given
// step types.
func NewBaseExecutor(name string, predicates *PredicateRegistry, types ...models.StepType) BaseExecutor {
	set := make(map[models.StepType]bool, len(types))
	for _, t := range types {
		set[t] = true
	}
	return BaseExecutor{name: name, types: set, predicates: predicates, health: HealthHealthy}
}

// Name returns the executor name.
func (b *BaseExecutor) Name() string { return b.name }

// Supports reports whether the step type is handled.
func (b *BaseExecutor) Supports(stepType models.StepType) bool { return b.types[stepType] }

// ValidateConfig accepts any configuration by default.
func (b *BaseExecutor) ValidateConfig(*models.Step) error { return nil }

// Prepare is a no-op by default.
func (b *BaseExecutor) Prepare(context.Context, *models.Step, *models.StepExecutionContext) error {
	return nil
}

// Cleanup is a no-op by default.
func (b *BaseExecutor) Cleanup(context.Context, *models.Step, *models.StepExecutionContext, *models.StepExecutionResult) {
}

// HandleTimeout returns a timeout result attributed to the step.
func (b *BaseExecutor) HandleTimeout(step *models.Step, _ *models.StepExecutionContext) *models.StepExecutionResult {
	return models.NewTimeoutResult(models.NewTimeoutError("step " + step.ID).WithStep(step.ID))
}

// HandleException wraps the error into the taxonomy and returns a failed
// result.
func (b *BaseExecutor) HandleException(step *models.Step, _ *models.StepExecutionContext, err error) *models.StepExecutionResult {
	return models.NewFailedResult(models.AsWorkflowError(err).WithStep(step.ID))
}

// CanRetry defers to the error taxonomy by default.
func (b *BaseExecutor) CanRetry(_ *models.Step, err error) bool {
	return models.IsRetryable(err)
}

// RetryDelay returns zero: use the engine's default back-off.
func (b *BaseExecutor) RetryDelay(*models.Step, int) time.Duration { return 0 }

// SetHealthCheck installs the health probe backing HealthStatus.
func (b *BaseExecutor) SetHealthCheck(fn func() HealthState) {
	b.healthMu.Lock()
	defer b.healthMu.Unlock()
	b.healthFn = fn
	b.healthCheck = time.Time{}
}

// HealthStatus returns the cached health, re-probing at most once a minute.
func (b *BaseExecutor) HealthStatus() HealthState {
	b.healthMu.Lock()
	defer b.healthMu.Unlock()
	if b.healthFn != nil && time.Since(b.healthCheck) >= healthCheckInterval {
		b.health = b.healthFn()
		b.healthCheck = time.Now()
	}
	return b.health
}

// Metrics returns a snapshot of the executor statistics.
func (b *BaseExecutor) Metrics() map[string]interface{} { return b.stats.Snapshot() }

// RecordExecution folds a finished run into the executor statistics.
func (b *BaseExecutor) RecordExecution(status models.ResultStatus, elapsed time.Duration) {
	b.stats.Record(status, elapsed)
}

// EstimateTime defaults to the declared step timeout.
func (b *BaseExecutor) EstimateTime(step *models.Step, _ *models.StepExecutionContext) time.Duration {
	return step.Timeout(0)
}

// ResourceRequirements is empty by default.
func (b *BaseExecutor) ResourceRequirements(*models.Step, *models.StepExecutionContext) map[string]interface{} {
	return map[string]interface{}{}
}

// CheckPreconditions evaluates the step's named precondition. An absent
// precondition always passes; an unknown name fails closed.
func (b *BaseExecutor) CheckPreconditions(step *models.Step, ec *models.StepExecutionContext) bool {
	if step.Precondition == "" {
		return true
	}
	if b.predicates == nil {
		return false
	}
	pred, ok := b.predicates.Get(step.Precondition)
	if !ok {
		return false
	}
	return pred(ec)
}
