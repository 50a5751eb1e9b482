package models

import (
	"time"

	"github.com/google/uuid"
)

// ResultStatus is the outcome of one executor invocation
type ResultStatus string

const (
	ResultSuccess         ResultStatus = "success"
	ResultFailed          ResultStatus = "failed"
	ResultWaiting         ResultStatus = "waiting"
	ResultRetry           ResultStatus = "retry"
	ResultSkipped         ResultStatus = "skipped"
	ResultTimeout         ResultStatus = "timeout"
	ResultCancelled       ResultStatus = "cancelled"
	ResultConditionNotMet ResultStatus = "condition_not_met"
)

// StepExecutionContext is the snapshot handed to an executor: the caller,
// caller-supplied inputs, and a copy of the instance context at dispatch
// time. Executors never see the live instance.
type StepExecutionContext struct {
	InstanceID      uuid.UUID
	WorkflowID      string
	UserID          string
	InputParameters JSONMap
	InstanceContext JSONMap
	StartTime       time.Time
	Timeout         time.Duration
	RetryCount      int
	Priority        int
	Async           bool
}

// Get looks a key up in the caller inputs first, then the instance context.
func (c *StepExecutionContext) Get(key string) (interface{}, bool) {
	if c.InputParameters != nil {
		if v, ok := c.InputParameters[key]; ok {
			return v, true
		}
	}
	if c.InstanceContext != nil {
		if v, ok := c.InstanceContext[key]; ok {
			return v, true
		}
	}
	return nil, false
}

// StepExecutionResult is what an executor returns to the engine loop.
// OutputData is merged into the instance context on success.
type StepExecutionResult struct {
	Status       ResultStatus  `json:"status"`
	OutputData   JSONMap       `json:"output_data,omitempty"`
	ErrorMessage string        `json:"error_message,omitempty"`
	NeedRetry    bool          `json:"need_retry,omitempty"`
	RetryDelay   time.Duration `json:"retry_delay,omitempty"`
	Err          error         `json:"-"`
}

// Success reports whether the step finished successfully.
func (r *StepExecutionResult) Success() bool { return r.Status == ResultSuccess }

// NewSuccessResult returns a success result carrying output data.
func NewSuccessResult(output JSONMap) *StepExecutionResult {
	return &StepExecutionResult{Status: ResultSuccess, OutputData: output}
}

// NewFailedResult returns a failed result from an error.
func NewFailedResult(err error) *StepExecutionResult {
	return &StepExecutionResult{Status: ResultFailed, ErrorMessage: err.Error(), Err: err}
}

// NewWaitingResult returns a waiting result; the instance parks until an
// external completion reenters the loop.
func NewWaitingResult(output JSONMap) *StepExecutionResult {
	return &StepExecutionResult{Status: ResultWaiting, OutputData: output}
}

// NewSkippedResult returns a skipped result.
func NewSkippedResult(reason string) *StepExecutionResult {
	return &StepExecutionResult{Status: ResultSkipped, ErrorMessage: reason}
}

// NewTimeoutResult returns a timeout result.
func NewTimeoutResult(err error) *StepExecutionResult {
	return &StepExecutionResult{Status: ResultTimeout, ErrorMessage: err.Error(), Err: err}
}
