package models

import (
	"errors"
	"fmt"
)

// ErrorKind classifies engine errors and drives the default retry decision.
type ErrorKind string

const (
	ErrKindConfiguration ErrorKind = "CONFIGURATION_ERROR"
	ErrKindExecution     ErrorKind = "EXECUTION_ERROR"
	ErrKindState         ErrorKind = "STATE_ERROR"
	ErrKindPermission    ErrorKind = "PERMISSION_ERROR"
	ErrKindData          ErrorKind = "DATA_ERROR"
	ErrKindTimeout       ErrorKind = "TIMEOUT_ERROR"
	ErrKindResource      ErrorKind = "RESOURCE_ERROR"
	ErrKindNetwork       ErrorKind = "NETWORK_ERROR"
	ErrKindSystem        ErrorKind = "SYSTEM_ERROR"
	ErrKindBusiness      ErrorKind = "BUSINESS_ERROR"
)

// DefaultRetryable returns the default retryability of an error kind.
func (k ErrorKind) DefaultRetryable() bool {
	switch k {
	case ErrKindExecution, ErrKindTimeout, ErrKindResource, ErrKindNetwork, ErrKindSystem:
		return true
	default:
		return false
	}
}

// WorkflowError is the uniform error structure carried through the engine:
// a kind, a message, an optional wrapped cause, a retryable flag, and
// optional instance/step attribution.
type WorkflowError struct {
	Kind       ErrorKind `json:"kind"`
	Message    string    `json:"message"`
	Cause      error     `json:"-"`
	Retryable  bool      `json:"retryable"`
	InstanceID string    `json:"instance_id,omitempty"`
	StepID     string    `json:"step_id,omitempty"`
	ErrorCode  string    `json:"error_code,omitempty"`
}

// Error implements the error interface
func (e *WorkflowError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap exposes the cause for errors.Is / errors.As chains.
func (e *WorkflowError) Unwrap() error { return e.Cause }

// NewWorkflowError creates an error of the given kind with its default
// retryability.
func NewWorkflowError(kind ErrorKind, message string) *WorkflowError {
	return &WorkflowError{Kind: kind, Message: message, Retryable: kind.DefaultRetryable()}
}

// WithCause attaches a wrapped cause.
func (e *WorkflowError) WithCause(cause error) *WorkflowError {
	e.Cause = cause
	return e
}

// WithInstance attributes the error to an instance.
func (e *WorkflowError) WithInstance(instanceID string) *WorkflowError {
	e.InstanceID = instanceID
	return e
}

// WithStep attributes the error to a step.
func (e *WorkflowError) WithStep(stepID string) *WorkflowError {
	e.StepID = stepID
	return e
}

// WithCode sets a machine-readable error code.
func (e *WorkflowError) WithCode(code string) *WorkflowError {
	e.ErrorCode = code
	return e
}

// WithRetryable overrides the kind's default retryability.
func (e *WorkflowError) WithRetryable(retryable bool) *WorkflowError {
	e.Retryable = retryable
	return e
}

// IsRetryable reports whether err (or any wrapped cause) is a retryable
// workflow error. Unknown errors are not retryable by default.
func IsRetryable(err error) bool {
	var we *WorkflowError
	if errors.As(err, &we) {
		return we.Retryable
	}
	return false
}

// KindOf returns the workflow error kind of err, or ErrKindSystem for
// errors that never passed through the taxonomy.
func KindOf(err error) ErrorKind {
	var we *WorkflowError
	if errors.As(err, &we) {
		return we.Kind
	}
	return ErrKindSystem
}

// Common constructors

// NewValidationError reports bad workflow/step/branch configuration.
func NewValidationError(field, message string) *WorkflowError {
	return NewWorkflowError(ErrKindConfiguration, fmt.Sprintf("validation failed for %s: %s", field, message)).
		WithCode("VALIDATION_FAILED")
}

// NewStateError reports an illegal status transition or a wrong-state
// operation.
func NewStateError(instanceID, from, to string) *WorkflowError {
	return NewWorkflowError(ErrKindState, fmt.Sprintf("illegal transition from %s to %s", from, to)).
		WithInstance(instanceID)
}

// NewInvalidOperationError reports an operation the lifecycle rules reject
// even though the instance status admits it, such as skipping a mandatory
// step or rolling back to a step that never succeeded.
func NewInvalidOperationError(message string) *WorkflowError {
	return NewWorkflowError(ErrKindState, message).WithCode("INVALID_OPERATION")
}

// IsInvalidOperation reports whether err is an invalid-operation rejection.
func IsInvalidOperation(err error) bool {
	var we *WorkflowError
	return errors.As(err, &we) && we.ErrorCode == "INVALID_OPERATION"
}

// NewPermissionError reports a caller not authorized for an operation or
// user task.
func NewPermissionError(userID, action string) *WorkflowError {
	return NewWorkflowError(ErrKindPermission, fmt.Sprintf("user %s is not authorized to %s", userID, action))
}

// NewNotFoundError reports a missing entity.
func NewNotFoundError(entity, id string) *WorkflowError {
	return NewWorkflowError(ErrKindData, fmt.Sprintf("%s not found: %s", entity, id)).
		WithCode("NOT_FOUND")
}

// NewTimeoutError reports a step or branch deadline breach.
func NewTimeoutError(what string) *WorkflowError {
	return NewWorkflowError(ErrKindTimeout, fmt.Sprintf("%s timed out", what))
}

// NewExecutionError wraps a transient step failure.
func NewExecutionError(message string, cause error) *WorkflowError {
	return NewWorkflowError(ErrKindExecution, message).WithCause(cause)
}

// AsWorkflowError coerces any error into the taxonomy, wrapping non-engine
// errors into EXECUTION_ERROR while preserving the cause.
func AsWorkflowError(err error) *WorkflowError {
	if err == nil {
		return nil
	}
	var we *WorkflowError
	if errors.As(err, &we) {
		return we
	}
	return NewExecutionError(err.Error(), err)
}

// IsNotFound reports whether err is a not-found data error.
func IsNotFound(err error) bool {
	var we *WorkflowError
	return errors.As(err, &we) && we.ErrorCode == "NOT_FOUND"
}
