package engine

import (
	"errors"
	"fmt"
	"sort"
)

// ErrorClass represents the classification of an error for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	// Examples: network timeouts, temporary service unavailability.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassThrottled indicates rate limiting by the provider API.
	ErrorClassThrottled ErrorClass = "throttled"

	// ErrorClassConflict indicates a state conflict, such as a held graph lock
	// or a lost compare-and-swap race.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent indicates a non-recoverable error.
	// Examples: unknown dependency, dependency cycle, failed stack operation.
	ErrorClassPermanent ErrorClass = "permanent"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Resource is the stack name that caused the error, if applicable.
	Resource string `json:"resource,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	if e.Resource != "" && e.Operation != "" {
		msg = fmt.Sprintf("%s (stack=%s, operation=%s)", msg, e.Resource, e.Operation)
	} else if e.Resource != "" {
		msg = fmt.Sprintf("%s (stack=%s)", msg, e.Resource)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
// Two engine errors match when class and code are equal.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassTransient, Message: message, Err: err}
}

// NewThrottledError creates a new throttled error.
func NewThrottledError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassThrottled, Message: message, Err: err}
}

// NewConflictError creates a new conflict error.
func NewConflictError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassConflict, Message: message, Err: err}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassPermanent, Message: message, Err: err}
}

// WithResource adds stack context to an error.
func (e *EngineError) WithResource(stackName string) *EngineError {
	e.Resource = stackName
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	return classOf(err) == ErrorClassTransient
}

// IsThrottled returns true if the error is classified as throttled.
func IsThrottled(err error) bool {
	return classOf(err) == ErrorClassThrottled
}

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool {
	return classOf(err) == ErrorClassConflict
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	return classOf(err) == ErrorClassPermanent
}

// IsRetryable returns true if the error can be retried by the caller.
func IsRetryable(err error) bool {
	return IsTransient(err) || IsThrottled(err) || IsConflict(err)
}

func classOf(err error) ErrorClass {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class
	}
	return ""
}

// Common error codes.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeUnknownDependency = "UNKNOWN_DEPENDENCY"
	ErrCodeCycleDetected     = "CYCLE_DETECTED"
	ErrCodeGraphLocked       = "GRAPH_LOCKED"
	ErrCodeStepFailed        = "STEP_FAILED"
	ErrCodePlanFailed        = "PLAN_FAILED"
	ErrCodePolicyDenied      = "POLICY_DENIED"
	ErrCodeHookFailed        = "HOOK_FAILED"
	ErrCodeTimeout           = "TIMEOUT"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInternal          = "INTERNAL_ERROR"
	ErrCodeProviderFailed    = "PROVIDER_FAILED"
)

// Sentinel errors for use with errors.Is. Concrete errors returned by the
// engine carry more context but compare equal to these by class and code.
var (
	ErrUnknownDependency   = NewPermanentError("unknown dependency", nil).WithCode(ErrCodeUnknownDependency)
	ErrCycleDetected       = NewPermanentError("dependency cycle detected", nil).WithCode(ErrCodeCycleDetected)
	ErrGraphLocked         = NewConflictError("persistent graph is locked", nil).WithCode(ErrCodeGraphLocked)
	ErrStepOperationFailed = NewPermanentError("step operation failed", nil).WithCode(ErrCodeStepFailed)
	ErrPlanFailed          = NewPermanentError("plan failed", nil).WithCode(ErrCodePlanFailed)
	ErrStackNotFound       = NewPermanentError("stack does not exist", nil).WithCode(ErrCodeNotFound)
	ErrPolicyDenied        = NewPermanentError("policy denied plan", nil).WithCode(ErrCodePolicyDenied)
	ErrHookFailed          = NewPermanentError("hook failed", nil).WithCode(ErrCodeHookFailed)
)

// IsNotFound reports whether err signals that a stack does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrStackNotFound)
}

// NewStackNotFoundError returns an ErrStackNotFound for the named stack.
func NewStackNotFoundError(stackName string, err error) *EngineError {
	return NewPermanentError("stack does not exist", err).
		WithCode(ErrCodeNotFound).
		WithResource(stackName)
}

// NewGraphLockedError returns an ErrGraphLocked carrying the current holder.
func NewGraphLockedError(namespace, holderID string) *EngineError {
	return NewConflictError(
		fmt.Sprintf("persistent graph for namespace %s is locked by %s", namespace, holderID),
		nil,
	).WithCode(ErrCodeGraphLocked).
		WithDetail("namespace", namespace).
		WithDetail("holder_id", holderID)
}

// LockHolder returns the holder recorded on a GraphLocked error.
func LockHolder(err error) (string, bool) {
	var e *EngineError
	if !errors.As(err, &e) || e.Code != ErrCodeGraphLocked {
		return "", false
	}
	holder, ok := e.Details["holder_id"].(string)
	return holder, ok
}

// NewPlanFailedError returns an ErrPlanFailed naming the failed steps.
func NewPlanFailedError(failed []string) *EngineError {
	names := append([]string(nil), failed...)
	sort.Strings(names)
	return NewPermanentError(fmt.Sprintf("%d step(s) failed: %v", len(names), names), nil).
		WithCode(ErrCodePlanFailed).
		WithDetail("failed_steps", names)
}

// FailedSteps returns the failed step names recorded on a PlanFailed error.
func FailedSteps(err error) []string {
	var e *EngineError
	if !errors.As(err, &e) || e.Code != ErrCodePlanFailed {
		return nil
	}
	names, _ := e.Details["failed_steps"].([]string)
	return names
}
