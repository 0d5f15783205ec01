package models

import (
	"errors"
	"fmt"
)

// ErrorCode tags an error with its place in the runtime's error taxonomy.
// Codes are part of the contract: they drive retry and escalation decisions.
type ErrorCode string

const (
	// CodeAgentNotFound means the agent reference could not be resolved. Fatal.
	CodeAgentNotFound ErrorCode = "AGENT_NOT_FOUND"

	// CodeSessionNotFound means the session does not exist. Fatal.
	CodeSessionNotFound ErrorCode = "SESSION_NOT_FOUND"

	// CodeInvalidInput means the caller supplied malformed input. Fatal.
	CodeInvalidInput ErrorCode = "INVALID_INPUT"

	// CodeLockHeld means the session lock is held by another run.
	// Surfaced to the caller, who may back off and retry.
	CodeLockHeld ErrorCode = "LOCK_HELD"

	// CodeScopeViolation means a tool attempted to escape the agent scope. Fatal.
	CodeScopeViolation ErrorCode = "SCOPE_VIOLATION"

	// CodeAuthenticationFailed means the provider rejected credentials. Fatal.
	CodeAuthenticationFailed ErrorCode = "AUTHENTICATION_FAILED"

	// CodeTransientIO marks a retryable filesystem failure.
	CodeTransientIO ErrorCode = "TRANSIENT_IO"

	// CodeLLMTransient marks a retryable model call failure.
	CodeLLMTransient ErrorCode = "LLM_TRANSIENT"

	// CodeToolTransient marks a retryable tool failure.
	CodeToolTransient ErrorCode = "TOOL_TRANSIENT"

	// CodeExecutionTimeout means the whole turn exceeded its deadline.
	// Fatal for the turn; the transcript and lock are still persisted/released.
	CodeExecutionTimeout ErrorCode = "EXECUTION_TIMEOUT"

	// CodeToolTimeout means a single tool exceeded its deadline.
	CodeToolTimeout ErrorCode = "TOOL_TIMEOUT"

	// CodeMaxIterations means the tool loop hit its iteration cap.
	CodeMaxIterations ErrorCode = "MAX_ITERATIONS"

	// CodeMemoryOverLimit means a memory write would exceed the size budget.
	// Fatal for that write only; the loop continues.
	CodeMemoryOverLimit ErrorCode = "MEMORY_OVER_LIMIT"
)

// CodedError is an error carrying an ErrorCode tag.
type CodedError struct {
	// Code is the taxonomy tag.
	Code ErrorCode

	// Message is the human-readable description.
	Message string

	// Cause is the underlying error, if any.
	Cause error
}

// Error implements the error interface.
func (e *CodedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *CodedError) Unwrap() error {
	return e.Cause
}

// NewError creates a CodedError with the given code and message.
func NewError(code ErrorCode, msg string) *CodedError {
	return &CodedError{Code: code, Message: msg}
}

// Errorf creates a CodedError with a formatted message.
func Errorf(code ErrorCode, format string, args ...any) *CodedError {
	return &CodedError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapError creates a CodedError wrapping a cause.
func WrapError(code ErrorCode, msg string, cause error) *CodedError {
	return &CodedError{Code: code, Message: msg, Cause: cause}
}

// CodeOf extracts the ErrorCode from an error chain.
// Returns the empty code when no CodedError is present.
func CodeOf(err error) ErrorCode {
	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code
	}
	return ""
}

// HasCode reports whether the error chain carries the given code.
func HasCode(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}
