package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeInvalidAction    = "INVALID_ACTION"
	ErrCodeResolution       = "RESOLUTION_ERROR"
	ErrCodeExecutor         = "EXECUTOR_ERROR"
	ErrCodeCancelled        = "CANCELLED"
	ErrCodeTimeout          = "TIMEOUT_ERROR"
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeStore            = "STORE_ERROR"
	ErrCodePieceUnavailable = "PIECE_UNAVAILABLE"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeVault            = "VAULT_ERROR"
	ErrCodeConflict         = "CONFLICT"
	ErrCodeNotFound         = "NOT_FOUND"
)

// FlowError is the structured error type for all engine operations.
type FlowError struct {
	Code       string         `json:"code"`
	Message    string         `json:"message"`
	ActionName string         `json:"actionName,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
	Cause      error          `json:"-"`
}

func (e *FlowError) Error() string {
	if e.ActionName != "" {
		return fmt.Sprintf("[%s] action %s: %s", e.Code, e.ActionName, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *FlowError) Unwrap() error {
	return e.Cause
}

// NewError creates a new FlowError.
func NewError(code, message string) *FlowError {
	return &FlowError{Code: code, Message: message}
}

// NewErrorf creates a new FlowError with a formatted message.
func NewErrorf(code, format string, args ...any) *FlowError {
	return &FlowError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithAction attaches the originating action name.
func (e *FlowError) WithAction(name string) *FlowError {
	e.ActionName = name
	return e
}

// WithCause attaches an underlying cause.
func (e *FlowError) WithCause(err error) *FlowError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *FlowError) WithDetails(details map[string]any) *FlowError {
	e.Details = details
	return e
}

// Fatal reports whether this error aborts the run regardless of per-action
// policy. Only invalid-action configuration errors are unconditionally
// fatal; everything else defers to retry/continue flags.
func (e *FlowError) Fatal() bool {
	return e.Code == ErrCodeInvalidAction || e.Code == ErrCodeCancelled
}
