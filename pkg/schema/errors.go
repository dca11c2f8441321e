package schema

import "fmt"

// Error codes for structured error reporting.
const (
	// ErrCodeConfig marks a malformed workflow document. Fatal at load time.
	ErrCodeConfig = "CONFIG_ERROR"
	// ErrCodeSchema marks a state that failed validation after a merge.
	ErrCodeSchema = "SCHEMA_ERROR"
	// ErrCodeNoRoute means no edge condition matched and no default edge exists.
	ErrCodeNoRoute = "NO_ROUTE"
	// ErrCodeStep marks a capability invocation failure. Subject to retry.
	ErrCodeStep = "STEP_ERROR"
	// ErrCodeApprovalTimeout is raised internally when an approval deadline
	// passes. It routes the reserved `timeout` edge and is never a run failure.
	ErrCodeApprovalTimeout = "APPROVAL_TIMEOUT"

	ErrCodeCancelled         = "CANCELLED"
	ErrCodeTimeout           = "TIMEOUT_ERROR"
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeExpression        = "EXPRESSION_ERROR"
	ErrCodeInterpolation     = "INTERPOLATION_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeRetryExhausted    = "RETRY_EXHAUSTED"
	ErrCodeStore             = "STORE_ERROR"
)

// FlowError is the structured error type for all engine operations.
type FlowError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	NodeID  string         `json:"node_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *FlowError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("[%s] node %s: %s", e.Code, e.NodeID, e.Message)
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

// WithNode attaches a node ID to the error.
func (e *FlowError) WithNode(nodeID string) *FlowError {
	e.NodeID = nodeID
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

// IsRetryable reports whether an error with this code should be retried.
// Configuration, routing and terminal errors never retry; capability and
// infrastructure failures do.
func (e *FlowError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeConfig, ErrCodeSchema, ErrCodeNoRoute, ErrCodeValidation,
		ErrCodeExpression, ErrCodeInterpolation, ErrCodeNotFound,
		ErrCodeConflict, ErrCodeInvalidTransition, ErrCodeCancelled,
		ErrCodeRetryExhausted, ErrCodeApprovalTimeout:
		return false
	default:
		return true
	}
}
