package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeSubmission        = "SUBMISSION_ERROR"
	ErrCodeTransport         = "TRANSPORT_ERROR"
	ErrCodeTaskFailed        = "TASK_FAILED"
	ErrCodeStructure         = "STRUCTURE_MALFORMED"
	ErrCodeContentNotFound   = "CONTENT_NOT_FOUND"
	ErrCodeDiagramRender     = "DIAGRAM_RENDER_FAILED"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeStore             = "STORE_ERROR"
)

// WikiError is the structured error type for all client operations.
type WikiError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	PageID  string         `json:"page_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *WikiError) Error() string {
	if e.PageID != "" {
		return fmt.Sprintf("[%s] page %s: %s", e.Code, e.PageID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *WikiError) Unwrap() error {
	return e.Cause
}

// IsBlocking reports whether the error belongs to the class that is shown as
// primary, blocking error UI. Everything else degrades in place.
func (e *WikiError) IsBlocking() bool {
	return e.Code == ErrCodeSubmission || e.Code == ErrCodeTaskFailed
}

// NewError creates a new WikiError.
func NewError(code, message string) *WikiError {
	return &WikiError{Code: code, Message: message}
}

// NewErrorf creates a new WikiError with a formatted message.
func NewErrorf(code, format string, args ...any) *WikiError {
	return &WikiError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithPage attaches a page ID to the error.
func (e *WikiError) WithPage(pageID string) *WikiError {
	e.PageID = pageID
	return e
}

// WithCause attaches an underlying cause.
func (e *WikiError) WithCause(err error) *WikiError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *WikiError) WithDetails(details map[string]any) *WikiError {
	e.Details = details
	return e
}

// HasCode reports whether err is (or wraps) a WikiError with the given code.
func HasCode(err error, code string) bool {
	var we *WikiError
	if errors.As(err, &we) {
		return we.Code == code
	}
	return false
}
