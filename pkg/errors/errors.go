// Package errors provides the coded error type shared by the query engine.
package errors

import (
	"errors"
	"fmt"
)

// Error codes surfaced to callers.
const (
	CodeInvalidRequest       = "INVALID_REQUEST"
	CodeNotFound             = "NOT_FOUND"
	CodeRejected             = "REJECTED_BY_SAFETY"
	CodeQueryFailed          = "QUERY_FAILED"
	CodeSyntaxError          = "SYNTAX_ERROR"
	CodeExplainFailed        = "EXPLAIN_FAILED"
	CodeCacheUnavailable     = "CACHE_UNAVAILABLE"
	CodeIndexOperationFailed = "INDEX_OPERATION_FAILED"
	CodeStepOutOfOrder       = "STEP_OUT_OF_ORDER"
	CodeConnectionFailed     = "CONNECTION_FAILED"
	CodeInternal             = "INTERNAL_ERROR"
	CodeUnavailable          = "UNAVAILABLE"
	CodeDeadlineExceeded     = "DEADLINE_EXCEEDED"
	CodeCanceled             = "CANCELED"
	CodeResourceExhausted    = "RESOURCE_EXHAUSTED"
)

// ServiceError carries a code, a human message and, for database failures,
// the engine's detail text and 1-based character position.
type ServiceError struct {
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	Detail    string                 `json:"detail,omitempty"`
	Position  int                    `json:"position,omitempty"`
	Retryable bool                   `json:"retryable"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Cause     error                  `json:"-"`
}

// Error implements the error interface.
func (e *ServiceError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *ServiceError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a ServiceError with the same code.
func (e *ServiceError) Is(target error) bool {
	t, ok := target.(*ServiceError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// WithDetails replaces the details map.
func (e *ServiceError) WithDetails(details map[string]interface{}) *ServiceError {
	e.Details = details
	return e
}

// WithDetail adds a single detail to the error.
func (e *ServiceError) WithDetail(key string, value interface{}) *ServiceError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithPosition records the engine-reported detail and position.
func (e *ServiceError) WithPosition(detail string, position int) *ServiceError {
	e.Detail = detail
	e.Position = position
	return e
}

// AsRetryable marks the error as safe to retry.
func (e *ServiceError) AsRetryable() *ServiceError {
	e.Retryable = true
	return e
}

// Common errors
var (
	ErrEmptyQuery       = &ServiceError{Code: CodeInvalidRequest, Message: "query cannot be empty"}
	ErrTableNotFound    = &ServiceError{Code: CodeNotFound, Message: "table not found"}
	ErrRejected         = &ServiceError{Code: CodeRejected, Message: "statement rejected by safety guard"}
	ErrStepOutOfOrder   = &ServiceError{Code: CodeStepOutOfOrder, Message: "experiment step out of order"}
	ErrConnectionFailed = &ServiceError{Code: CodeUnavailable, Message: "database connection failed"}
	ErrQueryTimeout     = &ServiceError{Code: CodeDeadlineExceeded, Message: "query execution timeout", Retryable: true}
	ErrCacheUnavailable = &ServiceError{Code: CodeCacheUnavailable, Message: "cache unavailable"}
)

// New creates a new ServiceError with the given code and message.
func New(code, message string) *ServiceError {
	return &ServiceError{
		Code:    code,
		Message: message,
	}
}

// Newf creates a new ServiceError with a formatted message.
func Newf(code, format string, args ...interface{}) *ServiceError {
	return &ServiceError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// Wrap wraps an error with a ServiceError.
func Wrap(err error, code, message string) *ServiceError {
	if err == nil {
		return nil
	}
	return &ServiceError{
		Code:      code,
		Message:   message,
		Retryable: IsRetryable(err),
		Cause:     err,
	}
}

// Wrapf wraps an error with a formatted message.
func Wrapf(err error, code, format string, args ...interface{}) *ServiceError {
	if err == nil {
		return nil
	}
	return &ServiceError{
		Code:      code,
		Message:   fmt.Sprintf(format, args...),
		Retryable: IsRetryable(err),
		Cause:     err,
	}
}

// IsNotFound checks if an error is a not found error.
func IsNotFound(err error) bool {
	return GetCode(err) == CodeNotFound
}

// IsInvalidRequest checks if an error is an invalid request error.
func IsInvalidRequest(err error) bool {
	return hasCode(err, CodeInvalidRequest)
}

// IsRejected checks if the safety guard refused the statement.
func IsRejected(err error) bool {
	return hasCode(err, CodeRejected)
}

// IsStepOutOfOrder checks if an experiment step was requested before its prerequisite.
func IsStepOutOfOrder(err error) bool {
	return hasCode(err, CodeStepOutOfOrder)
}

// IsRetryable reports whether any ServiceError in the chain is marked retryable.
func IsRetryable(err error) bool {
	var svcErr *ServiceError
	if errors.As(err, &svcErr) {
		return svcErr.Retryable
	}
	return false
}

// GetCode extracts the error code from an error.
func GetCode(err error) string {
	var svcErr *ServiceError
	if errors.As(err, &svcErr) {
		return svcErr.Code
	}
	return CodeInternal
}

// GetMessage extracts the error message from an error.
func GetMessage(err error) string {
	var svcErr *ServiceError
	if errors.As(err, &svcErr) {
		return svcErr.Message
	}
	return err.Error()
}

// Root returns the innermost ServiceError in the chain, which carries the
// engine-reported detail and position.
func Root(err error) *ServiceError {
	var root *ServiceError
	for err != nil {
		var svcErr *ServiceError
		if !errors.As(err, &svcErr) {
			break
		}
		root = svcErr
		err = svcErr.Cause
	}
	return root
}

func hasCode(err error, code string) bool {
	var svcErr *ServiceError
	if errors.As(err, &svcErr) {
		return svcErr.Code == code
	}
	return false
}
