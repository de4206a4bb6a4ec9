package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServiceError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *ServiceError
		expected string
	}{
		{
			name: "error without cause",
			err: &ServiceError{
				Code:    CodeInvalidRequest,
				Message: "invalid input",
			},
			expected: "INVALID_REQUEST: invalid input",
		},
		{
			name: "error with cause",
			err: &ServiceError{
				Code:    CodeQueryFailed,
				Message: "query failed",
				Cause:   fmt.Errorf("relation \"nope\" does not exist"),
			},
			expected: "QUERY_FAILED: query failed (caused by: relation \"nope\" does not exist)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.err.Error())
		})
	}
}

func TestServiceError_UnwrapAndIs(t *testing.T) {
	cause := fmt.Errorf("underlying error")
	err := &ServiceError{
		Code:    CodeInvalidRequest,
		Message: "invalid input",
		Cause:   cause,
	}

	assert.Equal(t, cause, err.Unwrap())
	assert.True(t, errors.Is(err, &ServiceError{Code: CodeInvalidRequest}))
	assert.False(t, errors.Is(err, &ServiceError{Code: CodeNotFound}))
	assert.False(t, err.Is(fmt.Errorf("standard error")))
}

func TestServiceError_WithDetail(t *testing.T) {
	err := New(CodeIndexOperationFailed, "index build failed").
		WithDetail("index", "idx_users_large_email").
		WithDetail("concurrent", true)

	assert.Equal(t, "idx_users_large_email", err.Details["index"])
	assert.Equal(t, true, err.Details["concurrent"])

	err = err.WithDetails(map[string]interface{}{"table": "users_large"})
	assert.Len(t, err.Details, 1)
}

func TestServiceError_WithPosition(t *testing.T) {
	err := New(CodeSyntaxError, "syntax error at or near \"FORM\"").WithPosition("", 10)
	assert.Equal(t, 10, err.Position)
	assert.Empty(t, err.Detail)
}

func TestWrap(t *testing.T) {
	cause := fmt.Errorf("underlying error")
	err := Wrap(cause, CodeQueryFailed, "wrapped message")

	assert.Equal(t, CodeQueryFailed, err.Code)
	assert.Equal(t, "wrapped message", err.Message)
	assert.Equal(t, cause, err.Cause)
	assert.False(t, err.Retryable)

	assert.Nil(t, Wrap(nil, CodeQueryFailed, "message"))
}

func TestWrap_InheritsRetryable(t *testing.T) {
	inner := New(CodeDeadlineExceeded, "canceling statement due to statement timeout").AsRetryable()
	outer := Wrap(inner, CodeQueryFailed, "query failed")

	assert.True(t, outer.Retryable)
	assert.True(t, IsRetryable(outer))
	assert.False(t, IsRetryable(fmt.Errorf("plain")))
}

func TestWrapf(t *testing.T) {
	cause := fmt.Errorf("underlying error")
	err := Wrapf(cause, CodeIndexOperationFailed, "failed to create index %s", "idx_data_score")

	assert.Equal(t, "failed to create index idx_data_score", err.Message)
	assert.Equal(t, cause, err.Cause)
	assert.Nil(t, Wrapf(nil, CodeInvalidRequest, "message %d", 42))
}

func TestPredicates(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		check func(error) bool
		want  bool
	}{
		{"not found", ErrTableNotFound, IsNotFound, true},
		{"not found on other code", ErrEmptyQuery, IsNotFound, false},
		{"invalid request", ErrEmptyQuery, IsInvalidRequest, true},
		{"invalid request on std error", fmt.Errorf("standard error"), IsInvalidRequest, false},
		{"rejected", ErrRejected, IsRejected, true},
		{"rejected wrapped", fmt.Errorf("handler: %w", ErrRejected), IsRejected, true},
		{"step out of order", Newf(CodeStepOutOfOrder, "step %d requires step %d", 2, 1), IsStepOutOfOrder, true},
		{"timeout retryable", ErrQueryTimeout, IsRetryable, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.check(tt.err))
		})
	}
}

func TestGetCodeAndMessage(t *testing.T) {
	assert.Equal(t, CodeNotFound, GetCode(ErrTableNotFound))
	assert.Equal(t, CodeInternal, GetCode(fmt.Errorf("standard error")))
	assert.Equal(t, "table not found", GetMessage(ErrTableNotFound))
	assert.Equal(t, "standard error", GetMessage(fmt.Errorf("standard error")))
}

func TestRoot(t *testing.T) {
	inner := New(CodeSyntaxError, "syntax error at or near \"FORM\"").WithPosition("", 10)
	outer := Wrap(inner, CodeQueryFailed, "query failed")

	root := Root(outer)
	require.NotNil(t, root)
	assert.Equal(t, CodeSyntaxError, root.Code)
	assert.Equal(t, 10, root.Position)

	assert.Nil(t, Root(fmt.Errorf("plain")))
}
