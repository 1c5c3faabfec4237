package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorFormatting(t *testing.T) {
	t.Parallel()

	plain := NewForbiddenError("access denied", nil)
	assert.Equal(t, "forbidden: access denied", plain.Error())

	cause := stderrors.New("boom")
	wrapped := NewInternalError("pipeline failed", cause)
	assert.Equal(t, "internal: pipeline failed: boom", wrapped.Error())
	assert.Equal(t, cause, stderrors.Unwrap(wrapped))
}

func TestTypePredicates(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err       error
		wantType  string
		predicate func(error) bool
	}{
		{NewValidationError("bad input", nil), ErrValidation, IsValidation},
		{NewUnauthorizedError("unauthorized", nil), ErrUnauthorized, IsUnauthorized},
		{NewForbiddenError("denied", nil), ErrForbidden, IsForbidden},
		{NewNotFoundError("missing", nil), ErrNotFound, IsNotFound},
		{NewRateLimitedError("slow down", nil), ErrRateLimited, IsRateLimited},
		{NewResourceLimitExceededError("cap", nil), ErrResourceLimitExceeded, IsResourceLimitExceeded},
		{NewInvalidStateError("state", nil), ErrInvalidState, IsInvalidState},
		{NewTimeoutError("deadline", nil), ErrTimeout, IsTimeout},
		{NewDecryptionFailedError("tampered", nil), ErrDecryptionFailed, IsDecryptionFailed},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.wantType, TypeOf(tt.err))
		assert.True(t, tt.predicate(tt.err))
	}
}

func TestTypeOfWrappedChain(t *testing.T) {
	t.Parallel()

	inner := NewNotFoundError("tool not found", nil)
	outer := fmt.Errorf("invoking: %w", inner)
	assert.Equal(t, ErrNotFound, TypeOf(outer))
	assert.True(t, IsNotFound(outer))
}

func TestTypeOfForeignError(t *testing.T) {
	t.Parallel()

	assert.Equal(t, ErrInternal, TypeOf(stderrors.New("plain")))
	assert.Nil(t, MetadataOf(stderrors.New("plain")))
}

func TestWithMetadata(t *testing.T) {
	t.Parallel()

	err := NewResourceLimitExceededError("total instance limit reached", nil).
		WithMetadata(map[string]any{"current": 4, "requested_additional": 2, "max_allowed": 3})

	md := MetadataOf(err)
	assert.Equal(t, 4, md["current"])
	assert.Equal(t, 3, md["max_allowed"])
}
