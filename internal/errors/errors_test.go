package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVaultError_Error(t *testing.T) {
	err := New(KindValidation, "bad duration")
	assert.Equal(t, "[VALIDATION] bad duration", err.Error())
}

func TestVaultError_Unwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := Transient("vector upsert failed", cause)

	assert.True(t, errors.Is(err, cause))
}

func TestVaultError_IsMatchesByKind(t *testing.T) {
	wrapped := fmt.Errorf("outer: %w", Unsupported("hybrid schema missing"))

	assert.True(t, errors.Is(wrapped, New(KindUnsupported, "")))
	assert.False(t, errors.Is(wrapped, New(KindTransient, "")))
}

func TestSeverity_ByKind(t *testing.T) {
	tests := []struct {
		kind   Kind
		expect Severity
	}{
		{KindConfig, SeverityFatal},
		{KindDrift, SeverityWarning},
		{KindUnsupported, SeverityWarning},
		{KindTransient, SeverityWarning},
		{KindValidation, SeverityError},
		{KindInternal, SeverityError},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			assert.Equal(t, tt.expect, New(tt.kind, "x").Severity())
		})
	}
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, Kind(""), KindOf(nil))
	assert.Equal(t, KindInternal, KindOf(errors.New("plain")))
	assert.Equal(t, KindConflict, KindOf(Conflict("dup link", nil)))

	wrapped := fmt.Errorf("save: %w", Transient("busy", nil))
	assert.Equal(t, KindTransient, KindOf(wrapped))
}

func TestWrap_NilError(t *testing.T) {
	assert.Nil(t, Wrap(KindTransient, "x", nil))
}

func TestWithDetail(t *testing.T) {
	err := Validation("dimension mismatch").
		WithDetail("expected", "768").
		WithDetail("got", "384")

	require.NotNil(t, err.Details)
	assert.Equal(t, "768", err.Details["expected"])
	assert.Equal(t, "384", err.Details["got"])
}

func TestRetryTransient_SucceedsSecondAttempt(t *testing.T) {
	calls := 0
	err := RetryTransient(context.Background(), func() error {
		calls++
		if calls == 1 {
			return Transient("lock timeout", nil)
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestRetryTransient_NonTransientNotRetried(t *testing.T) {
	calls := 0
	err := RetryTransient(context.Background(), func() error {
		calls++
		return Validation("bad input")
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.True(t, IsValidation(err))
}

func TestRetryTransient_GivesUpAfterOneRetry(t *testing.T) {
	calls := 0
	err := RetryTransient(context.Background(), func() error {
		calls++
		return Transient("still down", nil)
	})

	require.Error(t, err)
	assert.Equal(t, 2, calls)
	assert.True(t, IsTransient(err))
}

func TestRetryTransient_ContextCancelledDuringPause(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	calls := 0
	err := RetryTransient(ctx, func() error {
		calls++
		return Transient("busy", nil)
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRetryTransientResult(t *testing.T) {
	calls := 0
	got, err := RetryTransientResult(context.Background(), func() (int, error) {
		calls++
		if calls == 1 {
			return 0, Transient("blip", nil)
		}
		return 42, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 42, got)
}
