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

func fastRetry(attempts int) *RetryConfig {
	return &RetryConfig{
		MaxAttempts:     attempts,
		InitialDelay:    1 * time.Millisecond,
		MaxDelay:        5 * time.Millisecond,
		Multiplier:      2.0,
		RetryableErrors: []ErrorCode{ErrCodeRPC},
	}
}

func TestDirectoryError(t *testing.T) {
	t.Run("message is kept verbatim", func(t *testing.T) {
		err := NewDomainError("The data certificate has been used.")
		assert.Equal(t, "The data certificate has been used.", err.Message)
		assert.Equal(t, "[DOMAIN_INVARIANT] The data certificate has been used.", err.Error())
		assert.Equal(t, SeverityLow, err.Severity)
		assert.False(t, err.IsRetryable())
	})

	t.Run("cause is unwrapped", func(t *testing.T) {
		cause := errors.New("dial tcp: connection refused")
		err := NewRPCError("failed to fetch block", cause)
		assert.ErrorIs(t, err, cause)
		assert.True(t, err.IsRetryable())
		assert.Contains(t, err.Error(), "connection refused")
	})

	t.Run("code helpers see through wrapping", func(t *testing.T) {
		err := fmt.Errorf("negotiating: %w", NewIdentityError("signingAddress is not identical with userAddress."))
		assert.True(t, IsCode(err, ErrCodeIdentity))
		assert.False(t, IsCode(err, ErrCodeValidation))
		assert.Equal(t, ErrCodeIdentity, CodeOf(err))
		assert.Equal(t, "signingAddress is not identical with userAddress.", MessageOf(err))
		assert.Equal(t, ErrCodeInternal, CodeOf(errors.New("plain")))
	})
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"validation", NewValidationError("missing userID"), false},
		{"domain", NewDomainError("Waiting for provider's agreement!"), false},
		{"dependency", NewDependencyError("notifier down", nil), true},
		{"timeout text", errors.New("i/o timeout"), true},
		{"locked sqlite", errors.New("database is locked"), true},
		{"plain", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestRetryWithConfig(t *testing.T) {
	t.Run("succeeds after transient failures", func(t *testing.T) {
		attempts := 0
		err := RetryWithConfig(context.Background(), func() error {
			attempts++
			if attempts < 3 {
				return NewRPCError("flaky", nil)
			}
			return nil
		}, fastRetry(3))
		require.NoError(t, err)
		assert.Equal(t, 3, attempts)
	})

	t.Run("does not retry domain errors", func(t *testing.T) {
		attempts := 0
		err := RetryWithConfig(context.Background(), func() error {
			attempts++
			return NewDomainError("The user has been registered.")
		}, fastRetry(5))
		require.Error(t, err)
		assert.Equal(t, 1, attempts)
		assert.True(t, IsCode(err, ErrCodeDomainInvariant))
	})

	t.Run("gives up after max attempts", func(t *testing.T) {
		attempts := 0
		err := RetryWithConfig(context.Background(), func() error {
			attempts++
			return NewRPCError("down", nil)
		}, fastRetry(2))
		require.Error(t, err)
		assert.Equal(t, 2, attempts)
		var dirErr *DirectoryError
		require.True(t, As(err, &dirErr))
		assert.Equal(t, 2, dirErr.Context["attempts"])
		assert.Equal(t, ErrCodeDependency, dirErr.Code)
		assert.Contains(t, err.Error(), "down")
	})

	t.Run("honours cancelled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := RetryWithConfig(ctx, func() error { return nil }, fastRetry(2))
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestExponentialBackoff(t *testing.T) {
	assert.Equal(t, time.Second, ExponentialBackoff(0, time.Second, time.Minute))
	assert.Equal(t, 4*time.Second, ExponentialBackoff(3, time.Second, time.Minute))
	assert.Equal(t, time.Minute, ExponentialBackoff(20, time.Second, time.Minute))
}

func TestErrorGroup(t *testing.T) {
	eg := NewErrorGroup()
	assert.NoError(t, eg.ErrOrNil())
	eg.Add(nil)
	eg.Add(errors.New("first"))
	eg.Add(errors.New("second"))
	require.Error(t, eg.ErrOrNil())
	assert.Equal(t, "2 errors occurred: first", eg.Error())
}
