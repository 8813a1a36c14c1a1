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

func TestNewError(t *testing.T) {
	err := New(ErrCodeCredentials, "write access denied")

	assert.Equal(t, ErrCodeCredentials, err.Code)
	assert.Equal(t, "write access denied", err.Message)
	assert.Equal(t, SeverityError, err.Severity)
	assert.False(t, err.Recoverable)
	assert.NotEmpty(t, err.Stack)
}

func TestWrapError(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(cause, ErrCodeConnectionFailed, "failed to reach remote")

	assert.Equal(t, cause, err.Unwrap())
	assert.Contains(t, err.Error(), "connection refused")
	assert.Contains(t, err.Error(), "failed to reach remote")

	// Wrapping nil returns nil
	assert.Nil(t, Wrap(nil, ErrCodeInternal, "ignored"))
}

func TestWrapInheritsContext(t *testing.T) {
	inner := New(ErrCodeProjectLayout, "missing domain file").
		WithContext("missing_path", "domain.yml")
	outer := Wrap(inner, ErrCodeGitOperation, "branch switch failed")

	assert.Equal(t, "domain.yml", outer.Context["missing_path"])
}

func TestErrorIs(t *testing.T) {
	err := ConcurrentOperationError("commit_and_push")
	target := &AppError{Code: ErrCodeConcurrentOperation}

	assert.True(t, errors.Is(err, target))
	assert.False(t, errors.Is(err, &AppError{Code: ErrCodeCredentials}))
}

func TestHasCode(t *testing.T) {
	err := ProtectedBranchError("master")

	assert.True(t, HasCode(err, ErrCodeProtectedBranch))
	assert.False(t, HasCode(err, ErrCodeCredentials))
	assert.False(t, HasCode(errors.New("plain"), ErrCodeProtectedBranch))

	// Wrapped AppErrors are still found via errors.As
	wrapped := fmt.Errorf("handler: %w", err)
	assert.True(t, HasCode(wrapped, ErrCodeProtectedBranch))
}

func TestTaxonomyConstructors(t *testing.T) {
	tests := []struct {
		name string
		err  *AppError
		code ErrorCode
	}{
		{"credentials", CredentialsError("no write access", nil), ErrCodeCredentials},
		{"https credentials", HTTPSCredentialsError("wrong password"), ErrCodeHTTPSCredentials},
		{"project layout", ProjectLayoutError("invalid layout", "config.yml"), ErrCodeProjectLayout},
		{"concurrent operation", ConcurrentOperationError("push"), ErrCodeConcurrentOperation},
		{"licensing", LicensingError("HTTPS requires an enterprise license"), ErrCodeLicensing},
		{"protected branch", ProtectedBranchError("master"), ErrCodeProtectedBranch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.code, tt.err.Code)
			assert.NotEmpty(t, tt.err.Message)
		})
	}
}

func TestConcurrentOperationErrorIsRecoverable(t *testing.T) {
	err := ConcurrentOperationError("commit_and_push")
	assert.True(t, IsRecoverable(err))
	assert.Equal(t, SeverityWarning, err.Severity)
}

func TestRetrySucceedsAfterFailures(t *testing.T) {
	attempts := 0
	config := &RetryConfig{
		MaxRetries:     3,
		InitialDelay:   time.Millisecond,
		MaxDelay:       5 * time.Millisecond,
		Multiplier:     2.0,
		RetryableError: func(error) bool { return true },
	}

	err := Retry(context.Background(), config, func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return New(ErrCodeConnectionFailed, "transient")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetryStopsOnNonRetryableError(t *testing.T) {
	attempts := 0
	config := DefaultRetryConfig()
	config.InitialDelay = time.Millisecond

	err := Retry(context.Background(), config, func(ctx context.Context) error {
		attempts++
		return CredentialsError("invalid key", nil)
	})

	require.Error(t, err)
	assert.Equal(t, 1, attempts)
	assert.True(t, HasCode(err, ErrCodeCredentials))
}

func TestRetryExhaustsAttempts(t *testing.T) {
	attempts := 0
	config := &RetryConfig{
		MaxRetries:     2,
		InitialDelay:   time.Millisecond,
		MaxDelay:       2 * time.Millisecond,
		Multiplier:     1.0,
		RetryableError: func(error) bool { return true },
	}

	err := Retry(context.Background(), config, func(ctx context.Context) error {
		attempts++
		return New(ErrCodeTimeout, "still failing")
	})

	require.Error(t, err)
	assert.Equal(t, 3, attempts)
	assert.True(t, HasCode(err, ErrCodeResourceExhausted))
}
