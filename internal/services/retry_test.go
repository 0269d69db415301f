package services

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"google.golang.org/api/googleapi"
)

func TestRetryPolicy_SucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := fastRetry(3).Do(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return &googleapi.Error{Code: http.StatusServiceUnavailable}
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryPolicy_StopsOnPermanentError(t *testing.T) {
	calls := 0
	permanent := &googleapi.Error{Code: http.StatusBadRequest}
	err := fastRetry(5).Do(context.Background(), func(ctx context.Context) error {
		calls++
		return permanent
	})
	assert.Same(t, permanent, err)
	assert.Equal(t, 1, calls)
}

func TestRetryPolicy_BoundedAttempts(t *testing.T) {
	calls := 0
	err := fastRetry(4).Do(context.Background(), func(ctx context.Context) error {
		calls++
		return &googleapi.Error{Code: http.StatusTooManyRequests}
	})
	assert.Error(t, err)
	assert.Equal(t, 4, calls)
}

func TestRetryPolicy_ContextCanceledDuringBackoff(t *testing.T) {
	p := NewRetryPolicy(10, time.Hour, time.Hour, 2)
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	err := p.Do(ctx, func(ctx context.Context) error {
		calls++
		return &googleapi.Error{Code: http.StatusInternalServerError}
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetryPolicy_ZeroValueRunsOnce(t *testing.T) {
	calls := 0
	err := RetryPolicy{}.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return errors.New("x")
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestNewRetryPolicy_Defaults(t *testing.T) {
	p := NewRetryPolicy(0, time.Millisecond, time.Second, 0)
	assert.Equal(t, 1, p.Attempts)
	assert.Equal(t, float64(2), p.Backoff.Multiplier)
	assert.NotNil(t, p.Retryable)
}
