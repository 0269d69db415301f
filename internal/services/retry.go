package services

import (
	"context"
	"time"

	"github.com/googleapis/gax-go/v2"
)

// RetryPolicy retries a single transient failure with bounded exponential
// backoff. It never wraps a sequence of calls, only one.
type RetryPolicy struct {
	Attempts  int
	Backoff   gax.Backoff
	Retryable func(error) bool
}

// NewRetryPolicy builds a policy; attempts < 1 means a single attempt
func NewRetryPolicy(attempts int, initial, max time.Duration, multiplier float64) RetryPolicy {
	if attempts < 1 {
		attempts = 1
	}
	if multiplier < 1 {
		multiplier = 2
	}
	return RetryPolicy{
		Attempts:  attempts,
		Backoff:   gax.Backoff{Initial: initial, Max: max, Multiplier: multiplier},
		Retryable: IsRetryableError,
	}
}

// Do runs op until it succeeds, fails permanently, the attempts are used up
// or ctx is done. The last error is returned unchanged.
func (p RetryPolicy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	retryable := p.Retryable
	if retryable == nil {
		retryable = IsRetryableError
	}
	bo := p.Backoff // each call gets its own backoff state

	for attempt := 1; ; attempt++ {
		err := op(ctx)
		if err == nil {
			return nil
		}
		if attempt >= attempts || ctx.Err() != nil || !retryable(err) {
			return err
		}
		if serr := gax.Sleep(ctx, bo.Pause()); serr != nil {
			return err
		}
	}
}
