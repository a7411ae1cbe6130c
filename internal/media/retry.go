package media

import (
	"context"
	"time"
)

// RetryPolicy is the bounded retry wrapped around every media-service call:
// a fixed attempt budget with linear backoff. The caller sees a single
// outcome instead of per-attempt errors, and cancellation aborts between
// attempts immediately.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
}

// DefaultRetryPolicy retries twice after the first failure with a short
// backoff. Media setup runs against a 15 s room deadline; a long budget
// would just convert failures into deadline expiries.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		Backoff:     250 * time.Millisecond,
	}
}

// Do runs fn up to MaxAttempts times. It returns nil on the first success,
// the last error once the budget is spent, and ctx.Err() as soon as the
// context is done between attempts.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(i) * p.Backoff):
			}
		}
		if err = fn(ctx); err == nil {
			return nil
		}
	}
	return err
}
