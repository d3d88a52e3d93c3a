package store

import (
	"context"
	"errors"
	"time"

	"github.com/ariefcatur/go-realtime-fulfillment/internal/orders"
	"github.com/cenkalti/backoff/v5"
)

// RetryPolicy bounds how long and how often a conflicting transaction is retried.
type RetryPolicy struct {
	MaxAttempts int
	// Timeout caps the whole call, lock waits and backoff sleeps included.
	Timeout         time.Duration
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     5,
		Timeout:         3 * time.Second,
		InitialInterval: 5 * time.Millisecond,
		MaxInterval:     100 * time.Millisecond,
	}
}

// Atomic runs fn in one transaction, retrying with exponential backoff while
// the store reports ErrConflict. Running out of attempts or time yields
// *orders.ConcurrencyExhaustedError; any other error is returned as is.
func Atomic[T any](ctx context.Context, st Store, p RetryPolicy, op string, fn func(ctx context.Context, tx Tx) (T, error)) (T, error) {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}

	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}

	out, err := backoff.Retry(ctx, func() (T, error) {
		var v T
		err := st.InTx(ctx, func(ctx context.Context, tx Tx) error {
			var err error
			v, err = fn(ctx, tx)
			return err
		})
		if err != nil && !errors.Is(err, ErrConflict) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(p.MaxAttempts)))

	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Unwrap()
	}
	if err != nil && (errors.Is(err, ErrConflict) || errors.Is(err, context.DeadlineExceeded)) {
		var zero T
		return zero, &orders.ConcurrencyExhaustedError{Op: op, Attempts: p.MaxAttempts, Err: err}
	}
	return out, err
}
