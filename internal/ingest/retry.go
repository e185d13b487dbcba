package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/starford/lexarchive/internal/apperr"
)

// Backoff kinds accepted by RetryPolicy.
const (
	BackoffExponential = "exponential"
	BackoffFixed       = "fixed"
)

// RetryPolicy bounds how often and how patiently a transient failure is
// retried.
type RetryPolicy struct {
	MaxRetries int           // retries after the first attempt
	Kind       string        // exponential or fixed
	Initial    time.Duration // first delay (the only delay for fixed)
	Max        time.Duration // cap for exponential delays
}

// DefaultRetryPolicy mirrors the shipped configuration defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 2, Kind: BackoffExponential, Initial: time.Second, Max: 30 * time.Second}
}

func (p RetryPolicy) backOff() backoff.BackOff {
	if p.Kind == BackoffFixed {
		return backoff.NewConstantBackOff(p.Initial)
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Initial
	b.Multiplier = 2
	b.RandomizationFactor = 0
	if p.Max > 0 {
		b.MaxInterval = p.Max
	}
	return b
}

// retry runs op until it succeeds, fails permanently, or the retry bound is
// exhausted. Only errors recognised by apperr.IsTransient are retried.
// onRetry is called before each wait with the upcoming retry number.
func retry[T any](ctx context.Context, p RetryPolicy, op func(context.Context) (T, error), onRetry func(n int, err error, wait time.Duration)) (T, int, error) {
	retries := 0
	res, err := backoff.Retry(ctx, func() (T, error) {
		v, err := op(ctx)
		if err != nil && !apperr.IsTransient(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(p.backOff()),
		backoff.WithMaxTries(uint(max(p.MaxRetries, 0)+1)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, wait time.Duration) {
			retries++
			if onRetry != nil {
				onRetry(retries, err, wait)
			}
		}),
	)
	if err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			err = perm.Unwrap()
		}
		if apperr.IsTransient(err) && retries >= p.MaxRetries {
			err = fmt.Errorf("giving up after %d retries: %w", retries, err)
		}
	}
	return res, retries, err
}
