package broker

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"ivsniper/logs"
)

// RetryPolicy is the single backoff policy shared by every component that
// talks to the broker. Rate-limit and transient errors are retried with
// exponential backoff and jitter; terminal errors abort immediately.
type RetryPolicy struct {
	MaxRetries uint64
	Base       time.Duration
}

// NewRetryPolicy builds the policy from config values (attempt count, base
// delay in seconds).
func NewRetryPolicy(maxRetries int, baseSeconds int) RetryPolicy {
	return RetryPolicy{
		MaxRetries: uint64(maxRetries),
		Base:       time.Duration(baseSeconds) * time.Second,
	}
}

// Do runs op, retrying on retryable failures until the attempt budget is
// exhausted. The last error is returned to the caller, which treats it as a
// cycle-level failure for that one instrument.
func (p RetryPolicy) Do(ctx context.Context, label string, op func() error) error {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = p.Base
	expo.RandomizationFactor = 0.3
	expo.MaxElapsedTime = 0 // bounded by attempt count, not wall clock

	policy := backoff.WithContext(backoff.WithMaxRetries(expo, p.MaxRetries), ctx)

	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := op()
		if err == nil {
			return nil
		}
		if !retryable(err) {
			return backoff.Permanent(err)
		}
		logs.Warnf("[Broker] %s failed (attempt %d): %v, backing off", label, attempt, err)
		return err
	}, policy)
}

// retryable reports whether an error is worth another attempt. Order
// rejections and unknown symbols are terminal; rate limits and anything
// unclassified (timeouts, transient network failures) are retried.
func retryable(err error) bool {
	if errors.Is(err, ErrOrderRejected) || errors.Is(err, ErrNotFound) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return true
}
