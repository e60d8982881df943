package coord

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// NewBackOff is the retry schedule shared by store callers: exponential
// from 100ms up to 5s with jitter, never giving up on its own.
func NewBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 0
	return b
}

// Retry runs fn until it succeeds, fails with an error other than
// ErrStoreUnavailable, or ctx is done.
func Retry(ctx context.Context, log *zap.Logger, op string, fn func(ctx context.Context) error) error {
	return backoff.RetryNotify(
		func() error {
			err := fn(ctx)
			if err == nil || IsUnavailable(err) {
				return err
			}
			return backoff.Permanent(err)
		},
		backoff.WithContext(NewBackOff(), ctx),
		func(err error, next time.Duration) {
			log.Warn("store call failed, retrying",
				zap.String("op", op), zap.Duration("backoff", next), zap.Error(err))
		},
	)
}
