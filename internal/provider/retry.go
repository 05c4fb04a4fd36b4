package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
)

// Client construction probes are retried this many times.
const RetryAttempts = 4

// RetryInterval is the pause between probe attempts.
var RetryInterval = time.Second

// Retry runs fn until it succeeds, up to RetryAttempts times with
// RetryInterval pauses. Wrap an error with backoff.Permanent to stop early.
func Retry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(RetryInterval), RetryAttempts-1),
		ctx,
	)

	attempts := 0
	err := backoff.RetryNotify(
		func() error {
			attempts++
			return fn(ctx)
		},
		b,
		func(err error, next time.Duration) {
			log.Warn().Err(err).Str("op", op).Int("attempt", attempts).Dur("retry_in", next).Msg("retrying")
		},
	)
	if err != nil {
		return fmt.Errorf("%s failed after %d attempts: %w", op, attempts, err)
	}
	return nil
}
