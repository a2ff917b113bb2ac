package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/lblod/gelinkt-notuleren-consumer/internal/common"
	"github.com/lblod/gelinkt-notuleren-consumer/internal/platform/metrics"
)

// Executor runs store mutations with a bounded number of attempts and a
// fixed pause between them.
type Executor struct {
	maxAttempts int
	delay       time.Duration
	logger      *slog.Logger
}

// NewExecutor builds an executor allowing maxAttempts total attempts.
func NewExecutor(maxAttempts int, delay time.Duration, logger *slog.Logger) *Executor {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{maxAttempts: maxAttempts, delay: delay, logger: logger}
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Do calls op until it succeeds, the attempt ceiling is reached, or op fails
// permanently. The last error is returned.
func (e *Executor) Do(ctx context.Context, name string, op func(ctx context.Context) error) error {
	attempt := 0
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(e.delay), uint64(e.maxAttempts-1)),
		ctx,
	)

	err := backoff.RetryNotify(func() error {
		attempt++
		err := op(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, common.ErrStoreRejected) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return backoff.Permanent(err)
		}
		return err
	}, policy, func(err error, wait time.Duration) {
		metrics.StoreRetriesTotal.Inc()
		e.logger.WarnContext(ctx, "Store operation failed, retrying",
			"operation", name, "attempt", attempt, "max_attempts", e.maxAttempts, "wait", wait, "error", err)
	})
	if err != nil {
		return fmt.Errorf("%s failed after %d attempt(s): %w", name, attempt, err)
	}
	return nil
}

// Sleep pauses for d or until ctx ends.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
