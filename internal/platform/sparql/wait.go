package sparql

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	pingQuery            = "SELECT ?s WHERE { ?s ?p ?o } LIMIT 1"
	verboseAfterAttempts = 35
	defaultWaitBase      = 50 * time.Millisecond
	defaultWaitGrowth    = 0.3
)

// growthBackOff waits round(base * (1+rate)^attempt), attempt counted from 1,
// and never gives up.
type growthBackOff struct {
	base    time.Duration
	rate    float64
	attempt int
}

func (b *growthBackOff) NextBackOff() time.Duration {
	b.attempt++
	ms := math.Round(float64(b.base.Milliseconds()) * math.Pow(1+b.rate, float64(b.attempt)))
	return time.Duration(ms) * time.Millisecond
}

func (b *growthBackOff) Reset() { b.attempt = 0 }

type WaitOptions struct {
	BaseDelay  time.Duration
	GrowthRate float64
}

// WaitForStore blocks until the store answers a trivial query or ctx ends.
func WaitForStore(ctx context.Context, store Store, opts WaitOptions, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = defaultWaitBase
	}
	if opts.GrowthRate <= 0 {
		opts.GrowthRate = defaultWaitGrowth
	}

	policy := &growthBackOff{base: opts.BaseDelay, rate: opts.GrowthRate}
	attempts := 0
	err := backoff.RetryNotify(func() error {
		_, err := store.Query(ctx, pingQuery)
		return err
	}, backoff.WithContext(policy, ctx), func(err error, wait time.Duration) {
		attempts++
		if attempts > verboseAfterAttempts {
			logger.WarnContext(ctx, "Store still unavailable", "attempt", attempts, "wait", wait, "error", err)
			return
		}
		logger.DebugContext(ctx, "Waiting for store", "attempt", attempts, "wait", wait)
	})
	if err != nil {
		return err
	}
	logger.InfoContext(ctx, "Store is reachable", "attempts", attempts+1)
	return nil
}
