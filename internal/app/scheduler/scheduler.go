package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/lblod/gelinkt-notuleren-consumer/internal/app/service"
)

type Trigger interface {
	TriggerDeltaSync(ctx context.Context) (service.TriggerResult, error)
}

// Scheduler fires delta syncs on a cron pattern (with a seconds field) or,
// when no pattern is set, on a fixed interval. With neither it does nothing.
type Scheduler struct {
	trigger  Trigger
	pattern  string
	interval time.Duration
	logger   *slog.Logger
}

func New(trigger Trigger, pattern string, interval time.Duration, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{trigger: trigger, pattern: pattern, interval: interval, logger: logger}
}

// Start blocks until ctx ends. An invalid pattern is returned immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	switch {
	case s.pattern != "":
		return s.runCron(ctx)
	case s.interval > 0:
		s.runTicker(ctx)
		return nil
	}
	s.logger.InfoContext(ctx, "No delta sync schedule configured, syncs only run on request")
	<-ctx.Done()
	return nil
}

func (s *Scheduler) runCron(ctx context.Context) error {
	c := cron.New(cron.WithSeconds())
	if _, err := c.AddFunc(s.pattern, func() { s.fire(ctx) }); err != nil {
		return fmt.Errorf("invalid cron pattern %q: %w", s.pattern, err)
	}
	s.logger.InfoContext(ctx, "Delta sync scheduled", "pattern", s.pattern)
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

func (s *Scheduler) runTicker(ctx context.Context) {
	s.logger.InfoContext(ctx, "Delta sync scheduled", "interval", s.interval)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.fire(ctx)
		}
	}
}

func (s *Scheduler) fire(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	res, err := s.trigger.TriggerDeltaSync(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "Scheduled delta sync failed to start", "error", err)
		return
	}
	s.logger.DebugContext(ctx, "Scheduled delta sync", "result", res)
}
