package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lblod/gelinkt-notuleren-consumer/internal/app/delta"
	"github.com/lblod/gelinkt-notuleren-consumer/internal/app/service"
	"github.com/lblod/gelinkt-notuleren-consumer/internal/common"
	"github.com/lblod/gelinkt-notuleren-consumer/internal/domain/model"
	"github.com/lblod/gelinkt-notuleren-consumer/internal/platform/lease"
	"github.com/lblod/gelinkt-notuleren-consumer/internal/platform/queue"
)

type DeltaRunner interface {
	Execute(ctx context.Context, task *model.SyncTask, since time.Time) (*delta.RunResult, error)
}

type InitialSyncer interface {
	Start(ctx context.Context) (*model.Job, error)
}

type Config struct {
	LeaseKey           string
	LeaseTTL           time.Duration
	WaitForInitialSync bool
	DisableDeltaIngest bool
}

// SyncWorker drains the trigger queue and runs one sync at a time. The run
// lease keeps replicas sharing the queue from overlapping.
type SyncWorker struct {
	triggers queue.TriggerQueue
	leases   lease.Manager
	sync     *service.SyncService
	delta    DeltaRunner
	initial  InitialSyncer
	cfg      Config
	logger   *slog.Logger
}

func NewSyncWorker(
	triggers queue.TriggerQueue,
	leases lease.Manager,
	sync *service.SyncService,
	deltaRunner DeltaRunner,
	initial InitialSyncer,
	cfg Config,
	logger *slog.Logger,
) *SyncWorker {
	if logger == nil {
		logger = slog.Default()
	}
	return &SyncWorker{
		triggers: triggers,
		leases:   leases,
		sync:     sync,
		delta:    deltaRunner,
		initial:  initial,
		cfg:      cfg,
		logger:   logger,
	}
}

// Start blocks until ctx ends.
func (w *SyncWorker) Start(ctx context.Context) {
	w.logger.InfoContext(ctx, "Sync worker started")
	for {
		signal, err := w.triggers.Pop(ctx)
		if err != nil {
			if ctx.Err() != nil {
				w.logger.InfoContext(ctx, "Sync worker stopping")
				return
			}
			w.logger.ErrorContext(ctx, "Failed to read trigger queue", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Second):
			}
			continue
		}
		w.Process(ctx, signal)
	}
}

// Process handles a single signal. A panic inside a run is recorded as an
// error instead of taking the worker down.
func (w *SyncWorker) Process(ctx context.Context, signal queue.Signal) {
	defer func() {
		if r := recover(); r != nil {
			msg := fmt.Sprintf("Unexpected error while handling %s: %v", signal, r)
			w.logger.ErrorContext(ctx, msg)
			w.sync.RecordError(ctx, msg, "")
		}
	}()

	switch signal {
	case queue.SignalDeltaSync:
		w.processDeltaSync(ctx)
	case queue.SignalInitialSync:
		w.processInitialSync(ctx)
	default:
		w.logger.WarnContext(ctx, "Ignoring unknown signal", "signal", signal)
	}
}

// Recover fails the runs a previous process left ongoing. It only does so
// while holding the run lease; a held lease means a live replica owns them.
func (w *SyncWorker) Recover(ctx context.Context) error {
	held, err := w.leases.Acquire(ctx, w.cfg.LeaseKey, w.cfg.LeaseTTL)
	if errors.Is(err, common.ErrRunLeaseHeld) {
		w.logger.InfoContext(ctx, "Another worker holds the sync lease, leaving ongoing runs untouched")
		return nil
	}
	if err != nil {
		return common.Errorf("failed to acquire sync lease for recovery: %w", err)
	}
	defer func() {
		if err := w.leases.Release(ctx, held); err != nil {
			w.logger.WarnContext(ctx, "Failed to release sync lease", "error", err)
		}
	}()
	return w.sync.Recover(ctx)
}

func (w *SyncWorker) withLease(ctx context.Context, signal queue.Signal, run func(context.Context)) {
	held, err := w.leases.Acquire(ctx, w.cfg.LeaseKey, w.cfg.LeaseTTL)
	if errors.Is(err, common.ErrRunLeaseHeld) {
		w.logger.InfoContext(ctx, "Another worker holds the sync lease, dropping signal", "signal", signal)
		return
	}
	if err != nil {
		w.logger.ErrorContext(ctx, "Failed to acquire sync lease", "signal", signal, "error", err)
		return
	}
	defer func() {
		if err := w.leases.Release(ctx, held); err != nil {
			w.logger.WarnContext(ctx, "Failed to release sync lease", "error", err)
		}
	}()
	run(ctx)
}

func (w *SyncWorker) processDeltaSync(ctx context.Context) {
	if w.cfg.DisableDeltaIngest {
		w.logger.InfoContext(ctx, "Delta ingest is disabled, skipping delta sync")
		return
	}
	if w.cfg.WaitForInitialSync {
		done, err := w.sync.InitialSyncSucceeded(ctx)
		if err != nil {
			w.logger.ErrorContext(ctx, "Could not verify initial sync", "error", err)
			return
		}
		if !done {
			w.logger.WarnContext(ctx, "Initial sync has not finished yet, skipping delta sync")
			return
		}
	}
	w.withLease(ctx, queue.SignalDeltaSync, w.runDeltaSync)
}

func (w *SyncWorker) runDeltaSync(ctx context.Context) {
	state, err := w.sync.RunState(ctx)
	if err != nil {
		w.logger.ErrorContext(ctx, "Could not read run state", "error", err)
		return
	}
	if state == model.RunStateRunning {
		w.logger.InfoContext(ctx, "A sync task is already running. A new task is scheduled and will start when the previous task finishes.")
		return
	}

	task, since, err := w.sync.NextSyncTask(ctx)
	if errors.Is(err, common.ErrNotFound) {
		w.logger.InfoContext(ctx, "No scheduled sync task found")
		return
	}
	if err != nil {
		w.failDeltaRun(ctx, task, err)
		return
	}

	result, err := w.delta.Execute(ctx, task, since)
	if err != nil {
		w.failDeltaRun(ctx, task, err)
	} else {
		w.logger.InfoContext(ctx, "Sync task finished", "task_id", task.ID, "files", len(result.Files), "watermark", result.Watermark)
	}

	// A task scheduled while this one ran is picked up right away.
	if next, err := w.sync.RunState(ctx); err == nil && next == model.RunStateNotStarted {
		if err := w.triggers.Push(ctx, queue.SignalDeltaSync); err != nil {
			w.logger.WarnContext(ctx, "Failed to requeue delta sync", "error", err)
		}
	}
}

func (w *SyncWorker) failDeltaRun(ctx context.Context, task *model.SyncTask, cause error) {
	msg := fmt.Sprintf("Unexpected error while ingesting: %v", cause)
	w.logger.ErrorContext(ctx, msg)
	if task == nil {
		w.sync.RecordError(ctx, msg, "")
		return
	}
	w.sync.RecordError(ctx, msg, task.ID)
	if err := w.sync.FailSyncTask(context.WithoutCancel(ctx), task.ID); err != nil {
		w.logger.ErrorContext(ctx, "Could not close sync task", "task_id", task.ID, "error", err)
	}
}

func (w *SyncWorker) processInitialSync(ctx context.Context) {
	w.withLease(ctx, queue.SignalInitialSync, func(ctx context.Context) {
		job, err := w.initial.Start(ctx)
		if err != nil {
			msg := fmt.Sprintf("Unexpected error while booting the service: %v", err)
			w.logger.ErrorContext(ctx, msg)
			target := ""
			if job != nil {
				target = job.ID
			}
			w.sync.RecordError(ctx, msg, target)
			return
		}
		if job == nil || w.cfg.DisableDeltaIngest {
			return
		}
		// Deltas published during the bootstrap are ingested right away.
		if _, err := w.sync.ScheduleSyncTask(ctx); err != nil {
			w.logger.WarnContext(ctx, "Could not schedule first sync task after initial sync", "error", err)
			return
		}
		if err := w.triggers.Push(ctx, queue.SignalDeltaSync); err != nil {
			w.logger.WarnContext(ctx, "Failed to trigger delta sync after initial sync", "error", err)
		}
	})
}
