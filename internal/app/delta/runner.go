package delta

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/lblod/gelinkt-notuleren-consumer/internal/domain/model"
	"github.com/lblod/gelinkt-notuleren-consumer/internal/domain/repository"
	"github.com/lblod/gelinkt-notuleren-consumer/internal/platform/metrics"
)

type Lister interface {
	ListFiles(ctx context.Context, since time.Time) ([]model.DeltaFile, error)
}

type Consumer interface {
	Consume(ctx context.Context, file model.DeltaFile) error
}

// RunResult is the in-memory view of one run.
type RunResult struct {
	Files     []model.DeltaFile
	Handled   int
	Progress  model.ProgressStatus
	Status    model.Status
	Watermark time.Time
}

// Runner owns the life of one sync task: it lists the files published after
// the start watermark and consumes them strictly in order, persisting the
// watermark after every file.
type Runner struct {
	tasks    repository.SyncTaskRepository
	lister   Lister
	consumer Consumer
	logger   *slog.Logger
}

func NewRunner(tasks repository.SyncTaskRepository, lister Lister, consumer Consumer, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{tasks: tasks, lister: lister, consumer: consumer, logger: logger}
}

// Execute runs task from since. The task ends in success only when every
// listed file was applied. A returned error means the task did not succeed;
// the caller records it and makes sure the task is failed.
func (r *Runner) Execute(ctx context.Context, task *model.SyncTask, since time.Time) (*RunResult, error) {
	started := time.Now()
	logger := r.logger.With("task_id", task.ID)
	result := &RunResult{Progress: model.ProgressNotStarted, Status: model.StatusOngoing, Watermark: since}

	if err := r.tasks.UpdateSyncTaskStatus(ctx, task.ID, model.StatusOngoing); err != nil {
		return result, fmt.Errorf("start sync task %s: %w", task.ID, err)
	}
	task.Status = model.StatusOngoing
	if err := r.tasks.AdvanceWatermark(ctx, task.ID, since); err != nil {
		return result, fmt.Errorf("store start watermark of %s: %w", task.ID, err)
	}
	task.Watermark = &since

	logger.InfoContext(ctx, "Sync task started", "since", since)
	files, err := r.lister.ListFiles(ctx, since)
	if err != nil {
		return result, fmt.Errorf("list delta files since %s: %w", since.Format(time.RFC3339), err)
	}
	result.Files = files

	var runErr error
	if len(files) == 0 {
		logger.InfoContext(ctx, "No new delta files to consume")
	}
	for i, file := range files {
		if result.Progress == model.ProgressFailed {
			break
		}
		if err := ctx.Err(); err != nil {
			result.Progress = model.ProgressFailed
			runErr = err
			break
		}

		if err := r.consumer.Consume(ctx, file); err != nil {
			result.Progress = model.ProgressFailed
			runErr = fmt.Errorf("consume delta file %s (%d/%d): %w", file.ID, i+1, len(files), err)
			metrics.DeltaFilesTotal.WithLabelValues("failure").Inc()
			logger.ErrorContext(ctx, "Delta file could not be consumed, skipping remaining files",
				"file_id", file.ID, "remaining", len(files)-i-1, "error", err)
			continue
		}
		metrics.DeltaFilesTotal.WithLabelValues("success").Inc()
		result.Progress = model.ProgressProgressing
		result.Handled++

		if file.Created.After(result.Watermark) {
			if err := r.tasks.AdvanceWatermark(ctx, task.ID, file.Created); err != nil {
				result.Progress = model.ProgressFailed
				runErr = fmt.Errorf("store watermark after %s: %w", file.ID, err)
				continue
			}
			result.Watermark = file.Created
			created := file.Created
			task.Watermark = &created
			metrics.WatermarkSeconds.Set(float64(file.Created.Unix()))
		}
		logger.InfoContext(ctx, fmt.Sprintf("Consumed %d/%d files", result.Handled, len(files)), "file_id", file.ID)
	}

	result.Status = model.StatusSuccess
	if result.Progress == model.ProgressFailed {
		result.Status = model.StatusFailure
	}
	defer func() {
		metrics.SyncTasksTotal.WithLabelValues("delta-sync", string(result.Status)).Inc()
		metrics.RunDuration.WithLabelValues("delta-sync", string(result.Status)).Observe(time.Since(started).Seconds())
	}()

	// Persisting the final status must survive a cancelled run context.
	if err := r.tasks.UpdateSyncTaskStatus(context.WithoutCancel(ctx), task.ID, result.Status); err != nil {
		if runErr != nil {
			return result, fmt.Errorf("%w (and failing the task: %v)", runErr, err)
		}
		return result, fmt.Errorf("finish sync task %s: %w", task.ID, err)
	}
	task.Status = result.Status
	logger.InfoContext(ctx, "Sync task finished", "status", result.Status, "handled", result.Handled, "total", len(files), "watermark", result.Watermark)
	return result, runErr
}
