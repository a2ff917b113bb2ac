package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/lblod/gelinkt-notuleren-consumer/internal/common"
	"github.com/lblod/gelinkt-notuleren-consumer/internal/domain/model"
	"github.com/lblod/gelinkt-notuleren-consumer/internal/domain/repository"
	"github.com/lblod/gelinkt-notuleren-consumer/internal/platform/queue"
)

// TriggerResult is the coarse outcome reported to whoever asked for a run.
type TriggerResult string

const (
	TriggerAccepted       TriggerResult = "accepted"
	TriggerAlreadyRunning TriggerResult = "already-running"
	TriggerNoOp           TriggerResult = "no-op"
)

type SyncServiceConfig struct {
	Creator              string
	InitialSyncOperation string
	StartFrom            *time.Time
}

// SyncService coordinates sync tasks: it keeps at most one task queued and
// one running, wakes the worker, and recovers from crashes at startup.
type SyncService struct {
	syncTasks repository.SyncTaskRepository
	jobs      repository.JobRepository
	errs      repository.ErrorRepository
	triggers  queue.TriggerQueue
	cfg       SyncServiceConfig
	logger    *slog.Logger
}

func NewSyncService(
	syncTasks repository.SyncTaskRepository,
	jobs repository.JobRepository,
	errs repository.ErrorRepository,
	triggers queue.TriggerQueue,
	cfg SyncServiceConfig,
	logger *slog.Logger,
) *SyncService {
	if logger == nil {
		logger = slog.Default()
	}
	return &SyncService{syncTasks: syncTasks, jobs: jobs, errs: errs, triggers: triggers, cfg: cfg, logger: logger}
}

// Recover fails everything a previous process left ongoing. It must run
// before the worker starts.
func (s *SyncService) Recover(ctx context.Context) error {
	n, err := s.syncTasks.FailOngoingSyncTasks(ctx, s.cfg.Creator)
	if err != nil {
		return common.Errorf("failed to fail ongoing sync tasks: %w", err)
	}
	if n > 0 {
		s.logger.WarnContext(ctx, "Sync tasks were still ongoing at startup, updated their status to failed", "count", n)
	}
	n, err = s.jobs.FailOngoingJobs(ctx, s.cfg.InitialSyncOperation, s.cfg.Creator)
	if err != nil {
		return common.Errorf("failed to fail ongoing initial sync jobs: %w", err)
	}
	if n > 0 {
		s.logger.WarnContext(ctx, "Initial sync jobs were still ongoing at startup, updated their status to failed", "count", n)
	}
	return nil
}

// ScheduleSyncTask queues a sync task unless one is already waiting.
func (s *SyncService) ScheduleSyncTask(ctx context.Context) (*model.SyncTask, error) {
	queued, err := s.syncTasks.FindSyncTaskByStatus(ctx, s.cfg.Creator, model.StatusNotStarted)
	if err == nil {
		s.logger.DebugContext(ctx, "A sync task is already scheduled", "task_id", queued.ID)
		return queued, nil
	}
	if !errors.Is(err, common.ErrNotFound) {
		return nil, common.Errorf("failed to look up scheduled sync task: %w", err)
	}

	task := &model.SyncTask{Creator: s.cfg.Creator, Status: model.StatusNotStarted}
	if err := s.syncTasks.CreateSyncTask(ctx, task); err != nil {
		if errors.Is(err, common.ErrConflict) {
			// Lost a race with a concurrent trigger; its task serves us too.
			return s.syncTasks.FindSyncTaskByStatus(ctx, s.cfg.Creator, model.StatusNotStarted)
		}
		return nil, common.Errorf("failed to schedule sync task: %w", err)
	}
	s.logger.InfoContext(ctx, "Scheduled sync task", "task_id", task.ID)
	return task, nil
}

// TriggerDeltaSync schedules a task and wakes the worker. While a task is
// running the new one stays queued and already-running is reported.
func (s *SyncService) TriggerDeltaSync(ctx context.Context) (TriggerResult, error) {
	queued, err := s.ScheduleSyncTask(ctx)
	if err != nil && !errors.Is(err, common.ErrNotFound) {
		return "", err
	}

	running, err := s.syncTasks.FindSyncTaskByStatus(ctx, s.cfg.Creator, model.StatusOngoing)
	if err == nil {
		s.logger.InfoContext(ctx, "A sync task is already running, the scheduled task starts when it finishes", "running_task_id", running.ID)
		return TriggerAlreadyRunning, nil
	}
	if !errors.Is(err, common.ErrNotFound) {
		return "", common.Errorf("failed to look up running sync task: %w", err)
	}

	if queued == nil {
		s.logger.WarnContext(ctx, "No scheduled sync task found, did the insertion of a new task just fail?")
		return TriggerNoOp, nil
	}
	if err := s.triggers.Push(ctx, queue.SignalDeltaSync); err != nil {
		return "", common.Errorf("failed to wake sync worker: %w", err)
	}
	return TriggerAccepted, nil
}

// TriggerInitialSync asks the worker to bootstrap; the worker decides
// whether a bootstrap is needed.
func (s *SyncService) TriggerInitialSync(ctx context.Context) error {
	if err := s.triggers.Push(ctx, queue.SignalInitialSync); err != nil {
		return common.Errorf("failed to wake sync worker: %w", err)
	}
	return nil
}

func (s *SyncService) RunState(ctx context.Context) (model.RunState, error) {
	if _, err := s.syncTasks.FindSyncTaskByStatus(ctx, s.cfg.Creator, model.StatusOngoing); err == nil {
		return model.RunStateRunning, nil
	} else if !errors.Is(err, common.ErrNotFound) {
		return "", common.Errorf("failed to read run state: %w", err)
	}
	if _, err := s.syncTasks.FindSyncTaskByStatus(ctx, s.cfg.Creator, model.StatusNotStarted); err == nil {
		return model.RunStateNotStarted, nil
	} else if !errors.Is(err, common.ErrNotFound) {
		return "", common.Errorf("failed to read run state: %w", err)
	}
	return model.RunStateIdle, nil
}

// NextSyncTask returns the oldest queued task with the watermark it starts
// from: the highest watermark stored so far, or the configured start
// timestamp when nothing was ingested yet.
func (s *SyncService) NextSyncTask(ctx context.Context) (*model.SyncTask, time.Time, error) {
	task, err := s.syncTasks.FindSyncTaskByStatus(ctx, s.cfg.Creator, model.StatusNotStarted)
	if err != nil {
		return nil, time.Time{}, err
	}
	since, err := s.StartWatermark(ctx)
	if err != nil {
		return task, time.Time{}, err
	}
	return task, since, nil
}

func (s *SyncService) StartWatermark(ctx context.Context) (time.Time, error) {
	wm, err := s.syncTasks.MaxWatermark(ctx, s.cfg.Creator)
	if err != nil {
		return time.Time{}, common.Errorf("failed to read watermark: %w", err)
	}
	if wm != nil {
		return *wm, nil
	}
	if s.cfg.StartFrom != nil {
		s.logger.InfoContext(ctx, "No previous sync task found, starting from configured timestamp", "since", *s.cfg.StartFrom)
		return *s.cfg.StartFrom, nil
	}
	return time.Time{}, common.Errorf("no previous delta file found and START_FROM_DELTA_TIMESTAMP is not configured: %w", common.ErrConfiguration)
}

// InitialSyncSucceeded reports whether the latest bootstrap finished.
func (s *SyncService) InitialSyncSucceeded(ctx context.Context) (bool, error) {
	job, err := s.jobs.FindLatestJob(ctx, s.cfg.InitialSyncOperation, s.cfg.Creator)
	if errors.Is(err, common.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, common.Errorf("failed to look up initial sync job: %w", err)
	}
	return job.Status == model.StatusSuccess, nil
}

// FailSyncTask closes task with failure unless it already reached a final
// status.
func (s *SyncService) FailSyncTask(ctx context.Context, taskID string) error {
	err := s.syncTasks.UpdateSyncTaskStatus(ctx, taskID, model.StatusFailure)
	if err != nil && !errors.Is(err, common.ErrInvalidTransition) {
		return common.Errorf("failed to close sync task %s: %w", taskID, err)
	}
	return nil
}

// RecordError stores message in the error trail. Storing errors must never
// fail the caller, so problems are only logged.
func (s *SyncService) RecordError(ctx context.Context, message, targetID string) {
	rec := &model.ErrorRecord{Message: message, TargetID: targetID}
	if err := s.errs.CreateError(context.WithoutCancel(ctx), rec); err != nil {
		s.logger.ErrorContext(ctx, "Could not store error", "message", message, "error", err)
	}
}

// Snapshot is the persisted state shown by the state command.
type Snapshot struct {
	State             model.RunState      `json:"state"`
	Watermark         *time.Time          `json:"watermark,omitempty"`
	InitialSyncJob    *model.Job          `json:"initial_sync_job,omitempty"`
	InitialSyncTasks  []model.Task        `json:"initial_sync_tasks,omitempty"`
	InitialSyncErrors []model.ErrorRecord `json:"initial_sync_errors,omitempty"`
	RecentTasks       []model.SyncTask    `json:"recent_tasks"`
	RecentErrors      []model.ErrorRecord `json:"recent_errors"`
}

func (s *SyncService) Snapshot(ctx context.Context, limit int) (*Snapshot, error) {
	state, err := s.RunState(ctx)
	if err != nil {
		return nil, err
	}
	snap := &Snapshot{State: state}
	if snap.Watermark, err = s.syncTasks.MaxWatermark(ctx, s.cfg.Creator); err != nil {
		return nil, common.Errorf("failed to read watermark: %w", err)
	}
	job, err := s.jobs.FindLatestJob(ctx, s.cfg.InitialSyncOperation, s.cfg.Creator)
	if err != nil && !errors.Is(err, common.ErrNotFound) {
		return nil, common.Errorf("failed to look up initial sync job: %w", err)
	}
	if job != nil {
		if err := s.describeInitialSync(ctx, snap, job); err != nil {
			return nil, err
		}
	}
	if snap.RecentTasks, err = s.syncTasks.ListRecentSyncTasks(ctx, s.cfg.Creator, limit); err != nil {
		return nil, common.Errorf("failed to list sync tasks: %w", err)
	}
	if snap.RecentErrors, err = s.errs.ListRecentErrors(ctx, limit); err != nil {
		return nil, common.Errorf("failed to list errors: %w", err)
	}
	return snap, nil
}

// describeInitialSync adds job, its tasks and the errors recorded against
// any of them.
func (s *SyncService) describeInitialSync(ctx context.Context, snap *Snapshot, job *model.Job) error {
	snap.InitialSyncJob = job
	tasks, err := s.jobs.FindTasksByJob(ctx, job.ID)
	if err != nil {
		return common.Errorf("failed to list initial sync tasks: %w", err)
	}
	snap.InitialSyncTasks = tasks

	targets := []string{job.ID}
	for _, task := range tasks {
		targets = append(targets, task.ID)
	}
	for _, target := range targets {
		recs, err := s.errs.ListErrorsByTarget(ctx, target)
		if err != nil {
			return common.Errorf("failed to list errors of %s: %w", target, err)
		}
		snap.InitialSyncErrors = append(snap.InitialSyncErrors, recs...)
	}
	return nil
}
