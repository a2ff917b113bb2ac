package initialsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/gosimple/slug"

	"github.com/lblod/gelinkt-notuleren-consumer/internal/app/dispatch"
	"github.com/lblod/gelinkt-notuleren-consumer/internal/common"
	"github.com/lblod/gelinkt-notuleren-consumer/internal/domain/model"
	"github.com/lblod/gelinkt-notuleren-consumer/internal/domain/repository"
	"github.com/lblod/gelinkt-notuleren-consumer/internal/platform/metrics"
	"github.com/lblod/gelinkt-notuleren-consumer/internal/platform/retry"
	"github.com/lblod/gelinkt-notuleren-consumer/internal/platform/sparql"
)

type DumpSource interface {
	LatestDump(ctx context.Context) (*model.DumpFile, error)
	Download(ctx context.Context, id, dest string) error
}

type Dispatcher interface {
	Dispatch(ctx context.Context, rules []model.TypeRoutingRule, opts dispatch.Options) error
}

type Config struct {
	JobOperation    string
	Creator         string
	IngestGraph     string
	Folder          string
	BatchSize       int
	BatchPause      time.Duration
	ScopeID         string
	DirectEndpoint  string
	BypassMuAuth    bool
	SkipFirstIngest bool
	Rules           []model.TypeRoutingRule
}

// Runner bootstraps the store from the latest dataset dump and seeds the
// watermark from which delta ingestion continues.
type Runner struct {
	jobs       repository.JobRepository
	syncTasks  repository.SyncTaskRepository
	errs       repository.ErrorRepository
	store      sparql.Store
	source     DumpSource
	dispatcher Dispatcher
	retry      *retry.Executor
	cfg        Config
	logger     *slog.Logger
}

func NewRunner(
	jobs repository.JobRepository,
	syncTasks repository.SyncTaskRepository,
	errs repository.ErrorRepository,
	store sparql.Store,
	source DumpSource,
	dispatcher Dispatcher,
	executor *retry.Executor,
	cfg Config,
	logger *slog.Logger,
) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		jobs:       jobs,
		syncTasks:  syncTasks,
		errs:       errs,
		store:      store,
		source:     source,
		dispatcher: dispatcher,
		retry:      executor,
		cfg:        cfg,
		logger:     logger,
	}
}

// Start runs the bootstrap when no initial sync has run yet or the last one
// failed. It returns the job that ran, or nil when nothing had to be done.
func (r *Runner) Start(ctx context.Context) (*model.Job, error) {
	latest, err := r.jobs.FindLatestJob(ctx, r.cfg.JobOperation, r.cfg.Creator)
	switch {
	case errors.Is(err, common.ErrNotFound):
		r.logger.InfoContext(ctx, "No initial sync has run yet, starting initial sync")
	case err != nil:
		return nil, fmt.Errorf("find latest initial sync job: %w", err)
	case latest.Status == model.StatusFailure:
		r.logger.InfoContext(ctx, "Previous initial sync failed, restarting initial sync", "job_id", latest.ID)
	case latest.Status == model.StatusSuccess:
		r.logger.InfoContext(ctx, "Initial sync has already run", "job_id", latest.ID)
		return nil, nil
	default:
		return nil, fmt.Errorf("unexpected status for initial sync job %s: %s, check the database for what went wrong: %w",
			latest.ID, latest.Status, common.ErrConflict)
	}
	return r.Run(ctx)
}

// Run executes one bootstrap unconditionally.
func (r *Runner) Run(ctx context.Context) (*model.Job, error) {
	started := time.Now()
	job := &model.Job{Operation: r.cfg.JobOperation, Creator: r.cfg.Creator, Status: model.StatusOngoing}
	if err := r.jobs.CreateJob(ctx, nil, job); err != nil {
		return nil, fmt.Errorf("create initial sync job: %w", err)
	}
	task := &model.Task{JobID: job.ID, Operation: model.TaskOperationInitialSync, Index: 0, Status: model.StatusOngoing}
	if err := r.jobs.CreateTask(ctx, nil, task); err != nil {
		r.fail(ctx, job, nil, err)
		return job, fmt.Errorf("create initial sync task: %w", err)
	}
	logger := r.logger.With("job_id", job.ID, "task_id", task.ID)
	logger.InfoContext(ctx, "Scheduled initial sync task to ingest dump file")

	if err := r.execute(ctx, task, logger); err != nil {
		logger.ErrorContext(ctx, "Initial sync failed, closing task with failure state", "error", err)
		r.fail(ctx, job, task, err)
		metrics.SyncTasksTotal.WithLabelValues("initial-sync", string(model.StatusFailure)).Inc()
		return job, err
	}

	if err := r.jobs.UpdateJobStatus(ctx, job.ID, model.StatusSuccess); err != nil {
		return job, fmt.Errorf("close initial sync job: %w", err)
	}
	job.Status = model.StatusSuccess
	metrics.SyncTasksTotal.WithLabelValues("initial-sync", string(model.StatusSuccess)).Inc()
	metrics.RunDuration.WithLabelValues("initial-sync", string(model.StatusSuccess)).Observe(time.Since(started).Seconds())
	logger.InfoContext(ctx, "Initial sync finished, delta ingestion can start")
	return job, nil
}

func (r *Runner) execute(ctx context.Context, task *model.Task, logger *slog.Logger) error {
	dump, err := r.source.LatestDump(ctx)
	if err != nil {
		return fmt.Errorf("find latest dump file: %w", err)
	}
	path := filepath.Join(r.cfg.Folder, slug.Make(dump.ID)+".ttl")
	if err := r.source.Download(ctx, dump.ID, path); err != nil {
		return fmt.Errorf("download dump file %s: %w", dump.ID, err)
	}
	lines, err := ReadDumpLines(path)
	if err != nil {
		return err
	}
	logger.InfoContext(ctx, "Loaded dump file", "dump_id", dump.ID, "path", path, "statements", len(lines), "issued", dump.Issued)

	opts := dispatch.Options{
		Batched: true,
		Cleanup: true,
		Headers: map[string]string{"mu-call-scope-id": r.cfg.ScopeID},
	}
	if r.cfg.BypassMuAuth {
		logger.WarnContext(ctx, "Skipping mu-authorization for expensive queries", "endpoint", r.cfg.DirectEndpoint)
		opts.Endpoint = r.cfg.DirectEndpoint
	}

	if r.cfg.SkipFirstIngest {
		logger.WarnContext(ctx, "The first ingest into the ingest graph is disabled", "graph", r.cfg.IngestGraph)
	} else if err := r.insert(ctx, lines, opts, logger); err != nil {
		return err
	}

	logger.InfoContext(ctx, "Triples loaded in ingest graph, moving them to their graphs")
	if err := r.dispatcher.Dispatch(ctx, r.cfg.Rules, opts); err != nil {
		return fmt.Errorf("dispatch initial sync triples: %w", err)
	}

	// Delta ingestion resumes from the moment the dump was cut.
	issued := dump.Issued
	seed := &model.SyncTask{Creator: r.cfg.Creator, Status: model.StatusSuccess, Watermark: &issued}
	if err := r.syncTasks.CreateSyncTask(ctx, seed); err != nil {
		return fmt.Errorf("seed delta sync watermark: %w", err)
	}

	if err := r.jobs.UpdateTaskStatus(ctx, task.ID, model.StatusSuccess); err != nil {
		return fmt.Errorf("close initial sync task: %w", err)
	}
	task.Status = model.StatusSuccess
	return nil
}

func (r *Runner) insert(ctx context.Context, lines []string, opts dispatch.Options, logger *slog.Logger) error {
	updateOpts := []sparql.UpdateOption{sparql.WithHeaders(opts.Headers)}
	if opts.Endpoint != "" {
		updateOpts = append(updateOpts, sparql.WithEndpoint(opts.Endpoint))
	}

	batches := InsertStatements(lines, r.cfg.IngestGraph, r.cfg.BatchSize)
	for i, stmt := range batches {
		logger.DebugContext(ctx, "Inserting dump batch", "batch", i+1, "of", len(batches))
		err := r.retry.Do(ctx, "insert dump batch", func(ctx context.Context) error {
			return r.store.Update(ctx, stmt, updateOpts...)
		})
		if err != nil {
			return fmt.Errorf("insert dump batch %d/%d: %w", i+1, len(batches), err)
		}
		if i < len(batches)-1 {
			if err := retry.Sleep(ctx, r.cfg.BatchPause); err != nil {
				return err
			}
		}
	}
	return nil
}

// fail closes task and job with failure and stores the reason on the task.
// The bookkeeping runs even when ctx was cancelled.
func (r *Runner) fail(ctx context.Context, job *model.Job, task *model.Task, cause error) {
	ctx = context.WithoutCancel(ctx)
	if task != nil {
		if err := r.jobs.UpdateTaskStatus(ctx, task.ID, model.StatusFailure); err != nil {
			r.logger.ErrorContext(ctx, "Could not fail initial sync task", "task_id", task.ID, "error", err)
		} else {
			task.Status = model.StatusFailure
		}
		rec := &model.ErrorRecord{Message: cause.Error(), TargetID: task.ID}
		if err := r.errs.CreateError(ctx, rec); err != nil {
			r.logger.ErrorContext(ctx, "Could not store initial sync error", "task_id", task.ID, "error", err)
		} else if err := r.jobs.LinkTaskError(ctx, task.ID, rec.ID); err != nil {
			r.logger.ErrorContext(ctx, "Could not link initial sync error", "task_id", task.ID, "error", err)
		}
	}
	if err := r.jobs.UpdateJobStatus(ctx, job.ID, model.StatusFailure); err != nil {
		r.logger.ErrorContext(ctx, "Could not fail initial sync job", "job_id", job.ID, "error", err)
	} else {
		job.Status = model.StatusFailure
	}
}
