package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/lblod/gelinkt-notuleren-consumer/internal/app/delta"
	"github.com/lblod/gelinkt-notuleren-consumer/internal/app/dispatch"
	"github.com/lblod/gelinkt-notuleren-consumer/internal/app/initialsync"
	"github.com/lblod/gelinkt-notuleren-consumer/internal/app/service"
	"github.com/lblod/gelinkt-notuleren-consumer/internal/app/worker"
	"github.com/lblod/gelinkt-notuleren-consumer/internal/domain/repository"
	"github.com/lblod/gelinkt-notuleren-consumer/internal/platform/config"
	"github.com/lblod/gelinkt-notuleren-consumer/internal/platform/database"
	"github.com/lblod/gelinkt-notuleren-consumer/internal/platform/lease"
	"github.com/lblod/gelinkt-notuleren-consumer/internal/platform/logging"
	"github.com/lblod/gelinkt-notuleren-consumer/internal/platform/producer"
	"github.com/lblod/gelinkt-notuleren-consumer/internal/platform/queue"
	"github.com/lblod/gelinkt-notuleren-consumer/internal/platform/retry"
	"github.com/lblod/gelinkt-notuleren-consumer/internal/platform/sparql"
)

// application holds everything a command needs. close releases it in
// reverse order of construction.
type application struct {
	cfg    *config.Config
	logger *slog.Logger

	store       sparql.Store
	triggers    queue.TriggerQueue
	syncService *service.SyncService
	worker      *worker.SyncWorker

	closers []io.Closer
}

func loadConfig() (*config.Config, *slog.Logger, io.Closer, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, nil, err
	}
	logger, closer := logging.New(logging.Options{Format: cfg.LogFormat, Level: cfg.LogLevel, File: cfg.LogFile})
	slog.SetDefault(logger)
	return cfg, logger, closer, nil
}

func newApplication(ctx context.Context) (*application, error) {
	cfg, logger, logCloser, err := loadConfig()
	if err != nil {
		return nil, err
	}
	app := &application{cfg: cfg, logger: logger, closers: []io.Closer{logCloser}}
	if err := app.build(ctx); err != nil {
		app.close()
		return nil, err
	}
	return app, nil
}

func (a *application) build(ctx context.Context) error {
	cfg := a.cfg

	// Bookkeeping
	var (
		syncTasks repository.SyncTaskRepository
		jobs      repository.JobRepository
		errs      repository.ErrorRepository
	)
	switch cfg.StoreBackend {
	case "memory":
		mem := repository.NewMemoryStore()
		syncTasks, jobs, errs = mem, mem, mem
		a.logger.Warn("Using in-memory bookkeeping, state is lost on restart")
	case "postgres":
		db, err := database.Connect(ctx, cfg.DBConnStr)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, closerFunc(func() error { database.Close(db); return nil }))
		if err := database.Migrate(ctx, db); err != nil {
			return err
		}
		syncTasks = repository.NewPgSyncTaskRepository(db)
		jobs = repository.NewPgJobRepository(db)
		errs = repository.NewPgErrorRepository(db)
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", cfg.StoreBackend)
	}

	// Trigger queue and run lease
	var leases lease.Manager
	switch cfg.QueueBackend {
	case "memory":
		a.triggers = queue.NewMemoryTriggerQueue(16)
		leases = lease.NewMemoryManager()
	case "redis":
		rdb, err := queue.ConnectRedis(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, closerFunc(func() error { queue.CloseRedis(rdb); return nil }))
		a.triggers = queue.NewRedisTriggerQueue(rdb, cfg.TriggerQueueName)
		redisLeases, err := lease.NewRedisManager(rdb)
		if err != nil {
			return err
		}
		leases = redisLeases
	default:
		return fmt.Errorf("unknown QUEUE_BACKEND %q", cfg.QueueBackend)
	}

	// Store, producer and pipelines
	a.store = sparql.NewClient(cfg.SparqlEndpoint, &http.Client{Timeout: 10 * time.Minute})
	files := producer.NewClient(producer.Config{
		BaseURL:        cfg.SyncBaseURL,
		FilesPath:      cfg.SyncFilesPath,
		DownloadPath:   cfg.DownloadFilePath,
		DatasetPath:    cfg.SyncDatasetPath,
		DatasetSubject: cfg.SyncDatasetSubject,
	}, nil, a.logger)
	executor := retry.NewExecutor(cfg.MaxDBRetryAttempts, cfg.SleepAfterFailedDBOperation, a.logger)

	processor := delta.NewProcessor(a.store, files, delta.ProcessorConfig{
		Folder:      cfg.DeltaFileFolder,
		IngestGraph: cfg.IngestGraph,
		BatchSize:   cfg.BatchSize,
		KeepFiles:   cfg.KeepDeltaFiles,
	}, a.logger)
	deltaRunner := delta.NewRunner(syncTasks, files, processor, a.logger)

	dispatcher := dispatch.NewDispatcher(a.store, executor, dispatch.Config{
		IngestGraph:    cfg.IngestGraph,
		PublicGraph:    cfg.PublicGraph,
		OrgGraphPrefix: cfg.OrgGraphPrefix,
		OrgIDPredicate: cfg.OrgIDPredicate,
		BatchSize:      cfg.BatchSizeForGraphMove,
		Pause:          cfg.DispatchSleep,
	}, a.logger)
	initialRunner := initialsync.NewRunner(jobs, syncTasks, errs, a.store, files, dispatcher, executor, initialsync.Config{
		JobOperation:    cfg.InitialSyncJobOperation,
		Creator:         cfg.JobCreatorURI,
		IngestGraph:     cfg.IngestGraph,
		Folder:          cfg.DumpFileFolder,
		BatchSize:       cfg.BatchSize,
		BatchPause:      cfg.InitialSyncBatchSleep,
		ScopeID:         cfg.ScopeIDInitialSync,
		DirectEndpoint:  cfg.DirectDatabaseEndpoint,
		BypassMuAuth:    cfg.BypassMuAuth,
		SkipFirstIngest: cfg.DisableInitialSyncFirstIngest,
		Rules:           cfg.Types,
	}, a.logger)

	a.syncService = service.NewSyncService(syncTasks, jobs, errs, a.triggers, service.SyncServiceConfig{
		Creator:              cfg.JobCreatorURI,
		InitialSyncOperation: cfg.InitialSyncJobOperation,
		StartFrom:            cfg.StartFromDeltaTime,
	}, a.logger)
	a.worker = worker.NewSyncWorker(a.triggers, leases, a.syncService, deltaRunner, initialRunner, worker.Config{
		LeaseKey:           cfg.RunLeaseKey,
		LeaseTTL:           cfg.RunLeaseTTL,
		WaitForInitialSync: cfg.WaitForInitialSync,
		DisableDeltaIngest: cfg.DisableDeltaIngest,
	}, a.logger)
	return nil
}

// waitForStore blocks until the triple store answers.
func (a *application) waitForStore(ctx context.Context) error {
	return sparql.WaitForStore(ctx, a.store, sparql.WaitOptions{
		BaseDelay:  a.cfg.StoreWaitBaseDelay,
		GrowthRate: a.cfg.StoreWaitGrowthRate,
	}, a.logger)
}

func (a *application) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			a.logger.Warn("Error during shutdown", "error", err)
		}
	}
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }
