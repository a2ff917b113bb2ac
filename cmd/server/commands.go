package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/lblod/gelinkt-notuleren-consumer/internal/api"
	"github.com/lblod/gelinkt-notuleren-consumer/internal/app/scheduler"
	"github.com/lblod/gelinkt-notuleren-consumer/internal/common/security"
	"github.com/lblod/gelinkt-notuleren-consumer/internal/platform/config"
	"github.com/lblod/gelinkt-notuleren-consumer/internal/platform/database"
	"github.com/lblod/gelinkt-notuleren-consumer/internal/platform/queue"
)

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "consumer",
		Short:         "Delta consumer for the Gelinkt Notuleren producer",
		Long:          "Bootstraps a triple store from the producer's dataset dump and keeps it in sync by ingesting delta files.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.AddCommand(newServeCommand())
	cmd.AddCommand(newDeltaSyncCommand())
	cmd.AddCommand(newInitialSyncCommand())
	cmd.AddCommand(newStateCommand())
	cmd.AddCommand(newMigrateCommand())
	cmd.AddCommand(newTokenCommand())
	return cmd
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP control surface, the sync worker and the scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()
			return serve(ctx)
		},
	}
}

func serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// 1. Configuration, logging, bookkeeping, queue
	app, err := newApplication(ctx)
	if err != nil {
		return err
	}
	defer app.close()
	cfg, logger := app.cfg, app.logger
	logger.Info("Configuration loaded", "service", cfg.ServiceName, "store_backend", cfg.StoreBackend, "queue_backend", cfg.QueueBackend)

	// 2. Nothing runs before the triple store answers
	if err := app.waitForStore(ctx); err != nil {
		return err
	}

	// 3. Whatever a previous process left ongoing is failed, unless a live
	// replica holds the run lease
	if err := app.worker.Recover(ctx); err != nil {
		return err
	}

	// 4. Startup runs
	if !cfg.DisableInitialSync {
		if err := app.syncService.TriggerInitialSync(ctx); err != nil {
			return err
		}
	} else {
		logger.Warn("Initial sync is disabled")
	}
	if !cfg.DisableDeltaIngest {
		if _, err := app.syncService.TriggerDeltaSync(ctx); err != nil {
			return err
		}
	} else {
		logger.Warn("Automated delta ingest is disabled")
	}

	// 5. Worker and scheduler
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		app.worker.Start(ctx)
	}()
	schedulerErr := make(chan error, 1)
	if !cfg.DisableDeltaIngest {
		go func() {
			schedulerErr <- scheduler.New(app.syncService, cfg.CronPatternDeltaSync, cfg.IngestInterval, logger).Start(ctx)
		}()
	}

	// 6. HTTP server
	routerCfg := api.RouterConfig{ServiceName: cfg.ServiceName}
	if cfg.AuthEnabled {
		routerCfg.Tokens = security.NewTokenIssuer(cfg.JWTKey, cfg.JWTExp)
	}
	server := &http.Server{
		Addr:         ":" + cfg.APIPort,
		Handler:      api.NewRouter(app.syncService, routerCfg, logger),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 70 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("Server starting", "port", cfg.APIPort)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// 7. Graceful shutdown
	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-serverErr:
	case runErr = <-schedulerErr:
	}
	logger.Info("Shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown failed", "error", err)
	}
	cancel()
	<-workerDone
	if runErr != nil {
		return runErr
	}
	logger.Info("Server and worker stopped gracefully")
	return nil
}

// runOnce processes one signal in this process, bypassing the trigger queue
// but still honouring the run lease.
func runOnce(signal queue.Signal) error {
	ctx, stop := signalContext()
	defer stop()
	app, err := newApplication(ctx)
	if err != nil {
		return err
	}
	defer app.close()
	if err := app.waitForStore(ctx); err != nil {
		return err
	}
	if signal == queue.SignalDeltaSync {
		if _, err := app.syncService.ScheduleSyncTask(ctx); err != nil {
			return err
		}
	}
	app.worker.Process(ctx, signal)
	return nil
}

func newDeltaSyncCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delta-sync",
		Short: "Ingest the delta files published since the last run, then exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnce(queue.SignalDeltaSync)
		},
	}
}

func newInitialSyncCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "initial-sync",
		Short: "Bootstrap from the latest dataset dump when needed, then exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnce(queue.SignalInitialSync)
		},
	}
}

func newStateCommand() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Print the persisted sync state as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()
			app, err := newApplication(ctx)
			if err != nil {
				return err
			}
			defer app.close()
			snap, err := app.syncService.Snapshot(ctx, limit)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(snap)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 10, "number of recent tasks and errors to show")
	return cmd
}

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the bookkeeping tables in Postgres",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			db, err := database.Connect(ctx, cfg.DBConnStr)
			if err != nil {
				return err
			}
			defer database.Close(db)
			if err := database.Migrate(ctx, db); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Schema is up to date.")
			return nil
		},
	}
}

func newTokenCommand() *cobra.Command {
	var subject string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an admin bearer token for the trigger routes",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			token, err := security.NewTokenIssuer(cfg.JWTKey, cfg.JWTExp).GenerateToken(subject, security.RoleAdmin)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "operator", "subject claim of the token")
	return cmd
}
