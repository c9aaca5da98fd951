package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/warp/expense-engine/api"
	"github.com/warp/expense-engine/config"
	"github.com/warp/expense-engine/currency"
	"github.com/warp/expense-engine/engine"
	"github.com/warp/expense-engine/logging"
	"github.com/warp/expense-engine/scheduler"
	"github.com/warp/expense-engine/store/sqldb"
)

// app bundles the components shared by the commands.
type app struct {
	cfg    *config.Config
	logger logging.Logger
	db     *sqldb.DB
	orch   *engine.Orchestrator
}

func newApp(ctx context.Context, configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logger := cfg.NewLogger()

	db, err := sqldb.Open(ctx, cfg.Database.Driver, cfg.Database.DSN, cfg.DBOptions())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	rate, err := cfg.USDRate()
	if err != nil {
		db.Close()
		return nil, err
	}
	converter, err := currency.NewFixedRate(rate)
	if err != nil {
		db.Close()
		return nil, err
	}
	loc, err := cfg.Location()
	if err != nil {
		db.Close()
		return nil, err
	}

	orch := engine.NewOrchestrator(db, converter,
		engine.WithLogger(logger),
		engine.WithLocation(loc),
		engine.WithBatchSize(cfg.Generation.BatchSize),
		engine.WithParallel(cfg.Generation.Parallel),
	)
	return &app{cfg: cfg, logger: logger, db: db, orch: orch}, nil
}

// =============================================================================
// SERVE
// =============================================================================

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server and the generation scheduler",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, *configPath)
			if err != nil {
				return err
			}
			defer a.db.Close()
			return a.serve(ctx)
		},
	}
}

func (a *app) serve(ctx context.Context) error {
	schedCfg, err := a.cfg.SchedulerConfig()
	if err != nil {
		return err
	}
	sched, err := scheduler.New(a.orch, schedCfg, scheduler.WithLogger(a.logger))
	if err != nil {
		return fmt.Errorf("failed to build scheduler: %w", err)
	}

	handler := api.NewHandler(a.orch, sched, a.db, a.logger)
	handler.Ping = a.db.Ping
	handler.Metrics = sched.Registry()

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:      api.NewRouter(handler, a.cfg.Server.AllowedOrigins),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 5 * time.Minute, // manual passes run inside the request
		IdleTimeout:  60 * time.Second,
	}

	if a.cfg.Scheduler.Enabled {
		if err := sched.Start(); err != nil {
			return err
		}
		defer sched.Stop()
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("Server starting", logging.F("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	a.logger.Info("Shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	a.logger.Info("Server stopped")
	return nil
}

// =============================================================================
// GENERATE
// =============================================================================

func newGenerateCmd(configPath *string) *cobra.Command {
	var (
		owner string
		kind  string
	)
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Run one generation pass and print the result",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, *configPath)
			if err != nil {
				return err
			}
			defer a.db.Close()

			run, err := a.pass(kind)
			if err != nil {
				return err
			}
			res, passErr := run(ctx, engine.OwnerID(owner))
			if res != nil {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if err := enc.Encode(res); err != nil {
					return err
				}
			}
			return passErr
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "Restrict the pass to one owner")
	cmd.Flags().StringVar(&kind, "kind", "full", "Pass to run: full, scheduled or one-time")
	return cmd
}

func (a *app) pass(kind string) (func(context.Context, engine.OwnerID) (*engine.Result, error), error) {
	switch kind {
	case "full":
		return a.orch.RunFullPass, nil
	case "scheduled":
		return a.orch.RunScheduledPass, nil
	case "one-time":
		return a.orch.RunPendingOneTime, nil
	default:
		return nil, fmt.Errorf("unknown pass %q (want full, scheduled or one-time)", kind)
	}
}

// =============================================================================
// CONFIG
// =============================================================================

func newConfigCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			return cfg.Dump(cmd.OutOrStdout())
		},
	}
}
