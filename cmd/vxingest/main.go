// Command vxingest ingests observation and model data into the
// verification document store, either once or on a schedule.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/couchcryptid/vxingest/internal/adapter/httpadapter"
	"github.com/couchcryptid/vxingest/internal/config"
	"github.com/couchcryptid/vxingest/internal/observability"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:          "vxingest",
		Short:        "Ingest verification data into the document store",
		SilenceUsage: true,
	}
	root.AddCommand(newServeCommand(), newRunCommand())
	return root
}

func newRunCommand() *cobra.Command {
	var jobID string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the jobs due now and exit",
		Long: `
Runs one scheduler pass: selects the active jobs whose schedule matches the
current 15-minute bucket (or the single job named by --job-id), ingests
them, packages each run into the transfer directory and writes the run
metrics textfile.
`,
		RunE: func(c *cobra.Command, _ []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			ctx := c.Context()
			a, err := newApp(ctx, cfg, logger, observability.NewMetrics())
			if err != nil {
				logger.Error("startup failed", "error", err)
				return err
			}
			defer a.close()

			sum, err := a.scheduler.RunPass(ctx, jobID)
			if err != nil {
				logger.Error("scheduler pass failed", "error", err)
				return err
			}
			logger.Info("done", "succeeded", sum.Succeeded, "failed", sum.Failed)
			return nil
		},
	}
	cmd.Flags().StringVar(&jobID, "job-id", "", "run only this job, ignoring its schedule")
	return cmd
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run scheduler passes on SCHEDULER_CRON and serve health and metrics",
		RunE: func(c *cobra.Command, _ []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			ctx := c.Context()
			a, err := newApp(ctx, cfg, logger, observability.NewMetrics())
			if err != nil {
				logger.Error("startup failed", "error", err)
				return err
			}
			defer a.close()

			srv := httpadapter.NewServer(cfg.HTTPAddr, a, a.scheduler, logger)

			// Start HTTP server.
			go func() {
				if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("http server error", "error", err)
				}
			}()

			// Blocks until the signal context is cancelled.
			if err := a.scheduler.Start(ctx, cfg.SchedulerCron); err != nil {
				logger.Error("scheduler error", "error", err)
			}
			logger.Info("shutting down")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Error("http server shutdown error", "error", err)
			}
			logger.Info("shutdown complete")
			return nil
		},
	}
}

func setup() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		return nil, nil, err
	}
	return cfg, observability.NewLogger(cfg), nil
}
