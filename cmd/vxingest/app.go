package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/vxingest/internal/adapter/docstore"
	kafkaadapter "github.com/couchcryptid/vxingest/internal/adapter/kafka"
	"github.com/couchcryptid/vxingest/internal/adapter/netcdf"
	redisadapter "github.com/couchcryptid/vxingest/internal/adapter/redis"
	"github.com/couchcryptid/vxingest/internal/adapter/relational"
	"github.com/couchcryptid/vxingest/internal/builder"
	"github.com/couchcryptid/vxingest/internal/config"
	"github.com/couchcryptid/vxingest/internal/observability"
	"github.com/couchcryptid/vxingest/internal/scheduler"
)

// app holds the long-lived collaborators shared by the commands.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	control *docstore.Store
	tier    docstore.Tier

	closers   []func() error
	scheduler *scheduler.Scheduler
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, metrics *observability.Metrics) (*app, error) {
	creds, err := config.LoadCredentials(cfg.CredentialsFile)
	if err != nil {
		return nil, err
	}
	for _, dir := range []string{cfg.OutputDir, cfg.LogDir, cfg.MetricsDir, cfg.TransferDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}

	storeOpts := docstore.Options{DSN: creds.PostgresDSN(), BatchSize: cfg.BatchSize}
	control, err := docstore.Open(ctx, storeOpts, logger)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger, control: control, closers: []func() error{control.Close}}
	if err := control.EnsureSchema(ctx); err != nil {
		a.close()
		return nil, err
	}

	if creds.RedisAddr != "" {
		client, err := redisadapter.NewClient(ctx, creds.RedisAddr, creds.RedisPassword)
		if err != nil {
			a.close()
			return nil, err
		}
		a.closers = append(a.closers, client.Close)
		a.tier = redisadapter.New(client, 0)
		logger.Info("shared metadata cache enabled", "addr", creds.RedisAddr)
	}

	var notifier scheduler.Notifier
	if cfg.NotifyEnabled() {
		n := kafkaadapter.NewNotifier(cfg.KafkaBrokers, cfg.KafkaNotifyTopic, logger)
		a.closers = append(a.closers, n.Close)
		notifier = n
		logger.Info("job run notifications enabled", "topic", cfg.KafkaNotifyTopic)
	}

	open := func(ctx context.Context) (*scheduler.Connections, error) {
		return a.openWorker(ctx, storeOpts, creds.MySQLDSN)
	}

	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	clock := clockwork.NewRealClock()
	runner := scheduler.NewRunner(scheduler.RunnerConfig{
		OutputDir:    cfg.OutputDir,
		LogDir:       cfg.LogDir,
		TransferDir:  cfg.TransferDir,
		Threads:      cfg.Threads,
		WriteToStore: cfg.WriteToStore,
		FilePattern:  cfg.FilePattern,
	}, control, open, clock, logger, metrics, notifier)
	selector := scheduler.NewSelector(control, clock, cfg.IgnoreJobSchedule, logger)
	a.scheduler = scheduler.New(selector, runner, observability.NewRunMetrics(host), cfg.MetricsDir, clock, logger, metrics)
	return a, nil
}

// openWorker opens the connections owned by one pipeline worker.
func (a *app) openWorker(ctx context.Context, storeOpts docstore.Options, mysqlDSN string) (*scheduler.Connections, error) {
	st, err := docstore.Open(ctx, storeOpts, a.logger)
	if err != nil {
		return nil, err
	}
	closers := []func() error{st.Close}
	cached := docstore.NewCachedStore(st, a.tier, a.cfg.DocCacheSize, a.logger)

	env := builder.Env{
		Store:      cached,
		Obs:        netcdf.ObsDecoder{},
		Grids:      netcdf.GridDecoder{},
		FirstEpoch: a.cfg.FirstEpoch,
		LastEpoch:  a.cfg.LastEpoch,
	}
	if mysqlDSN != "" {
		src, err := relational.Open(ctx, mysqlDSN, a.logger)
		if err != nil {
			st.Close()
			return nil, err
		}
		env.Rows = src
		closers = append(closers, src.Close)
	}

	return &scheduler.Connections{
		Env:   env,
		Store: cached,
		Close: func() error {
			var errs []error
			for _, c := range closers {
				errs = append(errs, c())
			}
			return errors.Join(errs...)
		},
	}, nil
}

// CheckReadiness reports ready once the store answers and the scheduler
// has finished a pass.
func (a *app) CheckReadiness(ctx context.Context) error {
	if err := a.control.Ping(ctx); err != nil {
		return fmt.Errorf("document store: %w", err)
	}
	return a.scheduler.CheckReadiness(ctx)
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Error("close error", "error", err)
		}
	}
}
