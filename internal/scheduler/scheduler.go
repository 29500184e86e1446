package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/vxingest/internal/domain"
	"github.com/couchcryptid/vxingest/internal/observability"
)

// Summary reports one scheduler pass.
type Summary struct {
	StartedAt  time.Time            `json:"started_at"`
	FinishedAt time.Time            `json:"finished_at"`
	Succeeded  int                  `json:"succeeded"`
	Failed     int                  `json:"failed"`
	Runs       []domain.JobRunEvent `json:"runs"`
}

// Scheduler runs passes over the due jobs, either once or on a cron tick.
type Scheduler struct {
	selector   *Selector
	runner     *Runner
	runMetrics *observability.RunMetrics
	metricsDir string
	clock      clockwork.Clock
	logger     *slog.Logger
	metrics    *observability.Metrics

	passMu sync.Mutex
	ready  atomic.Bool

	lastMu sync.RWMutex
	last   *Summary
}

// New creates a Scheduler. Run metrics are written to metricsDir after
// every pass.
func New(selector *Selector, runner *Runner, runMetrics *observability.RunMetrics, metricsDir string, clock clockwork.Clock, logger *slog.Logger, metrics *observability.Metrics) *Scheduler {
	return &Scheduler{
		selector:   selector,
		runner:     runner,
		runMetrics: runMetrics,
		metricsDir: metricsDir,
		clock:      clock,
		logger:     logger,
		metrics:    metrics,
	}
}

// RunPass selects jobs and runs them one after another. With a non-empty
// jobID only that job is considered and its schedule is ignored. Passes
// never overlap.
func (s *Scheduler) RunPass(ctx context.Context, jobID string) (Summary, error) {
	s.passMu.Lock()
	defer s.passMu.Unlock()

	s.metrics.SchedulerRunning.Set(1)
	defer s.metrics.SchedulerRunning.Set(0)

	sum := Summary{StartedAt: s.clock.Now().UTC()}

	var jobs []domain.JobDoc
	var err error
	if jobID != "" {
		jobs, err = s.selector.ByID(ctx, jobID)
	} else {
		jobs, err = s.selector.Due(ctx)
	}
	if err != nil {
		return sum, err
	}
	if len(jobs) == 0 {
		s.logger.Info("no jobs due")
	} else {
		s.logger.Info("jobs due", "count", len(jobs))
	}

	for _, job := range jobs {
		if ctx.Err() != nil {
			break
		}
		ev := s.runner.Run(ctx, job, sum.StartedAt)
		s.runMetrics.Observe(ev)
		sum.Runs = append(sum.Runs, ev)
		if ev.Success {
			sum.Succeeded++
		} else {
			sum.Failed++
		}
	}
	sum.FinishedAt = s.clock.Now().UTC()
	s.logger.Info("scheduler pass finished",
		"succeeded", sum.Succeeded, "failed", sum.Failed, "duration", sum.FinishedAt.Sub(sum.StartedAt))

	var writeErr error
	if err := s.runMetrics.WriteTextfile(s.metricsDir); err != nil {
		writeErr = err
		s.logger.Error("write run metrics failed", "error", err)
	}

	s.metrics.SchedulerPasses.Inc()
	s.lastMu.Lock()
	s.last = &sum
	s.lastMu.Unlock()
	s.ready.Store(true)
	return sum, writeErr
}

// Start runs a pass on every tick of the cron expression until ctx is
// cancelled. Ticks that arrive while a pass is running are skipped.
func (s *Scheduler) Start(ctx context.Context, cronExpr string) error {
	cs := gocron.NewScheduler(time.UTC)
	cs.SingletonModeAll()
	_, err := cs.Cron(cronExpr).Do(func() {
		if _, err := s.RunPass(ctx, ""); err != nil {
			s.logger.Error("scheduler pass failed", "error", err)
		}
	})
	if err != nil {
		return err
	}

	s.logger.Info("scheduler started", "cron", cronExpr)
	cs.StartAsync()
	<-ctx.Done()
	cs.Stop()
	s.logger.Info("scheduler stopped")
	return nil
}

// CheckReadiness reports ready once the first pass has finished.
func (s *Scheduler) CheckReadiness(_ context.Context) error {
	if !s.ready.Load() {
		return errors.New("scheduler has not completed a pass yet")
	}
	return nil
}

// Status returns the summary of the last completed pass, or nil.
func (s *Scheduler) Status() any {
	s.lastMu.RLock()
	defer s.lastMu.RUnlock()
	if s.last == nil {
		return nil
	}
	return s.last
}
