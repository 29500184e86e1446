package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/couchcryptid/vxingest/internal/builder"
	"github.com/couchcryptid/vxingest/internal/domain"
	"github.com/couchcryptid/vxingest/internal/observability"
)

// Resolver returns the builder for an ingest specification.
type Resolver interface {
	Resolve(spec domain.IngestSpec) (builder.Builder, error)
}

// Resources are the collaborators owned by one worker. The pipeline fills
// in Env.Logger and Env.LoadJobID.
type Resources struct {
	Env   builder.Env
	Sink  Sink
	Close func() error
}

// Connector opens the data-source connections of one worker.
type Connector func(ctx context.Context, worker int) (*Resources, error)

// Options tune the worker pool.
type Options struct {
	Workers int

	// EmptyRetries and EmptyWait control how long a worker keeps polling
	// an empty queue before it exits. A negative EmptyWait polls without
	// sleeping.
	EmptyRetries int
	EmptyWait    time.Duration
}

// Result summarises one run.
type Result struct {
	Units     int
	Failed    int
	Documents int
}

// Pipeline drains a queue of work items with a pool of workers.
type Pipeline struct {
	connect     Connector
	opts        Options
	logger      *slog.Logger
	metrics     *observability.Metrics
	newResolver func(builder.Env) Resolver
}

// New creates a Pipeline. Zero options take the defaults: one worker and
// three empty-queue retries one second apart.
func New(connect Connector, opts Options, logger *slog.Logger, metrics *observability.Metrics) *Pipeline {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.EmptyRetries <= 0 {
		opts.EmptyRetries = 3
	}
	if opts.EmptyWait < 0 {
		opts.EmptyWait = 0
	} else if opts.EmptyWait == 0 {
		opts.EmptyWait = time.Second
	}
	return &Pipeline{
		connect: connect,
		opts:    opts,
		logger:  logger,
		metrics: metrics,
		newResolver: func(env builder.Env) Resolver {
			return builder.NewRegistry(env)
		},
	}
}

type counters struct {
	units     atomic.Int64
	failed    atomic.Int64
	documents atomic.Int64
}

// Run loads items into a fresh queue and processes them until the queue
// stays empty. The load-job document lj is written once, by the first
// worker, through the same sink as the data. Unit failures are logged and
// counted; only connection failures abort the run.
func (p *Pipeline) Run(ctx context.Context, lj domain.LoadJob, items []WorkItem) (Result, error) {
	q := NewQueue(items...)
	p.logger.Info("pipeline started", "workers", p.opts.Workers, "units", q.Len(), "load_job", lj.ID)

	var c counters
	g, gctx := errgroup.WithContext(ctx)
	for w := range p.opts.Workers {
		g.Go(func() error {
			return p.worker(gctx, w, lj, q, &c)
		})
	}
	err := g.Wait()

	res := Result{
		Units:     int(c.units.Load()),
		Failed:    int(c.failed.Load()),
		Documents: int(c.documents.Load()),
	}
	p.logger.Info("pipeline finished",
		"units", res.Units, "failed", res.Failed, "documents", res.Documents, "remaining", q.Len())
	return res, err
}

func (p *Pipeline) worker(ctx context.Context, id int, lj domain.LoadJob, q *Queue, c *counters) error {
	logger := p.logger.With("worker", id)
	res, err := p.connect(ctx, id)
	if err != nil {
		return fmt.Errorf("worker %d connect: %w", id, err)
	}
	defer func() {
		if res.Close == nil {
			return
		}
		if err := res.Close(); err != nil {
			logger.Warn("close worker resources failed", "error", err)
		}
	}()

	env := res.Env
	env.Logger = logger
	env.LoadJobID = lj.ID
	resolver := p.newResolver(env)

	if id == 0 {
		if err := p.writeLoadJob(ctx, res.Sink, lj); err != nil {
			logger.Error("write load job document failed", "id", lj.ID, "error", err)
		}
	}

	p.metrics.WorkersActive.Inc()
	defer p.metrics.WorkersActive.Dec()

	empty := 0
	for {
		if ctx.Err() != nil {
			logger.Info("worker stopping", "reason", ctx.Err())
			return nil
		}
		item, ok := q.TryPop()
		if !ok {
			p.metrics.QueueEmptyPolls.Inc()
			empty++
			if empty > p.opts.EmptyRetries {
				logger.Debug("queue empty, worker exiting")
				return nil
			}
			if !sleepWithContext(ctx, p.opts.EmptyWait) {
				return nil
			}
			continue
		}
		empty = 0

		c.units.Add(1)
		n, err := p.process(ctx, resolver, res.Sink, item)
		if err != nil {
			c.failed.Add(1)
			p.metrics.UnitsProcessed.WithLabelValues("error").Inc()
			logger.Warn("unit failed", "unit", item.Unit, "spec", item.Spec.ID, "error", err)
			continue
		}
		c.documents.Add(int64(n))
		p.metrics.UnitsProcessed.WithLabelValues("success").Inc()
		logger.Info("unit done", "unit", item.Unit, "documents", n)
	}
}

// process builds and flushes one unit. A panic in a builder fails the unit
// and leaves the worker running.
func (p *Pipeline) process(ctx context.Context, resolver Resolver, sink Sink, item WorkItem) (n int, err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
		p.metrics.UnitDuration.WithLabelValues(item.Spec.BuilderType).Observe(time.Since(start).Seconds())
	}()

	b, err := resolver.Resolve(item.Spec)
	if err != nil {
		return 0, err
	}
	docs, err := b.Build(ctx, item.Unit)
	if err != nil {
		return 0, err
	}
	if len(docs) == 0 {
		return 0, nil
	}
	n, err = sink.Flush(ctx, item.Unit, docs)
	if fo, ok := b.(builder.FlushObserver); ok {
		fo.Flushed(item.Unit, err)
	}
	p.metrics.DocumentsWritten.WithLabelValues(sink.Kind()).Add(float64(n))
	return n, err
}

func (p *Pipeline) writeLoadJob(ctx context.Context, sink Sink, lj domain.LoadJob) error {
	if lj.ID == "" {
		return errors.New("load job has no id")
	}
	docs := domain.DocumentMap{}
	docs.Put(lj.ID, lj.Document())
	n, err := sink.Flush(ctx, lj.ID, docs)
	p.metrics.DocumentsWritten.WithLabelValues(sink.Kind()).Add(float64(n))
	return err
}

func sleepWithContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
