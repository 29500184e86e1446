package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/vxingest/internal/builder"
	"github.com/couchcryptid/vxingest/internal/domain"
	"github.com/couchcryptid/vxingest/internal/observability"
	"github.com/couchcryptid/vxingest/internal/pipeline"
)

// LineageModule names this program in load-job documents.
const LineageModule = "vxingest.scheduler"

var subTypes = map[string]bool{"grib2": true, "netcdf": true, "ctc": true, "partial_sums": true, "sql": true}

// Connections are the data-source connections of one worker.
type Connections struct {
	Env   builder.Env
	Store pipeline.Upserter
	Close func() error
}

// Opener opens a fresh set of worker connections.
type Opener func(ctx context.Context) (*Connections, error)

// Notifier publishes finished job runs.
type Notifier interface {
	Notify(ctx context.Context, ev domain.JobRunEvent) error
}

// RunnerConfig holds the directories and worker settings of job runs.
type RunnerConfig struct {
	OutputDir    string
	LogDir       string
	TransferDir  string
	Threads      int
	WriteToStore bool
	FilePattern  string

	// EmptyWait overrides the pipeline's empty-queue wait; zero keeps
	// its default.
	EmptyWait time.Duration
}

// Runner executes job runs: one pipeline invocation per job with its own
// output directory, log file and archive.
type Runner struct {
	cfg      RunnerConfig
	store    Store
	open     Opener
	clock    clockwork.Clock
	logger   *slog.Logger
	metrics  *observability.Metrics
	notifier Notifier
}

// NewRunner creates a Runner. store serves ingest specifications and file
// lineage lookups; open supplies per-worker connections. notifier may be
// nil.
func NewRunner(cfg RunnerConfig, store Store, open Opener, clock clockwork.Clock, logger *slog.Logger, metrics *observability.Metrics, notifier Notifier) *Runner {
	return &Runner{
		cfg:      cfg,
		store:    store,
		open:     open,
		clock:    clock,
		logger:   logger,
		metrics:  metrics,
		notifier: notifier,
	}
}

// OutputDir returns the working directory of a job run started at start.
func (r *Runner) OutputDir(subType string, start time.Time) string {
	return filepath.Join(r.cfg.OutputDir, strings.ToLower(subType)+"_to_cb", "output", start.UTC().Format("20060102150405"))
}

// ArchivePath returns the tarball a job run is packaged into.
func (r *Runner) ArchivePath(name string, start time.Time) string {
	return filepath.Join(r.cfg.TransferDir, fmt.Sprintf("%s_%d.tar.gz", name, start.Unix()))
}

func logFileName(name string, start time.Time) string {
	return name + "-" + start.UTC().Format("2006-01-02T15:04:05") + ".log"
}

// Run executes one job. passStart names the output directory, log file and
// archive. The returned event reports success when the run's own control
// flow completed; individual unit failures only show in the log.
func (r *Runner) Run(ctx context.Context, job domain.JobDoc, passStart time.Time) domain.JobRunEvent {
	name := job.Name()
	ev := domain.JobRunEvent{
		JobID:     job.ID,
		JobName:   name,
		SubType:   strings.ToLower(job.SubType),
		StartedAt: r.clock.Now().UTC(),
	}
	outDir := r.OutputDir(job.SubType, passStart)

	err := r.run(ctx, job, passStart, outDir, &ev)
	if err != nil {
		ev.Error = err.Error()
		r.logger.Error("job run failed", "job", job.ID, "error", err)
	}
	ev.Success = err == nil
	ev.FinishedAt = r.clock.Now().UTC()

	outcome := "success"
	if !ev.Success {
		outcome = "failure"
	}
	r.metrics.JobRuns.WithLabelValues(ev.SubType, outcome).Inc()
	r.metrics.JobRunDuration.Observe(ev.Duration().Seconds())

	if r.notifier != nil {
		if err := r.notifier.Notify(ctx, ev); err != nil {
			r.logger.Warn("job run notification failed", "job", job.ID, "error", err)
		}
	}
	return ev
}

func (r *Runner) run(ctx context.Context, job domain.JobDoc, passStart time.Time, outDir string, ev *domain.JobRunEvent) (err error) {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	if err := os.MkdirAll(r.cfg.LogDir, 0o755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}

	logName := logFileName(ev.JobName, passStart)
	logPath := filepath.Join(r.cfg.LogDir, logName)
	logFile, err := os.Create(logPath)
	if err != nil {
		return fmt.Errorf("create job log: %w", err)
	}
	jobLogger := slog.New(observability.Fanout(
		r.logger.Handler(),
		slog.NewJSONHandler(logFile, &slog.HandlerOptions{Level: slog.LevelDebug}),
	)).With("job", job.ID)

	jobLogger.Info("processing job", "sub_type", job.SubType, "output_dir", outDir)
	ingestErr := r.ingest(ctx, job, outDir, jobLogger, ev)
	if ingestErr != nil {
		jobLogger.Error("job ingest failed", "error", ingestErr)
	}
	jobLogger.Info("done processing job", "exit_code", exitCode(ingestErr))

	if err := logFile.Close(); err != nil {
		r.logger.Warn("close job log failed", "path", logPath, "error", err)
	}
	if err := os.Rename(logPath, filepath.Join(outDir, logName)); err != nil {
		r.logger.Warn("move job log failed", "path", logPath, "error", err)
	}

	ev.Archive = r.ArchivePath(ev.JobName, passStart)
	if err := Archive(ev.Archive, outDir); err != nil {
		return errors.Join(ingestErr, fmt.Errorf("package output: %w", err))
	}
	r.logger.Info("created tarfile", "path", ev.Archive)
	if err := os.RemoveAll(outDir); err != nil {
		r.logger.Warn("remove output dir failed", "path", outDir, "error", err)
	}
	return ingestErr
}

func exitCode(err error) int {
	if err != nil {
		return 1
	}
	return 0
}

func supportedSubType(subType string) bool {
	return subTypes[strings.TrimSuffix(strings.ToLower(subType), "-test")]
}

func (r *Runner) ingest(ctx context.Context, job domain.JobDoc, outDir string, logger *slog.Logger, ev *domain.JobRunEvent) error {
	if !supportedSubType(job.SubType) {
		return fmt.Errorf("no ingest method for sub type %q", job.SubType)
	}

	specs, err := r.loadSpecs(ctx, job.IngestDocumentIDs)
	if err != nil {
		return err
	}
	items, err := r.workItems(ctx, job, specs, logger)
	if err != nil {
		return err
	}

	subset := job.Subset
	if subset == "" {
		subset = specs[0].Subset
	}
	lj := domain.NewLoadJob(subset, LineageModule, specs[0].BuilderType, uuid.NewString(), strings.Join(job.IngestDocumentIDs, ","))
	lj.Note = "job " + job.ID

	p := pipeline.New(r.connector(outDir), pipeline.Options{Workers: r.cfg.Threads, EmptyWait: r.cfg.EmptyWait}, logger, r.metrics)
	res, err := p.Run(ctx, lj, items)
	ev.Units, ev.Failed, ev.Documents = res.Units, res.Failed, res.Documents
	return err
}

func (r *Runner) loadSpecs(ctx context.Context, ids []string) ([]domain.IngestSpec, error) {
	specs := make([]domain.IngestSpec, 0, len(ids))
	for _, id := range ids {
		doc, err := r.store.Get(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("get ingest spec %s: %w", id, err)
		}
		spec, err := domain.ParseIngestSpec(doc)
		if err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}
	if len(specs) == 0 {
		return nil, errors.New("job has no ingest specifications")
	}
	return specs, nil
}

// workItems expands the job into units: one per input file for file-based
// builders, one per specification otherwise.
func (r *Runner) workItems(ctx context.Context, job domain.JobDoc, specs []domain.IngestSpec, logger *slog.Logger) ([]pipeline.WorkItem, error) {
	var items []pipeline.WorkItem
	for _, spec := range specs {
		if !builder.UsesFiles(spec.BuilderType) {
			items = append(items, pipeline.WorkItem{Spec: spec, Unit: spec.ID})
			continue
		}
		if job.InputDataPath == "" {
			return nil, fmt.Errorf("job %s has no input_data_path for %s", job.ID, spec.ID)
		}
		mask := job.FileMask
		if mask == "" {
			mask = spec.FileMask
		}
		files, err := pipeline.FileList(ctx, r.store, pipeline.FileQuery{Dir: job.InputDataPath, Pattern: r.cfg.FilePattern, Mask: mask})
		if err != nil {
			return nil, err
		}
		logger.Info("found input files", "spec", spec.ID, "dir", job.InputDataPath, "files", len(files))
		for _, f := range files {
			items = append(items, pipeline.WorkItem{Spec: spec, Unit: f})
		}
	}
	return items, nil
}

func (r *Runner) connector(outDir string) pipeline.Connector {
	return func(ctx context.Context, _ int) (*pipeline.Resources, error) {
		c, err := r.open(ctx)
		if err != nil {
			return nil, err
		}
		var sink pipeline.Sink = pipeline.NewFileSink(outDir)
		if r.cfg.WriteToStore {
			sink = pipeline.NewStoreSink(c.Store)
		}
		return &pipeline.Resources{Env: c.Env, Sink: sink, Close: c.Close}, nil
	}
}
