package scheduler

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/vxingest/internal/builder"
	"github.com/couchcryptid/vxingest/internal/domain"
	"github.com/couchcryptid/vxingest/internal/observability"
)

// --- mocks ---

type fakeStore struct {
	mu      sync.Mutex
	docs    map[string]domain.Document
	queries map[string][]domain.Document
	err     error
}

func (s *fakeStore) Get(_ context.Context, id string) (domain.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, domain.ErrNotFound)
	}
	return d.Clone(), nil
}

func (s *fakeStore) Query(_ context.Context, stmt string, _ ...any) ([]domain.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return s.queries[stmt], nil
}

type fakeRows struct {
	rows []builder.Row
}

func (f *fakeRows) Rows(context.Context, string) iter.Seq2[builder.Row, error] {
	return func(yield func(builder.Row, error) bool) {
		for _, r := range f.rows {
			if !yield(r, nil) {
				return
			}
		}
	}
}

type recordingUpserter struct {
	mu   sync.Mutex
	docs []domain.Document
}

func (u *recordingUpserter) Upsert(_ context.Context, docs []domain.Document) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.docs = append(u.docs, docs...)
	return nil
}

func (u *recordingUpserter) ids() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]string, len(u.docs))
	for i, d := range u.docs {
		out[i] = d.ID()
	}
	sort.Strings(out)
	return out
}

type recordingNotifier struct {
	events []domain.JobRunEvent
	err    error
}

func (n *recordingNotifier) Notify(_ context.Context, ev domain.JobRunEvent) error {
	n.events = append(n.events, ev)
	return n.err
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

const sqlSpecID = "MD:V01:METAR:obs:ingest:sql"

var passStart = time.Date(2024, 4, 26, 15, 10, 0, 0, time.UTC)

func sqlSpecDoc() domain.Document {
	return domain.Document{
		"id":           sqlSpecID,
		"type":         "MD",
		"docType":      "ingest",
		"builder_type": builder.TypeSQLObs,
		"subset":       "METAR",
		"statement":    "SELECT station, time, val FROM obs ORDER BY time",
		"template": map[string]any{
			"id":   "DD:*time",
			"data": map[string]any{"*station": map[string]any{"val": "*val"}},
		},
	}
}

func jobDoc(id, schedule string, offset, priority int) domain.Document {
	return domain.Document{
		"id":                  id,
		"type":                "JOB",
		"version":             "V01",
		"status":              "active",
		"schedule":            schedule,
		"offset_minutes":      offset,
		"run_priority":        priority,
		"subType":             "SQL",
		"ingest_document_ids": []any{sqlSpecID},
	}
}

func tabularRows() []builder.Row {
	return []builder.Row{
		{"station": "A", "time": int64(100), "val": int64(5)},
		{"station": "B", "time": int64(100), "val": int64(7)},
		{"station": "A", "time": int64(200), "val": int64(9)},
	}
}

type harness struct {
	store    *fakeStore
	upserter *recordingUpserter
	notifier *recordingNotifier
	metrics  *observability.Metrics
	clock    *clockwork.FakeClock
	cfg      RunnerConfig
	root     string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	root := t.TempDir()
	return &harness{
		store:    &fakeStore{docs: map[string]domain.Document{sqlSpecID: sqlSpecDoc()}, queries: map[string][]domain.Document{}},
		upserter: &recordingUpserter{},
		notifier: &recordingNotifier{},
		metrics:  observability.NewMetricsForTesting(),
		clock:    clockwork.NewFakeClockAt(passStart),
		cfg: RunnerConfig{
			OutputDir:   filepath.Join(root, "output"),
			LogDir:      filepath.Join(root, "logs"),
			TransferDir: filepath.Join(root, "transfer"),
			Threads:     2,
			EmptyWait:   -1,
		},
		root: root,
	}
}

func (h *harness) runner() *Runner {
	open := func(context.Context) (*Connections, error) {
		return &Connections{
			Env:   builder.Env{Store: h.store, Rows: &fakeRows{rows: tabularRows()}},
			Store: h.upserter,
		}, nil
	}
	return NewRunner(h.cfg, h.store, open, h.clock, discard(), h.metrics, h.notifier)
}

func readArchive(t *testing.T, path string) map[string][]byte {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	gz, err := gzip.NewReader(f)
	require.NoError(t, err)
	tr := tar.NewReader(gz)

	entries := map[string][]byte{}
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		data, err := io.ReadAll(tr)
		require.NoError(t, err)
		entries[hdr.Name] = data
	}
	return entries
}

// --- selection ---

func TestSelector_Due(t *testing.T) {
	store := &fakeStore{queries: map[string][]domain.Document{activeJobsQuery: {
		jobDoc("JOB:V01:late", "* * * * *", 10, 1),
		jobDoc("JOB:V01:low", "* * * * *", 0, 5),
		jobDoc("JOB:V01:high", "* * * * *", 0, 1),
		jobDoc("JOB:V01:yearly", "0 0 1 1 *", 0, 0),
		jobDoc("JOB:V01:broken", "whenever", 0, 0),
		{"id": "JOB:V01:invalid"},
	}}}

	sel := NewSelector(store, clockwork.NewFakeClockAt(passStart), false, discard())
	jobs, err := sel.Due(context.Background())
	require.NoError(t, err)

	ids := make([]string, len(jobs))
	for i, j := range jobs {
		ids[i] = j.ID
	}
	assert.Equal(t, []string{"JOB:V01:high", "JOB:V01:low", "JOB:V01:late"}, ids)
}

func TestSelector_IgnoreSchedule(t *testing.T) {
	store := &fakeStore{queries: map[string][]domain.Document{activeJobsQuery: {
		jobDoc("JOB:V01:yearly", "0 0 1 1 *", 0, 0),
		jobDoc("JOB:V01:broken", "whenever", 0, 0),
	}}}

	sel := NewSelector(store, clockwork.NewFakeClockAt(passStart), true, discard())
	jobs, err := sel.Due(context.Background())
	require.NoError(t, err)
	assert.Len(t, jobs, 2)
}

func TestSelector_QueryError(t *testing.T) {
	sel := NewSelector(&fakeStore{err: domain.ErrQueryTimeout}, clockwork.NewFakeClock(), false, discard())
	_, err := sel.Due(context.Background())
	require.ErrorIs(t, err, domain.ErrQueryTimeout)
}

func TestSelector_ByID(t *testing.T) {
	inactive := jobDoc("JOB:V01:off", "* * * * *", 0, 0)
	inactive["status"] = "retired"
	store := &fakeStore{docs: map[string]domain.Document{
		"JOB:V01:on":  jobDoc("JOB:V01:on", "0 0 1 1 *", 0, 0),
		"JOB:V01:off": inactive,
	}}
	sel := NewSelector(store, clockwork.NewFakeClockAt(passStart), false, discard())

	jobs, err := sel.ByID(context.Background(), "JOB:V01:on")
	require.NoError(t, err)
	require.Len(t, jobs, 1, "schedule is ignored for an explicit id")

	jobs, err = sel.ByID(context.Background(), "JOB:V01:off")
	require.NoError(t, err)
	assert.Empty(t, jobs)

	_, err = sel.ByID(context.Background(), "JOB:V01:missing")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

// --- archive ---

func TestArchive(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "20240426151000")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "nested"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.json"), []byte("[]"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "nested", "b.log"), []byte("log"), 0o644))

	dest := filepath.Join(t.TempDir(), "transfer", "job_1714144200.tar.gz")
	require.NoError(t, Archive(dest, dir))

	entries := readArchive(t, dest)
	assert.Equal(t, []byte("[]"), entries["20240426151000/a.json"])
	assert.Equal(t, []byte("log"), entries["20240426151000/nested/b.log"])
	assert.Contains(t, entries, "20240426151000/")
	assert.Contains(t, entries, "20240426151000/nested/")
}

func TestArchive_MissingDir(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "out.tar.gz")
	require.Error(t, Archive(dest, filepath.Join(t.TempDir(), "missing")))
	assert.NoFileExists(t, dest)
}

// --- job runs ---

func TestRunner_Run_WritesFilesAndPackages(t *testing.T) {
	h := newHarness(t)
	job, err := domain.ParseJobDoc(jobDoc("JOB:V01:METAR:sql_obs", "* * * * *", 0, 0))
	require.NoError(t, err)

	ev := h.runner().Run(context.Background(), job, passStart)

	require.True(t, ev.Success, ev.Error)
	assert.Equal(t, "JOB_V01_METAR_sql__obs", ev.JobName)
	assert.Equal(t, "sql", ev.SubType)
	assert.Equal(t, 1, ev.Units)
	assert.Zero(t, ev.Failed)
	assert.Equal(t, 2, ev.Documents)
	assert.Equal(t, filepath.Join(h.cfg.TransferDir, "JOB_V01_METAR_sql__obs_1714144200.tar.gz"), ev.Archive)

	outDir := filepath.Join(h.cfg.OutputDir, "sql_to_cb", "output", "20240426151000")
	assert.NoDirExists(t, outDir, "working dir is removed after packaging")

	entries := readArchive(t, ev.Archive)
	var names []string
	for name := range entries {
		names = append(names, name)
	}
	sort.Strings(names)
	require.Len(t, names, 4, names)
	assert.Equal(t, "20240426151000/", names[0])
	assert.True(t, strings.HasPrefix(names[1], "20240426151000/JOB_V01_METAR_sql__obs-2024-04-26T15:10:00.log"))
	assert.True(t, strings.HasPrefix(names[2], "20240426151000/LJ:METAR:vxingest.scheduler:SqlObsBuilderV01:"))
	assert.Equal(t, "20240426151000/"+sqlSpecID+".json", names[3])

	var docs []map[string]any
	require.NoError(t, json.Unmarshal(entries[names[3]], &docs))
	require.Len(t, docs, 2)
	assert.Equal(t, "DD:100", docs[0]["id"])
	assert.Equal(t, map[string]any{"A": map[string]any{"val": 5.0}, "B": map[string]any{"val": 7.0}}, docs[0]["data"])
	assert.Equal(t, "DD:200", docs[1]["id"])
	assert.Equal(t, map[string]any{"A": map[string]any{"val": 9.0}}, docs[1]["data"])

	assert.Contains(t, string(entries[names[1]]), "processing job")
	assert.Empty(t, h.upserter.ids(), "file output never touches the store")
	require.Len(t, h.notifier.events, 1)
	assert.Equal(t, ev, h.notifier.events[0])
	assert.InDelta(t, 1, testutil.ToFloat64(h.metrics.JobRuns.WithLabelValues("sql", "success")), 0)
}

func TestRunner_Run_WriteToStore(t *testing.T) {
	h := newHarness(t)
	h.cfg.WriteToStore = true
	job, err := domain.ParseJobDoc(jobDoc("JOB:V01:METAR:sql", "* * * * *", 0, 0))
	require.NoError(t, err)

	ev := h.runner().Run(context.Background(), job, passStart)
	require.True(t, ev.Success, ev.Error)

	ids := h.upserter.ids()
	require.Len(t, ids, 3)
	assert.Equal(t, []string{"DD:100", "DD:200"}, ids[:2])
	assert.True(t, strings.HasPrefix(ids[2], "LJ:METAR:"))

	entries := readArchive(t, ev.Archive)
	for name := range entries {
		assert.False(t, strings.HasSuffix(name, ".json"), "store output writes no files: %s", name)
	}
}

func TestRunner_Run_Failures(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(domain.Document)
		wantErr string
	}{
		{
			name:    "unknown sub type",
			mutate:  func(d domain.Document) { d["subType"] = "PREPBUFR" },
			wantErr: "no ingest method",
		},
		{
			name:    "missing ingest spec",
			mutate:  func(d domain.Document) { d["ingest_document_ids"] = []any{"MD:V01:missing"} },
			wantErr: "document not found",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			doc := jobDoc("JOB:V01:METAR:bad", "* * * * *", 0, 0)
			tt.mutate(doc)
			job, err := domain.ParseJobDoc(doc)
			require.NoError(t, err)

			ev := h.runner().Run(context.Background(), job, passStart)

			assert.False(t, ev.Success)
			assert.Contains(t, ev.Error, tt.wantErr)
			assert.FileExists(t, ev.Archive, "failed runs are still packaged with their log")
			require.Len(t, h.notifier.events, 1)
			assert.False(t, h.notifier.events[0].Success)
		})
	}
}

func TestRunner_Run_NotifyErrorIsNotFatal(t *testing.T) {
	h := newHarness(t)
	h.notifier.err = errors.New("broker unavailable")
	job, err := domain.ParseJobDoc(jobDoc("JOB:V01:METAR:sql", "* * * * *", 0, 0))
	require.NoError(t, err)

	ev := h.runner().Run(context.Background(), job, passStart)
	assert.True(t, ev.Success, ev.Error)
}

// --- passes ---

func TestScheduler_RunPass(t *testing.T) {
	h := newHarness(t)
	h.store.queries[activeJobsQuery] = []domain.Document{
		jobDoc("JOB:V01:METAR:sql", "* * * * *", 0, 0),
		jobDoc("JOB:V01:METAR:yearly", "0 0 1 1 *", 0, 0),
	}
	bad := jobDoc("JOB:V01:METAR:bad", "* * * * *", 5, 0)
	bad["subType"] = "PREPBUFR"
	h.store.queries[activeJobsQuery] = append(h.store.queries[activeJobsQuery], bad)

	metricsDir := filepath.Join(h.root, "metrics")
	s := New(
		NewSelector(h.store, h.clock, false, discard()),
		h.runner(),
		observability.NewRunMetrics("ingest1"),
		metricsDir,
		h.clock,
		discard(),
		h.metrics,
	)

	require.Error(t, s.CheckReadiness(context.Background()))
	assert.Nil(t, s.Status())

	sum, err := s.RunPass(context.Background(), "")
	require.NoError(t, err)

	assert.Equal(t, 1, sum.Succeeded)
	assert.Equal(t, 1, sum.Failed)
	require.Len(t, sum.Runs, 2)
	assert.Equal(t, "JOB:V01:METAR:sql", sum.Runs[0].JobID)
	assert.Equal(t, "JOB:V01:METAR:bad", sum.Runs[1].JobID)

	require.NoError(t, s.CheckReadiness(context.Background()))
	assert.Equal(t, &sum, s.Status())
	assert.InDelta(t, 1, testutil.ToFloat64(h.metrics.SchedulerPasses), 0)
	assert.InDelta(t, 0, testutil.ToFloat64(h.metrics.SchedulerRunning), 0)

	data, err := os.ReadFile(filepath.Join(metricsDir, observability.RunMetricsFile))
	require.NoError(t, err)
	assert.Contains(t, string(data), `run_ingest_success_count{host="ingest1",job="JOB_V01_METAR_sql"} 1`)
	assert.Contains(t, string(data), `run_ingest_failure_count{host="ingest1",job="JOB_V01_METAR_bad"} 1`)
}

func TestScheduler_RunPass_SingleJob(t *testing.T) {
	h := newHarness(t)
	h.store.docs["JOB:V01:METAR:yearly"] = jobDoc("JOB:V01:METAR:yearly", "0 0 1 1 *", 0, 0)

	s := New(
		NewSelector(h.store, h.clock, false, discard()),
		h.runner(),
		observability.NewRunMetrics("ingest1"),
		filepath.Join(h.root, "metrics"),
		h.clock,
		discard(),
		h.metrics,
	)
	sum, err := s.RunPass(context.Background(), "JOB:V01:METAR:yearly")
	require.NoError(t, err)
	require.Len(t, sum.Runs, 1)
	assert.True(t, sum.Runs[0].Success, sum.Runs[0].Error)
}

func TestScheduler_RunPass_SelectionError(t *testing.T) {
	h := newHarness(t)
	h.store.err = errors.New("connection reset")
	s := New(
		NewSelector(h.store, h.clock, false, discard()),
		h.runner(),
		observability.NewRunMetrics("ingest1"),
		filepath.Join(h.root, "metrics"),
		h.clock,
		discard(),
		h.metrics,
	)
	_, err := s.RunPass(context.Background(), "")
	require.ErrorContains(t, err, "connection reset")
	require.Error(t, s.CheckReadiness(context.Background()))
}
