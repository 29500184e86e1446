package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/vxingest/internal/builder"
	"github.com/couchcryptid/vxingest/internal/domain"
	"github.com/couchcryptid/vxingest/internal/observability"
)

// --- mocks ---

type recordingBuilder struct {
	mu      sync.Mutex
	counts  map[string]int
	flushed map[string]error
}

func (b *recordingBuilder) Flushed(unit string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.flushed == nil {
		b.flushed = map[string]error{}
	}
	b.flushed[unit] = err
}

func (b *recordingBuilder) Build(_ context.Context, unit string) (domain.DocumentMap, error) {
	b.mu.Lock()
	b.counts[unit]++
	b.mu.Unlock()

	switch unit {
	case "bad":
		return nil, errors.New("malformed input")
	case "panic":
		panic("index out of range")
	case "nothing":
		return domain.DocumentMap{}, nil
	}
	docs := domain.DocumentMap{}
	docs.Put("DD:V01:METAR:obs:"+unit, domain.Document{"type": "DD"})
	docs.Put("DF:METAR:netcdf:madis:"+unit, domain.Document{"type": "DF"})
	return docs, nil
}

func (b *recordingBuilder) dispatched() map[string]int {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]int, len(b.counts))
	for k, v := range b.counts {
		out[k] = v
	}
	return out
}

type fakeResolver struct {
	b *recordingBuilder
}

func (r fakeResolver) Resolve(spec domain.IngestSpec) (builder.Builder, error) {
	if spec.BuilderType == "" {
		return nil, domain.ErrUnknownBuilder
	}
	return r.b, nil
}

type memorySink struct {
	mu    sync.Mutex
	units map[string][]string
}

func newMemorySink() *memorySink { return &memorySink{units: map[string][]string{}} }

func (s *memorySink) Kind() string { return "memory" }

func (s *memorySink) Flush(_ context.Context, unit string, docs domain.DocumentMap) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.units[unit] = append(s.units[unit], docs.IDs()...)
	return len(docs), nil
}

type failingSink struct{ err error }

func (s failingSink) Kind() string { return "failing" }

func (s failingSink) Flush(context.Context, string, domain.DocumentMap) (int, error) {
	return 0, s.err
}

type memoryUpserter struct {
	calls [][]string
	err   error
}

func (u *memoryUpserter) Upsert(_ context.Context, docs []domain.Document) error {
	if u.err != nil {
		return u.err
	}
	ids := make([]string, len(docs))
	for i, d := range docs {
		ids[i] = d.ID()
	}
	u.calls = append(u.calls, ids)
	return nil
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

var testSpec = domain.IngestSpec{ID: "MD:V01:METAR:obs:ingest:netcdf", BuilderType: builder.TypeNetcdfObs, Subset: "METAR"}

func testLoadJob() domain.LoadJob {
	return domain.LoadJob{ID: "LJ:METAR:vxingest.pipeline:NetcdfMetarObsBuilderV01:1700000000", Subset: "METAR"}
}

func items(units ...string) []WorkItem {
	out := make([]WorkItem, len(units))
	for i, u := range units {
		out[i] = WorkItem{Spec: testSpec, Unit: u}
	}
	return out
}

func newTestPipeline(t *testing.T, workers int, sink Sink) (*Pipeline, *recordingBuilder, *observability.Metrics, *int) {
	t.Helper()
	b := &recordingBuilder{counts: map[string]int{}}
	var mu sync.Mutex
	connects := 0
	connect := func(_ context.Context, _ int) (*Resources, error) {
		mu.Lock()
		connects++
		mu.Unlock()
		return &Resources{Sink: sink}, nil
	}
	metrics := observability.NewMetricsForTesting()
	p := New(connect, Options{Workers: workers, EmptyWait: -1}, discard(), metrics)
	p.newResolver = func(builder.Env) Resolver { return fakeResolver{b: b} }
	return p, b, metrics, &connects
}

// --- tests ---

func TestQueue(t *testing.T) {
	src := items("a", "b")
	q := NewQueue(src...)
	src[0].Unit = "changed"

	assert.Equal(t, 2, q.Len())
	got, ok := q.TryPop()
	require.True(t, ok)
	assert.Equal(t, "a", got.Unit)
	got, ok = q.TryPop()
	require.True(t, ok)
	assert.Equal(t, "b", got.Unit)
	_, ok = q.TryPop()
	assert.False(t, ok)
	assert.Zero(t, q.Len())
}

func TestPipeline_Run_EmptyQueue(t *testing.T) {
	sink := newMemorySink()
	p, b, metrics, connects := newTestPipeline(t, 3, sink)

	res, err := p.Run(context.Background(), testLoadJob(), nil)
	require.NoError(t, err)

	assert.Equal(t, Result{}, res)
	assert.Empty(t, b.dispatched())
	assert.Equal(t, 3, *connects)
	assert.InDelta(t, 3*4, testutil.ToFloat64(metrics.QueueEmptyPolls), 0, "each worker polls once plus three retries")
	assert.Equal(t, map[string][]string{testLoadJob().ID: {testLoadJob().ID}}, sink.units, "load job is still recorded")
}

func TestPipeline_Run_SingleItemManyWorkers(t *testing.T) {
	sink := newMemorySink()
	p, b, _, _ := newTestPipeline(t, 4, sink)

	res, err := p.Run(context.Background(), testLoadJob(), items("20240426_1500.nc"))
	require.NoError(t, err)

	assert.Equal(t, map[string]int{"20240426_1500.nc": 1}, b.dispatched())
	assert.Equal(t, Result{Units: 1, Documents: 2}, res)
}

func TestPipeline_Run_DispatchesEveryItemOnce(t *testing.T) {
	units := make([]string, 50)
	for i := range units {
		units[i] = fmt.Sprintf("unit-%02d", i)
	}
	sink := newMemorySink()
	p, b, metrics, _ := newTestPipeline(t, 4, sink)

	res, err := p.Run(context.Background(), testLoadJob(), items(units...))
	require.NoError(t, err)

	got := b.dispatched()
	require.Len(t, got, len(units))
	for _, u := range units {
		assert.Equal(t, 1, got[u], u)
	}
	assert.Equal(t, 50, res.Units)
	assert.Equal(t, 100, res.Documents)
	assert.InDelta(t, 50, testutil.ToFloat64(metrics.UnitsProcessed.WithLabelValues("success")), 0)
	assert.InDelta(t, 0, testutil.ToFloat64(metrics.WorkersActive), 0)
}

func TestPipeline_Run_UnitFailuresDoNotStopWorker(t *testing.T) {
	sink := newMemorySink()
	p, b, metrics, _ := newTestPipeline(t, 1, sink)

	work := items("bad", "panic", "nothing", "good")
	work = append(work, WorkItem{Spec: domain.IngestSpec{ID: "MD:unknown"}, Unit: "unresolved"})

	res, err := p.Run(context.Background(), testLoadJob(), work)
	require.NoError(t, err)

	assert.Equal(t, Result{Units: 5, Failed: 3, Documents: 2}, res)
	assert.Equal(t, map[string]int{"bad": 1, "panic": 1, "nothing": 1, "good": 1}, b.dispatched())
	assert.Contains(t, sink.units, "good")
	assert.NotContains(t, sink.units, "nothing", "empty units write nothing")
	assert.InDelta(t, 3, testutil.ToFloat64(metrics.UnitsProcessed.WithLabelValues("error")), 0)
}

func TestPipeline_Run_ReportsFlushOutcomeToBuilder(t *testing.T) {
	p, b, _, _ := newTestPipeline(t, 1, newMemorySink())
	_, err := p.Run(context.Background(), testLoadJob(), items("good", "nothing"))
	require.NoError(t, err)
	assert.Equal(t, map[string]error{"good": nil}, b.flushed, "empty units are not flushed")

	down := errors.New("store unavailable")
	p, b, _, _ = newTestPipeline(t, 1, failingSink{err: down})
	res, err := p.Run(context.Background(), testLoadJob(), items("good"))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	require.Contains(t, b.flushed, "good")
	assert.ErrorIs(t, b.flushed["good"], down)
}

func TestPipeline_Run_ConnectError(t *testing.T) {
	connect := func(_ context.Context, worker int) (*Resources, error) {
		return nil, errors.New("connection refused")
	}
	p := New(connect, Options{Workers: 2, EmptyWait: -1}, discard(), observability.NewMetricsForTesting())

	_, err := p.Run(context.Background(), testLoadJob(), items("a"))
	require.ErrorContains(t, err, "connection refused")
}

func TestPipeline_Run_ClosesResources(t *testing.T) {
	var mu sync.Mutex
	closed := 0
	connect := func(_ context.Context, _ int) (*Resources, error) {
		return &Resources{Sink: newMemorySink(), Close: func() error {
			mu.Lock()
			closed++
			mu.Unlock()
			return nil
		}}, nil
	}
	p := New(connect, Options{Workers: 3, EmptyWait: -1}, discard(), observability.NewMetricsForTesting())
	p.newResolver = func(builder.Env) Resolver { return fakeResolver{b: &recordingBuilder{counts: map[string]int{}}} }

	_, err := p.Run(context.Background(), testLoadJob(), items("a", "b"))
	require.NoError(t, err)
	assert.Equal(t, 3, closed)
}

func TestPipeline_Run_PassesLoadJobToBuilders(t *testing.T) {
	var mu sync.Mutex
	var envs []builder.Env
	p, _, _, _ := newTestPipeline(t, 2, newMemorySink())
	inner := p.newResolver
	p.newResolver = func(env builder.Env) Resolver {
		mu.Lock()
		envs = append(envs, env)
		mu.Unlock()
		return inner(env)
	}

	_, err := p.Run(context.Background(), testLoadJob(), items("a"))
	require.NoError(t, err)
	require.Len(t, envs, 2)
	for _, env := range envs {
		assert.Equal(t, testLoadJob().ID, env.LoadJobID)
		assert.NotNil(t, env.Logger)
	}
}

func TestPipeline_Run_CancelledContext(t *testing.T) {
	p, b, _, _ := newTestPipeline(t, 2, newMemorySink())
	p.opts.EmptyWait = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.Run(ctx, testLoadJob(), items("a", "b"))
	require.NoError(t, err)
	assert.Empty(t, b.dispatched())
}

func TestStoreSink_Flush(t *testing.T) {
	up := &memoryUpserter{}
	docs := domain.DocumentMap{}
	docs.Put("DD:V01:METAR:obs:1", domain.Document{})
	docs.Put("MD:V01:METAR:station:KDEN", domain.Document{})
	docs.Put("DD:V01:METAR:obs:2", domain.Document{})
	docs.Put("DF:METAR:netcdf:madis:f.nc", domain.Document{})

	n, err := NewStoreSink(up).Flush(context.Background(), "f.nc", docs)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, [][]string{
		{"DD:V01:METAR:obs:1", "DD:V01:METAR:obs:2"},
		{"DF:METAR:netcdf:madis:f.nc"},
		{"MD:V01:METAR:station:KDEN"},
	}, up.calls)
}

func TestStoreSink_FlushError(t *testing.T) {
	up := &memoryUpserter{err: errors.New("breaker open")}
	docs := domain.DocumentMap{}
	docs.Put("DD:1", domain.Document{})

	_, err := NewStoreSink(up).Flush(context.Background(), "f.nc", docs)
	require.ErrorContains(t, err, "breaker open")
}

func TestFileSink_Flush(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out")
	sink := NewFileSink(dir)
	docs := domain.DocumentMap{}
	docs.Put("DD:V01:METAR:obs:200", domain.Document{"fcstValidEpoch": 200})
	docs.Put("DD:V01:METAR:obs:100", domain.Document{"fcstValidEpoch": 100})

	n, err := sink.Flush(context.Background(), "/data/madis/20240426_1500.nc", docs)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	path := filepath.Join(dir, "20240426_1500.nc.json")
	assert.Equal(t, path, sink.Path("/data/madis/20240426_1500.nc"))
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var got []map[string]any
	require.NoError(t, json.Unmarshal(data, &got))
	require.Len(t, got, 2)
	assert.Equal(t, "DD:V01:METAR:obs:100", got[0]["id"])
	assert.Equal(t, "DD:V01:METAR:obs:200", got[1]["id"])

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}

func TestPipeline_Run_FileSinkWritesLoadJob(t *testing.T) {
	dir := t.TempDir()
	p, _, _, _ := newTestPipeline(t, 2, NewFileSink(dir))

	_, err := p.Run(context.Background(), testLoadJob(), items("20240426_1500.nc"))
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, testLoadJob().ID+".json"))
	require.NoError(t, err)
	var got []map[string]any
	require.NoError(t, json.Unmarshal(data, &got))
	require.Len(t, got, 1)
	assert.Equal(t, "LJ", got[0]["type"])
	assert.FileExists(t, filepath.Join(dir, "20240426_1500.nc.json"))
}
