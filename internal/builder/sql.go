package builder

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"math"
	"strconv"
	"strings"

	"github.com/couchcryptid/vxingest/internal/domain"
	"github.com/couchcryptid/vxingest/internal/template"
)

// Statement placeholders replaced before a relational statement runs.
const (
	firstEpochPlaceholder = "{first_epoch}"
	lastEpochPlaceholder  = "{last_epoch}"
)

const stationMatchTolerance = 0.05

// sqlBuilder builds documents from a relational result set. Rows are
// collated into one document per batch key; the upstream statement must
// order rows by that key.
type sqlBuilder struct {
	spec   domain.IngestSpec
	env    Env
	logger *slog.Logger
	interp *template.Interpreter

	batchTime int64
	stations  []*domain.Station
}

func newSQLBuilder(spec domain.IngestSpec, env Env) (Builder, error) {
	if env.Rows == nil {
		return nil, fmt.Errorf("no relational source configured")
	}
	if strings.TrimSpace(spec.Statement) == "" {
		return nil, fmt.Errorf("ingest spec %s has no statement", spec.ID)
	}
	b := &sqlBuilder{
		spec:   spec,
		env:    env,
		logger: env.Logger.With("builder", TypeSQLObs, "spec", spec.ID),
	}
	b.interp = template.New(b.funcs(), b.logger)
	return b, nil
}

func (b *sqlBuilder) funcs() template.Funcs {
	return epochFuncs(func(template.Source) (int64, error) { return b.batchTime, nil }).Merge(template.Funcs{
		"to_float": func(_ template.Source, p template.Params) (any, error) {
			v, ok := firstFloat(p)
			if !ok {
				return nil, nil
			}
			return v, nil
		},
		"to_int": func(_ template.Source, p template.Params) (any, error) {
			v, ok := firstFloat(p)
			if !ok {
				return nil, nil
			}
			return int64(v), nil
		},
		"get_name": b.getName,
	})
}

// Build runs the statement and returns one document per batch.
func (b *sqlBuilder) Build(ctx context.Context, _ string) (domain.DocumentMap, error) {
	dm := domain.DocumentMap{}
	stmt := b.statement()

	var (
		batch []Row
		key   string
	)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		b.interp.Emit(dm, b.spec.Template, template.MapSource(batch[0]), rowEntries(batch))
		batch = nil
	}
	for row, err := range b.env.Rows.Rows(ctx, stmt) {
		if err != nil {
			return nil, fmt.Errorf("read rows: %w", err)
		}
		k, t, err := b.batchKey(row)
		if err != nil {
			b.logger.Warn("row skipped", "error", err)
			continue
		}
		if len(batch) > 0 && k != key {
			flush()
		}
		key = k
		b.batchTime = t
		batch = append(batch, row)
	}
	flush()
	return dm, nil
}

func (b *sqlBuilder) statement() string {
	r := strings.NewReplacer(
		firstEpochPlaceholder, strconv.FormatInt(b.env.FirstEpoch, 10),
		lastEpochPlaceholder, strconv.FormatInt(b.env.lastEpoch(), 10),
	)
	return r.Replace(b.spec.Statement)
}

// batchKey joins the row's batch-key columns. The "time" column is first
// snapped to the ingest specification's cadence.
func (b *sqlBuilder) batchKey(row Row) (string, int64, error) {
	cols := b.spec.BatchKey
	if len(cols) == 0 {
		cols = []string{"time"}
	}
	var (
		parts []string
		t     int64
	)
	for _, c := range cols {
		v, ok := row[c]
		if !ok {
			return "", 0, fmt.Errorf("batch column %q: %w", c, domain.ErrFieldNotFound)
		}
		if c == "time" {
			raw, ok := domain.AsInt64(v)
			if !ok {
				return "", 0, fmt.Errorf("batch column time: %w", domain.ErrTypeMismatch)
			}
			t = InterpolateTime(raw, b.spec.ValidTimeInterval, b.spec.ValidTimeDelta)
			parts = append(parts, strconv.FormatInt(t, 10))
			continue
		}
		parts = append(parts, domain.FormatValue(v))
	}
	return strings.Join(parts, "|"), t, nil
}

// getName finds the station at the row's lat/lon.
func (b *sqlBuilder) getName(_ template.Source, p template.Params) (any, error) {
	lat, okLat := p.Float("lat")
	lon, okLon := p.Float("lon")
	if !okLat || !okLon {
		return nil, fmt.Errorf("get_name needs lat and lon: %w", domain.ErrTypeMismatch)
	}
	if b.stations == nil {
		stations, err := loadStations(context.Background(), b.env.Store, b.spec.Subset)
		if err != nil {
			return nil, err
		}
		b.stations = stations
	}
	for _, s := range b.stations {
		for _, g := range s.Geo {
			if math.Abs(g.Lat-lat) <= stationMatchTolerance && math.Abs(g.Lon-lon) <= stationMatchTolerance {
				return s.Name, nil
			}
		}
	}
	return nil, nil
}

// InterpolateTime snaps t to the cadence: times within delta after a
// cadence boundary round down, later ones round up. A zero cadence leaves
// t unchanged.
func InterpolateTime(t, cadence, delta int64) int64 {
	if cadence <= 0 {
		return t
	}
	rem := t % cadence
	if rem < delta {
		return t - rem
	}
	return t - rem + cadence
}

func rowEntries(rows []Row) iter.Seq[template.Source] {
	return func(yield func(template.Source) bool) {
		for _, r := range rows {
			if !yield(template.MapSource(r)) {
				return
			}
		}
	}
}
