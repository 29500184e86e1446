package builder

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"math"
	"path/filepath"
	"strings"
	"time"

	"github.com/couchcryptid/vxingest/internal/domain"
	"github.com/couchcryptid/vxingest/internal/template"
)

// Observation variables read for station reconciliation.
const (
	varStationName  = "stationName"
	varLocationName = "locationName"
	varLatitude     = "latitude"
	varLongitude    = "longitude"
	varElevation    = "elevation"
)

const (
	obsFileType       = "netcdf"
	obsOriginType     = "madis"
	obsDataSource     = "madis3"
	reportedTimeField = "Reported Time"
	defaultTimeDelta  = 1800
	coordDecimals     = 5
)

var (
	ceilingCovers = []string{"BKN", "OVC", "VV"}
	clearCovers   = []string{"CLR", "SKC", "NSC", "FEW", "SCT"}
)

// netcdfBuilder builds one observation document per station-observation
// file and reconciles the file's stations with the station metadata.
type netcdfBuilder struct {
	spec   domain.IngestSpec
	env    Env
	logger *slog.Logger
	interp *template.Interpreter

	stations map[string]*domain.Station
	// unflushed holds the state before the current unit of every station
	// the unit created (nil) or moved.
	unflushed map[string]*domain.Station

	// per-unit state
	path       string
	validEpoch int64
}

func newNetcdfBuilder(spec domain.IngestSpec, env Env) (Builder, error) {
	if env.Obs == nil {
		return nil, errors.New("no observation decoder configured")
	}
	if spec.FileMask == "" {
		return nil, fmt.Errorf("ingest spec %s has no file mask", spec.ID)
	}
	b := &netcdfBuilder{
		spec:   spec,
		env:    env,
		logger: env.Logger.With("builder", TypeNetcdfObs, "spec", spec.ID),
	}
	b.interp = template.New(b.funcs(), b.logger,
		template.WithEntryName("name"),
		template.WithMerge(closestReport))
	return b, nil
}

func (b *netcdfBuilder) funcs() template.Funcs {
	return template.Funcs{
		"meterspersecond_to_milesperhour": scaled(msToMph),
		"kelvin_to_fahrenheit":            kelvinToFahrenheitFunc,
		"ceiling_transform":               ceilingTransform,
		"handle_visibility":               scaled(1 / metresPerMile),
		"handle_pressure":                 scaled(1 / pascalsPerMillibar),
		"handle_rh":                       handleRH,
		"handle_wind_dir_u":               windComponent(func(u, _ float64) float64 { return u }),
		"handle_wind_dir_v":               windComponent(func(_, v float64) float64 { return v }),
		"handle_station":                  handleStation,
		"derive_valid_time_epoch":         b.deriveValidTimeEpoch,
		"derive_valid_time_iso":           b.deriveValidTimeISO,
		"interpolate_time":                b.interpolateTime,
		"interpolate_time_iso":            b.interpolateTimeISO,
		"retrieve_from_netcdf":            scaled(1),
	}
}

// Build decodes the file at path. The result holds the observation
// document, every station created or moved by the file, and the data-file
// document.
func (b *netcdfBuilder) Build(ctx context.Context, path string) (domain.DocumentMap, error) {
	ds, err := b.env.Obs.OpenObs(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer func() {
		if err := ds.Close(); err != nil {
			b.logger.Warn("close dataset", "path", path, "error", err)
		}
		b.path = ""
	}()

	b.path = path
	b.unflushed = nil
	valid, err := b.fileTime(b.spec.FileMask)
	if err != nil {
		return nil, fmt.Errorf("%s: valid time: %w", path, err)
	}
	b.validEpoch = valid.Unix()

	dm := domain.DocumentMap{}
	if ds.Records() == 0 {
		b.logger.Info("no records", "path", path)
		return dm, nil
	}
	if err := b.loadStations(ctx); err != nil {
		return nil, err
	}
	staged := b.reconcileStations(ds)

	b.interp.Emit(dm, b.spec.Template, obsRecord{ds: ds, rec: 0}, records(ds))
	dm.Merge(staged)

	df := domain.DataFile{
		Path:         path,
		Subset:       b.spec.Subset,
		FileType:     obsFileType,
		OriginType:   obsOriginType,
		LoadJobID:    b.env.LoadJobID,
		DataSourceID: obsDataSource,
	}
	if df, err = domain.StatDataFile(df); err != nil {
		b.logger.Warn("stat data file", "path", path, "error", err)
	}
	dm.Put(df.ID(), df.Document())
	return dm, nil
}

func (b *netcdfBuilder) loadStations(ctx context.Context) error {
	if b.stations != nil {
		return nil
	}
	list, err := loadStations(ctx, b.env.Store, b.spec.Subset)
	if err != nil {
		return err
	}
	b.stations = make(map[string]*domain.Station, len(list))
	for _, s := range list {
		b.stations[s.Name] = s
	}
	return nil
}

// reconcileStations matches every record's station against the known
// stations and returns the documents of those that were created or
// changed.
func (b *netcdfBuilder) reconcileStations(ds ObsDataset) domain.DocumentMap {
	staged := domain.DocumentMap{}
	for rec := range ds.Records() {
		name, _ := ds.Value(varStationName, rec)
		stationName, _ := name.(string)
		if stationName == "" {
			continue
		}
		lat, errLat := obsFloat(ds, varLatitude, rec)
		lon, errLon := obsFloat(ds, varLongitude, rec)
		elev, errElev := obsFloat(ds, varElevation, rec)
		if err := errors.Join(errLat, errLon, errElev); err != nil {
			b.logger.Debug("station location missing", "station", stationName, "error", err)
			continue
		}
		lat = domain.TruncateRound(lat, coordDecimals)
		lon = domain.TruncateRound(lon, coordDecimals)
		elev = domain.TruncateRound(elev, coordDecimals)

		s, ok := b.stations[stationName]
		if !ok {
			desc, _ := ds.Value(varLocationName, rec)
			description, _ := desc.(string)
			s = domain.NewStation(b.spec.Subset, stationName, description, lat, lon, elev, b.validEpoch)
			b.stations[stationName] = s
			b.remember(stationName, nil)
			staged.Put(s.ID, s.Document())
			continue
		}
		before := s.Clone()
		if s.Reconcile(lat, lon, elev, b.validEpoch) {
			b.remember(stationName, before)
			staged.Put(s.ID, s.Document())
		}
	}
	return staged
}

// remember records a station's state before its first change in the
// current unit.
func (b *netcdfBuilder) remember(name string, before *domain.Station) {
	if b.unflushed == nil {
		b.unflushed = make(map[string]*domain.Station)
	}
	if _, ok := b.unflushed[name]; !ok {
		b.unflushed[name] = before
	}
}

// Flushed rolls the station cache back when the unit's documents did not
// reach the sink, so the next file stages the same changes again.
func (b *netcdfBuilder) Flushed(unit string, err error) {
	pending := b.unflushed
	b.unflushed = nil
	if err == nil || len(pending) == 0 {
		return
	}
	for name, before := range pending {
		if before == nil {
			delete(b.stations, name)
			continue
		}
		b.stations[name] = before
	}
	b.logger.Warn("station changes not stored, will retry with the next file",
		"unit", unit, "stations", len(pending))
}

func obsFloat(ds ObsDataset, name string, rec int) (float64, error) {
	v, err := ds.Value(name, rec)
	if err != nil {
		return 0, err
	}
	f, ok := domain.AsFloat(v)
	if !ok {
		return 0, fmt.Errorf("%s: %w", name, domain.ErrTypeMismatch)
	}
	return f, nil
}

// obsRecord exposes one record of an observation file as a template source.
type obsRecord struct {
	ds  ObsDataset
	rec int
}

func (r obsRecord) Field(name string) (any, error) {
	return r.ds.Value(name, r.rec)
}

func records(ds ObsDataset) iter.Seq[template.Source] {
	return func(yield func(template.Source) bool) {
		for rec := range ds.Records() {
			if !yield(obsRecord{ds: ds, rec: rec}) {
				return
			}
		}
	}
}

// closestReport keeps the report nearest the document's valid time when a
// station appears more than once in a file.
func closestReport(doc domain.Document, existing, incoming map[string]any) map[string]any {
	target, ok := domain.AsFloat(doc["fcstValidEpoch"])
	if !ok {
		return incoming
	}
	in, okIn := domain.AsFloat(incoming[reportedTimeField])
	ex, okEx := domain.AsFloat(existing[reportedTimeField])
	switch {
	case !okIn:
		return existing
	case !okEx:
		return incoming
	case math.Abs(target-in) < math.Abs(target-ex):
		return incoming
	}
	return existing
}

// fileTime parses the file's base name with a strftime-style mask. Names
// carrying an extension are retried without it.
func (b *netcdfBuilder) fileTime(mask string) (time.Time, error) {
	base := filepath.Base(b.path)
	t, err := domain.ParseMasked(base, mask)
	if err == nil {
		return t, nil
	}
	if stem, _, ok := strings.Cut(base, "."); ok {
		if t, err2 := domain.ParseMasked(stem, mask); err2 == nil {
			return t, nil
		}
	}
	return time.Time{}, err
}

func (b *netcdfBuilder) maskParam(p template.Params) string {
	if first, ok := p.First(); ok {
		return first.Name
	}
	return b.spec.FileMask
}

func (b *netcdfBuilder) deriveValidTimeEpoch(_ template.Source, p template.Params) (any, error) {
	t, err := b.fileTime(b.maskParam(p))
	if err != nil {
		return nil, err
	}
	return t.Unix(), nil
}

func (b *netcdfBuilder) deriveValidTimeISO(_ template.Source, p template.Params) (any, error) {
	t, err := b.fileTime(b.maskParam(p))
	if err != nil {
		return nil, err
	}
	return domain.EpochToISO(t.Unix()), nil
}

// interpolateTime snaps an observation time to the hour, moving it to the
// next hour once the minutes reach the ingest delta.
func (b *netcdfBuilder) interpolateTime(_ template.Source, p template.Params) (any, error) {
	v, ok := firstFloat(p)
	if !ok {
		return nil, nil
	}
	return ObsHour(int64(v), b.spec.ValidTimeDelta), nil
}

func (b *netcdfBuilder) interpolateTimeISO(src template.Source, p template.Params) (any, error) {
	v, err := b.interpolateTime(src, p)
	if err != nil || v == nil {
		return v, err
	}
	return domain.EpochToISO(v.(int64)), nil
}

// ObsHour rounds an observation epoch to the hour: minutes are divided by
// the delta (in seconds) and the quotient is added as whole hours.
func ObsHour(epoch, delta int64) int64 {
	minutes := delta / 60
	if minutes <= 0 {
		minutes = defaultTimeDelta / 60
	}
	t := time.Unix(epoch, 0).UTC()
	hour := t.Truncate(time.Hour)
	return hour.Add(time.Duration(int64(t.Minute())/minutes) * time.Hour).Unix()
}

func handleStation(_ template.Source, p template.Params) (any, error) {
	first, ok := p.First()
	if !ok {
		return nil, fmt.Errorf("handle_station needs a station name: %w", domain.ErrFieldNotFound)
	}
	return first.Value, nil
}

func handleRH(_ template.Source, p template.Params) (any, error) {
	dew, okDew := p.Float("dewpoint")
	temp, okTemp := p.Float("temperature")
	if !okDew || !okTemp {
		return nil, nil
	}
	return relativeHumidity(temp, dew), nil
}

func windComponent(pick func(u, v float64) float64) template.Func {
	return func(_ template.Source, p template.Params) (any, error) {
		speed, okSpeed := p.Float("windSpeed")
		dir, okDir := p.Float("windDir")
		if !okSpeed || !okDir {
			return nil, nil
		}
		return pick(windComponents(speed, dir)), nil
	}
}

// ceilingTransform derives the ceiling in feet from the sky cover layers:
// the first reported broken, overcast or vertical-visibility layer sets the
// ceiling, otherwise any clear or scattered report means 60000 ft.
func ceilingTransform(_ template.Source, p template.Params) (any, error) {
	coverRaw, _ := p.Get("skyCover")
	baseRaw, _ := p.Get("skyLayerBase")
	covers := asStrings(coverRaw)
	bases, _ := baseRaw.([]any)

	baseAt := func(i int) (float64, bool) {
		if i >= len(bases) {
			return 0, false
		}
		return domain.AsFloat(bases[i])
	}
	for i, c := range covers {
		if base, ok := baseAt(i); ok && containsAny(c, ceilingCovers) {
			return math.Floor(base * metresToFeet), nil
		}
	}
	for i, c := range covers {
		if _, ok := baseAt(i); ok && containsAny(c, clearCovers) {
			return clearCeilingFeet, nil
		}
	}
	for _, c := range covers {
		if containsAny(c, clearCovers) {
			return clearCeilingFeet, nil
		}
	}
	return nil, nil
}

func asStrings(v any) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			s, _ := e.(string)
			out = append(out, s)
		}
		return out
	case string:
		return strings.Fields(t)
	}
	return nil
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
