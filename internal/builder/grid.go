package builder

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/couchcryptid/vxingest/internal/domain"
	"github.com/couchcryptid/vxingest/internal/geo"
	"github.com/couchcryptid/vxingest/internal/template"
)

// Variable long names read from gridded model files.
const (
	fieldCeiling          = "Cloud ceiling"
	fieldOrography        = "Orography"
	fieldVisibility       = "Visibility"
	fieldUWind            = "10 metre U wind component"
	fieldVWind            = "10 metre V wind component"
	fieldSpecificHumidity = "2 metre specific humidity"
	fieldVegetation       = "Vegetation Type"
)

const (
	gridFileType      = "grib2"
	gridDataSource    = "GSL"
	gridInterpolation = "nearest 4 weighted average"
	mphPerMs          = 0.447
	degreesPerRadian  = 57.2958
)

var projectionNames = map[string]string{
	"lcc": "lambert_conformal_conic",
}

// gridStation is a station inside a grid's domain with the grid point of
// each of its locations.
type gridStation struct {
	station *domain.Station
	points  []geo.Point
}

// gridBuilder builds one model document per gridded file, with one data
// element per domain station.
type gridBuilder struct {
	spec   domain.IngestSpec
	env    Env
	logger *slog.Logger
	interp *template.Interpreter

	stations []*domain.Station
	domains  map[geo.GridSpec][]gridStation
	landUse  map[string]any

	// per-unit state
	ds     GridDataset
	grid   *geo.Grid
	fields map[string][][]float64
}

func newGridBuilder(spec domain.IngestSpec, env Env) (Builder, error) {
	if env.Grids == nil {
		return nil, errors.New("no grid decoder configured")
	}
	b := &gridBuilder{
		spec:    spec,
		env:     env,
		logger:  env.Logger.With("builder", TypeGridModel, "spec", spec.ID),
		domains: make(map[geo.GridSpec][]gridStation),
	}
	b.interp = template.New(b.funcs(), b.logger, template.WithEntryName("name"))
	return b, nil
}

func (b *gridBuilder) funcs() template.Funcs {
	return epochFuncs(func(template.Source) (int64, error) { return b.validEpoch() }).Merge(template.Funcs{
		"handle_fcst_len": func(template.Source, template.Params) (any, error) {
			if b.ds == nil {
				return nil, errors.New("no open dataset")
			}
			return b.ds.FcstLen(), nil
		},
		"handle_ceiling":           b.handleCeiling,
		"handle_surface_pressure":  scaled(1 / pascalsPerMillibar),
		"handle_visibility":        b.handleVisibility,
		"handle_RH":                b.interpolated(""),
		"kelvin_to_fahrenheit":     kelvinToFahrenheitFunc,
		"handle_wind_speed":        b.handleWindSpeed,
		"handle_wind_direction":    b.handleWindDirection,
		"handle_wind_dir_u":        b.interpolated(fieldUWind),
		"handle_wind_dir_v":        b.interpolated(fieldVWind),
		"handle_specific_humidity": b.interpolated(fieldSpecificHumidity),
		"handle_vegetation_type":   b.handleVegetationType,
		"getName": func(src template.Source, _ template.Params) (any, error) {
			e, err := asGridEntry(src)
			if err != nil {
				return nil, err
			}
			return e.station.Name, nil
		},
	})
}

// Build decodes the file at path and returns its model document and
// data-file document.
func (b *gridBuilder) Build(ctx context.Context, path string) (domain.DocumentMap, error) {
	ds, err := b.env.Grids.OpenGrid(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer func() {
		if err := ds.Close(); err != nil {
			b.logger.Warn("close dataset", "path", path, "error", err)
		}
		b.ds, b.grid, b.fields = nil, nil, nil
	}()

	grid, err := geo.NewGrid(ds.Spec())
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	b.ds, b.grid, b.fields = ds, grid, make(map[string][][]float64)

	stations, err := b.domainStations(ctx, grid)
	if err != nil {
		return nil, err
	}
	if err := b.loadLandUse(ctx); err != nil {
		return nil, err
	}

	dm := domain.DocumentMap{}
	doc := template.SourceFunc(b.docField)
	b.interp.Emit(dm, b.spec.Template, doc, b.entries(stations, ds.ValidEpoch()))

	df := domain.DataFile{
		Path:          path,
		Subset:        b.spec.Subset,
		FileType:      gridFileType,
		OriginType:    b.originType(),
		LoadJobID:     b.env.LoadJobID,
		DataSourceID:  gridDataSource,
		Projection:    projectionNames[grid.ProjectionName()],
		Interpolation: gridInterpolation,
	}
	if df, err = domain.StatDataFile(df); err != nil {
		b.logger.Warn("stat data file", "path", path, "error", err)
	}
	dm.Put(df.ID(), df.Document())
	return dm, nil
}

func (b *gridBuilder) originType() string {
	if b.spec.OriginType != "" {
		return b.spec.OriginType
	}
	return b.spec.Model
}

func (b *gridBuilder) validEpoch() (int64, error) {
	if b.ds == nil {
		return 0, errors.New("no open dataset")
	}
	return b.ds.ValidEpoch(), nil
}

func (b *gridBuilder) docField(name string) (any, error) {
	switch name {
	case "fcst_valid_epoch":
		return b.ds.ValidEpoch(), nil
	case "fcst_len":
		return b.ds.FcstLen(), nil
	case "model":
		return b.spec.Model, nil
	}
	if v, ok := b.ds.Attr(name); ok {
		return v, nil
	}
	return nil, fmt.Errorf("%w: %s", domain.ErrFieldNotFound, name)
}

// domainStations returns the stations of the subset that fall inside the
// grid. The result is cached per grid description.
func (b *gridBuilder) domainStations(ctx context.Context, grid *geo.Grid) ([]gridStation, error) {
	if cached, ok := b.domains[grid.Spec()]; ok {
		return cached, nil
	}
	if b.stations == nil {
		stations, err := loadStations(ctx, b.env.Store, b.spec.Subset)
		if err != nil {
			return nil, err
		}
		b.stations = stations
	}
	var out []gridStation
	for _, s := range b.stations {
		// Every location needs a grid point. The (-90, 180) placeholder
		// location has none.
		gs := gridStation{station: s, points: make([]geo.Point, len(s.Geo))}
		inside := len(s.Geo) > 0
		for i, g := range s.Geo {
			if g.Lat == -90 && g.Lon == 180 {
				inside = false
				break
			}
			p, ok := grid.ToGrid(g.Lat, g.Lon)
			if !ok {
				inside = false
				break
			}
			gs.points[i] = p
		}
		if inside {
			out = append(out, gs)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].station.Name < out[j].station.Name })
	b.domains[grid.Spec()] = out
	b.logger.Debug("grid domain stations", "count", len(out), "of", len(b.stations))
	return out, nil
}

func (b *gridBuilder) loadLandUse(ctx context.Context) error {
	if b.landUse != nil || !b.usesFunc("handle_vegetation_type") {
		return nil
	}
	doc, err := b.env.Store.Get(ctx, LandUseTypesID)
	if err != nil {
		return fmt.Errorf("load land use types: %w", err)
	}
	b.landUse = doc
	return nil
}

func (b *gridBuilder) usesFunc(name string) bool {
	_, elem, err := b.spec.Template.Data()
	if err != nil {
		return false
	}
	for _, v := range elem {
		if s, ok := v.(string); ok && strings.HasPrefix(s, "&"+name) {
			return true
		}
	}
	return false
}

// gridEntry is the data source for one station: field references resolve
// to the bilinear interpolation of the named variable at the station.
type gridEntry struct {
	b       *gridBuilder
	station *domain.Station
	loc     domain.StationGeo
	point   geo.Point
}

func (e *gridEntry) Field(name string) (any, error) {
	if name == "name" {
		return e.station.Name, nil
	}
	return e.interpolate(name)
}

func (e *gridEntry) interpolate(name string) (float64, error) {
	values, err := e.b.field(name)
	if err != nil {
		return 0, err
	}
	return geo.InterpGridBox(values, e.point.Y, e.point.X)
}

func (e *gridEntry) nearest(name string) (float64, error) {
	values, err := e.b.field(name)
	if err != nil {
		return 0, err
	}
	return geo.Nearest(values, e.point.Y, e.point.X)
}

func (b *gridBuilder) field(name string) ([][]float64, error) {
	if v, ok := b.fields[name]; ok {
		return v, nil
	}
	v, err := b.ds.Field(name)
	if err != nil {
		return nil, err
	}
	b.fields[name] = v
	return v, nil
}

func (b *gridBuilder) entries(stations []gridStation, epoch int64) iter.Seq[template.Source] {
	return func(yield func(template.Source) bool) {
		for _, gs := range stations {
			idx := gs.station.GeoIndex(epoch)
			e := &gridEntry{b: b, station: gs.station, loc: gs.station.Geo[idx], point: gs.points[idx]}
			if !yield(e) {
				return
			}
		}
	}
}

func asGridEntry(src template.Source) (*gridEntry, error) {
	e, ok := src.(*gridEntry)
	if !ok {
		return nil, fmt.Errorf("grid handler given %T: %w", src, domain.ErrTypeMismatch)
	}
	return e, nil
}

// interpolated returns a handler for an interpolated variable. An empty
// name takes the value of the first parameter instead.
func (b *gridBuilder) interpolated(name string) template.Func {
	return func(src template.Source, p template.Params) (any, error) {
		if name == "" {
			v, ok := firstFloat(p)
			if !ok {
				return nil, nil
			}
			return v, nil
		}
		e, err := asGridEntry(src)
		if err != nil {
			return nil, err
		}
		return e.interpolate(name)
	}
}

// handleCeiling returns cloud ceiling above ground level in feet. Missing
// and out-of-range ceilings mean clear sky.
func (b *gridBuilder) handleCeiling(src template.Source, _ template.Params) (any, error) {
	e, err := asGridEntry(src)
	if err != nil {
		return nil, err
	}
	ceil, err := e.nearest(fieldCeiling)
	if err != nil {
		return nil, err
	}
	sfc, err := e.nearest(fieldOrography)
	if err != nil {
		return nil, err
	}
	return ceilingFeet(ceil, sfc), nil
}

func ceilingFeet(ceil, sfc float64) float64 {
	switch {
	case math.IsNaN(ceil) || ceil == clearCeilingFeet || ceil < -1000 || ceil > 1e10:
		return clearCeilingFeet
	case ceil < 0:
		return 0
	}
	return math.Max((ceil-sfc)*metresToFeet, 0)
}

func (b *gridBuilder) handleVisibility(src template.Source, _ template.Params) (any, error) {
	e, err := asGridEntry(src)
	if err != nil {
		return nil, err
	}
	v, err := e.nearest(fieldVisibility)
	if err != nil {
		return nil, err
	}
	return v / metresPerMile, nil
}

func (e *gridEntry) wind() (u, v float64, err error) {
	if u, err = e.interpolate(fieldUWind); err != nil {
		return 0, 0, err
	}
	if v, err = e.interpolate(fieldVWind); err != nil {
		return 0, 0, err
	}
	return u, v, nil
}

// handleWindSpeed returns wind speed in miles per hour, rounded half up.
func (b *gridBuilder) handleWindSpeed(src template.Source, _ template.Params) (any, error) {
	e, err := asGridEntry(src)
	if err != nil {
		return nil, err
	}
	u, v, err := e.wind()
	if err != nil {
		return nil, err
	}
	return math.Sqrt(u*u+v*v)/mphPerMs + 0.5, nil
}

// handleWindDirection returns the true-north wind direction in degrees,
// rotating the grid-relative components by the grid's angle at the station.
func (b *gridBuilder) handleWindDirection(src template.Source, _ template.Params) (any, error) {
	e, err := asGridEntry(src)
	if err != nil {
		return nil, err
	}
	u, v, err := e.wind()
	if err != nil {
		return nil, err
	}
	theta, err := b.grid.Theta(e.loc.Lon)
	if errors.Is(err, domain.ErrUnsupportedProjection) {
		b.logger.Warn("wind direction not rotated", "station", e.station.Name, "error", err)
		theta = 0
	} else if err != nil {
		return nil, err
	}
	return windDirection(u, v, theta), nil
}

func windDirection(u, v, theta float64) float64 {
	dir := math.Atan2(u, v)*degreesPerRadian + theta + 180
	if dir < 0 {
		dir += 360
	}
	if dir > 360 {
		dir -= 360
	}
	return dir
}

func (b *gridBuilder) handleVegetationType(src template.Source, _ template.Params) (any, error) {
	e, err := asGridEntry(src)
	if err != nil {
		return nil, err
	}
	v, err := e.nearest(fieldVegetation)
	if err != nil {
		return nil, err
	}
	usgs, _ := b.landUse["USGS"].(map[string]any)
	table, _ := usgs["0"].(map[string]any)
	name, ok := table[strconv.Itoa(int(math.Round(v)))]
	if !ok {
		return nil, fmt.Errorf("vegetation type %v: %w", v, domain.ErrNotFound)
	}
	return name, nil
}
