package netcdf

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"

	cdf "github.com/batchatco/go-native-netcdf/netcdf"
	"github.com/batchatco/go-native-netcdf/netcdf/api"

	"github.com/couchcryptid/vxingest/internal/builder"
	"github.com/couchcryptid/vxingest/internal/domain"
	"github.com/couchcryptid/vxingest/internal/geo"
)

// Global attributes carried by grids converted from GRIB2.
const (
	attrProjString = "projString"
	attrNx         = "Nx"
	attrNy         = "Ny"
	attrDx         = "DxInMetres"
	attrFirstLat   = "latitudeOfFirstGridPointInDegrees"
	attrFirstLon   = "longitudeOfFirstGridPointInDegrees"
	attrLaD        = "LaDInDegrees"
	attrLoV        = "LoVInDegrees"
	attrValidTime  = "validTime"
	attrFcstHour   = "forecastHour"
)

// GridDecoder opens gridded model files.
type GridDecoder struct{}

func (GridDecoder) OpenGrid(path string) (builder.GridDataset, error) {
	return OpenGrid(path)
}

// GridFile is one opened gridded model file.
type GridFile struct {
	nc      api.Group
	attrs   api.AttributeMap
	spec    geo.GridSpec
	valid   int64
	fcstLen int64

	// byLongName maps a variable's long_name to its netCDF name.
	byLongName map[string]string
	fields     map[string][][]float64
}

// OpenGrid opens path and reads the grid description from its global
// attributes.
func OpenGrid(path string) (*GridFile, error) {
	nc, err := cdf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	g := &GridFile{
		nc:         nc,
		attrs:      nc.Attributes(),
		byLongName: make(map[string]string),
		fields:     make(map[string][][]float64),
	}
	if err := g.readHeader(); err != nil {
		nc.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	for _, name := range nc.ListVariables() {
		vg, err := nc.GetVarGetter(name)
		if err != nil {
			continue
		}
		if ln, ok := vg.Attributes().Get("long_name"); ok {
			if s, ok := ln.(string); ok {
				g.byLongName[s] = name
			}
		}
	}
	return g, nil
}

func (g *GridFile) readHeader() error {
	proj, ok := g.Attr(attrProjString)
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrFieldNotFound, attrProjString)
	}
	g.spec.ProjString, _ = proj.(string)

	ints := map[string]*int{attrNx: &g.spec.Nx, attrNy: &g.spec.Ny}
	for key, dst := range ints {
		v, err := g.number(key)
		if err != nil {
			return err
		}
		*dst = int(v)
	}
	floats := map[string]*float64{
		attrDx:       &g.spec.Dx,
		attrFirstLat: &g.spec.FirstLat,
		attrFirstLon: &g.spec.FirstLon,
		attrLaD:      &g.spec.LaD,
		attrLoV:      &g.spec.LoV,
	}
	for key, dst := range floats {
		v, err := g.number(key)
		if err != nil {
			return err
		}
		*dst = v
	}
	valid, err := g.number(attrValidTime)
	if err != nil {
		return err
	}
	g.valid = int64(valid)
	fcst, err := g.number(attrFcstHour)
	if err != nil {
		return err
	}
	g.fcstLen = int64(fcst)
	return nil
}

// number reads a numeric global attribute. Numbers stored as text are
// accepted.
func (g *GridFile) number(key string) (float64, error) {
	v, ok := g.Attr(key)
	if !ok {
		return 0, fmt.Errorf("%w: %s", domain.ErrFieldNotFound, key)
	}
	if s, ok := v.(string); ok {
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return 0, fmt.Errorf("attribute %s: %w", key, domain.ErrTypeMismatch)
		}
		return f, nil
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Slice && rv.Len() > 0 {
		rv = rv.Index(0)
	}
	f, ok := number(rv)
	if !ok {
		return 0, fmt.Errorf("attribute %s: %w", key, domain.ErrTypeMismatch)
	}
	return f, nil
}

func (g *GridFile) Spec() geo.GridSpec { return g.spec }
func (g *GridFile) ValidEpoch() int64  { return g.valid }
func (g *GridFile) FcstLen() int64     { return g.fcstLen }

// Attr returns a global attribute.
func (g *GridFile) Attr(name string) (any, bool) {
	if g.attrs == nil {
		return nil, false
	}
	return g.attrs.Get(name)
}

// Field returns the variable whose long_name is longName, indexed [y][x].
func (g *GridFile) Field(longName string) ([][]float64, error) {
	if f, ok := g.fields[longName]; ok {
		return f, nil
	}
	name, ok := g.byLongName[longName]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrFieldNotFound, longName)
	}
	v, err := g.nc.GetVariable(name)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	values, ok := grid(v.Values, fillValues(v.Attributes))
	if !ok {
		return nil, fmt.Errorf("%s is not a 2-D field: %w", longName, domain.ErrTypeMismatch)
	}
	g.fields[longName] = values
	return values, nil
}

func (g *GridFile) Close() error {
	g.nc.Close()
	return nil
}
