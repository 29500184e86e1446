// Package netcdf decodes netCDF station-observation files and gridded
// model files into the dataset views the builders read.
package netcdf

import (
	"fmt"
	"reflect"
	"sync"

	cdf "github.com/batchatco/go-native-netcdf/netcdf"
	"github.com/batchatco/go-native-netcdf/netcdf/api"

	"github.com/couchcryptid/vxingest/internal/builder"
	"github.com/couchcryptid/vxingest/internal/domain"
)

// recordDim is the unlimited dimension of MADIS observation files.
const recordDim = "recNum"

// ObsDecoder opens station-observation files.
type ObsDecoder struct{}

func (ObsDecoder) OpenObs(path string) (builder.ObsDataset, error) {
	return OpenObs(path)
}

// ObsFile is one opened observation file. Variables are decoded on first
// use and kept for the life of the file.
type ObsFile struct {
	nc      api.Group
	records int
	known   map[string]struct{}

	mu   sync.Mutex
	vars map[string]obsVar
}

type obsVar struct {
	values reflect.Value
	fills  []float64
}

// OpenObs opens path and reads its record count.
func OpenObs(path string) (*ObsFile, error) {
	nc, err := cdf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	n, ok := nc.GetDimension(recordDim)
	if !ok {
		nc.Close()
		return nil, fmt.Errorf("%s: dimension %s: %w", path, recordDim, domain.ErrFieldNotFound)
	}
	known := make(map[string]struct{})
	for _, name := range nc.ListVariables() {
		known[name] = struct{}{}
	}
	return &ObsFile{
		nc:      nc,
		records: int(n),
		known:   known,
		vars:    make(map[string]obsVar),
	}, nil
}

func (f *ObsFile) Records() int { return f.records }

// Value returns variable name at record rec.
func (f *ObsFile) Value(name string, rec int) (any, error) {
	v, err := f.variable(name)
	if err != nil {
		return nil, err
	}
	if v.values.Kind() != reflect.Slice {
		// Scalar variables apply to every record.
		return element(v.values, v.fills), nil
	}
	if rec < 0 || rec >= v.values.Len() {
		return nil, fmt.Errorf("%s record %d out of range", name, rec)
	}
	return element(v.values.Index(rec), v.fills), nil
}

func (f *ObsFile) variable(name string) (obsVar, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if v, ok := f.vars[name]; ok {
		return v, nil
	}
	if _, ok := f.known[name]; !ok {
		return obsVar{}, fmt.Errorf("%w: %s", domain.ErrFieldNotFound, name)
	}
	raw, err := f.nc.GetVariable(name)
	if err != nil {
		return obsVar{}, fmt.Errorf("read %s: %w", name, err)
	}
	v := obsVar{values: reflect.ValueOf(raw.Values), fills: fillValues(raw.Attributes)}
	f.vars[name] = v
	return v, nil
}

func (f *ObsFile) Close() error {
	f.nc.Close()
	return nil
}
