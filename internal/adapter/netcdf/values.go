package netcdf

import (
	"math"
	"reflect"
	"strings"

	"github.com/batchatco/go-native-netcdf/netcdf/api"
)

// fillValues returns the _FillValue and missing_value attributes of a
// variable as floats.
func fillValues(attrs api.AttributeMap) []float64 {
	if attrs == nil {
		return nil
	}
	var out []float64
	for _, key := range []string{"_FillValue", "missing_value"} {
		v, ok := attrs.Get(key)
		if !ok {
			continue
		}
		rv := reflect.ValueOf(v)
		if rv.Kind() == reflect.Slice {
			for i := range rv.Len() {
				if f, ok := number(rv.Index(i)); ok {
					out = append(out, f)
				}
			}
			continue
		}
		if f, ok := number(rv); ok {
			out = append(out, f)
		}
	}
	return out
}

// number converts a numeric reflect value to float64.
func number(v reflect.Value) (float64, bool) {
	switch v.Kind() {
	case reflect.Float32, reflect.Float64:
		return v.Float(), true
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(v.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(v.Uint()), true
	}
	return 0, false
}

func masked(f float64, fills []float64) bool {
	if math.IsNaN(f) {
		return true
	}
	for _, fv := range fills {
		if f == fv {
			return true
		}
	}
	return false
}

// element converts one decoded element to a plain Go value: floats to
// float64, integers to int64, character data to trimmed strings, and
// nested slices to []any. Masked numbers become nil.
func element(v reflect.Value, fills []float64) any {
	switch v.Kind() {
	case reflect.Float32, reflect.Float64:
		f := v.Float()
		if masked(f, fills) {
			return nil
		}
		return f
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		f, _ := number(v)
		if masked(f, fills) {
			return nil
		}
		if v.Kind() >= reflect.Uint {
			return int64(v.Uint())
		}
		return v.Int()
	case reflect.String:
		return strings.TrimRight(strings.TrimSpace(v.String()), "\x00")
	case reflect.Slice, reflect.Array:
		out := make([]any, v.Len())
		for i := range out {
			out[i] = element(v.Index(i), fills)
		}
		return out
	case reflect.Interface, reflect.Pointer:
		if v.IsNil() {
			return nil
		}
		return element(v.Elem(), fills)
	}
	return v.Interface()
}

// grid converts a decoded 2-D array, or the first slice of a 3-D array, to
// [][]float64 with masked points set to NaN.
func grid(values any, fills []float64) ([][]float64, bool) {
	rv := reflect.ValueOf(values)
	if rv.Kind() != reflect.Slice || rv.Len() == 0 {
		return nil, false
	}
	if inner := rv.Index(0); inner.Kind() == reflect.Slice && inner.Len() > 0 && inner.Index(0).Kind() == reflect.Slice {
		rv = inner
	}
	out := make([][]float64, rv.Len())
	for y := range out {
		row := rv.Index(y)
		if row.Kind() != reflect.Slice {
			return nil, false
		}
		out[y] = make([]float64, row.Len())
		for x := range out[y] {
			f, ok := number(row.Index(x))
			if !ok || masked(f, fills) {
				f = math.NaN()
			}
			out[y][x] = f
		}
	}
	return out, true
}
