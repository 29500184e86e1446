package builder

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/couchcryptid/vxingest/internal/domain"
	"github.com/couchcryptid/vxingest/internal/template"
)

// Unit conversions shared by the observation and model builders.
const (
	metresToFeet       = 3.281
	metresPerMile      = 1609.344
	pascalsPerMillibar = 100.0
	msToMph            = 2.237
	clearCeilingFeet   = 60000
)

func kelvinToFahrenheit(k float64) float64 { return (k-273.15)*1.8 + 32 }

// saturationVapourPressure returns hPa for a temperature in kelvin.
func saturationVapourPressure(k float64) float64 {
	c := k - 273.15
	return 6.112 * math.Exp(17.67*c/(c+243.5))
}

// relativeHumidity derives RH in percent from temperature and dewpoint in
// kelvin.
func relativeHumidity(tempK, dewK float64) float64 {
	return saturationVapourPressure(dewK) / saturationVapourPressure(tempK) * 100
}

// windComponents splits a wind speed and meteorological direction
// (degrees, direction the wind blows from) into u and v.
func windComponents(speed, dirDeg float64) (u, v float64) {
	rad := dirDeg * math.Pi / 180
	return -speed * math.Sin(rad), -speed * math.Cos(rad)
}

// capitalize upper-cases the first letter and lower-cases the rest.
func capitalize(s string) string {
	if s == "" {
		return s
	}
	s = strings.ToLower(s)
	return strings.ToUpper(s[:1]) + s[1:]
}

// firstFloat returns the first parameter's value as a float.
func firstFloat(p template.Params) (float64, bool) {
	first, ok := p.First()
	if !ok {
		return 0, false
	}
	return domain.AsFloat(first.Value)
}

// scaled returns a handler that multiplies the first parameter by factor.
// A missing value yields nil.
func scaled(factor float64) template.Func {
	return func(_ template.Source, p template.Params) (any, error) {
		v, ok := firstFloat(p)
		if !ok {
			return nil, nil
		}
		return v * factor, nil
	}
}

func kelvinToFahrenheitFunc(_ template.Source, p template.Params) (any, error) {
	v, ok := firstFloat(p)
	if !ok {
		return nil, nil
	}
	return kelvinToFahrenheit(v), nil
}

// epochFuncs returns the time handlers backed by epoch.
func epochFuncs(epoch func(template.Source) (int64, error)) template.Funcs {
	return template.Funcs{
		"handle_time": func(src template.Source, _ template.Params) (any, error) {
			return epoch(src)
		},
		"handle_iso_time": func(src template.Source, _ template.Params) (any, error) {
			e, err := epoch(src)
			if err != nil {
				return nil, err
			}
			return domain.EpochToISO(e), nil
		},
	}
}

func loadStations(ctx context.Context, store DocStore, subset string) ([]*domain.Station, error) {
	docs, err := store.Query(ctx, stationsQuery, subset)
	if err != nil {
		return nil, fmt.Errorf("query %s stations: %w", subset, err)
	}
	stations := make([]*domain.Station, 0, len(docs))
	for _, doc := range docs {
		s, err := domain.ParseStation(doc)
		if err != nil {
			return nil, err
		}
		stations = append(stations, s)
	}
	return stations, nil
}
