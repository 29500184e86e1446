// Package geo maps station coordinates onto model grids and samples grid
// fields at those coordinates.
package geo

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/couchcryptid/vxingest/internal/domain"
)

// DefaultEarthRadius is the sphere radius used by NCEP grids when the
// projection string does not name one.
const DefaultEarthRadius = 6371229.0

// ProjParams are the parsed "+key=value" terms of a PROJ string.
type ProjParams map[string]string

// ParseProjString parses "+proj=lcc +lat_1=38.5 ..." into its terms.
// Flags without a value map to "".
func ParseProjString(s string) (ProjParams, error) {
	p := ProjParams{}
	for _, term := range strings.Fields(s) {
		term = strings.TrimPrefix(term, "+")
		if term == "" {
			continue
		}
		k, v, _ := strings.Cut(term, "=")
		p[k] = v
	}
	if p["proj"] == "" {
		return nil, fmt.Errorf("projection string %q has no +proj term", s)
	}
	return p, nil
}

// Name returns the projection family, e.g. "lcc".
func (p ProjParams) Name() string { return p["proj"] }

// Float returns a numeric term.
func (p ProjParams) Float(key string) (float64, bool) {
	v, ok := p[key]
	if !ok {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

func (p ProjParams) floatOr(key string, def float64) float64 {
	if f, ok := p.Float(key); ok {
		return f
	}
	return def
}

// Projection maps geographic coordinates (degrees) to projected metres.
type Projection interface {
	Forward(lat, lon float64) (x, y float64)
}

// NewProjection builds the projection a PROJ string describes. Only the
// Lambert conformal conic family is supported.
func NewProjection(p ProjParams) (Projection, error) {
	switch p.Name() {
	case "lcc":
		return NewLambertConformal(p)
	default:
		return nil, fmt.Errorf("projection %q: %w", p.Name(), domain.ErrUnsupportedProjection)
	}
}

// LambertConformal is the spherical Lambert conformal conic projection.
type LambertConformal struct {
	radius float64
	lon0   float64
	n      float64
	f      float64
	rho0   float64
	x0, y0 float64
}

// NewLambertConformal builds the projection from lat_0, lat_1, lat_2,
// lon_0, x_0, y_0 and R (or a).
func NewLambertConformal(p ProjParams) (*LambertConformal, error) {
	lat1, ok := p.Float("lat_1")
	if !ok {
		return nil, fmt.Errorf("lcc projection requires lat_1")
	}
	lat2 := p.floatOr("lat_2", lat1)
	lat0 := p.floatOr("lat_0", lat1)
	radius := p.floatOr("R", p.floatOr("a", DefaultEarthRadius))

	phi1, phi2, phi0 := radians(lat1), radians(lat2), radians(lat0)
	var n float64
	if math.Abs(phi1-phi2) < 1e-10 {
		n = math.Sin(phi1)
	} else {
		n = math.Log(math.Cos(phi1)/math.Cos(phi2)) /
			math.Log(math.Tan(math.Pi/4+phi2/2)/math.Tan(math.Pi/4+phi1/2))
	}
	if n == 0 {
		return nil, fmt.Errorf("lcc projection with standard parallel on the equator")
	}
	f := math.Cos(phi1) * math.Pow(math.Tan(math.Pi/4+phi1/2), n) / n

	lc := &LambertConformal{
		radius: radius,
		lon0:   radians(p.floatOr("lon_0", 0)),
		n:      n,
		f:      f,
		x0:     p.floatOr("x_0", 0),
		y0:     p.floatOr("y_0", 0),
	}
	lc.rho0 = lc.rho(phi0)
	return lc, nil
}

func (l *LambertConformal) rho(phi float64) float64 {
	return l.radius * l.f / math.Pow(math.Tan(math.Pi/4+phi/2), l.n)
}

// Forward implements Projection.
func (l *LambertConformal) Forward(lat, lon float64) (float64, float64) {
	dlon := radians(lon) - l.lon0
	for dlon > math.Pi {
		dlon -= 2 * math.Pi
	}
	for dlon < -math.Pi {
		dlon += 2 * math.Pi
	}
	rho := l.rho(radians(lat))
	theta := l.n * dlon
	return l.x0 + rho*math.Sin(theta), l.y0 + l.rho0 - rho*math.Cos(theta)
}

func radians(deg float64) float64 { return deg * math.Pi / 180 }
