package geo

import (
	"fmt"
	"math"

	"github.com/couchcryptid/vxingest/internal/domain"
)

// GridSpec describes a model's native grid as carried in the file's
// GRIB attributes.
type GridSpec struct {
	ProjString string
	Nx, Ny     int
	// Dx is the grid spacing in metres; the same spacing is used along y.
	Dx       float64
	FirstLat float64
	FirstLon float64
	LaD      float64
	LoV      float64
}

// Point is a fractional grid coordinate.
type Point struct {
	X, Y float64
}

// Grid maps geographic coordinates onto one model grid.
type Grid struct {
	spec    GridSpec
	params  ProjParams
	proj    Projection
	originX float64
	originY float64
}

// NewGrid builds a grid whose (0, 0) is the first grid point.
func NewGrid(spec GridSpec) (*Grid, error) {
	if spec.Nx <= 0 || spec.Ny <= 0 || spec.Dx <= 0 {
		return nil, fmt.Errorf("invalid grid dimensions nx=%d ny=%d dx=%g", spec.Nx, spec.Ny, spec.Dx)
	}
	params, err := ParseProjString(spec.ProjString)
	if err != nil {
		return nil, err
	}
	proj, err := NewProjection(params)
	if err != nil {
		return nil, err
	}
	ox, oy := proj.Forward(spec.FirstLat, spec.FirstLon)
	return &Grid{spec: spec, params: params, proj: proj, originX: ox, originY: oy}, nil
}

// Spec returns the grid description.
func (g *Grid) Spec() GridSpec { return g.spec }

// ProjectionName returns the projection family of the grid.
func (g *Grid) ProjectionName() string { return g.params.Name() }

// ToGrid returns the fractional grid coordinate of (lat, lon). It reports
// false when any of the four surrounding grid points falls outside the grid.
func (g *Grid) ToGrid(lat, lon float64) (Point, bool) {
	x, y := g.proj.Forward(lat, lon)
	p := Point{X: (x - g.originX) / g.spec.Dx, Y: (y - g.originY) / g.spec.Dx}
	if math.IsNaN(p.X) || math.IsNaN(p.Y) {
		return Point{}, false
	}
	if math.Floor(p.X) < 0 || math.Ceil(p.X) >= float64(g.spec.Nx) ||
		math.Floor(p.Y) < 0 || math.Ceil(p.Y) >= float64(g.spec.Ny) {
		return Point{}, false
	}
	return p, true
}

// Theta returns the wind rotation angle at lon for this grid.
func (g *Grid) Theta(lon float64) (float64, error) {
	return Theta(g.params.Name(), g.spec.LaD, g.spec.LoV, lon)
}

// Theta returns the angle, in degrees, between grid north and true north
// at lon for a conic projection with tangent latitude lad and orientation
// longitude lov. Other projection families return ErrUnsupportedProjection.
func Theta(proj string, lad, lov, lon float64) (float64, error) {
	if proj != "lcc" {
		return 0, fmt.Errorf("wind rotation for %q: %w", proj, domain.ErrUnsupportedProjection)
	}
	if lon < 0 {
		lon += 360
	}
	return -math.Sin(radians(lad)) * (lov - lon), nil
}

// InterpGridBox bilinearly interpolates values (indexed [y][x]) at the
// fractional coordinate (y, x) from its four surrounding grid points.
func InterpGridBox(values [][]float64, y, x float64) (float64, error) {
	xmin, xmax := int(math.Floor(x)), int(math.Ceil(x))
	ymin, ymax := int(math.Floor(y)), int(math.Ceil(y))
	if !inBounds(values, ymin, xmin) || !inBounds(values, ymax, xmax) {
		return 0, fmt.Errorf("grid box (%g, %g) outside values", y, x)
	}
	rx := x - float64(xmin)
	ry := y - float64(ymin)
	return rx*ry*values[ymax][xmax] +
		rx*(1-ry)*values[ymin][xmax] +
		(1-rx)*ry*values[ymax][xmin] +
		(1-rx)*(1-ry)*values[ymin][xmin], nil
}

// Nearest returns the value at the grid point closest to (y, x). Category
// fields such as vegetation type must be sampled this way.
func Nearest(values [][]float64, y, x float64) (float64, error) {
	yi, xi := int(math.Round(y)), int(math.Round(x))
	if !inBounds(values, yi, xi) {
		return 0, fmt.Errorf("grid point (%d, %d) outside values", yi, xi)
	}
	return values[yi][xi], nil
}

func inBounds(values [][]float64, y, x int) bool {
	return y >= 0 && y < len(values) && x >= 0 && x < len(values[y])
}
