package geo

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/vxingest/internal/domain"
)

const hrrrProj = "+proj=lcc +lat_0=38.5 +lon_0=262.5 +lat_1=38.5 +lat_2=38.5 +x_0=0 +y_0=0 +R=6371229 +units=m +no_defs"

func hrrrGrid(t *testing.T) *Grid {
	t.Helper()
	g, err := NewGrid(GridSpec{
		ProjString: hrrrProj,
		Nx:         1799,
		Ny:         1059,
		Dx:         3000,
		FirstLat:   21.138123,
		FirstLon:   237.280472,
		LaD:        38.5,
		LoV:        262.5,
	})
	require.NoError(t, err)
	return g
}

func TestParseProjString(t *testing.T) {
	p, err := ParseProjString(hrrrProj)
	require.NoError(t, err)
	assert.Equal(t, "lcc", p.Name())
	r, ok := p.Float("R")
	require.True(t, ok)
	assert.InDelta(t, 6371229.0, r, 0)
	_, present := p["no_defs"]
	assert.True(t, present)

	_, err = ParseProjString("+lat_0=1")
	require.Error(t, err)
}

func TestLambertOriginMapsToFalseOrigin(t *testing.T) {
	p, err := ParseProjString("+proj=lcc +lat_0=25 +lon_0=-95 +lat_1=25 +lat_2=25 +x_0=100 +y_0=200")
	require.NoError(t, err)
	proj, err := NewProjection(p)
	require.NoError(t, err)

	x, y := proj.Forward(25, -95)
	assert.InDelta(t, 100, x, 1e-6)
	assert.InDelta(t, 200, y, 1e-6)

	_, err = NewProjection(ProjParams{"proj": "merc"})
	require.ErrorIs(t, err, domain.ErrUnsupportedProjection)
}

func TestGridToGrid(t *testing.T) {
	g := hrrrGrid(t)

	t.Run("first grid point is the origin", func(t *testing.T) {
		p, ok := g.ToGrid(21.138123, 237.280472)
		require.True(t, ok)
		assert.InDelta(t, 0, p.X, 1e-6)
		assert.InDelta(t, 0, p.Y, 1e-6)
	})

	t.Run("station inside domain", func(t *testing.T) {
		p, ok := g.ToGrid(39.86, -104.67)
		require.True(t, ok)
		assert.Greater(t, p.X, 600.0)
		assert.Less(t, p.X, 800.0)
		assert.Greater(t, p.Y, 500.0)
		assert.Less(t, p.Y, 700.0)
	})

	t.Run("station outside domain", func(t *testing.T) {
		_, ok := g.ToGrid(51.47, -0.45)
		assert.False(t, ok)
	})
}

func TestInterpGridBox(t *testing.T) {
	values := [][]float64{
		{1, 2, 3},
		{4, 5, 6},
		{7, 8, 9.5},
	}

	t.Run("integer coordinates return the grid value", func(t *testing.T) {
		for y := range values {
			for x := range values[y] {
				got, err := InterpGridBox(values, float64(y), float64(x))
				require.NoError(t, err)
				assert.Equal(t, values[y][x], got)
			}
		}
	})

	t.Run("bilinear weights", func(t *testing.T) {
		got, err := InterpGridBox(values, 0.5, 0.5)
		require.NoError(t, err)
		assert.InDelta(t, (1+2+4+5)/4.0, got, 1e-12)

		got, err = InterpGridBox(values, 1.25, 1.75)
		require.NoError(t, err)
		want := 0.75*0.25*9.5 + 0.75*0.75*6 + 0.25*0.25*8 + 0.25*0.75*5
		assert.InDelta(t, want, got, 1e-12)
	})

	t.Run("out of bounds", func(t *testing.T) {
		_, err := InterpGridBox(values, 2.5, 0)
		require.Error(t, err)
	})
}

func TestNearest(t *testing.T) {
	values := [][]float64{{1, 2}, {3, 4}}
	got, err := Nearest(values, 0.6, 0.4)
	require.NoError(t, err)
	assert.Equal(t, 3.0, got)

	_, err = Nearest(values, 1.6, 0)
	require.Error(t, err)
}

func TestTheta(t *testing.T) {
	got, err := Theta("lcc", 38.5, 262.5, -104.67)
	require.NoError(t, err)
	assert.InDelta(t, -math.Sin(38.5*math.Pi/180)*(262.5-255.33), got, 1e-9)

	got, err = Theta("merc", 0, 0, 10)
	require.ErrorIs(t, err, domain.ErrUnsupportedProjection)
	assert.Zero(t, got)
}
