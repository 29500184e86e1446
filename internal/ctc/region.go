package ctc

import (
	"fmt"
	"sort"

	"github.com/couchcryptid/vxingest/internal/domain"
)

// BoundingBox is a region's lat/lon extent. Longitudes above 180 are
// normalised to the [-180, 180] range.
type BoundingBox struct {
	TopLeftLat     float64
	TopLeftLon     float64
	BottomRightLat float64
	BottomRightLon float64
}

// ParseRegion reads geo.top_left and geo.bottom_right from a region
// document.
func ParseRegion(doc domain.Document) (BoundingBox, error) {
	geo, ok := doc["geo"].(map[string]any)
	if !ok {
		return BoundingBox{}, fmt.Errorf("region %s has no geo", doc.ID())
	}
	corner := func(name string) (float64, float64, error) {
		c, ok := geo[name].(map[string]any)
		if !ok {
			return 0, 0, fmt.Errorf("region %s: geo.%s missing", doc.ID(), name)
		}
		lat, okLat := domain.AsFloat(c["lat"])
		lon, okLon := domain.AsFloat(c["lon"])
		if !okLat || !okLon {
			return 0, 0, fmt.Errorf("region %s: geo.%s: %w", doc.ID(), name, domain.ErrTypeMismatch)
		}
		return lat, normaliseLon(lon), nil
	}
	tlLat, tlLon, err := corner("top_left")
	if err != nil {
		return BoundingBox{}, err
	}
	brLat, brLon, err := corner("bottom_right")
	if err != nil {
		return BoundingBox{}, err
	}
	return BoundingBox{TopLeftLat: tlLat, TopLeftLon: tlLon, BottomRightLat: brLat, BottomRightLon: brLon}, nil
}

// Contains reports whether the point lies inside the box, edges included.
func (b BoundingBox) Contains(lat, lon float64) bool {
	lon = normaliseLon(lon)
	return lat >= b.BottomRightLat && lat <= b.TopLeftLat &&
		lon >= b.TopLeftLon && lon <= b.BottomRightLon
}

// RegionStations returns the sorted names of stations whose location at
// epoch lies inside the box.
func RegionStations(box BoundingBox, stations []*domain.Station, epoch int64) []string {
	var names []string
	for _, s := range stations {
		if len(s.Geo) == 0 {
			continue
		}
		g := s.Geo[s.GeoIndex(epoch)]
		if box.Contains(g.Lat, g.Lon) {
			names = append(names, s.Name)
		}
	}
	sort.Strings(names)
	return names
}

func normaliseLon(lon float64) float64 {
	if lon > 180 {
		return lon - 360
	}
	return lon
}
