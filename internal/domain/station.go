package domain

import "fmt"

// StationGeo is one location of a station, bracketed by the first and last
// valid times it was reported there.
type StationGeo struct {
	FirstTime int64   `json:"firstTime"`
	LastTime  int64   `json:"lastTime"`
	Lat       float64 `json:"lat"`
	Lon       float64 `json:"lon"`
	Elev      float64 `json:"elev"`
}

// Station is a station metadata document.
type Station struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`
	DocType     string       `json:"docType"`
	Subset      string       `json:"subset"`
	Type        string       `json:"type"`
	Version     string       `json:"version"`
	UpdateTime  int64        `json:"updateTime,omitempty"`
	Geo         []StationGeo `json:"geo"`
}

// NewStation creates a station first seen at epoch.
func NewStation(subset, name, description string, lat, lon, elev float64, epoch int64) *Station {
	return &Station{
		ID:          StationID(subset, name),
		Name:        name,
		Description: description,
		DocType:     "station",
		Subset:      subset,
		Type:        "MD",
		Version:     "V01",
		UpdateTime:  Now().Unix(),
		Geo: []StationGeo{
			{FirstTime: epoch, LastTime: epoch, Lat: lat, Lon: lon, Elev: elev},
		},
	}
}

// ParseStation decodes a station metadata document.
func ParseStation(doc Document) (*Station, error) {
	var s Station
	if err := remarshal(doc, &s); err != nil {
		return nil, fmt.Errorf("decode station: %w", err)
	}
	if s.Name == "" {
		return nil, fmt.Errorf("station %q has no name", s.ID)
	}
	return &s, nil
}

// Clone returns a copy that shares no geo entries with s.
func (s *Station) Clone() *Station {
	c := *s
	c.Geo = append([]StationGeo(nil), s.Geo...)
	return &c
}

// Document renders the station as a store document.
func (s *Station) Document() Document {
	geo := make([]any, len(s.Geo))
	for i, g := range s.Geo {
		geo[i] = map[string]any{
			"firstTime": g.FirstTime,
			"lastTime":  g.LastTime,
			"lat":       g.Lat,
			"lon":       g.Lon,
			"elev":      g.Elev,
		}
	}
	doc := Document{
		"id":         s.ID,
		"name":       s.Name,
		"docType":    s.DocType,
		"subset":     s.Subset,
		"type":       s.Type,
		"version":    s.Version,
		"updateTime": s.UpdateTime,
		"geo":        geo,
	}
	if s.Description != "" {
		doc["description"] = s.Description
	}
	return doc
}

// GeoIndex returns the index of the geo entry whose time bracket contains
// epoch. When none does, the entry with the latest LastTime wins.
func (s *Station) GeoIndex(epoch int64) int {
	return GeoIndex(s.Geo, epoch)
}

// GeoIndex picks the geo entry covering epoch, falling back to the most
// recently seen entry.
func GeoIndex(geo []StationGeo, epoch int64) int {
	latest, latestIdx := int64(0), 0
	for i, g := range geo {
		if g.LastTime > latest {
			latest, latestIdx = g.LastTime, i
		}
		if g.FirstTime <= epoch && epoch <= g.LastTime {
			return i
		}
	}
	return latestIdx
}

// Reconcile records a report of the station at (lat, lon, elev) at epoch.
// A matching location has its time bracket widened; a new location is
// appended. It reports whether the geo list changed.
func (s *Station) Reconcile(lat, lon, elev float64, epoch int64) bool {
	changed := false
	found := false
	for i := range s.Geo {
		g := &s.Geo[i]
		if g.Lat != lat || g.Lon != lon || g.Elev != elev {
			continue
		}
		found = true
		if epoch < g.FirstTime {
			g.FirstTime = epoch
			changed = true
		}
		if epoch > g.LastTime {
			g.LastTime = epoch
			changed = true
		}
		break
	}
	if !found {
		s.Geo = append(s.Geo, StationGeo{FirstTime: epoch, LastTime: epoch, Lat: lat, Lon: lon, Elev: elev})
		changed = true
	}
	if changed {
		s.UpdateTime = Now().Unix()
	}
	return changed
}
