package models

import "encoding/json"

// LatLng is a WGS84 coordinate pair.
type LatLng struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Geometry is a GeoJSON geometry. Coordinates are kept raw since their
// nesting depends on the geometry type.
type Geometry struct {
	Type        string          `json:"type"`
	Coordinates json.RawMessage `json:"coordinates"`
}

// Feature is a GeoJSON feature as returned by the map endpoint.
type Feature struct {
	Type       string                 `json:"type"`
	ID         ID                     `json:"id,omitempty"`
	Geometry   Geometry               `json:"geometry"`
	Properties map[string]interface{} `json:"properties,omitempty"`
}

// FeatureCollection is the map endpoint envelope.
type FeatureCollection struct {
	Type     string    `json:"type"`
	Features []Feature `json:"features"`
}

func (f Feature) clone() Feature {
	out := f
	if f.Geometry.Coordinates != nil {
		out.Geometry.Coordinates = append(json.RawMessage(nil), f.Geometry.Coordinates...)
	}
	if f.Properties != nil {
		out.Properties = make(map[string]interface{}, len(f.Properties))
		for k, v := range f.Properties {
			out.Properties[k] = v
		}
	}
	return out
}
