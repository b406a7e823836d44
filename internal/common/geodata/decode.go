package geodata

import (
	"encoding/json"
	"fmt"
)

// Streets tilesets name some land-use classes differently from OSM tags.
var streetsLanduse = map[string]string{
	"wood":            "forest",
	"agriculture":     "farmland",
	"commercial_area": "commercial",
	"national_park":   "park",
	"wetland_noveg":   "wetland",
}

func landuseAlias(class string) string {
	if c, ok := streetsLanduse[class]; ok {
		return c
	}
	return class
}

type rawCollection struct {
	Type     string            `json:"type"`
	Features []json.RawMessage `json:"features"`
}

type rawGeometry struct {
	Type        string    `json:"type"`
	Coordinates []float64 `json:"coordinates"`
}

type rawTilequery struct {
	Distance *float64 `json:"distance,omitempty"`
	Layer    string   `json:"layer"`
	Geometry string   `json:"geometry,omitempty"`
}

type rawProperties struct {
	Class     string       `json:"class,omitempty"`
	Type      string       `json:"type,omitempty"`
	Tilequery rawTilequery `json:"tilequery"`
}

type rawFeature struct {
	Type       string        `json:"type"`
	Geometry   *rawGeometry  `json:"geometry"`
	Properties rawProperties `json:"properties"`
}

// Decode turns a tilequery-style GeoJSON FeatureCollection into typed
// features. Features with an unknown layer, no class, no point geometry or no
// distance are dropped and counted in Skipped.
func Decode(raw []byte) (*FeatureCollection, error) {
	var coll rawCollection
	if err := json.Unmarshal(raw, &coll); err != nil {
		return nil, fmt.Errorf("%w: decode feature collection: %v", ErrResponseInvalid, err)
	}

	out := &FeatureCollection{
		Features: make([]Feature, 0, len(coll.Features)),
		Raw:      json.RawMessage(raw),
	}
	for _, item := range coll.Features {
		var rf rawFeature
		if err := json.Unmarshal(item, &rf); err != nil {
			out.Skipped++
			continue
		}
		f, ok := toFeature(rf)
		if !ok {
			out.Skipped++
			continue
		}
		out.Features = append(out.Features, f)
	}
	return out, nil
}

func toFeature(rf rawFeature) (Feature, bool) {
	if rf.Geometry == nil || len(rf.Geometry.Coordinates) < 2 {
		return nil, false
	}
	dist := rf.Properties.Tilequery.Distance
	if dist == nil || *dist < 0 {
		return nil, false
	}
	at := Point{Lng: rf.Geometry.Coordinates[0], Lat: rf.Geometry.Coordinates[1]}
	class, typ := rf.Properties.Class, rf.Properties.Type

	switch rf.Properties.Tilequery.Layer {
	case "road":
		if class == "" && typ == "" {
			return nil, false
		}
		return RoadFeature{Class: class, Type: typ, DistanceM: *dist, At: at}, true
	case "building":
		if typ == "" {
			typ = class
		}
		if typ == "" {
			typ = "building"
		}
		return BuildingFeature{Type: typ, DistanceM: *dist, At: at}, true
	case "place_label", "place":
		if typ == "" {
			typ = class
		}
		if typ == "" {
			return nil, false
		}
		return PlaceFeature{Type: typ, DistanceM: *dist, At: at}, true
	case "landuse", "landuse_overlay":
		if class == "" {
			return nil, false
		}
		return LanduseFeature{Class: landuseAlias(class), DistanceM: *dist, At: at}, true
	case "water":
		if class == "" {
			class = "water"
		}
		return LanduseFeature{Class: class, DistanceM: *dist, At: at}, true
	default:
		return nil, false
	}
}

// Encode renders typed features in the same GeoJSON shape Decode reads.
func Encode(features []Feature) (json.RawMessage, error) {
	coll := struct {
		Type     string       `json:"type"`
		Features []rawFeature `json:"features"`
	}{Type: "FeatureCollection", Features: make([]rawFeature, 0, len(features))}

	for _, f := range features {
		dist := f.Distance()
		rf := rawFeature{
			Type:     "Feature",
			Geometry: &rawGeometry{Type: "Point", Coordinates: []float64{f.Location().Lng, f.Location().Lat}},
			Properties: rawProperties{
				Tilequery: rawTilequery{Distance: &dist},
			},
		}
		switch v := f.(type) {
		case RoadFeature:
			rf.Properties.Class, rf.Properties.Type = v.Class, v.Type
			rf.Properties.Tilequery.Layer = "road"
		case BuildingFeature:
			rf.Properties.Type = v.Type
			rf.Properties.Tilequery.Layer = "building"
		case PlaceFeature:
			rf.Properties.Type = v.Type
			rf.Properties.Tilequery.Layer = "place_label"
		case LanduseFeature:
			rf.Properties.Class = v.Class
			rf.Properties.Tilequery.Layer = "landuse"
		}
		coll.Features = append(coll.Features, rf)
	}

	data, err := json.Marshal(coll)
	if err != nil {
		return nil, err
	}
	return data, nil
}
