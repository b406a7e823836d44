// Package geodata defines the external feature query contract and its
// Tilequery and Overpass adapters.
package geodata

import (
	"encoding/json"
	"sort"
)

type Layer string

const (
	LayerRoad     Layer = "road"
	LayerBuilding Layer = "building"
	LayerPlace    Layer = "place"
	LayerLanduse  Layer = "landuse"
)

// AllLayers is the layer set used for suitability classification.
var AllLayers = []Layer{LayerRoad, LayerBuilding, LayerPlace, LayerLanduse}

type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Query is the provider-agnostic request: features of Layers within RadiusMeters of Center.
type Query struct {
	Center       Point
	RadiusMeters int
	Layers       []Layer
	Limit        int
}

// Feature is a closed union; only the four variants below implement it.
type Feature interface {
	Layer() Layer
	Distance() float64
	Location() Point
	isFeature()
}

type RoadFeature struct {
	Class     string
	Type      string
	DistanceM float64
	At        Point // closest point on the road
}

type BuildingFeature struct {
	Type      string
	DistanceM float64
	At        Point // centroid
}

type LanduseFeature struct {
	Class     string
	DistanceM float64
	At        Point
}

type PlaceFeature struct {
	Type      string
	DistanceM float64
	At        Point
}

// acceptedRoadClasses is tertiary and above plus residential and unclassified.
var acceptedRoadClasses = map[string]bool{
	"motorway":     true,
	"trunk":        true,
	"primary":      true,
	"secondary":    true,
	"tertiary":     true,
	"residential":  true,
	"unclassified": true,
}

// Accepted reports whether the road is of a class usable for store access.
func (f RoadFeature) Accepted() bool {
	return acceptedRoadClasses[f.Class] || acceptedRoadClasses[f.Type]
}

func (RoadFeature) Layer() Layer     { return LayerRoad }
func (BuildingFeature) Layer() Layer { return LayerBuilding }
func (LanduseFeature) Layer() Layer  { return LayerLanduse }
func (PlaceFeature) Layer() Layer    { return LayerPlace }

func (f RoadFeature) Distance() float64     { return f.DistanceM }
func (f BuildingFeature) Distance() float64 { return f.DistanceM }
func (f LanduseFeature) Distance() float64  { return f.DistanceM }
func (f PlaceFeature) Distance() float64    { return f.DistanceM }

func (f RoadFeature) Location() Point     { return f.At }
func (f BuildingFeature) Location() Point { return f.At }
func (f LanduseFeature) Location() Point  { return f.At }
func (f PlaceFeature) Location() Point    { return f.At }

func (RoadFeature) isFeature()     {}
func (BuildingFeature) isFeature() {}
func (LanduseFeature) isFeature()  {}
func (PlaceFeature) isFeature()    {}

// FeatureCollection is a provider response after ingestion. Skipped counts
// features that could not be typed and were dropped.
type FeatureCollection struct {
	Features []Feature
	Raw      json.RawMessage
	Skipped  int
}

func (fc *FeatureCollection) Empty() bool {
	return fc == nil || len(fc.Features) == 0
}

// SortByDistance orders features nearest first, keeping provider order for ties.
func SortByDistance(features []Feature) {
	sort.SliceStable(features, func(i, j int) bool {
		return features[i].Distance() < features[j].Distance()
	})
}
