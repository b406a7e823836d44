// internal/models/suitability.go
package models

// TilequeryResult is the suitability verdict for one coordinate.
// Distances are nil when no matching feature was found or the provider failed.
type TilequeryResult struct {
	IsSuitable        bool     `json:"isSuitable"`
	LanduseType       string   `json:"landuseType,omitempty"`
	RoadDistanceM     *float64 `json:"roadDistanceM"`
	BuildingDistanceM *float64 `json:"buildingDistanceM"`
	UrbanDensityIndex float64  `json:"urbanDensityIndex"`
	Reason            string   `json:"reason,omitempty"`
	RadiusUsedM       int      `json:"radiusUsedM,omitempty"`
	FailOpen          bool     `json:"failOpen,omitempty"`
}
