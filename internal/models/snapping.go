// internal/models/snapping.go
package models

const (
	SnapTargetRoad     = "road"
	SnapTargetBuilding = "building"

	RejectionNoSnapTarget = "no_snap_target"
)

type SnapTarget struct {
	Type         string  `json:"type"`
	DistanceM    float64 `json:"distanceM"`
	RoadClass    string  `json:"roadClass,omitempty"`
	BuildingType string  `json:"buildingType,omitempty"`
}

type SnappingResult struct {
	Success         bool        `json:"success"`
	OriginalLat     float64     `json:"originalLat"`
	OriginalLng     float64     `json:"originalLng"`
	SnappedLat      float64     `json:"snappedLat"`
	SnappedLng      float64     `json:"snappedLng"`
	SnapTarget      *SnapTarget `json:"snapTarget,omitempty"`
	RejectionReason string      `json:"rejectionReason,omitempty"`
	FailOpen        bool        `json:"failOpen,omitempty"`
}
