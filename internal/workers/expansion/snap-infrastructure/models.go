package snapinfrastructure

import "site-expansion/internal/models"

type Input struct {
	Locations   []models.Location `json:"locations"`
	Concurrency int               `json:"concurrency,omitempty"`
}

type LocationResult struct {
	Lat    float64                `json:"lat"`
	Lng    float64                `json:"lng"`
	Result *models.SnappingResult `json:"result,omitempty"`
	Error  string                 `json:"error,omitempty"`
}

type Output struct {
	Results       []LocationResult `json:"results"`
	SnappedCount  int              `json:"snappedCount"`
	RejectedCount int              `json:"rejectedCount"`
	FailedCount   int              `json:"failedCount"`
}
