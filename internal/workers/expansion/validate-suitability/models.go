package validatesuitability

import "site-expansion/internal/models"

type Input struct {
	Locations   []models.Location `json:"locations"`
	Adaptive    bool              `json:"adaptive,omitempty"`
	Concurrency int               `json:"concurrency,omitempty"`
}

type LocationResult struct {
	Lat    float64                 `json:"lat"`
	Lng    float64                 `json:"lng"`
	Result *models.TilequeryResult `json:"result,omitempty"`
	Error  string                  `json:"error,omitempty"`
}

type Output struct {
	Results       []LocationResult `json:"results"`
	AcceptedCount int              `json:"acceptedCount"`
	RejectedCount int              `json:"rejectedCount"`
	FailedCount   int              `json:"failedCount"`
}
