// internal/models/location.go
package models

type Location struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// CandidateSite is produced upstream by the candidate generator and never mutated here.
type CandidateSite struct {
	Lat                   float64 `json:"lat"`
	Lng                   float64 `json:"lng"`
	WithinScope           bool    `json:"withinScope"`
	SubwayDensity         float64 `json:"subwayDensity"`
	PopulationDensity     float64 `json:"populationDensity"`
	POIDensity            float64 `json:"poiDensity"`
	InfrastructureScore   float64 `json:"infrastructureScore"`
	NearestSubwayDistance float64 `json:"nearestSubwayDistance"`
	Population            float64 `json:"population"`
	FootfallIndex         float64 `json:"footfallIndex"`
	IncomeIndex           float64 `json:"incomeIndex"`
	CompetitorIdx         float64 `json:"competitorIdx"`
}

func (c CandidateSite) Location() Location {
	return Location{Lat: c.Lat, Lng: c.Lng}
}
