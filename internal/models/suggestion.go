// internal/models/suggestion.go
package models

type ExpansionSuggestion struct {
	ID                     string   `json:"id"`
	Lat                    float64  `json:"lat"`
	Lng                    float64  `json:"lng"`
	FinalScore             float64  `json:"finalScore"`
	Confidence             float64  `json:"confidence"`
	DataMode               string   `json:"dataMode"`
	DemandScore            float64  `json:"demandScore"`
	CannibalizationPenalty float64  `json:"cannibalizationPenalty"`
	OpsFitScore            float64  `json:"opsFitScore"`
	NearestSubwayDistance  float64  `json:"nearestSubwayDistance"`
	TopPOIs                []string `json:"topPOIs"`
	CacheKey               string   `json:"cacheKey"`
	ModelVersion           string   `json:"modelVersion"`
	DataSnapshotDate       string   `json:"dataSnapshotDate"`
	Rationale              string   `json:"rationale,omitempty"`
}

type SuggestionRequest struct {
	Scope          string          `json:"scope"`
	Intensity      float64         `json:"intensity"`
	DataMode       string          `json:"dataMode"`
	ModelVersion   string          `json:"modelVersion"`
	MinDistance    float64         `json:"minDistance"`
	MaxPerCity     int             `json:"maxPerCity"`
	CandidateSites []CandidateSite `json:"candidateSites"`
}

type SuggestionMetadata struct {
	TotalCandidates    int    `json:"totalCandidates"`
	FilteredCandidates int    `json:"filteredCandidates"`
	CalculationTimeMs  int64  `json:"calculationTimeMs"`
	CacheKey           string `json:"cacheKey"`
}

type SuggestionResponse struct {
	Suggestions []ExpansionSuggestion `json:"suggestions"`
	Metadata    SuggestionMetadata    `json:"metadata"`
}
