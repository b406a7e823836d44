package calculatesuggestions

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"site-expansion/internal/common/cache"
	"site-expansion/internal/models"
)

const (
	// PrimaryConfidence annotates suggestions ranked by the calculator actor.
	PrimaryConfidence = 0.85
	// FallbackConfidence annotates suggestions ranked on the synchronous path.
	FallbackConfidence = 0.7

	MaxSuggestions = 300

	populationScale = 200000.0
	stopCheckEvery  = 256
)

var errStopped = errors.New("ranking stopped")

// Breakdown holds the score components of one candidate.
type Breakdown struct {
	DemandScore            float64
	CannibalizationPenalty float64
	FinalScore             float64
}

// Score is the single scoring function shared by both execution paths.
func Score(site models.CandidateSite) Breakdown {
	demand := (site.Population/populationScale)*0.5 + site.FootfallIndex*0.3 + site.IncomeIndex*0.2

	penalty := 1.0
	if site.NearestSubwayDistance > 0 {
		penalty = 3.0 / site.NearestSubwayDistance
	}

	return Breakdown{
		DemandScore:            demand,
		CannibalizationPenalty: penalty,
		FinalScore:             clamp01(0.6*demand - 0.25*penalty - 0.15*site.CompetitorIdx),
	}
}

// Filter keeps candidates inside the scope and at least minDistance from transit.
func Filter(sites []models.CandidateSite, minDistance float64) []models.CandidateSite {
	out := make([]models.CandidateSite, 0, len(sites))
	for _, s := range sites {
		if s.WithinScope && s.NearestSubwayDistance >= minDistance {
			out = append(out, s)
		}
	}
	return out
}

// TruncationSize is min(300, round(intensity/100 * filtered)).
func TruncationSize(intensity float64, filtered int) int {
	n := int(math.Round(intensity / 100 * float64(filtered)))
	if n > MaxSuggestions {
		n = MaxSuggestions
	}
	if n < 0 {
		n = 0
	}
	if n > filtered {
		n = filtered
	}
	return n
}

// Rank filters, scores, sorts and truncates the request's candidates. A
// closed stop channel aborts the ranking with errStopped.
func Rank(req *models.SuggestionRequest, confidence float64, now time.Time, stop <-chan struct{}) (*models.SuggestionResponse, error) {
	started := time.Now()
	filtered := Filter(req.CandidateSites, req.MinDistance)

	type scored struct {
		site models.CandidateSite
		b    Breakdown
	}
	ranked := make([]scored, len(filtered))
	for i, s := range filtered {
		if i%stopCheckEvery == 0 && stopped(stop) {
			return nil, errStopped
		}
		ranked[i] = scored{site: s, b: Score(s)}
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].b.FinalScore > ranked[j].b.FinalScore
	})
	if stopped(stop) {
		return nil, errStopped
	}

	limit := TruncationSize(req.Intensity, len(ranked))
	key := CacheKey(req)
	snapshot := now.UTC().Format("2006-01-02")

	suggestions := make([]models.ExpansionSuggestion, 0, limit)
	for _, r := range ranked[:limit] {
		suggestions = append(suggestions, models.ExpansionSuggestion{
			ID:                     suggestionID(r.site),
			Lat:                    r.site.Lat,
			Lng:                    r.site.Lng,
			FinalScore:             r.b.FinalScore,
			Confidence:             confidence,
			DataMode:               req.DataMode,
			DemandScore:            r.b.DemandScore,
			CannibalizationPenalty: r.b.CannibalizationPenalty,
			OpsFitScore:            clamp01(r.site.InfrastructureScore),
			NearestSubwayDistance:  r.site.NearestSubwayDistance,
			TopPOIs:                []string{},
			CacheKey:               key,
			ModelVersion:           req.ModelVersion,
			DataSnapshotDate:       snapshot,
		})
	}

	return &models.SuggestionResponse{
		Suggestions: suggestions,
		Metadata: models.SuggestionMetadata{
			TotalCandidates:    len(req.CandidateSites),
			FilteredCandidates: len(filtered),
			CalculationTimeMs:  time.Since(started).Milliseconds(),
			CacheKey:           key,
		},
	}, nil
}

// CacheKey digests the request parameters that determine the ranking.
func CacheKey(req *models.SuggestionRequest) string {
	raw := fmt.Sprintf("%s|%g|%s|%s|%g|%d|%d",
		req.Scope, req.Intensity, req.DataMode, req.ModelVersion,
		req.MinDistance, req.MaxPerCity, len(req.CandidateSites))
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func suggestionID(site models.CandidateSite) string {
	return "sg_" + cache.Key(site.Lat, site.Lng)[:12]
}

func stopped(stop <-chan struct{}) bool {
	if stop == nil {
		return false
	}
	select {
	case <-stop:
		return true
	default:
		return false
	}
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
