package validatesuitability

import (
	"context"
	"errors"
	"sync"

	"site-expansion/internal/common/batch"
	"site-expansion/internal/common/cache"
	"site-expansion/internal/common/geodata"
	"site-expansion/internal/common/logger"
	"site-expansion/internal/common/metrics"
	"site-expansion/internal/models"
)

// Decision reasons.
const (
	ReasonNoFeatures              = "no_features"
	ReasonValidLanduse            = "valid_landuse"
	ReasonRoadWithBuildingOrPlace = "road_with_building_or_place"
	ReasonPlace                   = "place"
	ReasonInsufficientEvidence    = "insufficient_evidence"
	ReasonRoadOrBuilding          = "road_or_building"
	ReasonFailOpen                = "provider_error_fail_open"

	excludedLanduseReasonPrefix = "excluded_landuse:"
)

var (
	excludedLanduse = map[string]bool{
		"farmland": true,
		"forest":   true,
		"water":    true,
		"wetland":  true,
		"park":     true,
	}

	validLanduse = map[string]bool{
		"residential": true,
		"commercial":  true,
		"retail":      true,
		"industrial":  true,
	}

	acceptedPlaces = map[string]bool{
		"town":     true,
		"city":     true,
		"village":  true,
		"locality": true,
		"hamlet":   true,
	}

	adaptiveBlockingLanduse = map[string]bool{
		"water":   true,
		"wetland": true,
	}
)

// Options configures a Validator.
type Options struct {
	DefaultRadiusM   int
	QueryLimit       int
	AdaptiveRadiiM   []int
	BatchConcurrency int
	FailOpen         bool
}

func DefaultOptions() Options {
	return Options{
		DefaultRadiusM:   800,
		QueryLimit:       50,
		AdaptiveRadiiM:   []int{800, 1200, 1800},
		BatchConcurrency: batch.DefaultGroupSize,
		FailOpen:         true,
	}
}

// Stats is a snapshot of validator counters.
type Stats struct {
	Accepted    map[string]int `json:"accepted"`
	Rejected    map[string]int `json:"rejected"`
	FailOpen    int            `json:"failOpen"`
	CacheHits   int            `json:"cacheHits"`
	CacheMisses int            `json:"cacheMisses"`
}

// BatchResult is the outcome for one location of a batch, in input order.
type BatchResult struct {
	Location models.Location
	Result   *models.TilequeryResult
	Err      error
}

// Validator classifies whether a coordinate's surroundings support a store.
type Validator struct {
	provider geodata.Provider
	cache    *cache.ResultCache[models.TilequeryResult]
	opts     Options
	logger   logger.Logger

	mu          sync.Mutex
	accepted    map[string]int
	rejected    map[string]int
	failOpen    int
	cacheHits   int
	cacheMisses int
}

// NewValidator builds a validator. A nil cache disables caching.
func NewValidator(provider geodata.Provider, resultCache *cache.ResultCache[models.TilequeryResult], opts Options, log logger.Logger) (*Validator, error) {
	if provider == nil {
		return nil, errors.New("validator requires a geodata provider")
	}
	def := DefaultOptions()
	if opts.DefaultRadiusM <= 0 {
		opts.DefaultRadiusM = def.DefaultRadiusM
	}
	if opts.QueryLimit <= 0 {
		opts.QueryLimit = def.QueryLimit
	}
	if len(opts.AdaptiveRadiiM) == 0 {
		opts.AdaptiveRadiiM = def.AdaptiveRadiiM
	}
	if opts.BatchConcurrency <= 0 {
		opts.BatchConcurrency = def.BatchConcurrency
	}

	return &Validator{
		provider: provider,
		cache:    resultCache,
		opts:     opts,
		logger:   logger.ForComponent(log, "suitability-validator"),
		accepted: make(map[string]int),
		rejected: make(map[string]int),
	}, nil
}

// Classify applies the full acceptance rule to a feature set.
func Classify(features []geodata.Feature, limit int) (models.TilequeryResult, string) {
	var result models.TilequeryResult

	for _, f := range features {
		if lu, ok := f.(geodata.LanduseFeature); ok && excludedLanduse[lu.Class] {
			result.LanduseType = lu.Class
			return result, excludedLanduseReasonPrefix + lu.Class
		}
	}

	if len(features) == 0 {
		return result, ReasonNoFeatures
	}

	var (
		hasValidLanduse, hasRoad, hasBuilding, hasPlace bool
		roads, buildings                                int
	)
	for _, f := range features {
		switch v := f.(type) {
		case geodata.LanduseFeature:
			if validLanduse[v.Class] && !hasValidLanduse {
				hasValidLanduse = true
				result.LanduseType = v.Class
			}
		case geodata.RoadFeature:
			if !v.Accepted() {
				continue
			}
			hasRoad = true
			roads++
			result.RoadDistanceM = nearest(result.RoadDistanceM, v.DistanceM)
		case geodata.BuildingFeature:
			hasBuilding = true
			buildings++
			result.BuildingDistanceM = nearest(result.BuildingDistanceM, v.DistanceM)
		case geodata.PlaceFeature:
			if acceptedPlaces[v.Type] {
				hasPlace = true
			}
		}
	}
	result.UrbanDensityIndex = densityIndex(roads+buildings, limit)

	var reason string
	switch {
	case hasValidLanduse:
		reason = ReasonValidLanduse
	case hasRoad && (hasBuilding || hasPlace):
		reason = ReasonRoadWithBuildingOrPlace
	case hasPlace:
		reason = ReasonPlace
	default:
		return result, ReasonInsufficientEvidence
	}
	result.IsSuitable = true
	return result, reason
}

// ClassifySimplified accepts when any accepted road or any building is present
// and no water or wetland land-use is.
func ClassifySimplified(features []geodata.Feature, limit int) (models.TilequeryResult, string) {
	var result models.TilequeryResult
	if len(features) == 0 {
		return result, ReasonNoFeatures
	}

	var roads, buildings int
	for _, f := range features {
		switch v := f.(type) {
		case geodata.LanduseFeature:
			if adaptiveBlockingLanduse[v.Class] {
				result.LanduseType = v.Class
				return result, excludedLanduseReasonPrefix + v.Class
			}
			if result.LanduseType == "" {
				result.LanduseType = v.Class
			}
		case geodata.RoadFeature:
			if !v.Accepted() {
				continue
			}
			roads++
			result.RoadDistanceM = nearest(result.RoadDistanceM, v.DistanceM)
		case geodata.BuildingFeature:
			buildings++
			result.BuildingDistanceM = nearest(result.BuildingDistanceM, v.DistanceM)
		}
	}
	result.UrbanDensityIndex = densityIndex(roads+buildings, limit)

	if roads == 0 && buildings == 0 {
		return result, ReasonInsufficientEvidence
	}
	result.IsSuitable = true
	return result, ReasonRoadOrBuilding
}

// ValidateLocation classifies (lat, lng) at the default radius, serving and
// filling the result cache.
func (v *Validator) ValidateLocation(ctx context.Context, lat, lng float64) (*models.TilequeryResult, error) {
	if cached, ok := v.lookup(ctx, lat, lng); ok {
		return cached, nil
	}

	fc, err := v.provider.Query(ctx, v.query(lat, lng, v.opts.DefaultRadiusM))
	if err != nil {
		return v.providerFailure(lat, lng, err)
	}

	result, reason := Classify(fc.Features, v.opts.QueryLimit)
	v.record(result.IsSuitable, reason)

	v.store(ctx, lat, lng, &result, fc)
	return &result, nil
}

// ValidateLocationAdaptive widens the radius until a non-empty response is
// found and classifies it with the simplified rule. Results are not cached.
func (v *Validator) ValidateLocationAdaptive(ctx context.Context, lat, lng float64) (*models.TilequeryResult, error) {
	var last int
	for _, radius := range v.opts.AdaptiveRadiiM {
		last = radius
		fc, err := v.provider.Query(ctx, v.query(lat, lng, radius))
		if err != nil {
			return v.providerFailure(lat, lng, err)
		}
		if fc.Empty() {
			v.logger.Debug("no features, widening radius", map[string]interface{}{
				"lat":    lat,
				"lng":    lng,
				"radius": radius,
			})
			continue
		}

		result, reason := ClassifySimplified(fc.Features, v.opts.QueryLimit)
		result.RadiusUsedM = radius
		v.record(result.IsSuitable, reason)
		return &result, nil
	}

	v.record(false, ReasonNoFeatures)
	return &models.TilequeryResult{RadiusUsedM: last}, nil
}

// ValidateLocationsBatch validates locations in sequential groups of
// concurrency members. A failure aborts only its own item.
func (v *Validator) ValidateLocationsBatch(ctx context.Context, locations []models.Location, concurrency int, adaptive bool) []BatchResult {
	if concurrency <= 0 {
		concurrency = v.opts.BatchConcurrency
	}

	validate := v.ValidateLocation
	if adaptive {
		validate = v.ValidateLocationAdaptive
	}

	results := batch.Map(ctx, locations, concurrency, func(ctx context.Context, loc models.Location) (*models.TilequeryResult, error) {
		return validate(ctx, loc.Lat, loc.Lng)
	})

	out := make([]BatchResult, len(results))
	for i, r := range results {
		out[i] = BatchResult{Location: locations[i], Result: r.Value, Err: r.Err}
		if r.Err != nil {
			v.logger.Error("location validation failed", map[string]interface{}{
				"lat":   locations[i].Lat,
				"lng":   locations[i].Lng,
				"error": r.Err.Error(),
			})
		}
	}
	return out
}

// Stats returns a copy of the counters.
func (v *Validator) Stats() Stats {
	v.mu.Lock()
	defer v.mu.Unlock()

	s := Stats{
		Accepted:    make(map[string]int, len(v.accepted)),
		Rejected:    make(map[string]int, len(v.rejected)),
		FailOpen:    v.failOpen,
		CacheHits:   v.cacheHits,
		CacheMisses: v.cacheMisses,
	}
	for k, n := range v.accepted {
		s.Accepted[k] = n
	}
	for k, n := range v.rejected {
		s.Rejected[k] = n
	}
	return s
}

func (v *Validator) query(lat, lng float64, radius int) geodata.Query {
	return geodata.Query{
		Center:       geodata.Point{Lat: lat, Lng: lng},
		RadiusMeters: radius,
		Layers:       geodata.AllLayers,
		Limit:        v.opts.QueryLimit,
	}
}

func (v *Validator) providerFailure(lat, lng float64, err error) (*models.TilequeryResult, error) {
	if errors.Is(err, geodata.ErrAuthenticationFailed) || !v.opts.FailOpen {
		return nil, geodata.ToStandardError(v.provider.Name(), err)
	}

	v.mu.Lock()
	v.failOpen++
	v.mu.Unlock()
	metrics.SuitabilityDecisions.WithLabelValues("accept", ReasonFailOpen).Inc()

	v.logger.Warn("geodata provider failed, failing open", map[string]interface{}{
		"lat":      lat,
		"lng":      lng,
		"provider": v.provider.Name(),
		"error":    err.Error(),
	})
	return &models.TilequeryResult{IsSuitable: true, FailOpen: true}, nil
}

func (v *Validator) lookup(ctx context.Context, lat, lng float64) (*models.TilequeryResult, bool) {
	if v.cache == nil {
		return nil, false
	}
	cached, ok, err := v.cache.Get(ctx, lat, lng)
	if err != nil {
		v.logger.Warn("suitability cache read failed", map[string]interface{}{
			"lat":   lat,
			"lng":   lng,
			"error": err.Error(),
		})
	}

	v.mu.Lock()
	if ok {
		v.cacheHits++
	} else {
		v.cacheMisses++
	}
	v.mu.Unlock()

	if !ok {
		return nil, false
	}
	return &cached, true
}

func (v *Validator) store(ctx context.Context, lat, lng float64, result *models.TilequeryResult, fc *geodata.FeatureCollection) {
	if v.cache == nil {
		return
	}
	if err := v.cache.Set(ctx, lat, lng, *result, fc.Raw); err != nil {
		v.logger.Warn("suitability cache write failed", map[string]interface{}{
			"lat":   lat,
			"lng":   lng,
			"error": err.Error(),
		})
	}
}

func (v *Validator) record(accepted bool, reason string) {
	v.mu.Lock()
	if accepted {
		v.accepted[reason]++
	} else {
		v.rejected[reason]++
	}
	v.mu.Unlock()

	decision := "reject"
	if accepted {
		decision = "accept"
	}
	metrics.SuitabilityDecisions.WithLabelValues(decision, reason).Inc()
}

func nearest(current *float64, d float64) *float64 {
	if current == nil || d < *current {
		return &d
	}
	return current
}

func densityIndex(count, limit int) float64 {
	if limit <= 0 {
		return 0
	}
	idx := float64(count) / float64(limit)
	if idx > 1 {
		return 1
	}
	return idx
}
