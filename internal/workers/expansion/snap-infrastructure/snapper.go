package snapinfrastructure

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"golang.org/x/sync/errgroup"

	"site-expansion/internal/common/batch"
	"site-expansion/internal/common/cache"
	"site-expansion/internal/common/geodata"
	"site-expansion/internal/common/logger"
	"site-expansion/internal/common/metrics"
	"site-expansion/internal/models"
)

const (
	OutcomeRoad         = "road"
	OutcomeBuilding     = "building"
	OutcomeNoSnapTarget = models.RejectionNoSnapTarget
	OutcomeFailOpen     = "fail_open"
)

// DefaultMaxSnapDistanceM bounds how far a coordinate may move.
const DefaultMaxSnapDistanceM = 1500

type Options struct {
	MaxSnapDistanceM int
	QueryLimit       int
	BatchConcurrency int
	FailOpen         bool
}

func DefaultOptions() Options {
	return Options{
		MaxSnapDistanceM: DefaultMaxSnapDistanceM,
		QueryLimit:       25,
		BatchConcurrency: batch.DefaultGroupSize,
		FailOpen:         true,
	}
}

type Stats struct {
	Outcomes    map[string]int `json:"outcomes"`
	CacheHits   int            `json:"cacheHits"`
	CacheMisses int            `json:"cacheMisses"`
}

type BatchResult struct {
	Location models.Location
	Result   *models.SnappingResult
	Err      error
}

// Snapper moves a coordinate onto the nearest accepted road or building.
type Snapper struct {
	provider geodata.Provider
	cache    *cache.ResultCache[models.SnappingResult]
	opts     Options
	logger   logger.Logger

	mu          sync.Mutex
	outcomes    map[string]int
	cacheHits   int
	cacheMisses int
}

// NewSnapper builds a snapper. A nil cache disables caching.
func NewSnapper(provider geodata.Provider, resultCache *cache.ResultCache[models.SnappingResult], opts Options, log logger.Logger) (*Snapper, error) {
	if provider == nil {
		return nil, errors.New("snapper requires a geodata provider")
	}
	def := DefaultOptions()
	if opts.MaxSnapDistanceM <= 0 {
		opts.MaxSnapDistanceM = def.MaxSnapDistanceM
	}
	if opts.QueryLimit <= 0 {
		opts.QueryLimit = def.QueryLimit
	}
	if opts.BatchConcurrency <= 0 {
		opts.BatchConcurrency = def.BatchConcurrency
	}

	return &Snapper{
		provider: provider,
		cache:    resultCache,
		opts:     opts,
		logger:   logger.ForComponent(log, "infrastructure-snapper"),
		outcomes: make(map[string]int),
	}, nil
}

// SnapToInfrastructure queries roads and buildings concurrently and snaps to
// whichever is closer. Ties go to the road.
func (s *Snapper) SnapToInfrastructure(ctx context.Context, lat, lng float64) (*models.SnappingResult, error) {
	if cached, ok := s.lookup(ctx, lat, lng); ok {
		return cached, nil
	}

	var roads, buildings *geodata.FeatureCollection
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		fc, err := s.provider.Query(gctx, s.query(lat, lng, geodata.LayerRoad))
		roads = fc
		return err
	})
	g.Go(func() error {
		fc, err := s.provider.Query(gctx, s.query(lat, lng, geodata.LayerBuilding))
		buildings = fc
		return err
	})
	if err := g.Wait(); err != nil {
		return s.providerFailure(lat, lng, err)
	}

	result := Select(lat, lng, roads, buildings, float64(s.opts.MaxSnapDistanceM))
	s.record(outcomeOf(result))

	s.store(ctx, lat, lng, result, roads, buildings)
	return result, nil
}

// Select picks the snap target from road and building responses.
func Select(lat, lng float64, roads, buildings *geodata.FeatureCollection, maxDistance float64) *models.SnappingResult {
	result := &models.SnappingResult{OriginalLat: lat, OriginalLng: lng}

	road, hasRoad := nearestRoad(roads, maxDistance)
	bld, hasBuilding := nearestBuilding(buildings, maxDistance)

	switch {
	case hasRoad && (!hasBuilding || road.DistanceM <= bld.DistanceM):
		result.Success = true
		result.SnappedLat, result.SnappedLng = road.At.Lat, road.At.Lng
		result.SnapTarget = &models.SnapTarget{
			Type:      models.SnapTargetRoad,
			DistanceM: road.DistanceM,
			RoadClass: roadClass(road),
		}
	case hasBuilding:
		result.Success = true
		result.SnappedLat, result.SnappedLng = bld.At.Lat, bld.At.Lng
		result.SnapTarget = &models.SnapTarget{
			Type:         models.SnapTargetBuilding,
			DistanceM:    bld.DistanceM,
			BuildingType: bld.Type,
		}
	default:
		result.SnappedLat, result.SnappedLng = lat, lng
		result.RejectionReason = models.RejectionNoSnapTarget
	}
	return result
}

// SnapBatch snaps locations in sequential groups of concurrency members.
func (s *Snapper) SnapBatch(ctx context.Context, locations []models.Location, concurrency int) []BatchResult {
	if concurrency <= 0 {
		concurrency = s.opts.BatchConcurrency
	}

	results := batch.Map(ctx, locations, concurrency, func(ctx context.Context, loc models.Location) (*models.SnappingResult, error) {
		return s.SnapToInfrastructure(ctx, loc.Lat, loc.Lng)
	})

	out := make([]BatchResult, len(results))
	for i, r := range results {
		out[i] = BatchResult{Location: locations[i], Result: r.Value, Err: r.Err}
		if r.Err != nil {
			s.logger.Error("snapping failed", map[string]interface{}{
				"lat":   locations[i].Lat,
				"lng":   locations[i].Lng,
				"error": r.Err.Error(),
			})
		}
	}
	return out
}

func (s *Snapper) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{
		Outcomes:    make(map[string]int, len(s.outcomes)),
		CacheHits:   s.cacheHits,
		CacheMisses: s.cacheMisses,
	}
	for k, n := range s.outcomes {
		st.Outcomes[k] = n
	}
	return st
}

func (s *Snapper) query(lat, lng float64, layer geodata.Layer) geodata.Query {
	return geodata.Query{
		Center:       geodata.Point{Lat: lat, Lng: lng},
		RadiusMeters: s.opts.MaxSnapDistanceM,
		Layers:       []geodata.Layer{layer},
		Limit:        s.opts.QueryLimit,
	}
}

func (s *Snapper) providerFailure(lat, lng float64, err error) (*models.SnappingResult, error) {
	if errors.Is(err, geodata.ErrAuthenticationFailed) || !s.opts.FailOpen {
		return nil, geodata.ToStandardError(s.provider.Name(), err)
	}

	s.record(OutcomeFailOpen)
	s.logger.Warn("geodata provider failed, keeping original coordinate", map[string]interface{}{
		"lat":      lat,
		"lng":      lng,
		"provider": s.provider.Name(),
		"error":    err.Error(),
	})
	return &models.SnappingResult{
		Success:     true,
		OriginalLat: lat,
		OriginalLng: lng,
		SnappedLat:  lat,
		SnappedLng:  lng,
		FailOpen:    true,
	}, nil
}

func (s *Snapper) lookup(ctx context.Context, lat, lng float64) (*models.SnappingResult, bool) {
	if s.cache == nil {
		return nil, false
	}
	cached, ok, err := s.cache.Get(ctx, lat, lng)
	if err != nil {
		s.logger.Warn("snapping cache read failed", map[string]interface{}{
			"lat":   lat,
			"lng":   lng,
			"error": err.Error(),
		})
	}

	s.mu.Lock()
	if ok {
		s.cacheHits++
	} else {
		s.cacheMisses++
	}
	s.mu.Unlock()

	if !ok {
		return nil, false
	}
	return &cached, true
}

func (s *Snapper) store(ctx context.Context, lat, lng float64, result *models.SnappingResult, roads, buildings *geodata.FeatureCollection) {
	if s.cache == nil {
		return
	}

	raw, err := json.Marshal(map[string]json.RawMessage{
		"road":     rawOf(roads),
		"building": rawOf(buildings),
	})
	if err != nil {
		// cache the result without the provider payload
		s.logger.Warn("snapping raw response not serializable", map[string]interface{}{
			"lat":   lat,
			"lng":   lng,
			"error": err.Error(),
		})
		raw = nil
	}

	if err := s.cache.Set(ctx, lat, lng, *result, raw); err != nil {
		s.logger.Warn("snapping cache write failed", map[string]interface{}{
			"lat":   lat,
			"lng":   lng,
			"error": err.Error(),
		})
	}
}

func (s *Snapper) record(outcome string) {
	s.mu.Lock()
	s.outcomes[outcome]++
	s.mu.Unlock()
	metrics.SnapOutcomes.WithLabelValues(outcome).Inc()
}

func outcomeOf(r *models.SnappingResult) string {
	if r.SnapTarget == nil {
		return OutcomeNoSnapTarget
	}
	return r.SnapTarget.Type
}

func nearestRoad(fc *geodata.FeatureCollection, maxDistance float64) (geodata.RoadFeature, bool) {
	var best geodata.RoadFeature
	found := false
	if fc == nil {
		return best, false
	}
	for _, f := range fc.Features {
		r, ok := f.(geodata.RoadFeature)
		if !ok || !r.Accepted() || r.DistanceM > maxDistance {
			continue
		}
		if !found || r.DistanceM < best.DistanceM {
			best, found = r, true
		}
	}
	return best, found
}

func nearestBuilding(fc *geodata.FeatureCollection, maxDistance float64) (geodata.BuildingFeature, bool) {
	var best geodata.BuildingFeature
	found := false
	if fc == nil {
		return best, false
	}
	for _, f := range fc.Features {
		b, ok := f.(geodata.BuildingFeature)
		if !ok || b.DistanceM > maxDistance {
			continue
		}
		if !found || b.DistanceM < best.DistanceM {
			best, found = b, true
		}
	}
	return best, found
}

func roadClass(r geodata.RoadFeature) string {
	if r.Class != "" {
		return r.Class
	}
	return r.Type
}

func rawOf(fc *geodata.FeatureCollection) json.RawMessage {
	if fc == nil || len(fc.Raw) == 0 {
		return json.RawMessage("null")
	}
	return fc.Raw
}
