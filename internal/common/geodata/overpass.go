package geodata

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/serjvanilla/go-overpass"

	commonhttp "site-expansion/internal/common/http"
	"site-expansion/internal/common/logger"
	"site-expansion/internal/common/metrics"
)

const overpassName = "overpass"

// OverpassClient answers feature queries from OpenStreetMap through an Overpass API endpoint.
type OverpassClient struct {
	client  *overpass.Client
	limiter *commonhttp.Client
	logger  logger.Logger
}

func NewOverpassClient(endpoint string, httpClient *commonhttp.Client, log logger.Logger) *OverpassClient {
	client := overpass.NewWithSettings(endpoint, 2, httpClient.StandardClient())
	return &OverpassClient{
		client:  &client,
		limiter: httpClient,
		logger:  logger.ForComponent(log, "geodata.overpass"),
	}
}

func (c *OverpassClient) Name() string { return overpassName }

func (c *OverpassClient) Query(ctx context.Context, q Query) (*FeatureCollection, error) {
	start := time.Now()
	fc, err := c.query(ctx, q)
	metrics.GeodataRequestDuration.WithLabelValues(overpassName).Observe(time.Since(start).Seconds())
	metrics.GeodataRequests.WithLabelValues(overpassName, statusLabel(err)).Inc()
	if err != nil {
		c.logger.Warn("overpass request failed", map[string]interface{}{
			"lat":    q.Center.Lat,
			"lng":    q.Center.Lng,
			"radius": q.RadiusMeters,
			"error":  err.Error(),
		})
		return nil, err
	}
	return fc, nil
}

type overpassOutcome struct {
	result overpass.Result
	err    error
}

func (c *OverpassClient) query(ctx context.Context, q Query) (*FeatureCollection, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProviderUnavailable, err)
	}

	// The overpass client takes no context; the http client timeout bounds the
	// call and ctx bounds how long we wait for it.
	done := make(chan overpassOutcome, 1)
	go func() {
		res, err := c.client.Query(BuildOverpassQuery(q))
		done <- overpassOutcome{result: res, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", ErrProviderUnavailable, ctx.Err())
	case out := <-done:
		if out.err != nil {
			return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, out.err)
		}
		return c.convert(q, &out.result)
	}
}

// BuildOverpassQuery renders an around: query for the requested layers.
func BuildOverpassQuery(q Query) string {
	around := fmt.Sprintf("(around:%d,%f,%f)", q.RadiusMeters, q.Center.Lat, q.Center.Lng)

	var b strings.Builder
	b.WriteString("[out:json][timeout:25];\n(\n")
	for _, l := range q.Layers {
		switch l {
		case LayerRoad:
			fmt.Fprintf(&b, "  way%s[\"highway\"];\n", around)
		case LayerBuilding:
			fmt.Fprintf(&b, "  way%s[\"building\"];\n", around)
		case LayerPlace:
			fmt.Fprintf(&b, "  node%s[\"place\"];\n", around)
		case LayerLanduse:
			fmt.Fprintf(&b, "  way%s[\"landuse\"];\n", around)
			fmt.Fprintf(&b, "  way%s[\"natural\"~\"water|wetland|wood\"];\n", around)
			fmt.Fprintf(&b, "  way%s[\"leisure\"=\"park\"];\n", around)
		}
	}
	b.WriteString(");\nout body;\n>;\nout skel qt;\n")
	return b.String()
}

func (c *OverpassClient) convert(q Query, res *overpass.Result) (*FeatureCollection, error) {
	center := q.Center
	radius := float64(q.RadiusMeters)
	wanted := make(map[Layer]bool, len(q.Layers))
	for _, l := range q.Layers {
		wanted[l] = true
	}

	fc := &FeatureCollection{}
	keep := func(f Feature) {
		if f.Layer() != LayerLanduse && f.Distance() > radius {
			return
		}
		fc.Features = append(fc.Features, f)
	}

	for _, node := range res.Nodes {
		place, ok := node.Tags["place"]
		if !ok || !wanted[LayerPlace] {
			continue
		}
		at := Point{Lat: node.Lat, Lng: node.Lon}
		keep(PlaceFeature{Type: place, DistanceM: DistanceMeters(center, at), At: at})
	}

	for _, way := range res.Ways {
		path := make([]Point, 0, len(way.Nodes))
		for _, n := range way.Nodes {
			if n == nil {
				continue
			}
			path = append(path, Point{Lat: n.Lat, Lng: n.Lon})
		}
		if len(path) == 0 {
			fc.Skipped++
			continue
		}

		switch {
		case way.Tags["highway"] != "" && wanted[LayerRoad]:
			at, d := ClosestOnPath(center, path)
			keep(RoadFeature{Class: way.Tags["highway"], DistanceM: d, At: at})
		case way.Tags["building"] != "" && wanted[LayerBuilding]:
			at := Centroid(path)
			keep(BuildingFeature{Type: way.Tags["building"], DistanceM: DistanceMeters(center, at), At: at})
		case wanted[LayerLanduse]:
			class := landuseClass(way.Tags)
			if class == "" {
				fc.Skipped++
				continue
			}
			at := Centroid(path)
			d := DistanceMeters(center, at)
			if way.Bounds != nil && within(center, way.Bounds.Min.Lat, way.Bounds.Min.Lon, way.Bounds.Max.Lat, way.Bounds.Max.Lon) {
				d = 0
			}
			keep(LanduseFeature{Class: class, DistanceM: d, At: at})
		default:
			fc.Skipped++
		}
	}

	SortByDistance(fc.Features)
	if q.Limit > 0 && len(fc.Features) > q.Limit {
		fc.Features = fc.Features[:q.Limit]
	}

	raw, err := Encode(fc.Features)
	if err != nil {
		return nil, fmt.Errorf("%w: encode features: %v", ErrProviderUnavailable, err)
	}
	fc.Raw = raw
	return fc, nil
}

func landuseClass(tags map[string]string) string {
	if v := tags["landuse"]; v != "" {
		return v
	}
	switch tags["natural"] {
	case "water":
		return "water"
	case "wetland":
		return "wetland"
	case "wood":
		return "forest"
	}
	if tags["leisure"] == "park" {
		return "park"
	}
	return ""
}

func within(p Point, minLat, minLng, maxLat, maxLng float64) bool {
	return p.Lat >= minLat && p.Lat <= maxLat && p.Lng >= minLng && p.Lng <= maxLng
}
