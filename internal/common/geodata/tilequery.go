package geodata

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	commonhttp "site-expansion/internal/common/http"
	"site-expansion/internal/common/logger"
	"site-expansion/internal/common/metrics"
)

const tilequeryName = "tilequery"

// maxResponseBytes bounds how much of a provider body is read.
const maxResponseBytes = 4 << 20

var tilequeryLayers = map[Layer][]string{
	LayerRoad:     {"road"},
	LayerBuilding: {"building"},
	LayerPlace:    {"place_label"},
	LayerLanduse:  {"landuse", "landuse_overlay", "water"},
}

type TilequeryConfig struct {
	BaseURL     string
	Tileset     string
	AccessToken string
}

// TilequeryClient queries a Mapbox-compatible tilequery endpoint.
type TilequeryClient struct {
	cfg    TilequeryConfig
	client *commonhttp.Client
	logger logger.Logger
}

func NewTilequeryClient(cfg TilequeryConfig, client *commonhttp.Client, log logger.Logger) *TilequeryClient {
	return &TilequeryClient{
		cfg:    cfg,
		client: client,
		logger: logger.ForComponent(log, "geodata.tilequery"),
	}
}

func (c *TilequeryClient) Name() string { return tilequeryName }

func (c *TilequeryClient) Query(ctx context.Context, q Query) (*FeatureCollection, error) {
	start := time.Now()
	fc, err := c.query(ctx, q)
	metrics.GeodataRequestDuration.WithLabelValues(tilequeryName).Observe(time.Since(start).Seconds())
	metrics.GeodataRequests.WithLabelValues(tilequeryName, statusLabel(err)).Inc()
	if err != nil {
		c.logger.Warn("tilequery request failed", map[string]interface{}{
			"lat":    q.Center.Lat,
			"lng":    q.Center.Lng,
			"radius": q.RadiusMeters,
			"error":  err.Error(),
		})
		return nil, err
	}
	if fc.Skipped > 0 {
		c.logger.Debug("dropped unrecognized features", map[string]interface{}{"skipped": fc.Skipped})
	}
	return fc, nil
}

func (c *TilequeryClient) query(ctx context.Context, q Query) (*FeatureCollection, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.buildURL(q), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", ErrProviderUnavailable, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.DoWithContext(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", ErrProviderUnavailable, ctx.Err())
		}
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
		return nil, statusError(resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrProviderUnavailable, err)
	}
	return Decode(body)
}

func (c *TilequeryClient) buildURL(q Query) string {
	var layers []string
	for _, l := range q.Layers {
		layers = append(layers, tilequeryLayers[l]...)
	}

	params := url.Values{}
	params.Set("radius", strconv.Itoa(q.RadiusMeters))
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}
	if len(layers) > 0 {
		params.Set("layers", strings.Join(layers, ","))
	}
	params.Set("dedupe", "true")
	params.Set("access_token", c.cfg.AccessToken)

	return fmt.Sprintf("%s/v4/%s/tilequery/%s,%s.json?%s",
		strings.TrimRight(c.cfg.BaseURL, "/"),
		c.cfg.Tileset,
		strconv.FormatFloat(q.Center.Lng, 'f', -1, 64),
		strconv.FormatFloat(q.Center.Lat, 'f', -1, 64),
		params.Encode(),
	)
}
