// Package cache implements the TTL result cache shared by the suitability
// validator and the infrastructure snapper.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"site-expansion/internal/common/metrics"
)

const (
	SuitabilityTTL = 30 * 24 * time.Hour
	SnappingTTL    = 90 * 24 * time.Hour
)

// ResultCache stores values of type T under the coordinate hash of (lat, lng).
type ResultCache[T any] struct {
	name  string
	store Store
	ttl   time.Duration
	now   func() time.Time
}

func New[T any](name string, store Store, ttl time.Duration) *ResultCache[T] {
	return &ResultCache[T]{name: name, store: store, ttl: ttl, now: time.Now}
}

// WithClock replaces the time source, for tests.
func (c *ResultCache[T]) WithClock(now func() time.Time) *ResultCache[T] {
	c.now = now
	return c
}

func (c *ResultCache[T]) Name() string { return c.name }

func (c *ResultCache[T]) TTL() time.Duration { return c.ttl }

// Get returns the cached value. An entry whose expiry is not after now is
// deleted and reported as a miss.
func (c *ResultCache[T]) Get(ctx context.Context, lat, lng float64) (T, bool, error) {
	var zero T
	hash := Key(lat, lng)

	entry, err := c.store.Get(ctx, hash)
	if err != nil {
		metrics.ResultCacheLookups.WithLabelValues(c.name, "error").Inc()
		return zero, false, err
	}
	if entry == nil {
		metrics.ResultCacheLookups.WithLabelValues(c.name, "miss").Inc()
		return zero, false, nil
	}

	if !entry.ExpiresAt.After(c.now()) {
		metrics.ResultCacheLookups.WithLabelValues(c.name, "expired").Inc()
		if err := c.store.Delete(ctx, hash); err != nil {
			return zero, false, fmt.Errorf("remove expired entry: %w", err)
		}
		return zero, false, nil
	}

	var value T
	if err := json.Unmarshal(entry.Result, &value); err != nil {
		metrics.ResultCacheLookups.WithLabelValues(c.name, "error").Inc()
		_ = c.store.Delete(ctx, hash)
		return zero, false, fmt.Errorf("decode cached %s result: %w", c.name, err)
	}

	metrics.ResultCacheLookups.WithLabelValues(c.name, "hit").Inc()
	return value, true, nil
}

// Set writes value with the cache TTL. Errors are for the caller to log; a
// failed write never invalidates the value that was computed.
func (c *ResultCache[T]) Set(ctx context.Context, lat, lng float64, value T, raw json.RawMessage) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s result: %w", c.name, err)
	}

	now := c.now().UTC()
	return c.store.Put(ctx, &Entry{
		CoordinateHash: Key(lat, lng),
		OriginalLat:    lat,
		OriginalLng:    lng,
		Result:         payload,
		RawResponse:    raw,
		ExpiresAt:      now.Add(c.ttl),
		CreatedAt:      now,
	})
}

func (c *ResultCache[T]) PurgeExpired(ctx context.Context) (int64, error) {
	return c.store.PurgeExpired(ctx, c.now())
}
