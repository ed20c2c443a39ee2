// Package eta estimates how long an offeror needs to reach a pickup.
package eta

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/example/ride-pairing/internal/geo"
	"github.com/example/ride-pairing/internal/models"
)

// Client is a routing backend.
type Client interface {
	EstimateSeconds(from, to models.Coord) (float64, error)
}

// Cache keeps routed ETAs for a while, keyed by the coordinate pair rounded
// to ~10cm.
type Cache struct {
	items *ttlcache.Cache[string, float64]
}

func NewCache(ttl time.Duration) *Cache {
	c := ttlcache.New[string, float64](
		ttlcache.WithTTL[string, float64](ttl),
		ttlcache.WithDisableTouchOnHit[string, float64](),
	)
	go c.Start()
	return &Cache{items: c}
}

func (c *Cache) Close() { c.items.Stop() }

func keyFor(a, b models.Coord) string {
	return fmt.Sprintf("%.6f,%.6f->%.6f,%.6f", a.Lat, a.Lon, b.Lat, b.Lon)
}

func (c *Cache) Get(a, b models.Coord) (float64, bool) {
	item := c.items.Get(keyFor(a, b))
	if item == nil {
		return 0, false
	}
	return item.Value(), true
}

func (c *Cache) Set(a, b models.Coord, v float64) {
	c.items.Set(keyFor(a, b), v, ttlcache.DefaultTTL)
}

const defaultSpeedMps = 8.0 // ~28.8 km/h city speed

// EstimateSeconds is straight-line distance over speed.
func EstimateSeconds(from, to models.Coord, speedMps float64) float64 {
	if speedMps <= 0 {
		speedMps = defaultSpeedMps
	}
	return geo.Distance(from, to) / speedMps
}

// Estimator asks the routing client through the cache and falls back to the
// naive estimate when the client is missing or fails.
type Estimator struct {
	client   Client
	cache    *Cache
	speedMps float64
	logger   *slog.Logger
}

// NewEstimator accepts a nil client or cache.
func NewEstimator(client Client, cache *Cache, speedMps float64, logger *slog.Logger) *Estimator {
	return &Estimator{client: client, cache: cache, speedMps: speedMps, logger: logger.With("component", "eta")}
}

func (e *Estimator) Estimate(from, to models.Coord) float64 {
	if e.cache != nil {
		if v, ok := e.cache.Get(from, to); ok {
			return v
		}
	}
	if e.client != nil {
		v, err := e.client.EstimateSeconds(from, to)
		if err == nil {
			if e.cache != nil {
				e.cache.Set(from, to, v)
			}
			return v
		}
		e.logger.Warn("routing eta failed, using straight line", "error", err)
	}
	return EstimateSeconds(from, to, e.speedMps)
}
