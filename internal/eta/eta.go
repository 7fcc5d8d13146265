package eta

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ivan/internal/geo"
	"github.com/example/ivan/internal/logging"
	"github.com/example/ivan/internal/models"
)

// DefaultSpeedMps is roughly 28.8 km/h, a city shuttle pace.
const DefaultSpeedMps = 8.0

// Router returns a road travel time between two points.
type Router interface {
	EstimateSeconds(ctx context.Context, from, to models.Coord) (float64, error)
}

// Cache is a small in-memory cache for ETA lookups keyed by coords.
type Cache struct {
	mu    sync.RWMutex
	store map[string]cacheEntry
	ttl   time.Duration
}

type cacheEntry struct {
	v  float64
	ts time.Time
}

func NewCache(ttl time.Duration) *Cache {
	return &Cache{store: make(map[string]cacheEntry), ttl: ttl}
}

func keyFor(a, b models.Coord) string {
	return fmtCoord(a) + "->" + fmtCoord(b)
}

// five decimals is about a metre
func fmtCoord(c models.Coord) string {
	return fmt.Sprintf("%.5f,%.5f", c.Lat, c.Lon)
}

// Get returns the cached value and true if present and not expired.
func (c *Cache) Get(a, b models.Coord) (float64, bool) {
	k := keyFor(a, b)
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if !ok {
		return 0, false
	}
	if time.Since(e.ts) > c.ttl {
		c.mu.Lock()
		delete(c.store, k)
		c.mu.Unlock()
		return 0, false
	}
	return e.v, true
}

func (c *Cache) Set(a, b models.Coord, v float64) {
	k := keyFor(a, b)
	c.mu.Lock()
	c.store[k] = cacheEntry{v: v, ts: time.Now()}
	c.mu.Unlock()
}

// EstimateSeconds is straight-line distance over speed.
func EstimateSeconds(from, to models.Coord, speedMps float64) float64 {
	if speedMps <= 0 {
		speedMps = DefaultSpeedMps
	}
	return geo.DistanceMeters(from, to) / speedMps
}

// Estimate is a driver-to-station arrival estimate.
type Estimate struct {
	Seconds        float64 `json:"seconds"`
	DistanceMeters float64 `json:"distance_meters"`
	Source         string  `json:"source"`
}

// Estimator asks the router first and falls back to the straight-line
// estimate when no router is configured or the router fails.
type Estimator struct {
	router   Router
	cache    *Cache
	speedMps float64
	logger   *slog.Logger
}

func NewEstimator(router Router, cache *Cache, speedMps float64, logger *slog.Logger) *Estimator {
	if cache == nil {
		cache = NewCache(30 * time.Second)
	}
	return &Estimator{router: router, cache: cache, speedMps: speedMps, logger: logging.Component(logger, "eta")}
}

func (e *Estimator) Estimate(ctx context.Context, from, to models.Coord) Estimate {
	dist := geo.DistanceMeters(from, to)
	if v, ok := e.cache.Get(from, to); ok {
		return Estimate{Seconds: v, DistanceMeters: dist, Source: "cache"}
	}
	if e.router != nil {
		secs, err := e.router.EstimateSeconds(ctx, from, to)
		if err == nil {
			e.cache.Set(from, to, secs)
			return Estimate{Seconds: secs, DistanceMeters: dist, Source: "osrm"}
		}
		e.logger.Warn("routing eta failed, using straight line", "error", err)
	}
	secs := EstimateSeconds(from, to, e.speedMps)
	e.cache.Set(from, to, secs)
	return Estimate{Seconds: secs, DistanceMeters: dist, Source: "straight_line"}
}
