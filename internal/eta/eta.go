package eta

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/example/tow-dispatch/internal/geo"
	"github.com/example/tow-dispatch/internal/models"
)

// NaiveSpeedKmh is the flat road speed used when no routing engine answers.
const NaiveSpeedKmh = 30.0

// Client is a routing engine that returns drive time in seconds.
type Client interface {
	EstimateSeconds(ctx context.Context, from, to models.Coord) (float64, error)
}

// Cache is a tiny in-memory cache for ETA lookups keyed by coords.
type Cache struct {
	mu    sync.RWMutex
	store map[string]cacheEntry
	ttl   time.Duration
	now   func() time.Time
}

type cacheEntry struct {
	v  float64
	ts time.Time
}

func NewCache(ttl time.Duration) *Cache {
	return &Cache{store: make(map[string]cacheEntry), ttl: ttl, now: time.Now}
}

func keyFor(a, b models.Coord) string {
	return fmtCoord(a) + "->" + fmtCoord(b)
}

func fmtCoord(c models.Coord) string {
	return fmt.Sprintf("%.5f,%.5f", c.Lat, c.Lng)
}

// Get returns cached value and true if present and not expired.
func (c *Cache) Get(a, b models.Coord) (float64, bool) {
	k := keyFor(a, b)
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if !ok {
		return 0, false
	}
	if c.now().Sub(e.ts) > c.ttl {
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
	c.store[k] = cacheEntry{v: v, ts: c.now()}
	c.mu.Unlock()
}

// NaiveMinutes converts straight-line distance to whole minutes at NaiveSpeedKmh.
func NaiveMinutes(distanceKm float64) int {
	return int(math.Round(distanceKm / NaiveSpeedKmh * 60))
}

// Estimator answers arrival estimates for dispatch responses. With no
// routing client, or when the client fails, it falls back to NaiveMinutes.
type Estimator struct {
	Client Client
	Cache  *Cache
	Log    logrus.FieldLogger
}

func NewEstimator(client Client, cache *Cache, log logrus.FieldLogger) *Estimator {
	return &Estimator{Client: client, Cache: cache, Log: log}
}

func (e *Estimator) ArrivalMinutes(ctx context.Context, from, to models.Coord) int {
	naive := NaiveMinutes(geo.DistanceKm(from.Lat, from.Lng, to.Lat, to.Lng))
	if e == nil || e.Client == nil {
		return naive
	}
	if e.Cache != nil {
		if secs, ok := e.Cache.Get(from, to); ok {
			return int(math.Round(secs / 60))
		}
	}
	secs, err := e.Client.EstimateSeconds(ctx, from, to)
	if err != nil {
		if e.Log != nil {
			e.Log.WithError(err).Debug("routing lookup failed, using straight-line estimate")
		}
		return naive
	}
	if e.Cache != nil {
		e.Cache.Set(from, to, secs)
	}
	return int(math.Round(secs / 60))
}
