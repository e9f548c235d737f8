package geo

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/tow-dispatch/internal/models"
)

// RedisGeo mirrors driver positions into a Redis GEO set for the map view.
// The dispatch core never reads from it; the registry stays authoritative.
type RedisGeo struct {
	client   redis.UniversalClient
	key      string
	radiusKm float64
}

func NewRedisGeo(addr, password, key string) *RedisGeo {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return NewRedisGeoWithClient(c, key)
}

func NewRedisGeoWithClient(c redis.UniversalClient, key string) *RedisGeo {
	return &RedisGeo{client: c, key: key, radiusKm: 25}
}

func (r *RedisGeo) GeoAdd(ctx context.Context, key string, loc *redis.GeoLocation) error {
	return r.client.GeoAdd(ctx, key, loc).Err()
}

func (r *RedisGeo) HSet(ctx context.Context, key string, values map[string]interface{}) error {
	return r.client.HSet(ctx, key, values).Err()
}

// Key is the GEO set name locations are written to.
func (r *RedisGeo) Key() string { return r.key }

// Upsert stores the position with GEOADD and the metadata in a hash.
func (r *RedisGeo) Upsert(ctx context.Context, u models.LocationUpdate) error {
	if err := r.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: u.Location.Lng, Latitude: u.Location.Lat, Name: u.DriverID}); err != nil {
		return err
	}
	return r.HSet(ctx, MetaKey(u.DriverID), MetaFields(u))
}

// Nearby returns up to limit drivers within the search radius, closest first.
func (r *RedisGeo) Nearby(ctx context.Context, lat, lng float64, limit int) ([]models.Driver, error) {
	res, err := r.client.GeoRadius(ctx, r.key, lng, lat, &redis.GeoRadiusQuery{Radius: r.radiusKm, Unit: "km", WithCoord: true, WithDist: true, Count: limit, Sort: "ASC"}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]models.Driver, 0, len(res))
	for _, g := range res {
		d := models.Driver{ID: g.Name, Location: models.Coord{Lat: g.Latitude, Lng: g.Longitude}}
		if m, err := r.client.HGetAll(ctx, MetaKey(g.Name)).Result(); err == nil {
			if v, ok := m["rating"]; ok {
				if f, err := strconv.ParseFloat(v, 64); err == nil {
					d.Rating = f
				}
			}
			if v, ok := m["status"]; ok {
				d.Status = models.DriverStatus(v)
			}
			if v, ok := m["updated"]; ok {
				if ts, err := time.Parse(time.RFC3339, v); err == nil {
					d.LastActive = ts
				}
			}
		}
		out = append(out, d)
	}
	return out, nil
}

func MetaKey(id string) string { return "driver:meta:" + id }

// MetaFields is the hash payload stored next to each GEO member.
func MetaFields(u models.LocationUpdate) map[string]interface{} {
	at := u.At
	if at.IsZero() {
		at = time.Now()
	}
	return map[string]interface{}{
		"rating":  strconv.FormatFloat(u.Rating, 'f', -1, 64),
		"status":  u.Status,
		"updated": at.UTC().Format(time.RFC3339),
	}
}
