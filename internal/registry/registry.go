package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/example/tow-dispatch/internal/geo"
	"github.com/example/tow-dispatch/internal/models"
)

// Registry is the in-memory driver pool. Status changes are expected to come
// only from the lifecycle service; heartbeats may update location and
// lastActive at any time.
type Registry struct {
	mu      sync.RWMutex
	drivers map[string]*models.Driver
}

func New() *Registry {
	return &Registry{drivers: make(map[string]*models.Driver)}
}

// Upsert inserts or replaces a driver record.
func (r *Registry) Upsert(d models.Driver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := d.Clone()
	r.drivers[d.ID] = &c
}

func (r *Registry) Get(id string) (models.Driver, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.drivers[id]
	if !ok {
		return models.Driver{}, false
	}
	return d.Clone(), true
}

// List returns a snapshot of every driver ordered by id.
func (r *Registry) List() []models.Driver {
	r.mu.RLock()
	out := make([]models.Driver, 0, len(r.drivers))
	for _, d := range r.drivers {
		out = append(out, d.Clone())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SetStatus flips the driver's status and stamps lastActive.
func (r *Registry) SetStatus(id string, status models.DriverStatus, at time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.drivers[id]
	if !ok {
		return false
	}
	d.Status = status
	d.LastActive = at
	return true
}

// RecordCompletion frees the driver and counts the finished job.
func (r *Registry) RecordCompletion(id string, at time.Time) (models.Driver, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.drivers[id]
	if !ok {
		return models.Driver{}, false
	}
	d.Status = models.DriverAvailable
	d.LastActive = at
	d.TotalJobs++
	return d.Clone(), true
}

// UpdateLocation applies a heartbeat. A ping counts as driver activity.
func (r *Registry) UpdateLocation(id string, loc models.Coord, at time.Time) (models.Driver, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.drivers[id]
	if !ok {
		return models.Driver{}, false
	}
	d.Location = loc
	if at.After(d.LastActive) {
		d.LastActive = at
	}
	return d.Clone(), true
}

// CountByStatus is used for the availability gauges.
func (r *Registry) CountByStatus() map[models.DriverStatus]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := map[models.DriverStatus]int{
		models.DriverAvailable: 0,
		models.DriverBusy:      0,
		models.DriverOffline:   0,
	}
	for _, d := range r.drivers {
		out[d.Status]++
	}
	return out
}

// Nearby scans non-offline drivers and returns the closest limit of them.
// naive scan; the Redis GEO mirror serves the same query at scale
func (r *Registry) Nearby(_ context.Context, lat, lng float64, limit int) ([]models.Driver, error) {
	r.mu.RLock()
	type pair struct {
		d    models.Driver
		dist float64
	}
	arr := make([]pair, 0, len(r.drivers))
	for _, d := range r.drivers {
		if d.Status == models.DriverOffline {
			continue
		}
		arr = append(arr, pair{d.Clone(), geo.DistanceKm(lat, lng, d.Location.Lat, d.Location.Lng)})
	}
	r.mu.RUnlock()

	sort.Slice(arr, func(i, j int) bool {
		if arr[i].dist != arr[j].dist {
			return arr[i].dist < arr[j].dist
		}
		return arr[i].d.ID < arr[j].d.ID
	})
	n := limit
	if n <= 0 || n > len(arr) {
		n = len(arr)
	}
	out := make([]models.Driver, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, arr[i].d)
	}
	return out, nil
}
