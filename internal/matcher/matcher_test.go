package matcher

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/tow-dispatch/internal/models"
)

type fakePool struct{ drivers []models.Driver }

func (f *fakePool) List() []models.Driver { return f.drivers }

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func sdRequest(p models.Priority) models.DispatchRequest {
	return models.DispatchRequest{
		ID:          "r1",
		Location:    models.Coord{Lat: 32.7157, Lng: -117.1611},
		Priority:    p,
		VehicleType: "light-duty",
	}
}

func TestSelectBestStraightforwardMatch(t *testing.T) {
	pool := &fakePool{drivers: []models.Driver{
		{ID: "D1", Status: models.DriverAvailable, VehicleType: "light-duty", Location: models.Coord{Lat: 32.72, Lng: -117.16}, Rating: 4.8, LastActive: now},
	}}
	s := New(pool, DefaultActivityWindow)

	c, ok := s.SelectBest(sdRequest(models.PriorityMedium), now)
	require.True(t, ok)
	assert.Equal(t, "D1", c.Driver.ID)
	assert.Greater(t, c.DistanceKm, 0.0)
	assert.Less(t, c.DistanceKm, 1.0)
}

func TestEligibilityGate(t *testing.T) {
	pool := &fakePool{drivers: []models.Driver{
		{ID: "busy", Status: models.DriverBusy, VehicleType: "light-duty", LastActive: now, Rating: 5, Priority: 100},
		{ID: "offline", Status: models.DriverOffline, VehicleType: "light-duty", LastActive: now, Rating: 5, Priority: 100},
		{ID: "wrong-type", Status: models.DriverAvailable, VehicleType: "flatbed", LastActive: now, Rating: 5, Priority: 100},
		{ID: "stale", Status: models.DriverAvailable, VehicleType: "light-duty", LastActive: now.Add(-5 * time.Minute), Rating: 5, Priority: 100},
	}}
	s := New(pool, DefaultActivityWindow)

	_, ok := s.SelectBest(sdRequest(models.PriorityEmergency), now)
	assert.False(t, ok)
	assert.Empty(t, s.Rank(sdRequest(models.PriorityLow), now))

	pool.drivers = append(pool.drivers, models.Driver{ID: "ok", Status: models.DriverAvailable, VehicleType: "light-duty", LastActive: now.Add(-4 * time.Minute)})
	c, ok := s.SelectBest(sdRequest(models.PriorityEmergency), now)
	require.True(t, ok)
	assert.Equal(t, "ok", c.Driver.ID)
}

func TestExcludedDriversAreSkipped(t *testing.T) {
	pool := &fakePool{drivers: []models.Driver{
		{ID: "a", Status: models.DriverAvailable, VehicleType: "light-duty", LastActive: now, Rating: 5},
		{ID: "b", Status: models.DriverAvailable, VehicleType: "light-duty", LastActive: now, Rating: 1},
	}}
	s := New(pool, DefaultActivityWindow)

	c, ok := s.SelectBest(sdRequest(models.PriorityMedium), now, "a")
	require.True(t, ok)
	assert.Equal(t, "b", c.Driver.ID)

	_, ok = s.SelectBest(sdRequest(models.PriorityMedium), now, "a", "b")
	assert.False(t, ok)
}

func TestTieBreaksOnLowerID(t *testing.T) {
	twin := func(id string) models.Driver {
		return models.Driver{ID: id, Status: models.DriverAvailable, VehicleType: "light-duty", Location: models.Coord{Lat: 32.72, Lng: -117.16}, Rating: 4.5, LastActive: now, Priority: 90}
	}
	pool := &fakePool{drivers: []models.Driver{twin("z"), twin("m"), twin("c")}}
	s := New(pool, DefaultActivityWindow)

	for i := 0; i < 20; i++ {
		c, ok := s.SelectBest(sdRequest(models.PriorityHigh), now)
		require.True(t, ok)
		assert.Equal(t, "c", c.Driver.ID)
	}
}

func TestHigherRatingWinsAtEqualDistance(t *testing.T) {
	pool := &fakePool{drivers: []models.Driver{
		{ID: "A", Status: models.DriverAvailable, VehicleType: "light-duty", Rating: 4.0, LastActive: now},
		{ID: "B", Status: models.DriverAvailable, VehicleType: "light-duty", Rating: 5.0, LastActive: now},
	}}
	s := New(pool, DefaultActivityWindow)
	c, ok := s.SelectBest(sdRequest(models.PriorityLow), now)
	require.True(t, ok)
	assert.Equal(t, "B", c.Driver.ID)
}

func TestScoreFormula(t *testing.T) {
	d := models.Driver{
		ID:         "d",
		Location:   models.Coord{Lat: 0, Lng: 0},
		Rating:     4.0,
		Priority:   50,
		TotalJobs:  400,
		LastActive: now.Add(-10 * time.Minute),
	}
	req := models.DispatchRequest{Location: models.Coord{Lat: 0, Lng: 0}, Priority: models.PriorityLow}

	score, dist := Score(d, req, now)
	assert.Equal(t, 0.0, dist)
	// distance 100, rating 80, priority 50, experience capped at 50, recency 40
	want := 100*0.30 + 80*0.25 + 50*0.20 + 50*0.15 + 40*0.10
	assert.InDelta(t, want, score, 1e-9)

	req.Priority = models.PriorityEmergency
	score, _ = Score(d, req, now)
	assert.InDelta(t, want*2, score, 1e-9)
}

func TestScoreFloorsAtZeroForFarAndIdleDrivers(t *testing.T) {
	d := models.Driver{Location: models.Coord{Lat: 1, Lng: 0}, LastActive: now.Add(-2 * time.Hour)}
	req := models.DispatchRequest{Location: models.Coord{Lat: 0, Lng: 0}, Priority: models.PriorityLow}
	score, dist := Score(d, req, now)
	assert.Greater(t, dist, 100.0)
	assert.Equal(t, 0.0, score)
}

func TestPriorityMultiplier(t *testing.T) {
	assert.Equal(t, 2.0, PriorityMultiplier(models.PriorityEmergency))
	assert.Equal(t, 1.5, PriorityMultiplier(models.PriorityHigh))
	assert.Equal(t, 1.2, PriorityMultiplier(models.PriorityMedium))
	assert.Equal(t, 1.0, PriorityMultiplier(models.PriorityLow))
}

func TestSelectBestIsDeterministic(t *testing.T) {
	var drivers []models.Driver
	for i, loc := range []models.Coord{{Lat: 32.71, Lng: -117.15}, {Lat: 32.73, Lng: -117.17}, {Lat: 32.70, Lng: -117.16}, {Lat: 32.75, Lng: -117.20}} {
		drivers = append(drivers, models.Driver{
			ID:          string(rune('a' + i)),
			Status:      models.DriverAvailable,
			VehicleType: "light-duty",
			Location:    loc,
			Rating:      4 + float64(i)/10,
			TotalJobs:   i * 30,
			LastActive:  now.Add(-time.Duration(i) * time.Minute),
			Priority:    90 + i,
		})
	}
	s := New(&fakePool{drivers: drivers}, DefaultActivityWindow)
	first, ok := s.SelectBest(sdRequest(models.PriorityHigh), now)
	require.True(t, ok)
	for i := 0; i < 50; i++ {
		c, _ := s.SelectBest(sdRequest(models.PriorityHigh), now)
		assert.Equal(t, first.Driver.ID, c.Driver.ID)
	}
}
