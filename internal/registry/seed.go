package registry

import (
	"time"

	"github.com/example/tow-dispatch/internal/models"
)

// DemoDrivers is the San Diego pool the web console ships with.
func DemoDrivers(now time.Time) []models.Driver {
	return []models.Driver{
		{
			ID:          "driver-1",
			Name:        "Mike Johnson",
			Phone:       "+1-555-0101",
			Email:       "mike@towops.com",
			Status:      models.DriverAvailable,
			Location:    models.Coord{Lat: 32.7157, Lng: -117.1611},
			Rating:      4.8,
			TotalJobs:   156,
			Specialties: []string{"flatbed", "heavy-duty"},
			VehicleType: "flatbed",
			Capacity:    10000,
			LastActive:  now,
			Priority:    95,
		},
		{
			ID:          "driver-2",
			Name:        "Sarah Williams",
			Phone:       "+1-555-0102",
			Email:       "sarah@towops.com",
			Status:      models.DriverAvailable,
			Location:    models.Coord{Lat: 32.7200, Lng: -117.1600},
			Rating:      4.9,
			TotalJobs:   203,
			Specialties: []string{"light-duty", "motorcycle"},
			VehicleType: "light-duty",
			Capacity:    5000,
			LastActive:  now,
			Priority:    98,
		},
		{
			ID:          "driver-3",
			Name:        "Carlos Rodriguez",
			Phone:       "+1-555-0103",
			Email:       "carlos@towops.com",
			Status:      models.DriverBusy,
			Location:    models.Coord{Lat: 32.7100, Lng: -117.1700},
			Rating:      4.7,
			TotalJobs:   89,
			Specialties: []string{"heavy-duty", "commercial"},
			VehicleType: "heavy-duty",
			Capacity:    15000,
			LastActive:  now.Add(-5 * time.Minute),
			Priority:    92,
		},
	}
}

// Seed loads drivers into the registry.
func (r *Registry) Seed(drivers []models.Driver) {
	for _, d := range drivers {
		r.Upsert(d)
	}
}
