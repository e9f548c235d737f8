package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/example/tow-dispatch/internal/models"
)

const defaultNearbyLimit = 10

type driverView struct {
	ID          string              `json:"id"`
	Name        string              `json:"name"`
	Status      models.DriverStatus `json:"status"`
	Rating      float64             `json:"rating"`
	Location    models.Coord        `json:"location"`
	VehicleType string              `json:"vehicleType"`
	TotalJobs   int                 `json:"totalJobs"`
	LastActive  time.Time           `json:"lastActive"`
}

func (s *Server) driverViews() []driverView {
	drivers := s.registry.List()
	out := make([]driverView, 0, len(drivers))
	for _, d := range drivers {
		out = append(out, driverView{
			ID:          d.ID,
			Name:        d.Name,
			Status:      d.Status,
			Rating:      d.Rating,
			Location:    d.Location,
			VehicleType: d.VehicleType,
			TotalJobs:   d.TotalJobs,
			LastActive:  d.LastActive,
		})
	}
	return out
}

func (s *Server) handleListDrivers(w http.ResponseWriter, r *http.Request) {
	views := s.driverViews()
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"drivers": views,
		"total":   len(views),
		"counts":  s.registry.CountByStatus(),
	})
}

type registerDriverDTO struct {
	ID          string    `json:"id" validate:"required"`
	Name        string    `json:"name" validate:"required"`
	Phone       string    `json:"phone"`
	Email       string    `json:"email" validate:"omitempty,email"`
	Status      string    `json:"status" validate:"omitempty,oneof=available offline"`
	Location    *coordDTO `json:"location" validate:"required"`
	Rating      float64   `json:"rating" validate:"gte=0,lte=5"`
	VehicleType string    `json:"vehicleType" validate:"required"`
	Specialties []string  `json:"specialties"`
	Capacity    int       `json:"capacity" validate:"gte=0"`
	Priority    int       `json:"priority" validate:"gte=0"`
}

func (s *Server) handleRegisterDriver(w http.ResponseWriter, r *http.Request) {
	var in registerDriverDTO
	if !s.decode(w, r, &in) {
		return
	}
	d, err := s.lifecycle.RegisterDriver(r.Context(), models.Driver{
		ID:          in.ID,
		Name:        in.Name,
		Phone:       in.Phone,
		Email:       in.Email,
		Status:      models.DriverStatus(in.Status),
		Location:    *in.Location.toModel(),
		Rating:      in.Rating,
		VehicleType: in.VehicleType,
		Specialties: in.Specialties,
		Capacity:    in.Capacity,
		Priority:    in.Priority,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"success": true, "driver": d})
}

func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var in coordDTO
	if !s.decode(w, r, &in) {
		return
	}
	d, err := s.lifecycle.Heartbeat(r.Context(), id, *in.toModel())
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	u := models.LocationUpdate{DriverID: d.ID, Location: d.Location, Rating: d.Rating, Status: string(d.Status), At: d.LastActive}
	switch {
	case s.locations != nil:
		if err := s.locations.PublishLocation(r.Context(), u); err != nil {
			s.logger.WithError(err).WithField("driver_id", id).Warn("publish location failed")
		}
	case s.mirror != nil:
		if err := s.mirror.Upsert(r.Context(), u); err != nil {
			s.logger.WithError(err).WithField("driver_id", id).Warn("mirror location failed")
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "driver": d})
}

type availabilityDTO struct {
	Online *bool `json:"online" validate:"required"`
}

func (s *Server) handleAvailability(w http.ResponseWriter, r *http.Request) {
	var in availabilityDTO
	if !s.decode(w, r, &in) {
		return
	}
	d, err := s.lifecycle.SetDriverAvailability(r.Context(), mux.Vars(r)["id"], *in.Online)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "driver": d})
}

func (s *Server) handleNearby(w http.ResponseWriter, r *http.Request) {
	lat, okLat := queryFloat(r, "lat")
	lng, okLng := queryFloat(r, "lng")
	if !okLat || !okLng || lat < -90 || lat > 90 || lng < -180 || lng > 180 {
		s.writeError(w, r, badInput("nearby", "lat and lng query parameters are required"))
		return
	}
	limit := defaultNearbyLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.writeError(w, r, badInput("nearby", "limit must be a positive integer"))
			return
		}
		limit = n
	}
	drivers, err := s.nearby.Nearby(r.Context(), lat, lng, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "drivers": drivers, "total": len(drivers)})
}
