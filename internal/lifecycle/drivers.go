package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/example/tow-dispatch/internal/models"
	"github.com/example/tow-dispatch/internal/storage"
)

var activeStatuses = []models.RequestStatus{models.StatusAssigned, models.StatusAccepted}

func (s *Service) Get(ctx context.Context, id string) (models.DispatchRequest, error) {
	r, err := s.store.GetRequest(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return r, notFound("get", "dispatch request %s not found", id)
	}
	return r, err
}

func (s *Service) List(ctx context.Context, f storage.Filter) ([]models.DispatchRequest, error) {
	return s.store.ListRequests(ctx, f)
}

// ActiveFor returns the requests a driver currently holds.
func (s *Service) ActiveFor(ctx context.Context, driverID string) ([]models.DispatchRequest, error) {
	if _, ok := s.drivers.Get(driverID); !ok {
		return nil, notFound("active", "driver %s not found", driverID)
	}
	return s.store.ListRequests(ctx, storage.Filter{DriverID: driverID, Statuses: activeStatuses})
}

// RegisterDriver adds a driver or refreshes its profile. Status, job count
// and lastActive of a known driver stay as the lifecycle left them.
func (s *Service) RegisterDriver(ctx context.Context, d models.Driver) (models.Driver, error) {
	const op = "register"
	if strings.TrimSpace(d.ID) == "" {
		return models.Driver{}, invalidInput(op, "driver id is required")
	}
	if strings.TrimSpace(d.VehicleType) == "" {
		return models.Driver{}, invalidInput(op, "vehicleType is required")
	}
	if d.Rating < 0 || d.Rating > 5 {
		return models.Driver{}, invalidInput(op, "rating %.2f outside 0..5", d.Rating)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if cur, ok := s.drivers.Get(d.ID); ok {
		d.Status = cur.Status
		d.TotalJobs = cur.TotalJobs
		d.LastActive = cur.LastActive
	} else {
		switch d.Status {
		case "":
			d.Status = models.DriverAvailable
		case models.DriverBusy:
			return models.Driver{}, invalidInput(op, "a new driver cannot start busy")
		case models.DriverAvailable, models.DriverOffline:
		default:
			return models.Driver{}, invalidInput(op, "unknown driver status %q", d.Status)
		}
		d.LastActive = now
	}
	s.drivers.Upsert(d)
	out, _ := s.drivers.Get(d.ID)
	s.log.WithField("driver_id", d.ID).Info("driver registered")
	return out, nil
}

// SetDriverAvailability moves a driver between available and offline. A
// driver holding an active request cannot change availability.
func (s *Service) SetDriverAvailability(ctx context.Context, driverID string, online bool) (models.Driver, error) {
	const op = "availability"
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.drivers.Get(driverID); !ok {
		return models.Driver{}, notFound(op, "driver %s not found", driverID)
	}
	held, err := s.store.ListRequests(ctx, storage.Filter{DriverID: driverID, Statuses: activeStatuses})
	if err != nil {
		return models.Driver{}, fmt.Errorf("%s: %w", op, err)
	}
	if len(held) > 0 {
		return models.Driver{}, invalidState(op, "driver %s holds request %s", driverID, held[0].ID)
	}
	status := models.DriverOffline
	if online {
		status = models.DriverAvailable
	}
	s.drivers.SetStatus(driverID, status, s.now())
	d, _ := s.drivers.Get(driverID)
	s.log.WithField("driver_id", driverID).WithField("status", status).Info("driver availability changed")
	return d, nil
}

// Heartbeat records a location ping from the driver's device.
func (s *Service) Heartbeat(ctx context.Context, driverID string, loc models.Coord) (models.Driver, error) {
	if loc.Lat < -90 || loc.Lat > 90 || loc.Lng < -180 || loc.Lng > 180 {
		return models.Driver{}, invalidInput("heartbeat", "coordinates out of range")
	}
	d, ok := s.drivers.UpdateLocation(driverID, loc, s.now())
	if !ok {
		return models.Driver{}, notFound("heartbeat", "driver %s not found", driverID)
	}
	return d, nil
}

// Notify stores a manual notification for a driver and pushes it.
func (s *Service) Notify(ctx context.Context, n models.Notification) (models.Notification, error) {
	const op = "notify"
	if strings.TrimSpace(n.Title) == "" && strings.TrimSpace(n.Message) == "" {
		return models.Notification{}, invalidInput(op, "title or message is required")
	}
	if _, ok := s.drivers.Get(n.DriverID); !ok {
		return models.Notification{}, notFound(op, "driver %s not found", n.DriverID)
	}
	if n.Type == "" {
		n.Type = "message"
	}
	if n.Priority == "" {
		n.Priority = "normal"
	}
	stored := s.sink.Add(n)
	s.deliver(context.WithoutCancel(ctx), stored)
	return stored, nil
}
