package storage

import (
	"context"
	"errors"

	"github.com/example/tow-dispatch/internal/models"
)

var ErrNotFound = errors.New("request not found")

// Filter narrows ListRequests. Empty fields match everything.
type Filter struct {
	DriverID string
	Statuses []models.RequestStatus
}

func (f Filter) Match(r models.DispatchRequest) bool {
	if f.DriverID != "" && r.AssignedDriver != f.DriverID {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if r.Status == s {
			return true
		}
	}
	return false
}

// RequestStore persists dispatch requests keyed by id.
type RequestStore interface {
	GetRequest(ctx context.Context, id string) (models.DispatchRequest, error)
	SaveRequest(ctx context.Context, r models.DispatchRequest) error
	ListRequests(ctx context.Context, f Filter) ([]models.DispatchRequest, error)
}
