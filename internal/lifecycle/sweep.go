package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/example/tow-dispatch/internal/models"
	"github.com/example/tow-dispatch/internal/observability"
	"github.com/example/tow-dispatch/internal/storage"
)

// SweepItem reports one request touched by a sweep.
type SweepItem struct {
	RequestID string
	// ExpiredDriver is the driver whose assignment lapsed; empty for retries.
	ExpiredDriver string
	// AssignedDriver is the driver now holding the request, if any.
	AssignedDriver string
	Err            error
}

// ExpireStale frees every assignment whose deadline has passed and offers
// the request to the next best driver. Each request is handled under the
// lock on its own, so a concurrent accept either wins or sees pending.
func (s *Service) ExpireStale(ctx context.Context) ([]SweepItem, error) {
	assigned, err := s.store.ListRequests(ctx, storage.Filter{Statuses: []models.RequestStatus{models.StatusAssigned}})
	if err != nil {
		return nil, fmt.Errorf("expire: %w", err)
	}
	now := s.now()
	var items []SweepItem
	for _, r := range assigned {
		if r.ExpiresAt == nil || !r.ExpiresAt.Before(now) {
			continue
		}
		s.mu.Lock()
		item, fx, done := s.expireOne(ctx, r.ID)
		s.mu.Unlock()
		if !done {
			continue
		}
		if item.Err != nil {
			s.refused("expire", item.Err)
		} else {
			s.flush(ctx, fx)
		}
		items = append(items, item)
	}
	return items, nil
}

// expireOne re-reads the request under the lock; done is false when another
// transition got there first.
func (s *Service) expireOne(ctx context.Context, id string) (SweepItem, effects, bool) {
	var fx effects
	item := SweepItem{RequestID: id}
	req, err := s.store.GetRequest(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return item, fx, false
	}
	if err != nil {
		item.Err = fmt.Errorf("expire %s: %w", id, err)
		return item, fx, true
	}
	now := s.now()
	if req.Status != models.StatusAssigned || req.ExpiresAt == nil || !req.ExpiresAt.Before(now) {
		return item, fx, false
	}

	expired := req.AssignedDriver
	item.ExpiredDriver = expired
	s.requeue(&req)
	fx.event(models.EventExpired, req.ID, expired, models.StatusAssigned, models.StatusPending, now)

	cand, ok := s.matcher.SelectBest(req, now, expired)
	if ok {
		s.assign(&req, cand.Driver.ID, now)
	}
	if err := s.store.SaveRequest(ctx, req); err != nil {
		item.Err = fmt.Errorf("expire %s: %w", id, err)
		return item, effects{}, true
	}
	s.drivers.SetStatus(expired, models.DriverAvailable, now)
	if ok {
		s.commitAssignment(req, models.StatusPending, now, "expiry", &fx)
		item.AssignedDriver = req.AssignedDriver
	} else {
		observability.NoCandidates.WithLabelValues("expiry").Inc()
	}
	return item, fx, true
}

// RetryPending offers queued requests to drivers that became free, most
// urgent first and oldest first within a priority.
func (s *Service) RetryPending(ctx context.Context) ([]SweepItem, error) {
	pending, err := s.store.ListRequests(ctx, storage.Filter{Statuses: []models.RequestStatus{models.StatusPending}})
	if err != nil {
		return nil, fmt.Errorf("retry: %w", err)
	}
	sort.SliceStable(pending, func(i, j int) bool {
		a, b := pending[i], pending[j]
		if a.Priority.Rank() != b.Priority.Rank() {
			return a.Priority.Rank() > b.Priority.Rank()
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})

	var items []SweepItem
	for _, r := range pending {
		s.mu.Lock()
		item, fx, done := s.retryOne(ctx, r.ID)
		s.mu.Unlock()
		if !done {
			continue
		}
		if item.Err != nil {
			s.refused("retry", item.Err)
		} else {
			s.flush(ctx, fx)
		}
		items = append(items, item)
	}
	return items, nil
}

func (s *Service) retryOne(ctx context.Context, id string) (SweepItem, effects, bool) {
	var fx effects
	item := SweepItem{RequestID: id}
	req, err := s.store.GetRequest(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return item, fx, false
	}
	if err != nil {
		item.Err = fmt.Errorf("retry %s: %w", id, err)
		return item, fx, true
	}
	if req.Status != models.StatusPending {
		return item, fx, false
	}
	now := s.now()
	cand, ok := s.matcher.SelectBest(req, now)
	if !ok {
		return item, fx, false
	}
	s.assign(&req, cand.Driver.ID, now)
	if err := s.store.SaveRequest(ctx, req); err != nil {
		item.Err = fmt.Errorf("retry %s: %w", id, err)
		return item, effects{}, true
	}
	s.commitAssignment(req, models.StatusPending, now, "retry", &fx)
	item.AssignedDriver = req.AssignedDriver
	return item, fx, true
}
