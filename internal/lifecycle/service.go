package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/example/tow-dispatch/internal/matcher"
	"github.com/example/tow-dispatch/internal/models"
	"github.com/example/tow-dispatch/internal/observability"
	"github.com/example/tow-dispatch/internal/storage"
)

const (
	DefaultAssignmentTTL     = 5 * time.Minute
	DefaultEstimatedWait     = 15 * time.Minute
	DefaultEstimatedDuration = 60

	NotificationDispatchRequest = "dispatch_request"
)

// Drivers is the mutable driver pool. Only this package changes driver status.
type Drivers interface {
	Get(id string) (models.Driver, bool)
	Upsert(d models.Driver)
	SetStatus(id string, status models.DriverStatus, at time.Time) bool
	RecordCompletion(id string, at time.Time) (models.Driver, bool)
	UpdateLocation(id string, loc models.Coord, at time.Time) (models.Driver, bool)
}

type Selector interface {
	SelectBest(req models.DispatchRequest, now time.Time, exclude ...string) (matcher.Candidate, bool)
}

type Sink interface {
	Add(n models.Notification) models.Notification
}

// Deliverer pushes a stored notification to the driver's device.
type Deliverer interface {
	Deliver(ctx context.Context, n models.Notification) error
}

type Publisher interface {
	Publish(ctx context.Context, key string, value interface{}) error
}

// Service owns request and driver status. Every transition runs under one
// mutex; pushes and event publishing happen after it is released.
type Service struct {
	mu        sync.Mutex
	store     storage.RequestStore
	drivers   Drivers
	matcher   Selector
	sink      Sink
	deliverer Deliverer
	publisher Publisher
	log       logrus.FieldLogger
	ttl       time.Duration
	wait      time.Duration
	now       func() time.Time
}

type Option func(*Service)

func WithDeliverer(d Deliverer) Option { return func(s *Service) { s.deliverer = d } }

func WithPublisher(p Publisher) Option { return func(s *Service) { s.publisher = p } }

func WithAssignmentTTL(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.ttl = d
		}
	}
}

func WithEstimatedWait(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.wait = d
		}
	}
}

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func New(store storage.RequestStore, drivers Drivers, m Selector, sink Sink, log logrus.FieldLogger, opts ...Option) *Service {
	s := &Service{
		store:   store,
		drivers: drivers,
		matcher: m,
		sink:    sink,
		log:     log,
		ttl:     DefaultAssignmentTTL,
		wait:    DefaultEstimatedWait,
		now:     time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

type CreateCommand struct {
	CustomerID        string
	CustomerName      string
	CustomerPhone     string
	Location          *models.Coord
	Destination       *models.Coord
	Priority          models.Priority
	VehicleType       string
	Description       string
	EstimatedDuration int
}

type CreateResult struct {
	Request    models.DispatchRequest
	Driver     *models.Driver
	DistanceKm float64
	// NoCandidates is set when the request was queued as pending.
	NoCandidates  bool
	EstimatedWait time.Duration
}

type Action string

const (
	ActionAccept   Action = "accept"
	ActionReject   Action = "reject"
	ActionComplete Action = "complete"
)

type RespondResult struct {
	Request models.DispatchRequest
	// Driver is the responding driver after the transition.
	Driver *models.Driver
	// Reassigned is the next driver picked after a rejection.
	Reassigned   *models.Driver
	NoCandidates bool
}

type effects struct {
	notifications []models.Notification
	events        []models.DispatchEvent
}

func (fx *effects) event(t models.EventType, requestID, driverID string, from, to models.RequestStatus, at time.Time) {
	fx.events = append(fx.events, models.DispatchEvent{Type: t, RequestID: requestID, DriverID: driverID, FromStatus: from, ToStatus: to, At: at})
}

func (c CreateCommand) validate() error {
	const op = "create"
	if strings.TrimSpace(c.CustomerID) == "" {
		return invalidInput(op, "customerId is required")
	}
	if c.Location == nil {
		return invalidInput(op, "location is required")
	}
	if strings.TrimSpace(c.VehicleType) == "" {
		return invalidInput(op, "vehicleType is required")
	}
	if c.Priority != "" && !c.Priority.Valid() {
		return invalidInput(op, "unknown priority %q", c.Priority)
	}
	return nil
}

func (c CreateCommand) toRequest(id string, now time.Time) models.DispatchRequest {
	r := models.DispatchRequest{
		ID:                id,
		CustomerID:        c.CustomerID,
		CustomerName:      c.CustomerName,
		CustomerPhone:     c.CustomerPhone,
		Location:          *c.Location,
		Priority:          c.Priority,
		VehicleType:       c.VehicleType,
		Description:       c.Description,
		EstimatedDuration: c.EstimatedDuration,
		Status:            models.StatusPending,
		CreatedAt:         now,
	}
	if c.Destination != nil {
		d := *c.Destination
		r.Destination = &d
	}
	if r.CustomerName == "" {
		r.CustomerName = "Unknown Customer"
	}
	if r.CustomerPhone == "" {
		r.CustomerPhone = "N/A"
	}
	if r.Priority == "" {
		r.Priority = models.PriorityMedium
	}
	if r.Description == "" {
		r.Description = "Tow service requested"
	}
	if r.EstimatedDuration <= 0 {
		r.EstimatedDuration = DefaultEstimatedDuration
	}
	return r
}

// Create queues a request and immediately tries to assign the best driver.
func (s *Service) Create(ctx context.Context, cmd CreateCommand) (CreateResult, error) {
	if err := cmd.validate(); err != nil {
		s.refused("create", err)
		return CreateResult{}, err
	}
	s.mu.Lock()
	res, fx, err := s.create(ctx, cmd)
	s.mu.Unlock()
	if err != nil {
		s.refused("create", err)
		return CreateResult{}, err
	}
	observability.RequestsCreated.Inc()
	s.flush(ctx, fx)
	return res, nil
}

func (s *Service) create(ctx context.Context, cmd CreateCommand) (CreateResult, effects, error) {
	var fx effects
	now := s.now()
	req := cmd.toRequest(uuid.NewString(), now)
	fx.event(models.EventCreated, req.ID, "", "", models.StatusPending, now)

	cand, ok := s.matcher.SelectBest(req, now)
	if ok {
		s.assign(&req, cand.Driver.ID, now)
	}
	if err := s.store.SaveRequest(ctx, req); err != nil {
		return CreateResult{}, fx, fmt.Errorf("create: %w", err)
	}

	res := CreateResult{Request: req.Clone()}
	if !ok {
		observability.NoCandidates.WithLabelValues("create").Inc()
		res.NoCandidates = true
		res.EstimatedWait = s.wait
		return res, fx, nil
	}
	d := s.commitAssignment(req, models.StatusPending, now, "create", &fx)
	res.Driver = &d
	res.DistanceKm = cand.DistanceKm
	return res, fx, nil
}

// Respond routes a driver's accept, reject or complete action.
func (s *Service) Respond(ctx context.Context, requestID, driverID string, action Action) (RespondResult, error) {
	switch action {
	case ActionAccept:
		return s.Accept(ctx, requestID, driverID)
	case ActionReject:
		return s.Reject(ctx, requestID, driverID)
	case ActionComplete:
		return s.Complete(ctx, requestID, driverID)
	}
	err := invalidInput("respond", "unknown action %q", action)
	s.refused("respond", err)
	return RespondResult{}, err
}

func (s *Service) Accept(ctx context.Context, requestID, driverID string) (RespondResult, error) {
	return s.transition(ctx, "accept", func() (RespondResult, effects, error) {
		return s.accept(ctx, requestID, driverID)
	})
}

func (s *Service) Reject(ctx context.Context, requestID, driverID string) (RespondResult, error) {
	return s.transition(ctx, "reject", func() (RespondResult, effects, error) {
		return s.reject(ctx, requestID, driverID)
	})
}

func (s *Service) Complete(ctx context.Context, requestID, driverID string) (RespondResult, error) {
	return s.transition(ctx, "complete", func() (RespondResult, effects, error) {
		return s.complete(ctx, requestID, driverID)
	})
}

func (s *Service) transition(ctx context.Context, op string, fn func() (RespondResult, effects, error)) (RespondResult, error) {
	s.mu.Lock()
	res, fx, err := fn()
	s.mu.Unlock()
	if err != nil {
		s.refused(op, err)
		return RespondResult{}, err
	}
	s.flush(ctx, fx)
	return res, nil
}

func (s *Service) accept(ctx context.Context, requestID, driverID string) (RespondResult, effects, error) {
	const op = "accept"
	var fx effects
	req, drv, err := s.loadHeld(ctx, op, requestID, driverID, models.StatusAssigned)
	if err != nil {
		return RespondResult{}, fx, err
	}
	now := s.now()
	if req.ExpiresAt != nil && req.ExpiresAt.Before(now) {
		return RespondResult{}, fx, invalidState(op, "assignment of request %s expired at %s", req.ID, req.ExpiresAt.Format(time.RFC3339))
	}

	req.Status = models.StatusAccepted
	req.AcceptedAt = models.TimePtr(now)
	if err := s.store.SaveRequest(ctx, req); err != nil {
		return RespondResult{}, fx, fmt.Errorf("%s: %w", op, err)
	}
	fx.event(models.EventAccepted, req.ID, driverID, models.StatusAssigned, models.StatusAccepted, now)
	return RespondResult{Request: req.Clone(), Driver: &drv}, fx, nil
}

func (s *Service) reject(ctx context.Context, requestID, driverID string) (RespondResult, effects, error) {
	const op = "reject"
	var fx effects
	req, _, err := s.loadHeld(ctx, op, requestID, driverID, models.StatusAssigned)
	if err != nil {
		return RespondResult{}, fx, err
	}
	now := s.now()

	req.Status = models.StatusRejected
	req.RejectedAt = models.TimePtr(now)
	req.AssignedDriver = ""
	fx.event(models.EventRejected, req.ID, driverID, models.StatusAssigned, models.StatusRejected, now)

	// the rejecting driver is freed but never offered the same request again
	cand, ok := s.matcher.SelectBest(req, now, driverID)
	if ok {
		s.assign(&req, cand.Driver.ID, now)
	} else {
		s.requeue(&req)
	}
	if err := s.store.SaveRequest(ctx, req); err != nil {
		return RespondResult{}, fx, fmt.Errorf("%s: %w", op, err)
	}

	s.drivers.SetStatus(driverID, models.DriverAvailable, now)
	freed, _ := s.drivers.Get(driverID)
	res := RespondResult{Driver: &freed}
	if ok {
		next := s.commitAssignment(req, models.StatusRejected, now, "reject", &fx)
		res.Reassigned = &next
	} else {
		observability.NoCandidates.WithLabelValues("reject").Inc()
		fx.event(models.EventRequeued, req.ID, "", models.StatusRejected, models.StatusPending, now)
		res.NoCandidates = true
	}
	res.Request = req.Clone()
	return res, fx, nil
}

func (s *Service) complete(ctx context.Context, requestID, driverID string) (RespondResult, effects, error) {
	const op = "complete"
	var fx effects
	req, _, err := s.loadHeld(ctx, op, requestID, driverID, models.StatusAssigned, models.StatusAccepted)
	if err != nil {
		return RespondResult{}, fx, err
	}
	now := s.now()
	from := req.Status

	req.Status = models.StatusCompleted
	req.CompletedAt = models.TimePtr(now)
	req.CompletedBy = driverID
	req.AssignedDriver = ""
	req.ExpiresAt = nil
	if err := s.store.SaveRequest(ctx, req); err != nil {
		return RespondResult{}, fx, fmt.Errorf("%s: %w", op, err)
	}
	drv, _ := s.drivers.RecordCompletion(driverID, now)
	fx.event(models.EventCompleted, req.ID, driverID, from, models.StatusCompleted, now)
	return RespondResult{Request: req.Clone(), Driver: &drv}, fx, nil
}

// loadHeld fetches the request and driver and checks that the driver holds
// the request in one of the allowed statuses.
func (s *Service) loadHeld(ctx context.Context, op, requestID, driverID string, allowed ...models.RequestStatus) (models.DispatchRequest, models.Driver, error) {
	req, err := s.store.GetRequest(ctx, requestID)
	if errors.Is(err, storage.ErrNotFound) {
		return req, models.Driver{}, notFound(op, "dispatch request %s not found", requestID)
	}
	if err != nil {
		return req, models.Driver{}, fmt.Errorf("%s: %w", op, err)
	}
	drv, ok := s.drivers.Get(driverID)
	if !ok {
		return req, drv, notFound(op, "driver %s not found", driverID)
	}
	held := false
	for _, st := range allowed {
		if req.Status == st {
			held = true
			break
		}
	}
	if !held {
		return req, drv, invalidState(op, "request %s is %s", req.ID, req.Status)
	}
	if req.AssignedDriver != driverID {
		return req, drv, invalidState(op, "request %s is not assigned to driver %s", req.ID, driverID)
	}
	return req, drv, nil
}

func (s *Service) assign(req *models.DispatchRequest, driverID string, now time.Time) {
	req.Status = models.StatusAssigned
	req.AssignedDriver = driverID
	req.AssignedAt = models.TimePtr(now)
	req.ExpiresAt = models.TimePtr(now.Add(s.ttl))
}

func (s *Service) requeue(req *models.DispatchRequest) {
	req.Status = models.StatusPending
	req.AssignedDriver = ""
	req.ExpiresAt = nil
}

// commitAssignment applies the driver side of an assignment already saved on req.
func (s *Service) commitAssignment(req models.DispatchRequest, from models.RequestStatus, now time.Time, trigger string, fx *effects) models.Driver {
	s.drivers.SetStatus(req.AssignedDriver, models.DriverBusy, now)
	fx.notifications = append(fx.notifications, s.sink.Add(dispatchNotification(req)))
	fx.event(models.EventAssigned, req.ID, req.AssignedDriver, from, models.StatusAssigned, now)
	observability.Assignments.WithLabelValues(trigger).Inc()
	d, _ := s.drivers.Get(req.AssignedDriver)
	return d
}

func dispatchNotification(req models.DispatchRequest) models.Notification {
	return models.Notification{
		DriverID: req.AssignedDriver,
		Type:     NotificationDispatchRequest,
		Title:    "New Dispatch Request",
		Message:  fmt.Sprintf("%s priority request from %s", strings.ToUpper(string(req.Priority)), req.CustomerName),
		Data:     req.Clone(),
		Priority: string(req.Priority),
	}
}

// flush runs the side effects of a committed transition. Failures are logged only.
func (s *Service) flush(ctx context.Context, fx effects) {
	ctx = context.WithoutCancel(ctx)
	for _, ev := range fx.events {
		observability.Transitions.WithLabelValues(string(ev.Type)).Inc()
		s.log.WithFields(logrus.Fields{
			"request_id": ev.RequestID,
			"driver_id":  ev.DriverID,
			"from":       ev.FromStatus,
			"to":         ev.ToStatus,
		}).Info("request " + string(ev.Type))
		if s.publisher == nil {
			continue
		}
		if err := s.publisher.Publish(ctx, ev.RequestID, ev); err != nil {
			s.log.WithError(err).WithField("request_id", ev.RequestID).Warn("publish dispatch event failed")
		}
	}
	for _, n := range fx.notifications {
		s.deliver(ctx, n)
	}
}

func (s *Service) deliver(ctx context.Context, n models.Notification) {
	if s.deliverer == nil {
		return
	}
	if err := s.deliverer.Deliver(ctx, n); err != nil {
		s.log.WithError(err).WithFields(logrus.Fields{"driver_id": n.DriverID, "notification_id": n.ID}).Warn("notification push failed")
	}
}

func (s *Service) refused(op string, err error) {
	kind := KindOf(err)
	if kind == "" {
		kind = "internal"
		s.log.WithError(err).WithField("op", op).Error("transition failed")
	} else {
		s.log.WithError(err).WithField("op", op).Debug("transition refused")
	}
	observability.TransitionErrors.WithLabelValues(op, string(kind)).Inc()
}
