package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

type DriverStatus string

const (
	DriverAvailable DriverStatus = "available"
	DriverBusy      DriverStatus = "busy"
	DriverOffline   DriverStatus = "offline"
)

type Driver struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Phone       string       `json:"phone"`
	Email       string       `json:"email"`
	Status      DriverStatus `json:"status"`
	Location    Coord        `json:"location"`
	Rating      float64      `json:"rating"` // 0..5
	TotalJobs   int          `json:"totalJobs"`
	VehicleType string       `json:"vehicleType"`
	Specialties []string     `json:"specialties,omitempty"`
	Capacity    int          `json:"capacity,omitempty"`
	LastActive  time.Time    `json:"lastActive"`
	Priority    int          `json:"priority"`
}

// Clone returns a copy that shares no slices with d.
func (d Driver) Clone() Driver {
	if d.Specialties != nil {
		d.Specialties = append([]string(nil), d.Specialties...)
	}
	return d
}

type Priority string

const (
	PriorityLow       Priority = "low"
	PriorityMedium    Priority = "medium"
	PriorityHigh      Priority = "high"
	PriorityEmergency Priority = "emergency"
)

// Rank orders priorities by urgency; emergency is highest. Unknown values rank 0.
func (p Priority) Rank() int {
	switch p {
	case PriorityLow:
		return 1
	case PriorityMedium:
		return 2
	case PriorityHigh:
		return 3
	case PriorityEmergency:
		return 4
	default:
		return 0
	}
}

func (p Priority) Valid() bool { return p.Rank() > 0 }

type RequestStatus string

const (
	StatusPending   RequestStatus = "pending"
	StatusAssigned  RequestStatus = "assigned"
	StatusAccepted  RequestStatus = "accepted"
	StatusRejected  RequestStatus = "rejected"
	StatusCompleted RequestStatus = "completed"
)

func (s RequestStatus) Valid() bool {
	switch s {
	case StatusPending, StatusAssigned, StatusAccepted, StatusRejected, StatusCompleted:
		return true
	}
	return false
}

// Active reports whether a request in this status holds a driver.
func (s RequestStatus) Active() bool {
	return s == StatusAssigned || s == StatusAccepted
}

type DispatchRequest struct {
	ID                string        `json:"id"`
	CustomerID        string        `json:"customerId"`
	CustomerName      string        `json:"customerName"`
	CustomerPhone     string        `json:"customerPhone"`
	Location          Coord         `json:"location"`
	Destination       *Coord        `json:"destination,omitempty"`
	Priority          Priority      `json:"priority"`
	VehicleType       string        `json:"vehicleType"`
	Description       string        `json:"description"`
	EstimatedDuration int           `json:"estimatedDuration"` // minutes
	Status            RequestStatus `json:"status"`
	AssignedDriver    string        `json:"assignedDriver,omitempty"`
	CompletedBy       string        `json:"completedBy,omitempty"`
	CreatedAt         time.Time     `json:"createdAt"`
	AssignedAt        *time.Time    `json:"assignedAt,omitempty"`
	ExpiresAt         *time.Time    `json:"expiresAt,omitempty"`
	AcceptedAt        *time.Time    `json:"acceptedAt,omitempty"`
	RejectedAt        *time.Time    `json:"rejectedAt,omitempty"`
	CompletedAt       *time.Time    `json:"completedAt,omitempty"`
}

// Clone returns a deep copy so callers can never alias stored state.
func (r DispatchRequest) Clone() DispatchRequest {
	if r.Destination != nil {
		d := *r.Destination
		r.Destination = &d
	}
	r.AssignedAt = cloneTime(r.AssignedAt)
	r.ExpiresAt = cloneTime(r.ExpiresAt)
	r.AcceptedAt = cloneTime(r.AcceptedAt)
	r.RejectedAt = cloneTime(r.RejectedAt)
	r.CompletedAt = cloneTime(r.CompletedAt)
	return r
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// TimePtr returns a pointer to a copy of t.
func TimePtr(t time.Time) *time.Time { return &t }

type Notification struct {
	ID        string     `json:"id"`
	DriverID  string     `json:"driverId"`
	Type      string     `json:"type"`
	Title     string     `json:"title"`
	Message   string     `json:"message"`
	Data      any        `json:"data,omitempty"`
	Priority  string     `json:"priority"`
	Timestamp time.Time  `json:"timestamp"`
	Read      bool       `json:"read"`
	ReadAt    *time.Time `json:"readAt,omitempty"`
}

// LocationUpdate is the driver heartbeat carried over HTTP and Kafka.
type LocationUpdate struct {
	DriverID string    `json:"driverId"`
	Location Coord     `json:"location"`
	Rating   float64   `json:"rating,omitempty"`
	Status   string    `json:"status,omitempty"`
	At       time.Time `json:"at"`
}

type EventType string

const (
	EventCreated   EventType = "created"
	EventAssigned  EventType = "assigned"
	EventAccepted  EventType = "accepted"
	EventRejected  EventType = "rejected"
	EventRequeued  EventType = "requeued"
	EventCompleted EventType = "completed"
	EventExpired   EventType = "expired"
)

// DispatchEvent records one committed lifecycle transition.
type DispatchEvent struct {
	Type       EventType     `json:"type"`
	RequestID  string        `json:"requestId"`
	DriverID   string        `json:"driverId,omitempty"`
	FromStatus RequestStatus `json:"fromStatus,omitempty"`
	ToStatus   RequestStatus `json:"toStatus"`
	At         time.Time     `json:"at"`
}
