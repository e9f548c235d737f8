package notify

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/tow-dispatch/internal/models"
	"github.com/example/tow-dispatch/internal/observability"
)

var ErrNotFound = errors.New("notification not found")

// Retention bounds the log. Zero values disable the corresponding limit.
type Retention struct {
	MaxPerDriver int
	MaxAge       time.Duration
}

func DefaultRetention() Retention {
	return Retention{MaxPerDriver: 100, MaxAge: 24 * time.Hour}
}

type record struct {
	seq uint64
	n   models.Notification
}

// Sink is an append-only notification log. Entries only change when they are
// marked read, and only leave through retention.
type Sink struct {
	mu        sync.RWMutex
	seq       uint64
	records   []*record
	byID      map[string]*record
	retention Retention
	now       func() time.Time
}

func NewSink(r Retention) *Sink {
	return &Sink{byID: make(map[string]*record), retention: r, now: time.Now}
}

// WithClock overrides the time source; tests use it to step through retention.
func (s *Sink) WithClock(now func() time.Time) *Sink {
	s.now = now
	return s
}

// Add stamps id, timestamp and unread state, and returns the stored copy.
func (s *Sink) Add(n models.Notification) models.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()

	n.ID = uuid.NewString()
	n.Timestamp = s.now()
	n.Read = false
	n.ReadAt = nil
	s.seq++
	rec := &record{seq: s.seq, n: n}
	s.records = append(s.records, rec)
	s.byID[n.ID] = rec
	s.evictLocked()
	return n
}

// ListFor returns a driver's notifications, newest first.
func (s *Sink) ListFor(driverID string, unreadOnly bool) []models.Notification {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Notification, 0)
	for i := len(s.records) - 1; i >= 0; i-- {
		r := s.records[i]
		if r.n.DriverID != driverID {
			continue
		}
		if unreadOnly && r.n.Read {
			continue
		}
		out = append(out, copyNotification(r.n))
	}
	return out
}

// List returns every retained notification, newest first.
func (s *Sink) List() []models.Notification {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Notification, 0, len(s.records))
	for i := len(s.records) - 1; i >= 0; i-- {
		out = append(out, copyNotification(s.records[i].n))
	}
	return out
}

func (s *Sink) UnreadCount(driverID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, r := range s.records {
		if r.n.DriverID == driverID && !r.n.Read {
			n++
		}
	}
	return n
}

func (s *Sink) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// MarkRead flips a notification to read. Marking it again keeps the first readAt.
func (s *Sink) MarkRead(id string) (models.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.byID[id]
	if !ok {
		return models.Notification{}, ErrNotFound
	}
	if !r.n.Read {
		r.n.Read = true
		r.n.ReadAt = models.TimePtr(s.now())
	}
	return copyNotification(r.n), nil
}

// evictLocked drops entries past MaxAge and keeps at most MaxPerDriver per driver.
func (s *Sink) evictLocked() {
	if s.retention.MaxAge <= 0 && s.retention.MaxPerDriver <= 0 {
		return
	}
	cutoff := time.Time{}
	if s.retention.MaxAge > 0 {
		cutoff = s.now().Add(-s.retention.MaxAge)
	}
	perDriver := make(map[string]int)
	keep := make([]*record, 0, len(s.records))
	// walk newest first so the per-driver cap keeps the latest entries
	for i := len(s.records) - 1; i >= 0; i-- {
		r := s.records[i]
		drop := !cutoff.IsZero() && r.n.Timestamp.Before(cutoff)
		if !drop && s.retention.MaxPerDriver > 0 {
			perDriver[r.n.DriverID]++
			drop = perDriver[r.n.DriverID] > s.retention.MaxPerDriver
		}
		if drop {
			delete(s.byID, r.n.ID)
			observability.NotificationsEvicted.Inc()
			continue
		}
		keep = append(keep, r)
	}
	sort.Slice(keep, func(i, j int) bool { return keep[i].seq < keep[j].seq })
	s.records = keep
}

func copyNotification(n models.Notification) models.Notification {
	if n.ReadAt != nil {
		t := *n.ReadAt
		n.ReadAt = &t
	}
	return n
}
