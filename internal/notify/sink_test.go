package notify

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/tow-dispatch/internal/models"
)

type stepClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *stepClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newClock() *stepClock {
	return &stepClock{t: time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)}
}

func TestAddAssignsIdentity(t *testing.T) {
	c := newClock()
	s := NewSink(Retention{}).WithClock(c.Now)

	n := s.Add(models.Notification{DriverID: "d1", Type: "dispatch_request", Read: true})
	assert.NotEmpty(t, n.ID)
	assert.Equal(t, c.Now(), n.Timestamp)
	assert.False(t, n.Read)

	other := s.Add(models.Notification{DriverID: "d1"})
	assert.NotEqual(t, n.ID, other.ID)
}

func TestListForNewestFirstAndUnreadFilter(t *testing.T) {
	c := newClock()
	s := NewSink(Retention{}).WithClock(c.Now)

	first := s.Add(models.Notification{DriverID: "d1", Title: "first"})
	c.Advance(time.Second)
	s.Add(models.Notification{DriverID: "d2", Title: "other driver"})
	c.Advance(time.Second)
	third := s.Add(models.Notification{DriverID: "d1", Title: "third"})

	list := s.ListFor("d1", false)
	require.Len(t, list, 2)
	assert.Equal(t, third.ID, list[0].ID)
	assert.Equal(t, first.ID, list[1].ID)

	_, err := s.MarkRead(first.ID)
	require.NoError(t, err)

	unread := s.ListFor("d1", true)
	require.Len(t, unread, 1)
	assert.Equal(t, third.ID, unread[0].ID)
	assert.Equal(t, 1, s.UnreadCount("d1"))
	assert.Len(t, s.List(), 3)
}

func TestSameTimestampKeepsInsertionOrder(t *testing.T) {
	s := NewSink(Retention{}).WithClock(newClock().Now)
	a := s.Add(models.Notification{DriverID: "d1"})
	b := s.Add(models.Notification{DriverID: "d1"})
	list := s.ListFor("d1", false)
	require.Len(t, list, 2)
	assert.Equal(t, b.ID, list[0].ID)
	assert.Equal(t, a.ID, list[1].ID)
}

func TestMarkReadIsIdempotent(t *testing.T) {
	c := newClock()
	s := NewSink(Retention{}).WithClock(c.Now)
	n := s.Add(models.Notification{DriverID: "d1"})

	c.Advance(time.Minute)
	got, err := s.MarkRead(n.ID)
	require.NoError(t, err)
	require.True(t, got.Read)
	firstReadAt := *got.ReadAt

	c.Advance(time.Minute)
	again, err := s.MarkRead(n.ID)
	require.NoError(t, err)
	assert.True(t, again.Read)
	assert.Equal(t, firstReadAt, *again.ReadAt)

	_, err = s.MarkRead("nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRetentionPerDriverCap(t *testing.T) {
	s := NewSink(Retention{MaxPerDriver: 2}).WithClock(newClock().Now)
	s.Add(models.Notification{DriverID: "d1", Title: "1"})
	s.Add(models.Notification{DriverID: "d1", Title: "2"})
	s.Add(models.Notification{DriverID: "d2", Title: "x"})
	s.Add(models.Notification{DriverID: "d1", Title: "3"})

	list := s.ListFor("d1", false)
	require.Len(t, list, 2)
	assert.Equal(t, "3", list[0].Title)
	assert.Equal(t, "2", list[1].Title)
	assert.Len(t, s.ListFor("d2", false), 1)
	assert.Equal(t, 3, s.Len())
}

func TestRetentionMaxAge(t *testing.T) {
	c := newClock()
	s := NewSink(Retention{MaxAge: time.Hour}).WithClock(c.Now)
	old := s.Add(models.Notification{DriverID: "d1"})
	c.Advance(2 * time.Hour)
	s.Add(models.Notification{DriverID: "d1"})

	assert.Equal(t, 1, s.Len())
	_, err := s.MarkRead(old.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}
