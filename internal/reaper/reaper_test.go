package reaper

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/tow-dispatch/internal/lifecycle"
	"github.com/example/tow-dispatch/internal/matcher"
	"github.com/example/tow-dispatch/internal/models"
	"github.com/example/tow-dispatch/internal/notify"
	"github.com/example/tow-dispatch/internal/registry"
	"github.com/example/tow-dispatch/internal/storage"
)

type stubLifecycle struct {
	mu       sync.Mutex
	expires  int
	retries  int
	expired  []lifecycle.SweepItem
	retried  []lifecycle.SweepItem
	sweepErr error
}

func (s *stubLifecycle) ExpireStale(context.Context) ([]lifecycle.SweepItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expires++
	return s.expired, s.sweepErr
}

func (s *stubLifecycle) RetryPending(context.Context) ([]lifecycle.SweepItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retries++
	return s.retried, nil
}

func (s *stubLifecycle) counts() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expires, s.retries
}

func TestSweepLogsItemsAndKeepsGoing(t *testing.T) {
	log, hook := test.NewNullLogger()
	l := &stubLifecycle{
		expired: []lifecycle.SweepItem{
			{RequestID: "r1", ExpiredDriver: "d1", AssignedDriver: "d2"},
			{RequestID: "r2", ExpiredDriver: "d3", Err: errors.New("store down")},
		},
		sweepErr: errors.New("partial listing"),
	}
	r := New(l, nil, time.Minute, true, log)
	r.Sweep(context.Background())

	expires, retries := l.counts()
	assert.Equal(t, 1, expires)
	assert.Equal(t, 1, retries)

	var warned, infos, errs int
	for _, e := range hook.AllEntries() {
		switch e.Level {
		case logrus.WarnLevel:
			warned++
		case logrus.InfoLevel:
			infos++
		case logrus.ErrorLevel:
			errs++
		}
	}
	assert.Equal(t, 1, warned)
	assert.Equal(t, 1, infos)
	assert.Equal(t, 1, errs)
}

func TestSweepSkipsRetryWhenDisabled(t *testing.T) {
	log, _ := test.NewNullLogger()
	l := &stubLifecycle{}
	New(l, nil, 0, false, log).Sweep(context.Background())
	_, retries := l.counts()
	assert.Equal(t, 0, retries)
}

func TestRunStopsOnCancel(t *testing.T) {
	log, _ := test.NewNullLogger()
	l := &stubLifecycle{}
	r := New(l, nil, 5*time.Millisecond, false, log)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		n, _ := l.counts()
		return n >= 2
	}, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reaper did not stop")
	}
}

func TestSweepExpiresRealAssignment(t *testing.T) {
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	log := logrus.New()
	log.SetOutput(io.Discard)

	reg := registry.New()
	store := storage.NewMemoryStore()
	svc := lifecycle.New(store, reg, matcher.New(reg, 0), notify.NewSink(notify.Retention{}), log, lifecycle.WithClock(clock))

	_, err := svc.RegisterDriver(context.Background(), models.Driver{ID: "d1", VehicleType: "flatbed", Rating: 4})
	require.NoError(t, err)
	loc := models.Coord{Lat: 32.7, Lng: -117.1}
	res, err := svc.Create(context.Background(), lifecycle.CreateCommand{CustomerID: "c", Location: &loc, VehicleType: "flatbed"})
	require.NoError(t, err)
	require.NotNil(t, res.Driver)

	now = now.Add(lifecycle.DefaultAssignmentTTL + time.Second)
	New(svc, reg, time.Minute, false, log).Sweep(context.Background())

	got, err := svc.Get(context.Background(), res.Request.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)
	d, _ := reg.Get("d1")
	assert.Equal(t, models.DriverAvailable, d.Status)
}
