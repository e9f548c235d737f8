package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/tow-dispatch/internal/dispatch"
	"github.com/example/tow-dispatch/internal/lifecycle"
	"github.com/example/tow-dispatch/internal/matcher"
	"github.com/example/tow-dispatch/internal/models"
	"github.com/example/tow-dispatch/internal/notify"
	"github.com/example/tow-dispatch/internal/registry"
	"github.com/example/tow-dispatch/internal/storage"
)

type recordingLocations struct {
	mu  sync.Mutex
	got []models.LocationUpdate
}

func (r *recordingLocations) PublishLocation(_ context.Context, u models.LocationUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, u)
	return nil
}

type harness struct {
	srv  *Server
	reg  *registry.Registry
	sink *notify.Sink
	locs *recordingLocations
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)

	reg := registry.New()
	sink := notify.NewSink(notify.DefaultRetention())
	ws := dispatch.NewWSRegistry(log)
	svc := lifecycle.New(storage.NewMemoryStore(), reg, matcher.New(reg, 0), sink, log,
		lifecycle.WithDeliverer(dispatch.NewFanout(ws, nil)))
	reg.Seed(registry.DemoDrivers(time.Now()))

	locs := &recordingLocations{}
	srv := NewServer(Deps{Lifecycle: svc, Registry: reg, Sink: sink, WS: ws, Locations: locs, Logger: log})
	return &harness{srv: srv, reg: reg, sink: sink, locs: locs}
}

func (h *harness) do(t *testing.T, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	rec := httptest.NewRecorder()
	h.srv.ServeHTTP(rec, req)

	var out map[string]any
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec.Code, out
}

func createBody(vehicle string) map[string]any {
	return map[string]any{
		"customerId":   "cust-1",
		"customerName": "Ana",
		"location":     map[string]float64{"lat": 32.7157, "lng": -117.1611},
		"priority":     "high",
		"vehicleType":  vehicle,
	}
}

func TestCreateAndRespondFlow(t *testing.T) {
	h := newHarness(t)

	code, body := h.do(t, http.MethodPost, "/api/v1/dispatch/requests", createBody("flatbed"))
	require.Equal(t, http.StatusCreated, code, body)
	assert.Equal(t, true, body["success"])
	req := body["dispatchRequest"].(map[string]any)
	assert.Equal(t, "assigned", req["status"])
	assigned := body["assignedDriver"].(map[string]any)
	driverID := assigned["id"].(string)
	assert.NotEmpty(t, driverID)
	assert.Contains(t, assigned, "estimatedArrival")

	code, body = h.do(t, http.MethodGet, "/api/v1/dispatch/response?driverId="+driverID, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["activeRequests"], 1)

	code, body = h.do(t, http.MethodPost, "/api/v1/dispatch/response", map[string]string{
		"requestId": req["id"].(string), "driverId": driverID, "action": "accept",
	})
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "accepted", body["dispatchRequest"].(map[string]any)["status"])

	code, body = h.do(t, http.MethodPost, "/api/v1/dispatch/response", map[string]string{
		"requestId": req["id"].(string), "driverId": driverID, "action": "accept",
	})
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "invalid_state", body["kind"])

	code, body = h.do(t, http.MethodPost, "/api/v1/dispatch/response", map[string]string{
		"requestId": req["id"].(string), "driverId": driverID, "action": "complete",
	})
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "completed", body["dispatchRequest"].(map[string]any)["status"])
}

func TestCreateQueuesWhenNoDriverFits(t *testing.T) {
	h := newHarness(t)
	code, body := h.do(t, http.MethodPost, "/api/v1/dispatch/requests", createBody("heavy-rotator"))
	require.Equal(t, http.StatusCreated, code)
	assert.Nil(t, body["assignedDriver"])
	assert.Equal(t, float64(15), body["estimatedWaitTime"])
	assert.Equal(t, "pending", body["dispatchRequest"].(map[string]any)["status"])
}

func TestErrorMapping(t *testing.T) {
	h := newHarness(t)

	code, body := h.do(t, http.MethodPost, "/api/v1/dispatch/requests", map[string]any{"customerId": "c"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "invalid_input", body["kind"])

	bad := createBody("flatbed")
	bad["priority"] = "asap"
	code, _ = h.do(t, http.MethodPost, "/api/v1/dispatch/requests", bad)
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = h.do(t, http.MethodPost, "/api/v1/dispatch/response", map[string]string{
		"requestId": "missing", "driverId": "driver-1", "action": "accept",
	})
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "not_found", body["kind"])

	code, _ = h.do(t, http.MethodPost, "/api/v1/dispatch/response", map[string]string{
		"requestId": "x", "driverId": "driver-1", "action": "snooze",
	})
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = h.do(t, http.MethodGet, "/api/v1/dispatch/requests?status=lost", nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = h.do(t, http.MethodPost, "/api/v1/notifications/nope/read", nil)
	assert.Equal(t, http.StatusNotFound, code)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/drivers", strings.NewReader("{"))
	rec := httptest.NewRecorder()
	h.srv.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListRequestsIncludesDriversWhenUnfiltered(t *testing.T) {
	h := newHarness(t)
	h.do(t, http.MethodPost, "/api/v1/dispatch/requests", createBody("flatbed"))

	code, body := h.do(t, http.MethodGet, "/api/v1/dispatch/requests", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(1), body["total"])
	assert.Len(t, body["drivers"], 3)

	code, body = h.do(t, http.MethodGet, "/api/v1/dispatch/requests?status=pending", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(0), body["total"])
	assert.NotContains(t, body, "drivers")
}

func TestDriverEndpoints(t *testing.T) {
	h := newHarness(t)

	code, body := h.do(t, http.MethodPost, "/api/v1/drivers", map[string]any{
		"id": "driver-9", "name": "Kai", "vehicleType": "wrecker", "rating": 4.2,
		"location": map[string]float64{"lat": 32.8, "lng": -117.2},
	})
	require.Equal(t, http.StatusCreated, code, body)
	assert.Equal(t, "available", body["driver"].(map[string]any)["status"])

	code, body = h.do(t, http.MethodGet, "/api/v1/drivers", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(4), body["total"])

	code, body = h.do(t, http.MethodPost, "/api/v1/drivers/driver-9/location", map[string]float64{"lat": 32.81, "lng": -117.21})
	require.Equal(t, http.StatusOK, code, body)
	require.Len(t, h.locs.got, 1)
	assert.Equal(t, "driver-9", h.locs.got[0].DriverID)
	assert.Equal(t, 32.81, h.locs.got[0].Location.Lat)

	code, _ = h.do(t, http.MethodPost, "/api/v1/drivers/ghost/location", map[string]float64{"lat": 1, "lng": 1})
	assert.Equal(t, http.StatusNotFound, code)

	code, body = h.do(t, http.MethodPut, "/api/v1/drivers/driver-9/availability", map[string]bool{"online": false})
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "offline", body["driver"].(map[string]any)["status"])

	code, _ = h.do(t, http.MethodPut, "/api/v1/drivers/driver-9/availability", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = h.do(t, http.MethodGet, "/api/v1/drivers/nearby?lat=32.7157&lng=-117.1611&limit=2", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["drivers"], 2)

	code, _ = h.do(t, http.MethodGet, "/api/v1/drivers/nearby?lat=abc&lng=1", nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestNotificationEndpoints(t *testing.T) {
	h := newHarness(t)

	code, body := h.do(t, http.MethodPost, "/api/v1/notifications", map[string]any{"driverId": "driver-1", "title": "Shift starts"})
	require.Equal(t, http.StatusCreated, code, body)
	n := body["notification"].(map[string]any)
	assert.Equal(t, "normal", n["priority"])

	code, body = h.do(t, http.MethodGet, "/api/v1/notifications?driverId=driver-1&unreadOnly=true", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(1), body["unreadCount"])
	assert.Len(t, body["notifications"], 1)
	assert.Empty(t, body["connectedDrivers"])

	code, body = h.do(t, http.MethodPost, "/api/v1/notifications/"+n["id"].(string)+"/read", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["notification"].(map[string]any)["read"])

	code, body = h.do(t, http.MethodGet, "/api/v1/notifications?driverId=driver-1&unreadOnly=true", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(0), body["unreadCount"])

	code, _ = h.do(t, http.MethodPost, "/api/v1/notifications", map[string]any{"driverId": "driver-1"})
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = h.do(t, http.MethodPost, "/api/v1/notifications", map[string]any{"driverId": "ghost", "title": "x"})
	assert.Equal(t, http.StatusNotFound, code)
}

func TestHealthAndRequestID(t *testing.T) {
	h := newHarness(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "abc")
	rec := httptest.NewRecorder()
	h.srv.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
	assert.Equal(t, "abc", rec.Header().Get("X-Request-ID"))
}

func TestWebsocketReceivesBacklogAndPushes(t *testing.T) {
	h := newHarness(t)
	ts := httptest.NewServer(h.srv)
	defer ts.Close()

	// a notification queued before the driver connects is replayed on connect
	h.sink.Add(models.Notification{DriverID: "driver-1", Title: "queued"})

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/driver-1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var first models.Notification
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, "queued", first.Title)

	require.Eventually(t, func() bool {
		code, body := h.do(t, http.MethodGet, "/api/v1/notifications?driverId=driver-1", nil)
		return code == http.StatusOK && len(body["connectedDrivers"].([]any)) == 1
	}, time.Second, 10*time.Millisecond)

	code, _ := h.do(t, http.MethodPost, "/api/v1/notifications", map[string]any{"driverId": "driver-1", "title": "live"})
	require.Equal(t, http.StatusCreated, code)

	var pushed models.Notification
	require.NoError(t, conn.ReadJSON(&pushed))
	assert.Equal(t, "live", pushed.Title)
}

func TestWebsocketUnknownDriver(t *testing.T) {
	h := newHarness(t)
	ts := httptest.NewServer(h.srv)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/ghost"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
