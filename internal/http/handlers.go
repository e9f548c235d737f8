package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/example/tow-dispatch/internal/dispatch"
	"github.com/example/tow-dispatch/internal/eta"
	"github.com/example/tow-dispatch/internal/lifecycle"
	"github.com/example/tow-dispatch/internal/models"
	"github.com/example/tow-dispatch/internal/notify"
	"github.com/example/tow-dispatch/internal/registry"
	"github.com/example/tow-dispatch/internal/storage"
)

// NearbyFinder answers the map view. RedisGeo and the registry both satisfy it.
type NearbyFinder interface {
	Nearby(ctx context.Context, lat, lng float64, limit int) ([]models.Driver, error)
}

type LocationPublisher interface {
	PublishLocation(ctx context.Context, u models.LocationUpdate) error
}

type LocationMirror interface {
	Upsert(ctx context.Context, u models.LocationUpdate) error
}

type Deps struct {
	Lifecycle *lifecycle.Service
	Registry  *registry.Registry
	Sink      *notify.Sink
	WS        *dispatch.WSRegistry
	ETA       *eta.Estimator
	// Nearby defaults to the registry scan.
	Nearby NearbyFinder
	// Locations streams heartbeats to Kafka; Mirror writes them to Redis
	// directly when no stream is configured. Both are optional.
	Locations LocationPublisher
	Mirror    LocationMirror
	Logger    logrus.FieldLogger
}

type Server struct {
	lifecycle *lifecycle.Service
	registry  *registry.Registry
	sink      *notify.Sink
	ws        *dispatch.WSRegistry
	eta       *eta.Estimator
	nearby    NearbyFinder
	locations LocationPublisher
	mirror    LocationMirror
	logger    logrus.FieldLogger
	validate  *validator.Validate
	mux       *mux.Router
}

func NewServer(d Deps) *Server {
	s := &Server{
		lifecycle: d.Lifecycle,
		registry:  d.Registry,
		sink:      d.Sink,
		ws:        d.WS,
		eta:       d.ETA,
		nearby:    d.Nearby,
		locations: d.Locations,
		mirror:    d.Mirror,
		logger:    d.Logger,
		validate:  validator.New(),
		mux:       mux.NewRouter(),
	}
	if s.nearby == nil {
		s.nearby = d.Registry
	}
	s.routes()
	s.registerMiddleware()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/dispatch/requests", s.handleCreateRequest).Methods("POST")
	api.HandleFunc("/dispatch/requests", s.handleListRequests).Methods("GET")
	api.HandleFunc("/dispatch/response", s.handleRespond).Methods("POST")
	api.HandleFunc("/dispatch/response", s.handleDriverRequests).Methods("GET")

	api.HandleFunc("/drivers", s.handleListDrivers).Methods("GET")
	api.HandleFunc("/drivers", s.handleRegisterDriver).Methods("POST")
	api.HandleFunc("/drivers/nearby", s.handleNearby).Methods("GET")
	api.HandleFunc("/drivers/{id}/location", s.handleDriverLocation).Methods("POST")
	api.HandleFunc("/drivers/{id}/availability", s.handleAvailability).Methods("PUT")

	api.HandleFunc("/notifications", s.handleListNotifications).Methods("GET")
	api.HandleFunc("/notifications", s.handleNotify).Methods("POST")
	api.HandleFunc("/notifications/{id}/read", s.handleMarkRead).Methods("POST")

	s.mux.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/{driver_id}", s.handleWS)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type coordDTO struct {
	Lat *float64 `json:"lat" validate:"required,gte=-90,lte=90"`
	Lng *float64 `json:"lng" validate:"required,gte=-180,lte=180"`
}

func (c *coordDTO) toModel() *models.Coord {
	if c == nil {
		return nil
	}
	return &models.Coord{Lat: *c.Lat, Lng: *c.Lng}
}

type createRequestDTO struct {
	CustomerID        string    `json:"customerId" validate:"required"`
	CustomerName      string    `json:"customerName"`
	CustomerPhone     string    `json:"customerPhone"`
	Location          *coordDTO `json:"location" validate:"required"`
	Destination       *coordDTO `json:"destination" validate:"omitempty"`
	Priority          string    `json:"priority" validate:"omitempty,oneof=low medium high emergency"`
	VehicleType       string    `json:"vehicleType" validate:"required"`
	Description       string    `json:"description"`
	EstimatedDuration int       `json:"estimatedDuration" validate:"gte=0"`
}

type assignedDriverView struct {
	ID               string  `json:"id"`
	Name             string  `json:"name"`
	Phone            string  `json:"phone"`
	Rating           float64 `json:"rating"`
	DistanceKm       float64 `json:"distanceKm"`
	EstimatedArrival int     `json:"estimatedArrival"` // minutes
}

func (s *Server) handleCreateRequest(w http.ResponseWriter, r *http.Request) {
	var in createRequestDTO
	if !s.decode(w, r, &in) {
		return
	}
	res, err := s.lifecycle.Create(r.Context(), lifecycle.CreateCommand{
		CustomerID:        in.CustomerID,
		CustomerName:      in.CustomerName,
		CustomerPhone:     in.CustomerPhone,
		Location:          in.Location.toModel(),
		Destination:       in.Destination.toModel(),
		Priority:          models.Priority(in.Priority),
		VehicleType:       in.VehicleType,
		Description:       in.Description,
		EstimatedDuration: in.EstimatedDuration,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	resp := map[string]any{"success": true, "dispatchRequest": res.Request}
	if res.Driver != nil {
		resp["assignedDriver"] = assignedDriverView{
			ID:               res.Driver.ID,
			Name:             res.Driver.Name,
			Phone:            res.Driver.Phone,
			Rating:           res.Driver.Rating,
			DistanceKm:       res.DistanceKm,
			EstimatedArrival: s.eta.ArrivalMinutes(r.Context(), res.Driver.Location, res.Request.Location),
		}
		resp["message"] = fmt.Sprintf("Request assigned to %s", res.Driver.Name)
	} else {
		resp["message"] = "No drivers available, request queued"
		resp["estimatedWaitTime"] = int(res.EstimatedWait / time.Minute)
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleListRequests(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := storage.Filter{DriverID: q.Get("driverId")}
	if raw := q.Get("status"); raw != "" {
		for _, st := range strings.Split(raw, ",") {
			status := models.RequestStatus(strings.TrimSpace(st))
			if !status.Valid() {
				s.writeError(w, r, badInput("list", "unknown status %q", st))
				return
			}
			f.Statuses = append(f.Statuses, status)
		}
	}
	list, err := s.lifecycle.List(r.Context(), f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := map[string]any{"success": true, "requests": list, "total": len(list)}
	if f.DriverID == "" && len(f.Statuses) == 0 {
		resp["drivers"] = s.driverViews()
	}
	writeJSON(w, http.StatusOK, resp)
}

type respondDTO struct {
	RequestID string `json:"requestId" validate:"required"`
	DriverID  string `json:"driverId" validate:"required"`
	Action    string `json:"action" validate:"required,oneof=accept reject complete"`
}

func (s *Server) handleRespond(w http.ResponseWriter, r *http.Request) {
	var in respondDTO
	if !s.decode(w, r, &in) {
		return
	}
	res, err := s.lifecycle.Respond(r.Context(), in.RequestID, in.DriverID, lifecycle.Action(in.Action))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := map[string]any{"success": true, "dispatchRequest": res.Request, "driver": res.Driver}
	switch {
	case res.Reassigned != nil:
		resp["reassignedDriver"] = res.Reassigned
		resp["message"] = fmt.Sprintf("Request rejected and reassigned to %s", res.Reassigned.Name)
	case res.NoCandidates:
		resp["message"] = "Request rejected, no other drivers available"
	default:
		resp["message"] = fmt.Sprintf("Request %s", res.Request.Status)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDriverRequests(w http.ResponseWriter, r *http.Request) {
	driverID := r.URL.Query().Get("driverId")
	if driverID == "" {
		s.writeError(w, r, badInput("active", "driverId is required"))
		return
	}
	active, err := s.lifecycle.ActiveFor(r.Context(), driverID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	d, _ := s.registry.Get(driverID)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "driver": d, "activeRequests": active})
}

// decode reads and validates a JSON body, writing a 400 on failure.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		s.writeError(w, r, badInput("decode", "malformed JSON body"))
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		s.writeError(w, r, badInput("validate", "%s", validationMessage(err)))
		return false
	}
	return true
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
	}
	return strings.Join(parts, "; ")
}

func badInput(op, format string, args ...any) error {
	return &lifecycle.Error{Kind: lifecycle.KindInvalidInput, Op: op, Msg: fmt.Sprintf(format, args...)}
}

func notFound(op, format string, args ...any) error {
	return &lifecycle.Error{Kind: lifecycle.KindNotFound, Op: op, Msg: fmt.Sprintf(format, args...)}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	kind := lifecycle.KindOf(err)
	switch {
	case kind == lifecycle.KindInvalidInput:
		status = http.StatusBadRequest
	case kind == lifecycle.KindNotFound, errors.Is(err, notify.ErrNotFound):
		status = http.StatusNotFound
		kind = lifecycle.KindNotFound
	case kind == lifecycle.KindInvalidState:
		status = http.StatusConflict
	default:
		kind = "internal"
		s.logger.WithError(err).WithField("request_id", requestIDFromContext(r.Context())).Error("request failed")
	}
	writeJSON(w, status, map[string]any{"success": false, "error": err.Error(), "kind": kind})
}

func queryFloat(r *http.Request, key string) (float64, bool) {
	v, err := strconv.ParseFloat(r.URL.Query().Get(key), 64)
	return v, err == nil
}
