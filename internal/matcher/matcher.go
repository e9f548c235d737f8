package matcher

import (
	"math"
	"sort"
	"time"

	"github.com/example/tow-dispatch/internal/geo"
	"github.com/example/tow-dispatch/internal/models"
	"github.com/example/tow-dispatch/internal/observability"
)

// DefaultActivityWindow is how recently a driver must have been active to be offered work.
const DefaultActivityWindow = 5 * time.Minute

// Weights of the composite score.
const (
	weightDistance   = 0.30
	weightRating     = 0.25
	weightPriority   = 0.20
	weightExperience = 0.15
	weightRecency    = 0.10
)

// DriverSource is the read-only view of the driver pool.
type DriverSource interface {
	List() []models.Driver
}

type Candidate struct {
	Driver     models.Driver
	DistanceKm float64
	Score      float64
}

// Service scores drivers for a request. It never mutates the pool.
type Service struct {
	Drivers        DriverSource
	ActivityWindow time.Duration
}

func New(drivers DriverSource, window time.Duration) *Service {
	return &Service{Drivers: drivers, ActivityWindow: window}
}

// SelectBest returns the highest scoring eligible driver. Drivers listed in
// exclude are skipped. Ties go to the lower driver id.
func (s *Service) SelectBest(req models.DispatchRequest, now time.Time, exclude ...string) (Candidate, bool) {
	ranked := s.Rank(req, now, exclude...)
	if len(ranked) == 0 {
		return Candidate{}, false
	}
	return ranked[0], true
}

// Rank scores every eligible driver, best first.
func (s *Service) Rank(req models.DispatchRequest, now time.Time, exclude ...string) []Candidate {
	start := time.Now()
	defer func() { observability.MatchLatency.Observe(time.Since(start).Seconds()) }()

	window := s.ActivityWindow
	if window <= 0 {
		window = DefaultActivityWindow
	}
	skip := make(map[string]struct{}, len(exclude))
	for _, id := range exclude {
		skip[id] = struct{}{}
	}

	var out []Candidate
	for _, d := range s.Drivers.List() {
		if _, ok := skip[d.ID]; ok {
			continue
		}
		if !Eligible(d, req, now, window) {
			continue
		}
		score, dist := Score(d, req, now)
		out = append(out, Candidate{Driver: d, DistanceKm: dist, Score: score})
	}
	observability.Candidates.Observe(float64(len(out)))

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Driver.ID < out[j].Driver.ID
	})
	return out
}

// Eligible applies the status, vehicle type and activity filters.
func Eligible(d models.Driver, req models.DispatchRequest, now time.Time, window time.Duration) bool {
	if d.Status != models.DriverAvailable {
		return false
	}
	if d.VehicleType != req.VehicleType {
		return false
	}
	return now.Sub(d.LastActive) < window
}

// Score computes the composite score and the pickup distance in km.
func Score(d models.Driver, req models.DispatchRequest, now time.Time) (float64, float64) {
	dist := geo.DistanceKm(d.Location.Lat, d.Location.Lng, req.Location.Lat, req.Location.Lng)

	distanceScore := math.Max(0, 100-dist*10)
	ratingScore := d.Rating * 20
	priorityScore := float64(d.Priority)
	experienceScore := math.Min(50, float64(d.TotalJobs)/4)
	idle := math.Max(0, now.Sub(d.LastActive).Minutes())
	recencyScore := math.Max(0, 50-idle)

	total := distanceScore*weightDistance +
		ratingScore*weightRating +
		priorityScore*weightPriority +
		experienceScore*weightExperience +
		recencyScore*weightRecency
	return total * PriorityMultiplier(req.Priority), dist
}

// PriorityMultiplier scales scores by request urgency.
func PriorityMultiplier(p models.Priority) float64 {
	switch p {
	case models.PriorityEmergency:
		return 2.0
	case models.PriorityHigh:
		return 1.5
	case models.PriorityMedium:
		return 1.2
	default:
		return 1.0
	}
}
