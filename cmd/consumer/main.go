package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"github.com/example/tow-dispatch/internal/config"
	"github.com/example/tow-dispatch/internal/geo"
	"github.com/example/tow-dispatch/internal/logging"
	"github.com/example/tow-dispatch/internal/models"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_consumed_total",
		Help: "Total driver location messages consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_invalid_total",
		Help: "Total invalid messages received",
	})
	redisUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_redis_updates_total",
		Help: "Total successful redis updates",
	})
	redisErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_redis_errors_total",
		Help: "Total redis errors",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, redisUpdates, redisErrors)
}

func main() {
	cfg, err := config.LoadConsumerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.WithError(err).Error("invalid configuration")
		os.Exit(1)
	}

	rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	mirror := geo.NewRedisGeoWithClient(rc, cfg.RedisGeoKey)
	validate := validator.New()

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) })
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if err := rc.Ping(r.Context()).Err(); err != nil {
				http.Error(w, "redis not ready", 503)
				return
			}
			w.WriteHeader(200)
			w.Write([]byte("ready"))
		})
		logger.WithField("addr", cfg.MetricsAddr).Info("metrics/health listening")
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			logger.WithError(err).Warn("metrics server stopped")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaLocationTopic, GroupID: cfg.KafkaGroup, MinBytes: 10e3, MaxBytes: 10e6})
	defer func() {
		_ = r.Close()
		_ = rc.Close()
	}()

	logger.WithFields(logrus.Fields{"topic": cfg.KafkaLocationTopic, "brokers": cfg.KafkaBrokers, "group": cfg.KafkaGroup}).Info("consumer listening")

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("shutting down consumer")
				return
			}
			logger.WithError(err).WithField("backoff", backoff.String()).Warn("kafka read error")
			time.Sleep(backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second

		msgsConsumed.Inc()

		u, err := decodeLocation(validate, m.Value)
		if err != nil {
			msgsInvalid.Inc()
			logger.WithError(err).Warn("invalid message")
			continue
		}

		if err := updateRedisWithRetry(ctx, mirror, cfg.RedisGeoKey, u, 3, 200*time.Millisecond); err != nil {
			redisErrors.Inc()
			logger.WithError(err).WithField("driver_id", u.DriverID).Error("redis update failed")
			continue
		}
		redisUpdates.Inc()
	}
}

type locationMessage struct {
	DriverID string    `json:"driverId" validate:"required"`
	Lat      float64   `json:"lat" validate:"gte=-90,lte=90"`
	Lng      float64   `json:"lng" validate:"gte=-180,lte=180"`
	Rating   float64   `json:"rating" validate:"gte=0,lte=5"`
	Status   string    `json:"status" validate:"omitempty,oneof=available busy offline"`
	At       time.Time `json:"at"`
}

// decodeLocation parses a models.LocationUpdate payload and validates it.
func decodeLocation(v *validator.Validate, raw []byte) (models.LocationUpdate, error) {
	var u models.LocationUpdate
	if err := json.Unmarshal(raw, &u); err != nil {
		return u, err
	}
	msg := locationMessage{DriverID: u.DriverID, Lat: u.Location.Lat, Lng: u.Location.Lng, Rating: u.Rating, Status: u.Status, At: u.At}
	if err := v.Struct(msg); err != nil {
		return u, err
	}
	return u, nil
}

// RedisUpdater defines the small subset of redis operations we need for tests and production.
type RedisUpdater interface {
	GeoAdd(ctx context.Context, key string, loc *redis.GeoLocation) error
	HSet(ctx context.Context, key string, values map[string]interface{}) error
}

// updateRedisWithRetry writes the position and metadata with retry and doubling backoff.
func updateRedisWithRetry(ctx context.Context, rc RedisUpdater, key string, u models.LocationUpdate, attempts int, delay time.Duration) error {
	for i := 0; i < attempts; i++ {
		if err := rc.GeoAdd(ctx, key, &redis.GeoLocation{Longitude: u.Location.Lng, Latitude: u.Location.Lat, Name: u.DriverID}); err != nil {
			if i == attempts-1 {
				return err
			}
			time.Sleep(delay)
			delay *= 2
			continue
		}
		if err := rc.HSet(ctx, geo.MetaKey(u.DriverID), geo.MetaFields(u)); err != nil {
			if i == attempts-1 {
				return err
			}
			time.Sleep(delay)
			delay *= 2
			continue
		}
		return nil
	}
	return nil
}
