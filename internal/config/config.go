package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig captures all tunable parameters for the HTTP API process.
// Values come from environment variables with defaults that run locally
// without Redis, Kafka or Postgres.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	KafkaBrokers       []string
	KafkaLocationTopic string
	KafkaEventTopic    string

	PGDSN         string
	RunMigrations bool

	OSRMEndpoint string
	ETACacheTTL  time.Duration

	AssignmentTTL      time.Duration
	ActivityWindow     time.Duration
	EstimatedWait      time.Duration
	ReaperInterval     time.Duration
	ReaperRetryPending bool

	NotifyMaxPerDriver int
	NotifyMaxAge       time.Duration
	PushWebhookURL     string
	PushWebhookToken   string

	SeedDemoDrivers bool
	LogLevel        string
}

// ConsumerConfig is the location consumer's view of the same environment.
type ConsumerConfig struct {
	KafkaBrokers       []string
	KafkaLocationTopic string
	KafkaGroup         string

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	MetricsAddr string
	LogLevel    string
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("HTTP_READ_TIMEOUT", "5s")
	v.SetDefault("HTTP_WRITE_TIMEOUT", "10s")
	v.SetDefault("HTTP_IDLE_TIMEOUT", "120s")
	v.SetDefault("HTTP_SHUTDOWN_TIMEOUT", "15s")
	v.SetDefault("REDIS_GEO_KEY", "drivers_geo")
	v.SetDefault("KAFKA_LOCATION_TOPIC", "driver-locations")
	v.SetDefault("KAFKA_EVENT_TOPIC", "dispatch-events")
	v.SetDefault("KAFKA_GROUP", "location-consumer")
	v.SetDefault("ETA_CACHE_TTL", "2m")
	v.SetDefault("ASSIGNMENT_TTL", "5m")
	v.SetDefault("ACTIVITY_WINDOW", "5m")
	v.SetDefault("ESTIMATED_WAIT", "15m")
	v.SetDefault("REAPER_INTERVAL", "60s")
	v.SetDefault("REAPER_RETRY_PENDING", "true")
	v.SetDefault("NOTIFY_MAX_PER_DRIVER", "100")
	v.SetDefault("NOTIFY_MAX_AGE", "24h")
	v.SetDefault("SEED_DEMO_DRIVERS", "true")
	v.SetDefault("METRICS_ADDR", ":9100")
	v.SetDefault("LOG_LEVEL", "info")
	v.AutomaticEnv()
	return v
}

func LoadServerConfig() (ServerConfig, error) {
	v := newViper()
	var errs []error
	cfg := ServerConfig{
		HTTPAddr:        str(v, "HTTP_ADDR"),
		ReadTimeout:     duration(v, "HTTP_READ_TIMEOUT", &errs),
		WriteTimeout:    duration(v, "HTTP_WRITE_TIMEOUT", &errs),
		IdleTimeout:     duration(v, "HTTP_IDLE_TIMEOUT", &errs),
		ShutdownTimeout: duration(v, "HTTP_SHUTDOWN_TIMEOUT", &errs),

		RedisAddr:     str(v, "REDIS_ADDR"),
		RedisPassword: v.GetString("REDIS_PASSWORD"),
		RedisGeoKey:   str(v, "REDIS_GEO_KEY"),

		KafkaBrokers:       splitAndTrim(v.GetString("KAFKA_BROKERS")),
		KafkaLocationTopic: str(v, "KAFKA_LOCATION_TOPIC"),
		KafkaEventTopic:    str(v, "KAFKA_EVENT_TOPIC"),

		PGDSN:         str(v, "PG_DSN"),
		RunMigrations: boolean(v, "MIGRATE", &errs),

		OSRMEndpoint: strings.TrimRight(str(v, "OSRM_ENDPOINT"), "/"),
		ETACacheTTL:  duration(v, "ETA_CACHE_TTL", &errs),

		AssignmentTTL:      duration(v, "ASSIGNMENT_TTL", &errs),
		ActivityWindow:     duration(v, "ACTIVITY_WINDOW", &errs),
		EstimatedWait:      duration(v, "ESTIMATED_WAIT", &errs),
		ReaperInterval:     duration(v, "REAPER_INTERVAL", &errs),
		ReaperRetryPending: boolean(v, "REAPER_RETRY_PENDING", &errs),

		NotifyMaxPerDriver: integer(v, "NOTIFY_MAX_PER_DRIVER", &errs),
		NotifyMaxAge:       duration(v, "NOTIFY_MAX_AGE", &errs),
		PushWebhookURL:     str(v, "PUSH_WEBHOOK_URL"),
		PushWebhookToken:   v.GetString("PUSH_WEBHOOK_TOKEN"),

		SeedDemoDrivers: boolean(v, "SEED_DEMO_DRIVERS", &errs),
		LogLevel:        strings.ToLower(str(v, "LOG_LEVEL")),
	}

	if cfg.AssignmentTTL <= 0 {
		errs = append(errs, fmt.Errorf("ASSIGNMENT_TTL must be > 0"))
	}
	if cfg.ActivityWindow <= 0 {
		errs = append(errs, fmt.Errorf("ACTIVITY_WINDOW must be > 0"))
	}
	if cfg.ReaperInterval <= 0 {
		errs = append(errs, fmt.Errorf("REAPER_INTERVAL must be > 0"))
	}
	if cfg.NotifyMaxPerDriver < 0 {
		errs = append(errs, fmt.Errorf("NOTIFY_MAX_PER_DRIVER must be >= 0"))
	}
	if cfg.RunMigrations && cfg.PGDSN == "" {
		errs = append(errs, fmt.Errorf("MIGRATE requires PG_DSN"))
	}
	return cfg, errors.Join(errs...)
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	v := newViper()
	var errs []error
	cfg := ConsumerConfig{
		KafkaBrokers:       splitAndTrim(v.GetString("KAFKA_BROKERS")),
		KafkaLocationTopic: str(v, "KAFKA_LOCATION_TOPIC"),
		KafkaGroup:         str(v, "KAFKA_GROUP"),
		RedisAddr:          str(v, "REDIS_ADDR"),
		RedisPassword:      v.GetString("REDIS_PASSWORD"),
		RedisGeoKey:        str(v, "REDIS_GEO_KEY"),
		MetricsAddr:        str(v, "METRICS_ADDR"),
		LogLevel:           strings.ToLower(str(v, "LOG_LEVEL")),
	}
	if len(cfg.KafkaBrokers) == 0 {
		errs = append(errs, fmt.Errorf("KAFKA_BROKERS is required"))
	}
	if cfg.RedisAddr == "" {
		errs = append(errs, fmt.Errorf("REDIS_ADDR is required"))
	}
	return cfg, errors.Join(errs...)
}

func str(v *viper.Viper, key string) string {
	return strings.TrimSpace(v.GetString(key))
}

func duration(v *viper.Viper, key string, errs *[]error) time.Duration {
	raw := str(v, key)
	if raw == "" {
		return 0
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
		return 0
	}
	return d
}

func integer(v *viper.Viper, key string, errs *[]error) int {
	raw := str(v, key)
	if raw == "" {
		return 0
	}
	i, err := strconv.Atoi(raw)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
		return 0
	}
	return i
}

func boolean(v *viper.Viper, key string, errs *[]error) bool {
	raw := str(v, key)
	if raw == "" {
		return false
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
		return false
	}
	return b
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
