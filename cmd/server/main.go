package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/example/tow-dispatch/internal/config"
	"github.com/example/tow-dispatch/internal/dispatch"
	"github.com/example/tow-dispatch/internal/eta"
	"github.com/example/tow-dispatch/internal/geo"
	httpapi "github.com/example/tow-dispatch/internal/http"
	"github.com/example/tow-dispatch/internal/ingest"
	"github.com/example/tow-dispatch/internal/lifecycle"
	"github.com/example/tow-dispatch/internal/logging"
	"github.com/example/tow-dispatch/internal/matcher"
	"github.com/example/tow-dispatch/internal/notify"
	"github.com/example/tow-dispatch/internal/reaper"
	"github.com/example/tow-dispatch/internal/registry"
	"github.com/example/tow-dispatch/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.WithError(err).Error("invalid configuration")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, closeStore := openStore(ctx, cfg, logger)
	defer closeStore()

	reg := registry.New()
	if cfg.SeedDemoDrivers {
		reg.Seed(registry.DemoDrivers(time.Now()))
		logger.Info("demo drivers seeded")
	}
	sink := notify.NewSink(notify.Retention{MaxPerDriver: cfg.NotifyMaxPerDriver, MaxAge: cfg.NotifyMaxAge})

	ws := dispatch.NewWSRegistry(logger)
	var fallback dispatch.Deliverer
	if cfg.PushWebhookURL != "" {
		fallback = dispatch.NewWebhookDispatcher(cfg.PushWebhookURL, cfg.PushWebhookToken)
	}

	opts := []lifecycle.Option{
		lifecycle.WithDeliverer(dispatch.NewFanout(ws, fallback)),
		lifecycle.WithAssignmentTTL(cfg.AssignmentTTL),
		lifecycle.WithEstimatedWait(cfg.EstimatedWait),
	}
	var locations *ingest.KafkaProducer
	if len(cfg.KafkaBrokers) > 0 {
		events := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaEventTopic)
		defer events.Close()
		opts = append(opts, lifecycle.WithPublisher(events))
		locations = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaLocationTopic)
		defer locations.Close()
	}
	svc := lifecycle.New(store, reg, matcher.New(reg, cfg.ActivityWindow), sink, logger, opts...)

	deps := httpapi.Deps{
		Lifecycle: svc,
		Registry:  reg,
		Sink:      sink,
		WS:        ws,
		Logger:    logger,
	}
	if locations != nil {
		deps.Locations = locations
	}
	if cfg.RedisAddr != "" {
		rg := geo.NewRedisGeo(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey)
		deps.Nearby = rg
		deps.Mirror = rg
	}
	if cfg.OSRMEndpoint != "" {
		deps.ETA = eta.NewEstimator(eta.NewOSRMClient(cfg.OSRMEndpoint), eta.NewCache(cfg.ETACacheTTL), logger)
	}

	go reaper.New(svc, reg, cfg.ReaperInterval, cfg.ReaperRetryPending, logger).Run(ctx)

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      httpapi.NewServer(deps),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.WithField("addr", cfg.HTTPAddr).Info("tow-dispatch listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		logger.WithError(err).Error("http server failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("graceful shutdown incomplete")
	}
	logger.Info("tow-dispatch stopped")
}

// openStore returns Postgres when PG_DSN is set and reachable, else the in-memory store.
func openStore(ctx context.Context, cfg config.ServerConfig, logger logrus.FieldLogger) (storage.RequestStore, func()) {
	if cfg.PGDSN == "" {
		return storage.NewMemoryStore(), func() {}
	}
	ps, err := storage.NewPostgresStore(cfg.PGDSN)
	if err != nil {
		logger.WithError(err).Warn("postgres unavailable, falling back to memory store")
		return storage.NewMemoryStore(), func() {}
	}
	if cfg.RunMigrations {
		applied, err := ps.Migrate(ctx)
		if err != nil {
			logger.WithError(err).Error("migration exec error")
		} else {
			logger.WithField("files", applied).Info("migrations applied")
		}
	}
	return ps, func() { _ = ps.Close() }
}
