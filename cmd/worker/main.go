package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/medibook/booking-api/internal/config"
	"github.com/medibook/booking-api/internal/repository/postgres"
	bookingService "github.com/medibook/booking-api/internal/service/booking"
	eventService "github.com/medibook/booking-api/internal/service/event"
	"github.com/medibook/booking-api/pkg/logger"
	redisbroker "github.com/medibook/booking-api/pkg/messaging/redis"
	"github.com/medibook/booking-api/pkg/metrics"
	"github.com/medibook/booking-api/pkg/worker"
)

// workerEnv carries the knobs that differ between worker deployments and are
// set per environment rather than in the shared config file.
type workerEnv struct {
	MetricsPort       int           `envconfig:"WORKER_METRICS_PORT" default:"9091"`
	OutboxInterval    time.Duration `envconfig:"WORKER_OUTBOX_INTERVAL"`
	SweepInterval     time.Duration `envconfig:"WORKER_SWEEP_INTERVAL"`
	ReconcileInterval time.Duration `envconfig:"WORKER_RECONCILE_INTERVAL"`
}

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	var env workerEnv
	if err := envconfig.Process("", &env); err != nil {
		log.Fatal().Err(err).Msg("failed to process environment")
	}
	if env.OutboxInterval > 0 {
		cfg.Worker.OutboxInterval = env.OutboxInterval
	}
	if env.SweepInterval > 0 {
		cfg.Worker.SweepInterval = env.SweepInterval
	}
	if env.ReconcileInterval > 0 {
		cfg.Worker.ReconcileInterval = env.ReconcileInterval
	}

	appLogger := logger.NewLogger(nil)
	zl := appLogger.Zerolog()

	db, err := postgres.NewDB(cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	broker, err := redisbroker.NewRedisBroker(redisbroker.Config{
		URL:          cfg.Redis.URL,
		MaxRetries:   cfg.Redis.MaxRetries,
		PoolSize:     cfg.Redis.PoolSize,
		MinIdleConns: cfg.Redis.MinIdleConns,
	}, &zl)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to Redis")
	}
	defer broker.Close()

	m := metrics.NewMetrics("medibook", "booking_worker")

	txm := postgres.NewTxManager(db)
	scheduleRepo := postgres.NewScheduleRepository(db)
	slotRepo := postgres.NewSlotRepository(db)
	appointmentRepo := postgres.NewAppointmentRepository(db)
	paymentRepo := postgres.NewPaymentRepository(db)
	outboxRepo := postgres.NewOutboxRepository(db)

	eventSvc := eventService.NewService(outboxRepo)

	// The sweeper needs the booking state machine but no refunds: expired
	// pending bookings never settled a payment.
	bookingSvc := bookingService.NewService(
		appointmentRepo, slotRepo, paymentRepo, scheduleRepo, txm, eventSvc,
		nil, nil, m, zl,
		bookingService.Config{
			HoldTTL:            cfg.Booking.HoldTTL,
			CancellationCutoff: cfg.Booking.CancellationCutoff,
		},
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	outboxProcessor := worker.NewOutboxProcessor(outboxRepo, broker, worker.OutboxProcessorConfig{
		BatchSize:       cfg.Worker.OutboxBatchSize,
		PollInterval:    cfg.Worker.OutboxInterval,
		RetentionPeriod: cfg.Worker.RetentionPeriod,
	}, appLogger, m)
	go outboxProcessor.Start(ctx)

	sweeper := worker.NewHoldSweeper(slotRepo, bookingSvc, cfg.Worker.SweepInterval, appLogger, m)
	go sweeper.Start(ctx)

	reconciler := worker.NewReconciler(slotRepo, appointmentRepo, eventSvc, cfg.Worker.ReconcileInterval, appLogger, m)
	go reconciler.Start(ctx)

	// Expose worker metrics.
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	metricsSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", env.MetricsPort),
		Handler: mux,
	}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("failed to start metrics server")
		}
	}()
	appLogger.Info("worker started", "metrics_port", env.MetricsPort)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down worker...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("metrics server forced to shutdown")
	}

	log.Info().Msg("worker exited properly")
}
