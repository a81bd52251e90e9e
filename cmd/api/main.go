package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/medibook/booking-api/internal/cache"
	"github.com/medibook/booking-api/internal/config"
	"github.com/medibook/booking-api/internal/gateway"
	appointmentHandler "github.com/medibook/booking-api/internal/handler/appointment"
	healthHandler "github.com/medibook/booking-api/internal/handler/health"
	paymentHandler "github.com/medibook/booking-api/internal/handler/payment"
	scheduleHandler "github.com/medibook/booking-api/internal/handler/schedule"
	"github.com/medibook/booking-api/internal/middleware"
	"github.com/medibook/booking-api/internal/repository/postgres"
	"github.com/medibook/booking-api/internal/router"
	bookingService "github.com/medibook/booking-api/internal/service/booking"
	eventService "github.com/medibook/booking-api/internal/service/event"
	paymentService "github.com/medibook/booking-api/internal/service/payment"
	scheduleService "github.com/medibook/booking-api/internal/service/schedule"
	"github.com/medibook/booking-api/pkg/logger"
	redisbroker "github.com/medibook/booking-api/pkg/messaging/redis"
	"github.com/medibook/booking-api/pkg/metrics"
	"github.com/medibook/booking-api/pkg/worker"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	appLogger := logger.NewLogger(nil)
	zl := appLogger.Zerolog()

	db, err := postgres.NewDB(cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	m := metrics.NewMetrics("medibook", "booking")

	// Repositories
	txm := postgres.NewTxManager(db)
	scheduleRepo := postgres.NewScheduleRepository(db)
	slotRepo := postgres.NewSlotRepository(db)
	appointmentRepo := postgres.NewAppointmentRepository(db)
	paymentRepo := postgres.NewPaymentRepository(db)
	outboxRepo := postgres.NewOutboxRepository(db)

	// Redis broker for post-commit event fanout
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

	availability := cache.NewAvailability(cfg.Booking.CacheTTL, 5*time.Minute, &zl)

	// Services
	eventSvc := eventService.NewService(outboxRepo)
	gatewayClient := gateway.NewClient(gateway.Config{
		BaseURL:       cfg.Gateway.BaseURL,
		APIKey:        cfg.Gateway.APIKey,
		WebhookSecret: cfg.Gateway.WebhookSecret,
		Timeout:       cfg.Gateway.Timeout,
		MaxRetries:    cfg.Gateway.MaxRetries,
	}, m, zl)
	paymentSvc := paymentService.NewService(
		paymentRepo, appointmentRepo, slotRepo, txm, eventSvc, gatewayClient, m, zl,
		paymentService.Config{WebhookSecret: cfg.Gateway.WebhookSecret},
	)
	scheduleSvc := scheduleService.NewService(
		scheduleRepo, slotRepo, txm, eventSvc, availability, m,
		scheduleService.Config{MaxGenerationDays: cfg.Booking.MaxGenerationDays},
	)
	bookingSvc := bookingService.NewService(
		appointmentRepo, slotRepo, paymentRepo, scheduleRepo, txm, eventSvc,
		paymentSvc, availability, m, zl,
		bookingService.Config{
			HoldTTL:            cfg.Booking.HoldTTL,
			CancellationCutoff: cfg.Booking.CancellationCutoff,
		},
	)

	// Handlers
	authMiddleware := middleware.NewAuthMiddleware(cfg.JWT.Secret)
	scheduleH := scheduleHandler.NewHandler(scheduleSvc)
	appointmentH := appointmentHandler.NewHandler(bookingSvc)
	paymentH := paymentHandler.NewHandler(paymentSvc, authMiddleware)
	healthH := healthHandler.NewHandler(db)

	r := router.NewRouter(
		authMiddleware,
		scheduleH,
		appointmentH,
		paymentH,
		healthH,
		router.Config{
			RateLimit:  rate.Limit(cfg.Server.RateLimit),
			RateBurst:  cfg.Server.RateBurst,
			CORSConfig: middleware.DefaultCORSConfig(),
			Timeout:    cfg.Server.RequestTimeout,
		},
	)
	r.Setup()

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: r.Engine(),
	}

	// Background loops share the server's lifetime.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	outboxProcessor := worker.NewOutboxProcessor(outboxRepo, broker, worker.OutboxProcessorConfig{
		BatchSize:       cfg.Worker.OutboxBatchSize,
		PollInterval:    cfg.Worker.OutboxInterval,
		RetentionPeriod: cfg.Worker.RetentionPeriod,
	}, appLogger, m)
	go outboxProcessor.Start(ctx)

	go func() {
		if err := availability.Listen(ctx, broker); err != nil {
			appLogger.Error(err, "availability cache listener stopped")
		}
	}()

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("failed to start server")
		}
	}()
	appLogger.Info("server started", "port", cfg.Server.Port)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatal().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server exited properly")
}
