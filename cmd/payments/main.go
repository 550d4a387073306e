package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"paylifecycle/internal/app/payments"
	"paylifecycle/internal/app/reconcile"
	"paylifecycle/internal/app/webhook"
	"paylifecycle/internal/config"
	"paylifecycle/internal/gateway"
	payments_http "paylifecycle/internal/handler/http/payments"
	"paylifecycle/internal/infrastructure/database"
	kafka_infra "paylifecycle/internal/infrastructure/kafka"
	redis_infra "paylifecycle/internal/infrastructure/redis"
	sqs_infra "paylifecycle/internal/infrastructure/sqs"
	"paylifecycle/internal/outbox"
	"paylifecycle/internal/repository/event_ledger_repo"
	"paylifecycle/internal/repository/outbox_repo"
	"paylifecycle/internal/repository/payment_events_repo"
	"paylifecycle/internal/repository/payments_repo"
	"paylifecycle/internal/scheduler"
)

type callbackPublisher interface {
	outbox.Publisher
	Close() error
}

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	zapConfig := zap.NewProductionConfig()
	zapConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zapConfig.EncoderConfig.TimeKey = "timestamp"

	appLogger, err := zapConfig.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create zap logger: %v\n", err)
		os.Exit(1)
	}
	defer appLogger.Sync()
	appLogger.Info("Payments Service starting...")

	appLogger.Info("Waiting for database to be available...")
	dbConfig := database.DBConfig{
		Host:     cfg.DBConfig.Host,
		Port:     cfg.DBConfig.Port,
		User:     cfg.DBConfig.User,
		Password: cfg.DBConfig.Password,
		DBName:   cfg.DBConfig.Name,
		SSLMode:  cfg.DBConfig.SSLMode,
	}

	var db *sql.DB
	maxRetries := 10
	retryDelay := 5 * time.Second

	for i := 0; i < maxRetries; i++ {
		db, err = database.NewPostgresDB(dbConfig)
		if err == nil {
			appLogger.Info("Successfully connected to PostgreSQL database!")
			break
		}
		appLogger.Warn("Failed to connect to database, retrying...",
			zap.Int("attempt", i+1),
			zap.Int("max_attempts", maxRetries),
			zap.Duration("retry_in", retryDelay),
			zap.Error(err))
		time.Sleep(retryDelay)
	}

	if db == nil {
		appLogger.Fatal("Could not connect to database after multiple retries. Exiting.", zap.Error(err))
	}
	defer func() {
		if err := db.Close(); err != nil {
			appLogger.Error("Error closing database connection", zap.Error(err))
		} else {
			appLogger.Info("Database connection closed.")
		}
	}()

	appLogger.Info("Running database migrations...")
	m, err := migrate.New(cfg.MigrationsPath, cfg.GetDBMigrationConnectionString())
	if err != nil {
		appLogger.Fatal("Failed to create migrate instance", zap.Error(err))
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		appLogger.Fatal("Failed to run database migrations", zap.Error(err))
	}
	appLogger.Info("Database migrations completed successfully (or no new migrations).")

	var publisher callbackPublisher
	switch cfg.OutboxTransport {
	case config.OutboxTransportSQS:
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		publisher, err = sqs_infra.NewPublisher(ctx, cfg.AWSRegion, cfg.SQSQueueName, appLogger)
		cancel()
		if err != nil {
			appLogger.Fatal("Failed to create SQS publisher", zap.Error(err))
		}
	default:
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err = kafka_infra.EnsureTopics(ctx, cfg.GetKafkaBrokers(), []string{cfg.KafkaPaymentStatusTopic}, appLogger)
		cancel()
		if err != nil {
			appLogger.Fatal("Failed to ensure Kafka topics", zap.Error(err))
		}
		publisher = kafka_infra.NewProducer(cfg.GetKafkaBrokers(), cfg.KafkaPaymentStatusTopic, appLogger)
	}
	defer func() {
		if err := publisher.Close(); err != nil {
			appLogger.Error("Error closing order callback publisher", zap.Error(err))
		} else {
			appLogger.Info("Order callback publisher closed.")
		}
	}()
	appLogger.Info("Order callback publisher created.", zap.String("transport", string(cfg.OutboxTransport)))

	clock := clockwork.NewRealClock()
	transactor := database.NewTransactor(db, appLogger)
	paymentRepository := payments_repo.NewPaymentRepository(db)
	eventRepository := payment_events_repo.NewPaymentEventRepository(db)
	ledgerRepository := event_ledger_repo.NewEventLedgerRepository(db)
	outboxRepository := outbox_repo.NewOutboxRepository(db)

	stripeClient := gateway.NewStripeClient(cfg.StripeSecretKey, gateway.Options{
		Timeout:           cfg.GatewayTimeout,
		BackendURL:        cfg.StripeAPIURL,
		MaxNetworkRetries: 2,
		SuccessURL:        cfg.CheckoutSuccessURL,
		CancelURL:         cfg.CheckoutCancelURL,
	}, appLogger)

	paymentService := payments.NewService(
		db,
		transactor,
		paymentRepository,
		eventRepository,
		outboxRepository,
		stripeClient,
		clock,
		appLogger,
	)
	appLogger.Info("Payment Service initialized.")

	var guard reconcile.PollGuard
	if cfg.RedisURL != "" {
		redisClient, err := redis_infra.NewClient(cfg.RedisURL)
		if err != nil {
			appLogger.Fatal("Failed to create redis client", zap.Error(err))
		}
		defer redisClient.Close()
		guard = redis_infra.NewPollGuard(redisClient, cfg.PollLockTTL, appLogger)
		appLogger.Info("Redis poll guard enabled.")
	}

	poller := reconcile.NewPoller(
		db,
		transactor,
		paymentRepository,
		paymentService,
		stripeClient,
		guard,
		clock,
		reconcile.Config{
			BulkMaxAttempts: cfg.BulkPollMaxAttempts,
			BulkBaseDelay:   cfg.BulkPollBaseDelay,
			BulkConcurrency: cfg.BulkPollConcurrency,
		},
		appLogger,
	)

	ingestor := webhook.NewIngestor(
		transactor,
		ledgerRepository,
		paymentRepository,
		paymentService,
		cfg.StripeWebhookSecret,
		clock,
		appLogger,
	)

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)
	payments_http.RegisterRoutes(router, paymentService, poller, ingestor, payments_http.RouteOptions{
		JWTSecret:      cfg.JWTSecret,
		AllowedOrigins: cfg.CORSAllowedOrigins,
		Poll: payments_http.PollDefaults{
			MaxAttempts: cfg.PollMaxAttempts,
			BaseDelay:   cfg.PollBaseDelay,
		},
	}, appLogger)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	appLogger.Info("HTTP server configured.")

	outboxProcessor := outbox.NewProcessor(
		transactor,
		outboxRepository,
		publisher,
		outbox.Config{
			PollInterval: cfg.OutboxPollInterval,
			BatchTimeout: cfg.OutboxPollTimeout,
			BatchSize:    cfg.OutboxBatchSize,
			MaxAttempts:  cfg.OutboxMaxAttempts,
		},
		clock,
		appLogger,
	)

	ctxMain, cancelMain := context.WithCancel(context.Background())
	defer cancelMain()

	go func() {
		appLogger.Info("Starting HTTP server", zap.String("address", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	// Запуск Outbox Processor
	outboxProcessor.Start(ctxMain)

	var sweeper *scheduler.Sweeper
	if cfg.ReconcileInterval > 0 {
		sweeper = scheduler.NewSweeper(paymentService, poller, scheduler.Config{
			Interval:    cfg.ReconcileInterval,
			MinAge:      cfg.ReconcileMinAge,
			MaxPayments: cfg.ReconcileMaxPayments,
		}, appLogger)
		if err := sweeper.Start(ctxMain); err != nil {
			appLogger.Fatal("Failed to start reconciliation sweep", zap.Error(err))
		}
	} else {
		appLogger.Info("Reconciliation sweep disabled.")
	}

	// --- Graceful Shutdown ---
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	<-sigChan
	appLogger.Info("Shutting down application...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	// 1. Перестаем принимать запросы
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("HTTP server graceful shutdown failed", zap.Error(err))
	} else {
		appLogger.Info("HTTP server gracefully shut down.")
	}

	// 2. Останавливаем фоновые задачи
	if sweeper != nil {
		if err := sweeper.Shutdown(); err != nil {
			appLogger.Error("Reconciliation sweep shutdown failed", zap.Error(err))
		}
	}
	cancelMain()
	outboxProcessor.Stop()
	select {
	case <-outboxProcessor.Done():
		appLogger.Info("Outbox Processor stopped.")
	case <-shutdownCtx.Done():
		appLogger.Warn("Outbox Processor did not stop before shutdown deadline.")
	}

	appLogger.Info("Application gracefully shut down.")
}
