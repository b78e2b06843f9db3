package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"marketplace-payments/config"
	"marketplace-payments/internal/api"
	"marketplace-payments/internal/broker"
	"marketplace-payments/internal/gateway"
	"marketplace-payments/internal/redisclient"
	"marketplace-payments/internal/service"
	"marketplace-payments/internal/store"
	"marketplace-payments/internal/util"
	"marketplace-payments/internal/worker"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {

	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting marketplace payments service",
		zap.String("env", cfg.Server.Env),
		zap.String("port", cfg.Server.Port))

	tp, err := util.InitTracer("marketplace-payments", cfg.Server.Env, cfg.Observ.JaegerEndpoint, cfg.Observ.TraceSampleRatio)
	if err != nil {
		logger.Fatal("Failed to initialize tracer", zap.Error(err))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			logger.Error("Error shutting down tracer", zap.Error(err))
		}
	}()

	refundPolicy, err := cfg.Business.RefundPolicy()
	if err != nil {
		logger.Fatal("Invalid refund policy", zap.Error(err))
	}
	logger.Info("Refund policy loaded",
		zap.Int("tiers", len(refundPolicy.Tiers())),
		zap.String("timezone", refundPolicy.Location().String()))
	settlements, err := service.NewSettlementCalculator(cfg.Business.CommissionRate, cfg.Business.TaxRate)
	if err != nil {
		logger.Fatal("Invalid settlement rates", zap.Error(err))
	}
	if cfg.Gateway.SecretKey == "" {
		logger.Warn("PAYMENT_GATEWAY_SECRET_KEY is empty, gateway calls will be rejected")
	}

	db, err := store.NewStore(cfg.Database.URL)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()
	logger.Info("Database connected")

	if cfg.Database.AutoMigrate {
		migrateCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := db.Migrate(migrateCtx)
		cancel()
		if err != nil {
			logger.Fatal("Failed to apply schema", zap.Error(err))
		}
	}

	redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer redisClient.Close()
	logger.Info("Redis connected")

	producer := broker.NewProducer(cfg.Kafka.Brokers)
	defer producer.Close()
	logger.Info("Kafka producer initialized")

	eventPublisher := broker.NewEventPublisher(producer, cfg.Kafka.TopicPayment, cfg.Kafka.TopicReconcile)
	gatewayClient := gateway.NewClient(cfg.Gateway.BaseURL, cfg.Gateway.SecretKey, cfg.Gateway.Timeout)

	ledger := service.NewPaymentLedger(settlements, eventPublisher)
	webhookService := service.NewWebhookService(db, gatewayClient, ledger, eventPublisher)
	cancellationService := service.NewCancellationService(
		db, gatewayClient, redisClient, eventPublisher, ledger, refundPolicy, cfg.Business.CancellationLockTTL)
	reconcileService := service.NewReconcileService(db, gatewayClient, redisClient, ledger, service.ReconcileConfig{
		MaxRetries: cfg.Business.ReconcileMaxRetries,
		StuckAfter: cfg.Business.ReconcileStuckAfter,
		BatchSize:  cfg.Business.ReconcileBatchSize,
		LockTTL:    cfg.Business.ReconcileSweepLockTTL,
	})
	paymentQuery := service.NewPaymentQuery(db)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	reconcileConsumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicReconcile, cfg.Kafka.ConsumerGroup)
	reconcileWorker := worker.NewReconcileWorker(reconcileService, reconcileConsumer, cfg.Business.ReconcileInterval)
	go func() {
		if err := reconcileWorker.Start(workerCtx); err != nil {
			logger.Error("Reconcile worker error", zap.Error(err))
		}
	}()

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handler := api.NewHandler(webhookService, cancellationService, paymentQuery,
		api.ReadinessCheck{Name: "postgres", Ping: db.Ping},
		api.ReadinessCheck{Name: "redis", Ping: redisClient.Ping},
	)
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		logger.Info("Starting HTTP server", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	workerCancel()
	if err := reconcileWorker.Stop(); err != nil {
		logger.Error("Error stopping reconcile worker", zap.Error(err))
	}

	logger.Info("Server exited")
}
