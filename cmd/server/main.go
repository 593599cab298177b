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

	"fulfillment-service/config"
	"fulfillment-service/internal/api"
	"fulfillment-service/internal/broker"
	"fulfillment-service/internal/redisclient"
	"fulfillment-service/internal/service"
	"fulfillment-service/internal/store"
	"fulfillment-service/internal/util"
	"fulfillment-service/internal/worker"

	"github.com/gin-gonic/gin"
)

func main() {

	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting fulfillment service")

	tp, err := util.InitTracer("fulfillment-service", cfg.Observ.JaegerEndpoint)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			log.Printf("Error shutting down tracer: %v", err)
		}
	}()

	db, err := store.NewStore(cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	log.Println("Database connected")

	redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redisClient.Close()
	log.Println("Redis connected")

	stageProducer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicStages)
	defer stageProducer.Close()
	orderProducer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicOrders)
	defer orderProducer.Close()
	log.Println("Kafka producers initialized")

	broadcaster := broker.NewBroadcaster(stageProducer)
	orderQueue := broker.NewOrderQueuePublisher(orderProducer)

	ledger := service.NewLedger(db, cfg.Ledger.AllowNegativeAdjustment)
	bufferEngine := service.NewBufferEngine(db, db, redisClient, cfg.Buffer.VelocityWindow, cfg.Buffer.CacheTTL)
	reservations := service.NewReservationManager(ledger, db, cfg.Reservation.SweepInterval)

	breaker := service.NewCircuitBreaker(cfg.Sync.FailureThreshold, cfg.Sync.RecoveryTimeout, cfg.Sync.Window)
	syncAdapter := service.NewSyncAdapter(cfg.Sync.Endpoint, cfg.Sync.Timeout, breaker)

	orchestrator := service.NewOrchestrator(
		db, db, db,
		reservations, bufferEngine, syncAdapter, broadcaster,
		cfg.Pipeline.MaxAttempts, cfg.Pipeline.RetryBaseDelay, cfg.Reservation.TTL,
	)

	gateway := service.NewWebhookGateway(cfg.Webhook.Secret, db, redisClient, orderQueue, cfg.Webhook.IdempotencyTTL)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	go reservations.StartSweeper(workerCtx)

	consumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicOrders, cfg.Kafka.ConsumerGroup)
	pipelineWorker := worker.NewPipelineWorker(consumer, orchestrator, cfg.Pipeline.Workers)
	go func() {
		if err := pipelineWorker.Start(workerCtx); err != nil && workerCtx.Err() == nil {
			log.Printf("Pipeline worker error: %v", err)
		}
	}()

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	// SetupRoutes installs logging and recovery middleware itself.
	router := gin.New()
	handler := api.NewHandler(gateway, orchestrator, ledger, bufferEngine, db)
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		log.Printf("Starting HTTP server on port %s", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	workerCancel()
	if err := pipelineWorker.Stop(); err != nil {
		log.Printf("Error stopping pipeline worker: %v", err)
	}

	log.Println("Server exited")
}
