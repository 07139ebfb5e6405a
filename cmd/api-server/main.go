package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/stepflow/stepflow/pkg/apiserver"
	"github.com/stepflow/stepflow/pkg/config"
	"github.com/stepflow/stepflow/pkg/engine"
	"github.com/stepflow/stepflow/pkg/eventbus"
	"github.com/stepflow/stepflow/pkg/invoker"
	"github.com/stepflow/stepflow/pkg/store/postgres"
	redisclient "github.com/stepflow/stepflow/pkg/store/redis"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger, _ := zap.NewProduction()
	defer logger.Sync()

	db, err := postgres.NewStore(&cfg.Database)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	if err := db.AutoMigrate(); err != nil {
		logger.Fatal("Failed to run migrations", zap.Error(err))
	}

	redis, err := redisclient.NewClient(&cfg.Redis)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer redis.Close()

	runs := postgres.NewRunRepository(db.DB())
	definitions := postgres.NewDefinitionRepository(db.DB())
	timers := postgres.NewTimerRepository(db.DB())

	taskInvoker := invoker.NewHTTPInvoker(cfg.Invoker.Routes, cfg.Invoker.Timeout, logger)
	actions := &engine.ActionRunner{Invoker: taskInvoker, Events: runs, Logger: logger}
	compensator := engine.NewCompensationExecutor(runs, actions, logger)

	registry := engine.NewRegistry(engine.BuiltinHandlers(taskInvoker, actions, logger)...)

	bus := eventbus.NewBus(redis.Client())
	publisher := eventbus.NewRunStatusPublisher(bus, logger)

	executor := engine.NewExecutor(runs, definitions, timers, registry, compensator, publisher, logger)

	server := apiserver.NewServer(db, executor, registry, bus, cfg, logger)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:      server.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.ReadTimeout * 2,
	}

	go func() {
		logger.Info("Starting API server", zap.Int("port", cfg.Server.HTTPPort))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server error", zap.Error(err))
		}
	}()

	metricsServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.MetricsPort),
		Handler: promhttp.Handler(),
	}
	go func() {
		logger.Info("Starting metrics server", zap.Int("port", cfg.Server.MetricsPort))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Metrics server error", zap.Error(err))
		}
	}()

	consumerCtx, stopConsumer := context.WithCancel(context.Background())
	defer stopConsumer()

	consumer := eventbus.NewIntegrationConsumer(&cfg.Kafka, executor, logger)
	defer consumer.Close()
	go func() {
		if err := consumer.Run(consumerCtx); err != nil && err != context.Canceled {
			logger.Error("Integration consumer stopped with error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")
	stopConsumer()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}
	if err := metricsServer.Shutdown(ctx); err != nil {
		logger.Error("Metrics server forced to shutdown", zap.Error(err))
	}
}
