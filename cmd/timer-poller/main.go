package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/stepflow/stepflow/pkg/config"
	"github.com/stepflow/stepflow/pkg/engine"
	"github.com/stepflow/stepflow/pkg/eventbus"
	"github.com/stepflow/stepflow/pkg/invoker"
	"github.com/stepflow/stepflow/pkg/store/postgres"
	redisclient "github.com/stepflow/stepflow/pkg/store/redis"
	"github.com/stepflow/stepflow/pkg/timer"
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
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	redis, err := redisclient.NewClient(&cfg.Redis)
	if err != nil {
		logger.Fatal("failed to connect to Redis", zap.Error(err))
	}
	defer redis.Close()

	runs := postgres.NewRunRepository(db.DB())
	definitions := postgres.NewDefinitionRepository(db.DB())
	timers := postgres.NewTimerRepository(db.DB())

	// Timer deliveries resume runs, so the poller carries the same stepping
	// stack as the API server.
	taskInvoker := invoker.NewHTTPInvoker(cfg.Invoker.Routes, cfg.Invoker.Timeout, logger)
	actions := &engine.ActionRunner{Invoker: taskInvoker, Events: runs, Logger: logger}
	compensator := engine.NewCompensationExecutor(runs, actions, logger)
	registry := engine.NewRegistry(engine.BuiltinHandlers(taskInvoker, actions, logger)...)

	bus := eventbus.NewBus(redis.Client())
	publisher := eventbus.NewRunStatusPublisher(bus, logger)

	executor := engine.NewExecutor(runs, definitions, timers, registry, compensator, publisher, logger)

	poller := timer.NewPoller(timers, executor, logger, cfg.Timer.PollInterval, cfg.Timer.BatchSize)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := poller.Run(ctx); err != nil && err != context.Canceled {
			logger.Fatal("timer poller stopped with error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("timer poller shutting down")
}
