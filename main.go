package main

import (
	"context"
	"os/signal"
	"syscall"

	"cashback-service/internal/cashback"
	"cashback-service/internal/config"
	"cashback-service/internal/consumer"
	"cashback-service/internal/database"
	"cashback-service/internal/logger"
	"cashback-service/internal/metrics"
	"cashback-service/internal/processor"
	"cashback-service/internal/publisher"
	"cashback-service/internal/repository"
	"cashback-service/internal/resolver"
	"cashback-service/internal/server"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/multierr"
)

func main() {
	log := logger.New("info")

	if err := godotenv.Load(); err != nil {
		log.Debug(".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("failed to load config")
	}
	log.SetLevel(logger.ParseLevel(cfg.App.LogLevel))

	// Setup graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize database
	db, err := database.New(cfg.Database, log)
	if err != nil {
		log.WithError(err).Fatal("failed to initialize database")
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	// Initialize collaborators
	var rates cashback.RateResolver = resolver.NewAffiliatedStores(cfg.Resolvers.AffiliatedStoreURL, cfg.Resolvers.Timeout)
	if cfg.Redis.Enabled {
		redisClient, err := resolver.NewRedisClient(ctx, cfg.Redis.URL)
		if err != nil {
			log.WithError(err).Fatal("failed to connect to Redis")
		}
		defer redisClient.Close()
		rates = resolver.NewCachedRateResolver(rates, redisClient, cfg.Redis.RateTTL, log)
		log.WithField("ttl", cfg.Redis.RateTTL).Info("cashback rate cache enabled")
	}

	balancePublisher, err := publisher.New(cfg.Rabbit, log)
	if err != nil {
		log.WithError(err).Fatal("failed to initialize balance publisher")
	}

	engine, err := cashback.NewManager(
		resolver.NewMIDInterpreter(cfg.Resolvers.MIDInterpreterURL, cfg.Resolvers.Timeout, log),
		rates,
		repository.NewCashbackRepository(db.DB, log),
		balancePublisher,
		log,
		cashback.WithObserver(m),
	)
	if err != nil {
		log.WithError(err).Fatal("failed to initialize cashback manager")
	}

	// Create channel for incoming updates
	updates := make(chan processor.IncomingUpdate, cfg.Rabbit.Prefetch)

	// Start processor pool
	processed := processor.StartProcessorPool(ctx, engine, updates, cfg.Rabbit.Workers, m, log)

	// Start ops server
	go func() {
		if err := server.Run(ctx, cfg.App.HTTPAddr, server.NewRouter(db, registry), log); err != nil {
			log.WithError(err).Error("ops server stopped")
		}
	}()

	// Initialize and start RabbitMQ consumer
	rmqConsumer, err := consumer.New(cfg.Rabbit, log, updates, m)
	if err != nil {
		log.WithError(err).Fatal("failed to initialize RabbitMQ consumer")
	}

	// Start consuming messages
	if err := rmqConsumer.Start(ctx); err != nil && ctx.Err() == nil {
		log.WithError(err).Error("consumer stopped unexpectedly")
		stop()
	}

	processed.Wait()

	if err := multierr.Combine(
		rmqConsumer.Close(),
		balancePublisher.Close(),
		db.Close(),
	); err != nil {
		log.WithError(err).Warn("errors during shutdown")
	}

	log.Info("graceful shutdown complete")
}
