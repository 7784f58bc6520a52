package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/forgenet/core-go/pkg/config"
	"github.com/forgenet/core-go/pkg/crypto"
	"github.com/forgenet/core-go/pkg/database"
	"github.com/forgenet/core-go/pkg/observability"
	"github.com/forgenet/core-go/pkg/webhooks"
)

// forge-worker consumes the redis-backed delivery queue and performs the
// webhook HTTP requests recorded by the API service.
func main() {
	logger := observability.NewLogger(observability.InfoLevel, os.Stdout)

	cfg, err := config.Load()
	if err != nil {
		logger.WithError(err).Fatal("failed to load configuration")
	}
	if cfg.Queue.Kind != "asynq" {
		logger.Fatal("forge-worker requires FORGE_QUEUE_KIND=asynq")
	}
	if cfg.Webhooks.PrivateKey == "" {
		logger.Fatal("FORGE_WEBHOOK_PRIVATE_KEY is required")
	}

	db, err := database.NewConnectionManager(database.Config{
		PrimaryURL:  cfg.Database.URL,
		ReplicaURLs: cfg.Database.ReplicaURLs,
		MaxConns:    cfg.Database.MaxConns,
		MinConns:    cfg.Database.MinConns,
		Timeout:     cfg.Database.Timeout,
		MaxLifetime: time.Hour,
		MaxIdleTime: 10 * time.Minute,
	})
	if err != nil {
		logger.WithError(err).Fatal("failed to connect to postgres")
	}
	defer db.Close()

	signer, err := crypto.NewSigner(cfg.Webhooks.PrivateKey)
	if err != nil {
		logger.WithError(err).Fatal("invalid webhook signing key")
	}

	// The worker must declare the same resources the API service serves so
	// both sides agree on table names and event sets.
	resource, err := webhooks.NewResource("user", []webhooks.EventDescriptor{
		{Name: "user:update", Scope: "profile:read"},
		{Name: "user:delete", Scope: "profile:read"},
	})
	if err != nil {
		logger.WithError(err).Fatal("failed to declare webhook resource")
	}
	resource.BindClient(cfg.Auth.ClientID)

	subs, err := webhooks.NewSubscriptionStore(db.Primary(), resource)
	if err != nil {
		logger.WithError(err).Fatal("failed to initialize subscription store")
	}
	deliveries, err := webhooks.NewDeliveryStore(db.Primary(), resource)
	if err != nil {
		logger.WithError(err).Fatal("failed to initialize delivery store")
	}
	engine, err := webhooks.NewEngine(webhooks.EngineConfig{
		Resource:      resource,
		Subscriptions: subs,
		Deliveries:    deliveries,
		Queue:         webhooks.NewSyncQueue(),
		Signer:        signer,
		Timeout:       cfg.Webhooks.DeliveryTimeout,
		Logger:        logger,
	})
	if err != nil {
		logger.WithError(err).Fatal("failed to initialize delivery engine")
	}

	asynqLogger := logrus.New()
	asynqLogger.SetFormatter(&logrus.JSONFormatter{})
	worker, err := webhooks.NewWorker(cfg.Redis.URL, cfg.Queue.Concurrency, asynqLogger)
	if err != nil {
		logger.WithError(err).Fatal("failed to initialize worker")
	}
	worker.Register(resource.Name(), engine)

	go func() {
		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
		<-sigs
		logger.Info("shutting down worker")
		worker.Shutdown()
	}()

	logger.WithField("concurrency", cfg.Queue.Concurrency).Info("worker started")
	if err := worker.Run(); err != nil {
		logger.WithError(err).Fatal("worker failed")
	}
}
