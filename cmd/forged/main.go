package main

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"

	"github.com/forgenet/core-go/pkg/auth"
	"github.com/forgenet/core-go/pkg/config"
	"github.com/forgenet/core-go/pkg/crypto"
	"github.com/forgenet/core-go/pkg/database"
	"github.com/forgenet/core-go/pkg/delegation"
	"github.com/forgenet/core-go/pkg/httputil"
	"github.com/forgenet/core-go/pkg/middleware"
	"github.com/forgenet/core-go/pkg/observability"
	"github.com/forgenet/core-go/pkg/webhooks"
)

// forged is the example service daemon: delegated authorization in front of
// a webhook-capable API. Real services wire these packages the same way
// with their own resources and routes.
func main() {
	logger := observability.NewLogger(observability.InfoLevel, os.Stdout)

	cfg, err := config.Load()
	if err != nil {
		logger.WithError(err).Fatal("failed to load configuration")
	}

	dbConfig := database.DefaultConfig(cfg.Database.URL)
	dbConfig.ReplicaURLs = cfg.Database.ReplicaURLs
	dbConfig.MaxConns = cfg.Database.MaxConns
	dbConfig.MinConns = cfg.Database.MinConns
	dbConfig.Timeout = cfg.Database.Timeout
	db, err := database.NewConnectionManager(dbConfig)
	if err != nil {
		logger.WithError(err).Fatal("failed to connect to postgres")
	}

	redisClient, err := openRedis(cfg.Redis)
	if err != nil {
		logger.WithError(err).Fatal("failed to connect to redis")
	}

	// Table order matters on first boot: oauthtoken carries foreign keys
	// into both users and oauthclient.
	users, err := auth.NewUserStore(db.Primary())
	if err != nil {
		logger.WithError(err).Fatal("failed to initialize user store")
	}
	clients, err := auth.NewClientStore(db.Primary())
	if err != nil {
		logger.WithError(err).Fatal("failed to initialize client store")
	}
	tokens, err := auth.NewTokenStore(db.Primary(),
		auth.WithScopeResolver(webhooks.ScopeResolver()))
	if err != nil {
		logger.WithError(err).Fatal("failed to initialize token store")
	}

	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)

	scheduler := cron.New()
	if _, err := tokens.ScheduleCleanup(scheduler, func(err error) {
		logger.WithError(err).Error("expired token sweep failed")
	}); err != nil {
		logger.WithError(err).Fatal("failed to schedule token cleanup")
	}
	if _, err := scheduler.AddFunc("@every 30s", func() {
		metrics.ObserveDBStats(db.Primary().Stats())
	}); err != nil {
		logger.WithError(err).Fatal("failed to schedule pool stats collection")
	}
	if _, err := scheduler.AddFunc("@every 1m", func() {
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := db.HealthCheck(pingCtx); err != nil {
			logger.WithError(err).Warn("database health check failed")
		}
	}); err != nil {
		logger.WithError(err).Fatal("failed to schedule database health check")
	}
	scheduler.Start()

	var networkKey *crypto.NetworkKey
	if cfg.Auth.NetworkKey != "" {
		networkKey, err = crypto.NewNetworkKey(cfg.Auth.NetworkKey)
		if err != nil {
			logger.WithError(err).Fatal("invalid network key")
		}
	}

	delegationClient := delegation.NewClient(cfg.Auth.AuthorityOrigin,
		cfg.Auth.ClientID, cfg.Auth.ClientSecret, cfg.Auth.RevocationURL)
	delegationService := delegation.NewService(delegationClient, users, tokens, clients, networkKey)

	authorizer, err := middleware.NewAuthorizer(middleware.AuthorizerConfig{
		Tokens:       tokens,
		Users:        users,
		NetworkKey:   networkKey,
		Registrar:    delegationService,
		Exchanger:    delegationService,
		Logger:       logger,
		Metrics:      metrics,
		SupportEmail: cfg.Auth.OwnerEmail,
	})
	if err != nil {
		logger.WithError(err).Fatal("failed to initialize authorizer")
	}

	rateLimits := middleware.NewRateLimitMiddleware()
	limitCtx, stopLimitCleanup := context.WithCancel(context.Background())
	defer stopLimitCleanup()
	rateLimits.StartCleanup(limitCtx)

	router := mux.NewRouter()
	router.Use(httputil.RequestIDMiddleware)
	router.Use(httputil.LoggingMiddleware)
	router.Use(httputil.RecoveryMiddleware)
	router.Use(observability.HTTPMetricsMiddleware(metrics))

	queueShutdown := setupWebhooks(cfg, logger, metrics, db,
		authorizer, rateLimits, router)

	if cfg.Auth.AuthorityPublicKey != "" {
		verifier, err := crypto.NewVerifier(cfg.Auth.AuthorityPublicKey,
			crypto.NewRedisNonceCache(redisClient))
		if err != nil {
			logger.WithError(err).Fatal("invalid authority public key")
		}
		inbound := webhooks.NewInbound(verifier, users, tokens, logger)
		router.HandleFunc("/webhooks/profile-update", inbound.ProfileUpdate).
			Methods(http.MethodPost)
		router.HandleFunc("/webhooks/revocation", inbound.Revocation).
			Methods(http.MethodPost)
	}

	// Probes and metrics listen separately so they stay reachable when the
	// API is saturated.
	healthMux := http.NewServeMux()
	checker := observability.NewHealthChecker(db.Replica(), redisClient)
	observability.RegisterHealthRoutes(healthMux, checker)
	observability.RegisterMetricsEndpoint(healthMux, registry)
	healthServer := &http.Server{
		Addr:    cfg.Server.Host + ":" + cfg.Server.HealthPort,
		Handler: healthMux,
	}
	go func() {
		logger.WithField("addr", healthServer.Addr).Info("health server listening")
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("health server failed")
		}
	}()

	server := &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := observability.NewShutdownManager(logger, server, cfg.Server.ShutdownTimeout)
	shutdown.OnShutdown("health server", func(ctx context.Context) error {
		return healthServer.Shutdown(ctx)
	})
	if queueShutdown != nil {
		shutdown.OnShutdown("delivery queue", queueShutdown)
	}
	shutdown.OnShutdown("scheduler", func(context.Context) error {
		scheduler.Stop()
		return nil
	})
	shutdown.OnShutdown("redis", func(context.Context) error {
		return redisClient.Close()
	})
	shutdown.OnShutdown("database", func(context.Context) error {
		return db.Close()
	})

	go func() {
		logger.WithField("addr", server.Addr).Info("api server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("api server failed")
		}
	}()

	if err := shutdown.WaitForShutdown(); err != nil {
		logger.WithError(err).Error("shutdown finished with errors")
	}
}

// setupWebhooks declares the example resource, picks the configured queue
// and mounts the management API. Returns the queue shutdown hook, nil
// when the queue needs no teardown.
func setupWebhooks(cfg *config.Config, logger *observability.Logger,
	metrics *observability.Metrics, db *database.ConnectionManager,
	authorizer *middleware.Authorizer, rateLimits *middleware.RateLimitMiddleware,
	router *mux.Router,
) observability.ShutdownFunc {
	if cfg.Webhooks.PrivateKey == "" {
		logger.Warn("no webhook signing key configured, webhook API disabled")
		return nil
	}
	signer, err := crypto.NewSigner(cfg.Webhooks.PrivateKey)
	if err != nil {
		logger.WithError(err).Fatal("invalid webhook signing key")
	}

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

	var queue webhooks.TaskQueue
	var queueShutdown observability.ShutdownFunc
	var register func(string, webhooks.Processor)
	switch cfg.Queue.Kind {
	case "asynq":
		asynqQueue, err := webhooks.NewAsynqQueue(cfg.Redis.URL)
		if err != nil {
			logger.WithError(err).Fatal("failed to initialize delivery queue")
		}
		queue = asynqQueue
		queueShutdown = func(context.Context) error {
			return asynqQueue.Close()
		}
	case "pool":
		poolQueue := webhooks.NewPoolQueue(context.Background(),
			cfg.Queue.Concurrency, cfg.Webhooks.DeliveryTimeout+time.Second, logger)
		queue = poolQueue
		register = poolQueue.Register
		queueShutdown = func(context.Context) error {
			return poolQueue.Shutdown(cfg.Server.ShutdownTimeout)
		}
	default:
		syncQueue := webhooks.NewSyncQueue()
		queue = syncQueue
		register = syncQueue.Register
	}

	engine, err := webhooks.NewEngine(webhooks.EngineConfig{
		Resource:      resource,
		Subscriptions: subs,
		Deliveries:    deliveries,
		Queue:         queue,
		Signer:        signer,
		Timeout:       cfg.Webhooks.DeliveryTimeout,
		Logger:        logger,
		Metrics:       metrics,
	})
	if err != nil {
		logger.WithError(err).Fatal("failed to initialize delivery engine")
	}
	if register != nil {
		register(resource.Name(), engine)
	}

	api := webhooks.NewAPI(engine, authorizer, nil)
	sub := router.PathPrefix("/api/user").Subrouter()
	api.RegisterRoutes(sub)
	// After the authorizer so limits key on the resolved token.
	sub.Use(rateLimits.Handler)
	return queueShutdown
}

func openRedis(cfg config.RedisConfig) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, err
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.DB != 0 {
		opts.DB = cfg.DB
	}
	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return client, nil
}
