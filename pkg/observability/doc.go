// Package observability provides structured logging, Prometheus metrics,
// health checks, and graceful shutdown.
//
// # Structured Logging
//
// Create logger:
//
//	logger := observability.NewLogger(observability.InfoLevel, os.Stdout)
//	logger.Info("server started")
//
// Context-aware logging:
//
//	observability.FromContext(ctx).WithError(err).Error("token exchange failed")
//
// # Prometheus Metrics
//
// Initialize metrics:
//
//	registry := prometheus.NewRegistry()
//	metrics := observability.NewMetrics(registry)
//	metrics.AuthRequestsTotal.WithLabelValues("oauth", "success").Inc()
//	metrics.WebhookDeliveriesTotal.WithLabelValues("profile", "profile:update", "200").Inc()
//
// # Health Checks
//
// Configure health checker:
//
//	checker := observability.NewHealthChecker(db, redisClient)
//	observability.RegisterHealthRoutes(mux, checker)
//
// # Graceful Shutdown
//
//	manager := observability.NewShutdownManager(logger, server, 30*time.Second)
//	manager.OnShutdown("database", func(ctx context.Context) error { return db.Close() })
//	manager.WaitForShutdown()
//
// # Related Packages
//
//   - pkg/config: Observability configuration
//   - pkg/httputil: Request logging middleware
package observability
