package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/storefront/orders-api/internal/di"
	"github.com/storefront/orders-api/internal/handlers"
	"github.com/storefront/orders-api/internal/platform/auth"
	"github.com/storefront/orders-api/internal/platform/config"
	"github.com/storefront/orders-api/internal/platform/idempotency"
	"github.com/storefront/orders-api/internal/platform/observability"
	"github.com/storefront/orders-api/internal/repositories"
	"github.com/storefront/orders-api/internal/services"
)

const drainTimeout = 10 * time.Second

func main() {
	logger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "orders-api: logger: %v\n", err)
		os.Exit(1)
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err = run(ctx, logger.Named("api"))
	stop()
	_ = logger.Sync()
	if err != nil {
		logger.Error("orders-api stopped", zap.Error(err))
		os.Exit(1)
	}
}

// run wires the service and blocks until ctx is cancelled or the server fails.
func run(ctx context.Context, logger *zap.Logger) error {
	startedAt := time.Now().UTC()
	ctx = observability.WithLogger(ctx, logger)

	env, err := config.EnvironmentValues()
	if err != nil {
		return fmt.Errorf("read environment: %w", err)
	}
	fetcher, err := newSecretFetcher(ctx, logger, env)
	if err != nil {
		return fmt.Errorf("secret fetcher: %w", err)
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			logger.Warn("secret fetcher close", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx,
		config.WithSecretResolver(fetcher),
		config.WithRequiredSecrets(requiredSecretNames(env)...),
	)
	var missing *config.MissingSecretsError
	switch {
	case errors.As(err, &missing):
		return fmt.Errorf("missing required secrets %v", missing.RedactedNames())
	case err != nil:
		return fmt.Errorf("load configuration: %w", err)
	}

	build := buildInfoFromEnv(env, cfg, startedAt)
	metrics := observability.NewMetrics()
	infra := newBackends(cfg, logger)

	registry, err := infra.registry(ctx)
	if err != nil {
		return fmt.Errorf("storage backend %q: %w", cfg.Storage.Backend, err)
	}
	publisher, closePublisher, err := infra.publisher(ctx)
	if err != nil {
		return fmt.Errorf("notification backend %q: %w", cfg.Notifications.Backend, err)
	}
	keys, err := infra.idempotencyStore(ctx)
	if err != nil {
		return fmt.Errorf("idempotency store %q: %w", cfg.Idempotency.Store, err)
	}

	verifier, err := auth.NewFirebaseVerifier(ctx, cfg.Firebase)
	if err != nil {
		return fmt.Errorf("firebase verifier: %w", err)
	}
	authenticator := auth.NewAuthenticator(verifier)

	probes := dependencyChecks(infra, fetcher, env)
	container, err := di.NewContainer(ctx, cfg, registry,
		di.WithLogger(logger),
		di.WithBuildInfo(build),
		di.WithWorkflowMetrics(metrics),
		di.WithPublisher(publisher, closePublisher),
		di.WithHealthChecks(probes...),
		di.WithCloser(infra.close),
	)
	if err != nil {
		return fmt.Errorf("service container: %w", err)
	}

	authLogger := logger.Named("auth")
	router := newRouter(routerDeps{
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
		build:    build,
		services: container.Services,
		auth:     authenticator,
		keys:     keys,
		oidc:     buildOIDCMiddleware(authLogger, cfg, metrics),
		hmac:     buildHMACMiddleware(authLogger, cfg, metrics, infra.redisConn()),
	})

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Info("orders api listening",
			zap.String("addr", server.Addr),
			zap.String("storage", cfg.Storage.Backend),
			zap.String("notifications", cfg.Notifications.Backend),
			zap.String("version", build.Version),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if sweeper, ok := keys.(idempotency.Sweeper); ok && cfg.Idempotency.CleanupInterval > 0 {
		group.Go(func() error {
			sweepIdempotencyKeys(groupCtx, logger.Named("idempotency"), sweeper, cfg.Idempotency)
			return nil
		})
	}
	group.Go(func() error {
		<-groupCtx.Done()
		logger.Info("draining requests")
		drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
		defer cancel()
		if err := server.Shutdown(drainCtx); err != nil {
			logger.Error("graceful shutdown failed", zap.Error(err))
		}
		if err := container.Close(drainCtx); err != nil {
			logger.Warn("container close", zap.Error(err))
		}
		return nil
	})
	return group.Wait()
}

type routerDeps struct {
	cfg      config.Config
	logger   *zap.Logger
	metrics  *observability.Metrics
	build    services.BuildInfo
	services di.Services
	auth     *auth.Authenticator
	keys     idempotency.Store
	oidc     func(http.Handler) http.Handler
	hmac     func(http.Handler) http.Handler
}

// newRouter mounts every route group. Webhook and internal groups answer 501 until
// their verifier is configured.
func newRouter(d routerDeps) http.Handler {
	httpLogger := d.logger.Named("http")
	svc := d.services

	opts := []handlers.Option{
		handlers.WithMiddlewares(
			observability.InjectLoggerMiddleware(httpLogger),
			observability.TraceMiddleware(traceProjectID(d.cfg)),
			observability.RecoveryMiddleware(httpLogger),
			observability.RequestLoggerMiddleware(),
			d.metrics.Middleware,
		),
		handlers.WithHealthHandlers(handlers.NewHealthHandlers(
			handlers.WithHealthBuildInfo(d.build),
			handlers.WithHealthSystemService(svc.System),
		)),
		handlers.WithMetricsHandler(d.metrics.Handler()),
		handlers.WithProductRoutes(handlers.NewProductHandlers(svc.Catalog).Routes),
		handlers.WithOrderRoutes(handlers.NewOrderHandlers(d.auth, svc.Orders,
			handlers.WithOrderIdempotency(d.keys,
				idempotency.WithHeader(d.cfg.Idempotency.Header),
				idempotency.WithTTL(d.cfg.Idempotency.TTL),
			),
		).Routes),
		handlers.WithAdminRoutes(handlers.NewAdminHandlers(d.auth, svc.Catalog, svc.Orders).Routes),
	}
	if d.hmac != nil {
		opts = append(opts,
			handlers.WithWebhookMiddlewares(d.hmac),
			handlers.WithWebhookRoutes(handlers.NewWebhookHandlers(svc.Orders).Routes),
		)
	}
	if d.oidc != nil {
		opts = append(opts,
			handlers.WithInternalMiddlewares(d.oidc),
			handlers.WithInternalRoutes(handlers.NewInternalHandlers(svc.Orders).Routes),
		)
	}
	return handlers.NewRouter(opts...)
}

func dependencyChecks(infra *backends, fetcher secretPinger, env map[string]string) []repositories.DependencyCheck {
	var checks []repositories.DependencyCheck
	if secretsProject(env) != "" {
		checks = append(checks, repositories.DependencyCheck{Name: "secretManager", Timeout: time.Second, Check: fetcher.Ping})
	}
	if client := infra.redisConn(); client != nil {
		checks = append(checks, repositories.DependencyCheck{
			Name:    "redis",
			Timeout: time.Second,
			Check:   func(ctx context.Context) error { return client.Ping(ctx).Err() },
		})
	}
	return checks
}

type secretPinger interface {
	Ping(ctx context.Context) error
}

func sweepIdempotencyKeys(ctx context.Context, logger *zap.Logger, sweeper idempotency.Sweeper, cfg config.IdempotencyConfig) {
	ticker := time.NewTicker(cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			sweepCtx, cancel := context.WithTimeout(ctx, time.Minute)
			removed, err := sweeper.CleanupExpired(sweepCtx, now.UTC(), cfg.CleanupBatchSize)
			cancel()
			switch {
			case err != nil:
				logger.Error("expired key sweep failed", zap.Error(err))
			case removed > 0:
				logger.Info("expired keys removed", zap.Int("count", removed))
			}
		}
	}
}
