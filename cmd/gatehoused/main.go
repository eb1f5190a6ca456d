package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/perimeterhq/gatehouse/pkg/access"
	"github.com/perimeterhq/gatehouse/pkg/api"
	"github.com/perimeterhq/gatehouse/pkg/audit"
	"github.com/perimeterhq/gatehouse/pkg/auth"
	"github.com/perimeterhq/gatehouse/pkg/authority"
	"github.com/perimeterhq/gatehouse/pkg/config"
	"github.com/perimeterhq/gatehouse/pkg/middleware"
	"github.com/perimeterhq/gatehouse/pkg/observability"
	"github.com/perimeterhq/gatehouse/pkg/orgs"
	"github.com/perimeterhq/gatehouse/pkg/rbac"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "gatehoused: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}

	logger := observability.NewLogger(observability.ParseLogLevel(cfg.Observability.LogLevel), os.Stdout)
	componentLog := logrus.New()
	componentLog.SetFormatter(&logrus.JSONFormatter{})

	ctx := context.Background()

	// Tracing is optional; the service runs untraced when disabled.
	tp, err := observability.InitTracing(ctx, observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: cfg.Observability.OTelServiceVersion,
		Insecure:       cfg.Observability.OTelInsecure,
	}, logger)
	if err != nil {
		return fmt.Errorf("initializing tracing: %w", err)
	}
	if tp != nil {
		defer tp.Shutdown(context.Background())
	}

	// Local relational cache.
	db, err := sql.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Database.ConnLifetime)
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("pinging database: %w", err)
	}
	if err := orgs.Migrate(ctx, db, cfg.Database.Driver); err != nil {
		return err
	}
	if err := rbac.Migrate(ctx, db, cfg.Database.Driver); err != nil {
		return err
	}

	// Cache/counter store.
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("pinging redis: %w", err)
	}

	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)

	// Upstream Authority.
	authorityClient := authority.NewClient(authority.Config{
		BaseURL:       cfg.Authority.BaseURL,
		Timeout:       cfg.Authority.Timeout,
		MaxRetries:    cfg.Authority.MaxRetries,
		ServiceSlug:   cfg.Authority.ServiceSlug,
		ServiceSecret: cfg.Authority.ServiceSecret,
	}, componentLog, metrics)
	tokens := authority.NewTokenExchanger(authority.TokenConfig{
		BaseURL:      cfg.Authority.BaseURL,
		ClientID:     cfg.Authority.ClientID,
		ClientSecret: cfg.Authority.ClientSecret,
		RedirectURL:  cfg.Authority.RedirectURL,
	})

	if cfg.Authority.IssuerURL == "" {
		return fmt.Errorf("GATEHOUSE_AUTHORITY_ISSUER_URL is required")
	}
	var verifier auth.TokenVerifier
	verifier, err = auth.NewOIDCVerifier(ctx, cfg.Authority.IssuerURL, cfg.Authority.ClientID)
	if err != nil {
		return fmt.Errorf("initializing token verifier: %w", err)
	}

	// Domain layers.
	auditRecorder, err := audit.NewRecorder(ctx, db, cfg.Database.Driver, componentLog)
	if err != nil {
		return err
	}
	orgStore := orgs.NewStore(db)
	rbacStore := rbac.NewStore(db)
	roleRegistry, err := rbac.NewRegistry(ctx, rbacStore, componentLog)
	if err != nil {
		return err
	}
	if cfg.RBAC.RefreshSchedule != "" {
		if err := roleRegistry.StartScheduledRefresh(cfg.RBAC.RefreshSchedule); err != nil {
			return err
		}
		defer roleRegistry.Stop()
	}

	grantCache := access.NewCache(redisClient, authorityClient, orgStore, access.CacheConfig{
		GrantTTL:      cfg.Access.GrantTTL,
		HotOrgEntries: cfg.Access.HotOrgEntries,
		HotOrgTTL:     cfg.Access.HotOrgTTL,
	}, logger, metrics)

	sessions := middleware.NewRedisSessionStore(redisClient, cfg.Redis.SessionTTL)

	// HTTP surface.
	var webhook *middleware.ServiceKeyVerifier
	if len(cfg.RateLimit.ServiceSecrets) > 0 {
		webhook = middleware.NewServiceKeyVerifier(cfg.RateLimit.ServiceSecrets)
	}
	server := api.NewServer(api.Deps{
		Orgs:     orgStore,
		RBAC:     rbacStore,
		Registry: roleRegistry,
		Access:   grantCache,
		Tokens:   tokens,
		Audit:    auditRecorder,
		Auth:     middleware.NewAuthMiddleware(verifier, false),
		Context: middleware.NewContextResolution(grantCache, orgStore, sessions,
			middleware.ContextResolutionConfig{
				RequireOrganization: cfg.Context.RequireOrganization,
				HQFallback:          cfg.Context.HQFallback,
			}, componentLog, metrics),
		RateLimit: middleware.NewTieredRateLimiter(
			middleware.NewRedisCounterStore(redisClient, "ratelimit"),
			grantCache,
			middleware.RateLimitConfig{
				Window:              cfg.RateLimit.Window,
				IPMax:               cfg.RateLimit.IPMax,
				UserMax:             cfg.RateLimit.UserMax,
				OrgMax:              cfg.RateLimit.OrgMax,
				ServiceMax:          cfg.RateLimit.ServiceMax,
				SSOWindow:           cfg.RateLimit.SSOWindow,
				SSOAuthorizeAuthMax: cfg.RateLimit.SSOAuthorizeAuthMax,
				SSOAuthorizeAnonMax: cfg.RateLimit.SSOAuthorizeAnonMax,
				SSOTokenMax:         cfg.RateLimit.SSOTokenMax,
				SSORefreshMax:       cfg.RateLimit.SSORefreshMax,
			}, componentLog, metrics),
		Webhook: webhook,
		Logger:  componentLog,
	})

	var handler http.Handler = server
	if cfg.Observability.OTelEnabled {
		handler = otelhttp.NewHandler(handler, "gatehoused")
	}
	handler = metrics.InstrumentHandler("api", handler)

	apiServer := &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Health and metrics on a separate port for probes.
	health := observability.NewHealthChecker(5 * time.Second)
	health.Register("database", func(ctx context.Context) error { return db.PingContext(ctx) })
	health.Register("redis", func(ctx context.Context) error { return redisClient.Ping(ctx).Err() })

	healthMux := http.NewServeMux()
	healthMux.Handle("/livez", health.LiveHandler())
	healthMux.Handle("/readyz", health.ReadyHandler())
	if cfg.Observability.MetricsEnabled {
		healthMux.Handle("/metrics", metrics.Handler())
	}
	healthServer := &http.Server{
		Addr:    cfg.Server.Host + ":" + cfg.Server.HealthPort,
		Handler: healthMux,
	}
	go func() {
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("health server failed")
		}
	}()

	shutdown := observability.NewShutdownManager(logger, apiServer, cfg.Server.ShutdownTimeout)
	shutdown.Register(func(ctx context.Context) error { return healthServer.Shutdown(ctx) })

	go func() {
		logger.WithField("addr", apiServer.Addr).Info("gatehoused listening")
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("api server failed")
		}
	}()

	return shutdown.Wait()
}
