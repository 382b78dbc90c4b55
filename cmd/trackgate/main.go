// Command trackgate runs the authorizing gateway in front of a tracking
// service: it authenticates callers, resolves their effective permissions,
// and proxies only the requests (and listing items) they are allowed to see.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/trackgate/pkg/audit"
	"github.com/platinummonkey/trackgate/pkg/auth"
	"github.com/platinummonkey/trackgate/pkg/config"
	"github.com/platinummonkey/trackgate/pkg/dispatch"
	"github.com/platinummonkey/trackgate/pkg/gateway"
	"github.com/platinummonkey/trackgate/pkg/groupsource"
	"github.com/platinummonkey/trackgate/pkg/httputil"
	"github.com/platinummonkey/trackgate/pkg/middleware"
	"github.com/platinummonkey/trackgate/pkg/observability"
	"github.com/platinummonkey/trackgate/pkg/permissions"
	"github.com/platinummonkey/trackgate/pkg/upstream"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "trackgate: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}
	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)
	logger.WithField("upstream", cfg.Upstream.URL).Info("starting trackgate")

	policy, err := config.LoadPolicy(cfg.PolicyPath)
	if err != nil {
		return err
	}

	ctx := context.Background()

	var otelProviders *observability.OTelProviders
	if cfg.Observability.OTelEnabled {
		otelProviders, err = observability.InitOTel(ctx, observability.OTelConfig{
			Enabled:        true,
			Endpoint:       cfg.Observability.OTelEndpoint,
			ServiceName:    cfg.Observability.OTelServiceName,
			ServiceVersion: cfg.Observability.OTelServiceVersion,
			Insecure:       cfg.Observability.OTelInsecure,
		}, logger)
		if err != nil {
			return fmt.Errorf("init opentelemetry: %w", err)
		}
	}

	db, err := sql.Open("postgres", cfg.Database.PostgresURL)
	if err != nil {
		return fmt.Errorf("open permission store: %w", err)
	}
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping permission store: %w", err)
	}
	if err := permissions.RunMigrations(ctx, db); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	store := permissions.NewStore(db)

	if err := bootstrapAdmin(ctx, store, cfg.Auth, logger); err != nil {
		return err
	}

	var redisClient *redis.Client
	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("parse redis URL: %w", err)
		}
		if cfg.Redis.Password != "" {
			opts.Password = cfg.Redis.Password
		}
		opts.DB = cfg.Redis.DB
		redisClient = redis.NewClient(opts)
		if err := redisClient.Ping(ctx).Err(); err != nil {
			// The decision cache is an accelerator, not a dependency.
			logger.WithError(err).Warn("redis unreachable, continuing without shared decision cache")
			redisClient = nil
		}
	}

	// groupsource packages log through logrus.
	groupLogger := logrus.New()
	groupLogger.SetFormatter(&logrus.JSONFormatter{})
	groupSource, err := groupsource.New(policy.GroupSource, store, groupLogger)
	if err != nil {
		return fmt.Errorf("init group source: %w", err)
	}

	registry := prometheus.NewRegistry()
	var metrics *observability.Metrics
	if cfg.Observability.MetricsEnabled {
		metrics = observability.NewMetrics(registry)
		registry.MustRegister(collectors.NewDBStatsCollector(db, "permissions"))
	}

	resolverOpts := []permissions.ResolverOption{
		permissions.WithSourceOrder(policy.Order()),
		permissions.WithDefaultLevel(policy.Level()),
	}
	if redisClient != nil {
		resolverOpts = append(resolverOpts,
			permissions.WithDecisionCache(permissions.NewRedisDecisionCache(redisClient, cfg.Redis.TTL)))
	}
	if metrics != nil {
		resolverOpts = append(resolverOpts, permissions.WithMetrics(metrics))
	}
	resolver := permissions.NewResolver(store, groupSource, logger, resolverOpts...)

	auditLogger, err := buildAuditLogger(cfg.Audit, db)
	if err != nil {
		return err
	}

	client := upstream.NewClient(cfg.Upstream.URL, logger)
	table, err := dispatch.NewDefaultTable(resolver, client, logger, metrics)
	if err != nil {
		return fmt.Errorf("build dispatch table: %w", err)
	}
	gw, err := gateway.New(cfg.Upstream.URL, table, resolver, store, client, auditLogger, logger, metrics)
	if err != nil {
		return fmt.Errorf("init gateway: %w", err)
	}

	// Bearer authentication is only available when the claim group source
	// is configured; it doubles as the token verifier.
	var bearer middleware.BearerAuthenticator
	if claimSource, ok := groupSource.(*groupsource.ClaimSource); ok {
		bearer = claimSource
	}
	authContext := middleware.NewAuthContext(store, bearer, logger)

	router := mux.NewRouter()
	router.Use(httputil.RequestIDMiddleware)
	router.Use(httputil.LoggingMiddleware(logger))
	router.Use(httputil.RecoveryMiddleware(logger))
	router.Use(authContext.Handler)

	apiRouter := router.PathPrefix("/api/2.0/trackgate").Subrouter()
	permissions.NewHandlers(store, resolver, auditLogger).RegisterRoutes(apiRouter)
	router.PathPrefix("/").Handler(gw)

	var handler http.Handler = router
	if metrics != nil {
		handler = metrics.InstrumentHandler("gateway", handler)
	}
	if cfg.Observability.OTelEnabled {
		handler = otelhttp.NewHandler(handler, "trackgate")
	}

	mainServer := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	health := observability.NewHealthChecker(db, redisClient)
	healthMux := http.NewServeMux()
	healthMux.HandleFunc("/health/live", health.Liveness)
	healthMux.HandleFunc("/health/ready", health.Readiness)
	if cfg.Observability.MetricsEnabled {
		healthMux.Handle("/metrics", observability.Handler(registry))
	}
	healthServer := &http.Server{
		Addr:         cfg.Server.HealthAddr(),
		Handler:      healthMux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	sweeper := cron.New()
	_, err = sweeper.AddFunc(cfg.Auth.CredentialSweepSchedule, func() {
		sweepCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		count, err := store.DeactivateExpiredServiceAccounts(sweepCtx, time.Now().UTC())
		if err != nil {
			logger.WithError(err).Error("credential expiry sweep failed")
			return
		}
		if count > 0 {
			logger.WithField("deactivated", count).Info("deactivated expired service accounts")
		}
	})
	if err != nil {
		return fmt.Errorf("schedule credential sweep: %w", err)
	}
	sweeper.Start()

	shutdown := observability.NewShutdownManager(logger, cfg.Server.ShutdownTimeout, mainServer, healthServer)
	shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
		sweeper.Stop()
		return nil
	})
	shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
		return auditLogger.Close()
	})
	if closer, ok := groupSource.(interface{ Close() error }); ok {
		shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
			return closer.Close()
		})
	}
	if redisClient != nil {
		shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
			return redisClient.Close()
		})
	}
	shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
		return db.Close()
	})
	if otelProviders != nil {
		shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
			return observability.ShutdownOTel(ctx, otelProviders, logger)
		})
	}

	group, _ := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.WithField("addr", mainServer.Addr).Info("gateway listening")
		if err := mainServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("gateway server: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		logger.WithField("addr", healthServer.Addr).Info("health server listening")
		if err := healthServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("health server: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		return shutdown.WaitForShutdown()
	})
	return group.Wait()
}

// bootstrapAdmin seeds the first admin account so a fresh deployment can be
// administered. It only runs when a bootstrap password is configured and the
// account does not exist yet.
func bootstrapAdmin(ctx context.Context, store *permissions.Store, cfg config.AuthConfig, logger *observability.Logger) error {
	if cfg.BootstrapAdminPassword == "" {
		return nil
	}
	_, err := store.GetUser(ctx, cfg.BootstrapAdminUsername)
	if err == nil {
		return nil
	}
	if !errors.Is(err, permissions.ErrNotFound) {
		return fmt.Errorf("bootstrap admin lookup: %w", err)
	}

	hash, err := auth.HashPassword(cfg.BootstrapAdminPassword)
	if err != nil {
		return fmt.Errorf("bootstrap admin: %w", err)
	}
	user := &permissions.User{
		Username:     cfg.BootstrapAdminUsername,
		DisplayName:  "Administrator",
		PasswordHash: hash,
		IsAdmin:      true,
		IsActive:     true,
	}
	if err := store.CreateUser(ctx, user); err != nil {
		return fmt.Errorf("bootstrap admin: %w", err)
	}
	logger.WithField("username", cfg.BootstrapAdminUsername).Info("bootstrapped admin account")
	return nil
}

// buildAuditLogger assembles the configured audit sinks.
func buildAuditLogger(cfg config.AuditConfig, db *sql.DB) (audit.Logger, error) {
	if !cfg.Enabled {
		return audit.NopLogger{}, nil
	}
	switch cfg.Sink {
	case "db":
		return audit.NewDBLogger(db)
	case "file":
		return audit.NewFileLogger(cfg.FilePath)
	case "both":
		dbLogger, err := audit.NewDBLogger(db)
		if err != nil {
			return nil, err
		}
		fileLogger, err := audit.NewFileLogger(cfg.FilePath)
		if err != nil {
			return nil, err
		}
		return audit.NewMultiLogger(dbLogger, fileLogger), nil
	default:
		return nil, fmt.Errorf("unknown audit sink %q", cfg.Sink)
	}
}
