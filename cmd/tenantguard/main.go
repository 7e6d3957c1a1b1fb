package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/platinummonkey/tenantguard/pkg/audit"
	"github.com/platinummonkey/tenantguard/pkg/auth"
	"github.com/platinummonkey/tenantguard/pkg/compliance"
	"github.com/platinummonkey/tenantguard/pkg/config"
	"github.com/platinummonkey/tenantguard/pkg/httputil"
	"github.com/platinummonkey/tenantguard/pkg/middleware"
	"github.com/platinummonkey/tenantguard/pkg/observability"
	"github.com/platinummonkey/tenantguard/pkg/rbac"
	"github.com/platinummonkey/tenantguard/pkg/rls"
	"github.com/platinummonkey/tenantguard/pkg/storage/migrate"
	"github.com/platinummonkey/tenantguard/pkg/storage/objectstore"
	"github.com/platinummonkey/tenantguard/pkg/storage/postgres"
)

var version = "dev"

var (
	configPath  = flag.String("config", "", "Path to a YAML config file (default: $TENANTGUARD_CONFIG_FILE)")
	migrateOnly = flag.Bool("migrate", false, "Apply database migrations and exit")
	runOnce     = flag.Bool("run-once", false, "Run one retention sweep over every tenant and exit")
)

func main() {
	flag.Parse()

	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat, os.Stdout)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}

	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Fatal("tenantguard stopped with an error")
	}
}

func loadConfig() (*config.Config, error) {
	if *configPath != "" {
		return config.Load(*configPath)
	}
	return config.LoadConfig()
}

// lateBinder lets the pool open before the rls manager that binds its
// connections exists. The manager needs the pool for its audit sink.
type lateBinder struct {
	postgres.TenantBinder
}

func migrationSets() []migrate.Set {
	return []migrate.Set{
		{Component: "audit", Migrations: audit.GetMigrations()},
		{Component: "rbac", Migrations: rbac.GetMigrations()},
		{Component: "compliance", Migrations: compliance.GetMigrations()},
	}
}

func run(cfg *config.Config, logger *logrus.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	telemetry, err := observability.InitOTel(ctx, observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: cfg.Observability.OTelServiceVersion,
		Insecure:       cfg.Observability.OTelInsecure,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(registry)
	if telemetry != nil {
		if err := metrics.WithOTel(telemetry.Meter()); err != nil {
			return err
		}
	}

	binder := &lateBinder{}
	db, err := postgres.Open(postgres.ConnectionConfig{
		Driver:      cfg.Database.Driver,
		PrimaryURL:  cfg.Database.URL,
		ReplicaURLs: cfg.Database.ReplicaURLs,
		MaxConns:    cfg.Database.MaxConns,
		MinConns:    cfg.Database.MinConns,
		Timeout:     cfg.Database.Timeout,
		MaxLifetime: cfg.Database.MaxLifetime,
		MaxIdleTime: cfg.Database.MaxIdleTime,
	}, binder, postgres.WithLogger(logger), postgres.WithMetrics(metrics))
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	if *migrateOnly {
		defer db.Close()
		if cfg.Database.Driver != "postgres" {
			return fmt.Errorf("migrations require the postgres driver, got %s", cfg.Database.Driver)
		}
		return migrate.Run(ctx, db.Primary(), logger, migrationSets()...)
	}

	// Audit trail
	dbSink, err := audit.NewDBSink(db.Primary())
	if err != nil {
		db.Close()
		return err
	}
	sink := audit.NewMultiSink(dbSink, audit.NewLogSink(logger))
	recorderConfig := audit.RecorderConfig{Logger: logger, Dropped: metrics.AuditDropped()}
	recorder := audit.NewRecorder(sink, recorderConfig)
	auditStore := audit.NewDBStore(db.Primary())

	// Row level security
	var redisClient *postgres.RedisClient
	var userContexts rls.UserContextStore
	if cfg.Redis.URL != "" {
		redisClient, err = postgres.NewRedisClient(ctx, postgres.RedisConfig{
			URL:      cfg.Redis.URL,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		if err != nil {
			db.Close()
			return err
		}
		userContexts = rls.NewRedisUserContexts(redisClient.Client(), cfg.Redis.UserContextTTL)
	}

	policy := rls.DefaultTablePolicy()
	if cfg.RLS.PolicyFile != "" {
		doc, err := rls.LoadPolicyFile(cfg.RLS.PolicyFile)
		if err != nil {
			db.Close()
			return err
		}
		if policy, err = rls.NewTablePolicy(doc); err != nil {
			db.Close()
			return fmt.Errorf("invalid table policy: %w", err)
		}
	}

	var dialect rls.Dialect = rls.Postgres{}
	if cfg.Database.Driver == "sqlite3" {
		dialect = rls.SQLite{}
	}

	rlsRecorder := audit.NewRecorder(sink, recorderConfig)
	if !cfg.RLS.AuditEnabled {
		rlsRecorder.Disable()
	}
	rlsManager := rls.NewManager(rls.Config{
		Dialect:          dialect,
		Policy:           policy,
		Recorder:         rlsRecorder,
		AuditStore:       auditStore,
		UserContexts:     userContexts,
		StrictMode:       cfg.RLS.StrictMode,
		CheckRowSecurity: cfg.RLS.CheckRowSecurity,
		Logger:           logger,
		Metrics:          metrics,
	})
	binder.TenantBinder = rlsManager

	// Authorization
	rbacManager, err := rbac.NewManager(rbac.Config{
		Store:    rbac.NewPostgresStore(db.Primary()),
		Recorder: recorder,
		Checker: rbac.CheckerConfig{
			CacheTTL:      cfg.RBAC.CacheTTL,
			PermCacheSize: cfg.RBAC.CacheSize,
			ResCacheSize:  cfg.RBAC.CacheSize,
			Metrics:       metrics,
		},
		Logger:  logger,
		Metrics: metrics,
	})
	if err != nil {
		db.Close()
		return err
	}

	// Compliance
	var archiver compliance.Archiver
	if cfg.Export.Bucket != "" {
		s3Client, err := objectstore.NewS3Client(ctx, objectstore.Config{
			Bucket:       cfg.Export.Bucket,
			Region:       cfg.Export.Region,
			Endpoint:     cfg.Export.Endpoint,
			AccessKey:    cfg.Export.AccessKey,
			SecretKey:    cfg.Export.SecretKey,
			UsePathStyle: cfg.Export.UsePathStyle,
			CreateBucket: cfg.Export.CreateBucket,
		})
		if err != nil {
			db.Close()
			return err
		}
		archiver = s3Client
	}

	complianceManager, err := compliance.NewManager(compliance.Config{
		DB:            db.Primary(),
		Store:         compliance.NewPostgresStore(db.Primary()),
		AuditStore:    auditStore,
		Recorder:      recorder,
		Archiver:      archiver,
		Level:         compliance.Level(cfg.Compliance.Level),
		RetentionDays: cfg.Compliance.RetentionDays,
		HardDelete:    !cfg.Compliance.Anonymization,
		Logger:        logger,
		Metrics:       metrics,
	})
	if err != nil {
		db.Close()
		return err
	}

	sweep := &retentionSweep{
		db:          db.Primary(),
		enforcer:    complianceManager,
		concurrency: cfg.Compliance.SweepConcurrency,
		logger:      logger,
	}
	if *runOnce {
		defer db.Close()
		return sweep.Run(ctx)
	}

	// Admin API
	var verifier auth.Verifier = auth.HeaderVerifier{}
	if cfg.Auth.Mode == "oidc" {
		oidcVerifier, err := auth.NewOIDCVerifier(ctx, auth.OIDCConfig{
			IssuerURL:   cfg.Auth.IssuerURL,
			ClientID:    cfg.Auth.ClientID,
			UserClaim:   cfg.Auth.UserClaim,
			TenantClaim: cfg.Auth.TenantClaim,
		})
		if err != nil {
			db.Close()
			return err
		}
		verifier = oidcVerifier
	}

	var limiter, verifyLimiter middleware.Limiter
	if cfg.RateLimit.Enabled {
		apiLimit := middleware.RateLimitConfig{
			RequestsPerWindow: cfg.RateLimit.RequestsPerMinute,
			WindowDuration:    time.Minute,
			BurstSize:         cfg.RateLimit.Burst,
		}
		verifyLimit := middleware.VerificationRateLimitConfig()
		verifyLimit.RequestsPerWindow = cfg.RateLimit.VerifyAttemptsPerHour
		if redisClient != nil {
			limiter = middleware.NewDistributedRateLimiter(redisClient.Client(), apiLimit, "tenantguard:ratelimit:api")
			verifyLimiter = middleware.NewDistributedRateLimiter(redisClient.Client(), verifyLimit, "tenantguard:ratelimit:verify")
		} else {
			limiter = middleware.NewRateLimiter(apiLimit)
			verifyLimiter = middleware.NewRateLimiter(verifyLimit)
		}
	}

	health := observability.NewHealthChecker(db, nil, version)
	if redisClient != nil {
		health = observability.NewHealthChecker(db, redisClient.Client(), version)
	}
	router := newRouter(routerDeps{
		health:     health,
		registry:   registry,
		metrics:    cfg.Observability.MetricsEnabled,
		verifier:   verifier,
		limiter:    limiter,
		verify:     verifyLimiter,
		rbac:       rbacManager,
		compliance: complianceManager,
		operator:   cfg.Auth.OperatorTenantID,
		audit:      auditStore,
		logger:     logger,
	})

	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      otelhttp.NewHandler(router, "tenantguard-admin"),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := observability.NewShutdownManager(logger, server, cfg.Server.ShutdownTimeout)
	shutdown.Register("database", func(context.Context) error { return db.Close() })
	if redisClient != nil {
		shutdown.Register("redis", func(context.Context) error { return redisClient.Close() })
	}
	shutdown.Register("otel", telemetry.Shutdown)

	if cfg.RLS.WatchPolicy {
		watcher, err := rls.WatchPolicyFile(cfg.RLS.PolicyFile, policy, logger)
		if err != nil {
			shutdown.Shutdown(context.Background())
			return err
		}
		shutdown.Register("policy-watcher", func(context.Context) error { return watcher.Close() })
	}

	healthCtx, stopHealth := context.WithCancel(ctx)
	db.StartHealthCheckRoutine(healthCtx, cfg.Database.HealthInterval)
	shutdown.Register("db-health", func(context.Context) error {
		stopHealth()
		return nil
	})

	scheduler := cron.New()
	if _, err := scheduler.AddFunc(cfg.Compliance.RetentionSchedule, func() {
		defer observability.RecoverPanic(logger, "retention sweep")
		sweepCtx, cancel := context.WithTimeout(context.Background(), time.Hour)
		defer cancel()
		if err := sweep.Run(sweepCtx); err != nil {
			logger.WithError(err).Warn("Retention sweep incomplete")
		}
	}); err != nil {
		shutdown.Shutdown(context.Background())
		return fmt.Errorf("failed to schedule retention sweep: %w", err)
	}
	scheduler.Start()
	shutdown.Register("scheduler", func(ctx context.Context) error {
		select {
		case <-scheduler.Stop().Done():
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	go func() {
		logger.WithFields(logrus.Fields{
			"addr":      server.Addr,
			"version":   version,
			"auth_mode": cfg.Auth.Mode,
			"retention": cfg.Compliance.RetentionSchedule,
		}).Info("tenantguard admin server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("Admin server failed")
			cancel()
		}
	}()

	return shutdown.WaitForShutdown(ctx)
}

type routerDeps struct {
	health     *observability.HealthChecker
	registry   *prometheus.Registry
	metrics    bool
	verifier   auth.Verifier
	limiter    middleware.Limiter
	verify     middleware.Limiter
	rbac       *rbac.Manager
	compliance *compliance.Manager
	operator   int64
	audit      audit.Store
	logger     *logrus.Logger
}

// newRouter builds the admin API. Health and metrics are open. Everything
// under /tenants requires an authenticated principal with the admin
// permission in the tenant named by the path. Process-wide compliance
// settings are only served when an operator tenant is configured, and only
// to its admins.
func newRouter(deps routerDeps) http.Handler {
	router := mux.NewRouter()
	observability.RegisterHealthRoutes(router, deps.health)
	if deps.metrics {
		observability.RegisterMetricsEndpoint(router, deps.registry)
	}

	api := router.NewRoute().Subrouter()
	api.Use(auth.Middleware(deps.verifier, deps.logger))
	if deps.limiter != nil {
		api.Use(middleware.RateLimit(deps.limiter, middleware.PrincipalKey, deps.logger))
	}
	if deps.verify != nil {
		api.Use(middleware.RateLimit(deps.verify, middleware.RouteSubjectKey("/deletion-requests/verify"), deps.logger))
	}

	admin := mux.MiddlewareFunc(rbac.NewPermissionMiddleware(deps.rbac).RequirePermission(rbac.PermissionAdmin))
	rbac.NewHandlers(deps.rbac).RegisterRoutes(api)
	complianceHandlers := compliance.NewHandlers(deps.compliance, admin)
	complianceHandlers.RegisterRoutes(api)
	if deps.operator > 0 {
		operator := rbac.NewPermissionMiddleware(deps.rbac).RequireTenantPermission(deps.operator, rbac.PermissionAdmin)
		complianceHandlers.RegisterSettingsRoutes(api, operator)
	}

	auditRoutes := api.NewRoute().Subrouter()
	auditRoutes.Use(admin)
	audit.NewHandlers(deps.audit).RegisterRoutes(auditRoutes)

	return httputil.Chain(
		httputil.RequestIDMiddleware,
		httputil.LoggingMiddleware(deps.logger),
		httputil.RecoveryMiddleware(deps.logger),
		httputil.MaxBytesMiddleware(1<<20),
	)(router)
}
