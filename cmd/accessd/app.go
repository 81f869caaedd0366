package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"github.com/givebridge/accessd/pkg/audit"
	"github.com/givebridge/accessd/pkg/catalog"
	"github.com/givebridge/accessd/pkg/config"
	"github.com/givebridge/accessd/pkg/httputil"
	"github.com/givebridge/accessd/pkg/invalidation"
	"github.com/givebridge/accessd/pkg/menu"
	"github.com/givebridge/accessd/pkg/observability"
	"github.com/givebridge/accessd/pkg/rbac"
	"github.com/givebridge/accessd/pkg/storage"
)

// app owns every long-lived component of the daemon
type app struct {
	cfg     *config.Config
	logger  *logrus.Logger
	db      *sql.DB
	redis   *redis.Client
	relay   *invalidation.RedisRelay
	otel    *observability.OTelProviders
	metrics *observability.Metrics

	bus       *invalidation.Bus
	resolver  *rbac.Resolver
	admin     *rbac.AdminService
	auditLog  *audit.DBLogger
	menuStore *menu.Store
	menuFile  *menu.FileSource
	menus     *menu.Service

	server    *http.Server
	closeOnce sync.Once
}

func newApp(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}
	if err := a.init(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) init(ctx context.Context) error {
	var err error

	a.otel, err = observability.InitOTel(ctx, a.cfg.OTelSettings(), a.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if a.cfg.Observability.MetricsEnabled {
		a.metrics = observability.NewMetrics(registry)
	}

	a.db, err = storage.OpenSQL(ctx, a.cfg.StorageSettings())
	if err != nil {
		return err
	}
	a.logger.WithField("dialect", a.cfg.Storage.Dialect).Info("Database connected")

	if a.cfg.Storage.Migrate {
		if err := storage.Migrate(ctx, a.db, a.cfg.Storage.Dialect, a.logger); err != nil {
			return err
		}
	}

	busOpts := []invalidation.Option{
		invalidation.WithLogger(a.logger),
		invalidation.WithMetrics(a.metrics),
	}
	if a.cfg.Redis.Enabled() {
		a.redis, err = storage.OpenRedis(ctx, a.cfg.StorageSettings())
		if err != nil {
			return err
		}
		a.relay = invalidation.NewRedisRelay(a.redis, a.cfg.RelaySettings(), a.logger)
		busOpts = append(busOpts, a.relay.BusOptions()...)
		a.logger.WithField("origin", a.relay.Origin()).Info("Redis invalidation relay enabled")
	}
	a.bus = invalidation.NewBus(busOpts...)

	store := rbac.NewStore(a.db)
	a.resolver = rbac.NewResolver(store, a.cfg.ResolverSettings(),
		rbac.WithResolverLogger(a.logger),
		rbac.WithResolverMetrics(a.metrics),
	)
	a.bus.Subscribe(a.resolver.Invalidate)

	a.auditLog, err = audit.NewDBLogger(a.db, audit.WithLogger(a.logger), audit.WithMetrics(a.metrics))
	if err != nil {
		return fmt.Errorf("failed to create audit logger: %w", err)
	}

	a.admin = rbac.NewAdminService(store, a.auditLog,
		rbac.WithAdminLogger(a.logger),
		rbac.WithAdminMetrics(a.metrics),
		rbac.WithBroadcaster(a.bus),
		rbac.WithLockedSystemRoles(a.cfg.Policy.LockedRoles...),
	)

	a.menuStore = menu.NewStore(a.db, a.cfg.Storage.Dialect)

	if a.cfg.Catalog.File != "" {
		if err := a.seed(ctx); err != nil {
			return err
		}
	}

	var source menu.Source = a.menuStore
	if a.cfg.Menu.File != "" {
		a.menuFile, err = menu.NewFileSource(a.cfg.Menu.File,
			menu.WithFileLogger(a.logger),
			menu.WithFileMetrics(a.metrics),
			menu.WithDebounce(a.cfg.Menu.Debounce),
		)
		if err != nil {
			return err
		}
		source = a.menuFile
		a.logger.WithField("file", a.cfg.Menu.File).Info("Serving menu from file")
	}
	a.menus = menu.NewService(source, a.resolver,
		menu.WithServiceLogger(a.logger),
		menu.WithServiceMetrics(a.metrics),
	)

	a.server = &http.Server{
		Addr:         a.cfg.Server.Addr(),
		Handler:      a.routes(registry),
		ReadTimeout:  a.cfg.Server.ReadTimeout,
		WriteTimeout: a.cfg.Server.WriteTimeout,
		IdleTimeout:  a.cfg.Server.IdleTimeout,
	}
	return nil
}

func (a *app) seed(ctx context.Context) error {
	c, err := catalog.Load(a.cfg.Catalog.File)
	if err != nil {
		return err
	}
	report, err := catalog.NewApplier(a.admin, a.menuStore, a.logger).Apply(ctx, c)
	if err != nil {
		return fmt.Errorf("failed to apply catalog: %w", err)
	}
	a.logger.WithFields(logrus.Fields{
		"file":    a.cfg.Catalog.File,
		"changed": report.Changed(),
	}).Info("Catalog applied")
	return nil
}

func (a *app) routes(gatherer prometheus.Gatherer) http.Handler {
	router := mux.NewRouter()
	router.Use(
		httputil.RequestIDMiddleware(a.logger),
		httputil.LoggingMiddleware(a.logger),
		httputil.RecoveryMiddleware(a.logger),
		httputil.MaxBytesMiddleware(a.cfg.Server.MaxBodyBytes),
	)
	if a.metrics != nil {
		router.Use(observability.HTTPMetricsMiddleware(a.metrics))
	}

	health := observability.NewHealthChecker(a.db, a.redis, a.metrics, version)
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)
	router.HandleFunc("/readyz", health.Readiness).Methods(http.MethodGet)
	if a.metrics != nil {
		router.Handle("/metrics", observability.MetricsHandler(gatherer)).Methods(http.MethodGet)
	}

	api := router.NewRoute().Subrouter()
	api.Use(rbac.IdentityMiddleware)
	handlers := rbac.NewHandlers(a.admin, a.resolver)
	handlers.RegisterRoutes(api)
	handlers.AuditRoutes(api, a.auditLog)

	var menuStore *menu.Store
	if a.menuFile == nil {
		menuStore = a.menuStore
	}
	menu.NewHandlers(a.menus, menuStore, a.resolver).RegisterRoutes(api)

	if a.cfg.Observability.OTelEnabled {
		return otelhttp.NewHandler(router, "accessd")
	}
	return router
}

// Run serves HTTP and runs the background workers until ctx is cancelled
func (a *app) Run(ctx context.Context) error {
	var reconciler *cron.Cron
	if a.relay != nil {
		reconciler = cron.New()
		if _, err := a.relay.ScheduleReconcile(ctx, reconciler, a.cfg.Redis.ReconcileSchedule, a.bus); err != nil {
			return err
		}
	}

	eg, ctx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		a.logger.WithField("addr", a.server.Addr).Info("Starting accessd")
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})

	eg.Go(func() error {
		<-ctx.Done()
		a.logger.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		return a.server.Shutdown(shutdownCtx)
	})

	if a.relay != nil {
		eg.Go(func() error {
			return a.relay.Run(ctx, a.bus)
		})

		reconciler.Start()
		eg.Go(func() error {
			<-ctx.Done()
			<-reconciler.Stop().Done()
			return nil
		})
	}

	if a.menuFile != nil {
		eg.Go(func() error {
			return a.menuFile.Watch(ctx)
		})
	}

	return eg.Wait()
}

// Close releases connections and flushes telemetry. It is safe to call twice.
func (a *app) Close() {
	a.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if a.otel != nil {
			_ = observability.ShutdownOTel(ctx, a.otel, a.logger)
		}
		if a.redis != nil {
			a.redis.Close()
		}
		if a.db != nil {
			a.db.Close()
		}
	})
}
