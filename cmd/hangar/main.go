package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/hangarhq/hangar/pkg/authz"
	"github.com/hangarhq/hangar/pkg/config"
	"github.com/hangarhq/hangar/pkg/idp"
	"github.com/hangarhq/hangar/pkg/observability"
	"github.com/hangarhq/hangar/pkg/provision"
	"github.com/hangarhq/hangar/pkg/session"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)
	logger.Info("Starting hangar identity service")

	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)

	db, err := sql.Open(cfg.Database.Driver, cfg.Database.URL)
	if err != nil {
		logger.WithError(err).Error("Failed to open database")
		os.Exit(1)
	}
	defer db.Close()

	pingCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := db.PingContext(pingCtx); err != nil {
		cancel()
		logger.WithError(err).Error("Failed to connect to database")
		os.Exit(1)
	}
	cancel()

	migrateCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	idpStore := idp.NewSQLStore(db)
	if err := idpStore.Migrate(migrateCtx); err != nil {
		logger.WithError(err).Error("Failed to migrate identity provider tables")
		os.Exit(1)
	}

	provisioner := provision.NewProvisioner(db, logger, metrics)
	if err := provisioner.Migrate(migrateCtx, cfg.Database.Driver); err != nil {
		logger.WithError(err).Error("Failed to migrate provisioning tables")
		os.Exit(1)
	}

	sessions, cleanup, err := buildSessionStore(cfg, logger)
	if err != nil {
		logger.WithError(err).Error("Failed to initialize session store")
		os.Exit(1)
	}

	idpRegistry := idp.NewRegistry(
		idpStore,
		idp.NewDiscoverer(),
		provisioner,
		cfg.Server.BaseURL,
		cfg.Login.DiscoveryRetry,
		logger,
		metrics,
	)
	if err := idpRegistry.Bootstrap(context.Background()); err != nil {
		logger.WithError(err).Error("Identity provider bootstrap failed")
		os.Exit(1)
	}

	var scheduler *cron.Cron
	if cfg.Login.RefreshSchedule != "" {
		scheduler = cron.New()
		_, err := scheduler.AddFunc(cfg.Login.RefreshSchedule, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			defer cancel()
			if err := idpRegistry.Bootstrap(ctx); err != nil {
				logger.WithError(err).Error("Scheduled registry refresh failed")
			}
		})
		if err != nil {
			logger.WithError(err).Error("Invalid registry refresh schedule")
			os.Exit(1)
		}
		scheduler.Start()
		logger.WithField("schedule", cfg.Login.RefreshSchedule).Info("Registry refresh scheduled")
	}

	logoutPlanner := session.NewLogoutPlanner(cfg.Login.LogoutHintMaxBytes)
	handlers := idp.NewHandlers(idpRegistry, sessions, logoutPlanner, logger, metrics, cfg.Session.TTL, cfg.Server.SecureCookies)

	authzEngine := authz.NewEngine(nil, logger, metrics)
	authzMiddleware := authz.NewMiddleware(authzEngine)

	router := mux.NewRouter()
	handlers.RegisterRoutes(router)
	router.Handle("/admin/idps", authzMiddleware.RequireFunc(
		authz.RequirePrivilege(authz.PrivilegePartnerRead),
		listRegisteredIdPs(idpRegistry),
	)).Methods("GET")

	sessionMiddleware := session.NewMiddleware(sessions, true)
	var handler http.Handler = sessionMiddleware.Handler(router)
	handler = otelhttp.NewHandler(handler, "hangar")

	server := &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	healthServer := startHealthServer(cfg, registry, logger)

	shutdown := observability.NewShutdownManager(logger, server, cfg.Server.ShutdownTimeout)
	shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
		if scheduler != nil {
			scheduler.Stop()
		}
		return nil
	})
	shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
		return healthServer.Shutdown(ctx)
	})
	shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
		return cleanup()
	})

	go func() {
		logger.WithField("addr", server.Addr).Info("HTTP server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("HTTP server failed")
			os.Exit(1)
		}
	}()

	if err := shutdown.WaitForShutdown(); err != nil {
		logger.WithError(err).Error("Shutdown finished with errors")
		os.Exit(1)
	}
}

// listRegisteredIdPs reports the currently registered identity provider ids
func listRegisteredIdPs(registry *idp.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"identity_providers": registry.Registered(),
		})
	}
}

// buildSessionStore creates the configured session store and returns a
// cleanup func for shutdown
func buildSessionStore(cfg *config.Config, logger *observability.Logger) (session.Store, func() error, error) {
	switch cfg.Session.Store {
	case "redis":
		store, err := session.NewRedisStore(cfg.Session.Redis)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("Using Redis session store")
		return store, store.Close, nil
	case "memory":
		logger.Warn("Using in-memory session store, sessions will not survive restarts")
		return session.NewMemoryStore(cfg.Session.TTL), func() error { return nil }, nil
	default:
		return nil, nil, fmt.Errorf("unknown session store: %s", cfg.Session.Store)
	}
}

// startHealthServer serves liveness and metrics on the health port
func startHealthServer(cfg *config.Config, registry *prometheus.Registry, logger *observability.Logger) *http.Server {
	healthMux := http.NewServeMux()
	healthMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	if cfg.Observability.MetricsEnabled {
		healthMux.Handle("/metrics", observability.Handler(registry))
	}

	server := &http.Server{
		Addr:    cfg.Server.Host + ":" + cfg.Server.HealthPort,
		Handler: healthMux,
	}

	go func() {
		logger.WithField("addr", server.Addr).Info("Health server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("Health server failed")
		}
	}()

	return server
}
