/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the referral points server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (.env files, environment, flags)
  2. Build the logger
  3. Open the store (SQLite or PostgreSQL) and migrate the schema
  4. Build the referral engine with metrics
  5. Start the trip completion scheduler
  6. Configure HTTP router and serve

COMMAND-LINE FLAGS (override the environment):
  -port    HTTP server port (PORT, default: 8080)
  -driver  sqlite3 | postgres (DB_DRIVER, default: sqlite3)
  -db      SQLite path or PostgreSQL URL (DATABASE_URL, default: referral.db)
           Use ":memory:" for in-memory database

ENVIRONMENT:
  LOG_LEVEL, STORAGE_TIMEOUT, SCHEDULER_ENABLED, UNLOCK_GRACE_PERIOD,
  UNLOCK_CHECK_INTERVAL, POINTS_BASIS, PUBLIC_BASE_URL, CORS_ALLOWED_ORIGINS,
  DEMO_SCENARIOS (mounts /api/scenarios). See config/config.go.

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the scheduler (waits for an in-flight run)
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close database connection

EXAMPLES:
  ./server -db="./data/referral.db"
  ./server -driver=postgres -db="postgres://localhost/referrals?sslmode=disable"
  ./server -db=":memory:" -port=3000

SEE ALSO:
  - api/server.go: Router configuration
  - store/sqlstore: Database implementation
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fly2any/referral-engine/api"
	"github.com/fly2any/referral-engine/config"
	"github.com/fly2any/referral-engine/logging"
	"github.com/fly2any/referral-engine/monitoring"
	"github.com/fly2any/referral-engine/referral"
	"github.com/fly2any/referral-engine/share"
	"github.com/fly2any/referral-engine/store/sqlstore"
)

const serviceName = "referral-engine"

func main() {
	bootLogger := logging.NewLogger(config.GetLogLevel())
	cfg, err := config.Load(bootLogger)
	if err != nil {
		bootLogger.WithError(err).Fatal("Invalid configuration")
	}

	// Flags
	port := flag.Int("port", cfg.Port, "HTTP server port")
	driver := flag.String("driver", cfg.DBDriver, "Database driver (sqlite3 or postgres)")
	dsn := flag.String("db", cfg.DatabaseURL, "SQLite database path or PostgreSQL URL")
	flag.Parse()

	logger := logging.NewLoggerWithService(serviceName, cfg.LogLevel)

	basis, err := referral.ParseBasis(cfg.PointsBasis)
	if err != nil {
		logger.WithError(err).Fatal("Invalid POINTS_BASIS")
	}

	// Initialize store
	store, err := sqlstore.New(*driver, *dsn)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize database")
	}
	defer store.Close()

	metrics := monitoring.NewMetrics(serviceName)
	health := monitoring.NewHealthChecker(serviceName)
	health.AddCheck("database", monitoring.DatabaseHealthCheck(store))

	engine := referral.NewEngine(store)
	engine.Basis = basis
	engine.Logger = logger
	engine.Recorder = metrics
	engine.StorageTimeout = cfg.StorageTimeout

	scheduler := api.NewTripCompletionScheduler(engine, logger)
	scheduler.Enabled = cfg.SchedulerEnabled
	scheduler.CheckInterval = cfg.UnlockCheckInterval
	scheduler.GracePeriod = cfg.UnlockGracePeriod
	scheduler.Start()

	handler := api.NewHandler(engine, share.Links{BaseURL: cfg.PublicBaseURL}, logger)
	router := api.NewRouter(handler, api.RouterOptions{
		AllowedOrigins: cfg.CORSAllowedOrigins,
		Metrics:        metrics,
		Health:         health,
		DemoScenarios:  cfg.DemoScenarios,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", *port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.WithFields(logrus.Fields{
			"port":   *port,
			"driver": *driver,
			"basis":  basis,
		}).Info("Server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("Server failed")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")
	scheduler.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}

	logger.Info("Server stopped")
}
