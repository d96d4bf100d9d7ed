/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the course progress engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (.env, environment, flags)
  2. Initialize logger
  3. Open the document store (memory, SQLite or PostgreSQL)
  4. Load the course catalog behind a topology cache (memory or Redis)
  5. Build the engine, API handler and sweep scheduler
  6. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -port            HTTP server port (default: PORT or 8080)
  -driver          memory | sqlite | postgres (default: DB_DRIVER or sqlite)
  -db              SQLite database path (default: DB_PATH or progress.db)
                   Use ":memory:" for in-memory database
  -topology        Course catalog JSON (default: TOPOLOGY_FILE or courses.json)
  -sweep-interval  Reconciliation sweep interval, 0 disables

ENVIRONMENT:
  See config/config.go for the full list (DATABASE_URL, REDIS_ADDR,
  JWT_SECRET, ALLOWED_ORIGINS, LOG_MODE, ...).

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the sweep scheduler
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close store and cache connections
  5. Exit

EXAMPLES:
  # Run with file database
  ./server -db="./data/progress.db"

  # Run in memory with a sweep every 10 minutes
  ./server -driver=memory -sweep-interval=10m

  # PostgreSQL with a shared Redis topology cache
  DB_DRIVER=postgres DATABASE_URL=postgres://... REDIS_ADDR=localhost:6379 ./server

SEE ALSO:
  - api/server.go: Router configuration
  - api/handlers.go: HTTP handlers
  - config/config.go: Configuration keys
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/warp/progress-engine/api"
	"github.com/warp/progress-engine/config"
	"github.com/warp/progress-engine/logger"
	"github.com/warp/progress-engine/progress"
	"github.com/warp/progress-engine/progress/store"
	"github.com/warp/progress-engine/store/gormstore"
	"github.com/warp/progress-engine/store/sqlite"
	"github.com/warp/progress-engine/topology"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}

	log, err := logger.New(cfg.LogMode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	if !cfg.EnvFileLoaded {
		log.Debug("no .env file found, using environment")
	}

	ctx := context.Background()

	// Initialize store
	docs, closeStore, err := openStore(cfg, log)
	if err != nil {
		log.Fatal("failed to initialize store", "driver", cfg.DBDriver, "error", err)
	}
	defer closeStore()

	// Topology catalog and cache
	topo, closeCache, err := openTopology(ctx, cfg, log)
	if err != nil {
		log.Fatal("failed to initialize topology", "error", err)
	}
	defer closeCache()

	engine := progress.New(docs, topo, progress.Options{
		Sink:         logSink{log: log.With("component", "certificate-sink")},
		TemplateID:   "default",
		SweepWorkers: cfg.SweepWorkers,
		Log:          log,
	})

	scheduler := api.NewSweepScheduler(engine.Reconciler, cfg.SweepInterval, log)
	handler := api.NewHandler(engine, topo, log)
	handler.Scheduler = scheduler

	router := api.NewRouter(handler, api.RouterOptions{
		AllowedOrigins: cfg.AllowedOrigins,
		JWTSecret:      cfg.JWTSecret,
		Log:            log,
	})
	if cfg.JWTSecret == "" {
		log.Warn("JWT_SECRET not set, admin routes trust the " + api.ActorHeader + " header")
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if err := scheduler.Start(); err != nil {
		log.Fatal("failed to start sweep scheduler", "error", err)
	}

	// Start server in goroutine
	go func() {
		log.Info("server starting", "addr", server.Addr, "driver", cfg.DBDriver)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server failed", "error", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server")
	scheduler.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", "error", err)
	}

	log.Info("server stopped")
}

func openStore(cfg *config.Config, log *logger.Logger) (progress.TxStore, func(), error) {
	switch cfg.DBDriver {
	case config.DriverMemory:
		log.Warn("using in-memory store, data is lost on restart")
		return store.NewMemory(), func() {}, nil
	case config.DriverPostgres:
		s, err := gormstore.Open(cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		return s, closer(log, "postgres", s.Close), nil
	default:
		s, err := sqlite.New(cfg.DBPath)
		if err != nil {
			return nil, nil, err
		}
		return s, closer(log, "sqlite", s.Close), nil
	}
}

// openTopology loads the catalog and puts a cache in front of it. A missing
// catalog file starts the server with no courses.
func openTopology(ctx context.Context, cfg *config.Config, log *logger.Logger) (*topology.Cached, func(), error) {
	catalog, err := topology.LoadFile(cfg.TopologyFile)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		log.Warn("course catalog not found, starting empty", "path", cfg.TopologyFile)
		catalog = topology.NewCatalog()
	case err != nil:
		return nil, nil, err
	default:
		log.Info("course catalog loaded", "path", cfg.TopologyFile, "courses", len(catalog.CourseIDs()))
	}

	cached := &topology.Cached{
		Source: catalog,
		TTL:    cfg.TopologyCacheTTL,
		Log:    log,
	}
	if cfg.RedisAddr == "" {
		cached.Cache = topology.NewMemoryCache()
		return cached, func() {}, nil
	}

	rc, err := topology.NewRedisCache(ctx, cfg.RedisAddr)
	if err != nil {
		return nil, nil, err
	}
	cached.Cache = rc
	log.Info("topology cache on redis", "addr", cfg.RedisAddr)
	return cached, closer(log, "redis", rc.Close), nil
}

func closer(log *logger.Logger, name string, fn func() error) func() {
	return func() {
		if err := fn(); err != nil {
			log.Warn("close failed", "resource", name, "error", err)
		}
	}
}

// logSink records issued certificates. Rendering and delivery live outside
// this service.
type logSink struct {
	log *logger.Logger
}

func (s logSink) CertificateIssued(_ context.Context, cert progress.Certificate) error {
	s.log.Info("certificate ready for rendering",
		"certificate", cert.ID, "user", cert.UserID, "course", cert.CourseID, "template", cert.TemplateID)
	return nil
}
