/*
main.go - Application entry point

PURPOSE:
  Starts the SIM portal bridge: loads configuration, wires the portal
  gateway, the activate-and-swap workflow, the reconciliation service and
  the scheduled sync behind the HTTP API, and shuts them down in order.

STARTUP SEQUENCE:
  1. Parse command-line flags, load config (file + SIMBRIDGE_ env)
  2. Initialize SQLite store, optionally import seed inventory/rentals
  3. Build portal client and gateway
  4. Build workflow, reconciliation service, sync scheduler
  5. Configure HTTP router and start the server

COMMAND-LINE FLAGS:
  -env     Config file name without .yaml (default: config)
  -config  Directory holding the config file (default: ./config)
  -port    HTTP server port, overrides http.port
  -db      SQLite database path, overrides database.path
           Use ":memory:" for in-memory database
  -seed    JSON file with {"inventory": [...], "rentals": [...]} to import

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the sync schedule
  2. Stop accepting new connections, wait for active requests
  3. Wait for background activate-and-swap runs to reach the swap
  4. Close database connection

SEE ALSO:
  - config/config.go: Configuration keys
  - api/server.go: Router configuration
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/warp/simbridge/api"
	"github.com/warp/simbridge/config"
	"github.com/warp/simbridge/metrics"
	"github.com/warp/simbridge/portal"
	"github.com/warp/simbridge/reconcile"
	"github.com/warp/simbridge/rental"
	"github.com/warp/simbridge/store/sqlite"
	"github.com/warp/simbridge/workflow"
)

func main() {
	// Flags
	env := flag.String("env", "config", "Config file name without extension")
	configDir := flag.String("config", "config", "Directory holding the config file")
	port := flag.Int("port", 0, "HTTP server port (overrides config)")
	dbPath := flag.String("db", "", "SQLite database path (overrides config)")
	seedPath := flag.String("seed", "", "JSON file of inventory and rentals to import")
	flag.Parse()

	cfg, err := config.Load(*env, *configDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *port != 0 {
		cfg.HTTP.Port = *port
	}
	if *dbPath != "" {
		cfg.Database.Path = *dbPath
	}

	logger := newLogger(cfg.Log)

	if err := run(cfg, *seedPath, logger); err != nil {
		logger.Fatal().Err(err).Msg("server failed")
	}
}

func newLogger(cfg config.Log) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(os.Stdout).With().Timestamp().Str("service", "simbridge").Logger().Level(level)
	if cfg.Pretty {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	return logger
}

func run(cfg *config.Config, seedPath string, logger zerolog.Logger) error {
	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.New(reg)
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	// Initialize store
	store, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer store.Close()

	if seedPath != "" {
		if err := importSeed(context.Background(), store, seedPath); err != nil {
			return err
		}
		logger.Info().Str("path", seedPath).Msg("seed data imported")
	}

	// Portal
	if cfg.Portal.BaseURL == "" {
		logger.Warn().Msg("portal.base_url not set, portal actions will fail")
	}
	client, err := portal.NewSessionClient(cfg.Portal, nil, nil, m, logger)
	if err != nil {
		return fmt.Errorf("portal client: %w", err)
	}
	gateway := portal.NewGateway(client, store, store, m, logger)

	// Workflow and reconciliation
	wf := workflow.New(gateway, store, workflow.Config{SwapDelay: cfg.Workflow.SwapDelay}, m, logger)

	loc, err := cfg.Location()
	if err != nil {
		return err
	}
	reconciler := reconcile.NewService(store, store, reconcile.Config{
		Debounce:           cfg.Reconcile.Debounce,
		ExpiringWindowDays: cfg.Reconcile.ExpiringWindowDays,
		PhoneRegion:        cfg.Reconcile.PhoneRegion,
		Location:           loc,
	}, logger)
	defer reconciler.Close()

	// Handler and router
	handler := api.NewHandler(store, store, gateway, wf, reconciler, logger)
	handler.Prefixes = cfg.Portal.StatusPrefixes
	handler.WorkflowTimeout = cfg.Workflow.Timeout

	router := api.NewRouter(handler, api.RouterOptions{
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
		Metrics:        promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
	})

	// Scheduled sync
	scheduler := api.NewSyncScheduler(gateway, reconciler, cfg.Sync.Schedule, logger)
	if err := scheduler.Start(); err != nil {
		return fmt.Errorf("start sync scheduler: %w", err)
	}
	if cfg.Sync.OnStart {
		go func() {
			if _, err := scheduler.RunNow(context.Background()); err != nil {
				logger.Warn().Err(err).Msg("initial sync failed")
			}
		}()
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      router,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	// Start server in goroutine
	serverErr := make(chan error, 1)
	go func() {
		logger.Info().Int("port", cfg.HTTP.Port).Str("db", cfg.Database.Path).Msg("server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-serverErr:
		return err
	}

	logger.Info().Msg("shutting down")
	<-scheduler.Stop().Done()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Workflow.Timeout+30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("server forced to shutdown")
	}
	if err := wf.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("background activate-and-swap runs still in progress")
	}

	logger.Info().Msg("server stopped")
	return nil
}

// seedFile is the -seed import format.
type seedFile struct {
	Inventory []rental.InventoryItem `json:"inventory"`
	Rentals   []rental.RentalRecord  `json:"rentals"`
}

func importSeed(ctx context.Context, store *sqlite.Store, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read seed: %w", err)
	}
	var seed seedFile
	if err := json.Unmarshal(raw, &seed); err != nil {
		return fmt.Errorf("parse seed %s: %w", path, err)
	}
	if err := store.ImportInventory(ctx, seed.Inventory); err != nil {
		return err
	}
	return store.ImportRentals(ctx, seed.Rentals)
}
