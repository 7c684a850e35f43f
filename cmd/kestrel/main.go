// Kestrel - synchronous compliance risk decisions for crypto transactions.

package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/opensource-finance/kestrel/internal/api"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/engine"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/policy"
	"github.com/opensource-finance/kestrel/internal/storage"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	start := time.Now()
	cfg := loadConfig()

	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	slog.Info("starting kestrel",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"storage", cfg.Storage.Driver,
		"cache", cfg.Cache.Type,
		"bus", cfg.EventBus.Type,
		"policy_path", cfg.PolicyPath,
		"sanctions_path", cfg.SanctionsPath,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	store, err := storage.New(cfg.Storage)
	if err != nil {
		slog.Error("failed to initialize storage", "error", err)
		os.Exit(1)
	}
	defer store.Close()
	slog.Info("storage initialized", "driver", cfg.Storage.Driver)

	m := metrics.New(start)

	loader := policy.NewLoader(cfg.PolicyPath, cfg.SanctionsPath)
	watcher := policy.NewWatcher(loader, store, m, cfg.PolicyReloadInterval, cfg.SanctionsReloadInterval)
	if err := watcher.Load(ctx); err != nil {
		slog.Error("failed to load initial policy", "error", err)
		os.Exit(1)
	}
	go watcher.Start(ctx)

	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		slog.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	defer cacheImpl.Close()

	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()

	eng := engine.New(store, watcher, busImpl, m)

	handler := api.NewHandler(eng, store, cacheImpl, watcher, Version, cfg.LatencyBudget)
	srv := api.NewServer(cfg.Server, handler)

	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("kestrel is ready", "addr", cfg.Server.ListenAddr)

	<-ctx.Done()
	slog.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("kestrel shutdown complete")
}

// loadConfig overlays flags on the KESTREL_* environment. Every flag
// mirrors an environment variable; flags win when both are set.
func loadConfig() *domain.Config {
	cfg := domain.FromEnv()

	listenAddr := flag.String("listen-addr", cfg.Server.ListenAddr, "HTTP listen address (KESTREL_LISTEN_ADDR)")
	policyPath := flag.String("policy-path", cfg.PolicyPath, "path to the policy document (KESTREL_POLICY_PATH)")
	sanctionsPath := flag.String("sanctions-path", cfg.SanctionsPath, "path to the sanctions list (KESTREL_SANCTIONS_PATH)")
	databaseURL := flag.String("database-url", "", "store connection string; empty keeps KESTREL_DATABASE_URL, and the in-memory store when that is unset too (KESTREL_DATABASE_URL)")
	poolMax := flag.Int("db-pool-max", cfg.Storage.MaxOpenConns, "max open store connections (KESTREL_DB_POOL_MAX)")
	poolMin := flag.Int("db-pool-min", cfg.Storage.MinIdleConns, "idle store connections kept in the pool; sets the idle cap, no minimum is held open (KESTREL_DB_POOL_MIN)")
	migrate := flag.Bool("migrate-on-start", cfg.Storage.MigrateOnStart, "run schema migrations at startup (KESTREL_MIGRATE_ON_START)")
	policyReload := flag.Duration("policy-reload", cfg.PolicyReloadInterval, "policy refresh interval (KESTREL_POLICY_RELOAD_SECS)")
	sanctionsReload := flag.Duration("sanctions-reload", cfg.SanctionsReloadInterval, "sanctions refresh interval (KESTREL_SANCTIONS_RELOAD_SECS)")
	latencyBudget := flag.Duration("latency-budget", cfg.LatencyBudget, "per-request deadline (KESTREL_LATENCY_BUDGET_MS)")
	flag.Parse()

	cfg.Server.ListenAddr = *listenAddr
	cfg.PolicyPath = *policyPath
	cfg.SanctionsPath = *sanctionsPath
	if *databaseURL != "" {
		if path, ok := strings.CutPrefix(*databaseURL, "sqlite:"); ok {
			cfg.Storage.Driver = "sqlite"
			cfg.Storage.SQLitePath = path
		} else {
			cfg.Storage.Driver = "postgres"
			cfg.Storage.DatabaseURL = *databaseURL
		}
	}
	cfg.Storage.MaxOpenConns = *poolMax
	cfg.Storage.MinIdleConns = *poolMin
	cfg.Storage.MigrateOnStart = *migrate
	cfg.PolicyReloadInterval = *policyReload
	cfg.SanctionsReloadInterval = *sanctionsReload
	cfg.LatencyBudget = *latencyBudget

	return cfg
}
