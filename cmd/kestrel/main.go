// Kestrel - Deterministic compliance rule evaluation.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/opensource-finance/kestrel/internal/api"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/source"
	"github.com/opensource-finance/kestrel/internal/telemetry"
	"github.com/opensource-finance/kestrel/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	cfg := domain.LoadConfig(os.Getenv)

	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	slog.Info("starting kestrel",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"rules_source", cfg.Rules.Source,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"tracing", cfg.Tracing.Enabled,
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

	shutdownTracing, err := telemetry.Setup(ctx, cfg.Tracing, Version)
	if err != nil {
		slog.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}

	// Initialize Repository
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		slog.Error("failed to initialize repository", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	// Initialize Cache
	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		slog.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	defer cacheImpl.Close()
	evalCache := cache.NewEvaluationCache(cacheImpl, cfg.Rules.CacheTTL)
	slog.Info("cache initialized", "type", cfg.Cache.Type, "ttl", cfg.Rules.CacheTTL)

	// Initialize EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	m := metrics.New()

	src, err := ruleSource(ctx, cfg.Rules, repo)
	if err != nil {
		slog.Error("failed to prepare rule source", "error", err)
		os.Exit(1)
	}

	// The engine must not serve a missing or partial rule set.
	store := rules.NewStore(src,
		rules.WithObserver(m),
		rules.WithLogger(logger.With("component", "rules")),
	)
	if err := store.Load(ctx); err != nil {
		slog.Error("failed to load rules", "error", err)
		os.Exit(1)
	}
	engine := rules.NewEngine(store, cfg.Rules.Currency)

	asyncWorker := worker.NewWorker(busImpl, repo, engine,
		worker.WithRecorder(m),
		worker.WithLogger(logger.With("component", "worker")),
	)
	if err := asyncWorker.Start(); err != nil {
		slog.Error("failed to start async worker", "error", err)
		os.Exit(1)
	}

	srv := api.NewServer(cfg.Server, repo, evalCache, busImpl, engine, m, Version)

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("kestrel is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	printBanner(cfg, Version)

	<-ctx.Done()
	slog.Info("shutting down...")

	if err := asyncWorker.Stop(); err != nil {
		slog.Error("failed to stop async worker", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		slog.Warn("failed to flush traces", "error", err)
	}

	slog.Info("kestrel shutdown complete")
}

func newLogger(cfg domain.LoggingConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

// ruleSource picks the partition loader. The database source seeds itself
// from the embedded data when nothing has been stored yet.
func ruleSource(ctx context.Context, cfg domain.RulesConfig, repo domain.Repository) (rules.Source, error) {
	switch cfg.Source {
	case domain.SourceEmbedded, "":
		return source.Embedded(), nil
	case domain.SourceDir:
		if cfg.Dir == "" {
			return nil, fmt.Errorf("rules source %q needs KESTREL_RULES_DIR", cfg.Source)
		}
		return source.Dir(cfg.Dir), nil
	case domain.SourceDatabase:
		if _, err := repo.LoadPartitions(ctx); errors.Is(err, repository.ErrNotFound) {
			p, err := source.Seed(ctx, source.Embedded(), repo)
			if err != nil {
				return nil, err
			}
			slog.Info("seeded rule partitions", "central_rules", len(p.Central), "regions", len(p.Regions))
		} else if err != nil {
			return nil, fmt.Errorf("failed to read stored partitions: %w", err)
		}
		return source.FromRepository(repo), nil
	default:
		return nil, fmt.Errorf("unknown rules source %q", cfg.Source)
	}
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  KESTREL - compliance rule evaluation")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Rules:    %s\n", cfg.Rules.Source)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /compliance/applicable          - Rules that apply to a profile")
	fmt.Println("    POST /compliance/mandatory           - Mandatory applicable rules")
	fmt.Println("    POST /compliance/optional            - Optional applicable rules")
	fmt.Println("    POST /compliance/cost                - Total estimated cost")
	fmt.Println("    POST /compliance/timeline            - Week-by-week plan")
	fmt.Println("    GET  /rules?q=keyword                - Search rules")
	fmt.Println("    GET  /rules/{id}                     - Get rule by ID")
	fmt.Println("    POST /rules/reload                   - Hot-reload rule data")
	fmt.Println("    GET  /platforms                      - List platforms")
	fmt.Println("    POST /platforms/{name}/eligibility   - Platform eligibility")
	fmt.Println("    POST /businesses/{id}/results        - Record applicable rules")
	fmt.Println("    GET  /health                         - Health check")
	fmt.Println()
}
