// Talon - Loyalty and rewards engine for gaming platforms.
// Copyright (c) 2025 opensource.gaming
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opensource-gaming/talon/internal/abuse"
	"github.com/opensource-gaming/talon/internal/analytics"
	"github.com/opensource-gaming/talon/internal/api"
	"github.com/opensource-gaming/talon/internal/bus"
	"github.com/opensource-gaming/talon/internal/cache"
	"github.com/opensource-gaming/talon/internal/domain"
	"github.com/opensource-gaming/talon/internal/repository"
	"github.com/opensource-gaming/talon/internal/rules"
	"github.com/opensource-gaming/talon/internal/safety"
	"github.com/opensource-gaming/talon/internal/wallet"
	"github.com/opensource-gaming/talon/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	// Initialize structured logger
	logLevel := slog.LevelInfo
	if os.Getenv("TALON_DEBUG") == "true" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	// Log startup
	slog.Info("starting talon",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)

	// Load configuration
	cfg := domain.DefaultConfig()

	// Check for Pro edition via environment
	if os.Getenv("TALON_EDITION") == "pro" {
		cfg = domain.ProConfig()
		slog.Info("running in Pro edition mode")
	}

	slog.Info("configuration loaded",
		"edition", cfg.Edition,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

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
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	// Initialize EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	// Initialize player analytics. The provider is both the evaluation
	// state source and the tier updater the ledger calls after LP earns.
	provider := analytics.NewProvider(repo, cacheImpl, cfg.Segmentation, cfg.Tiers, logger)
	slog.Info("analytics provider initialized")

	// Initialize Wallet Ledger
	ledger := wallet.NewLedger(repo, busImpl, cacheImpl, provider, logger)
	slog.Info("wallet ledger initialized")

	// Initialize Profit-Safety Gate
	gate := safety.NewGate(repo, provider, cfg.Safety, logger)
	slog.Info("safety gate initialized",
		"daily_cap", cfg.Safety.MaxDailyReward,
		"weekly_cap", cfg.Safety.MaxWeeklyReward,
		"monthly_cap", cfg.Safety.MaxMonthlyReward,
	)

	// Initialize Abuse Scorer
	scorer := abuse.NewScorer(repo, busImpl, cfg.Abuse, logger)
	slog.Info("abuse scorer initialized", "block_score", cfg.Abuse.BlockScore)

	// Initialize Rule Engine
	engine, err := rules.NewEngine(repo, provider, busImpl, logger, 100)
	if err != nil {
		slog.Error("failed to initialize rule engine", "error", err)
		os.Exit(1)
	}

	// Optionally seed the starter rule set on a fresh database.
	// Production rules are configured via POST /rules.
	if os.Getenv("TALON_SEED_RULES") == "true" {
		if err := seedBuiltinRules(ctx, repo); err != nil {
			slog.Error("failed to seed builtin rules", "error", err)
			os.Exit(1)
		}
	}
	slog.Info("rule engine initialized")

	// Initialize async Worker (Pro edition)
	var asyncWorker *worker.Worker
	if cfg.Edition == domain.EditionPro || os.Getenv("TALON_ASYNC_WORKER") == "true" {
		asyncWorker = worker.NewWorker(busImpl, repo, engine, gate, ledger, scorer)

		sweepInterval := time.Hour
		if env := os.Getenv("TALON_SWEEP_INTERVAL"); env != "" {
			if parsed, err := time.ParseDuration(env); err == nil {
				sweepInterval = parsed
			} else {
				slog.Warn("invalid TALON_SWEEP_INTERVAL, using default", "value", env)
			}
		}

		workerCfg := worker.Config{
			SweepInterval: sweepInterval,
		}

		if err := asyncWorker.Start(workerCfg); err != nil {
			slog.Error("failed to start async worker", "error", err)
		} else {
			slog.Info("async worker started", "sweep_interval", sweepInterval)
		}
	}

	// Initialize Server
	srv := api.NewServer(cfg.Server, repo, cacheImpl, busImpl, engine, gate, ledger, scorer, provider, Version)

	// Start Server in goroutine
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("talon is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	printBanner(cfg, Version)

	// Wait for shutdown signal
	<-ctx.Done()
	slog.Info("shutting down...")

	// Stop async worker first
	if asyncWorker != nil {
		if err := asyncWorker.Stop(); err != nil {
			slog.Error("failed to stop async worker", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("talon shutdown complete")
}

// seedBuiltinRules writes the starter rule set, skipping a database that
// already has rules configured.
func seedBuiltinRules(ctx context.Context, repo domain.Repository) error {
	existing, err := repo.ListRewardRules(ctx)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		slog.Info("rules already configured, skipping seed", "count", len(existing))
		return nil
	}

	builtin := rules.BuiltinRules()
	for _, rule := range builtin {
		if err := repo.SaveRewardRule(ctx, rule); err != nil {
			return err
		}
	}
	slog.Info("seeded builtin rules", "count", len(builtin))
	return nil
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  ╔═══════════════════════════════════════════╗")
	fmt.Println("  ║               🦅 TALON                    ║")
	fmt.Println("  ║      Loyalty and Rewards Engine           ║")
	fmt.Println("  ║      Every reward earns its keep.         ║")
	fmt.Println("  ╚═══════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Edition:  %s\n", cfg.Edition)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /players                    - Register a player")
	fmt.Println("    GET  /players/{id}/state         - Evaluation state snapshot")
	fmt.Println("    POST /players/{id}/wager         - Record a wager")
	fmt.Println("    POST /players/{id}/evaluate      - Run reward rules")
	fmt.Println("    POST /players/{id}/redeem        - Redeem loyalty points")
	fmt.Println("    POST /players/{id}/abuse/scan    - Run abuse detectors")
	fmt.Println("    POST /rewards/{id}/validate      - Profit-safety check")
	fmt.Println("    POST /rewards/{id}/issue         - Issue a pending reward")
	fmt.Println("    GET  /rules                      - List reward rules")
	fmt.Println("    POST /rules                      - Create a reward rule")
	fmt.Println("    GET  /redemption-rules           - Redemption catalog")
	fmt.Println("    POST /sweeps/bonuses             - Expire stale bonuses")
	fmt.Println("    POST /sweeps/points              - Expire stale point lots")
	fmt.Println("    GET  /health                     - Health check")
	fmt.Println()
}
