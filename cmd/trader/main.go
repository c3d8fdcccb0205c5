package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"moltapp-trader/internal/catalog"
	"moltapp-trader/internal/config"
	"moltapp-trader/internal/database"
	"moltapp-trader/internal/events"
	"moltapp-trader/internal/execution"
	"moltapp-trader/internal/jupiter"
	"moltapp-trader/internal/logger"
	"moltapp-trader/internal/portfolio"
	"moltapp-trader/internal/pricing"
	"moltapp-trader/internal/reconcile"
	"moltapp-trader/internal/recovery"
	"moltapp-trader/internal/solana"
	"moltapp-trader/internal/trader"
)

func main() {
	// A missing .env is fine, keys may come from the real environment.
	_ = godotenv.Load()

	// Load application configuration
	cfg, err := config.LoadConfig("./configs")
	if err != nil {
		// We can't use the logger here because it's not initialized yet.
		panic(fmt.Sprintf("could not load config: %v", err))
	}

	// Initialize logger
	log, err := logger.NewLogger(cfg.Logger, "trader")
	if err != nil {
		panic(err)
	}
	defer log.Sync()
	log.Info("Configuration loaded", zap.String("mode", cfg.Execution.Mode), zap.Int("agents", len(cfg.Agents)))

	// Initialize database
	db, err := database.NewDatabase(&cfg.Database)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	log.Info("Database connection successful and schema migrated.")

	cat, err := catalog.New(cfg.Assets)
	if err != nil {
		log.Fatal("Invalid asset catalog", zap.Error(err))
	}

	// Event sinks: always log, optionally stream to Redis
	sinks := events.Multi{events.NewLogSink(log)}
	var redisSink *events.RedisSink
	if cfg.Redis.Enabled {
		rdb, err := events.NewRedisClient(cfg.Redis.URL, cfg.Redis.Password)
		if err != nil {
			log.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		defer rdb.Close()
		redisSink = events.NewRedisSink(rdb, cfg.Redis.Channel, log)
		sinks = append(sinks, redisSink)
		log.Info("Streaming events to Redis", zap.String("channel", cfg.Redis.Channel))
	}

	// Solana RPC and Jupiter clients
	rpc := solana.NewRPCClient(&cfg.Solana, log)
	balances := solana.NewBalanceReader(rpc)
	jup := jupiter.NewClient(&cfg.Jupiter, log)
	store := portfolio.NewGormStore(db, log)

	reconciler := reconcile.NewReconciler(cat, store, balances, sinks, log,
		reconcile.WithTolerance(cfg.Reconciler.Epsilon, cfg.Reconciler.WarningPercent, cfg.Reconciler.CriticalPercent),
		reconcile.WithAgentDelay(cfg.Reconciler.AgentDelay),
		reconcile.WithStatsRecorder(store),
	)

	var executor execution.Executor
	switch cfg.Execution.Mode {
	case config.ModeLive:
		wallets, err := execution.NewKeyringResolver(cfg.Agents, os.Getenv, log)
		if err != nil {
			log.Fatal("Failed to load agent keys", zap.Error(err))
		}
		confirmer := solana.NewConfirmer(rpc, cfg.Solana.ConfirmTimeout, cfg.Solana.ConfirmPollInterval)
		executor = execution.NewLiveExecutor(cat, wallets, balances, jup, confirmer, store, cfg.Solana.FeeReserveLamports, log,
			execution.WithLandingCheck(reconciler),
		)
	default:
		oracle := pricing.NewOracle(jup, cat, cfg.Pricing.CacheTTL, cfg.Pricing.Timeout, log)
		executor = execution.NewPaperExecutor(cat, oracle, store, log)
	}

	policy := recovery.RetryPolicy{
		MaxAttempts:       cfg.Recovery.MaxAttempts,
		InitialDelayMs:    cfg.Recovery.InitialDelay.Milliseconds(),
		BackoffMultiplier: cfg.Recovery.BackoffMultiplier,
		MaxDelayMs:        cfg.Recovery.MaxDelay.Milliseconds(),
		Jitter:            cfg.Recovery.Jitter,
	}
	if err := policy.Validate(); err != nil {
		log.Fatal("Invalid recovery policy", zap.Error(err))
	}
	ledger := recovery.NewLedger(log, sinks,
		recovery.WithName(cfg.Execution.Mode),
		recovery.WithRetryPolicy(policy),
		recovery.WithCapacity(cfg.Recovery.Capacity),
		recovery.WithStuckThreshold(cfg.Recovery.StuckThreshold),
	)

	pipeline := execution.NewPipeline(executor, ledger, sinks, log,
		execution.WithDelayWindow(cfg.Execution.MinDelay, cfg.Execution.MaxDelay),
		execution.WithDecisionStore(store),
	)

	engine := trader.NewEngine(log, pipeline, ledger, reconciler, cfg.AgentWallets(),
		trader.WithIntervals(cfg.Scheduler.RetryInterval, cfg.Scheduler.ReconcileInterval),
	)
	api := trader.NewAPIServer(engine, cfg.Server.Port, log)
	api.Start()

	// Setup context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sigchan := make(chan os.Signal, 1)
		signal.Notify(sigchan, syscall.SIGINT, syscall.SIGTERM)
		<-sigchan
		log.Info("Shutdown signal received, gracefully shutting down...")
		cancel()
	}()

	engine.Run(ctx)

	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	if err := api.Stop(shutdownCtx); err != nil {
		log.Error("API server shutdown failed", zap.Error(err))
	}
	if redisSink != nil {
		redisSink.Close()
	}

	log.Info("Trader has been shut down.")
}
