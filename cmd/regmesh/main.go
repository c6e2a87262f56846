package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/regulatory-mesh/regulatory-mesh/internal/api"
	"github.com/regulatory-mesh/regulatory-mesh/pkg/cache"
	"github.com/regulatory-mesh/regulatory-mesh/pkg/config"
	"github.com/regulatory-mesh/regulatory-mesh/pkg/gateway"
	"github.com/regulatory-mesh/regulatory-mesh/pkg/observability"
	"github.com/regulatory-mesh/regulatory-mesh/pkg/resilience"
	"github.com/regulatory-mesh/regulatory-mesh/pkg/upstream"
)

func main() {
	configPath := flag.String("config", "", "path to configuration file")
	listenAddr := flag.String("listen", ":8080", "HTTP listen address")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := observability.NewLogger("regmesh")
	metrics := observability.NewPrometheusMetricsClient("regmesh", nil)
	defer func() { _ = metrics.Close() }()

	store := cache.NewRedisStore(cache.RedisStoreConfig{
		Addr:     cfg.Cache.RedisAddr,
		Password: cfg.Cache.RedisPassword,
		DB:       cfg.Cache.RedisDB,
		Prefix:   cfg.Cache.KeyPrefix,
	}, logger.WithPrefix("regmesh.cache.redis"))
	defer func() { _ = store.Close() }()

	manager := cache.NewManager(store, cache.ManagerConfig{
		DefaultTTL:        cfg.Cache.DefaultTTL,
		MemoryBudget:      cfg.Cache.MemoryBudget,
		PatternStaleAge:   cfg.Cache.PatternStaleAge,
		PatternSweepEvery: cfg.Cache.PatternSweepEvery,
		TTLConfig:         cache.DefaultTTLCalculatorConfig(),
		EvictionWeights:   cache.DefaultEvictionWeights(),
	}, logger.WithPrefix("regmesh.cache"), metrics)

	orchestrator := resilience.NewOrchestrator(resilience.OrchestratorConfig{
		Breaker: resilience.CircuitBreakerConfig{
			FailureThreshold: cfg.Breaker.FailureThreshold,
			RecoveryTimeout:  cfg.Breaker.RecoveryTimeout,
		},
		Retry: resilience.RetryConfig{
			MaxRetries: cfg.Retry.MaxRetries,
			BaseDelay:  cfg.Retry.BaseDelay,
			MaxDelay:   cfg.Retry.MaxDelay,
			Multiplier: cfg.Retry.Multiplier,
			Strategy:   resilience.BackoffStrategy(cfg.Retry.Strategy),
			Jitter:     cfg.Retry.Jitter,
		},
		Dedup: resilience.DedupConfig{
			ResultTTL:  cfg.Dedup.ResultTTL,
			MaxResults: cfg.Dedup.MaxResults,
		},
		Fallback: resilience.FallbackConfig{
			PrimaryTimeout: cfg.Fallback.PrimaryTimeout,
			CacheMaxAge:    cfg.Fallback.CacheMaxAge,
			CacheSize:      cfg.Fallback.CacheSize,
		},
		Queue: resilience.QueueConfig{
			RatePerWindow: cfg.Queue.RatePerMinute,
			Window:        cfg.Queue.Window,
			MaxConcurrent: cfg.Queue.MaxConcurrent,
			MaxDepth:      cfg.Queue.MaxDepth,
		},
	}, nil, logger.WithPrefix("regmesh.resilience"), metrics)

	client := upstream.NewClient(upstream.ClientConfig{
		BaseURL:        cfg.Upstream.BaseURL,
		RequestTimeout: cfg.Upstream.RequestTimeout,
		SmoothingRate:  cfg.Upstream.SmoothingRate,
		SmoothingBurst: cfg.Upstream.SmoothingBurst,
	}, logger.WithPrefix("regmesh.upstream"), metrics)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gw := gateway.New(manager, orchestrator, client, "registry", logger.WithPrefix("regmesh.gateway"), metrics)
	gw.Start(ctx)

	serverConfig := api.DefaultConfig()
	serverConfig.ListenAddress = *listenAddr
	server := api.NewServer(serverConfig, gw, store, logger.WithPrefix("regmesh.api"))

	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("Shutting down", map[string]interface{}{"signal": sig.String()})
	case err := <-errCh:
		if err != nil {
			logger.Error("HTTP server failed", map[string]interface{}{"error": err.Error()})
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown failed", map[string]interface{}{"error": err.Error()})
	}
	gw.Shutdown()
	logger.Info("Shutdown complete", nil)
}
