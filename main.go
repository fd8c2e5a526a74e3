package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/loomworks/deepresearch/internal/checkpoint"
	"github.com/loomworks/deepresearch/internal/config"
	"github.com/loomworks/deepresearch/internal/db"
	"github.com/loomworks/deepresearch/internal/engine"
	"github.com/loomworks/deepresearch/internal/httpapi"
	"github.com/loomworks/deepresearch/internal/models"
	"github.com/loomworks/deepresearch/internal/reasoning"
	"github.com/loomworks/deepresearch/internal/search"
	"github.com/loomworks/deepresearch/internal/streaming"
	"github.com/loomworks/deepresearch/internal/tasks"
	"github.com/loomworks/deepresearch/internal/tools"
	"github.com/loomworks/deepresearch/internal/tracing"
)

func main() {
	ctx := context.Background()

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	configPath := os.Getenv("RESEARCH_CONFIG")
	if configPath == "" {
		configPath = "config/research.yaml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}

	shutdownTracing, err := tracing.Initialize(ctx, tracing.Config{
		Enabled:      cfg.Tracing.Enabled,
		ServiceName:  "deepresearch",
		OTLPEndpoint: cfg.Tracing.Endpoint,
	}, logger)
	if err != nil {
		logger.Fatal("Failed to initialize tracing", zap.Error(err))
	}

	// Shared Redis client for task records, checkpoints and the stream mirror.
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}

	streams := streaming.NewManager(logger)
	streams.Configure(cfg.Streaming.RingCapacity)
	if cfg.Streaming.RedisMirror {
		streams.SetMirror(streaming.NewRedisMirror(redisClient, cfg.Redis.TaskTTL, logger))
	}

	registry := buildToolRegistry(cfg, logger)
	var executorOpts []search.Option
	if cfg.Tools.MaxConcurrent > 0 {
		executorOpts = append(executorOpts, search.WithMaxConcurrent(cfg.Tools.MaxConcurrent))
	}
	executor := search.NewExecutor(registry, logger, executorOpts...)
	checkpoints := checkpoint.NewStore(redisClient, cfg.Redis.CheckpointTTL, logger)

	engines := engine.NewCache(func(provider, model string) (*engine.Engine, error) {
		reasoner, err := buildReasoner(cfg, provider, model, logger)
		if err != nil {
			return nil, err
		}
		return engine.New(engine.Config{
			Planner:     reasoner,
			Synthesizer: reasoner,
			Grader:      reasoner,
			Gatherer:    executor,
			Publisher:   streams,
			Checkpoints: checkpoints,
			Logger:      logger,
		}), nil
	}, logger)

	// Run history is optional; without a DSN, Redis task records are the only
	// persistence.
	var history *db.Client
	if cfg.Postgres.DSN != "" {
		history, err = db.NewClient(db.Config{
			DSN:             cfg.Postgres.DSN,
			MaxConnections:  cfg.Postgres.MaxConnections,
			IdleConnections: cfg.Postgres.IdleConnections,
			MaxLifetime:     cfg.Postgres.MaxLifetime,
		}, logger)
		if err != nil {
			logger.Fatal("Failed to initialize database client", zap.Error(err))
		}
		defer history.Close()
	}

	taskStore := tasks.NewStore(redisClient, cfg.Redis.TaskTTL, logger)
	managerCfg := tasks.Config{
		Store:                taskStore,
		Engines:              engines,
		Streams:              streams,
		Logger:               logger,
		DefaultMaxIterations: cfg.Research.MaxIterations,
		DefaultProvider:      cfg.Reasoning.Provider,
		DefaultModel:         cfg.Reasoning.Model,
		DefaultDepth:         cfg.Research.Depth,
	}
	if history != nil {
		managerCfg.History = history
	}
	manager := tasks.NewManager(managerCfg)

	// Hot-reload: only the streaming ring capacity is safe to change at
	// runtime; everything else needs a restart.
	if watcher, err := config.NewWatcher(configPath, logger); err == nil {
		watcher.OnChange(func(next *config.Config) {
			streams.Configure(next.Streaming.RingCapacity)
		})
		if err := watcher.Start(); err != nil {
			logger.Warn("Config watcher unavailable", zap.Error(err))
		}
		defer watcher.Stop()
	} else {
		logger.Warn("Config watcher unavailable", zap.Error(err))
	}

	mux := http.NewServeMux()
	httpapi.NewHealthHandler(redisClient).RegisterRoutes(mux)
	httpapi.NewResearchHandler(manager, logger).RegisterRoutes(mux)
	httpapi.NewStreamingHandler(streams, manager, logger).RegisterRoutes(mux)

	rateLimiter := httpapi.NewRateLimiter(cfg.Server.RateLimit, cfg.Server.RateBurst, logger)
	defer rateLimiter.Stop()
	auth := httpapi.NewAuthMiddleware(cfg.Server.AuthSecret, logger)
	handler := rateLimiter.Wrap(auth.Wrap(mux))

	server := &http.Server{
		Addr:        ":" + strconv.Itoa(cfg.Server.Port),
		Handler:     handler,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}
	go func() {
		logger.Info("HTTP server listening", zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	metricsServer := &http.Server{
		Addr:    ":" + strconv.Itoa(cfg.Server.MetricsPort),
		Handler: promhttp.Handler(),
	}
	go func() {
		logger.Info("Metrics server listening", zap.Int("port", cfg.Server.MetricsPort))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Metrics server failed", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("Shutting down", zap.String("signal", sig.String()))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown failed", zap.Error(err))
	}
	_ = metricsServer.Shutdown(shutdownCtx)

	if err := manager.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Task manager shutdown timed out", zap.Error(err))
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn("Tracing shutdown failed", zap.Error(err))
	}
	logger.Info("Shutdown complete")
}

// buildToolRegistry wires the configured search tools. Web search requires a
// Tavily API key; the free tools are always registered.
func buildToolRegistry(cfg *config.Config, logger *zap.Logger) *tools.Registry {
	registry := tools.NewRegistry(logger)

	if cfg.Tools.TavilyAPIKey != "" {
		var opts []tools.WebSearchOption
		if cfg.Tools.TavilyURL != "" {
			opts = append(opts, tools.WithWebSearchURL(cfg.Tools.TavilyURL))
		}
		registry.Register(models.ToolWebSearch, tools.NewWebSearch(cfg.Tools.TavilyAPIKey, cfg.Tools.Timeout, cfg.Tools.MaxResults, logger, opts...))
	} else {
		logger.Warn("Web search disabled: no Tavily API key configured")
	}

	registry.Register(models.ToolWebScrape, tools.NewWebScraper(cfg.Tools.Timeout, logger))

	var wikiOpts []tools.WikipediaOption
	if cfg.Tools.WikipediaURL != "" {
		wikiOpts = append(wikiOpts, tools.WithWikipediaURL(cfg.Tools.WikipediaURL))
	}
	registry.Register(models.ToolWikipedia, tools.NewWikipedia(cfg.Tools.Timeout, cfg.Tools.MaxResults, logger, wikiOpts...))

	var arxivOpts []tools.ArxivOption
	if cfg.Tools.ArxivURL != "" {
		arxivOpts = append(arxivOpts, tools.WithArxivURL(cfg.Tools.ArxivURL))
	}
	registry.Register(models.ToolArxiv, tools.NewArxiv(cfg.Tools.Timeout, cfg.Tools.MaxResults, logger, arxivOpts...))

	return registry
}

// buildReasoner constructs the reasoning client for one (provider, model)
// pair. Any OpenAI-compatible endpoint works via reasoning.base_url.
func buildReasoner(cfg *config.Config, provider, model string, logger *zap.Logger) (*reasoning.OpenAIClient, error) {
	switch provider {
	case "openai", "":
		return reasoning.NewOpenAIClient(reasoning.OpenAIConfig{
			APIKey:  os.Getenv(cfg.Reasoning.APIKeyEnv),
			BaseURL: cfg.Reasoning.BaseURL,
			Model:   model,
			Timeout: cfg.Reasoning.Timeout,
		}, logger)
	default:
		return nil, fmt.Errorf("unknown reasoning provider %q", provider)
	}
}
