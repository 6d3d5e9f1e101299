package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/l0p7/promptguard/internal/audit"
	"github.com/l0p7/promptguard/internal/cache"
	"github.com/l0p7/promptguard/internal/config"
	"github.com/l0p7/promptguard/internal/gateway"
	"github.com/l0p7/promptguard/internal/generator"
	"github.com/l0p7/promptguard/internal/logging"
	"github.com/l0p7/promptguard/internal/metrics"
	"github.com/l0p7/promptguard/internal/rules"
	"github.com/l0p7/promptguard/internal/server"
	"github.com/l0p7/promptguard/internal/templates"
)

type configLoader interface {
	Load(ctx context.Context) (config.Config, error)
}

type runnableServer interface {
	Run(ctx context.Context) error
}

var newConfigLoader = func(envPrefix, configFile string) configLoader {
	return config.NewLoader(envPrefix, configFile)
}

var newHTTPServer = func(cfg config.Config, logger *slog.Logger, handler http.Handler) (runnableServer, error) {
	srv, err := server.New(cfg, logger, handler)
	if err != nil {
		return nil, err
	}
	return srv, nil
}

func main() {
	var (
		configFile = flag.String("config", "", "path to server configuration file")
		envPrefix  = flag.String("env-prefix", "PROMPTGUARD", "environment variable prefix")
		envFile    = flag.String("env-file", "", "optional dotenv file loaded before configuration")
	)
	flag.Parse()

	if *envFile != "" {
		if err := godotenv.Load(*envFile); err != nil {
			log.Fatalf("failed to load env file %s: %v", *envFile, err)
		}
	} else if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("ignoring .env: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *envPrefix, *configFile); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, envPrefix, configFile string) error {
	cfg, err := newConfigLoader(envPrefix, configFile).Load(ctx)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logger, err := logging.New(cfg.Server.Logging)
	if err != nil {
		return fmt.Errorf("configure logger: %w", err)
	}

	ruleSet, err := rules.Load(logger, cfg.Server.Rules.RulesFile)
	if err != nil {
		return fmt.Errorf("load rules: %w", err)
	}

	messages, err := templates.LoadMessages(cfg.Server.Templates)
	if err != nil {
		return fmt.Errorf("load templates: %w", err)
	}

	recorder := metrics.NewRecorder(nil)
	collector := metrics.NewCollector(metrics.WithRecorder(recorder))

	decisionCache := buildDecisionCache(logger.With(slog.String("agent", "cache_factory")), cfg.Server.Cache, collector)

	gen := buildGenerator(ctx, logger, cfg.Generator)
	retrying := generator.NewRetrying(logger, gen, generator.RetryPolicy{
		MaxAttempts:  cfg.Generator.Request.MaxRetries,
		Timeout:      cfg.Generator.Request.Timeout(),
		InitialDelay: cfg.Generator.Request.RetryDelay(),
		Backoff:      cfg.Generator.Request.RetryBackoff,
		MaxDelay:     cfg.Generator.Request.MaxDelay(),
	}, collector)

	gw, err := gateway.New(logger, gateway.Options{
		Rules:     ruleSet,
		Cache:     decisionCache,
		Metrics:   collector,
		Audit:     audit.Open(logger, cfg.Server.Audit),
		Generator: retrying,
		Messages:  messages,
		Params: generator.Params{
			MaxTokens:   cfg.Generator.Generation.MaxTokens,
			Temperature: cfg.Generator.Generation.Temperature,
			TopP:        cfg.Generator.Generation.TopP,
		},
	})
	if err != nil {
		return fmt.Errorf("build gateway: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := gw.Close(shutdownCtx); err != nil {
			logger.Error("gateway shutdown failed", slog.Any("error", err))
		}
	}()

	if cfg.Server.Rules.Watch {
		watcher := watchRules(ctx, logger, cfg.Server.Rules.RulesFile, gw)
		defer watcher.Stop()
	}

	handler := server.NewHandler(logger, gw, server.HandlerOptions{
		CorrelationHeader: cfg.Server.Logging.CorrelationHeader,
		AllowedOrigins:    cfg.Server.CORS.AllowedOrigins,
		Metrics:           recorder.Handler(),
	})

	srv, err := newHTTPServer(cfg, logger, handler)
	if err != nil {
		return fmt.Errorf("construct server: %w", err)
	}

	logger.Info("gateway ready",
		slog.Int("rules", ruleSet.Len()),
		slog.String("provider", retrying.Name()),
		slog.Bool("cache_enabled", decisionCache.Enabled()))

	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server terminated unexpectedly", slog.Any("error", err))
		return err
	}

	logger.Info("server shutdown complete")
	return nil
}

// watchRules reloads the rule file on change. A document that fails to load
// leaves the running rules in place. A watcher that cannot start is logged
// and the gateway keeps serving the rules it has.
func watchRules(ctx context.Context, logger *slog.Logger, path string, gw *gateway.Gateway) *config.FileWatcher {
	log := logger.With(slog.String("agent", "rules_watcher"))
	watcher, err := config.WatchFile(ctx, path, func() {
		rs, err := rules.Load(logger, path)
		if err != nil {
			log.Error("rules reload rejected, keeping current rules", slog.Any("error", err))
			return
		}
		gw.Reload(ctx, rs)
	}, func(err error) {
		log.Error("rules watcher error", slog.Any("error", err))
	})
	if err != nil {
		log.Error("rules watcher setup failed", slog.Any("error", err))
		return nil
	}
	return watcher
}

func buildDecisionCache(logger *slog.Logger, cfg config.ServerCacheConfig, observer cache.Observer) *cache.DecisionCache {
	ttl := cfg.TTL()
	opts := cache.Options{
		Enabled:  cfg.Enabled,
		TTL:      ttl,
		MaxSize:  cfg.MaxSize,
		Observer: observer,
	}
	backend := strings.TrimSpace(strings.ToLower(cfg.Backend))
	switch backend {
	case "", "memory":
		logger.Info("using memory decision cache", slog.Duration("ttl", ttl), slog.Int("max_size", cfg.MaxSize))
		return cache.New(logger, cache.NewMemory(cfg.MaxSize), opts)
	case "redis":
		redisBackend, err := cache.NewRedis(cache.RedisConfig{
			Address:  cfg.Redis.Address,
			Username: cfg.Redis.Username,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			TLS: cache.RedisTLSConfig{
				Enabled: cfg.Redis.TLS.Enabled,
				CAFile:  cfg.Redis.TLS.CAFile,
			},
			Namespace: cfg.Namespace,
			MaxSize:   cfg.MaxSize,
			TTL:       ttl,
		})
		if err != nil {
			logger.Error("redis cache initialization failed", slog.Any("error", err))
			logger.Info("falling back to memory cache")
			return cache.New(logger, cache.NewMemory(cfg.MaxSize), opts)
		}
		logger.Info("using redis decision cache", slog.String("address", cfg.Redis.Address))
		return cache.New(logger, redisBackend, opts)
	default:
		logger.Warn("unsupported cache backend, defaulting to memory", slog.String("backend", cfg.Backend))
		return cache.New(logger, cache.NewMemory(cfg.MaxSize), opts)
	}
}

// buildGenerator returns the configured provider. A provider that cannot be
// initialised degrades to the mock so the gateway still answers.
func buildGenerator(ctx context.Context, logger *slog.Logger, cfg config.GeneratorConfig) generator.Generator {
	log := logger.With(slog.String("agent", "generator_factory"))
	switch cfg.EffectiveProvider() {
	case config.ProviderBedrock:
		gen, err := generator.NewBedrock(ctx, cfg.Region, cfg.Model)
		if err != nil {
			log.Warn("bedrock generator unavailable, using mock", slog.Any("error", err))
			return generator.NewMock()
		}
		log.Info("using bedrock generator", slog.String("model", cfg.Model), slog.String("region", cfg.Region))
		return gen
	case config.ProviderHTTP:
		gen, err := generator.NewHTTP(&http.Client{}, cfg.Endpoint, cfg.Token)
		if err != nil {
			log.Warn("http generator unavailable, using mock", slog.Any("error", err))
			return generator.NewMock()
		}
		log.Info("using http generator", slog.String("endpoint", cfg.Endpoint))
		return gen
	default:
		log.Info("using mock generator")
		return generator.NewMock()
	}
}
