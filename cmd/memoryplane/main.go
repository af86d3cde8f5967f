// Command memoryplane runs the memory-plane Core as a long-lived process:
// load config, register provider factories, stand up telemetry, build Core,
// and block until an interrupt triggers an orderly shutdown.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/memoryplane/memoryplane/internal/app"
	"github.com/memoryplane/memoryplane/internal/config"
	"github.com/memoryplane/memoryplane/internal/observe"
	"github.com/memoryplane/memoryplane/pkg/provider/embeddings"
	embeddingsollama "github.com/memoryplane/memoryplane/pkg/provider/embeddings/ollama"
	embeddingsopenai "github.com/memoryplane/memoryplane/pkg/provider/embeddings/openai"
	"github.com/memoryplane/memoryplane/pkg/provider/llm"
	"github.com/memoryplane/memoryplane/pkg/provider/llm/anyllm"
	llmopenai "github.com/memoryplane/memoryplane/pkg/provider/llm/openai"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "memoryplane:", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logLevel := new(slog.LevelVar)
	logLevel.Set(parseLevel(cfg.Server.LogLevel))
	log := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(log)

	registry := config.NewRegistry()
	registerProviders(registry)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "memoryplane"})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			log.Warn("telemetry shutdown", "err", err)
		}
	}()

	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	core, err := app.New(ctx, cfg, registry, metrics, log)
	if err != nil {
		return fmt.Errorf("build core: %w", err)
	}

	watcher, err := config.NewWatcher(*configPath, func(old, updated *config.Config) {
		diff := config.Diff(old, updated)
		if diff.LogLevelChanged {
			logLevel.Set(parseLevel(diff.NewLogLevel))
			log.Info("log level changed", "level", diff.NewLogLevel)
		}
		core.ApplyConfigUpdate(updated)
		log.Info("config reloaded", "retrieval_weights_changed", diff.RetrievalWeights, "seal_servers_changed", diff.SealServersChanged, "evict_idle_changed", diff.EvictIdleChanged)
	})
	if err != nil {
		return fmt.Errorf("start config watcher: %w", err)
	}
	defer watcher.Stop()

	idleTicker := time.NewTicker(1 * time.Minute)
	defer idleTicker.Stop()

	log.Info("memoryplane started", "listen_addr", cfg.Server.ListenAddr)

	for {
		select {
		case <-ctx.Done():
			log.Info("shutting down")
			if err := core.Stop(); err != nil {
				return fmt.Errorf("shutdown: %w", err)
			}
			return nil
		case <-idleTicker.C:
			core.FlushAllIdle(context.Background())
		}
	}
}

// registerProviders wires every LLM/embeddings backend the corpus supports
// into registry, keyed by the provider.name config selects.
func registerProviders(registry *config.Registry) {
	registry.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []llmopenai.Option
		if entry.BaseURL != "" {
			opts = append(opts, llmopenai.WithBaseURL(entry.BaseURL))
		}
		return llmopenai.New(entry.APIKey, entry.Model, opts...)
	})

	registry.RegisterLLM("anyllm", func(entry config.ProviderEntry) (llm.Provider, error) {
		backend, _ := entry.Options["provider"].(string)
		if backend == "" {
			backend = "openai"
		}
		var opts []anyllmlib.Option
		if entry.APIKey != "" {
			opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
		}
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New(backend, entry.Model, opts...)
	})

	registry.RegisterEmbeddings("openai", func(entry config.ProviderEntry) (embeddings.Provider, error) {
		var opts []embeddingsopenai.Option
		if entry.BaseURL != "" {
			opts = append(opts, embeddingsopenai.WithBaseURL(entry.BaseURL))
		}
		return embeddingsopenai.New(entry.APIKey, entry.Model, opts...)
	})

	registry.RegisterEmbeddings("ollama", func(entry config.ProviderEntry) (embeddings.Provider, error) {
		baseURL := entry.BaseURL
		if baseURL == "" {
			baseURL = "http://localhost:11434"
		}
		return embeddingsollama.New(baseURL, entry.Model)
	})
}

func parseLevel(l config.LogLevel) slog.Level {
	switch l {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
