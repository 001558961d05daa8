// Command prospect starts a Temporal task-queue worker for the discovery
// engine: it loads config, wires the port implementations this repo ships
// (SQLite-backed DedupStore/SessionStore, HTTP+goquery Fetcher/Extractor,
// the scripted LLM test double), and polls the research task queue until
// signaled to stop. This binary's core surface is narrow by design — no API
// server, no scheduler tick loop, no chat-platform poller — just the
// discovery engine's task-queue worker.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/antigravity-dev/prospect/internal/config"
	"github.com/antigravity-dev/prospect/internal/dedup"
	"github.com/antigravity-dev/prospect/internal/dispatch"
	"github.com/antigravity-dev/prospect/internal/fetch"
	"github.com/antigravity-dev/prospect/internal/linkfilter"
	"github.com/antigravity-dev/prospect/internal/linkscore"
	"github.com/antigravity-dev/prospect/internal/llm"
	"github.com/antigravity-dev/prospect/internal/planner"
	"github.com/antigravity-dev/prospect/internal/research"
	"github.com/antigravity-dev/prospect/internal/store"
	"github.com/antigravity-dev/prospect/internal/temporal"
	"github.com/antigravity-dev/prospect/internal/verifier"
	"github.com/antigravity-dev/prospect/internal/worker"
)

// noopSearcher is the placeholder research.Searcher this binary wires when
// no concrete search vendor is configured: it returns no results rather
// than failing the activity, leaving wiring a real search backend to the
// deployer.
type noopSearcher struct{}

func (noopSearcher) Search(ctx context.Context, engine research.Engine, query string, maxResults int) ([]research.SearchResult, error) {
	return nil, nil
}

func configureLogger(logLevel string, useDev bool) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(strings.TrimSpace(logLevel)) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if useDev {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

// buildLLMClient wires the configured tier/provider graph onto a
// TieredClient, rate-limited against cfg.RateLimits. No concrete model
// vendor SDK is wired here, so every tier resolves to the same in-process
// scripted double; a real deployment swaps these three lines for vendor
// clients without touching anything downstream.
func buildLLMClient(cfg *config.Config) research.LLM {
	fallback := llm.NewScripted(research.CompletionResponse{Text: "{}"})
	clients := map[string]research.LLM{
		"fast":     fallback,
		"balanced": fallback,
		"premium":  fallback,
	}
	tiered := llm.NewTieredClient(clients, toRetryPolicy(cfg.RetryPolicyFor("fast")), "fast")
	limiter := dispatch.NewRateLimiter(cfg.RateLimits)
	return llm.NewRateLimitedClient(tiered, limiter)
}

// toRetryPolicy adapts config.RetryPolicy (TOML-shaped, Duration-wrapped)
// to llm.RetryPolicy (the plain time.Duration shape TieredClient consumes).
func toRetryPolicy(p config.RetryPolicy) llm.RetryPolicy {
	return llm.RetryPolicy{
		MaxRetries:   p.MaxRetries,
		InitialWait:  p.InitialDelay.Duration,
		GrowthFactor: p.BackoffFactor,
		MaxWait:      p.MaxDelay.Duration,
		PromoteAfter: p.EscalateAfter,
	}
}

func main() {
	configPath := flag.String("config", "prospect.toml", "path to config file")
	temporalHostPort := flag.String("temporal", "localhost:7233", "Temporal frontend host:port")
	dev := flag.Bool("dev", false, "use text log format (default is JSON)")
	fetchTimeout := flag.Duration("fetch-timeout", 20*time.Second, "per-URL fetch timeout")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)
	logger.Info("prospect starting", "config", *configPath)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger = configureLogger(cfg.General.LogLevel, *dev)
	slog.SetDefault(logger)

	sessionStore, err := store.Open(cfg.General.StateDB)
	if err != nil {
		logger.Error("failed to open session store", "path", cfg.General.StateDB, "error", err)
		os.Exit(1)
	}
	defer sessionStore.Close()

	dedupStore, err := dedup.Open(cfg.Dedup.DatabasePath)
	if err != nil {
		logger.Error("failed to open dedup store", "path", cfg.Dedup.DatabasePath, "error", err)
		os.Exit(1)
	}
	defer dedupStore.Close()

	llmClient := buildLLMClient(cfg)
	pl := planner.New(llmClient)
	ver := verifier.New(llmClient)
	scorer := linkscore.New(llmClient)

	extractor := fetch.NewHTMLExtractor(nil)
	workerDeps := worker.Deps{
		Searcher:   noopSearcher{},
		Fetcher:    fetch.NewHTTPFetcher(*fetchTimeout),
		Extractor:  extractor,
		Dedup:      dedupStore,
		LinkFilter: linkfilter.New(),
		LinkScorer: scorer,
		Store:      sessionStore,
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		errCh <- temporal.StartWorker(*temporalHostPort, sessionStore, workerDeps, pl, ver)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			logger.Error("temporal worker stopped with error", "error", err)
			os.Exit(1)
		}
	case sig := <-stop:
		logger.Info("received signal, shutting down", "signal", sig)
	}
}
