package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/nugget/counselor-agent/internal/agent"
	"github.com/nugget/counselor-agent/internal/buildinfo"
	"github.com/nugget/counselor-agent/internal/cache"
	"github.com/nugget/counselor-agent/internal/chat"
	"github.com/nugget/counselor-agent/internal/config"
	"github.com/nugget/counselor-agent/internal/confirm"
	"github.com/nugget/counselor-agent/internal/connwatch"
	"github.com/nugget/counselor-agent/internal/conversation"
	"github.com/nugget/counselor-agent/internal/events"
	"github.com/nugget/counselor-agent/internal/httpkit"
	"github.com/nugget/counselor-agent/internal/insights"
	"github.com/nugget/counselor-agent/internal/llm"
	"github.com/nugget/counselor-agent/internal/records"
	"github.com/nugget/counselor-agent/internal/runs"
	"github.com/nugget/counselor-agent/internal/tools"
)

// app is the wired service graph shared by serve and ask.
type app struct {
	logger *slog.Logger

	db            *sql.DB
	records       records.Store
	conversations *conversation.Store
	ledger        *confirm.Ledger
	insights      *insights.Store
	runs          *runs.Store
	executor      *tools.Executor
	llm           llm.Client
	loop          *agent.Loop
	cache         cache.Cache
	chat          *chat.Service
	bus           *events.Bus

	closers []func() error
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *app, err error) {
	a := &app{logger: logger, bus: events.New()}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	if dir := filepath.Dir(cfg.Database.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
	}
	a.db, err = records.OpenSQLite(cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.db.Close)

	if cfg.Database.PostgresDSN != "" {
		gdb, err := records.OpenPostgres(cfg.Database.PostgresDSN)
		if err != nil {
			return nil, err
		}
		if sqlDB, err := gdb.DB(); err == nil {
			a.closers = append(a.closers, sqlDB.Close)
		}
		if a.records, err = records.NewPostgresStore(ctx, gdb, logger); err != nil {
			return nil, err
		}
		logger.Info("student records in postgres")
	} else if a.records, err = records.NewSQLiteStore(a.db, logger); err != nil {
		return nil, err
	}

	if a.conversations, err = conversation.NewStore(a.db, cfg.Agent.MaxHistory, logger); err != nil {
		return nil, err
	}
	if a.ledger, err = confirm.NewLedger(a.db, cfg.Agent.ConfirmationTTL, logger, a.bus); err != nil {
		return nil, err
	}
	a.insights = insights.NewStore(a.records, cfg.Agent.InsightTTL)
	a.runs = runs.NewStore(a.records)
	a.executor = tools.NewExecutor(tools.NewRegistry(), a.records, a.insights, a.ledger, a.bus, logger)
	a.llm = createLLMClient(cfg, logger)

	a.loop = agent.NewLoop(agent.Deps{
		LLM:           a.llm,
		Executor:      a.executor,
		Conversations: a.conversations,
		Insights:      a.insights,
		Runs:          a.runs,
		Bus:           a.bus,
		Logger:        logger,
	}, agent.Config{
		Model:               cfg.Models.Default,
		Temperature:         cfg.Models.Temperature,
		MaxTokens:           cfg.Models.MaxTokens,
		MaxToolRounds:       cfg.Agent.MaxToolRounds,
		MaxTransientRetries: cfg.Agent.MaxTransientRetries,
		RetryBaseDelay:      cfg.Agent.RetryBaseDelay,
		MaxRunsPerHour:      cfg.Agent.MaxRunsPerHour,
		ExtractInsights:     cfg.Agent.ExtractInsights,
	})

	switch cfg.Cache.Backend {
	case "redis":
		r, err := cache.NewRedis(ctx, cfg.Cache.RedisURL)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, r.Close)
		a.cache = r
	case "memory":
		a.cache = cache.NewMemory()
	}
	a.chat = chat.NewService(a.loop, a.conversations, a.cache, cfg.Cache.TTL, cache.NewQueue(cfg.Cache.MaxConcurrent), a.bus, logger)

	logger.Info("services ready",
		"db", cfg.Database.Path,
		"tools", len(a.executor.Registry().Names()),
		"cache", cfg.Cache.Backend,
		"max_concurrent", cfg.Cache.MaxConcurrent,
	)
	return a, nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}

// sweepCache evicts expired in-memory cache entries until ctx ends.
func (a *app) sweepCache(ctx context.Context, every time.Duration) {
	mem, ok := a.cache.(*cache.Memory)
	if !ok {
		return
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := mem.Sweep(); n > 0 {
				a.logger.Debug("cache swept", "evicted", n)
			}
		}
	}
}

// watchDependencies starts health watchers for the completion provider
// and, when the cache is Redis, the cache server.
func (a *app) watchDependencies(ctx context.Context) *connwatch.Set {
	set := connwatch.NewSet(a.logger)
	set.Watch(ctx, connwatch.Check{
		Name:     "completion",
		Probe:    a.llm.Ping,
		Schedule: connwatch.DefaultSchedule(),
	})
	if r, ok := a.cache.(*cache.Redis); ok {
		set.Watch(ctx, connwatch.Check{
			Name:     "cache",
			Probe:    r.Ping,
			Schedule: connwatch.DefaultSchedule(),
		})
	}
	return set
}

// createLLMClient builds a multi-provider client. Models listed in the
// config are routed to their provider; anything else goes to the
// default model's provider.
func createLLMClient(cfg *config.Config, logger *slog.Logger) llm.Client {
	clients := map[string]llm.Client{}
	if cfg.Models.OllamaURL != "" {
		clients["ollama"] = llm.NewOllamaClient(cfg.Models.OllamaURL, logger,
			httpkit.WithUserAgent(buildinfo.UserAgent()))
	}
	if cfg.Models.OpenAIKey != "" {
		httpClient := httpkit.NewClient(
			httpkit.WithTimeout(cfg.Models.Timeout),
			httpkit.WithUserAgent(buildinfo.UserAgent()),
		)
		clients["openai"] = llm.NewOpenAIClient(cfg.Models.OpenAIKey, cfg.Models.OpenAIURL, httpClient, logger)
	}

	defaultProvider := cfg.ProviderFor(cfg.Models.Default)
	multi := llm.NewMultiClient(clients[defaultProvider])
	for name, c := range clients {
		multi.AddProvider(name, c)
	}
	for _, m := range cfg.Models.Available {
		multi.AddModel(m.Name, m.Provider)
	}
	logger.Info("LLM client initialized", "default_model", cfg.Models.Default, "default_provider", defaultProvider)
	return multi
}
