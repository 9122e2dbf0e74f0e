package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"agentfabric/internal/adapter/artifact"
	"agentfabric/internal/adapter/embedding"
	"agentfabric/internal/adapter/hosted"
	"agentfabric/internal/adapter/llm"
	"agentfabric/internal/adapter/membus"
	"agentfabric/internal/adapter/memory"
	"agentfabric/internal/adapter/redisbus"
	"agentfabric/internal/domain"
	"agentfabric/internal/infra/config"
	"agentfabric/internal/infra/metrics"
	"agentfabric/internal/usecase/agent"
	"agentfabric/internal/usecase/orchestrator"
	"agentfabric/internal/usecase/planner"
	"agentfabric/internal/usecase/runtimeconfig"
	"agentfabric/internal/usecase/session"
	"agentfabric/internal/usecase/thread"
	"agentfabric/internal/usecase/worker"
)

// app is the wired worker process.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	bus      domain.MessageBus
	metrics  *metrics.Metrics
	factory  *agent.Factory
	registry *session.Registry
	locker   *session.Locker
	reaper   *session.Reaper
	pool     *worker.Pool
	closers  []func() error
}

// newBus connects the configured message bus backend.
func newBus(ctx context.Context, cfg config.BusConfig, logger *slog.Logger) (domain.MessageBus, error) {
	switch cfg.Backend {
	case "memory":
		return membus.New(logger), nil
	case "redis", "":
		return redisbus.New(ctx, redisbus.Options{
			URL:           cfg.RedisURL,
			Password:      cfg.Password,
			DB:            cfg.DB,
			TaskQueue:     cfg.TaskQueue,
			ChannelPrefix: cfg.ChannelPrefix,
			CacheTTL:      cfg.CacheTTL,
		}, logger)
	default:
		return nil, fmt.Errorf("unsupported bus backend %q", cfg.Backend)
	}
}

// loadRuntimeDefault returns the fallback runtime configuration.
func loadRuntimeDefault(cfg config.RuntimeConfig) (*runtimeconfig.ResolvedConfig, error) {
	return runtimeconfig.Load(cfg.DefaultPath)
}

// buildApp wires every component. On error, whatever was opened is closed.
func buildApp(ctx context.Context, cfg *config.Config, log *slog.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, logger: log, metrics: metrics.New()}
	defer func() {
		if err != nil {
			_ = a.close()
		}
	}()

	a.bus, err = newBus(ctx, cfg.Bus, log)
	if err != nil {
		return nil, fmt.Errorf("message bus: %w", err)
	}
	a.closers = append(a.closers, a.bus.Close)

	providers, err := llm.NewRegistryFromConfig(ctx, cfg.LLM, log)
	if err != nil {
		return nil, fmt.Errorf("llm providers: %w", err)
	}

	var platform domain.HostedPlatform
	if cfg.Hosted.Enabled {
		client, err := hosted.NewFromConfig(cfg.Hosted, cfg.LLM.CircuitBreaker, log)
		if err != nil {
			return nil, fmt.Errorf("hosted platform: %w", err)
		}
		platform = client
	}

	deps := orchestrator.Deps{Publisher: a.bus, Platform: platform, Metrics: a.metrics, Logger: log}
	store, err := artifact.NewFromConfig(cfg.Artifacts, log)
	if err != nil {
		return nil, fmt.Errorf("artifact store: %w", err)
	}
	if store != nil {
		deps.Artifacts = store
		deps.Reports = store
	}

	var mem domain.MemoryStore
	if cfg.Memory.Enabled {
		ms, memErr := openMemory(cfg.Memory, log)
		if memErr != nil {
			// Memory only enriches planning; run without it.
			log.Warn("agent memory disabled", "error", memErr)
		} else {
			mem = ms
			if c, ok := ms.(io.Closer); ok {
				a.closers = append(a.closers, c.Close)
			}
		}
	}

	fallback, err := loadRuntimeDefault(cfg.Runtime)
	if err != nil {
		return nil, fmt.Errorf("default runtime config: %w", err)
	}
	resolver := runtimeconfig.NewResolver(a.bus, fallback, log)

	a.factory = agent.NewFactory(agent.NewConstructor(agent.Deps{
		Providers: providers,
		Platform:  platform,
		Memory:    mem,
		Logger:    log,
	}), agent.DefaultSpecs(), log)
	deps.Factory = a.factory
	deps.Binder = thread.NewBinder(platform, cfg.Sessions.HistoryLimit, log)
	deps.Planner = planner.New(a.factory, planner.Config{
		MinRelevance: cfg.Memory.MinRelevance,
		MaxResults:   cfg.Memory.MaxResults,
	}, log)

	build := orchestrator.NewSessionBuilder(resolver, deps, orchestrator.Options{
		RunTimeout:   cfg.Workers.RunTimeout,
		HistoryLimit: cfg.Sessions.HistoryLimit,
	})

	a.registry = session.NewRegistry(a.metrics, log)
	a.locker = session.NewLocker()
	a.reaper, err = session.NewReaper(a.registry, a.locker, cfg.Sessions.IdleTTL, cfg.Sessions.ReapSchedule, log)
	if err != nil {
		return nil, fmt.Errorf("session reaper: %w", err)
	}
	a.pool = worker.NewPool(a.bus, a.bus, a.registry, a.locker, build, worker.Config{
		PollInterval: cfg.Workers.PollInterval,
	}, a.metrics, log)
	return a, nil
}

func openMemory(cfg config.MemoryConfig, log *slog.Logger) (domain.MemoryStore, error) {
	embedder, err := embedding.NewFromConfig(cfg.Embedding)
	if err != nil {
		return nil, err
	}
	if embedder == nil {
		return nil, domain.ErrMemoryUnavailable
	}
	return memory.New(cfg.DBPath, embedder, log)
}

// start launches the reaper and the workers.
func (a *app) start(ctx context.Context) {
	a.reaper.Start(ctx)
	a.pool.Start(ctx, a.cfg.Workers.Count)
}

// shutdown stops intake, waits for in-flight tasks, then releases every
// session and singleton agent.
func (a *app) shutdown(ctx context.Context) error {
	a.pool.Stop()
	a.reaper.Stop()
	return errors.Join(
		a.registry.CloseAll(ctx),
		a.factory.Close(ctx),
	)
}

func (a *app) close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}
