package app

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

	"golang.org/x/sync/errgroup"

	"github.com/foxzi/wacast/internal/ai"
	"github.com/foxzi/wacast/internal/api"
	"github.com/foxzi/wacast/internal/broadcast"
	"github.com/foxzi/wacast/internal/campaign"
	"github.com/foxzi/wacast/internal/config"
	"github.com/foxzi/wacast/internal/conversation"
	"github.com/foxzi/wacast/internal/dispatch"
	"github.com/foxzi/wacast/internal/events"
	"github.com/foxzi/wacast/internal/instance"
	"github.com/foxzi/wacast/internal/metrics"
	"github.com/foxzi/wacast/internal/usage"
	"github.com/foxzi/wacast/internal/wa"
	"github.com/foxzi/wacast/internal/warmup"
)

// App is the main application
type App struct {
	config        *config.Config
	logger        *slog.Logger
	store         campaign.Store
	directory     *instance.SQLDirectory
	supervisor    *campaign.Supervisor
	cleaner       *campaign.Cleaner
	limiter       *usage.Limiter
	publisher     *events.Publisher
	collector     *metrics.Collector
	metricsServer *metrics.Server
	apiServer     *api.Server
}

// New wires all components from cfg
func New(cfg *config.Config, version string) (*App, error) {
	logger := setupLogger(cfg.Logging)
	a := &App{config: cfg, logger: logger}

	if err := a.build(version); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(version string) error {
	cfg := a.config
	logger := a.logger

	// Campaign store
	var err error
	switch cfg.Storage.Driver {
	case "memory":
		a.store = campaign.NewMemoryStore()
		logger.Warn("using in-memory campaign storage, state is lost on restart")
	default:
		bs, err := campaign.NewBoltStore(cfg.Storage.Path)
		if err != nil {
			return fmt.Errorf("failed to create storage: %w", err)
		}
		a.store = bs
	}

	// Instance directory
	a.directory, err = instance.OpenSQL(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return err
	}
	if cfg.Database.Migrate {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := a.directory.Migrate(ctx)
		cancel()
		if err != nil {
			return err
		}
	}

	// Send backend
	client := wa.NewClient(cfg.SendAPI.BaseURL, cfg.SendAPI.Timeout)
	client.SetProbePath(cfg.SendAPI.ProbePath)

	var live instance.LiveChecker
	if cfg.SendAPI.LiveStatus {
		live = client
		logger.Info("live instance status checks enabled")
	}
	instances := instance.NewService(a.directory, live)

	// Usage limits share the bolt file with the campaign store
	var reserver usage.Reserver
	if cfg.UsageLimit.Enabled {
		bs, ok := a.store.(*campaign.BoltStore)
		if !ok {
			return fmt.Errorf("usage limits require bolt storage")
		}
		a.limiter, err = usage.NewLimiter(bs.DB(), usage.Config{
			PerOwner:      limitConfig(cfg.UsageLimit.PerOwner),
			PerInstance:   limitConfig(cfg.UsageLimit.PerInstance),
			FlushInterval: cfg.UsageLimit.FlushInterval,
		})
		if err != nil {
			return fmt.Errorf("failed to create usage limiter: %w", err)
		}
		reserver = a.limiter
		logger.Info("usage limits enabled")
	}

	// Observers
	var observers []campaign.Observer
	if cfg.Metrics.Enabled {
		m := metrics.New()
		metrics.SetGlobal(m)
		storagePath := ""
		if cfg.Storage.Driver == "bolt" {
			storagePath = cfg.Storage.Path
		}
		a.collector = metrics.NewCollector(m, nil, storagePath, cfg.Metrics.FlushInterval)
		a.metricsServer = metrics.NewServer(m, cfg.Metrics.ListenAddr, cfg.Metrics.Path,
			cfg.Metrics.AllowedIPs, logger.With("component", "metrics"))
		observers = append(observers, a.collector)
	}
	if cfg.Events.Enabled {
		a.publisher, err = events.NewPublisher(cfg.Events, logger.With("component", "events"))
		if err != nil {
			return err
		}
		observers = append(observers, a.publisher)
		logger.Info("campaign events enabled", "exchange", cfg.Events.Exchange)
	}

	registry := campaign.NewRegistry(a.store)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	stale, err := registry.CompleteStale(ctx)
	cancel()
	if err != nil {
		return fmt.Errorf("failed to complete stale campaigns: %w", err)
	}
	if stale > 0 {
		logger.Warn("marked campaigns from a previous run completed", "count", stale)
	}

	a.supervisor = campaign.NewSupervisor(registry, logger.With("component", "supervisor"), observers...)
	if a.collector != nil {
		a.collector.SetActiveProvider(a.supervisor)
	}
	a.cleaner = campaign.NewCleaner(a.store, campaign.CleanerConfig{
		MaxAge:   cfg.Campaign.Retention,
		Interval: cfg.Campaign.CleanupInterval,
	}, logger.With("component", "cleaner"))

	disp := dispatch.New(registry, dispatch.Config{
		Tick:        cfg.Campaign.Tick,
		Cooldown:    cfg.Campaign.Cooldown,
		SendTimeout: cfg.Campaign.SendTimeout,
	}, logger.With("component", "dispatcher"))

	providers := func(ctx context.Context, name, apiKey string) (ai.Provider, error) {
		if apiKey == "" {
			apiKey = cfg.AI.APIKey(name)
		}
		return ai.New(ctx, cfg.AI.Config, name, apiKey)
	}

	a.apiServer = api.NewServer(api.Deps{
		Supervisor: a.supervisor,
		Broadcast: broadcast.NewRunner(a.supervisor, disp, instances, client, client, reserver,
			logger.With("component", "broadcast")),
		Warmup: warmup.NewEngine(a.supervisor, disp, instances, client, reserver, warmup.Config{
			MinDelay: cfg.Campaign.WarmupMinDelay,
			MaxDelay: cfg.Campaign.WarmupMaxDelay,
		}, logger.With("component", "warmup")),
		Conversation: conversation.NewEngine(a.supervisor, disp, instances, client, providers, reserver, conversation.Config{
			MinDelay:      cfg.Campaign.WarmupMinDelay,
			MaxDelay:      cfg.Campaign.WarmupMaxDelay,
			SafetyPause:   cfg.Campaign.SafetyPause,
			PauseEveryMin: cfg.Campaign.PauseEveryMin,
			PauseEveryMax: cfg.Campaign.PauseEveryMax,
		}, logger.With("component", "conversation")),
		Usage:           a.limiter,
		DefaultProvider: cfg.AI.DefaultProvider,
		Version:         version,
	}, &cfg.API, logger.With("component", "api"))

	return nil
}

func limitConfig(v *config.LimitValues) *usage.LimitConfig {
	if v == nil {
		return nil
	}
	return &usage.LimitConfig{
		MessagesPerHour: v.MessagesPerHour,
		MessagesPerDay:  v.MessagesPerDay,
	}
}

// Handler returns the API handler
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run starts all components and waits for shutdown
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("starting wacast",
		"api_addr", a.config.API.ListenAddr,
		"send_api", a.config.SendAPI.BaseURL,
		"storage", a.config.Storage.Driver,
		"database", a.config.Database.Driver,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if a.collector != nil {
		a.collector.Start(ctx)
	}
	a.cleaner.Start(ctx)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := a.apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})

	if a.metricsServer != nil {
		g.Go(func() error {
			if err := a.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		if ctx.Err() != nil {
			a.logger.Info("shutdown signal received")
		}
		return a.Shutdown(context.Background())
	})

	return g.Wait()
}

// Shutdown gracefully shuts down all components
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	// Stop accepting new campaigns first
	if err := a.apiServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("api server shutdown error", "error", err)
	}

	if err := a.supervisor.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("campaign tasks did not stop in time", "error", err)
	}

	a.cleaner.Stop()
	if a.collector != nil {
		a.collector.Stop()
	}

	if a.metricsServer != nil {
		if err := a.metricsServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("metrics server shutdown error", "error", err)
		}
	}

	a.close()
	a.logger.Info("shutdown complete")
	return nil
}

// close releases storage and broker connections
func (a *App) close() {
	if a.limiter != nil {
		if err := a.limiter.Stop(); err != nil {
			a.logger.Error("usage limiter stop error", "error", err)
		}
	}
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.logger.Error("event publisher close error", "error", err)
		}
	}
	if a.directory != nil {
		if err := a.directory.Close(); err != nil {
			a.logger.Error("database close error", "error", err)
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Error("storage close error", "error", err)
		}
	}
}

// setupLogger creates a logger based on configuration
func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var handler slog.Handler

	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler).With("service", "wacast")
}
