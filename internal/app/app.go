// Package app initializes and holds the long-lived services, acting as
// the dependency injection container for the monitor.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/listingwatch/listingwatch/internal/api"
	"github.com/listingwatch/listingwatch/internal/clock/system"
	"github.com/listingwatch/listingwatch/internal/config"
	"github.com/listingwatch/listingwatch/internal/diff"
	"github.com/listingwatch/listingwatch/internal/dispatcher"
	"github.com/listingwatch/listingwatch/internal/fetcher/collyindex"
	"github.com/listingwatch/listingwatch/internal/fetcher/jsonindex"
	"github.com/listingwatch/listingwatch/internal/id/uuid"
	"github.com/listingwatch/listingwatch/internal/logging"
	"github.com/listingwatch/listingwatch/internal/monitor"
	"github.com/listingwatch/listingwatch/internal/notify"
	"github.com/listingwatch/listingwatch/internal/policy/breaker"
	"github.com/listingwatch/listingwatch/internal/policy/ratelimit"
	"github.com/listingwatch/listingwatch/internal/scheduler"
	"github.com/listingwatch/listingwatch/internal/store"
	"github.com/listingwatch/listingwatch/internal/store/memory"
	"github.com/listingwatch/listingwatch/internal/store/postgres"
	"github.com/listingwatch/listingwatch/internal/store/rediscache"
)

// App holds the shared, long-lived services for the monitor. It is built
// once at startup from configuration and owns the shutdown order.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	store      monitor.Store
	hub        *notify.Hub
	scheduler  *scheduler.Scheduler
	dispatcher *dispatcher.Dispatcher
	server     *api.Server
}

// New builds the full service graph from configuration.
func New(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}

	clk := system.New()
	idGen := uuid.NewGenerator()
	retry := store.RetryPolicy{
		MaxRetries: cfg.Store.OutboxMaxRetries,
		Base:       time.Duration(cfg.Store.RetryBaseMs) * time.Millisecond,
		Cap:        time.Duration(cfg.Store.RetryCapMs) * time.Millisecond,
	}

	st, err := buildStore(ctx, cfg, clk, retry, logger)
	if err != nil {
		return nil, err
	}

	fetch, err := buildFetcher(cfg, clk, logger)
	if err != nil {
		st.Close()
		return nil, err
	}

	engine, err := diff.New(diff.Config{
		MinSignificance: cfg.Diff.MinSignificance,
		IgnoreFields:    cfg.Diff.IgnoreFields,
		HistoryLimit:    cfg.Diff.HistoryLimit,
	}, clk, idGen, logger)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("build diff engine: %w", err)
	}

	limiter := ratelimit.New(clk)
	brk := breaker.New(breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		OpenDuration:     time.Duration(cfg.Breaker.OpenDurationSeconds) * time.Second,
		HalfOpenProbe:    cfg.Breaker.HalfOpenProbe,
	}, clk)

	sched := scheduler.New(scheduler.Config{
		MaxConcurrentPolls:    cfg.Scheduler.MaxConcurrentPolls,
		PollInterval:          cfg.PollInterval(),
		QueueDepth:            cfg.Scheduler.QueueDepth,
		ReconcileInterval:     time.Duration(cfg.Scheduler.ReconcileHours) * time.Hour,
		WatchdogInterval:      time.Duration(cfg.Scheduler.WatchdogSeconds) * time.Second,
		TaskCeiling:           time.Duration(cfg.Scheduler.TaskCeilingSeconds) * time.Second,
		DrainDeadline:         time.Duration(cfg.Scheduler.DrainDeadlineSeconds) * time.Second,
		PollDeadline:          time.Duration(cfg.Scheduler.PollDeadlineSeconds) * time.Second,
		ParseFailureTolerance: cfg.Scheduler.ParseFailureTolerance,
		Peak: scheduler.PeakHours{
			StartHour: cfg.Scheduler.PeakStartHour,
			EndHour:   cfg.Scheduler.PeakEndHour,
		},
	}, st, fetch, engine, limiter, brk, clk, logger)

	hub := notify.NewHub(clk, logger)
	registry := notify.NewRegistry()
	registry.Register(monitor.SubscriberWebhook, notify.NewWebhook(notify.WebhookConfig{
		Secret:        cfg.Dispatcher.WebhookSecret,
		Timeout:       time.Duration(cfg.Dispatcher.DeliveryTimeoutSeconds) * time.Second,
		EndpointRPS:   cfg.Dispatcher.EndpointRPS,
		EndpointBurst: cfg.Dispatcher.EndpointBurst,
	}, clk, logger))
	registry.Register(monitor.SubscriberWebSocket, hub)
	registry.Register(monitor.SubscriberEmail, notify.NewEmail(notify.EmailConfig{
		Host:     cfg.Email.Host,
		Port:     cfg.Email.Port,
		Username: cfg.Email.Username,
		Password: cfg.Email.Password,
		From:     cfg.Email.From,
	}, clk, logger))

	disp := dispatcher.New(dispatcher.Config{
		ProcessingInterval: cfg.ProcessingInterval(),
		BatchSize:          cfg.Dispatcher.BatchSize,
		Workers:            cfg.Dispatcher.Workers,
		Lease:              time.Duration(cfg.Dispatcher.LeaseSeconds) * time.Second,
	}, st, registry, clk, logger)

	server := api.NewServer(st, sched, hub, idGen, clk, logger)

	return &App{
		cfg:        cfg,
		logger:     logger,
		store:      st,
		hub:        hub,
		scheduler:  sched,
		dispatcher: disp,
		server:     server,
	}, nil
}

func buildStore(
	ctx context.Context,
	cfg config.Config,
	clk monitor.Clock,
	retry store.RetryPolicy,
	logger *zap.Logger,
) (monitor.Store, error) {
	var durable monitor.Store
	switch cfg.Store.Provider {
	case "memory":
		durable = memory.New(clk, retry)
	case "postgres":
		pg, err := postgres.New(ctx, postgres.Config{
			DSN:      cfg.Store.Path,
			MaxConns: int32(cfg.Store.MaxConns),
		}, clk, retry)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		if err := pg.Migrate(ctx); err != nil {
			pg.Close()
			return nil, fmt.Errorf("migrate postgres: %w", err)
		}
		durable = pg
	default:
		return nil, fmt.Errorf("unknown store provider %q", cfg.Store.Provider)
	}

	if !cfg.Redis.Enabled {
		return durable, nil
	}
	cache, err := rediscache.New(ctx, rediscache.Config{
		Addr: cfg.RedisAddr(),
		TTL:  time.Duration(cfg.Redis.TTLSeconds) * time.Second,
	}, logger)
	if err != nil {
		durable.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return store.WithCache(durable, cache), nil
}

func buildFetcher(cfg config.Config, clk monitor.Clock, logger *zap.Logger) (monitor.Fetcher, error) {
	timeout := time.Duration(cfg.Fetcher.TimeoutSeconds) * time.Second
	switch cfg.Fetcher.Provider {
	case "jsonindex":
		return jsonindex.New(jsonindex.Config{
			UserAgent: cfg.Fetcher.UserAgent,
			Timeout:   timeout,
			MaxPages:  cfg.Fetcher.MaxPages,
		}, clk, logger), nil
	case "colly":
		return collyindex.New(collyindex.Config{
			UserAgent:        cfg.Fetcher.UserAgent,
			Timeout:          timeout,
			MaxPages:         cfg.Fetcher.MaxPages,
			ItemSelector:     cfg.Fetcher.ItemSelector,
			IDAttr:           cfg.Fetcher.IDAttr,
			TitleSelector:    cfg.Fetcher.TitleSelector,
			PriceSelector:    cfg.Fetcher.PriceSelector,
			ConditionSel:     cfg.Fetcher.ConditionSel,
			LocationSelector: cfg.Fetcher.LocationSelector,
			ImageSelector:    cfg.Fetcher.ImageSelector,
			NextPageSelector: cfg.Fetcher.NextPageSelector,
		}, clk, logger)
	default:
		return nil, fmt.Errorf("unknown fetcher provider %q", cfg.Fetcher.Provider)
	}
}

// Logger returns the shared zap logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Store returns the durable store (possibly cache-wrapped).
func (a *App) Store() monitor.Store {
	return a.store
}

// Scheduler returns the poll scheduler.
func (a *App) Scheduler() *scheduler.Scheduler {
	return a.scheduler
}

// Handler returns the admin API handler.
func (a *App) Handler() http.Handler {
	return a.server.Handler()
}

// Run starts the scheduler, dispatcher, and HTTP server, blocking until
// the context finishes, then shuts everything down in reverse order.
func (a *App) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan struct{}, 2)
	go func() {
		a.scheduler.Run(runCtx)
		done <- struct{}{}
	}()
	go func() {
		a.dispatcher.Run(runCtx)
		done <- struct{}{}
	}()

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http server listening", zap.Int("port", a.cfg.Server.Port))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("http shutdown", zap.Error(err))
	}

	// Wait for the scheduler and dispatcher to drain.
	for range 2 {
		select {
		case <-done:
		case <-shutdownCtx.Done():
		}
	}

	a.store.Close()
	_ = a.logger.Sync()
	return runErr
}
