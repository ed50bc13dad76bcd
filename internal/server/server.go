// Package server builds the broker's dependencies from configuration and runs
// the HTTP server alongside the background sweepers.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/frame-progress-broker/internal/api"
	"github.com/JakeFAU/frame-progress-broker/internal/broker"
	"github.com/JakeFAU/frame-progress-broker/internal/clock/system"
	"github.com/JakeFAU/frame-progress-broker/internal/config"
	"github.com/JakeFAU/frame-progress-broker/internal/id/uuid"
	"github.com/JakeFAU/frame-progress-broker/internal/logging"
	"github.com/JakeFAU/frame-progress-broker/internal/progress"
	progresssinks "github.com/JakeFAU/frame-progress-broker/internal/progress/sinks"
	memorypublisher "github.com/JakeFAU/frame-progress-broker/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/frame-progress-broker/internal/publisher/pubsub"
	"github.com/JakeFAU/frame-progress-broker/internal/reaper"
	"github.com/JakeFAU/frame-progress-broker/internal/retry"
	localstorage "github.com/JakeFAU/frame-progress-broker/internal/storage/local"
	memorystorage "github.com/JakeFAU/frame-progress-broker/internal/storage/memory"
	pgstore "github.com/JakeFAU/frame-progress-broker/internal/storage/postgres"
	"github.com/JakeFAU/frame-progress-broker/internal/store"
)

// noticeBacklog bounds the notices kept by the in-memory notify driver.
const noticeBacklog = 1024

// App contains the application's dependencies.
type App struct {
	cfg        *config.Config
	logger     *zap.Logger
	registerer prometheus.Registerer
	clock      *system.Clock

	store     store.TaskStore
	pgStore   *pgstore.TaskStore
	hub       *progress.Hub
	publisher *gcppublisher.Publisher
	notices   *memorypublisher.Publisher
	reaper    *reaper.Reaper
	broker    *broker.Broker
	apiServer *api.Server
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, err := logging.New(logging.Options{
		Development: cfg.Logging.Development,
		Level:       cfg.Logging.Level,
	})
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	return build(ctx, cfg, logger, prometheus.DefaultRegisterer)
}

func build(ctx context.Context, cfg *config.Config, logger *zap.Logger, reg prometheus.Registerer) (*App, error) {
	app := &App{
		cfg:        cfg,
		logger:     logger,
		registerer: reg,
		clock:      system.New(),
	}
	logger.Info("building application dependencies",
		zap.Int("port", cfg.Server.Port),
		zap.String("store", cfg.Store.Driver),
		zap.String("notify", cfg.Notify.Driver),
		zap.Bool("reaper", cfg.Reaper.Enabled),
	)

	if err := app.setupStore(ctx); err != nil {
		return nil, err
	}
	publisher, err := app.setupPublisher(ctx)
	if err != nil {
		app.closeInfrastructure(ctx)
		return nil, err
	}
	if err := app.setupProgress(publisher); err != nil {
		app.closeInfrastructure(ctx)
		return nil, err
	}
	if err := app.setupReaper(); err != nil {
		app.closeInfrastructure(ctx)
		return nil, err
	}

	var tracker broker.TempTracker
	if app.reaper != nil {
		tracker = app.reaper
	}
	app.broker = broker.New(
		app.store,
		uuid.New(),
		app.clock,
		app.hub,
		tracker,
		broker.Config{
			PollInterval:      cfg.Stream.PollInterval,
			ReplayDelay:       cfg.Stream.ReplayDelay,
			CloseFlushDelay:   cfg.Stream.CloseFlushDelay,
			HeartbeatInterval: cfg.Stream.HeartbeatInterval,
			ClientStaleAfter:  cfg.Stream.ClientStaleAfter,
			PurgeDelay:        cfg.Lifecycle.PurgeDelay,
			StoreErrorBackoff: cfg.Stream.StoreErrorBackoff,
		},
		logger.Named("broker"),
	)
	var opts []api.Option
	if app.notices != nil {
		opts = append(opts, api.WithNotices(app.notices))
	}
	app.apiServer = api.NewServer(app.broker, *cfg, app.clock, logger.Named("api"), opts...)
	return app, nil
}

// Handler exposes the HTTP routes.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run starts the HTTP server, the janitor, and the temp reaper, and blocks
// until the context is canceled or one of them fails.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: a.cfg.Server.ReadHeaderTimeout,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout())
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("server shutdown error", zap.Error(err))
		}
		return nil
	})
	g.Go(func() error {
		a.logger.Info("janitor started", zap.Duration("interval", a.cfg.Lifecycle.JanitorInterval))
		return a.broker.RunJanitor(gctx, a.cfg.Lifecycle.JanitorInterval)
	})
	if a.reaper != nil {
		g.Go(func() error {
			a.logger.Info("temp reaper started", zap.Duration("interval", a.cfg.Reaper.Interval))
			return a.reaper.Run(gctx)
		})
	}
	runErr := g.Wait()

	closeCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout())
	defer cancel()
	if err := a.Close(closeCtx); err != nil {
		return errors.Join(runErr, err)
	}
	return runErr
}

// Reap runs one janitor sweep and one temp sweep, then returns.
func (a *App) Reap(ctx context.Context) error {
	res, err := a.broker.Sweep(ctx)
	if err != nil {
		return fmt.Errorf("janitor sweep: %w", err)
	}
	a.logger.Info("janitor sweep",
		zap.Int("expired_tasks", res.ExpiredTasks),
		zap.Int("evicted_clients", res.EvictedClients),
	)
	if a.reaper == nil {
		a.logger.Info("temp reaper disabled, skipping temp sweep")
		return nil
	}
	if _, err := a.reaper.Sweep(ctx); err != nil {
		return fmt.Errorf("temp sweep: %w", err)
	}
	return nil
}

// Close gracefully shuts down the application.
func (a *App) Close(ctx context.Context) error {
	if a.broker != nil {
		a.broker.Shutdown()
	}
	a.closeInfrastructure(ctx)
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.pgStore != nil {
		a.pgStore.Close()
	}
}

func (a *App) shutdownTimeout() time.Duration {
	if a.cfg.Server.ShutdownTimeout > 0 {
		return a.cfg.Server.ShutdownTimeout
	}
	return 10 * time.Second
}

func (a *App) setupStore(ctx context.Context) error {
	switch a.cfg.Store.Driver {
	case config.StorePostgres:
		pg, err := pgstore.NewTaskStore(ctx, pgstore.TaskStoreConfig{
			DSN:             a.cfg.Store.Postgres.DSN,
			TablePrefix:     a.cfg.Store.Postgres.TablePrefix,
			MaxConns:        a.cfg.Store.Postgres.MaxConns,
			MinConns:        a.cfg.Store.Postgres.MinConns,
			MaxConnLifetime: a.cfg.Store.Postgres.MaxConnLifetime,
			AutoMigrate:     a.cfg.Store.Postgres.AutoMigrate,
			TTL:             a.cfg.Store.TTL,
			MaxRecords:      a.cfg.Store.MaxRecords,
			KeepRecords:     a.cfg.Store.KeepRecords,
			Retry: retry.Config{
				MaxAttempts: a.cfg.Retry.Attempts,
				BaseDelay:   a.cfg.Retry.Backoff,
				Logger:      a.logger.Named("retry"),
			},
			Clock:  a.clock,
			Logger: a.logger.Named("postgres"),
		})
		if err != nil {
			return fmt.Errorf("postgres task store init failed: %w", err)
		}
		a.pgStore = pg
		a.store = pg
		a.logger.Info("using postgres task store", zap.String("table_prefix", a.cfg.Store.Postgres.TablePrefix))
	default:
		a.store = memorystorage.NewTaskStore(memorystorage.TaskStoreConfig{
			TTL:         a.cfg.Store.TTL,
			MaxRecords:  a.cfg.Store.MaxRecords,
			KeepRecords: a.cfg.Store.KeepRecords,
			Clock:       a.clock,
		})
		a.logger.Info("using in-memory task store")
	}
	return nil
}

func (a *App) setupPublisher(ctx context.Context) (progresssinks.Publisher, error) {
	switch a.cfg.Notify.Driver {
	case config.NotifyPubSub:
		client, err := pubsub.NewClient(ctx, a.cfg.Notify.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("pubsub client init failed: %w", err)
		}
		a.publisher = gcppublisher.New(client, map[string]string{"source": "frame-progress-broker"})
		a.logger.Info("Pub/Sub publisher initialized",
			zap.String("project", a.cfg.Notify.ProjectID),
			zap.String("topic", a.cfg.Notify.Topic),
		)
		return a.publisher, nil
	case config.NotifyMemory:
		a.logger.Info("using in-memory completion publisher; notices served at /api/notices")
		a.notices = memorypublisher.NewBounded(noticeBacklog)
		return a.notices, nil
	default:
		a.logger.Debug("completion notices disabled")
		return nil, nil
	}
}

func (a *App) setupProgress(publisher progresssinks.Publisher) error {
	promSink, err := progresssinks.NewPrometheusSink(a.registerer)
	if err != nil {
		return fmt.Errorf("prometheus sink init failed: %w", err)
	}
	sinkList := []progress.Sink{promSink}
	if a.cfg.Events.Log {
		sinkList = append(sinkList, progresssinks.NewLogSink(a.logger.Named("progress_log")))
		a.logger.Debug("Added progress log sink")
	}
	if publisher != nil {
		sinkList = append(sinkList, progresssinks.NewNotifySink(publisher, a.cfg.Notify.Topic, a.logger.Named("notify")))
		a.logger.Debug("Added completion notice sink", zap.String("topic", a.cfg.Notify.Topic))
	}
	hubCfg := progress.HubConfig{
		BufferSize:     a.cfg.Events.BufferSize,
		MaxBatchEvents: a.cfg.Events.MaxBatchEvents,
		MaxBatchWait:   a.cfg.Events.MaxBatchWait,
		Logger:         a.logger.Named("progress_hub"),
	}
	a.hub = progress.NewHub(hubCfg, sinkList...)
	a.logger.Info("progress hub initialized",
		zap.Int("sinks", len(sinkList)),
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Int("max_batch_events", hubCfg.MaxBatchEvents),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
	)
	return nil
}

func (a *App) setupReaper() error {
	if !a.cfg.Reaper.Enabled {
		a.logger.Info("temp reaper disabled")
		return nil
	}
	dir, err := localstorage.Open(localstorage.Config{BaseDir: a.cfg.Reaper.TempDir})
	if err != nil {
		return fmt.Errorf("temp dir init failed: %w", err)
	}
	a.reaper = reaper.New(dir, a.clock, a.hub, reaper.Config{
		Retention: a.cfg.Reaper.Retention,
		Interval:  a.cfg.Reaper.Interval,
	}, a.logger.Named("reaper"))
	a.logger.Info("temp reaper initialized",
		zap.String("dir", dir.Path()),
		zap.Duration("retention", a.cfg.Reaper.Retention),
	)
	return nil
}
