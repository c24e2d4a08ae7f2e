package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agentworkforce/callmanager/internal/config"
	"github.com/agentworkforce/callmanager/internal/contacts"
	"github.com/agentworkforce/callmanager/internal/httpapi"
	"github.com/agentworkforce/callmanager/internal/logging"
	"github.com/agentworkforce/callmanager/internal/schedule"
)

func main() {
	// A missing .env is normal outside development.
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:], os.LookupEnv); err != nil {
		fmt.Fprintf(os.Stderr, "callmanager: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, lookup func(string) (string, bool)) error {
	flags := flag.NewFlagSet("callmanager", flag.ContinueOnError)
	defaultConfig, _ := lookup(config.EnvPrefix + "CONFIG")
	configPath := flags.String("config", defaultConfig, "path to a YAML config file")
	if err := flags.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath, lookup)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, level, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	for _, warning := range cfg.Warnings {
		logger.Warn("ignored config value", zap.String("warning", warning))
	}

	a, err := newApp(cfg, appOptions{
		Logger:     logger,
		LogLevel:   &level,
		Registerer: prometheus.DefaultRegisterer,
		Gatherer:   prometheus.DefaultGatherer,
	})
	if err != nil {
		return err
	}
	defer a.close()

	listener, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Addr, err)
	}
	return a.serve(ctx, listener, *configPath)
}

type appOptions struct {
	Logger     *zap.Logger
	LogLevel   *zap.AtomicLevel
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer
	Now        func() time.Time
}

// app owns the long-lived pieces of the process: the store and its backend,
// the engine, the snapshotter and the HTTP handler.
type app struct {
	cfg       config.Config
	logger    *zap.Logger
	store     *contacts.Store
	engine    *contacts.Engine
	snapshots *contacts.Snapshotter
	handler   http.Handler
}

func newApp(cfg config.Config, opts appOptions) (*app, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	backend, err := contacts.BuildRecordBackendFromDSN(cfg.BackendDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize record backend: %w", err)
	}
	store, err := contacts.NewStore(contacts.StoreOptions{
		Backend:      backend,
		HistoryLimit: cfg.Import.HistoryLimit,
		Now:          opts.Now,
		Logger:       logger.Named("store"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load contacts: %w", err)
	}
	metrics := contacts.NewMetrics(opts.Registerer)
	engine := contacts.NewEngine(store, contacts.EngineOptions{
		Policy:          cfg.Policy,
		DefaultLockTTL:  cfg.Locks.DefaultTTL,
		MaxLockTTL:      cfg.Locks.MaxTTL,
		ImportPerMinute: cfg.Import.PerMinute,
		ImportBurst:     cfg.Import.Burst,
		PhoneRegion:     cfg.Import.PhoneRegion,
		Metrics:         metrics,
		Now:             opts.Now,
		Logger:          logger.Named("engine"),
	})

	sinks := []contacts.SnapshotSink{contacts.NewDirSnapshotSink(cfg.SnapshotDir())}
	if cfg.Snapshots.S3.Bucket != "" {
		s3Sink, err := contacts.NewS3SnapshotSink(contacts.S3SinkConfig{
			Bucket:    cfg.Snapshots.S3.Bucket,
			Prefix:    cfg.Snapshots.S3.Prefix,
			Region:    cfg.Snapshots.S3.Region,
			Endpoint:  cfg.Snapshots.S3.Endpoint,
			AccessKey: cfg.Snapshots.S3.AccessKey,
			SecretKey: cfg.Snapshots.S3.SecretKey,
		})
		if err != nil {
			engine.Hub().Close()
			_ = store.Close()
			return nil, fmt.Errorf("failed to initialize s3 snapshots: %w", err)
		}
		sinks = append(sinks, s3Sink)
	}
	snapshots := contacts.NewSnapshotter(store, sinks, contacts.SnapshotOptions{
		KeepDays: cfg.Snapshots.KeepDays,
		Now:      opts.Now,
		Logger:   logger.Named("snapshots"),
		Metrics:  metrics,
	})

	server := httpapi.NewServer(engine, httpapi.ServerConfig{
		JWTSecret:             cfg.Auth.JWTSecret,
		RateLimitMax:          cfg.Auth.RateLimitMax,
		RateLimitWindow:       cfg.Auth.RateLimitWindow,
		MaxBodyBytes:          cfg.HTTP.MaxBodyBytes,
		MaxConcurrentRequests: cfg.HTTP.MaxConcurrentRequests,
		CORSOrigins:           cfg.HTTP.CORSOrigins,
		LogLevel:              opts.LogLevel,
		Registerer:            opts.Registerer,
		Gatherer:              opts.Gatherer,
		Logger:                logger.Named("http"),
		Now:                   opts.Now,
	})
	if cfg.Auth.JWTSecret == "" {
		logger.Warn("no jwt secret configured, using the development secret")
	}
	logger.Info("contacts loaded",
		zap.String("backend", contacts.BackendName(backend)),
		zap.Int("contacts", store.Len()),
		zap.Int("active_leases", engine.Locks().Active()),
	)
	return &app{
		cfg:       cfg,
		logger:    logger,
		store:     store,
		engine:    engine,
		snapshots: snapshots,
		handler:   server,
	}, nil
}

// serve runs the HTTP server, the lease sweeper, the snapshot loop and, when
// a config file is in use, the policy watcher until ctx is cancelled or one
// of them fails.
func (a *app) serve(ctx context.Context, listener net.Listener, configPath string) error {
	if _, err := a.snapshots.Run(ctx); err != nil {
		a.logger.Warn("startup snapshot failed", zap.Error(err))
	}

	httpServer := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          zap.NewStdLog(a.logger.Named("http")),
	}
	sweeper := schedule.New("lease-sweep", a.cfg.Locks.SweepInterval, func(ctx context.Context) error {
		_, err := a.engine.SweepLeases(ctx)
		return err
	}, schedule.Options{Jitter: 0.1, Logger: a.logger})
	snapshotter := schedule.New("snapshot", a.cfg.Snapshots.Interval, func(ctx context.Context) error {
		_, err := a.snapshots.Run(ctx)
		return err
	}, schedule.Options{Jitter: 0.05, Logger: a.logger})

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		a.logger.Info("callmanager listening", zap.String("addr", listener.Addr().String()))
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		// Closing the hub ends open event streams so Shutdown does not wait on them.
		a.engine.Hub().Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.HTTP.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("graceful shutdown incomplete", zap.Error(err))
			return httpServer.Close()
		}
		return nil
	})
	group.Go(func() error { return sweeper.Run(ctx) })
	group.Go(func() error { return snapshotter.Run(ctx) })
	if configPath != "" {
		group.Go(func() error {
			return config.Watch(ctx, configPath, a.engine, config.WatchOptions{Logger: a.logger.Named("config")})
		})
	}

	err := group.Wait()
	// Final snapshot so the backups reflect the state at shutdown.
	finalCtx, cancel := context.WithTimeout(context.Background(), a.cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if _, snapErr := a.snapshots.Run(finalCtx); snapErr != nil {
		a.logger.Warn("shutdown snapshot failed", zap.Error(snapErr))
	}
	a.logger.Info("callmanager stopped")
	return err
}

func (a *app) close() {
	a.engine.Hub().Close()
	if err := a.store.Close(); err != nil {
		a.logger.Warn("failed to close store", zap.Error(err))
	}
}
