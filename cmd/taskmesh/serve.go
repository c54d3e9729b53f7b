package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hupe1980/taskmesh/bus"
	"github.com/hupe1980/taskmesh/config"
	"github.com/hupe1980/taskmesh/core"
	"github.com/hupe1980/taskmesh/dispatch"
	"github.com/hupe1980/taskmesh/engine"
	"github.com/hupe1980/taskmesh/logging"
	"github.com/hupe1980/taskmesh/metrics"
	"github.com/hupe1980/taskmesh/registry"
	"github.com/hupe1980/taskmesh/server"
	"github.com/hupe1980/taskmesh/store"
	etcdstore "github.com/hupe1980/taskmesh/store/etcd"
)

var definitionsDir string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run an orchestration node",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().StringVar(&definitionsDir, "definitions", "", "directory of workflow definition files to register on startup")
}

func runServe(ctx context.Context) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	logger, err := logging.New(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, closeStore, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
	}

	eventBus := bus.New(func(o *bus.Options) {
		o.RedeliveryLimit = cfg.Bus.RedeliveryLimit
		o.BufferSize = cfg.Bus.BufferSize
		o.Logger = logger.Named("bus")
		o.Metrics = m
	})
	reg := registry.New(func(o *registry.Options) {
		o.Store = st
		o.Bus = eventBus
		o.Logger = logger.Named("registry")
		o.Metrics = m
		o.HeartbeatInterval = cfg.Registry.HeartbeatInterval
		o.MissThreshold = cfg.Registry.MissThreshold
		o.OfflineGrace = cfg.Registry.OfflineGrace
	})
	disp := dispatch.New(func(o *dispatch.Options) {
		o.Registry = reg
		o.Store = st
		o.Logger = logger.Named("dispatch")
		o.QueueSize = cfg.Dispatch.QueueSize
		o.Breaker = core.BreakerPolicy{
			FailureThreshold: cfg.Dispatch.Breaker.FailureThreshold,
			CoolDown:         cfg.Dispatch.Breaker.CoolDown,
			HalfOpenProbes:   cfg.Dispatch.Breaker.HalfOpenProbes,
		}
	})
	eng := engine.New(func(o *engine.Options) {
		o.Store = st
		o.Bus = eventBus
		o.Dispatcher = disp
		o.Logger = logger.Named("engine")
		o.Metrics = m
		o.Group = cfg.Engine.Group
	})
	reg.SetOnOffline(eng.HandleAgentOffline)

	// With a durable backend the in-memory caches are rebuilt from it, so
	// registrations and definitions survive a node restart.
	if cfg.Store.Backend != "memory" {
		if err := reg.Rebuild(ctx); err != nil {
			return err
		}
		if err := eng.Definitions().Rebuild(ctx); err != nil {
			return err
		}
	}

	if definitionsDir != "" {
		defs, err := loadDefinitionDir(definitionsDir)
		if err != nil {
			return err
		}
		for _, def := range defs {
			err := eng.RegisterDefinition(ctx, def)
			if errors.Is(err, engine.ErrDefinitionExists) {
				logger.Debug("definition %s v%d already registered", def.ID, def.Version)
				continue
			}
			if err != nil {
				return err
			}
			logger.Info("registered definition %s v%d", def.ID, def.Version)
		}
	}

	if err := eng.Start(ctx); err != nil {
		return err
	}
	reg.Start(ctx)
	go purgeLoop(ctx, eng, cfg.Engine.Retention, logger)

	srv := server.New(func(o *server.Options) {
		o.Engine = eng
		o.Registry = reg
		o.Dispatcher = disp
		o.Metrics = m
		o.Logger = logger.Named("http")
	})

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening on %s", cfg.Server.Addr)
		errCh <- srv.Start(cfg.Server.Addr)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func openStore(cfg *config.Config) (core.StateStore, func(), error) {
	switch cfg.Store.Backend {
	case "etcd":
		st, err := etcdstore.New(etcdstore.Config{
			Endpoints:   cfg.Store.Etcd.Endpoints,
			DialTimeout: cfg.Store.Etcd.DialTimeout,
			Prefix:      cfg.Store.Etcd.Prefix,
		})
		if err != nil {
			return nil, nil, err
		}
		return st, func() { _ = st.Close() }, nil
	default:
		return store.NewInMemoryStore(), func() {}, nil
	}
}

// purgeLoop removes finished instances older than the retention window.
func purgeLoop(ctx context.Context, eng *engine.Engine, retention time.Duration, logger logging.Logger) {
	if retention <= 0 {
		return
	}
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := eng.PurgeFinished(ctx, retention)
			if err != nil {
				logger.Warn("purge failed: %v", err)
				continue
			}
			if n > 0 {
				logger.Info("purged %d finished instances", n)
			}
		}
	}
}
