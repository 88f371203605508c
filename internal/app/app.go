// Package app assembles the fleet daemon: config, logging, storage, the
// transport engine, the session supervisor, the broadcast scheduler and the
// HTTP boundary, all running under one runtime supervisor.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"

	"wafleet/internal/broadcast"
	"wafleet/internal/category"
	"wafleet/internal/config"
	"wafleet/internal/eventbus"
	"wafleet/internal/httpapi"
	"wafleet/internal/janitor"
	"wafleet/internal/notifier"
	"wafleet/internal/registry"
	"wafleet/internal/runtime/supervisor"
	"wafleet/internal/session"
	"wafleet/internal/storage"
	"wafleet/internal/transport"
	"wafleet/internal/transport/loopback"
	logx "wafleet/pkg/logx"
)

// envOverrides are applied on top of the config file so deployments can
// tweak the essentials without editing it. Prefix: WAFLEET_.
type envOverrides struct {
	Listen      string `envconfig:"LISTEN"`
	StoragePath string `envconfig:"STORAGE_PATH"`
	LogLevel    string `envconfig:"LOG_LEVEL"`
}

type App struct {
	cfgMgr *config.Manager
	logSvc *logx.Service
	log    logx.Logger

	store    storage.Store
	engine   transport.Engine
	bus      eventbus.Bus
	run      *supervisor.Supervisor
	reg      *registry.Registry
	ledger   *category.Ledger
	sessions *session.Supervisor
	sched    *broadcast.Scheduler
	jan      *janitor.Service

	stopped bool
}

func New(cfgPath string) (*App, error) {
	mgr := config.NewManager(cfgPath)
	cfg, err := mgr.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	var env envOverrides
	if err := envconfig.Process("wafleet", &env); err != nil {
		return nil, fmt.Errorf("env overrides: %w", err)
	}
	applyEnv(cfg, env)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	mgr.Commit(cfg)

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	mgr.SetLogger(log.With(logx.String("comp", "config")))
	mgr.SetValidator(func(ctx context.Context, cfg *config.Config) error {
		return cfg.Validate()
	})

	return &App{cfgMgr: mgr, logSvc: logSvc, log: log}, nil
}

func applyEnv(cfg *config.Config, env envOverrides) {
	if v := strings.TrimSpace(env.Listen); v != "" {
		cfg.Server.Listen = v
	}
	if v := strings.TrimSpace(env.StoragePath); v != "" {
		cfg.Storage.Path = v
	}
	if v := strings.TrimSpace(env.LogLevel); v != "" {
		cfg.Logging.Level = v
	}
}

func (a *App) Start(ctx context.Context) error {
	cfg := a.cfgMgr.Get()
	if cfg == nil {
		return errors.New("app: config not loaded")
	}

	a.run = supervisor.New(ctx, supervisor.WithLogger(a.log.With(logx.String("comp", "supervisor"))))
	a.bus = eventbus.New()

	store, err := storage.Open(storage.Config{
		Path:        cfg.Storage.Path,
		BusyTimeout: cfg.StorageBusyTimeout(),
	}, a.log.With(logx.String("comp", "storage")))
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	a.store = store

	a.engine, err = buildEngine(cfg)
	if err != nil {
		return err
	}

	a.reg = registry.New(a.store)
	a.ledger = category.New(a.store)

	a.sessions = session.New(session.Config{
		ReconnectMin: cfg.SessionReconnectMin(),
		ReconnectMax: cfg.SessionReconnectMax(),
		MaxAttempts:  cfg.Session.MaxAttempts,
	}, a.engine, a.run, a.bus, a.log.With(logx.String("comp", "session")))

	a.sched = broadcast.New(broadcast.Config{
		DefaultInterval: cfg.BroadcastDefaultInterval(),
		IdleTTL:         cfg.BroadcastIdleTTL(),
	}, a.sessions, a.reg, a.ledger, a.run, a.bus, a.log.With(logx.String("comp", "broadcast")))
	a.sessions.SetCampaignStopper(a.sched)

	a.jan = janitor.New(janitor.Config{
		ReconcileSpec: cfg.Janitor.ReconcileSpec,
		PruneSpec:     cfg.Janitor.PruneSpec,
		Timezone:      cfg.Janitor.Timezone,
	}, a.store, a.reg, a.sessions, a.sched, a.log.With(logx.String("comp", "janitor")))
	if cfg.Janitor.Enabled {
		if err := a.jan.Start(a.run.Context()); err != nil {
			return fmt.Errorf("start janitor: %w", err)
		}
		// One eager sweep so sessions recover right after a restart instead
		// of waiting for the first cron tick.
		a.run.Go0("janitor.initial", func(ctx context.Context) {
			a.jan.Reconcile(ctx)
		})
	}

	if n := cfg.Notifier; n != nil && n.Enabled {
		svc, err := notifier.New(notifier.Config{
			Token:      n.Token,
			ChatID:     n.ChatID,
			RatePerSec: n.RatePerSec,
		}, a.bus, a.log.With(logx.String("comp", "notifier")))
		if err != nil {
			return fmt.Errorf("start notifier: %w", err)
		}
		a.run.Go0("notifier", svc.Run)
	}

	api := httpapi.NewServer(httpapi.Config{
		Listen:       cfg.Server.Listen,
		ReadTimeout:  durOrZero("server.read_timeout", cfg.Server.ReadTimeout),
		WriteTimeout: durOrZero("server.write_timeout", cfg.Server.WriteTimeout),
		IdleTimeout:  durOrZero("server.idle_timeout", cfg.Server.IdleTimeout),
	}, a.reg, a.ledger, a.sessions, a.sched, a.log.With(logx.String("comp", "http")))
	a.run.GoRestart("httpapi", api.Run)

	a.run.Go0("config.watch", func(ctx context.Context) {
		_ = a.cfgMgr.Watch(ctx)
	})
	a.run.Go0("config.reload", a.consumeReloads)

	a.log.Info("app started", logx.String("listen", cfg.Server.Listen))
	return nil
}

func buildEngine(cfg *config.Config) (transport.Engine, error) {
	switch cfg.Transport.Driver {
	case "", "loopback":
		return loopback.New(loopback.Config{AutoOpen: true, OpenDelay: 50 * time.Millisecond}), nil
	default:
		return nil, fmt.Errorf("unknown transport driver %q", cfg.Transport.Driver)
	}
}

// consumeReloads applies hot-reloadable settings from committed config
// updates. Only logging is live today; everything else takes effect on
// restart.
func (a *App) consumeReloads(ctx context.Context) {
	ch := a.cfgMgr.Subscribe(4)
	defer a.cfgMgr.Unsubscribe(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-ch:
			if !ok {
				return
			}
			a.logSvc.Apply(logx.Config{
				Level:   cfg.Logging.Level,
				Console: cfg.Logging.Console,
				File: logx.FileConfig{
					Enabled: cfg.Logging.File.Enabled,
					Path:    cfg.Logging.File.Path,
				},
			})
			a.log.Info("config reloaded", logx.String("log_level", cfg.Logging.Level))
		}
	}
}

func (a *App) Stop(ctx context.Context) error {
	if a.stopped {
		return nil
	}
	a.stopped = true

	if a.jan != nil {
		a.jan.Stop()
	}
	var err error
	if a.run != nil {
		err = a.run.Stop(ctx)
	}
	if a.store != nil {
		if cerr := a.store.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	if a.logSvc != nil {
		_ = a.logSvc.Close()
	}
	return err
}

func durOrZero(path, raw string) time.Duration {
	d, _ := config.ParseDurationField(path, raw)
	return d
}
