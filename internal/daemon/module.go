package daemon

import (
	"context"
	"errors"
	"os"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"homechat/internal/bus"
	"homechat/internal/config"
	"homechat/internal/gateway"
	"homechat/internal/lock"
	"homechat/internal/logging"
	"homechat/internal/send"
	"homechat/internal/store"
	"homechat/internal/store/firestore"
)

// Params holds the command-line inputs passed to the fx module.
type Params struct {
	ConfigPath string // empty = built-in defaults
}

// Module returns the fx module for the daemon, composing all providers and
// lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideLock,
			provideStores,
			provideSender,
			provideServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	cfg := config.Default()
	if p.ConfigPath != "" {
		loaded, err := config.Load(p.ConfigPath)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return nil, err
			}
		} else {
			cfg = loaded
		}
	}
	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, err
	}
	return cfg, nil
}

func provideLogger(cfg *config.Config) (*zap.Logger, error) {
	return logging.New(cfg.LogPath(), cfg.Store.Backend)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(cfg *config.Config, logger *zap.Logger) (*lock.Lock, error) {
	logger.Info("acquiring data dir lock", zap.String("dir", cfg.DataDir))
	l, err := lock.Acquire(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	logger.Info("data dir lock acquired")
	return l, nil
}

// provideStores opens the configured backend. Both backends serve the
// message log and the summary cache from the same handle.
func provideStores(lc fx.Lifecycle, cfg *config.Config, b *bus.Bus, logger *zap.Logger) (store.Store, store.SummaryStore, error) {
	switch cfg.Store.Backend {
	case config.BackendFirestore:
		fs, err := firestore.New(context.Background(), cfg.Store.FirestoreProject, logger)
		if err != nil {
			return nil, nil, err
		}
		lc.Append(fx.Hook{OnStop: func(context.Context) error { return fs.Close() }})
		logger.Info("store initialized",
			zap.String("backend", cfg.Store.Backend),
			zap.String("project", cfg.Store.FirestoreProject))
		return fs, fs, nil

	default:
		dbPath := cfg.SQLitePath()
		db, err := store.Open(dbPath, b)
		if err != nil {
			return nil, nil, err
		}
		result, err := db.Migrate()
		if err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		if result.Changed {
			logger.Info("migrations applied", zap.Uint("version", result.Version))
		} else {
			logger.Info("migrations up to date", zap.Uint("version", result.Version))
		}
		lc.Append(fx.Hook{OnStop: func(context.Context) error { return db.Close() }})
		logger.Info("store initialized",
			zap.String("backend", cfg.Store.Backend),
			zap.String("path", dbPath))
		return db, db, nil
	}
}

func provideSender(st store.Store, summaries store.SummaryStore, logger *zap.Logger) *send.Sender {
	return send.New(st, summaries, logger)
}

func provideServer(cfg *config.Config, st store.Store, summaries store.SummaryStore, sender *send.Sender, logger *zap.Logger) *gateway.Server {
	return gateway.New(cfg.Gateway, st, summaries, sender, logger)
}

func registerLifecycle(lc fx.Lifecycle, cfg *config.Config, srv *gateway.Server, lk *lock.Lock, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("gateway server error", zap.Error(err))
				}
			}()
			logger.Info("gateway listening", zap.String("addr", cfg.Gateway.ListenAddr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := srv.Shutdown(ctx); err != nil {
				logger.Warn("gateway shutdown", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
