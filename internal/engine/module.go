package engine

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/reclaimapp/messenger/internal/bus"
	"github.com/reclaimapp/messenger/internal/cache"
	"github.com/reclaimapp/messenger/internal/config"
	"github.com/reclaimapp/messenger/internal/lock"
	"github.com/reclaimapp/messenger/internal/logging"
	"github.com/reclaimapp/messenger/internal/outbox"
	"github.com/reclaimapp/messenger/internal/rest"
	"github.com/reclaimapp/messenger/internal/session"
	"github.com/reclaimapp/messenger/internal/status"
	"github.com/reclaimapp/messenger/internal/store"
	intsync "github.com/reclaimapp/messenger/internal/sync"
	"github.com/reclaimapp/messenger/internal/transport"
	"github.com/reclaimapp/messenger/internal/typing"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	Profile string
}

// Module returns the fx module for the messaging engine, composing all
// providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("engine",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideConfig,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideKV,
			provideCache,
			provideRestClient,
			provideTransport,
			provideSyncEngine,
			provideOutbox,
			provideTypingTracker,
			New,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.Profile), p.Profile)
}

func provideConfig() (*config.Config, error) {
	return config.LoadOrDefault(session.ConfigPath())
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.Profile); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.Profile))
	l, err := lock.Acquire(session.Dir(p.Profile))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

func provideStore(cfg *config.Config, b *bus.Bus) *store.Store {
	return store.New(cfg.UserID, b)
}

func provideKV(p Params, logger *zap.Logger) (*cache.SQLiteKV, error) {
	path := session.CacheDBPath(p.Profile)
	kv, err := cache.OpenKV(path)
	if err != nil {
		return nil, err
	}
	logger.Info("cache store initialized", zap.String("path", path))
	return kv, nil
}

func provideCache(cfg *config.Config, kv *cache.SQLiteKV, st *store.Store, logger *zap.Logger) *cache.Cache {
	return cache.New(cfg, kv, st, logger)
}

func provideRestClient(cfg *config.Config, logger *zap.Logger) *rest.Client {
	return rest.New(cfg, logger)
}

func provideTransport(cfg *config.Config, b *bus.Bus, m *status.Machine, logger *zap.Logger) *transport.Session {
	return transport.NewSession(cfg, b, m, logger)
}

func provideSyncEngine(cfg *config.Config, st *store.Store, b *bus.Bus, m *status.Machine, rc *rest.Client, logger *zap.Logger) *intsync.Engine {
	return intsync.New(cfg, st, b, m, rc, logger)
}

func provideOutbox(cfg *config.Config, st *store.Store, b *bus.Bus, se *intsync.Engine, ts *transport.Session, rc *rest.Client, logger *zap.Logger) *outbox.Outbox {
	return outbox.New(cfg, st, b, se, ts, rc, logger)
}

func provideTypingTracker(cfg *config.Config, b *bus.Bus, ts *transport.Session, logger *zap.Logger) *typing.Tracker {
	return typing.New(cfg, b, ts, logger)
}

func registerLifecycle(lc fx.Lifecycle, e *Engine, lk *lock.Lock, kv *cache.SQLiteKV, ca *cache.Cache, se *intsync.Engine, ob *outbox.Outbox, tr *typing.Tracker, ts *transport.Session, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Seed from the offline snapshot before anything can write.
			if ca.Restore() {
				logger.Info("serving cached conversations until first sync")
			}

			// The reconciliation loop must be draining before the
			// transport can publish push events.
			if err := se.Start(context.Background()); err != nil {
				return err
			}
			if err := ob.Start(context.Background()); err != nil {
				return err
			}
			if err := tr.Start(context.Background()); err != nil {
				return err
			}
			if err := ca.Start(context.Background()); err != nil {
				return err
			}
			if err := ts.Start(context.Background()); err != nil {
				return err
			}
			logger.Info("engine started")
			return nil
		},
		OnStop: func(ctx context.Context) error {
			ts.Stop()
			tr.Stop()
			ob.Stop()
			se.Stop()
			ca.Stop()
			if err := kv.Close(); err != nil {
				logger.Warn("error closing cache db", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("engine stopped")
			return nil
		},
	})
}
