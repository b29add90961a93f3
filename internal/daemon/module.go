package daemon

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/api"
	"github.com/matheus3301/chatsync/internal/auth"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/cache"
	"github.com/matheus3301/chatsync/internal/config"
	"github.com/matheus3301/chatsync/internal/conversation"
	"github.com/matheus3301/chatsync/internal/lock"
	"github.com/matheus3301/chatsync/internal/logging"
	"github.com/matheus3301/chatsync/internal/profile"
	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/store"
	intsync "github.com/matheus3301/chatsync/internal/sync"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	Profile    string
	ConfigPath string // empty = profile.ConfigPath()
	SocketPath string // optional override for testing; empty = use default
	Debug      bool
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideLock,
			provideStore,
			provideSession,
			provideRemote,
			provideMessages,
			provideGetMessages,
			provideContacts,
			provideImages,
			provideReadMessages,
			provideConversations,
			provideReconciler,
			provideSyncEngine,
			provideCacheService,
			provideConversationService,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	path := p.ConfigPath
	if path == "" {
		path = profile.ConfigPath()
	}
	cfg, err := config.LoadOrDefault(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(profile.LogPath(p.Profile), p.Profile, p.Debug)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := profile.EnsureDir(p.Profile); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.Profile))
	l, err := lock.Acquire(profile.Dir(p.Profile))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

// provideStore depends on the lock so that the cache file is only ever opened
// by the process holding it.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.Store, error) {
	dbPath := profile.DBPath(p.Profile)
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return store.New(db), nil
}

// provideSession signs in and refreshes through an unauthenticated client;
// the authenticated one needs the session as its token source.
func provideSession(cfg *config.Config, s *store.Store, b *bus.Bus, logger *zap.Logger) *auth.Session {
	authClient := remote.NewClient(cfg.ServerURL, nil, remote.WithLogger(logger.Named("auth")))
	return auth.NewSession(auth.NewTokenStore(s), authClient, b, logger.Named("session"))
}

func provideRemote(cfg *config.Config, session *auth.Session, logger *zap.Logger) *remote.Client {
	return remote.NewClient(cfg.ServerURL, session, remote.WithLogger(logger.Named("remote")))
}

func provideMessages(s *store.Store, b *bus.Bus, logger *zap.Logger) *cache.Messages {
	return cache.NewMessages(s, b, logger.Named("cache"))
}

func provideGetMessages(cfg *config.Config, client *remote.Client, s *store.Store, msgs *cache.Messages, logger *zap.Logger) *cache.GetMessages {
	return cache.NewGetMessages(client, s, msgs, cfg.UserID, logger.Named("cache"))
}

func provideContacts(cfg *config.Config, client *remote.Client, s *store.Store, logger *zap.Logger) *cache.Contacts {
	return cache.NewContacts(client, s, cfg.UserID, logger.Named("cache"))
}

func provideImages(client *remote.Client, s *store.Store, logger *zap.Logger) *cache.Images {
	return cache.NewImages(client, s, logger.Named("cache"))
}

func provideReadMessages(cfg *config.Config, client *remote.Client, s *store.Store, logger *zap.Logger) *cache.ReadMessages {
	return cache.NewReadMessages(client, s, cfg.UserID, logger.Named("cache"))
}

func provideConversations(cfg *config.Config, pages *cache.GetMessages, msgs *cache.Messages, reads *cache.ReadMessages, s *store.Store, client *remote.Client, session *auth.Session, b *bus.Bus, logger *zap.Logger) *conversation.Registry {
	return conversation.NewRegistry(conversation.Deps{
		UserID:   cfg.UserID,
		Pages:    pages,
		Messages: msgs,
		Reads:    reads,
		Store:    s,
		Channels: client,
		Session:  session,
		Bus:      b,
		Logger:   logger.Named("conversation"),
	},
		conversation.WithPageSize(cfg.PageSize),
		conversation.WithReadDebounce(cfg.ReadDebounce.Duration),
	)
}

func provideReconciler(s *store.Store, logger *zap.Logger) *intsync.Reconciler {
	return intsync.NewReconciler(s, logger.Named("sync"))
}

func provideSyncEngine(cfg *config.Config, contacts *cache.Contacts, pages *cache.GetMessages, images *cache.Images, s *store.Store, rec *intsync.Reconciler, b *bus.Bus, logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(contacts, pages, s, rec, b, cfg.UserID, logger.Named("sync"),
		intsync.WithInterval(cfg.SyncInterval.Duration),
		intsync.WithImages(images),
	)
}

func provideCacheService(p Params, cfg *config.Config, s *store.Store, session *auth.Session, engine *intsync.Engine) *api.CacheService {
	return api.NewCacheService(p.Profile, cfg.UserID, s, session, engine)
}

func provideConversationService(cfg *config.Config, conversations *conversation.Registry, contacts *cache.Contacts, b *bus.Bus, logger *zap.Logger) *api.ConversationService {
	return api.NewConversationService(cfg.UserID, conversations, contacts, b, logger.Named("api"))
}

func registerLifecycle(lc fx.Lifecycle, srv *Server, lk *lock.Lock, s *store.Store, engine *intsync.Engine, conversations *conversation.Registry, session *auth.Session, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if !session.SignedIn(ctx) {
				logger.Info("no credentials found, sign in with chatsyncctl login")
			}

			// The engine pauses itself until a sign-in when credentials are missing.
			engine.Start(context.Background())

			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			// Closing the conversations ends open Watch streams, which a
			// graceful stop would otherwise wait on.
			conversations.Close()
			engine.Stop()
			srv.Stop(ctx)
			if err := s.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
