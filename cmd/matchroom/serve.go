package main

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

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/whisper/matchroom/internal/chat"
	"github.com/whisper/matchroom/internal/config"
	"github.com/whisper/matchroom/internal/credits"
	"github.com/whisper/matchroom/internal/keyexchange"
	"github.com/whisper/matchroom/internal/matching"
	"github.com/whisper/matchroom/internal/messaging"
	"github.com/whisper/matchroom/internal/notify"
	"github.com/whisper/matchroom/internal/presence"
	"github.com/whisper/matchroom/internal/protocol"
	"github.com/whisper/matchroom/internal/ratelimit"
	"github.com/whisper/matchroom/internal/store"
	"github.com/whisper/matchroom/internal/store/memory"
	"github.com/whisper/matchroom/internal/store/postgres"
	"github.com/whisper/matchroom/internal/ws"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the WebSocket server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := loadConfig()
		if err != nil {
			return err
		}
		return serve(cfg, log)
	},
}

// app holds everything serve builds, in the order it must be torn down.
type app struct {
	store    store.Store
	rdb      *redis.Client
	nats     *messaging.NATSClient
	registry presence.Registry
	service  *matching.Service
	chat     *chat.Manager
	janitor  *matching.Janitor
	limiter  ratelimit.Checker
	closers  []func() error
}

func (a *app) close(log *slog.Logger) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			log.Warn("shutdown step failed", "err", err)
		}
	}
}

func serve(cfg *config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := build(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.close(log)

	dispatcher := ws.NewMessageDispatcher(a.limiter, log)
	dispatcher.Limit(protocol.TypeStartMatching, ratelimit.Rule{
		Key:    ratelimit.RuleMatch.Key,
		Limit:  cfg.Chat.MatchRateLimit,
		Window: cfg.Chat.MatchRateWindow,
	})
	dispatcher.Limit(protocol.TypeSendMessage, ratelimit.Rule{
		Key:    ratelimit.RuleMessage.Key,
		Limit:  cfg.Chat.MessageRateLimit,
		Window: cfg.Chat.MessageRateWindow,
	})
	ws.RegisterHandlers(dispatcher, a.service, a.chat)

	serverCfg := ws.DefaultServerConfig()
	serverCfg.ListenAddr = cfg.Server.Addr
	serverCfg.MaxConnections = cfg.Server.MaxConnections
	serverCfg.ReadTimeout = cfg.Server.ReadTimeout
	serverCfg.WriteTimeout = cfg.Server.WriteTimeout
	serverCfg.Heartbeat = ws.HeartbeatConfig{
		Interval: cfg.Server.HeartbeatPeriod,
		Timeout:  cfg.Server.HeartbeatTimeout,
	}

	var server *ws.Server
	server = ws.NewServer(serverCfg, ws.HeaderAuthenticator{}, ws.Hooks{
		OnConnect: func(ctx context.Context, c *ws.Connection) error {
			prev, err := a.registry.Connect(ctx, c.UserID, c)
			if prev != nil {
				// A reconnect replaces the older socket.
				if old, ok := prev.(*ws.Connection); ok && old != c {
					server.RemoveConnection(old)
				}
			}
			return err
		},
		OnMessage: dispatcher.Dispatch,
		OnDisconnect: func(c *ws.Connection) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := a.registry.Disconnect(ctx, c.UserID, c); err != nil {
				log.Warn("presence disconnect failed", "user", c.UserID, "err", err)
			}
			if a.registry.IsPresent(ctx, c.UserID) {
				return
			}
			a.chat.Disconnect(c.UserID)
			if err := a.service.StopMatching(ctx, c.UserID); err != nil {
				log.Debug("stop matching on disconnect", "user", c.UserID, "err", err)
			}
		},
	}, log)

	go a.janitor.Run(ctx)
	if refresher, ok := a.registry.(presenceRefresher); ok {
		go refreshPresence(ctx, server, refresher, presence.DefaultTTL/2, log)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// build wires the store, caches, presence, key exchange, matching and chat.
func build(ctx context.Context, cfg *config.Config, log *slog.Logger) (*app, error) {
	a := &app{limiter: ratelimit.Unlimited{}}
	ok := false
	defer func() {
		if !ok {
			a.close(log)
		}
	}()

	// --- Store ---
	if cfg.UsesPostgres() {
		if cfg.Postgres.MigrateOnStart {
			if err := postgres.Migrate(cfg.Postgres.DSN); err != nil {
				return nil, err
			}
		}
		pg, err := postgres.Open(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxOpenConns)
		if err != nil {
			return nil, err
		}
		a.store = pg
		a.closers = append(a.closers, pg.Close)
		log.Info("using postgres store")
	} else {
		a.store = memory.New()
		log.Warn("no postgres.dsn, using in-memory store")
	}

	// --- Redis ---
	if cfg.Redis.Enabled {
		a.rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		a.closers = append(a.closers, a.rdb.Close)
		if err := a.rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("redis ping %s: %w", cfg.Redis.Addr, err)
		}
		a.limiter = ratelimit.NewLimiter(a.rdb, log)
	}

	// --- NATS ---
	var notifier notify.Notifier = notify.NewLogNotifier(log)
	if cfg.NATS.Enabled {
		natsCfg := messaging.DefaultNATSConfig()
		natsCfg.URL = cfg.NATS.URL
		nc, err := messaging.NewNATSClient(natsCfg, log)
		if err != nil {
			return nil, err
		}
		a.nats = nc
		a.closers = append(a.closers, func() error { nc.Close(); return nil })
		notifier = notify.NewNATSNotifier(nc)
	}

	// --- Presence ---
	if a.rdb != nil && a.nats != nil {
		a.registry = presence.NewDistributed(a.rdb, a.nats, serverName(), log)
	} else {
		a.registry = presence.NewLocal()
		log.Info("presence is process-local; run a single instance")
	}

	// --- Key exchange ---
	var strategy keyexchange.Strategy
	switch cfg.Chat.KeyStrategy {
	case "derived":
		strategy = keyexchange.NewDerivedStrategy(cfg.Chat.DerivedKeySalt, log)
	default:
		var keys keyexchange.RoomKeys = keyexchange.NewMemoryRoomKeys()
		if a.rdb != nil {
			keys = keyexchange.NewRedisRoomKeys(a.rdb)
		}
		strategy = keyexchange.NewEnvelopeStrategy(keys)
	}
	coordinator := keyexchange.NewCoordinator(strategy, a.store, a.registry, log)

	// --- Matching ---
	var (
		locator matching.Locator
		tracker matching.Tracker
		index   matching.SearchIndex
	)
	if cfg.Matching.LocatorBackend == "redis" {
		rl := matching.NewRedisLocator(a.rdb, a.store, cfg.Matching.ConversationCost, cfg.Matching.CandidateLimit)
		locator, tracker, index = rl, rl, rl
	} else {
		locator = matching.NewStoreLocator(a.store, cfg.Matching.ConversationCost, cfg.Matching.CandidateLimit)
	}

	var (
		cache  matching.MatchCache
		pruner matching.Pruner
	)
	if cfg.Matching.CacheBackend == "redis" {
		cache = matching.NewRedisCache(a.rdb)
	} else {
		mc := matching.NewMemoryCache()
		cache, pruner = mc, mc
	}

	selector := matching.NewSelector(matching.SelectorDeps{
		Profiles:    a.store,
		Preferences: a.store,
		Answers:     a.store,
		Locator:     locator,
		Guard:       matching.NewRematchGuard(a.store, cfg.Matching.RematchWindow),
		Cache:       cache,
		CacheTTL:    cfg.Matching.CacheTTL,
		Logger:      log,
	})
	orch := matching.NewOrchestrator(matching.OrchestratorDeps{
		Debiter:  credits.NewDebiter(a.store, log),
		Rooms:    a.store,
		Profiles: a.store,
		Tracker:  tracker,
		Presence: a.registry,
		Notifier: notifier,
		Cost:     cfg.Matching.ConversationCost,
		Logger:   log,
	})
	a.service = matching.NewService(a.store, selector, orch, tracker, cfg.Matching.ConversationCost, log)
	a.janitor = matching.NewJanitor(pruner, index, a.store, log)

	// --- Chat ---
	a.chat = chat.NewManager(chat.ManagerDeps{
		Rooms:        a.store,
		Messages:     a.store,
		Presence:     a.registry,
		Keys:         coordinator,
		Notifier:     notifier,
		Logger:       log,
		MaxTextBytes: cfg.Chat.MaxTextBytes,
	})
	orch.SetJoiner(a.chat)

	log.Info("matchroom configured",
		"addr", cfg.Server.Addr,
		"locator", cfg.Matching.LocatorBackend,
		"cache", cfg.Matching.CacheBackend,
		"keys", coordinator.Strategy(),
		"redis", cfg.Redis.Enabled,
		"nats", cfg.NATS.Enabled,
	)
	ok = true
	return a, nil
}

type presenceRefresher interface {
	Touch(ctx context.Context, userID string) error
}

// refreshPresence keeps the shared presence entries of local users alive
// while their sockets are open.
func refreshPresence(ctx context.Context, server *ws.Server, r presenceRefresher, every time.Duration, log *slog.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, c := range server.Connections().All() {
				if err := r.Touch(ctx, c.UserID); err != nil {
					log.Debug("presence refresh failed", "user", c.UserID, "err", err)
				}
			}
		}
	}
}

func serverName() string {
	if name := os.Getenv("SERVER_NAME"); name != "" {
		return name
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "matchroom-1"
}
