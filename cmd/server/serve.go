package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/multierr"

	"github.com/christopherjohns/noticeboard/internal/broadcast"
	"github.com/christopherjohns/noticeboard/internal/config"
	"github.com/christopherjohns/noticeboard/internal/identity"
	"github.com/christopherjohns/noticeboard/internal/keepalive"
	"github.com/christopherjohns/noticeboard/internal/logging"
	"github.com/christopherjohns/noticeboard/internal/metrics"
	"github.com/christopherjohns/noticeboard/internal/notification"
	"github.com/christopherjohns/noticeboard/internal/presence"
	"github.com/christopherjohns/noticeboard/internal/ratelimit"
	"github.com/christopherjohns/noticeboard/internal/server"
	"github.com/christopherjohns/noticeboard/internal/ws"
)

const connectTimeout = 5 * time.Second

func runServe(cmd *cobra.Command, _ []string) (err error) {
	cfg, err := config.Load(cmd.Flags())
	if err != nil {
		return err
	}
	log := logging.New(logging.Config{Level: cfg.Level, Format: cfg.LogFormat})

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, closeStore()) }()

	accounts, err := openAccounts(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, accounts.Close()) }()
	if _, err := seedAccounts(ctx, accounts, cfg.Accounts.SeedFile, defaultSeedAdmins, defaultSeedUsers); err != nil {
		return err
	}

	promReg := metrics.NewRegistry()
	m := metrics.New(promReg)

	sessions := identity.NewRegistry(identity.WithTTL(cfg.Session.TTL))
	table := presence.NewTable()
	dispatcher := broadcast.New(table, logging.Component(log, "broadcast"),
		broadcast.WithSessions(sessions),
		broadcast.WithMetrics(m),
	)
	conns := ws.NewConnManager(
		ws.WithMaxConns(cfg.WS.MaxConns),
		ws.WithIdleTimeout(cfg.WS.IdleTimeout),
		ws.WithSendBuffer(cfg.WS.SendBuffer),
		ws.WithFailureLimit(cfg.WS.FailureLimit),
		ws.WithConnLogger(logging.Component(log, "conn")),
	)
	hub := ws.NewHub(table, conns, dispatcher, logging.Component(log, "hub"),
		ws.WithSessionValidator(sessions),
		ws.WithHubMetrics(m),
		ws.WithRefreshInterval(cfg.Presence.RefreshInterval),
	)
	sessions.OnEnd(func(sess identity.Session, reason identity.EndReason) {
		log.Debug().Str("identity", sess.Identity.ID).Str("reason", string(reason)).Msg("session ended")
		hub.CloseSession(sess)
	})
	m.TrackPresence(table.Counts)
	m.TrackSessions(sessions.Count)

	notifications := notification.NewService(store, dispatcher, logging.Component(log, "notification"),
		notification.WithMetrics(m),
	)

	srv := server.New(server.Deps{
		Accounts:      accounts,
		Sessions:      sessions,
		Notifications: notifications,
		Dispatcher:    dispatcher,
		Hub:           hub,
		Channels: ws.NewHandler(hub, sessions, logging.Component(log, "ws"),
			ws.WithCookieName(cfg.Session.CookieName),
			ws.WithInsecureOrigins(cfg.WS.InsecureOrigins),
		),
		Metrics:     metrics.Handler(promReg),
		AuthLimiter: ratelimit.NewIPLimiter(cfg.RateLimit.AuthPerMinute, cfg.RateLimit.Burst),
		Log:         logging.Component(log, "http"),
	}, server.Options{
		Addr:              cfg.HTTP.Addr,
		ReadHeaderTimeout: cfg.HTTP.ReadHeaderTimeout,
		CookieName:        cfg.Session.CookieName,
		CookieSecure:      cfg.Session.CookieSecure,
	})

	go sessions.Run(ctx)
	go hub.Run(ctx)

	if cfg.Keepalive.URL != "" {
		pinger := keepalive.New(cfg.Keepalive.URL, cfg.Keepalive.Schedule, logging.Component(log, "keepalive"))
		if err := pinger.Start(); err != nil {
			return err
		}
		defer pinger.Stop()
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Run() }()

	if _, nerr := daemon.SdNotify(false, daemon.SdNotifyReady); nerr != nil {
		log.Debug().Err(nerr).Msg("systemd notify")
	}

	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down")
	case err = <-serveErr:
	}
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	err = multierr.Append(err, srv.Shutdown(shutdownCtx))
	hub.Shutdown()
	return err
}

// openStore connects the configured notification store. The returned
// close function releases its connection.
func openStore(ctx context.Context, cfg *config.Config, log zerolog.Logger) (notification.Store, func() error, error) {
	noop := func() error { return nil }

	switch cfg.Store.Driver {
	case "memory":
		log.Info().Int("max_size", cfg.Store.MaxSize).Msg("using in-memory notification store")
		return notification.NewMemoryStore(cfg.Store.MaxSize), noop, nil

	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Store.Redis.Addr,
			Password: cfg.Store.Redis.Password,
			DB:       cfg.Store.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
		defer cancel()
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			_ = rdb.Close()
			return nil, noop, fmt.Errorf("connect to redis at %s: %w", cfg.Store.Redis.Addr, err)
		}
		log.Info().Str("addr", cfg.Store.Redis.Addr).Msg("connected to redis")
		return notification.NewRedisStore(rdb, cfg.Store.Redis.Key, cfg.Store.MaxSize), rdb.Close, nil

	case "mongo":
		connCtx, cancel := context.WithTimeout(ctx, connectTimeout)
		defer cancel()
		client, err := mongo.Connect(connCtx, options.Client().ApplyURI(cfg.Store.Mongo.URI))
		if err != nil {
			return nil, noop, fmt.Errorf("connect to mongo: %w", err)
		}
		disconnect := func() error {
			dctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
			defer cancel()
			return client.Disconnect(dctx)
		}
		if err := client.Ping(connCtx, nil); err != nil {
			return nil, noop, multierr.Append(fmt.Errorf("ping mongo: %w", err), disconnect())
		}
		coll := client.Database(cfg.Store.Mongo.Database).Collection(cfg.Store.Mongo.Collection)
		store, err := notification.NewMongoStore(connCtx, coll)
		if err != nil {
			return nil, noop, multierr.Append(err, disconnect())
		}
		log.Info().Str("database", cfg.Store.Mongo.Database).Msg("connected to mongo")
		return store, disconnect, nil
	}
	return nil, noop, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
}
