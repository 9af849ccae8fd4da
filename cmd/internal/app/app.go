// Package app wires the bazaar messaging server: config, logging, storage,
// the chat service, the realtime gateway and the HTTP API.
package app

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"

	"bazaar/cmd/internal/auth"
	"bazaar/cmd/internal/cache"
	"bazaar/cmd/internal/catalog"
	"bazaar/cmd/internal/chat"
	chatapi "bazaar/cmd/internal/chat/api"
	"bazaar/cmd/internal/metrics"
	"bazaar/cmd/internal/notify"
	"bazaar/cmd/internal/presence"
	"bazaar/cmd/internal/realtime"
)

// App is the bazaar server runtime: it owns the HTTP server and every
// long-lived dependency behind it.
type App struct {
	cfg Config
	log Logger

	dbPool    *pgxpool.Pool
	dbEnabled bool
	store     chat.Store

	redis *cache.Redis
	queue *asynq.Client

	metrics     *metrics.Metrics
	broadcaster *realtime.Broadcaster
	chat        *chat.Service
	ws          *realtime.WSGateway
	api         *chatapi.Handler
	authn       auth.Middleware
}

// New constructs a fully wired App instance from config and logger.
func New(ctx context.Context, cfg Config, log Logger) (_ *App, err error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}
	if err := ValidateSecurityConfig(cfg); err != nil {
		return nil, err
	}

	a := &App{cfg: cfg, log: log, metrics: metrics.New()}
	defer func() {
		if err != nil {
			a.closeResources()
		}
	}()

	verifier, err := NewVerifier(cfg)
	if err != nil {
		return nil, err
	}
	a.authn = auth.Middleware{Verifier: verifier, TrustedHeader: cfg.TrustedHeader, Log: log}

	if err := a.openStore(ctx); err != nil {
		return nil, err
	}

	kv, err := a.openCache(ctx)
	if err != nil {
		return nil, err
	}

	tracker, err := presence.NewTracker(kv, cfg.PresenceTTL)
	if err != nil {
		return nil, err
	}

	cat, err := newCatalog(cfg, kv, log)
	if err != nil {
		return nil, err
	}

	notifier, err := a.newNotifier()
	if err != nil {
		return nil, err
	}

	a.broadcaster = realtime.NewBroadcaster(log,
		realtime.WithQueueSize(cfg.BroadcastQueue),
		realtime.WithBroadcasterMetrics(a.metrics),
	)

	a.chat, err = chat.NewService(a.store, cat,
		chat.WithPublisher(a.broadcaster),
		chat.WithNotifier(notifier),
		chat.WithLogger(log),
		chat.WithMetrics(a.metrics),
	)
	if err != nil {
		return nil, err
	}

	gwCfg := realtime.DefaultGatewayConfig()
	gwCfg.OriginRequired = cfg.WSOriginRequired
	gwCfg.AllowedOrigins = cfg.WSAllowedOrigins
	gwCfg.DevInsecure = cfg.WSDevInsecure
	gwCfg.SendQueueSize = cfg.WSSendQueueSize

	gwOpts := []realtime.GatewayOption{
		realtime.WithPresence(tracker),
		realtime.WithGatewayMetrics(a.metrics),
	}
	if verifier != nil {
		gwOpts = append(gwOpts, realtime.WithVerifier(verifier))
	}
	a.ws, err = realtime.NewWSGateway(log, a.chat, a.broadcaster, gwCfg, gwOpts...)
	if err != nil {
		return nil, err
	}

	a.api, err = chatapi.NewHandler(log, a.chat, chatapi.Config{
		MaxBodyBytes: int64(cfg.APIMaxBodyBytes),
		SendRate:     cfg.APISendRate,
		SendBurst:    cfg.APISendBurst,
	}, chatapi.WithPresence(tracker))
	if err != nil {
		return nil, err
	}

	return a, nil
}

// openStore decides between Postgres-backed persistence and the in-memory dev store.
func (a *App) openStore(ctx context.Context) error {
	if a.cfg.DatabaseURL == "" {
		a.log.Info("db.disabled.inmemory_store")
		a.store = chat.NewInMemoryStore()
		return nil
	}

	pool, err := NewDBPool(ctx, a.cfg)
	if err != nil {
		return err
	}
	a.dbPool = pool
	a.dbEnabled = true

	if a.cfg.DBMigrate {
		if err := chat.Migrate(ctx, pool, a.cfg.DBSchema); err != nil {
			return err
		}
		a.log.Info("db.migrated", "schema", a.cfg.DBSchema)
	}

	// The app owns the pool; PostgresStore.Close is a no-op.
	st, err := chat.NewPostgresStore(pool, chat.WithSchema(a.cfg.DBSchema))
	if err != nil {
		return err
	}
	a.store = st
	a.log.Info("db.enabled.postgres_store", "schema", a.cfg.DBSchema)
	return nil
}

func (a *App) openCache(ctx context.Context) (cache.Cache, error) {
	if a.cfg.RedisURL == "" {
		a.log.Info("cache.inmemory")
		return cache.NewMemory(), nil
	}
	r, err := cache.NewRedis(ctx, a.cfg.RedisURL, "bazaar:")
	if err != nil {
		return nil, err
	}
	a.redis = r
	a.log.Info("cache.redis")
	return r, nil
}

func (a *App) newNotifier() (chat.Notifier, error) {
	if a.cfg.RedisURL == "" {
		return notify.LogNotifier{Log: a.log}, nil
	}
	opt, err := asynq.ParseRedisURI(a.cfg.RedisURL)
	if err != nil {
		return nil, err
	}
	a.queue = asynq.NewClient(opt)
	return notify.NewAsynqNotifier(a.queue, a.cfg.NotifyQueue, a.log)
}

func newCatalog(cfg Config, kv cache.Cache, log Logger) (chat.Catalog, error) {
	if cfg.CatalogURL != "" {
		client, err := catalog.NewHTTPClient(cfg.CatalogURL, cfg.CatalogToken, &http.Client{Timeout: 5 * time.Second})
		if err != nil {
			return nil, err
		}
		return catalog.NewCached(client, kv, cfg.CatalogCacheTTL, log), nil
	}
	st, err := catalog.ParseStatic(cfg.CatalogStatic)
	if err != nil {
		return nil, err
	}
	log.Warn("catalog.static", "entries", len(cfg.CatalogStatic))
	return st, nil
}

// Handler returns the fully wrapped root handler.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	registerHTTP(mux, a)

	var h http.Handler = mux
	h = WithCORS(h, a.cfg, a.log)
	h = WithSecurityHeaders(h)
	return WithRequestLogging(h, a.log, a.metrics)
}

// Run starts the HTTP server and blocks until context cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	base := runtimeBaseURL(a.cfg.HTTPAddr)
	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"api", base+"/v1/conversations",
		"ws", wsBaseURL(base)+"/ws",
		"db_enabled", a.dbEnabled,
		"redis_enabled", a.redis != nil,
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case runErr = <-errCh:
		a.log.Error("server.fail", "err", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		if runErr == nil {
			runErr = err
		}
	}

	// Let in-flight notifications reach the queue before it closes.
	a.chat.Wait()
	a.closeResources()

	a.log.Info("server.stopped")
	return runErr
}

func (a *App) closeResources() {
	if a.broadcaster != nil {
		a.broadcaster.Close()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
	if a.queue != nil {
		if err := a.queue.Close(); err != nil {
			a.log.Error("queue.close.fail", "err", err)
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.log.Error("cache.close.fail", "err", err)
		}
	}
	if a.dbPool != nil {
		a.dbPool.Close()
	}
}

// runtimeBaseURL turns a listen address into a URL a local client can dial.
func runtimeBaseURL(addr string) string {
	host, port, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return "http://" + addr
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

func wsBaseURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return "ws://" + base
	}
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
