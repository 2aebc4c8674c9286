package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"lending-api/api"
	"lending-api/domain"
	"lending-api/fanout"
	"lending-api/internal/config"
	"lending-api/internal/consts"
	"lending-api/relay"
	"lending-api/session"
	"lending-api/state"
	"lending-api/storage"
)

const (
	relayBuffer = 1024
	queueBuffer = 1024
)

func serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the REST and WebSocket API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			if err := serve(cmd.Context(), cfg, logger); err != nil {
				logger.Errorf("serve: %v", err)
				return err
			}
			return nil
		},
	}
}

func openStore(ctx context.Context, cfg *config.Config) (storage.Gateway, error) {
	switch cfg.StoreBackend {
	case config.BackendPostgres:
		return storage.OpenPostgres(ctx, cfg.DatabaseURL)
	case config.BackendTables:
		return storage.NewTables(cfg.StorageConnectionString, cfg.EntitiesTable)
	default:
		return storage.NewMemory(), nil
	}
}

func openRedis(ctx context.Context, conn string) (*redis.Client, error) {
	opts, err := config.ParseRedis(conn)
	if err != nil {
		return nil, err
	}
	rc := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rc.Ping(pingCtx).Err(); err != nil {
		_ = rc.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rc, nil
}

func newAuthenticator(cfg *config.Config) (api.Authenticator, error) {
	return api.NewAuthenticator(cfg.AuthMode, cfg.Auth0Domain, cfg.Auth0Audience, []byte(cfg.LocalAuthSecret))
}

func newEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:  []string{"*"},
		AllowHeaders:  []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization, consts.IdempotencyKeyHeader, consts.ExpectedVersionHeader},
		ExposeHeaders: []string{"ETag", echo.HeaderLocation},
	}))
	e.Use(middleware.Recover())
	e.Use(api.DecompressRequests())
	e.Use(echoprometheus.NewMiddleware("lending_api"))
	e.GET("/metrics", echoprometheus.NewHandler())
	return e
}

func serve(ctx context.Context, cfg *config.Config, logger *log.Logger) error {
	tp := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(tp)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Warnf("tracer shutdown: %v", err)
		}
	}()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer store.Close()
	logger.WithField("backend", cfg.StoreBackend).Info("store opened")

	auth, err := newAuthenticator(cfg)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var wg sync.WaitGroup
	goRun := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}

	registry := session.NewRegistry(session.Config{
		QueueCapacity: cfg.SessionQueueCapacity,
		IdleTimeout:   cfg.SessionIdleTimeout,
	}, logger)
	fan := fanout.New(registry, logger)
	pubs := state.Publishers{fan}

	var gateway storage.Gateway = store
	var deduper api.Deduper
	var rel *relay.Redis
	if cfg.RedisConnectionString != "" {
		rc, err := openRedis(ctx, cfg.RedisConnectionString)
		if err != nil {
			return err
		}
		defer rc.Close()
		gateway = storage.NewCache(store, rc, cfg.ListCacheTTL)
		deduper = api.NewRedisDeduper(rc, cfg.DeduperTTL)
		rel = relay.NewRedis(rc, cfg.RelayChannel, relayBuffer, logger)
		pubs = append(pubs, rel)
		logger.WithField("origin", rel.Origin()).Info("redis relay enabled")
	} else {
		logger.Warn("REDIS_CONNECTION_STRING not set, running without relay, list cache or idempotency keys")
	}

	if cfg.DeltaQueue != "" {
		q, err := relay.NewQueue(cfg.StorageConnectionString, cfg.DeltaQueue, queueBuffer, logger)
		if err != nil {
			return fmt.Errorf("delta queue: %w", err)
		}
		pubs = append(pubs, q)
		goRun(func() { q.Run(runCtx) })
	}

	opts := state.Options{
		CacheTTL:     cfg.StateCacheTTL,
		WriteTimeout: cfg.WriteTimeout,
	}
	if rel != nil {
		opts.Local = fan
	}
	mgr := state.NewManager(gateway, pubs, logger, opts)

	if rel != nil {
		goRun(func() { rel.Run(runCtx) })
		goRun(func() {
			rel.Subscribe(runCtx, relay.PublisherFunc(func(d domain.ChangeDelta) {
				mgr.Relay(runCtx, d)
			}))
		})
	}
	goRun(func() { registry.Run(runCtx, cfg.SessionPingInterval) })
	goRun(func() { mgr.Run(runCtx, cfg.StateCacheTTL) })
	if cfg.StateCacheTTL <= 0 {
		logger.Debug("state view disabled")
	}

	e := newEcho()
	deps := api.Dependencies{
		State:          mgr,
		Auth:           auth,
		Deduper:        deduper,
		Health:         store,
		Sessions:       registry,
		Fanout:         fan,
		Logger:         logger,
		WSWriteTimeout: cfg.WSWriteTimeout,
	}
	api.Register(e, deps)

	errCh := make(chan error, 1)
	go func() {
		logger.WithField("addr", cfg.ListenAddr).Info("listening")
		if err := e.Start(cfg.ListenAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err = <-errCh:
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer stop()
	if serr := e.Shutdown(shutdownCtx); serr != nil {
		logger.Warnf("http shutdown: %v", serr)
	}
	registry.Shutdown()
	cancel()
	wg.Wait()
	return err
}
