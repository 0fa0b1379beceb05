package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"niyya/api/internal/app"
	"niyya/api/internal/blobs"
	"niyya/api/internal/config"
	"niyya/api/internal/contentstore"
	"niyya/api/internal/gateway"
	"niyya/api/internal/gc"
	"niyya/api/internal/kv"
	"niyya/api/internal/logging"
	"niyya/api/internal/notify"
	"niyya/api/internal/presence"
	"niyya/api/internal/ratelimit"
	"niyya/api/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.New("text", "info", os.Stderr).Error(context.Background(), "invalid configuration", "err", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.LogFormat, cfg.LogLevel, os.Stderr)
	if err := run(cfg, logger); err != nil {
		logger.Error(context.Background(), "api stopped", "err", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *logging.SlogLogger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.DatabaseURL, store.PoolOptions{
		MaxOpenConns:    cfg.DatabaseMaxConns,
		ConnectAttempts: 10,
	})
	if err != nil {
		return err
	}
	defer db.Close()
	applied, err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir)
	if err != nil {
		return err
	}
	if len(applied) > 0 {
		logger.Info(ctx, "migrations applied", "versions", applied)
	}
	dataStore := store.NewPostgresStore(db)

	content, err := contentstore.New(ctx, cfg.Blobs)
	if err != nil {
		return err
	}
	logger.Info(ctx, "content backend ready", "backend", cfg.Blobs.Backend, "env", cfg.Env)

	var rdb *redis.Client
	if strings.TrimSpace(cfg.RedisURL) != "" {
		rdb, err = kv.Open(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		defer rdb.Close()
		logger.Info(ctx, "using redis for rate limits and the maintenance lease")
	}

	registry := blobs.New(dataStore, content, blobs.Options{Env: cfg.Env, Logger: logger})
	jobOpts := []gc.JobOption{gc.WithLogger(logger)}
	if rdb != nil {
		jobOpts = append(jobOpts, gc.WithLocker(gc.NewRedisLocker(rdb, gc.DefaultLeaseKey, gc.DefaultLeaseTTL)))
	}
	job := gc.NewJob(dataStore, registry, content, jobOpts...)

	reg := presence.New(presence.Options{
		MaxClients:  cfg.Gateway.MaxTotalClients,
		SendTimeout: cfg.Gateway.SendTimeout,
		Logger:      logger,
	})
	router := notify.NewRouter(dataStore, reg, logger)
	dispatcher := notify.NewDispatcher(10*time.Second, logger)

	g, gctx := errgroup.WithContext(ctx)

	connLimiter, msgLimiter, reqLimiter := limiters(gctx, g, cfg, rdb)
	ws := gateway.New(reg, dataStore, router, gateway.Options{
		Token:       cfg.APIToken,
		Limits:      cfg.Gateway,
		Connections: connLimiter,
		Messages:    msgLimiter,
		Logger:      logger,
	})

	service := app.New(cfg, app.Deps{
		Store:      dataStore,
		Blobs:      registry,
		GC:         job,
		Presence:   reg,
		Router:     router,
		Dispatcher: dispatcher,
		Gateway:    ws,
		Requests:   reqLimiter,
		Logger:     logger,
	})
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           app.NewHTTPServer(service, cfg.CORSOrigin).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g.Go(func() error {
		logger.Info(gctx, "niyya api listening", "addr", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	maintenance := gc.AllSteps().WithGrace(cfg.GC.GracePeriod)
	scheduler := gc.NewScheduler(job, cfg.GC.Interval, maintenance, logger)
	g.Go(func() error {
		return scheduler.Start(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn(shutdownCtx, "http shutdown", "err", err)
		}
		if err := dispatcher.Close(shutdownCtx); err != nil {
			logger.Warn(shutdownCtx, "notifications still in flight at shutdown", "err", err)
		}
		return nil
	})

	return g.Wait()
}

// limiters picks Redis-backed windows when Redis is configured so every API
// instance shares one budget; otherwise in-process windows with a pruner.
func limiters(ctx context.Context, g *errgroup.Group, cfg config.Config, rdb *redis.Client) (conn, msg, req ratelimit.Limiter) {
	if rdb != nil {
		return ratelimit.NewRedisLimiter(rdb, "niyya:rl:ws-conn", cfg.Gateway.MaxConnectionsPerMinute, time.Minute),
			ratelimit.NewRedisLimiter(rdb, "niyya:rl:ws-msg", cfg.Gateway.MaxMessagesPerMinute, time.Minute),
			ratelimit.NewRedisLimiter(rdb, "niyya:rl:http", cfg.RequestsPerMinute, time.Minute)
	}
	windows := []*ratelimit.SlidingWindow{
		ratelimit.NewSlidingWindow(cfg.Gateway.MaxConnectionsPerMinute, time.Minute),
		ratelimit.NewSlidingWindow(cfg.Gateway.MaxMessagesPerMinute, time.Minute),
		ratelimit.NewSlidingWindow(cfg.RequestsPerMinute, time.Minute),
	}
	for _, w := range windows {
		g.Go(func() error {
			w.RunPruner(ctx, time.Minute)
			return nil
		})
	}
	return windows[0], windows[1], windows[2]
}
