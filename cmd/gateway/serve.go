package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"qazna.org/gateway/internal/access"
	"qazna.org/gateway/internal/audit"
	"qazna.org/gateway/internal/auth"
	"qazna.org/gateway/internal/config"
	"qazna.org/gateway/internal/events"
	"qazna.org/gateway/internal/httpapi"
	"qazna.org/gateway/internal/obs"
	"qazna.org/gateway/internal/ratelimit"
	"qazna.org/gateway/internal/remote"
	"qazna.org/gateway/internal/store/pg"
	"qazna.org/gateway/internal/webhook"
)

type runner interface {
	Run(ctx context.Context) error
}

func newServeCmd(load func() (*config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP gateway and the gRPC health endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	log := obs.InitLogger(obs.LogConfig{
		Env:     cfg.App.Env,
		Level:   cfg.App.LogLevel,
		Service: "qazna-gateway",
		Version: version,
	})
	defer func() { _ = log.Sync() }()
	obs.Init()
	obs.InitBuildInfo(version, commit, cfg.Rate.Strategy)

	if cfg.Backend.Target == "" {
		return errors.New("backend.target is required (GATEWAY_BACKEND_TARGET)")
	}
	backend, err := remote.Dial(cfg.Backend.Target, nil, remote.WithTimeout(cfg.Backend.Timeout))
	if err != nil {
		return err
	}
	defer backend.Close()

	verifier, err := auth.NewVerifier(auth.NewRemoteSignatureVerifier(backend),
		auth.WithIssuer(cfg.Auth.Issuer),
		auth.WithAudience(cfg.Auth.Audience),
		auth.WithClockSkew(cfg.Auth.ClockSkew),
	)
	if err != nil {
		return fmt.Errorf("verifier: %w", err)
	}

	var ready []httpapi.ReadyCheck

	var rdb redis.UniversalClient
	if cfg.Rate.Strategy == ratelimit.StrategyRedisSliding || cfg.Rate.Strategy == ratelimit.StrategyRedisFixed {
		rdb = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    []string{cfg.Redis.Addr},
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		ready = append(ready, httpapi.ReadyCheck{
			Name:  "redis",
			Check: func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		})
	}
	limiter, err := ratelimit.New(ratelimit.Config{
		Strategy:      cfg.Rate.Strategy,
		Window:        cfg.Rate.Window,
		SweepInterval: cfg.Rate.SweepInterval,
		Quotas:        ratelimit.Quotas{PerTier: cfg.Quotas(), Default: cfg.Rate.MaxRequests},
		RedisPrefix:   cfg.Redis.Prefix,
	}, rdb)
	if err != nil {
		return err
	}

	var store webhook.Store
	switch cfg.Storage.Driver {
	case "postgres":
		pgStore, err := pg.Open(cfg.Storage.DSN)
		if err != nil {
			return err
		}
		defer pgStore.Close()
		store = pgStore
		ready = append(ready, httpapi.ReadyCheck{Name: "postgres", Check: pgStore.Ping})
	default:
		store = webhook.NewMemoryStore()
	}
	registry := webhook.NewRegistry(store, cfg.Webhooks.Events)
	bus := events.NewBus()
	dispatcher := webhook.NewDispatcher(registry, webhook.LogDeliverer{},
		webhook.WithConcurrency(cfg.Webhooks.Concurrency),
		webhook.WithDeliveryTimeout(cfg.Webhooks.DeliveryTimeout),
	)

	var sink audit.Sink = audit.NewLogSink(log)
	if cfg.Audit.Sink == "remote" {
		sink = audit.NewRemoteSink(backend)
	}
	relay := audit.NewRelay(sink,
		audit.WithQueueSize(cfg.Audit.QueueSize),
		audit.WithWriteTimeout(cfg.Audit.WriteTimeout),
	)

	var guard *httpapi.IPGuard
	if cfg.Rate.IPPerSecond > 0 {
		guard = httpapi.NewIPGuard(cfg.Rate.IPPerSecond, cfg.Rate.IPBurst, cfg.Server.TrustProxy)
	}

	api, err := httpapi.New(httpapi.Deps{
		Version:     version,
		Backend:     backend,
		Verifier:    verifier,
		Limiter:     limiter,
		Policy:      access.Default(),
		Webhooks:    registry,
		Bus:         bus,
		Audit:       relay,
		IPGuard:     guard,
		Ready:       ready,
		TrustProxy:  cfg.Server.TrustProxy,
		CORSOrigins: cfg.Server.CORSOrigins,
	})
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}
	health := httpapi.NewHealthServer(api, 5*time.Second)
	healthLis, err := net.Listen("tcp", cfg.Server.HealthAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Server.HealthAddr, err)
	}

	g, gctx := errgroup.WithContext(ctx)

	if r, ok := limiter.(runner); ok {
		g.Go(func() error { return r.Run(gctx) })
	}
	if guard != nil {
		g.Go(func() error { return guard.Run(gctx) })
	}
	g.Go(func() error { return dispatcher.Run(gctx, bus) })
	g.Go(func() error { return relay.Run(gctx) })
	g.Go(func() error { return health.Run(gctx) })

	g.Go(func() error {
		log.Info("grpc health listening", zap.String("addr", healthLis.Addr().String()))
		return health.Server().Serve(healthLis)
	})
	g.Go(func() error {
		log.Info("gateway listening",
			zap.String("addr", srv.Addr),
			zap.String("backend", cfg.Backend.Target),
			zap.String("strategy", cfg.Rate.Strategy),
			zap.String("storage", cfg.Storage.Driver),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http listen: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		health.Server().GracefulStop()
		return err
	})

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error("gateway stopped with error", zap.Error(err))
		return err
	}
	log.Info("stopped")
	return nil
}
