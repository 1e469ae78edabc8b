package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"server/internal/batch"
	"server/internal/cache"
	httpapi "server/internal/http"
	"server/internal/http/handlers"
	"server/internal/infra"
	"server/internal/progress"
	"server/internal/providers/video"
	"server/internal/ratelimit"
	"server/internal/registry"
	"server/internal/storage"
)

func main() {
	// .env is optional
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rdb, err := infra.NewRedisClient(ctx, cfg)
	if err != nil {
		if rdb == nil {
			logger.Fatal().Err(err).Msg("invalid REDIS_URL")
		}
		logger.Warn().Err(err).Msg("redis unreachable, running on the in-process cache only")
	}
	defer func() { _ = rdb.Close() }()

	files, err := storage.NewFileStore(storage.Options{BasePath: cfg.StoragePath})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open storage path")
	}

	reg := registry.New()
	hub := progress.NewHub(32)
	store := cache.NewStore(cache.Options{
		Client:        rdb,
		LocalCapacity: 256,
		Logger:        infra.ComponentLogger(logger, "cache"),
	})
	limiter := ratelimit.New(ratelimit.Options{
		Window: cfg.RateLimitWindow,
		Limits: map[ratelimit.RouteClass]int{
			ratelimit.RouteClassAPI:      cfg.RateLimitAPICount,
			ratelimit.RouteClassUpload:   cfg.RateLimitUploadCount,
			ratelimit.RouteClassGenerate: cfg.RateLimitGenerateCount,
		},
	})
	providerLogger := infra.ComponentLogger(logger, "provider")
	generator := video.NewKlingClient(video.KlingOptions{
		BaseURL: cfg.FALBaseURL,
		APIKey:  cfg.FALAPIKey,
		Logger:  &providerLogger,
	})
	pool := batch.NewPool(batch.Options{
		Registry:       reg,
		Cache:          store,
		Hub:            hub,
		Generator:      generator,
		Files:          files,
		Logger:         infra.ComponentLogger(logger, "batch"),
		Workers:        cfg.MaxConcurrency,
		QueueHighWater: cfg.QueueHighWater,
		MaxAttempts:    cfg.MaxRetryAttempts,
		BackoffBase:    cfg.RetryBackoffBase,
		RemoteTimeout:  cfg.RemoteTimeout,
		CacheTTL:       cfg.CacheTTL,
	})

	app := &handlers.App{
		Config:   cfg,
		Logger:   infra.ComponentLogger(logger, "http"),
		Registry: reg,
		Cache:    store,
		Pool:     pool,
		Hub:      hub,
		Limiter:  limiter,
		Files:    files,
		Redis:    rdb,
	}
	server := infra.NewHTTPServer(cfg, httpapi.NewRouter(app))

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info().Str("port", cfg.Port).Int("workers", cfg.MaxConcurrency).Msg("api listening")
		return server.Start()
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return pool.Run(ctx)
	})
	g.Go(func() error {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if removed := reg.GC(cfg.JobRetention); removed > 0 {
					logger.Debug().Int("removed", removed).Msg("registry gc")
				}
			}
		}
	})

	if err := g.Wait(); err != nil && err != http.ErrServerClosed {
		logger.Error().Err(err).Msg("shutdown with error")
	}
	logger.Info().Msg("server stopped")
}
