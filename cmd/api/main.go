package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dunamismax/imgcompress/internal/api"
	"github.com/dunamismax/imgcompress/internal/blob"
	"github.com/dunamismax/imgcompress/internal/config"
	"github.com/dunamismax/imgcompress/internal/logging"
	"github.com/dunamismax/imgcompress/internal/pipeline"
	"github.com/dunamismax/imgcompress/internal/queue"
	"github.com/dunamismax/imgcompress/internal/ratelimit"
	"github.com/dunamismax/imgcompress/internal/storage"
	"github.com/dunamismax/imgcompress/internal/store"
	"github.com/dunamismax/imgcompress/internal/telemetry"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	cfg := config.Load()
	logger, err := logging.New("imgcompress-api", cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	shutdownTracing, err := telemetry.SetupTracing(context.Background(), telemetry.TraceConfig{
		ServiceName:  "imgcompress-api",
		Exporter:     cfg.Tracing.Exporter,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		OTLPInsecure: cfg.Tracing.OTLPInsecure,
		SampleRatio:  cfg.Tracing.SampleRatio,
	}, logger)
	if err != nil {
		logger.Fatal("tracing setup failed", zap.Error(err))
	}

	if err := pipeline.Startup(); err != nil {
		logger.Fatal("encoder startup failed", zap.Error(err))
	}
	defer pipeline.Shutdown()

	queueClient := queue.NewClient(cfg.Queue.RedisClientOpt(), cfg.Queue.Name)
	defer func() {
		if err := queueClient.Close(); err != nil {
			logger.Warn("queue client close error", zap.Error(err))
		}
	}()

	blobs := blob.NewRegistry()
	sessions := store.NewMemorySessionStore(blobs.Revoke)
	sweepCtx, stopSweep := context.WithCancel(context.Background())
	defer stopSweep()
	go sessions.SweepIdle(sweepCtx, cfg.API.SessionSweep, cfg.API.SessionIdleTTL, logger)

	opts := api.Options{
		Sessions:              sessions,
		Blobs:                 blobs,
		QueueClient:           queueClient,
		RateLimitUserIDHeader: cfg.RateLimit.UserIDHeader,
		MaxUploadBytes:        cfg.API.MaxUploadBytes,
		MaxFileBytes:          cfg.API.MaxFileBytes,
		SoftSizeLimit:         cfg.Processing.SoftSizeLimit,
		SiteName:              cfg.Processing.SiteName,
	}

	if cfg.Storage.Enabled {
		storageClient, err := storage.NewClient(storage.Config{
			Endpoint: cfg.Storage.Endpoint,
			Access:   cfg.Storage.AccessKey,
			Secret:   cfg.Storage.SecretKey,
			Bucket:   cfg.Storage.Bucket,
			Region:   cfg.Storage.Region,
			UseSSL:   cfg.Storage.UseSSL,
		})
		if err != nil {
			logger.Fatal("storage client init failed", zap.Error(err))
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err = storageClient.EnsureBucket(ctx)
		cancel()
		if err != nil {
			logger.Fatal("storage bucket check failed", zap.Error(err))
		}
		opts.Storage = storageClient
	}

	if cfg.RateLimit.Enabled {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Queue.RedisAddr,
			Password: cfg.Queue.RedisPassword,
			DB:       cfg.Queue.RedisDB,
		})
		defer func() { _ = redisClient.Close() }()

		limiter, err := ratelimit.NewRedisTokenBucket(redisClient, "", map[ratelimit.Budget]ratelimit.Policy{
			ratelimit.BudgetRequests: {Capacity: cfg.RateLimit.Requests, Window: cfg.RateLimit.Window},
			ratelimit.BudgetImages:   {Capacity: cfg.RateLimit.Images, Window: cfg.RateLimit.Window},
		})
		if err != nil {
			logger.Fatal("rate limiter init failed", zap.Error(err))
		}
		opts.RateLimiter = limiter
	}

	app, err := api.NewServer(logger, opts)
	if err != nil {
		logger.Fatal("api init failed", zap.Error(err))
	}

	httpServer := &http.Server{
		Addr:              cfg.API.Addr,
		Handler:           app.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       2 * time.Minute,
		WriteTimeout:      2 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("listening",
			zap.String("addr", cfg.API.Addr),
			zap.String("encoder", pipeline.EncoderName()),
			zap.Bool("storage", cfg.Storage.Enabled),
			zap.Bool("rate_limit", cfg.RateLimit.Enabled),
		)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	logger.Info("shutting down")
	stopSweep()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Warn("graceful shutdown failed", zap.Error(err))
	}

	settled := make(chan struct{})
	go func() {
		app.Wait()
		close(settled)
	}()
	select {
	case <-settled:
	case <-ctx.Done():
		logger.Warn("in-flight session batches did not settle before shutdown")
	}

	if err := shutdownTracing(ctx); err != nil {
		logger.Warn("tracing shutdown failed", zap.Error(err))
	}
}
