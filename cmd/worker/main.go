package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/dunamismax/imgcompress/internal/config"
	"github.com/dunamismax/imgcompress/internal/logging"
	"github.com/dunamismax/imgcompress/internal/pipeline"
	"github.com/dunamismax/imgcompress/internal/storage"
	"github.com/dunamismax/imgcompress/internal/telemetry"
	"github.com/dunamismax/imgcompress/internal/webhook"
	"github.com/dunamismax/imgcompress/internal/worker"
	"go.uber.org/zap"
)

func main() {
	cfg := config.Load()
	logger, err := logging.New("imgcompress-worker", cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	shutdownTracing, err := telemetry.SetupTracing(context.Background(), telemetry.TraceConfig{
		ServiceName:  "imgcompress-worker",
		Exporter:     cfg.Tracing.Exporter,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		OTLPInsecure: cfg.Tracing.OTLPInsecure,
		SampleRatio:  cfg.Tracing.SampleRatio,
	}, logger)
	if err != nil {
		logger.Fatal("tracing setup failed", zap.Error(err))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := shutdownTracing(ctx); err != nil {
			logger.Warn("tracing shutdown failed", zap.Error(err))
		}
	}()

	if err := pipeline.Startup(); err != nil {
		logger.Fatal("encoder startup failed", zap.Error(err))
	}
	defer pipeline.Shutdown()

	var storageClient *storage.Client
	if cfg.Storage.Enabled {
		storageClient, err = storage.NewClient(storage.Config{
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
	}

	webhookClient := webhook.NewClient(webhook.Config{
		SigningSecret:  cfg.Webhook.SigningSecret,
		Timeout:        cfg.Webhook.Timeout,
		MaxAttempts:    cfg.Webhook.MaxAttempts,
		InitialBackoff: cfg.Webhook.InitialBackoff,
		MaxBackoff:     cfg.Webhook.MaxBackoff,
	}, logger)

	srv, err := worker.NewServer(logger, cfg.Queue, cfg.Worker, cfg.Processing, storageClient, webhookClient)
	if err != nil {
		logger.Fatal("worker init failed", zap.Error(err))
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", srv.MetricsHandler())
	metricsServer := &http.Server{
		Addr:              cfg.Worker.MetricsAddr,
		Handler:           metricsMux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()

	logger.Info("starting worker",
		zap.Int("concurrency", cfg.Worker.Concurrency),
		zap.Int("max_active_batches", cfg.Worker.MaxActiveJobs),
		zap.String("queue", cfg.Queue.Name),
		zap.String("redis", cfg.Queue.RedisAddr),
		zap.String("encoder", pipeline.EncoderName()),
		zap.String("metrics_addr", cfg.Worker.MetricsAddr),
	)

	// Run blocks until SIGINT or SIGTERM and drains in-flight tasks.
	runErr := srv.Run()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = metricsServer.Shutdown(ctx)

	if runErr != nil {
		logger.Fatal("worker failed", zap.Error(runErr))
	}
}
