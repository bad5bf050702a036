package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dunamismax/greyflow/internal/config"
	"github.com/dunamismax/greyflow/internal/pipeline"
	"github.com/dunamismax/greyflow/internal/queue"
	"github.com/dunamismax/greyflow/internal/ratelimit"
	"github.com/dunamismax/greyflow/internal/telemetry"
	"github.com/dunamismax/greyflow/internal/trigger"
	"github.com/dunamismax/greyflow/internal/worker"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "greyflow-trigger: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger, err := telemetry.NewLogger("greyflow-trigger", cfg.Telemetry.LogLevel, cfg.Telemetry.LogFormat)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.TraceConfig{
		ServiceName:  "greyflow-trigger",
		Exporter:     cfg.Telemetry.TraceExporter,
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure: cfg.Telemetry.OTLPInsecure,
	}, logger)
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn("tracing shutdown failed", zap.Error(err))
		}
	}()

	registry := telemetry.NewRegistry()

	var dispatcher trigger.Dispatcher
	switch cfg.Trigger.Mode {
	case config.TriggerModeQueue:
		queueClient := queue.NewClient(cfg.Queue.RedisClientOpt(), cfg.Queue.Name, cfg.Queue.MaxRetry, cfg.Queue.TaskTimeout)
		defer func() {
			if err := queueClient.Close(); err != nil {
				logger.Warn("queue client close failed", zap.Error(err))
			}
		}()
		dispatcher = queueClient
	default:
		if err := pipeline.Startup(); err != nil {
			return fmt.Errorf("start image runtime: %w", err)
		}
		defer pipeline.Shutdown()

		runner, bus, err := worker.Bootstrap(cfg, logger, registry)
		if err != nil {
			return err
		}
		defer bus.Close()
		dispatcher = runner
	}

	var limiter ratelimit.Limiter
	if cfg.Trigger.RateLimit > 0 {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Queue.RedisAddr,
			Password: cfg.Queue.RedisPassword,
			DB:       cfg.Queue.RedisDB,
		})
		defer redisClient.Close()

		bucket, err := ratelimit.NewRedisTokenBucket(redisClient, cfg.Trigger.RateLimit, cfg.Trigger.RateWindow, "")
		if err != nil {
			return fmt.Errorf("initialize rate limiter: %w", err)
		}
		limiter = bucket
	}

	app, err := trigger.NewServer(trigger.Options{
		Path:           cfg.Trigger.Path,
		Dispatcher:     dispatcher,
		RateLimiter:    limiter,
		Registry:       registry,
		TracerProvider: otel.GetTracerProvider(),
		Logger:         logger,
		AllowedOrigin:  cfg.Trigger.AllowedOrigin,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:         cfg.Trigger.Addr,
		Handler:      app.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.Queue.TaskTimeout,
		IdleTimeout:  60 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Info("listening",
			zap.String("addr", cfg.Trigger.Addr),
			zap.String("path", cfg.Trigger.Path),
			zap.String("mode", cfg.Trigger.Mode),
			zap.String("failure_policy", cfg.Pipeline.FailurePolicy),
		)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("trigger server failed: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return group.Wait()
}
