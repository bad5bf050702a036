package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/dunamismax/greyflow/internal/config"
	"github.com/dunamismax/greyflow/internal/pipeline"
	"github.com/dunamismax/greyflow/internal/queue"
	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// Server consumes blob notifications from the asynq queue.
type Server struct {
	logger *zap.Logger
	server *asynq.Server
	runner *Runner
}

func NewServer(logger *zap.Logger, queueCfg config.QueueConfig, workerCfg config.WorkerConfig, runner *Runner) (*Server, error) {
	if runner == nil {
		return nil, fmt.Errorf("runner is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("worker")

	s := &Server{
		logger: logger,
		runner: runner,
		server: asynq.NewServer(
			queueCfg.RedisClientOpt(),
			asynq.Config{
				Concurrency: workerCfg.Concurrency,
				Queues: map[string]int{
					queueCfg.Name: 1,
				},
				Logger:   logger.Named("asynq").Sugar(),
				LogLevel: asynq.InfoLevel,
				ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
					retried, _ := asynq.GetRetryCount(ctx)
					maxRetry, _ := asynq.GetMaxRetry(ctx)
					logger.Warn("task failed",
						zap.String("type", task.Type()),
						zap.Int("retry", retried),
						zap.Int("max_retry", maxRetry),
						zap.Error(err),
					)
				}),
			},
		),
	}
	return s, nil
}

func (s *Server) Handler() asynq.Handler {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.TypeBlobCreated, s.handleBlobCreated)
	return mux
}

// Run processes tasks until ctx is cancelled, then drains in-flight tasks.
func (s *Server) Run(ctx context.Context) error {
	if err := s.server.Start(s.Handler()); err != nil {
		return fmt.Errorf("start asynq server: %w", err)
	}
	<-ctx.Done()
	s.server.Shutdown()
	return nil
}

func (s *Server) handleBlobCreated(ctx context.Context, task *asynq.Task) error {
	payload, err := queue.ParseBlobCreatedPayload(task)
	if err != nil {
		return fmt.Errorf("parse payload: %v: %w", err, asynq.SkipRetry)
	}

	_, err = s.runner.Handle(ctx, payload.Notification)
	if err == nil {
		return nil
	}

	var runErr *pipeline.Error
	if errors.As(err, &runErr) && runErr.Kind.Permanent() {
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}
	return err
}
