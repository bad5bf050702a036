package worker

import (
	"fmt"
	"strings"
	"time"

	"github.com/dunamismax/greyflow/internal/config"
	"github.com/dunamismax/greyflow/internal/events"
	"github.com/dunamismax/greyflow/internal/pipeline"
	"github.com/dunamismax/greyflow/internal/storage"
	"github.com/dunamismax/greyflow/internal/webhook"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Bootstrap wires storage, the processor, the outcome bus and the webhook
// notifier into a Runner. Callers must Close the returned bus on shutdown.
func Bootstrap(cfg config.Config, logger *zap.Logger, registerer prometheus.Registerer) (*Runner, *events.Bus, error) {
	if err := cfg.Storage.Validate(); err != nil {
		return nil, nil, err
	}
	source, err := storage.Open(cfg.Storage.SourceCredential)
	if err != nil {
		return nil, nil, fmt.Errorf("open source storage: %w", err)
	}
	destination := source
	if strings.TrimSpace(cfg.Storage.DestinationCredential) != strings.TrimSpace(cfg.Storage.SourceCredential) {
		destination, err = storage.Open(cfg.Storage.DestinationCredential)
		if err != nil {
			return nil, nil, fmt.Errorf("open destination storage: %w", err)
		}
	}
	logger.Info("storage configured",
		zap.String("source_backend", storage.Backend(cfg.Storage.SourceCredential)),
		zap.String("destination_backend", storage.Backend(cfg.Storage.DestinationCredential)),
		zap.String("source_container", cfg.Storage.SourceContainer),
		zap.String("destination_container", cfg.Storage.DestinationContainer),
	)

	processor, err := pipeline.NewProcessor(pipeline.Settings{
		SourceContainer:      cfg.Storage.SourceContainer,
		DestinationContainer: cfg.Storage.DestinationContainer,
		OutputPrefix:         cfg.Pipeline.OutputPrefix,
		OutputFormat:         cfg.Pipeline.OutputFormat,
		JPEGQuality:          cfg.Pipeline.JPEGQuality,
		MaxObjectBytes:       cfg.Pipeline.MaxObjectBytes,
		MaxPixels:            cfg.Pipeline.MaxPixels,
	}, source, destination, pipeline.WithLogger(logger.Named("pipeline")))
	if err != nil {
		return nil, nil, fmt.Errorf("initialize pipeline processor: %w", err)
	}

	bus := events.NewBus(logger.Named("events"))
	notifier := webhook.NewNotifier(
		webhook.NewClient(webhook.Config{
			SigningSecret:  cfg.Webhook.Secret,
			Timeout:        cfg.Webhook.Timeout,
			MaxAttempts:    3,
			InitialBackoff: 500 * time.Millisecond,
			MaxBackoff:     5 * time.Second,
		}),
		cfg.Webhook.URL,
		4*cfg.Webhook.Timeout,
		logger,
	)
	if err := notifier.Subscribe(bus); err != nil {
		return nil, nil, fmt.Errorf("subscribe webhook notifier: %w", err)
	}

	runner, err := NewRunner(processor, RunnerOptions{
		FailurePolicy: cfg.Pipeline.FailurePolicy,
		MaxActiveRuns: cfg.Worker.MaxActiveRuns,
		Metrics:       NewMetrics(registerer),
		Bus:           bus,
		Logger:        logger,
	})
	if err != nil {
		return nil, nil, err
	}
	return runner, bus, nil
}
