package worker

import (
	"context"
	"fmt"

	"github.com/dunamismax/greyflow/internal/config"
	"github.com/dunamismax/greyflow/internal/domain"
	"github.com/dunamismax/greyflow/internal/events"
	"github.com/dunamismax/greyflow/internal/pipeline"
	"go.uber.org/zap"
)

// Pipeline is the part of *pipeline.Processor the runner drives.
type Pipeline interface {
	Run(ctx context.Context, n domain.Notification) pipeline.Outcome
}

type RunnerOptions struct {
	// FailurePolicy is config.FailurePolicyLog or config.FailurePolicyPropagate.
	FailurePolicy string
	MaxActiveRuns int
	Metrics       *Metrics
	Bus           *events.Bus
	Logger        *zap.Logger
}

// Runner hosts pipeline runs. It bounds concurrency, records metrics,
// publishes every outcome to the bus and applies the failure policy.
type Runner struct {
	pipeline  Pipeline
	propagate bool
	sem       chan struct{}
	metrics   *Metrics
	bus       *events.Bus
	logger    *zap.Logger
}

func NewRunner(p Pipeline, opts RunnerOptions) (*Runner, error) {
	if p == nil {
		return nil, fmt.Errorf("pipeline is required")
	}

	var propagate bool
	switch opts.FailurePolicy {
	case "", config.FailurePolicyLog:
	case config.FailurePolicyPropagate:
		propagate = true
	default:
		return nil, fmt.Errorf("unknown failure policy %q", opts.FailurePolicy)
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = NewMetrics(nil)
	}

	return &Runner{
		pipeline:  p,
		propagate: propagate,
		sem:       make(chan struct{}, max(1, opts.MaxActiveRuns)),
		metrics:   metrics,
		bus:       opts.Bus,
		logger:    logger.Named("runner"),
	}, nil
}

// Handle runs one notification. Under the log policy a failed run returns a
// nil error; under propagate it returns the run's *pipeline.Error.
func (r *Runner) Handle(ctx context.Context, n domain.Notification) (pipeline.Outcome, error) {
	select {
	case r.sem <- struct{}{}:
	case <-ctx.Done():
		return pipeline.Outcome{}, ctx.Err()
	}
	r.metrics.activeRuns.Inc()
	defer func() {
		<-r.sem
		r.metrics.activeRuns.Dec()
	}()

	out := r.pipeline.Run(ctx, n)
	r.metrics.observe(out)
	if r.bus != nil {
		r.bus.PublishOutcome(out)
	}

	if out.Succeeded() || !r.propagate {
		return out, nil
	}
	return out, out.Err
}

// Dispatch satisfies the trigger's dispatcher for inline mode.
func (r *Runner) Dispatch(ctx context.Context, n domain.Notification) error {
	_, err := r.Handle(ctx, n)
	return err
}
