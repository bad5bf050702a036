package events

import (
	"fmt"

	evbus "github.com/asaskevich/EventBus"
	"github.com/dunamismax/greyflow/internal/pipeline"
	"go.uber.org/zap"
)

// TopicRunFinished carries one pipeline.Outcome per finished run.
const TopicRunFinished = "run:finished"

// Bus fans run outcomes out to in-process subscribers such as the webhook
// notifier. Publishing never blocks on subscribers registered with OnOutcome.
type Bus struct {
	bus    evbus.Bus
	logger *zap.Logger
}

func NewBus(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{bus: evbus.New(), logger: logger}
}

func (b *Bus) PublishOutcome(out pipeline.Outcome) {
	b.bus.Publish(TopicRunFinished, out)
}

// OnOutcome registers fn to run asynchronously for every published outcome.
// A panicking subscriber is logged and does not take the process down.
func (b *Bus) OnOutcome(name string, fn func(pipeline.Outcome)) error {
	handler := func(out pipeline.Outcome) {
		defer func() {
			if r := recover(); r != nil {
				b.logger.Error("outcome subscriber panicked",
					zap.String("subscriber", name),
					zap.String("run_id", out.RunID),
					zap.Any("panic", r),
				)
			}
		}()
		fn(out)
	}
	if err := b.bus.SubscribeAsync(TopicRunFinished, handler, false); err != nil {
		return fmt.Errorf("subscribe %s: %w", name, err)
	}
	return nil
}

func (b *Bus) HasSubscribers() bool {
	return b.bus.HasCallback(TopicRunFinished)
}

// Close waits for in-flight asynchronous subscribers.
func (b *Bus) Close() {
	b.bus.WaitAsync()
}
