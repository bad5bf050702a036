package webhook

import (
	"context"
	"strings"
	"time"

	"github.com/dunamismax/greyflow/internal/events"
	"github.com/dunamismax/greyflow/internal/pipeline"
	"go.uber.org/zap"
)

const (
	EventRunCompleted = "run.completed"
	EventRunFailed    = "run.failed"
)

type RunPayload struct {
	Event       string    `json:"event"`
	RunID       string    `json:"run_id"`
	Status      string    `json:"status"`
	Stage       string    `json:"stage"`
	Kind        string    `json:"kind,omitempty"`
	Error       string    `json:"error,omitempty"`
	SourceURL   string    `json:"source_url"`
	Object      string    `json:"object,omitempty"`
	Output      string    `json:"output,omitempty"`
	Container   string    `json:"container"`
	SourceBytes int       `json:"source_bytes"`
	OutputBytes int       `json:"output_bytes"`
	Width       int       `json:"width,omitempty"`
	Height      int       `json:"height,omitempty"`
	DurationMS  int64     `json:"duration_ms"`
	OccurredAt  time.Time `json:"occurred_at"`
}

func PayloadFromOutcome(out pipeline.Outcome, now time.Time) RunPayload {
	p := RunPayload{
		Event:       EventRunCompleted,
		RunID:       out.RunID,
		Status:      string(out.Status),
		Stage:       string(out.Stage),
		SourceURL:   out.SourceURL,
		Object:      out.Object,
		Output:      out.Output,
		Container:   out.Container,
		SourceBytes: out.SourceBytes,
		OutputBytes: out.OutputBytes,
		Width:       out.Width,
		Height:      out.Height,
		DurationMS:  out.Duration.Milliseconds(),
		OccurredAt:  now.UTC(),
	}
	if out.Err != nil {
		p.Event = EventRunFailed
		p.Kind = string(out.Err.Kind)
		p.Error = out.Err.Error()
		p.Output = ""
	}
	return p
}

// Notifier delivers run outcomes to a single endpoint. Delivery failures are
// logged and dropped.
type Notifier struct {
	client   *Client
	endpoint string
	timeout  time.Duration
	logger   *zap.Logger
}

func NewNotifier(client *Client, endpoint string, timeout time.Duration, logger *zap.Logger) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Notifier{
		client:   client,
		endpoint: strings.TrimSpace(endpoint),
		timeout:  timeout,
		logger:   logger.Named("webhook"),
	}
}

func (n *Notifier) Enabled() bool {
	return n != nil && n.client != nil && n.endpoint != ""
}

func (n *Notifier) Notify(out pipeline.Outcome) {
	if !n.Enabled() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
	defer cancel()

	payload := PayloadFromOutcome(out, time.Now())
	if err := n.client.Send(ctx, n.endpoint, payload.Event, payload); err != nil {
		n.logger.Warn("webhook delivery failed",
			zap.String("run_id", out.RunID),
			zap.String("event", payload.Event),
			zap.Error(err),
		)
		return
	}
	n.logger.Debug("webhook delivered", zap.String("run_id", out.RunID), zap.String("event", payload.Event))
}

// Subscribe attaches the notifier to the outcome bus. A disabled notifier
// does not subscribe.
func (n *Notifier) Subscribe(bus *events.Bus) error {
	if !n.Enabled() || bus == nil {
		return nil
	}
	return bus.OnOutcome("webhook", n.Notify)
}
