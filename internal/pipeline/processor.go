package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dunamismax/greyflow/internal/domain"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type Stage string

const (
	StageResolveIdentity Stage = "resolve_identity"
	StageFetch           Stage = "fetch"
	StageCollect         Stage = "collect"
	StageDecode          Stage = "decode"
	StageTransform       Stage = "transform"
	StageEncode          Stage = "encode"
	StagePublish         Stage = "publish"
	StageDone            Stage = "done"
)

type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Source opens the bytes of an object in the source container. A nil reader
// with a nil error means the object has no body.
type Source interface {
	OpenObject(ctx context.Context, container, name string) (io.ReadCloser, error)
}

// Destination publishes encoded output. EnsureContainer must be idempotent
// and safe to call from concurrent runs; WriteObject overwrites.
type Destination interface {
	EnsureContainer(ctx context.Context, container string) error
	WriteObject(ctx context.Context, container, name string, data []byte, contentType string) error
}

type Settings struct {
	SourceContainer      string
	DestinationContainer string
	OutputPrefix         string
	OutputFormat         string
	JPEGQuality          int
	MaxObjectBytes       int64
	// MaxPixels caps width*height of a decoded source. Zero means
	// DefaultMaxPixels.
	MaxPixels int64
}

func (s Settings) withDefaults() Settings {
	if s.OutputPrefix == "" {
		s.OutputPrefix = domain.DefaultOutputPrefix
	}
	if strings.TrimSpace(s.OutputFormat) == "" {
		s.OutputFormat = MIMEJPEG
	}
	s.OutputFormat = NormalizeMIMEType(s.OutputFormat)
	if s.JPEGQuality <= 0 || s.JPEGQuality > 100 {
		s.JPEGQuality = DefaultJPEGQuality
	}
	if s.MaxPixels <= 0 {
		s.MaxPixels = DefaultMaxPixels
	}
	return s
}

func (s Settings) validate() error {
	if strings.TrimSpace(s.SourceContainer) == "" {
		return errors.New("source container is required")
	}
	if strings.TrimSpace(s.DestinationContainer) == "" {
		return errors.New("destination container is required")
	}
	switch s.OutputFormat {
	case MIMEJPEG, MIMEPNG:
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedFormat, s.OutputFormat)
	}
	return nil
}

// Outcome is the terminal state of one run. Err is set exactly when Status
// is StatusFailed.
type Outcome struct {
	RunID       string
	Status      Status
	Stage       Stage
	SourceURL   string
	Object      string
	Output      string
	Container   string
	SourceBytes int
	OutputBytes int
	Width       int
	Height      int
	Duration    time.Duration
	Err         *Error
}

func (o Outcome) Succeeded() bool {
	return o.Status == StatusSucceeded
}

// Error returns the run error as a plain error, nil on success.
func (o Outcome) Error() error {
	if o.Err == nil {
		return nil
	}
	return o.Err
}

type Option func(*Processor)

func WithLogger(logger *zap.Logger) Option {
	return func(p *Processor) {
		if logger != nil {
			p.logger = logger
		}
	}
}

func WithCodec(codec Codec) Option {
	return func(p *Processor) {
		if codec != nil {
			p.codec = codec
		}
	}
}

func WithRunIDs(fn func() string) Option {
	return func(p *Processor) {
		if fn != nil {
			p.newRunID = fn
		}
	}
}

type Processor struct {
	settings    Settings
	source      Source
	destination Destination
	codec       Codec
	transform   func(*Image) *Image
	logger      *zap.Logger
	tracer      trace.Tracer
	newRunID    func() string
	now         func() time.Time
}

func NewProcessor(settings Settings, source Source, destination Destination, opts ...Option) (*Processor, error) {
	if source == nil {
		return nil, errors.New("source storage is required")
	}
	if destination == nil {
		return nil, errors.New("destination storage is required")
	}

	settings = settings.withDefaults()
	if err := settings.validate(); err != nil {
		return nil, fmt.Errorf("pipeline settings: %w", err)
	}

	p := &Processor{
		settings:    settings,
		source:      source,
		destination: destination,
		codec:       newCodec(),
		transform:   Greyscale,
		logger:      zap.NewNop(),
		tracer:      otel.Tracer("greyflow/pipeline"),
		newRunID:    uuid.NewString,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

func (p *Processor) Settings() Settings {
	return p.settings
}

// Run executes one notification end to end. It never returns an error:
// failures are logged once and reported through the Outcome, and the caller
// decides whether they should surface any further.
func (p *Processor) Run(ctx context.Context, n domain.Notification) Outcome {
	startedAt := p.now()
	out := Outcome{
		RunID:     p.newRunID(),
		Status:    StatusFailed,
		SourceURL: n.SourceURL,
		Container: p.settings.DestinationContainer,
	}

	ctx, span := p.tracer.Start(ctx, "pipeline.run", trace.WithSpanKind(trace.SpanKindConsumer))
	defer span.End()
	span.SetAttributes(
		attribute.String("run.id", out.RunID),
		attribute.String("notification.id", n.ID),
		attribute.String("source.url", n.SourceURL),
	)

	logger := p.logger.With(
		zap.String("run_id", out.RunID),
		zap.String("notification_id", n.ID),
		zap.String("source_url", n.SourceURL),
	)
	logger.Info("run started")

	runErr := p.execute(ctx, n, &out, logger, span)
	out.Duration = p.now().Sub(startedAt)

	if runErr != nil {
		out.Err = runErr
		span.RecordError(runErr)
		span.SetStatus(codes.Error, string(runErr.Kind))
		logger.Error("run failed",
			zap.String("stage", string(runErr.Stage)),
			zap.String("kind", string(runErr.Kind)),
			zap.String("object", out.Object),
			zap.Duration("duration", out.Duration),
			zap.Error(runErr.Err),
		)
		return out
	}

	out.Status = StatusSucceeded
	out.Stage = StageDone
	span.SetAttributes(attribute.String("output.name", out.Output))
	span.SetStatus(codes.Ok, "published")
	logger.Info("run completed",
		zap.String("object", out.Object),
		zap.String("output", out.Output),
		zap.String("container", out.Container),
		zap.Int("source_bytes", out.SourceBytes),
		zap.Int("output_bytes", out.OutputBytes),
		zap.Duration("duration", out.Duration),
	)
	return out
}

func (p *Processor) execute(ctx context.Context, n domain.Notification, out *Outcome, logger *zap.Logger, span trace.Span) *Error {
	enter := func(stage Stage) {
		out.Stage = stage
		span.AddEvent(string(stage))
		logger.Debug("stage started", zap.String("stage", string(stage)))
	}
	fail := func(stage Stage, err error) *Error {
		return &Error{Kind: kindForStage(stage), Stage: stage, Object: out.Object, Err: err}
	}

	enter(StageResolveIdentity)
	name, err := n.ObjectName()
	if err != nil {
		return fail(StageResolveIdentity, err)
	}
	out.Object = name
	out.Output = domain.OutputName(p.settings.OutputPrefix, name)

	enter(StageFetch)
	body, err := p.source.OpenObject(ctx, p.settings.SourceContainer, name)
	if err != nil {
		return fail(StageFetch, fmt.Errorf("open %s/%s: %w", p.settings.SourceContainer, name, err))
	}

	enter(StageCollect)
	var reader io.Reader
	if body != nil {
		reader = body
		defer body.Close()
	}
	data, err := Collect(ctx, reader, p.settings.MaxObjectBytes)
	if err != nil {
		return fail(StageCollect, err)
	}
	out.SourceBytes = len(data)
	logger.Info("source collected", zap.String("object", name), zap.Int("bytes", len(data)))

	enter(StageDecode)
	img, err := p.codec.Decode(ctx, data, DecodeOptions{MaxPixels: p.settings.MaxPixels})
	if err != nil {
		return fail(StageDecode, err)
	}
	out.Width, out.Height = img.Width(), img.Height()
	logger.Debug("source decoded",
		zap.String("format", img.Format),
		zap.Int("width", out.Width),
		zap.Int("height", out.Height),
	)

	enter(StageTransform)
	img = p.transform(img)

	enter(StageEncode)
	encoded, err := p.codec.Encode(ctx, img, EncodeOptions{
		MIMEType: p.settings.OutputFormat,
		Quality:  p.settings.JPEGQuality,
	})
	if err != nil {
		return fail(StageEncode, err)
	}
	out.OutputBytes = len(encoded)

	enter(StagePublish)
	if err := p.destination.EnsureContainer(ctx, p.settings.DestinationContainer); err != nil {
		return fail(StagePublish, fmt.Errorf("ensure container %s: %w", p.settings.DestinationContainer, err))
	}
	if err := p.destination.WriteObject(ctx, p.settings.DestinationContainer, out.Output, encoded, p.settings.OutputFormat); err != nil {
		return fail(StagePublish, fmt.Errorf("write %s/%s: %w", p.settings.DestinationContainer, out.Output, err))
	}
	return nil
}
