package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	FailurePolicyLog       = "log"
	FailurePolicyPropagate = "propagate"

	TriggerModeInline = "inline"
	TriggerModeQueue  = "queue"
)

type Config struct {
	Storage   StorageConfig   `yaml:"storage"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Trigger   TriggerConfig   `yaml:"trigger"`
	Queue     QueueConfig     `yaml:"queue"`
	Worker    WorkerConfig    `yaml:"worker"`
	Webhook   WebhookConfig   `yaml:"webhook"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

type StorageConfig struct {
	SourceCredential      string `yaml:"source_credential"`
	DestinationCredential string `yaml:"destination_credential"`
	SourceContainer       string `yaml:"source_container"`
	DestinationContainer  string `yaml:"destination_container"`
}

type PipelineConfig struct {
	OutputPrefix   string `yaml:"output_prefix"`
	OutputFormat   string `yaml:"output_format"`
	JPEGQuality    int    `yaml:"jpeg_quality"`
	MaxObjectBytes int64  `yaml:"max_object_bytes"`
	MaxPixels      int64  `yaml:"max_pixels"`
	FailurePolicy  string `yaml:"failure_policy"`
}

type TriggerConfig struct {
	Addr          string        `yaml:"addr"`
	Path          string        `yaml:"path"`
	Mode          string        `yaml:"mode"`
	RateLimit     int           `yaml:"rate_limit"`
	RateWindow    time.Duration `yaml:"rate_window"`
	AllowedOrigin string        `yaml:"allowed_origin"`
}

type QueueConfig struct {
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
	Name          string        `yaml:"name"`
	MaxRetry      int           `yaml:"max_retry"`
	TaskTimeout   time.Duration `yaml:"task_timeout"`
}

func (q QueueConfig) RedisClientOpt() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     q.RedisAddr,
		Password: q.RedisPassword,
		DB:       q.RedisDB,
	}
}

type WorkerConfig struct {
	Concurrency   int    `yaml:"concurrency"`
	MaxActiveRuns int    `yaml:"max_active_runs"`
	MetricsAddr   string `yaml:"metrics_addr"`
}

type WebhookConfig struct {
	URL     string        `yaml:"url"`
	Secret  string        `yaml:"secret"`
	Timeout time.Duration `yaml:"timeout"`
}

type TelemetryConfig struct {
	LogLevel      string `yaml:"log_level"`
	LogFormat     string `yaml:"log_format"`
	TraceExporter string `yaml:"trace_exporter"`
	OTLPEndpoint  string `yaml:"otlp_endpoint"`
	OTLPInsecure  bool   `yaml:"otlp_insecure"`
}

// ConfigError lists every problem found while loading or validating, so a
// misconfigured deployment fails once with the full picture.
type ConfigError struct {
	Problems []string
}

func (e *ConfigError) Error() string {
	return "invalid configuration: " + strings.Join(e.Problems, "; ")
}

func (e *ConfigError) add(format string, args ...any) {
	e.Problems = append(e.Problems, fmt.Sprintf(format, args...))
}

func (e *ConfigError) orNil() error {
	if e == nil || len(e.Problems) == 0 {
		return nil
	}
	return e
}

func Defaults() Config {
	defaultWorkerSlots := max(1, runtime.NumCPU()/2)

	return Config{
		Pipeline: PipelineConfig{
			OutputPrefix:  "processed-",
			OutputFormat:  "image/jpeg",
			JPEGQuality:   80,
			MaxPixels:     50_000_000,
			FailurePolicy: FailurePolicyLog,
		},
		Trigger: TriggerConfig{
			Addr:       ":8080",
			Path:       "/events",
			Mode:       TriggerModeInline,
			RateWindow: time.Minute,
		},
		Queue: QueueConfig{
			RedisAddr:   "localhost:6379",
			Name:        "default",
			MaxRetry:    5,
			TaskTimeout: 5 * time.Minute,
		},
		Worker: WorkerConfig{
			Concurrency:   max(2, runtime.NumCPU()),
			MaxActiveRuns: defaultWorkerSlots,
			MetricsAddr:   ":9091",
		},
		Webhook: WebhookConfig{
			Timeout: 10 * time.Second,
		},
		Telemetry: TelemetryConfig{
			LogLevel:  "info",
			LogFormat: "json",
		},
	}
}

// Load reads .env when present, then the optional GREYFLOW_CONFIG_FILE, then
// the process environment. Later sources win. The result is validated once.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	cfg := Defaults()
	if path := env("GREYFLOW_CONFIG_FILE", ""); path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	problems := &ConfigError{}
	applyEnv(&cfg, problems)
	if err := problems.orNil(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config, problems *ConfigError) {
	s := &cfg.Storage
	s.SourceCredential = env("GREYFLOW_STORAGE_CREDENTIAL", env("AzureWebJobsStorage", s.SourceCredential))
	s.DestinationCredential = env("GREYFLOW_DESTINATION_CREDENTIAL", s.DestinationCredential)
	s.SourceContainer = env("GREYFLOW_SOURCE_CONTAINER", s.SourceContainer)
	s.DestinationContainer = env("GREYFLOW_DESTINATION_CONTAINER", s.DestinationContainer)
	if strings.TrimSpace(s.DestinationCredential) == "" {
		s.DestinationCredential = s.SourceCredential
	}

	p := &cfg.Pipeline
	p.OutputPrefix = env("GREYFLOW_OUTPUT_PREFIX", p.OutputPrefix)
	p.OutputFormat = env("GREYFLOW_OUTPUT_FORMAT", p.OutputFormat)
	p.JPEGQuality = envInt("GREYFLOW_JPEG_QUALITY", p.JPEGQuality, problems)
	p.MaxObjectBytes = int64(envInt("GREYFLOW_MAX_OBJECT_BYTES", int(p.MaxObjectBytes), problems))
	p.MaxPixels = int64(envInt("GREYFLOW_MAX_PIXELS", int(p.MaxPixels), problems))
	p.FailurePolicy = strings.ToLower(env("GREYFLOW_FAILURE_POLICY", p.FailurePolicy))

	t := &cfg.Trigger
	t.Addr = env("GREYFLOW_TRIGGER_ADDR", t.Addr)
	t.Path = env("GREYFLOW_TRIGGER_PATH", t.Path)
	t.Mode = strings.ToLower(env("GREYFLOW_TRIGGER_MODE", t.Mode))
	t.RateLimit = envInt("GREYFLOW_RATE_LIMIT", t.RateLimit, problems)
	t.RateWindow = envDuration("GREYFLOW_RATE_WINDOW", t.RateWindow, problems)
	t.AllowedOrigin = env("GREYFLOW_TRIGGER_ALLOWED_ORIGIN", t.AllowedOrigin)

	q := &cfg.Queue
	q.RedisAddr = env("REDIS_ADDR", q.RedisAddr)
	q.RedisPassword = env("REDIS_PASSWORD", q.RedisPassword)
	q.RedisDB = envInt("REDIS_DB", q.RedisDB, problems)
	q.Name = env("ASYNC_QUEUE", q.Name)
	q.MaxRetry = envInt("QUEUE_MAX_RETRY", q.MaxRetry, problems)
	q.TaskTimeout = envDuration("QUEUE_TASK_TIMEOUT", q.TaskTimeout, problems)

	w := &cfg.Worker
	w.Concurrency = envInt("WORKER_CONCURRENCY", w.Concurrency, problems)
	w.MaxActiveRuns = envInt("WORKER_MAX_ACTIVE_RUNS", w.MaxActiveRuns, problems)
	w.MetricsAddr = env("WORKER_METRICS_ADDR", w.MetricsAddr)

	h := &cfg.Webhook
	h.URL = env("GREYFLOW_WEBHOOK_URL", h.URL)
	h.Secret = env("GREYFLOW_WEBHOOK_SECRET", h.Secret)
	h.Timeout = envDuration("GREYFLOW_WEBHOOK_TIMEOUT", h.Timeout, problems)

	o := &cfg.Telemetry
	o.LogLevel = env("LOG_LEVEL", o.LogLevel)
	o.LogFormat = env("LOG_FORMAT", o.LogFormat)
	o.TraceExporter = env("OTEL_TRACES_EXPORTER", o.TraceExporter)
	o.OTLPEndpoint = env("OTEL_EXPORTER_OTLP_ENDPOINT", o.OTLPEndpoint)
	o.OTLPInsecure = envBool("OTEL_EXPORTER_OTLP_INSECURE", o.OTLPInsecure, problems)
}

// Validate checks the whole configuration and reports every problem at once.
// In queue mode the trigger never opens storage, so storage settings are
// left to StorageConfig.Validate, which every pipeline host calls.
func (c Config) Validate() error {
	problems := &ConfigError{}

	if c.Trigger.Mode != TriggerModeQueue {
		c.Storage.check(problems)
	}

	switch strings.ToLower(strings.TrimSpace(c.Pipeline.OutputFormat)) {
	case "image/jpeg", "image/jpg", "jpeg", "jpg", "image/png", "png":
	default:
		problems.add("output format %q is not supported", c.Pipeline.OutputFormat)
	}
	if c.Pipeline.JPEGQuality < 1 || c.Pipeline.JPEGQuality > 100 {
		problems.add("jpeg quality must be between 1 and 100, got %d", c.Pipeline.JPEGQuality)
	}
	if c.Pipeline.MaxObjectBytes < 0 {
		problems.add("max object bytes must not be negative")
	}
	if c.Pipeline.MaxPixels < 0 {
		problems.add("max pixels must not be negative")
	}
	switch c.Pipeline.FailurePolicy {
	case FailurePolicyLog, FailurePolicyPropagate:
	default:
		problems.add("failure policy must be %q or %q, got %q", FailurePolicyLog, FailurePolicyPropagate, c.Pipeline.FailurePolicy)
	}

	switch c.Trigger.Mode {
	case TriggerModeInline, TriggerModeQueue:
	default:
		problems.add("trigger mode must be %q or %q, got %q", TriggerModeInline, TriggerModeQueue, c.Trigger.Mode)
	}
	if !strings.HasPrefix(c.Trigger.Path, "/") {
		problems.add("trigger path must start with /, got %q", c.Trigger.Path)
	}
	if c.Trigger.RateLimit < 0 {
		problems.add("rate limit must not be negative")
	}
	if c.Trigger.RateLimit > 0 && c.Trigger.RateWindow <= 0 {
		problems.add("rate window must be positive when a rate limit is set")
	}

	if c.Queue.MaxRetry < 0 {
		problems.add("queue max retry must not be negative")
	}
	if c.Worker.Concurrency < 1 {
		problems.add("worker concurrency must be at least 1")
	}
	if c.Worker.MaxActiveRuns < 1 {
		problems.add("worker max active runs must be at least 1")
	}

	return problems.orNil()
}

// Validate reports missing storage settings. Processes that run the
// pipeline call it regardless of trigger mode.
func (s StorageConfig) Validate() error {
	problems := &ConfigError{}
	s.check(problems)
	return problems.orNil()
}

func (s StorageConfig) check(problems *ConfigError) {
	if strings.TrimSpace(s.SourceCredential) == "" {
		problems.add("storage credential is required (GREYFLOW_STORAGE_CREDENTIAL or AzureWebJobsStorage)")
	}
	if strings.TrimSpace(s.SourceContainer) == "" {
		problems.add("source container is required (GREYFLOW_SOURCE_CONTAINER)")
	}
	if strings.TrimSpace(s.DestinationContainer) == "" {
		problems.add("destination container is required (GREYFLOW_DESTINATION_CONTAINER)")
	}
}

func env(key, fallback string) string {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback
	}
	return value
}

func envInt(key string, fallback int, problems *ConfigError) int {
	value := env(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		problems.add("%s: %q is not an integer", key, value)
		return fallback
	}
	return parsed
}

func envBool(key string, fallback bool, problems *ConfigError) bool {
	value := env(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		problems.add("%s: %q is not a boolean", key, value)
		return fallback
	}
	return parsed
}

func envDuration(key string, fallback time.Duration, problems *ConfigError) time.Duration {
	value := env(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		problems.add("%s: %q is not a duration", key, value)
		return fallback
	}
	return parsed
}
