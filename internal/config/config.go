// internal/config/config.go
package config

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/YaganovValera/group-consumer/pkg/backoff"
	"github.com/YaganovValera/group-consumer/pkg/logger"
)

// EnvPrefix — префикс переменных окружения: GROUP_CONSUMER_KAFKA_BROKERS и т.д.
const EnvPrefix = "GROUP_CONSUMER"

// -----------------------------------------------------------------------------
// Структуры
// -----------------------------------------------------------------------------

type Config struct {
	ServiceName    string `mapstructure:"service_name"`
	ServiceVersion string `mapstructure:"service_version"`

	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Commit    CommitConfig    `mapstructure:"commit"`
	Processor ProcessorConfig `mapstructure:"processor"`
	Dedup     DedupConfig     `mapstructure:"dedup"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	HTTP      HTTPConfig      `mapstructure:"http"`
}

type KafkaConfig struct {
	Brokers            []string       `mapstructure:"brokers"`
	GroupID            string         `mapstructure:"group_id"`
	Topics             []string       `mapstructure:"topics"`
	ClientIDPrefix     string         `mapstructure:"client_id_prefix"`
	Version            string         `mapstructure:"version"`
	SessionTimeout     time.Duration  `mapstructure:"session_timeout"`
	AutoCommitInterval time.Duration  `mapstructure:"auto_commit_interval"`
	EnablePartitionEOF bool           `mapstructure:"enable_partition_eof"`
	PollTimeout        time.Duration  `mapstructure:"poll_timeout"`
	InitialOffset      string         `mapstructure:"initial_offset"`
	ConnectRetry       bool           `mapstructure:"connect_retry"`
	Backoff            backoff.Config `mapstructure:"backoff"`
}

type WorkerConfig struct {
	Count        int            `mapstructure:"count"`
	DrainTimeout time.Duration  `mapstructure:"drain_timeout"`
	PollBackoff  backoff.Config `mapstructure:"poll_backoff"`
}

type CommitConfig struct {
	Mode      string `mapstructure:"mode"`
	OnFailure bool   `mapstructure:"on_failure"`
}

type ProcessorConfig struct {
	Delay time.Duration `mapstructure:"delay"`
}

type DedupConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	RedisURL string         `mapstructure:"redis_url"`
	TTL      time.Duration  `mapstructure:"ttl"`
	Backoff  backoff.Config `mapstructure:"backoff"`
}

type TelemetryConfig struct {
	OTLPEndpoint string `mapstructure:"otel_endpoint"` // пусто — трассировка выключена
	Insecure     bool   `mapstructure:"insecure"`
}

type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	DevMode bool   `mapstructure:"dev_mode"`
}

// --- HTTP ---

type HTTPConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MetricsPath     string        `mapstructure:"metrics_path"`
	HealthzPath     string        `mapstructure:"healthz_path"`
	ReadyzPath      string        `mapstructure:"readyz_path"`
}

// -----------------------------------------------------------------------------
// Load
// -----------------------------------------------------------------------------

// Options — источники поверх defaults/env/file.
type Options struct {
	Path  string
	Flags *pflag.FlagSet
	// FlagKeys связывает имя флага с ключом конфига; учитываются только
	// явно заданные флаги.
	FlagKeys map[string]string
	// Overrides имеют наивысший приоритет (позиционные аргументы, -v).
	Overrides map[string]any
}

func Load(opts Options) (*Config, error) {
	v := viper.New()

	/* ---------- 1) defaults ---------- */

	v.SetDefault("service_name", "group-consumer")
	v.SetDefault("service_version", "v1.0.0")

	// Kafka
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.group_id", "test_group")
	v.SetDefault("kafka.topics", []string{})
	v.SetDefault("kafka.client_id_prefix", "group-consumer")
	v.SetDefault("kafka.version", "2.8.0")
	v.SetDefault("kafka.session_timeout", "6s")
	v.SetDefault("kafka.auto_commit_interval", "5s")
	v.SetDefault("kafka.enable_partition_eof", false)
	v.SetDefault("kafka.poll_timeout", "1s")
	v.SetDefault("kafka.initial_offset", "newest")
	v.SetDefault("kafka.connect_retry", false)
	v.SetDefault("kafka.backoff.initial_interval", "500ms")
	v.SetDefault("kafka.backoff.max_interval", "10s")
	v.SetDefault("kafka.backoff.max_elapsed_time", "1m")

	// Worker
	v.SetDefault("worker.count", 1)
	v.SetDefault("worker.drain_timeout", "5s")
	v.SetDefault("worker.poll_backoff.initial_interval", "100ms")
	v.SetDefault("worker.poll_backoff.max_interval", "5s")

	// Commit
	v.SetDefault("commit.mode", "async")
	v.SetDefault("commit.on_failure", true)

	// Processor
	v.SetDefault("processor.delay", "0s")

	// Dedup
	v.SetDefault("dedup.enabled", false)
	v.SetDefault("dedup.redis_url", "redis://localhost:6379/0")
	v.SetDefault("dedup.ttl", "24h")
	v.SetDefault("dedup.backoff.max_elapsed_time", "30s")

	// Telemetry
	v.SetDefault("telemetry.otel_endpoint", "")
	v.SetDefault("telemetry.insecure", true)

	// Logging
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.dev_mode", false)

	// HTTP
	v.SetDefault("http.enabled", true)
	v.SetDefault("http.port", 8090)
	v.SetDefault("http.read_timeout", "10s")
	v.SetDefault("http.write_timeout", "15s")
	v.SetDefault("http.idle_timeout", "60s")
	v.SetDefault("http.shutdown_timeout", "5s")
	v.SetDefault("http.metrics_path", "/metrics")
	v.SetDefault("http.healthz_path", "/healthz")
	v.SetDefault("http.readyz_path", "/readyz")

	/* ---------- 2) env ---------- */

	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	/* ---------- 3) optional file ---------- */

	if opts.Path != "" {
		v.SetConfigFile(opts.Path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %q: %w", opts.Path, err)
		}
	}

	/* ---------- 4) flags & overrides ---------- */

	if opts.Flags != nil {
		for name, key := range opts.FlagKeys {
			f := opts.Flags.Lookup(name)
			if f == nil {
				return nil, fmt.Errorf("unknown flag %q for key %q", name, key)
			}
			if f.Changed {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %q: %w", name, err)
				}
			}
		}
	}
	for k, val := range opts.Overrides {
		v.Set(k, val)
	}

	/* ---------- 5) decode ---------- */

	var cfg Config
	decodeHook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		func(f, t reflect.Kind, data interface{}) (interface{}, error) {
			if f == reflect.String && t == reflect.Bool {
				return strconv.ParseBool(data.(string))
			}
			return data, nil
		},
	)
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "mapstructure",
		Result:           &cfg,
		DecodeHook:       decodeHook,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return nil, fmt.Errorf("create config decoder: %w", err)
	}
	if err := decoder.Decode(v.AllSettings()); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Kafka.Topics = compact(cfg.Kafka.Topics)
	cfg.Kafka.Brokers = compact(cfg.Kafka.Brokers)

	/* ---------- 6) validate ---------- */

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

// compact убирает пробелы и пустые элементы ("a, b,," → [a b]).
func compact(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// -----------------------------------------------------------------------------
// Validation helpers
// -----------------------------------------------------------------------------

func (c *Config) Validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("service_name is required")
	}

	// kafka
	if len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka.brokers is required")
	}
	if c.Kafka.GroupID == "" {
		return fmt.Errorf("kafka.group_id is required")
	}
	if len(c.Kafka.Topics) == 0 {
		return fmt.Errorf("kafka.topics must contain at least one topic")
	}
	if c.Kafka.SessionTimeout <= 0 {
		return fmt.Errorf("kafka.session_timeout must be > 0")
	}
	if c.Kafka.PollTimeout <= 0 {
		return fmt.Errorf("kafka.poll_timeout must be > 0")
	}
	switch strings.ToLower(c.Kafka.InitialOffset) {
	case "oldest", "newest":
	default:
		return fmt.Errorf("kafka.initial_offset must be one of [oldest, newest]")
	}
	if err := c.Kafka.Backoff.Validate(); err != nil {
		return fmt.Errorf("kafka.backoff: %w", err)
	}

	// worker
	if c.Worker.Count < 1 {
		return fmt.Errorf("worker.count must be >= 1")
	}
	if c.Worker.DrainTimeout <= 0 {
		return fmt.Errorf("worker.drain_timeout must be > 0")
	}
	if err := c.Worker.PollBackoff.Validate(); err != nil {
		return fmt.Errorf("worker.poll_backoff: %w", err)
	}

	// commit
	switch strings.ToLower(c.Commit.Mode) {
	case "async", "sync", "auto":
	default:
		return fmt.Errorf("commit.mode must be one of [async, sync, auto]")
	}

	// processor
	if c.Processor.Delay < 0 {
		return fmt.Errorf("processor.delay must be >= 0")
	}

	// dedup
	if c.Dedup.Enabled {
		if c.Dedup.RedisURL == "" {
			return fmt.Errorf("dedup.redis_url is required when dedup is enabled")
		}
		if c.Dedup.TTL <= 0 {
			return fmt.Errorf("dedup.ttl must be > 0")
		}
	}

	// logging
	if _, err := logger.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level must be one of [trace, debug, info, warn, error]")
	}

	// http
	if c.HTTP.Enabled {
		if err := validateHTTP(&c.HTTP); err != nil {
			return err
		}
	}
	return nil
}

func validateHTTP(h *HTTPConfig) error {
	if h.Port <= 0 || h.Port > 65535 {
		return fmt.Errorf("http.port must be between 1 and 65535")
	}
	durations := map[string]time.Duration{
		"http.read_timeout":     h.ReadTimeout,
		"http.write_timeout":    h.WriteTimeout,
		"http.idle_timeout":     h.IdleTimeout,
		"http.shutdown_timeout": h.ShutdownTimeout,
	}
	for k, d := range durations {
		if d <= 0 {
			return fmt.Errorf("%s must be > 0", k)
		}
	}
	paths := map[string]string{
		"http.metrics_path": h.MetricsPath,
		"http.healthz_path": h.HealthzPath,
		"http.readyz_path":  h.ReadyzPath,
	}
	for k, p := range paths {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("%s must start with '/'", k)
		}
	}
	return nil
}

// -----------------------------------------------------------------------------
// Debug print
// -----------------------------------------------------------------------------

// Print пишет итоговую конфигурацию в лог на уровне Debug.
func (c *Config) Print(log *logger.Logger) {
	log.Debug("loaded configuration", zap.Any("config", c))
}
