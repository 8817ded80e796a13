package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/steveinatorx/data-pipeline/events"
)

// Config represents the event lake process configuration
type Config struct {
	// Run mode: "sink" or "compact"
	Mode string `yaml:"mode" env:"EVENTLAKE_MODE" default:"sink"`

	// Topic whose events are landed and compacted
	Topic string `yaml:"topic" env:"EVENTLAKE_TOPIC" default:"events"`

	Kafka   KafkaConfig   `yaml:"kafka"`
	Storage StorageConfig `yaml:"storage"`
	Sink    SinkConfig    `yaml:"sink"`
	Compact CompactConfig `yaml:"compact"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// StorageConfig holds the local roots shared by the sink and the compactor
type StorageConfig struct {
	RawDir string `yaml:"raw_dir" env:"EVENTLAKE_RAW_DIR" default:"data/raw"`
	OutDir string `yaml:"out_dir" env:"EVENTLAKE_OUT_DIR" default:"data/parquet"`
}

// KafkaConfig contains Kafka connection settings
type KafkaConfig struct {
	Brokers       string `yaml:"brokers" env:"KAFKA_BROKERS" default:"localhost:9092"`
	ConsumerGroup string `yaml:"consumer_group" env:"KAFKA_CONSUMER_GROUP" default:"raw-sink"`

	// Undecodable records are forwarded here when set
	DeadLetterTopic string `yaml:"dead_letter_topic" env:"KAFKA_DEAD_LETTER_TOPIC"`

	Producer ProducerConfig `yaml:"producer"`
	Consumer ConsumerConfig `yaml:"consumer"`
}

// ProducerConfig contains dead-letter producer settings
type ProducerConfig struct {
	Acks           string `yaml:"acks" env:"KAFKA_PRODUCER_ACKS" default:"all"`
	FlushTimeoutMs int    `yaml:"flush_timeout_ms" env:"KAFKA_PRODUCER_FLUSH_TIMEOUT_MS" default:"10000"`
}

// ConsumerConfig contains Kafka consumer settings
type ConsumerConfig struct {
	AutoOffsetReset  string `yaml:"auto_offset_reset" env:"KAFKA_CONSUMER_AUTO_OFFSET_RESET" default:"earliest"`
	SessionTimeoutMs int    `yaml:"session_timeout_ms" env:"KAFKA_CONSUMER_SESSION_TIMEOUT_MS" default:"45000"`
}

// SinkConfig controls file rolling and the checkpoint cadence
type SinkConfig struct {
	RollMaxBytes     int64         `yaml:"roll_max_bytes" env:"SINK_ROLL_MAX_BYTES" default:"67108864"`
	RollMaxAge       time.Duration `yaml:"roll_max_age" env:"SINK_ROLL_MAX_AGE" default:"60s"`
	CommitInterval   time.Duration `yaml:"commit_interval" env:"SINK_COMMIT_INTERVAL" default:"2s"`
	CommitMaxRecords int           `yaml:"commit_max_records" env:"SINK_COMMIT_MAX_RECORDS" default:"500"`
	PollTimeoutMs    int           `yaml:"poll_timeout_ms" env:"SINK_POLL_TIMEOUT_MS" default:"1000"`
	ProgressEvery    int           `yaml:"progress_every" env:"SINK_PROGRESS_EVERY" default:"5000"`
}

// CompactConfig controls the raw to Parquet rewrite
type CompactConfig struct {
	// Single ingest date (YYYY-MM-DD); ignored when AllDates is set
	Date           string `yaml:"date" env:"COMPACT_DATE"`
	AllDates       bool   `yaml:"all_dates" env:"COMPACT_ALL_DATES" default:"false"`
	RowsPerFile    int    `yaml:"rows_per_file" env:"COMPACT_ROWS_PER_FILE" default:"250000"`
	Compression    string `yaml:"compression" env:"COMPACT_COMPRESSION" default:"zstd"`
	MaxConcurrency int    `yaml:"max_concurrency" env:"COMPACT_MAX_CONCURRENCY" default:"4"`

	Publish PublishConfig `yaml:"publish"`
}

// PublishConfig mirrors compacted partitions to Azure Blob Storage
type PublishConfig struct {
	Enabled        bool   `yaml:"enabled" env:"PUBLISH_ENABLED" default:"false"`
	RegistryPath   string `yaml:"registry_path" env:"EVENTLAKE_STORAGE_CONFIG"`
	SubscriptionID string `yaml:"subscription_id" env:"PUBLISH_SUBSCRIPTION_ID"`
	Environment    string `yaml:"environment" env:"PUBLISH_ENVIRONMENT"`
	Container      string `yaml:"container" env:"PUBLISH_CONTAINER" default:"eventlake"`
	Prefix         string `yaml:"prefix" env:"PUBLISH_PREFIX" default:"parquet"`
}

// MetricsConfig selects the metrics backend
type MetricsConfig struct {
	// OTLP/gRPC collector endpoint; empty keeps in-process counters only
	OTLPEndpoint   string        `yaml:"otlp_endpoint" env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	ExportInterval time.Duration `yaml:"export_interval" env:"METRICS_EXPORT_INTERVAL" default:"15s"`
	ServiceName    string        `yaml:"service_name" env:"OTEL_SERVICE_NAME" default:"eventlake"`
}

var compressionCodecs = map[string]bool{"zstd": true, "snappy": true, "gzip": true, "none": true}

// Validate validates the configuration for its mode
func (c *Config) Validate() error {
	if c.Topic == "" {
		return fmt.Errorf("topic is required")
	}
	switch c.Mode {
	case "sink":
		return c.validateSink()
	case "compact":
		return c.validateCompact()
	default:
		return fmt.Errorf("invalid mode %q, must be 'sink' or 'compact'", c.Mode)
	}
}

func (c *Config) validateSink() error {
	if c.Kafka.Brokers == "" {
		return fmt.Errorf("kafka brokers are required")
	}
	if c.Kafka.ConsumerGroup == "" {
		return fmt.Errorf("sink mode requires consumer_group")
	}
	if c.Kafka.DeadLetterTopic == c.Topic {
		return fmt.Errorf("dead_letter_topic must differ from topic %q", c.Topic)
	}
	switch c.Kafka.Consumer.AutoOffsetReset {
	case "earliest", "latest":
	default:
		return fmt.Errorf("auto_offset_reset must be 'earliest' or 'latest', got %q", c.Kafka.Consumer.AutoOffsetReset)
	}
	if c.Storage.RawDir == "" {
		return fmt.Errorf("sink mode requires raw_dir")
	}
	if c.Sink.RollMaxBytes <= 0 {
		return fmt.Errorf("roll_max_bytes must be positive")
	}
	if c.Sink.RollMaxAge <= 0 {
		return fmt.Errorf("roll_max_age must be positive")
	}
	if c.Sink.CommitInterval <= 0 {
		return fmt.Errorf("commit_interval must be positive")
	}
	if c.Sink.CommitMaxRecords <= 0 {
		return fmt.Errorf("commit_max_records must be positive")
	}
	if c.Sink.PollTimeoutMs <= 0 {
		return fmt.Errorf("poll_timeout_ms must be positive")
	}
	return nil
}

func (c *Config) validateCompact() error {
	if c.Storage.RawDir == "" || c.Storage.OutDir == "" {
		return fmt.Errorf("compact mode requires raw_dir and out_dir")
	}
	if c.Compact.AllDates == (c.Compact.Date != "") {
		return fmt.Errorf("compact mode requires exactly one of date or all_dates")
	}
	if c.Compact.Date != "" {
		if _, err := events.ParseIngestDate(c.Compact.Date); err != nil {
			return fmt.Errorf("date: %w", err)
		}
	}
	if c.Compact.RowsPerFile <= 0 {
		return fmt.Errorf("rows_per_file must be positive")
	}
	if !compressionCodecs[c.Compact.Compression] {
		return fmt.Errorf("unsupported compression %q, must be one of zstd, snappy, gzip, none", c.Compact.Compression)
	}
	if c.Compact.MaxConcurrency <= 0 {
		return fmt.Errorf("max_concurrency must be positive")
	}
	if p := c.Compact.Publish; p.Enabled {
		if p.SubscriptionID == "" || p.Environment == "" {
			return fmt.Errorf("publish requires subscription_id and environment")
		}
		if p.Container == "" {
			return fmt.Errorf("publish requires container")
		}
	}
	return nil
}

// LoadConfigFromFile loads configuration from a YAML file. Environment
// variables fill only the settings the file leaves empty.
func LoadConfigFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

// LoadConfigFromEnv loads configuration from environment variables with defaults
func LoadConfigFromEnv() *Config {
	cfg := &Config{
		Mode:  os.Getenv("EVENTLAKE_MODE"),
		Topic: os.Getenv("EVENTLAKE_TOPIC"),
		Kafka: KafkaConfig{
			Brokers:         os.Getenv("KAFKA_BROKERS"),
			ConsumerGroup:   os.Getenv("KAFKA_CONSUMER_GROUP"),
			DeadLetterTopic: os.Getenv("KAFKA_DEAD_LETTER_TOPIC"),
			Producer: ProducerConfig{
				Acks:           os.Getenv("KAFKA_PRODUCER_ACKS"),
				FlushTimeoutMs: parseIntEnv("KAFKA_PRODUCER_FLUSH_TIMEOUT_MS", 0),
			},
			Consumer: ConsumerConfig{
				AutoOffsetReset:  os.Getenv("KAFKA_CONSUMER_AUTO_OFFSET_RESET"),
				SessionTimeoutMs: parseIntEnv("KAFKA_CONSUMER_SESSION_TIMEOUT_MS", 0),
			},
		},
		Storage: StorageConfig{
			RawDir: os.Getenv("EVENTLAKE_RAW_DIR"),
			OutDir: os.Getenv("EVENTLAKE_OUT_DIR"),
		},
		Sink: SinkConfig{
			RollMaxBytes:     parseInt64Env("SINK_ROLL_MAX_BYTES", 0),
			RollMaxAge:       parseDurationEnv("SINK_ROLL_MAX_AGE", 0),
			CommitInterval:   parseDurationEnv("SINK_COMMIT_INTERVAL", 0),
			CommitMaxRecords: parseIntEnv("SINK_COMMIT_MAX_RECORDS", 0),
			PollTimeoutMs:    parseIntEnv("SINK_POLL_TIMEOUT_MS", 0),
			ProgressEvery:    parseIntEnv("SINK_PROGRESS_EVERY", 0),
		},
		Compact: CompactConfig{
			Date:           os.Getenv("COMPACT_DATE"),
			AllDates:       parseBoolEnv("COMPACT_ALL_DATES", false),
			RowsPerFile:    parseIntEnv("COMPACT_ROWS_PER_FILE", 0),
			Compression:    os.Getenv("COMPACT_COMPRESSION"),
			MaxConcurrency: parseIntEnv("COMPACT_MAX_CONCURRENCY", 0),
			Publish: PublishConfig{
				Enabled:        parseBoolEnv("PUBLISH_ENABLED", false),
				RegistryPath:   os.Getenv("EVENTLAKE_STORAGE_CONFIG"),
				SubscriptionID: os.Getenv("PUBLISH_SUBSCRIPTION_ID"),
				Environment:    os.Getenv("PUBLISH_ENVIRONMENT"),
				Container:      os.Getenv("PUBLISH_CONTAINER"),
				Prefix:         os.Getenv("PUBLISH_PREFIX"),
			},
		},
		Metrics: MetricsConfig{
			OTLPEndpoint:   os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
			ExportInterval: parseDurationEnv("METRICS_EXPORT_INTERVAL", 0),
			ServiceName:    os.Getenv("OTEL_SERVICE_NAME"),
		},
	}

	applyDefaults(cfg)
	return cfg
}

// Load reads path when it is set, falling back to the environment otherwise.
// The result is not validated; callers override from flags first.
func Load(path string) (*Config, error) {
	if path == "" {
		return LoadConfigFromEnv(), nil
	}
	cfg, err := LoadConfigFromFile(path)
	if err != nil {
		return nil, err
	}
	mergeEnv(cfg, LoadConfigFromEnv())
	return cfg, nil
}

// mergeEnv copies settings that only the environment provides, such as
// secrets kept out of the file.
func mergeEnv(cfg, env *Config) {
	if cfg.Kafka.DeadLetterTopic == "" {
		cfg.Kafka.DeadLetterTopic = env.Kafka.DeadLetterTopic
	}
	if cfg.Compact.Publish.RegistryPath == "" {
		cfg.Compact.Publish.RegistryPath = env.Compact.Publish.RegistryPath
	}
	if cfg.Metrics.OTLPEndpoint == "" {
		cfg.Metrics.OTLPEndpoint = env.Metrics.OTLPEndpoint
	}
}

// Helper functions for parsing environment variables
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func parseIntEnv(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if parsed, err := strconv.Atoi(value); err == nil {
		return parsed
	}
	return defaultValue
}

func parseInt64Env(key string, defaultValue int64) int64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
		return parsed
	}
	return defaultValue
}

func parseBoolEnv(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if parsed, err := strconv.ParseBool(value); err == nil {
		return parsed
	}
	return defaultValue
}

func parseDurationEnv(key string, defaultValue time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	if parsed, err := time.ParseDuration(value); err == nil {
		return parsed
	}
	// Bare integers are seconds
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}

func applyDefaults(cfg *Config) {
	if cfg.Mode == "" {
		cfg.Mode = getEnv("EVENTLAKE_MODE", "sink")
	}
	if cfg.Topic == "" {
		cfg.Topic = getEnv("EVENTLAKE_TOPIC", events.TopicEvents)
	}
	if cfg.Kafka.Brokers == "" {
		cfg.Kafka.Brokers = getEnv("KAFKA_BROKERS", "localhost:9092")
	}
	if cfg.Kafka.ConsumerGroup == "" {
		cfg.Kafka.ConsumerGroup = getEnv("KAFKA_CONSUMER_GROUP", "raw-sink")
	}
	if cfg.Kafka.Producer.Acks == "" {
		cfg.Kafka.Producer.Acks = "all"
	}
	if cfg.Kafka.Producer.FlushTimeoutMs == 0 {
		cfg.Kafka.Producer.FlushTimeoutMs = 10000
	}
	if cfg.Kafka.Consumer.AutoOffsetReset == "" {
		cfg.Kafka.Consumer.AutoOffsetReset = "earliest"
	}
	if cfg.Kafka.Consumer.SessionTimeoutMs == 0 {
		cfg.Kafka.Consumer.SessionTimeoutMs = 45000
	}
	if cfg.Storage.RawDir == "" {
		cfg.Storage.RawDir = getEnv("EVENTLAKE_RAW_DIR", "data/raw")
	}
	if cfg.Storage.OutDir == "" {
		cfg.Storage.OutDir = getEnv("EVENTLAKE_OUT_DIR", "data/parquet")
	}
	if cfg.Sink.RollMaxBytes == 0 {
		cfg.Sink.RollMaxBytes = 64 * 1024 * 1024
	}
	if cfg.Sink.RollMaxAge == 0 {
		cfg.Sink.RollMaxAge = 60 * time.Second
	}
	if cfg.Sink.CommitInterval == 0 {
		cfg.Sink.CommitInterval = 2 * time.Second
	}
	if cfg.Sink.CommitMaxRecords == 0 {
		cfg.Sink.CommitMaxRecords = 500
	}
	if cfg.Sink.PollTimeoutMs == 0 {
		cfg.Sink.PollTimeoutMs = 1000
	}
	if cfg.Sink.ProgressEvery == 0 {
		cfg.Sink.ProgressEvery = 5000
	}
	if cfg.Compact.RowsPerFile == 0 {
		cfg.Compact.RowsPerFile = 250000
	}
	if cfg.Compact.Compression == "" {
		cfg.Compact.Compression = "zstd"
	}
	if cfg.Compact.MaxConcurrency == 0 {
		cfg.Compact.MaxConcurrency = 4
	}
	if cfg.Compact.Publish.Container == "" {
		cfg.Compact.Publish.Container = "eventlake"
	}
	if cfg.Compact.Publish.Prefix == "" {
		cfg.Compact.Publish.Prefix = "parquet"
	}
	if cfg.Metrics.ExportInterval == 0 {
		cfg.Metrics.ExportInterval = 15 * time.Second
	}
	if cfg.Metrics.ServiceName == "" {
		cfg.Metrics.ServiceName = "eventlake"
	}
}
