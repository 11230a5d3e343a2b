package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Dead-letter store kinds
const (
	DeadLetterFile     = "file"
	DeadLetterPostgres = "postgres"
)

// KafkaConsumerConfig defines configuration for Kafka consumer
type KafkaConsumerConfig struct {
	Brokers           []string `yaml:"brokers"`            // e.g., ["kafka1:9092", "kafka2:9092"]
	Topic             string   `yaml:"topic"`              // Topic to consume from
	GroupID           string   `yaml:"group_id"`           // Consumer group ID
	Count             int      `yaml:"count"`              // Number of consumers to create
	SessionTimeout    string   `yaml:"session_timeout"`    // Kafka session timeout
	HeartbeatInterval string   `yaml:"heartbeat_interval"` // Kafka heartbeat interval
	AutoOffsetReset   string   `yaml:"auto_offset_reset"`  // earliest/latest
	EnableAutoCommit  bool     `yaml:"enable_auto_commit"` // Enable auto offset commit
	UseMock           bool     `yaml:"use_mock"`           // Serve predefined records instead of Kafka
}

// SetDefaults sets reasonable default values for Kafka consumer configuration
func (c *KafkaConsumerConfig) SetDefaults() {
	if c.Count <= 0 {
		c.Count = 1
		fmt.Printf("Warning: kafka_consumer.count not set or invalid, defaulting to %d\n", c.Count)
	}
	if c.SessionTimeout == "" {
		c.SessionTimeout = "30s"
		fmt.Printf("Warning: kafka_consumer.session_timeout not set, defaulting to %s\n", c.SessionTimeout)
	}
	if c.HeartbeatInterval == "" {
		c.HeartbeatInterval = "3s"
		fmt.Printf("Warning: kafka_consumer.heartbeat_interval not set, defaulting to %s\n", c.HeartbeatInterval)
	}
	if c.AutoOffsetReset == "" {
		c.AutoOffsetReset = "earliest"
		fmt.Printf("Warning: kafka_consumer.auto_offset_reset not set, defaulting to %s\n", c.AutoOffsetReset)
	}
}

// WorkerConfig defines configuration for worker processing
type WorkerConfig struct {
	Concurrency        int    `yaml:"concurrency"`          // Number of concurrent workers per consumer
	BatchSize          int    `yaml:"batch_size"`           // Number of records pulled before dispatching
	BatchTimeout       string `yaml:"batch_timeout"`        // Maximum wait time for batch
	ConsumerRetryDelay string `yaml:"consumer_retry_delay"` // Delay when consumer encounters errors
	RecordTimeout      string `yaml:"record_timeout"`       // Upper bound for dispatching one record
}

// SetDefaults sets reasonable default values for worker configuration
func (c *WorkerConfig) SetDefaults() {
	if c.Concurrency <= 0 {
		c.Concurrency = 4
		fmt.Printf("Warning: worker.concurrency not set or invalid, defaulting to %d\n", c.Concurrency)
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
		fmt.Printf("Warning: worker.batch_size not set or invalid, defaulting to %d\n", c.BatchSize)
	}
	if c.BatchTimeout == "" {
		c.BatchTimeout = "1s"
		fmt.Printf("Warning: worker.batch_timeout not set, defaulting to %s\n", c.BatchTimeout)
	}
	if c.ConsumerRetryDelay == "" {
		c.ConsumerRetryDelay = "5s"
		fmt.Printf("Warning: worker.consumer_retry_delay not set, defaulting to %s\n", c.ConsumerRetryDelay)
	}
	if c.RecordTimeout == "" {
		c.RecordTimeout = "2m"
		fmt.Printf("Warning: worker.record_timeout not set, defaulting to %s\n", c.RecordTimeout)
	}
}

// DispatcherConfig bounds delivery attempts per destination
type DispatcherConfig struct {
	AttemptTimeout time.Duration `yaml:"attempt_timeout"` // Deadline for a single delivery attempt
	MaxAttempts    int           `yaml:"max_attempts"`    // Attempts before dead-lettering
	InitialBackoff time.Duration `yaml:"initial_backoff"` // First retry delay, doubled per attempt
	MaxBackoff     time.Duration `yaml:"max_backoff"`     // Ceiling for the retry delay

	BreakerFailures uint32        `yaml:"breaker_failures"`  // Consecutive failures that open the breaker
	BreakerCooldown time.Duration `yaml:"breaker_cooldown"`  // Open state duration before half-open
	BreakerHalfOpen uint32        `yaml:"breaker_half_open"` // Probe requests allowed while half-open
}

// SetDefaults sets reasonable default values for dispatcher configuration
func (c *DispatcherConfig) SetDefaults() {
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = 5 * time.Second
		fmt.Printf("Warning: dispatcher.attempt_timeout not set, defaulting to %v\n", c.AttemptTimeout)
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
		fmt.Printf("Warning: dispatcher.max_attempts not set or invalid, defaulting to %d\n", c.MaxAttempts)
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 200 * time.Millisecond
		fmt.Printf("Warning: dispatcher.initial_backoff not set, defaulting to %v\n", c.InitialBackoff)
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 10 * time.Second
		fmt.Printf("Warning: dispatcher.max_backoff not set, defaulting to %v\n", c.MaxBackoff)
	}
	if c.BreakerFailures == 0 {
		c.BreakerFailures = 5
		fmt.Printf("Warning: dispatcher.breaker_failures not set, defaulting to %d\n", c.BreakerFailures)
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = 30 * time.Second
		fmt.Printf("Warning: dispatcher.breaker_cooldown not set, defaulting to %v\n", c.BreakerCooldown)
	}
	if c.BreakerHalfOpen == 0 {
		c.BreakerHalfOpen = 1
	}
}

// Validate validates the dispatcher configuration
func (c *DispatcherConfig) Validate() error {
	if c.MaxBackoff < c.InitialBackoff {
		return fmt.Errorf("dispatcher max_backoff (%v) cannot be smaller than initial_backoff (%v)", c.MaxBackoff, c.InitialBackoff)
	}
	return nil
}

// DeadLetterConfig selects where undeliverable record copies are persisted
type DeadLetterConfig struct {
	Kind string `yaml:"kind"` // file or postgres
	Path string `yaml:"path"` // JSON lines file for the file kind
}

// SetDefaults sets reasonable default values for dead-letter configuration
func (c *DeadLetterConfig) SetDefaults() {
	if c.Kind == "" {
		c.Kind = DeadLetterFile
		fmt.Printf("Warning: dead_letter.kind not set, defaulting to %s\n", c.Kind)
	}
	if c.Kind == DeadLetterFile && c.Path == "" {
		c.Path = "./data/dead_letters.jsonl"
		fmt.Printf("Warning: dead_letter.path not set, defaulting to %s\n", c.Path)
	}
}

// Validate validates the dead-letter configuration
func (c *DeadLetterConfig) Validate() error {
	switch c.Kind {
	case DeadLetterFile, DeadLetterPostgres:
		return nil
	default:
		return fmt.Errorf("unknown dead_letter kind %q (expected %s or %s)", c.Kind, DeadLetterFile, DeadLetterPostgres)
	}
}

// RetentionConfig controls the janitor that enforces destination retention
type RetentionConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
}

// SetDefaults sets reasonable default values for retention configuration
func (c *RetentionConfig) SetDefaults() {
	if c.Interval <= 0 {
		c.Interval = time.Hour
	}
}

// EngineMonitoringConfig defines monitoring configuration for engine
type EngineMonitoringConfig struct {
	ListenAddr      string `yaml:"listen_addr"`       // Address for metrics and health endpoints
	EnableMetrics   bool   `yaml:"enable_metrics"`    // Enable metrics collection
	MetricsPath     string `yaml:"metrics_path"`      // Metrics endpoint path
	HealthCheckPath string `yaml:"health_check_path"` // Health check endpoint path
	LogLevel        string `yaml:"log_level"`         // Logging level
}

// SetDefaults sets reasonable default values for monitoring configuration
func (c *EngineMonitoringConfig) SetDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = ":9090"
		fmt.Printf("Warning: monitoring.listen_addr not set, defaulting to %s\n", c.ListenAddr)
	}
	if c.MetricsPath == "" {
		c.MetricsPath = "/metrics"
		fmt.Printf("Warning: monitoring.metrics_path not set, defaulting to %s\n", c.MetricsPath)
	}
	if c.HealthCheckPath == "" {
		c.HealthCheckPath = "/health"
		fmt.Printf("Warning: monitoring.health_check_path not set, defaulting to %s\n", c.HealthCheckPath)
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
		fmt.Printf("Warning: monitoring.log_level not set, defaulting to %s\n", c.LogLevel)
	}
}

// EngineConfig defines all configuration for the routing engine
type EngineConfig struct {
	// Rules file with destinations and per-source rule sets
	RulesPath string `yaml:"rules_path"`

	// Database Configuration, required by postgres destinations and the postgres dead-letter store
	Database DatabaseConfig `yaml:"database"`

	KafkaConsumer KafkaConsumerConfig `yaml:"kafka_consumer"`
	Worker        WorkerConfig        `yaml:"worker"`
	Dispatcher    DispatcherConfig    `yaml:"dispatcher"`
	DeadLetter    DeadLetterConfig    `yaml:"dead_letter"`
	Retention     RetentionConfig     `yaml:"retention"`

	Monitoring EngineMonitoringConfig `yaml:"monitoring"`
}

// LoadEngineConfig loads configuration from the specified YAML file path
func LoadEngineConfig(path string) (*EngineConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file '%s': %w", path, err)
	}
	return ParseEngineConfig(data)
}

// ParseEngineConfig parses, defaults and validates engine configuration
func ParseEngineConfig(data []byte) (*EngineConfig, error) {
	var cfg EngineConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config file: %w", err)
	}

	if cfg.RulesPath == "" {
		cfg.RulesPath = "config/rules.yml"
		fmt.Printf("Warning: rules_path not set, defaulting to %s\n", cfg.RulesPath)
	}

	// Set default values for all configurations
	cfg.KafkaConsumer.SetDefaults()
	cfg.Worker.SetDefaults()
	cfg.Dispatcher.SetDefaults()
	cfg.DeadLetter.SetDefaults()
	cfg.Retention.SetDefaults()
	cfg.Monitoring.SetDefaults()

	if !cfg.KafkaConsumer.UseMock && (len(cfg.KafkaConsumer.Brokers) == 0 || cfg.KafkaConsumer.Topic == "") {
		return nil, fmt.Errorf("configuration error: kafka_consumer.brokers and kafka_consumer.topic are required")
	}
	if err := cfg.Dispatcher.Validate(); err != nil {
		return nil, fmt.Errorf("dispatcher configuration error: %w", err)
	}
	if err := cfg.DeadLetter.Validate(); err != nil {
		return nil, fmt.Errorf("dead_letter configuration error: %w", err)
	}

	// The database is optional until something needs it
	if cfg.Database.DSN != "" || cfg.DeadLetter.Kind == DeadLetterPostgres {
		cfg.Database.SetDefaults()
		if err := cfg.Database.Validate(); err != nil {
			return nil, fmt.Errorf("database configuration error: %w", err)
		}
	}

	return &cfg, nil
}
