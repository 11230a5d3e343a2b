package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// KafkaProducerConfig defines configuration for Kafka producer
type KafkaProducerConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`

	// Batch processing settings
	BatchSize    int           `yaml:"batch_size"`
	BatchTimeout time.Duration `yaml:"batch_timeout"`
	BatchBytes   int           `yaml:"batch_bytes"`

	// Reliability settings
	RequiredAcks string `yaml:"required_acks"`
	Async        bool   `yaml:"async"`

	// Performance settings
	WriteTimeout time.Duration `yaml:"write_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
}

// BatchProcessorConfig defines configuration for batch processing
type BatchProcessorConfig struct {
	BatchSize          int           `yaml:"batch_size"`
	BatchTimeout       time.Duration `yaml:"batch_timeout"`
	MaxBufferSize      int           `yaml:"max_buffer_size"`
	FlushChannelBuffer int           `yaml:"flush_channel_buffer"` // Buffer size for flush channel
	PublishTimeout     time.Duration `yaml:"publish_timeout"`      // Deadline for one producer batch write

	// Failed publishes are retried with doubling backoff, then written to DeadLetterPath
	PublishMaxAttempts    int           `yaml:"publish_max_attempts"`
	PublishInitialBackoff time.Duration `yaml:"publish_initial_backoff"`
	PublishMaxBackoff     time.Duration `yaml:"publish_max_backoff"`
	DeadLetterPath        string        `yaml:"dead_letter_path"`
}

// SetDefaults sets reasonable default values for batch processor configuration
func (c *BatchProcessorConfig) SetDefaults() {
	if c.BatchSize == 0 {
		c.BatchSize = 100
		fmt.Printf("Warning: batch_processor.batch_size not set, defaulting to %d\n", c.BatchSize)
	}
	if c.BatchTimeout == 0 {
		c.BatchTimeout = 100 * time.Millisecond
		fmt.Printf("Warning: batch_processor.batch_timeout not set, defaulting to %v\n", c.BatchTimeout)
	}
	if c.MaxBufferSize == 0 {
		c.MaxBufferSize = 10000
		fmt.Printf("Warning: batch_processor.max_buffer_size not set, defaulting to %d\n", c.MaxBufferSize)
	}
	if c.FlushChannelBuffer == 0 {
		c.FlushChannelBuffer = 100
		fmt.Printf("Warning: batch_processor.flush_channel_buffer not set, defaulting to %d\n", c.FlushChannelBuffer)
	}
	if c.PublishTimeout == 0 {
		c.PublishTimeout = 10 * time.Second
		fmt.Printf("Warning: batch_processor.publish_timeout not set, defaulting to %v\n", c.PublishTimeout)
	}
	if c.PublishMaxAttempts == 0 {
		c.PublishMaxAttempts = 5
		fmt.Printf("Warning: batch_processor.publish_max_attempts not set, defaulting to %d\n", c.PublishMaxAttempts)
	}
	if c.PublishInitialBackoff == 0 {
		c.PublishInitialBackoff = 200 * time.Millisecond
		fmt.Printf("Warning: batch_processor.publish_initial_backoff not set, defaulting to %v\n", c.PublishInitialBackoff)
	}
	if c.PublishMaxBackoff == 0 {
		c.PublishMaxBackoff = 5 * time.Second
		fmt.Printf("Warning: batch_processor.publish_max_backoff not set, defaulting to %v\n", c.PublishMaxBackoff)
	}
	if c.DeadLetterPath == "" {
		c.DeadLetterPath = "./data/ingestion_dead_letters.jsonl"
		fmt.Printf("Warning: batch_processor.dead_letter_path not set, defaulting to %s\n", c.DeadLetterPath)
	}
}

// HttpServerConfig defines HTTP server configuration
type HttpServerConfig struct {
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	MaxHeaderBytes int           `yaml:"max_header_bytes"`
	MaxBodyBytes   int64         `yaml:"max_body_bytes"`
}

// SetDefaults sets reasonable default values for HTTP server configuration
func (c *HttpServerConfig) SetDefaults() {
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 15 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 15 * time.Second
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 60 * time.Second
	}
	if c.MaxHeaderBytes == 0 {
		c.MaxHeaderBytes = 1 << 20
	}
	if c.MaxBodyBytes == 0 {
		c.MaxBodyBytes = 10 << 20
	}
}

// SyslogListenerConfig defines the syslog collector endpoint.
// Source systems are resolved from the APP-NAME first, then from the facility.
type SyslogListenerConfig struct {
	UDPListenAddr  string            `yaml:"udp_listen_addr"`
	TCPListenAddr  string            `yaml:"tcp_listen_addr"`
	AppNames       map[string]string `yaml:"app_names"`  // APP-NAME -> source system
	Facilities     map[int]string    `yaml:"facilities"` // facility code -> source system
	MaxMessageSize int               `yaml:"max_message_size"`
}

// Enabled reports whether any syslog endpoint is configured
func (c *SyslogListenerConfig) Enabled() bool {
	return c.UDPListenAddr != "" || c.TCPListenAddr != ""
}

// TailFileConfig maps a glob of local log files to a source system
type TailFileConfig struct {
	Path   string `yaml:"path"`
	Source string `yaml:"source"`
}

// TailConfig defines the local file collector
type TailConfig struct {
	Files     []TailFileConfig `yaml:"files"`
	FromStart bool             `yaml:"from_start"` // Read existing content instead of only new lines
	Poll      bool             `yaml:"poll"`       // Poll for changes instead of inotify
}

// GatewayMonitoringConfig defines monitoring configuration for the ingestion gateway
type GatewayMonitoringConfig struct {
	EnableMetrics   bool   `yaml:"enable_metrics"`
	MetricsPath     string `yaml:"metrics_path"`
	HealthCheckPath string `yaml:"health_check_path"`
	LogLevel        string `yaml:"log_level"`
}

// SetDefaults sets reasonable default values for monitoring configuration
func (c *GatewayMonitoringConfig) SetDefaults() {
	if c.MetricsPath == "" {
		c.MetricsPath = "/metrics"
	}
	if c.HealthCheckPath == "" {
		c.HealthCheckPath = "/health"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// IngestionConfig defines all configurations required for the ingestion gateway
type IngestionConfig struct {
	HttpListenAddr string `yaml:"http_listen_addr"`
	GrpcListenAddr string `yaml:"grpc_listen_addr"`

	Syslog SyslogListenerConfig `yaml:"syslog"`
	Tail   TailConfig           `yaml:"tail"`

	KafkaProducer  KafkaProducerConfig     `yaml:"kafka_producer"`
	BatchProcessor BatchProcessorConfig    `yaml:"batch_processor"`
	HttpServer     HttpServerConfig        `yaml:"http_server"`
	Monitoring     GatewayMonitoringConfig `yaml:"monitoring"`
}

// LoadIngestionConfig loads ingestion gateway configuration from the specified YAML file path
func LoadIngestionConfig(path string) (*IngestionConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read ingestion config file '%s': %w", path, err)
	}
	return ParseIngestionConfig(data)
}

// ParseIngestionConfig parses, defaults and validates ingestion configuration
func ParseIngestionConfig(data []byte) (*IngestionConfig, error) {
	var cfg IngestionConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse ingestion YAML config file: %w", err)
	}

	cfg.BatchProcessor.SetDefaults()
	cfg.HttpServer.SetDefaults()
	cfg.Monitoring.SetDefaults()

	// Validation
	if cfg.HttpListenAddr == "" && cfg.GrpcListenAddr == "" && !cfg.Syslog.Enabled() && len(cfg.Tail.Files) == 0 {
		return nil, fmt.Errorf("configuration error: at least one of http_listen_addr, grpc_listen_addr, syslog or tail must be configured")
	}
	if len(cfg.KafkaProducer.Brokers) == 0 || cfg.KafkaProducer.Topic == "" {
		return nil, fmt.Errorf("configuration error: kafka_producer.brokers and kafka_producer.topic are required")
	}
	for i, f := range cfg.Tail.Files {
		if f.Path == "" || f.Source == "" {
			return nil, fmt.Errorf("configuration error: tail.files[%d] needs both path and source", i)
		}
	}

	return &cfg, nil
}
