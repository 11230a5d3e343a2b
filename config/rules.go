package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v2"
)

// MaskRuleConfig is one ordered PHI/PII substitution
type MaskRuleConfig struct {
	Name        string `yaml:"name"`
	Pattern     string `yaml:"pattern"`
	Replacement string `yaml:"replacement"`
}

// ClassifierConfig declares a keyword predicate that assigns Tag
type ClassifierConfig struct {
	Tag           string   `yaml:"tag"`
	IncludeAny    []string `yaml:"include_any"`    // any keyword present -> candidate
	ExcludeAny    []string `yaml:"exclude_any"`    // any keyword present -> rejected
	Patterns      []string `yaml:"patterns"`       // regular expressions, OR-ed with include_any
	CaseSensitive bool     `yaml:"case_sensitive"` // keyword matching ignores case unless set
}

// ExtractorConfig is a regular expression whose named captures become fields
type ExtractorConfig struct {
	Name    string `yaml:"name"`
	Pattern string `yaml:"pattern"`
}

// RouteConfig sends records carrying any of Tags to Destination. "*" matches every record.
type RouteConfig struct {
	Tags        []string `yaml:"tags"`
	Destination string   `yaml:"destination"`
}

// SourceRulesConfig is the complete rule set for one source system
type SourceRulesConfig struct {
	RecordType       string             `yaml:"record_type"`
	ComplianceTags   map[string]string  `yaml:"compliance_tags"`
	ValidationStatus bool               `yaml:"validation_status"`
	Classification   []ClassifierConfig `yaml:"classification"`
	Extractors       []ExtractorConfig  `yaml:"extractors"`
	Masking          []MaskRuleConfig   `yaml:"masking"`
	Routes           []RouteConfig      `yaml:"routes"`
}

// KafkaSinkConfig configures a destination backed by a Kafka topic
type KafkaSinkConfig struct {
	Brokers      []string `yaml:"brokers"`
	Topic        string   `yaml:"topic"`
	RequiredAcks string   `yaml:"required_acks"` // none/one/all
}

// PostgresSinkConfig configures a destination backed by the shared Postgres store
type PostgresSinkConfig struct {
	Table string `yaml:"table"`
}

// ArchiveSinkConfig configures a zstd-compressed file archive destination
type ArchiveSinkConfig struct {
	Dir string `yaml:"dir"`
}

// DestinationConfig declares a named sink with its tier and retention
type DestinationConfig struct {
	Name          string `yaml:"name"`
	Kind          string `yaml:"kind"` // kafka, postgres, archive
	Tier          string `yaml:"tier"` // analytics, basic, specialized-domain
	RetentionDays int    `yaml:"retention_days"`
	PHISensitive  bool   `yaml:"phi_sensitive"`

	Kafka    KafkaSinkConfig    `yaml:"kafka"`
	Postgres PostgresSinkConfig `yaml:"postgres"`
	Archive  ArchiveSinkConfig  `yaml:"archive"`
}

// RulesConfig is the declarative routing configuration shared by all workers
type RulesConfig struct {
	FallbackDestination string                       `yaml:"fallback_destination"`
	DefaultMasking      []MaskRuleConfig             `yaml:"default_masking"`
	Destinations        []DestinationConfig          `yaml:"destinations"`
	Sources             map[string]SourceRulesConfig `yaml:"sources"`
}

// LoadRulesConfig reads the routing rules from a YAML file. Semantic
// validation happens when the rules are compiled.
func LoadRulesConfig(path string) (*RulesConfig, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("unable to get absolute path of rules file: %w", err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file '%s': %w", absPath, err)
	}

	return ParseRulesConfig(data)
}

// ParseRulesConfig decodes rules YAML
func ParseRulesConfig(data []byte) (*RulesConfig, error) {
	var cfg RulesConfig
	if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse rules YAML: %w", err)
	}
	return &cfg, nil
}
