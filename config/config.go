package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// Config represents the complete application configuration
type Config struct {
	Engine    *EngineConfig
	Ingestion *IngestionConfig
	Rules     *RulesConfig
}

// LoadConfig loads all configuration files present in a directory
func LoadConfig(configDir string) (*Config, error) {
	absDir, err := filepath.Abs(configDir)
	if err != nil {
		return nil, fmt.Errorf("unable to get absolute path of config directory: %w", err)
	}

	config := &Config{}

	// Load engine config
	enginePath := filepath.Join(absDir, "engine.defaults.yml")
	if _, err := os.Stat(enginePath); err == nil {
		engineCfg, err := LoadEngineConfig(enginePath)
		if err != nil {
			return nil, fmt.Errorf("failed to load engine config: %w", err)
		}
		config.Engine = engineCfg
	}

	// Load ingestion gateway config
	ingestionPath := filepath.Join(absDir, "ingestion.defaults.yml")
	if _, err := os.Stat(ingestionPath); err == nil {
		ingestionCfg, err := LoadIngestionConfig(ingestionPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load ingestion config: %w", err)
		}
		config.Ingestion = ingestionCfg
	}

	// Load routing rules
	rulesPath := filepath.Join(absDir, "rules.yml")
	if _, err := os.Stat(rulesPath); err == nil {
		rulesCfg, err := LoadRulesConfig(rulesPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load rules config: %w", err)
		}
		config.Rules = rulesCfg
	}

	return config, nil
}
