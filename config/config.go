// Package config provides configuration loading and management for Semgate.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete Semgate configuration
type Config struct {
	NATS     NATSConfig     `yaml:"nats"`
	Graph    GraphConfig    `yaml:"graph"`
	Policies PoliciesConfig `yaml:"policies"`
	LLM      LLMConfig      `yaml:"llm"`
	Pipeline PipelineConfig `yaml:"pipeline"`
}

// NATSConfig configures the NATS connection
type NATSConfig struct {
	// URL is the NATS server URL
	URL string `yaml:"url"`
	// Name is the client connection name
	Name string `yaml:"name"`
}

// GraphConfig configures the graph gateway collaborator
type GraphConfig struct {
	// GatewayURL is the graph gateway endpoint for neighborhood expansion
	GatewayURL string `yaml:"gateway_url"`
}

// PoliciesConfig configures policy resolution
type PoliciesConfig struct {
	// Path is the role profiles file
	Path string `yaml:"path"`
}

// LLMConfig configures the answer-generation endpoint. An empty BaseURL
// disables generation; every answer is then composed deterministically.
type LLMConfig struct {
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
	// APIKeyEnv names the environment variable holding the API key.
	APIKeyEnv string `yaml:"api_key_env"`
}

// PipelineConfig configures per-request limits
type PipelineConfig struct {
	// BudgetBytes is the serialized-size budget for included evidence
	BudgetBytes int `yaml:"budget_bytes"`
	// Timeout bounds one request end to end
	Timeout time.Duration `yaml:"timeout"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		NATS: NATSConfig{
			URL:  "nats://localhost:4222",
			Name: "semgate",
		},
		Graph: GraphConfig{
			GatewayURL: "http://localhost:8082",
		},
		Policies: PoliciesConfig{
			Path: "configs/policies.yaml",
		},
		LLM: LLMConfig{
			BaseURL:   "",
			Model:     "",
			APIKeyEnv: "SEMGATE_LLM_API_KEY",
		},
		Pipeline: PipelineConfig{
			BudgetBytes: 16384,
			Timeout:     30 * time.Second,
		},
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.NATS.URL == "" {
		return fmt.Errorf("nats.url is required")
	}
	if c.Graph.GatewayURL == "" {
		return fmt.Errorf("graph.gateway_url is required")
	}
	if c.Policies.Path == "" {
		return fmt.Errorf("policies.path is required")
	}
	if c.LLM.BaseURL != "" && c.LLM.Model == "" {
		return fmt.Errorf("llm.model is required when llm.base_url is set")
	}
	if c.Pipeline.BudgetBytes <= 0 {
		return fmt.Errorf("pipeline.budget_bytes must be positive")
	}
	if c.Pipeline.Timeout <= 0 {
		return fmt.Errorf("pipeline.timeout must be positive")
	}
	return nil
}

// APIKey resolves the LLM API key from the environment.
func (c *Config) APIKey() string {
	if c.LLM.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(c.LLM.APIKeyEnv)
}

// Merge merges another config into this one (other takes precedence for non-zero values)
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	if other.NATS.URL != "" {
		c.NATS.URL = other.NATS.URL
	}
	if other.NATS.Name != "" {
		c.NATS.Name = other.NATS.Name
	}

	if other.Graph.GatewayURL != "" {
		c.Graph.GatewayURL = other.Graph.GatewayURL
	}

	if other.Policies.Path != "" {
		c.Policies.Path = other.Policies.Path
	}

	if other.LLM.BaseURL != "" {
		c.LLM.BaseURL = other.LLM.BaseURL
	}
	if other.LLM.Model != "" {
		c.LLM.Model = other.LLM.Model
	}
	if other.LLM.APIKeyEnv != "" {
		c.LLM.APIKeyEnv = other.LLM.APIKeyEnv
	}

	if other.Pipeline.BudgetBytes != 0 {
		c.Pipeline.BudgetBytes = other.Pipeline.BudgetBytes
	}
	if other.Pipeline.Timeout != 0 {
		c.Pipeline.Timeout = other.Pipeline.Timeout
	}
}

// LoadFromFile loads configuration from a YAML file
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
