package config

import (
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.NATS.URL != "nats://localhost:4222" {
		t.Errorf("expected default NATS URL nats://localhost:4222, got %s", cfg.NATS.URL)
	}
	if cfg.Policies.Path != "configs/policies.yaml" {
		t.Errorf("expected default policies path, got %s", cfg.Policies.Path)
	}
	if cfg.LLM.BaseURL != "" {
		t.Error("expected generation disabled by default")
	}
	if cfg.Pipeline.BudgetBytes != 16384 {
		t.Errorf("expected default budget 16384, got %d", cfg.Pipeline.BudgetBytes)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should be valid: %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid default config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "missing nats url",
			modify:  func(c *Config) { c.NATS.URL = "" },
			wantErr: true,
		},
		{
			name:    "missing gateway url",
			modify:  func(c *Config) { c.Graph.GatewayURL = "" },
			wantErr: true,
		},
		{
			name:    "missing policies path",
			modify:  func(c *Config) { c.Policies.Path = "" },
			wantErr: true,
		},
		{
			name:    "llm endpoint without model",
			modify:  func(c *Config) { c.LLM.BaseURL = "http://localhost:11434" },
			wantErr: true,
		},
		{
			name: "llm endpoint with model",
			modify: func(c *Config) {
				c.LLM.BaseURL = "http://localhost:11434"
				c.LLM.Model = "qwen2.5-coder:32b"
			},
			wantErr: false,
		},
		{
			name:    "zero budget",
			modify:  func(c *Config) { c.Pipeline.BudgetBytes = 0 },
			wantErr: true,
		},
		{
			name:    "zero timeout",
			modify:  func(c *Config) { c.Pipeline.Timeout = 0 },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestConfigMerge(t *testing.T) {
	base := DefaultConfig()
	base.Merge(&Config{
		NATS:     NATSConfig{URL: "nats://remote:4222"},
		LLM:      LLMConfig{BaseURL: "http://localhost:11434", Model: "llama3"},
		Pipeline: PipelineConfig{Timeout: 10 * time.Second},
	})

	if base.NATS.URL != "nats://remote:4222" {
		t.Errorf("merge did not take NATS URL, got %s", base.NATS.URL)
	}
	if base.NATS.Name != "semgate" {
		t.Errorf("merge clobbered NATS name, got %s", base.NATS.Name)
	}
	if base.LLM.Model != "llama3" {
		t.Errorf("merge did not take LLM model, got %s", base.LLM.Model)
	}
	if base.Pipeline.Timeout != 10*time.Second {
		t.Errorf("merge did not take timeout, got %s", base.Pipeline.Timeout)
	}
	if base.Pipeline.BudgetBytes != 16384 {
		t.Errorf("merge clobbered budget, got %d", base.Pipeline.BudgetBytes)
	}

	base.Merge(nil)
	if base.NATS.URL != "nats://remote:4222" {
		t.Error("merging nil changed the config")
	}
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "semgate.yaml")

	cfg := DefaultConfig()
	cfg.Graph.GatewayURL = "http://graph:8082"
	cfg.Pipeline.BudgetBytes = 4096
	if err := cfg.SaveToFile(path); err != nil {
		t.Fatalf("SaveToFile() error = %v", err)
	}

	loaded, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}
	if loaded.Graph.GatewayURL != "http://graph:8082" {
		t.Errorf("gateway url = %s, want http://graph:8082", loaded.Graph.GatewayURL)
	}
	if loaded.Pipeline.BudgetBytes != 4096 {
		t.Errorf("budget = %d, want 4096", loaded.Pipeline.BudgetBytes)
	}
}

func TestLoadFromFileMissing(t *testing.T) {
	if _, err := LoadFromFile(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("LoadFromFile() expected error for a missing file")
	}
}

func TestAPIKey(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LLM.APIKeyEnv = "SEMGATE_TEST_API_KEY"

	if key := cfg.APIKey(); key != "" {
		t.Errorf("APIKey() = %q with the variable unset, want empty", key)
	}

	t.Setenv("SEMGATE_TEST_API_KEY", "sk-test")
	if key := cfg.APIKey(); key != "sk-test" {
		t.Errorf("APIKey() = %q, want sk-test", key)
	}

	cfg.LLM.APIKeyEnv = ""
	if key := cfg.APIKey(); key != "" {
		t.Errorf("APIKey() = %q with no variable configured, want empty", key)
	}
}
