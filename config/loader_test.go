package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoaderProjectOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	project := []byte("graph:\n  gateway_url: http://graph:9090\npipeline:\n  budget_bytes: 2048\n")
	if err := os.WriteFile(filepath.Join(dir, ProjectConfigFile), project, 0644); err != nil {
		t.Fatal(err)
	}
	t.Chdir(dir)

	cfg, err := NewLoader(nil).Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Graph.GatewayURL != "http://graph:9090" {
		t.Errorf("gateway url = %s, want the project value", cfg.Graph.GatewayURL)
	}
	if cfg.Pipeline.BudgetBytes != 2048 {
		t.Errorf("budget = %d, want 2048", cfg.Pipeline.BudgetBytes)
	}
	// Untouched fields keep their defaults.
	if cfg.NATS.URL != "nats://localhost:4222" {
		t.Errorf("nats url = %s, want the default", cfg.NATS.URL)
	}
}

func TestLoaderFindsProjectConfigInParent(t *testing.T) {
	root := t.TempDir()
	project := []byte("nats:\n  name: parent-config\n")
	if err := os.WriteFile(filepath.Join(root, ProjectConfigFile), project, 0644); err != nil {
		t.Fatal(err)
	}
	nested := filepath.Join(root, "a", "b")
	if err := os.MkdirAll(nested, 0755); err != nil {
		t.Fatal(err)
	}
	t.Chdir(nested)

	cfg, err := NewLoader(nil).Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.NATS.Name != "parent-config" {
		t.Errorf("nats name = %s, want the parent directory's config", cfg.NATS.Name)
	}
}

func TestLoaderNoProjectConfig(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := NewLoader(nil).Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.NATS.URL != "nats://localhost:4222" {
		t.Errorf("nats url = %s, want the default", cfg.NATS.URL)
	}
}
