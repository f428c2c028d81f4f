package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadAppliesDefaultsAndSecrets(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	t.Setenv("GRIDFLOW_AGENT_TOKEN", "")
	t.Setenv("GRIDFLOW_GRID_USER", "")
	t.Setenv("GRIDFLOW_STORE_DIR", "")

	if err := os.MkdirAll(filepath.Join(dir, "gridflow"), 0o755); err != nil {
		t.Fatal(err)
	}
	secrets := "# comment\nGRIDFLOW_GRID_USER=alice\nGRIDFLOW_AGENT_TOKEN=\"s3cret\"\n"
	if err := os.WriteFile(filepath.Join(dir, "gridflow", "secrets.env"), []byte(secrets), 0o600); err != nil {
		t.Fatal(err)
	}
	content := `store_dir: ` + filepath.Join(dir, "store") + `
stores:
  wlcg:
    driver: sftp
    host: se.example.org
    root: /pnfs/data
workflow:
  poll_interval: 5s
  retries: 2
  output_store: wlcg
`
	path := filepath.Join(dir, "gridflow", "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.GridUser != "alice" {
		t.Errorf("grid user = %q", cfg.GridUser)
	}
	if cfg.Backend.Token != "s3cret" {
		t.Errorf("token = %q", cfg.Backend.Token)
	}
	if cfg.Workflow.PollInterval != 5*time.Second {
		t.Errorf("poll interval = %v", cfg.Workflow.PollInterval)
	}
	if cfg.Stores["wlcg"].Port != 22 {
		t.Errorf("sftp port default not applied: %d", cfg.Stores["wlcg"].Port)
	}
	if cfg.Stores["local"].Root != filepath.Join(dir, "store") {
		t.Errorf("implicit local store root = %q", cfg.Stores["local"].Root)
	}
	if cfg.Backend.Name != "agent" || cfg.State.Driver != "file" || cfg.Scheduler.Workers != 1 {
		t.Errorf("defaults not applied: %+v", cfg)
	}
}

func TestEnvOverridesSecrets(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	t.Setenv("GRIDFLOW_GRID_USER", "bob")
	path := filepath.Join(dir, "c.yaml")
	if err := os.WriteFile(path, []byte("grid_user: carol\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.GridUser != "bob" {
		t.Fatalf("expected env override, got %q", cfg.GridUser)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"defaults", func(*Config) {}, true},
		{"unknown store driver", func(c *Config) { c.Stores["x"] = StoreConfig{Driver: "s3"} }, false},
		{"sftp without host", func(c *Config) { c.Stores["x"] = StoreConfig{Driver: "sftp"} }, false},
		{"ssh without hosts", func(c *Config) { c.Backend.Name = "ssh" }, false},
		{"unknown backend", func(c *Config) { c.Backend.Name = "glite" }, false},
		{"unknown state driver", func(c *Config) { c.State.Driver = "redis" }, false},
		{"missing output store", func(c *Config) { c.Workflow.OutputStore = "nope" }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tt.ok && err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestLoadSecretsEnvMissingFile(t *testing.T) {
	m, err := LoadSecretsEnv(filepath.Join(t.TempDir(), "nope.env"))
	if err != nil {
		t.Fatal(err)
	}
	if len(m) != 0 {
		t.Fatalf("expected empty map, got %v", m)
	}
}
