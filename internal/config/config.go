package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// StoreConfig maps a logical store name to a concrete endpoint.
type StoreConfig struct {
	Driver     string `yaml:"driver"` // local | sftp
	Root       string `yaml:"root"`
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	User       string `yaml:"user"`
	KeyPath    string `yaml:"key_path"`
	KnownHosts string `yaml:"known_hosts"`
}

// BackendConfig selects and configures the remote execution backend.
type BackendConfig struct {
	Name       string   `yaml:"name"` // agent | ssh
	Endpoint   string   `yaml:"endpoint"`
	Token      string   `yaml:"token"`
	Hosts      []string `yaml:"hosts"`
	User       string   `yaml:"user"`
	Port       int      `yaml:"port"`
	KeyPath    string   `yaml:"key_path"`
	KnownHost  string   `yaml:"known_hosts"`
	RemoteDir  string   `yaml:"remote_dir"`
	CACert     string   `yaml:"ca_cert"`
	ClientCert string   `yaml:"client_cert"`
	ClientKey  string   `yaml:"client_key"`
	// RateLimit caps agent API calls per second; 0 means unlimited.
	RateLimit float64 `yaml:"rate_limit"`
	// JobTimeout bounds a single job on the agent.
	JobTimeout time.Duration `yaml:"job_timeout"`
}

// Retry configures exponential backoff for storage and backend calls.
type Retry struct {
	MaxRetries   int           `yaml:"max_retries"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier"`
	Timeout      time.Duration `yaml:"timeout"`
}

// Workflow configures remote job handling.
type Workflow struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	Retries      int           `yaml:"retries"`
	GroupSize    int           `yaml:"group_size"`
	FailFast     bool          `yaml:"fail_fast"`
	OutputStore  string        `yaml:"output_store"`
}

// State selects where submission records are persisted.
type State struct {
	Driver string `yaml:"driver"` // file | sqlite
	Path   string `yaml:"path"`
}

// Config is the top-level gridflow configuration.
type Config struct {
	StoreDir  string                 `yaml:"store_dir"`
	GridUser  string                 `yaml:"grid_user"`
	Stores    map[string]StoreConfig `yaml:"stores"`
	Backend   BackendConfig          `yaml:"backend"`
	Retry     Retry                  `yaml:"retry"`
	Workflow  Workflow               `yaml:"workflow"`
	State     State                  `yaml:"state"`
	Scheduler struct {
		Workers int `yaml:"workers"`
	} `yaml:"scheduler"`
	Render    map[string]string `yaml:"render"`
	Telemetry struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"telemetry"`
}

// DefaultPath resolves $XDG_CONFIG_HOME/gridflow/<name> or ~/.config/gridflow/<name>.
func DefaultPath(name string) string {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, _ := os.UserHomeDir()
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "gridflow", name)
}

// Load reads YAML configuration from a path. If path is empty, DefaultPath("config.yaml")
// is used. Secrets from secrets.env and environment overrides are merged in and
// defaults are applied to anything left unset.
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		path = DefaultPath("config.yaml")
	}
	f, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	cfg, err = Parse(content)
	if err != nil {
		return cfg, err
	}

	// Tokens and user names stay out of YAML; secrets.env and env vars win.
	secrets, _ := LoadSecretsEnv("")
	for _, key := range []string{"GRIDFLOW_AGENT_TOKEN", "GRIDFLOW_GRID_USER", "GRIDFLOW_STORE_DIR"} {
		if v := os.Getenv(key); v != "" {
			secrets[key] = v
		}
	}
	if v := secrets["GRIDFLOW_AGENT_TOKEN"]; v != "" {
		cfg.Backend.Token = v
	}
	if v := secrets["GRIDFLOW_GRID_USER"]; v != "" {
		cfg.GridUser = v
	}
	if v := secrets["GRIDFLOW_STORE_DIR"]; v != "" {
		cfg.StoreDir = v
	}
	cfg.ApplyDefaults()
	return cfg, cfg.Validate()
}

// Parse decodes YAML content without touching the environment.
func Parse(content []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// Defaults returns a configuration usable for a purely local setup.
func Defaults() Config {
	var cfg Config
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills zero values.
func (c *Config) ApplyDefaults() {
	if c.StoreDir == "" {
		c.StoreDir = filepath.Join(os.TempDir(), "gridflow")
	}
	if c.Stores == nil {
		c.Stores = map[string]StoreConfig{}
	}
	if _, ok := c.Stores["local"]; !ok {
		c.Stores["local"] = StoreConfig{Driver: "local", Root: c.StoreDir}
	}
	for name, s := range c.Stores {
		if s.Driver == "" {
			s.Driver = "local"
		}
		if s.Driver == "sftp" && s.Port == 0 {
			s.Port = 22
		}
		c.Stores[name] = s
	}
	if c.Backend.Name == "" {
		c.Backend.Name = "agent"
	}
	if c.Backend.Endpoint == "" && c.Backend.Name == "agent" {
		c.Backend.Endpoint = "http://127.0.0.1:8088"
	}
	if c.Backend.Port == 0 {
		c.Backend.Port = 22
	}
	if c.Backend.RemoteDir == "" {
		c.Backend.RemoteDir = "/tmp/gridflow"
	}
	if c.Retry.MaxRetries == 0 {
		c.Retry.MaxRetries = 3
	}
	if c.Retry.InitialDelay == 0 {
		c.Retry.InitialDelay = 500 * time.Millisecond
	}
	if c.Retry.MaxDelay == 0 {
		c.Retry.MaxDelay = 30 * time.Second
	}
	if c.Retry.Multiplier == 0 {
		c.Retry.Multiplier = 2.0
	}
	if c.Retry.Timeout == 0 {
		c.Retry.Timeout = 60 * time.Second
	}
	if c.Workflow.PollInterval == 0 {
		c.Workflow.PollInterval = 30 * time.Second
	}
	if c.Workflow.GroupSize == 0 {
		c.Workflow.GroupSize = 1
	}
	if c.Workflow.OutputStore == "" {
		c.Workflow.OutputStore = "local"
	}
	if c.State.Driver == "" {
		c.State.Driver = "file"
	}
	if c.State.Path == "" {
		c.State.Path = filepath.Join(c.StoreDir, "submissions")
	}
	if c.Scheduler.Workers <= 0 {
		c.Scheduler.Workers = 1
	}
}

// Validate rejects configurations that name unknown drivers or dangling stores.
func (c *Config) Validate() error {
	for name, s := range c.Stores {
		switch s.Driver {
		case "local":
		case "sftp":
			if s.Host == "" {
				return fmt.Errorf("store %s: sftp driver requires host", name)
			}
		default:
			return fmt.Errorf("store %s: unknown driver %q", name, s.Driver)
		}
	}
	switch c.Backend.Name {
	case "agent":
	case "ssh":
		if len(c.Backend.Hosts) == 0 {
			return fmt.Errorf("backend ssh: at least one host required")
		}
	default:
		return fmt.Errorf("unknown backend %q", c.Backend.Name)
	}
	switch c.State.Driver {
	case "file", "sqlite":
	default:
		return fmt.Errorf("unknown state driver %q", c.State.Driver)
	}
	if _, ok := c.Stores[c.Workflow.OutputStore]; !ok {
		return fmt.Errorf("workflow output store %q is not configured", c.Workflow.OutputStore)
	}
	return nil
}
