package config

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"taskboard/internal/hub"
)

const (
	DriverSQLite = "sqlite"
	DriverMongo  = "mongo"
)

// Config models taskboard.yml.
type Config struct {
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Store struct {
		Driver    string      `yaml:"driver"`
		Workspace string      `yaml:"workspace"`
		Mongo     MongoConfig `yaml:"mongo"`
	} `yaml:"store"`
	Auth struct {
		DevLogin bool `yaml:"dev_login"`
	} `yaml:"auth"`
	Log       LogConfig `yaml:"log"`
	Broadcast struct {
		Buffer int `yaml:"buffer"`
	} `yaml:"broadcast"`
	Actions struct {
		RecentLimit int `yaml:"recent_limit"`
	} `yaml:"actions"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type MongoConfig struct {
	URI            string `yaml:"uri"`
	Database       string `yaml:"database"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Active reports whether the hook should receive deliveries.
func (w WebhookConfig) Active() bool {
	if w.Enabled != nil && !*w.Enabled {
		return false
	}
	return strings.TrimSpace(w.URL) != ""
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; write one with tb config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional falls back to Default when the workspace has no config file.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := Default()
			cfg.Store.Workspace = workspace
			return cfg, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("config.server.addr is required")
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	switch c.Store.Driver {
	case DriverSQLite:
	case DriverMongo:
		if c.Store.Mongo.URI == "" {
			return fmt.Errorf("config.store.mongo.uri is required for driver mongo")
		}
		if c.Store.Mongo.Database == "" {
			return fmt.Errorf("config.store.mongo.database is required for driver mongo")
		}
	default:
		return fmt.Errorf("config.store.driver must be %q or %q, got %q", DriverSQLite, DriverMongo, c.Store.Driver)
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("config.log.format must be text or json")
	}
	if c.Broadcast.Buffer < 0 {
		return fmt.Errorf("config.broadcast.buffer must not be negative")
	}
	if c.Actions.RecentLimit < 0 {
		return fmt.Errorf("config.actions.recent_limit must not be negative")
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("webhook %d: url is required", i)
		}
		u, err := url.Parse(hook.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Errorf("webhook %d: url must be http(s)", i)
		}
		for _, evt := range hook.Events {
			if !slices.Contains(hub.Names, evt) {
				return fmt.Errorf("webhook %d: unknown event %s", i, evt)
			}
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("webhook %d: timeout_seconds must not be negative", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "taskboard.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Missing keys
// keep their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `server:
  addr: 127.0.0.1:5000
  base_path: /api

store:
  driver: sqlite
  workspace: .
  mongo:
    uri: mongodb://127.0.0.1:27017
    database: taskboard
    timeout_seconds: 10

auth:
  dev_login: false

log:
  level: info
  format: text
  file: ""
  max_size_mb: 10
  max_backups: 3
  max_age_days: 28
  compress: true

broadcast:
  buffer: 64

actions:
  recent_limit: 20

webhooks: []
`
