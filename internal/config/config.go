package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models plantao.yml.
type Config struct {
	Agent struct {
		ID string `yaml:"id"`
	} `yaml:"agent"`
	Shift struct {
		StartHour     int `yaml:"start_hour"`
		DurationHours int `yaml:"duration_hours"`
		Pattern       struct {
			WorkDays int `yaml:"work_days"`
			RestDays int `yaml:"rest_days"`
		} `yaml:"pattern"`
	} `yaml:"shift"`
	Remote struct {
		BaseURL string `yaml:"base_url"`
		APIKey  string `yaml:"api_key"`
	} `yaml:"remote"`
	Cache struct {
		DefaultTTL string `yaml:"default_ttl"`
	} `yaml:"cache"`
	Sync struct {
		MaxAttempts   int    `yaml:"max_attempts"`
		BaseBackoff   string `yaml:"base_backoff"`
		MaxBackoff    string `yaml:"max_backoff"`
		ProbeInterval string `yaml:"probe_interval"`
		CronSpec      string `yaml:"cron"`
	} `yaml:"sync"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Enabled        *bool    `yaml:"enabled"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with pl config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Agent.ID == "" {
		return fmt.Errorf("config.agent.id is required")
	}
	if c.Shift.StartHour < 0 || c.Shift.StartHour > 23 {
		return fmt.Errorf("config.shift.start_hour must be 0..23")
	}
	if c.Shift.DurationHours <= 0 {
		return fmt.Errorf("config.shift.duration_hours must be positive")
	}
	if c.Shift.Pattern.WorkDays <= 0 {
		return fmt.Errorf("config.shift.pattern.work_days must be positive")
	}
	if c.Shift.Pattern.RestDays < 0 {
		return fmt.Errorf("config.shift.pattern.rest_days must not be negative")
	}
	for _, d := range []struct{ name, value string }{
		{"cache.default_ttl", c.Cache.DefaultTTL},
		{"sync.base_backoff", c.Sync.BaseBackoff},
		{"sync.max_backoff", c.Sync.MaxBackoff},
		{"sync.probe_interval", c.Sync.ProbeInterval},
	} {
		if d.value == "" {
			continue
		}
		if _, err := time.ParseDuration(d.value); err != nil {
			return fmt.Errorf("config.%s: %w", d.name, err)
		}
	}
	if c.Sync.MaxAttempts < 0 {
		return fmt.Errorf("config.sync.max_attempts must not be negative")
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// DefaultTTL returns the cache TTL, falling back to 5 minutes.
func (c *Config) DefaultTTL() time.Duration {
	return durationOr(c.Cache.DefaultTTL, 5*time.Minute)
}

// BaseBackoff returns the sync retry base backoff, falling back to 30s.
func (c *Config) BaseBackoff() time.Duration {
	return durationOr(c.Sync.BaseBackoff, 30*time.Second)
}

// MaxBackoff returns the sync retry backoff cap, falling back to 1h.
func (c *Config) MaxBackoff() time.Duration {
	return durationOr(c.Sync.MaxBackoff, time.Hour)
}

// ProbeInterval returns the connectivity probe interval, falling back to 15s.
func (c *Config) ProbeInterval() time.Duration {
	return durationOr(c.Sync.ProbeInterval, 15*time.Second)
}

// MaxAttempts returns the per-item attempt budget, falling back to 8.
func (c *Config) MaxAttempts() int {
	if c.Sync.MaxAttempts > 0 {
		return c.Sync.MaxAttempts
	}
	return 8
}

func durationOr(v string, fallback time.Duration) time.Duration {
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "plantao.yml")
}

// Default returns the default Config struct for an agent.
func Default(agentID string) *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(GenerateDefault(agentID)), &cfg)
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault(agentID string) string {
	return fmt.Sprintf(defaultTemplate, agentID)
}

const defaultTemplate = `agent:
  id: %s

shift:
  start_hour: 6
  duration_hours: 24
  pattern:
    work_days: 1
    rest_days: 3

remote:
  base_url: http://127.0.0.1:8080

cache:
  default_ttl: 5m

sync:
  max_attempts: 8
  base_backoff: 30s
  max_backoff: 1h
  probe_interval: 15s
  cron: "*/5 * * * *"
`
