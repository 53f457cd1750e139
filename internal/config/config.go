package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models agentstage.yml.
type Config struct {
	Server struct {
		BaseURL  string `yaml:"base_url"`
		Listen   string `yaml:"listen"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Auth struct {
		JWTSecret              string `yaml:"jwt_secret"`
		AllowLegacyActorHeader bool   `yaml:"allow_legacy_actor_header"`
	} `yaml:"auth"`
	Preview struct {
		DefaultExpirationHours  int `yaml:"default_expiration_hours"`
		MaxExpirationHours      int `yaml:"max_expiration_hours"`
		DefaultMaxConversations int `yaml:"default_max_conversations"`
		MaxConversationsCap     int `yaml:"max_conversations_cap"`
	} `yaml:"preview"`
	Responder struct {
		URL            string `yaml:"url"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
	} `yaml:"responder"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Server.Listen == "" {
		return fmt.Errorf("config.server.listen is required")
	}
	if c.Preview.DefaultExpirationHours <= 0 {
		return fmt.Errorf("config.preview.default_expiration_hours must be positive")
	}
	if c.Preview.DefaultMaxConversations <= 0 {
		return fmt.Errorf("config.preview.default_max_conversations must be positive")
	}
	if c.Preview.MaxExpirationHours > 0 && c.Preview.DefaultExpirationHours > c.Preview.MaxExpirationHours {
		return fmt.Errorf("config.preview.default_expiration_hours exceeds max_expiration_hours")
	}
	if c.Preview.MaxConversationsCap > 0 && c.Preview.DefaultMaxConversations > c.Preview.MaxConversationsCap {
		return fmt.Errorf("config.preview.default_max_conversations exceeds max_conversations_cap")
	}
	if c.Responder.TimeoutSeconds < 0 {
		return fmt.Errorf("config.responder.timeout_seconds must not be negative")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "agentstage.yml")
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create it with ags init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the defaults if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// FromYAML parses and validates config from raw YAML bytes. Keys left out
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
  base_url: http://localhost:8080
  listen: :8080
  base_path: /v1

auth:
  jwt_secret: ""
  allow_legacy_actor_header: true

preview:
  default_expiration_hours: 168
  max_expiration_hours: 720
  default_max_conversations: 25
  max_conversations_cap: 500

responder:
  url: ""
  timeout_seconds: 30
`
