package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models nodegrid.yml, the server configuration.
type Config struct {
	Server struct {
		Bind     string `yaml:"bind"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Auth struct {
		JWTSecret       string `yaml:"jwt_secret"`
		TokenTTLMinutes int    `yaml:"token_ttl_minutes"`
	} `yaml:"auth"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Server.Bind == "" {
		return fmt.Errorf("config.server.bind is required")
	}
	if c.Server.BasePath == "" {
		return fmt.Errorf("config.server.base_path is required")
	}
	if c.Server.BasePath[0] != '/' {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	if c.Auth.TokenTTLMinutes <= 0 {
		return fmt.Errorf("config.auth.token_ttl_minutes must be positive")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "nodegrid.yml")
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	cfg.Server.Bind = "127.0.0.1:5000"
	cfg.Server.BasePath = "/api"
	cfg.Auth.TokenTTLMinutes = 360
	return &cfg
}

// Load reads config from workspace, falling back to defaults when the file
// does not exist. Values from the file override defaults field by field.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes. Fields absent
// from the document keep their defaults.
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

// GenerateDefault returns default config YAML, suitable for seeding a new
// workspace.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `server:
  bind: 127.0.0.1:5000
  base_path: /api

auth:
  # Required to serve; may also be supplied via NODEGRID_JWT_SECRET.
  jwt_secret: ""
  token_ttl_minutes: 360
`
