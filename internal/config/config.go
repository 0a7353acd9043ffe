package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// General
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	ListenAddr  string `envconfig:"LISTEN_ADDR" default:":8080"`

	// Durable store
	DBPath string `envconfig:"DB_PATH" default:"forge.db"`

	// Workspace root. Per-product workspaces live under this directory and
	// are only written through the tool sandbox.
	WorkspaceRoot string `envconfig:"WORKSPACE_ROOT" default:"workspaces"`

	// Governance policy file (YAML). Optional; defaults apply when empty.
	PolicyPath string `envconfig:"POLICY_PATH"`

	// Model provider (Ollama-compatible HTTP API)
	OllamaURL       string        `envconfig:"OLLAMA_URL" default:"http://localhost:11434"`
	OllamaModel     string        `envconfig:"OLLAMA_MODEL" default:"llama3.2:latest"`
	ProviderTimeout time.Duration `envconfig:"PROVIDER_TIMEOUT" default:"30s"`

	// Branch resolver
	GitTimeout time.Duration `envconfig:"GIT_TIMEOUT" default:"30s"`

	// API auth
	AuthMode  string `envconfig:"AUTH_MODE" default:"none"` // "none", "api-key", "jwt"
	APIKey    string `envconfig:"API_KEY"`
	JWTSecret string `envconfig:"JWT_SECRET"`

	// CORS
	CORSOrigins string `envconfig:"CORS_ORIGINS"`
}

// Load reads configuration from environment variables (FORGE_ prefix).
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("FORGE", &cfg); err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.AuthMode {
	case "none":
	case "api-key":
		if c.APIKey == "" {
			return fmt.Errorf("AUTH_MODE=api-key requires API_KEY")
		}
	case "jwt":
		if c.JWTSecret == "" {
			return fmt.Errorf("AUTH_MODE=jwt requires JWT_SECRET")
		}
	default:
		return fmt.Errorf("unknown AUTH_MODE %q", c.AuthMode)
	}
	return nil
}
