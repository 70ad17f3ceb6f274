// Package config implements the gateway's typed configuration layer:
// the closed set of options from spec §6, loaded from a YAML file with
// environment-variable overrides, validated with struct tags, and
// optionally watched for hot reload the way the teacher's configurator
// watches its catalog/registry files.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/loxone-mcp/gateway/pkg/errs"
)

// Transport selects which wire adapter the gateway starts, per spec §6.
type Transport string

const (
	TransportStdio         Transport = "stdio"
	TransportHTTP          Transport = "http"
	TransportStreamableHTTP Transport = "streamable_http"
)

// AuthMethod selects the Miniserver Auth State Machine's starting
// posture, per spec §6 `miniserver.auth_method`.
type AuthMethod string

const (
	AuthAdaptive AuthMethod = "adaptive"
	AuthToken    AuthMethod = "token"
	AuthBasic    AuthMethod = "basic"
)

// Miniserver groups the options the Miniserver Client and Auth State
// Machine need to reach the controller.
type Miniserver struct {
	URL            string        `yaml:"url" validate:"required,url"`
	Username       string        `yaml:"username"`
	Timeout        time.Duration `yaml:"timeout" validate:"gt=0"`
	MaxRetries     int           `yaml:"max_retries" validate:"gte=0"`
	VerifySSL      bool          `yaml:"verify_ssl"`
	MaxConnections int           `yaml:"max_connections" validate:"gt=0"`
	AuthMethod     AuthMethod    `yaml:"auth_method" validate:"oneof=basic token adaptive"`
}

// HTTP groups the options for the HTTP transport binding.
type HTTP struct {
	Port       int    `yaml:"port" validate:"gte=0,lte=65535"`
	APIKey     string `yaml:"api_key"`
	EnableSSE  bool   `yaml:"enable_sse"`
	EnableCORS bool   `yaml:"enable_cors"`
	DevMode    bool   `yaml:"dev_mode"`
}

// TierOverride lets an operator override one rate-limit tier's table
// row from spec §4.K without recompiling.
type TierOverride struct {
	RatePerMinute int           `yaml:"rate_per_minute" validate:"omitempty,gt=0"`
	Burst         int           `yaml:"burst" validate:"omitempty,gte=0"`
	PenaltyBase   time.Duration `yaml:"penalty_base" validate:"omitempty,gt=0"`
}

// RateLimit groups the per-tier overrides, keyed by tier name
// ("high_frequency", "medium_frequency", "low_frequency", "admin", "global").
type RateLimit struct {
	Tiers map[string]TierOverride `yaml:"tiers"`
}

// Auth groups the API-Key Authenticator's policy knobs.
type Auth struct {
	RequireAPIKey        bool `yaml:"require_api_key"`
	KeyRotationDays      int  `yaml:"key_rotation_days" validate:"gte=0"`
	SessionTimeoutMinutes int `yaml:"session_timeout_minutes" validate:"gte=0"`
}

// Config is the closed set of startup options from spec §6.
type Config struct {
	Transport  Transport  `yaml:"transport" validate:"oneof=stdio http streamable_http"`
	Miniserver Miniserver `yaml:"miniserver" validate:"required"`
	HTTP       HTTP       `yaml:"http"`
	RateLimit  RateLimit  `yaml:"rate_limit"`
	Auth       Auth       `yaml:"auth"`
}

// defaults mirrors the defaults spelled out in spec §6: miniserver.timeout
// 30s, max_retries 3, max_connections 10, auth_method adaptive.
func defaults() Config {
	return Config{
		Transport: TransportStdio,
		Miniserver: Miniserver{
			Timeout:        30 * time.Second,
			MaxRetries:     3,
			MaxConnections: 10,
			AuthMethod:     AuthAdaptive,
		},
		Auth: Auth{
			KeyRotationDays:       90,
			SessionTimeoutMinutes: 60,
		},
	}
}

var validate = validator.New()

// Load reads path (YAML) over the defaults, then applies environment
// overrides, then validates the closed schema. A missing file is not an
// error: defaults plus environment variables are enough to start.
func Load(path string) (Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return Config{}, errs.Wrap(errs.Config, "reading config file", err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, errs.Wrap(errs.Config, "parsing config file", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := validate.Struct(cfg); err != nil {
		return Config{}, errs.Wrap(errs.Config, "invalid configuration", err)
	}
	return cfg, nil
}

// applyEnvOverrides layers LOXONE_MCP_* environment variables on top of
// the file-or-default configuration, matching the teacher's pattern of
// letting environment variables win over on-disk configuration.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("LOXONE_MCP_TRANSPORT"); v != "" {
		cfg.Transport = Transport(v)
	}
	if v := os.Getenv("LOXONE_URL"); v != "" {
		cfg.Miniserver.URL = v
	}
	if v := os.Getenv("LOXONE_USER"); v != "" {
		cfg.Miniserver.Username = v
	}
	if v := os.Getenv("LOXONE_MCP_AUTH_METHOD"); v != "" {
		cfg.Miniserver.AuthMethod = AuthMethod(v)
	}
	if v := os.Getenv("LOXONE_MCP_HTTP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.HTTP.Port = port
		}
	}
	if v := os.Getenv("LOXONE_MCP_API_KEY"); v != "" {
		cfg.HTTP.APIKey = v
	}
	if v := os.Getenv("LOXONE_MCP_DEV_MODE"); v != "" {
		cfg.HTTP.DevMode = v == "1" || v == "true"
	}
}

// String never includes http.api_key, mirroring the credential
// provider's redaction discipline for anything that reaches a log line.
func (c Config) String() string {
	return fmt.Sprintf("Config{transport=%s miniserver=%s:%s http_port=%d auth_method=%s}",
		c.Transport, c.Miniserver.URL, c.Miniserver.Username, c.HTTP.Port, c.Miniserver.AuthMethod)
}
