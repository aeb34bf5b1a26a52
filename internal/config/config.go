package config

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"batchline/internal/stageflow"
)

// Config models batchline.yml.
type Config struct {
	Backend struct {
		BaseURL        string        `yaml:"base_url" json:"base_url"`
		Token          string        `yaml:"token,omitempty" json:"-"`
		TimeoutSeconds int           `yaml:"timeout_seconds" json:"timeout_seconds"`
		Breaker        BreakerConfig `yaml:"breaker" json:"breaker"`
	} `yaml:"backend" json:"backend"`
	Server struct {
		Addr     string `yaml:"addr" json:"addr"`
		BasePath string `yaml:"base_path" json:"base_path"`
	} `yaml:"server" json:"server"`
	Roles    map[string]RoleConfig `yaml:"roles" json:"roles"`
	Webhooks []WebhookConfig       `yaml:"webhooks,omitempty" json:"webhooks,omitempty"`
	Log      struct {
		Level  string `yaml:"level" json:"level"`
		Format string `yaml:"format" json:"format"`
	} `yaml:"log" json:"log"`
}

type RoleConfig struct {
	Description string `yaml:"description" json:"description"`
}

type BreakerConfig struct {
	FailureThreshold uint32 `yaml:"failure_threshold" json:"failure_threshold"`
	OpenSeconds      int    `yaml:"open_seconds" json:"open_seconds"`
	HalfOpenRequests uint32 `yaml:"half_open_requests" json:"half_open_requests"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url" json:"url"`
	Events         []string `yaml:"events,omitempty" json:"events,omitempty"`
	Secret         string   `yaml:"secret,omitempty" json:"-"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty" json:"enabled,omitempty"`
}

// BackendTimeout returns the per-request timeout for backend calls.
func (c *Config) BackendTimeout() time.Duration {
	if c.Backend.TimeoutSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.Backend.TimeoutSeconds) * time.Second
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with bl config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Backend.BaseURL) == "" {
		return fmt.Errorf("config.backend.base_url is required")
	}
	u, err := url.Parse(c.Backend.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("config.backend.base_url must be an absolute http(s) url")
	}
	if c.Backend.TimeoutSeconds < 0 {
		return fmt.Errorf("config.backend.timeout_seconds must not be negative")
	}
	if c.Backend.Breaker.OpenSeconds < 0 {
		return fmt.Errorf("config.backend.breaker.open_seconds must not be negative")
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	if len(c.Roles) > 0 {
		if _, ok := c.Roles[stageflow.RoleSupervisor]; !ok {
			return fmt.Errorf("config.roles must include %s", stageflow.RoleSupervisor)
		}
		for roleID := range c.Roles {
			if roleID == "" {
				return fmt.Errorf("config.roles contains empty role id")
			}
		}
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("webhook %d has empty url", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("webhook %d has negative timeout", i)
		}
	}
	switch strings.ToLower(c.Log.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config.log.level %q is not one of debug, info, warn, error", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "json", "text":
	default:
		return fmt.Errorf("config.log.format %q is not one of json, text", c.Log.Format)
	}
	return nil
}

// HasRole reports whether role is configured. An empty role table accepts
// every known dashboard role.
func (c *Config) HasRole(role string) bool {
	if len(c.Roles) == 0 {
		for _, r := range stageflow.Roles {
			if r == role {
				return true
			}
		}
		return false
	}
	_, ok := c.Roles[role]
	return ok
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "batchline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(backendURL string) string {
	if backendURL == "" {
		backendURL = defaultBackendURL
	}
	return fmt.Sprintf(defaultTemplate, backendURL)
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

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(GenerateDefault(""))).Decode(&cfg)
	return &cfg
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

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultBackendURL = "http://127.0.0.1:8000/api"

const defaultTemplate = `backend:
  base_url: %s
  timeout_seconds: 10
  breaker:
    failure_threshold: 5
    open_seconds: 30
    half_open_requests: 1

server:
  addr: 127.0.0.1:8080
  base_path: /v1

roles:
  supervisor:
    description: "Starts and completes batch process stages"
  manager:
    description: "Reviews manufacturing orders and progress"
  production_head:
    description: "Plans manufacturing orders and process flows"
  operator:
    description: "Works a work center; read-only flow view"
  quality:
    description: "Inspects batches between stages"
  rm_store:
    description: "Allocates raw material into batches"
  packing_zone:
    description: "Receives completed batches for packing"

log:
  level: info
  format: json
`
