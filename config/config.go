// Package config provides configuration loading and management for Loom.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment names selected by the ENVIRONMENT variable.
const (
	EnvLocal      = "local"
	EnvDevelop    = "develop"
	EnvProduction = "production"
)

// Config represents the complete Loom configuration.
type Config struct {
	Environment string         `yaml:"environment"`
	Templates   TemplateConfig `yaml:"templates"`
	NATS        NATSConfig     `yaml:"nats"`
	Engine      EngineConfig   `yaml:"engine"`
	LLM         LLMConfig      `yaml:"llm"`
	PromptStore PromptConfig   `yaml:"prompt_store"`
	Webhook     WebhookConfig  `yaml:"webhook"`
	API         APIConfig      `yaml:"api"`
	History     HistoryConfig  `yaml:"history"`
}

// TemplateConfig configures workflow template loading.
type TemplateConfig struct {
	// Dir is the directory containing {name}.yml workflow templates.
	Dir string `yaml:"dir"`
	// Watch enables fsnotify-based cache invalidation on template edits.
	Watch bool `yaml:"watch"`
}

// NATSConfig configures the NATS connection.
type NATSConfig struct {
	// URL is the NATS server URL (empty = use embedded server).
	URL string `yaml:"url"`
	// Embedded indicates whether to start an embedded server.
	Embedded bool `yaml:"embedded"`
}

// EngineConfig configures the distributed task engine.
type EngineConfig struct {
	// Queues lists the worker queues this process consumes.
	Queues []string `yaml:"queues"`
	// MaxConcurrent bounds simultaneous task executions per queue.
	MaxConcurrent int `yaml:"max_concurrent"`
	// PrereqWait caps how long a task waits on one prerequisite.
	PrereqWait time.Duration `yaml:"prereq_wait"`
	// PollInterval is the readiness re-check interval while waiting.
	PollInterval time.Duration `yaml:"poll_interval"`
	// SoftDeadline is the per-task soft time limit.
	SoftDeadline time.Duration `yaml:"soft_deadline"`
	// HardDeadline is the per-task hard time limit.
	HardDeadline time.Duration `yaml:"hard_deadline"`
}

// LLMConfig configures the chat-completion client defaults.
type LLMConfig struct {
	// Endpoint is the OpenAI-compatible API base (e.g. http://localhost:11434/v1).
	Endpoint string `yaml:"endpoint"`
	// APIKey is sent as a bearer token when non-empty.
	APIKey string `yaml:"api_key"`
	// Model is the default model when neither prompt config nor step supplies one.
	Model string `yaml:"model"`
	// Temperature is the default sampling temperature.
	Temperature float64 `yaml:"temperature"`
	// MaxTokens is the default completion budget (0 = endpoint default).
	MaxTokens int `yaml:"max_tokens"`
	// Timeout is the maximum time to wait for model responses.
	Timeout time.Duration `yaml:"timeout"`
}

// PromptConfig configures the remote prompt store.
type PromptConfig struct {
	// Host is the prompt store base URL.
	Host string `yaml:"host"`
	// PublicKey and SecretKey form the Basic auth pair.
	PublicKey string `yaml:"public_key"`
	SecretKey string `yaml:"secret_key"`
	// Label selects the prompt variant (default "production").
	Label string `yaml:"label"`
	// CacheTTL bounds how long fetched prompts are reused.
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

// WebhookEndpoint is one delivery target.
type WebhookEndpoint struct {
	URL      string `yaml:"url"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// WebhookConfig holds the environment-selected endpoint profiles.
type WebhookConfig struct {
	// Timeout applies per endpoint delivery.
	Timeout time.Duration `yaml:"timeout"`
	// Profiles maps environment name to its ordered endpoint list.
	Profiles map[string][]WebhookEndpoint `yaml:"profiles"`
}

// APIConfig configures the REST surface.
type APIConfig struct {
	// Addr is the listen address (host:port).
	Addr string `yaml:"addr"`
}

// HistoryConfig configures the external chat-history provider.
type HistoryConfig struct {
	// URL is the base URL of the SQL-backed history service.
	URL string `yaml:"url"`
	// Timeout applies per read.
	Timeout time.Duration `yaml:"timeout"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Environment: EnvLocal,
		Templates: TemplateConfig{
			Dir:   "templates",
			Watch: true,
		},
		NATS: NATSConfig{
			Embedded: true,
		},
		Engine: EngineConfig{
			Queues:        []string{"default_queue", "io_queue"},
			MaxConcurrent: 8,
			PrereqWait:    30 * time.Minute,
			PollInterval:  3 * time.Second,
			SoftDeadline:  time.Hour,
			HardDeadline:  2 * time.Hour,
		},
		LLM: LLMConfig{
			Endpoint:    "http://localhost:11434/v1",
			Model:       "gpt-4o-mini",
			Temperature: 0.2,
			Timeout:     3 * time.Minute,
		},
		PromptStore: PromptConfig{
			Label:    "production",
			CacheTTL: 5 * time.Minute,
		},
		Webhook: WebhookConfig{
			Timeout:  30 * time.Second,
			Profiles: map[string][]WebhookEndpoint{},
		},
		API: APIConfig{
			Addr: ":8080",
		},
		History: HistoryConfig{
			Timeout: 10 * time.Second,
		},
	}
}

// Endpoints returns the webhook endpoint set for the active environment.
// The develop profile falls back to local when it defines no endpoints.
func (c *Config) Endpoints() []WebhookEndpoint {
	if eps, ok := c.Webhook.Profiles[c.Environment]; ok {
		return eps
	}
	if c.Environment == EnvDevelop {
		return c.Webhook.Profiles[EnvLocal]
	}
	return nil
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	switch c.Environment {
	case EnvLocal, EnvDevelop, EnvProduction:
	default:
		return fmt.Errorf("unknown environment %q", c.Environment)
	}
	if c.Templates.Dir == "" {
		return fmt.Errorf("templates.dir is required")
	}
	if len(c.Engine.Queues) == 0 {
		return fmt.Errorf("engine.queues must name at least one queue")
	}
	if c.Engine.MaxConcurrent <= 0 {
		return fmt.Errorf("engine.max_concurrent must be positive")
	}
	if c.Engine.SoftDeadline > c.Engine.HardDeadline {
		return fmt.Errorf("engine.soft_deadline exceeds hard_deadline")
	}
	if c.Engine.PollInterval <= 0 {
		return fmt.Errorf("engine.poll_interval must be positive")
	}
	return nil
}

// Merge overlays non-zero fields from other onto c.
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}
	if other.Environment != "" {
		c.Environment = other.Environment
	}
	if other.Templates.Dir != "" {
		c.Templates.Dir = other.Templates.Dir
	}
	if other.Templates.Watch {
		c.Templates.Watch = true
	}
	if other.NATS.URL != "" {
		c.NATS.URL = other.NATS.URL
		c.NATS.Embedded = other.NATS.Embedded
	}
	if len(other.Engine.Queues) > 0 {
		c.Engine.Queues = other.Engine.Queues
	}
	if other.Engine.MaxConcurrent > 0 {
		c.Engine.MaxConcurrent = other.Engine.MaxConcurrent
	}
	if other.Engine.PrereqWait > 0 {
		c.Engine.PrereqWait = other.Engine.PrereqWait
	}
	if other.Engine.PollInterval > 0 {
		c.Engine.PollInterval = other.Engine.PollInterval
	}
	if other.Engine.SoftDeadline > 0 {
		c.Engine.SoftDeadline = other.Engine.SoftDeadline
	}
	if other.Engine.HardDeadline > 0 {
		c.Engine.HardDeadline = other.Engine.HardDeadline
	}
	if other.LLM.Endpoint != "" {
		c.LLM.Endpoint = other.LLM.Endpoint
	}
	if other.LLM.APIKey != "" {
		c.LLM.APIKey = other.LLM.APIKey
	}
	if other.LLM.Model != "" {
		c.LLM.Model = other.LLM.Model
	}
	if other.LLM.Temperature != 0 {
		c.LLM.Temperature = other.LLM.Temperature
	}
	if other.LLM.MaxTokens != 0 {
		c.LLM.MaxTokens = other.LLM.MaxTokens
	}
	if other.LLM.Timeout != 0 {
		c.LLM.Timeout = other.LLM.Timeout
	}
	if other.PromptStore.Host != "" {
		c.PromptStore.Host = other.PromptStore.Host
	}
	if other.PromptStore.PublicKey != "" {
		c.PromptStore.PublicKey = other.PromptStore.PublicKey
	}
	if other.PromptStore.SecretKey != "" {
		c.PromptStore.SecretKey = other.PromptStore.SecretKey
	}
	if other.PromptStore.Label != "" {
		c.PromptStore.Label = other.PromptStore.Label
	}
	if other.PromptStore.CacheTTL != 0 {
		c.PromptStore.CacheTTL = other.PromptStore.CacheTTL
	}
	if other.Webhook.Timeout != 0 {
		c.Webhook.Timeout = other.Webhook.Timeout
	}
	for env, eps := range other.Webhook.Profiles {
		if c.Webhook.Profiles == nil {
			c.Webhook.Profiles = map[string][]WebhookEndpoint{}
		}
		c.Webhook.Profiles[env] = eps
	}
	if other.API.Addr != "" {
		c.API.Addr = other.API.Addr
	}
	if other.History.URL != "" {
		c.History.URL = other.History.URL
	}
	if other.History.Timeout != 0 {
		c.History.Timeout = other.History.Timeout
	}
}

// LoadFromFile loads a config from a YAML file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	return &config, nil
}

// SaveToFile writes the config to a YAML file, creating parent directories.
func (c *Config) SaveToFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o644)
}
