package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	require.Equal(t, EnvLocal, cfg.Environment)
	require.Equal(t, []string{"default_queue", "io_queue"}, cfg.Engine.Queues)
	require.Equal(t, 30*time.Minute, cfg.Engine.PrereqWait)
	require.Equal(t, time.Hour, cfg.Engine.SoftDeadline)
	require.Equal(t, 2*time.Hour, cfg.Engine.HardDeadline)
	require.Equal(t, 30*time.Second, cfg.Webhook.Timeout)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"unknown environment", func(c *Config) { c.Environment = "staging" }, "unknown environment"},
		{"missing templates dir", func(c *Config) { c.Templates.Dir = "" }, "templates.dir"},
		{"no queues", func(c *Config) { c.Engine.Queues = nil }, "queues"},
		{"bad concurrency", func(c *Config) { c.Engine.MaxConcurrent = 0 }, "max_concurrent"},
		{"inverted deadlines", func(c *Config) { c.Engine.SoftDeadline = 3 * time.Hour }, "soft_deadline"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			require.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestEndpointsProfileSelection(t *testing.T) {
	cfg := DefaultConfig()
	local := []WebhookEndpoint{{URL: "http://local"}}
	prod := []WebhookEndpoint{{URL: "https://prod", Username: "u", Password: "p"}}
	cfg.Webhook.Profiles = map[string][]WebhookEndpoint{
		EnvLocal:      local,
		EnvProduction: prod,
	}

	cfg.Environment = EnvLocal
	require.Equal(t, local, cfg.Endpoints())

	cfg.Environment = EnvProduction
	require.Equal(t, prod, cfg.Endpoints())

	// develop falls back to local when it has no profile of its own
	cfg.Environment = EnvDevelop
	require.Equal(t, local, cfg.Endpoints())
}

func TestMergeOverlaysNonZeroFields(t *testing.T) {
	base := DefaultConfig()
	base.Merge(&Config{
		Environment: EnvProduction,
		NATS:        NATSConfig{URL: "nats://remote:4222"},
		Engine:      EngineConfig{MaxConcurrent: 16},
		LLM:         LLMConfig{Model: "override-model"},
	})

	require.Equal(t, EnvProduction, base.Environment)
	require.Equal(t, "nats://remote:4222", base.NATS.URL)
	require.False(t, base.NATS.Embedded)
	require.Equal(t, 16, base.Engine.MaxConcurrent)
	require.Equal(t, "override-model", base.LLM.Model)
	// untouched fields keep their defaults
	require.Equal(t, 30*time.Minute, base.Engine.PrereqWait)
	require.Equal(t, ":8080", base.API.Addr)
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Environment = EnvDevelop
	cfg.PromptStore.Host = "https://prompts.example.com"
	cfg.Webhook.Profiles = map[string][]WebhookEndpoint{
		EnvLocal: {{URL: "http://localhost:9000/hook", Username: "u", Password: "p"}},
	}

	path := filepath.Join(t.TempDir(), "sub", "config.yaml")
	require.NoError(t, cfg.SaveToFile(path))

	loaded, err := LoadFromFile(path)
	require.NoError(t, err)
	require.Equal(t, EnvDevelop, loaded.Environment)
	require.Equal(t, "https://prompts.example.com", loaded.PromptStore.Host)
	require.Equal(t, cfg.Webhook.Profiles, loaded.Webhook.Profiles)
	require.Equal(t, cfg.Engine.PrereqWait, loaded.Engine.PrereqWait)
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("ENVIRONMENT", "Production")
	t.Setenv("NATS_URL", "nats://broker:4222")
	t.Setenv("PROMPT_STORE_HOST", "https://prompts.example.com")
	t.Setenv("PROMPT_STORE_PUBLIC_KEY", "pk")
	t.Setenv("PROMPT_STORE_SECRET_KEY", "sk")
	t.Setenv("LLM_API_KEY", "llm-key")
	t.Setenv("CHAT_HISTORY_URL", "https://history.example.com/messages")
	t.Setenv("WEBHOOK_USERNAME", "hook-user")
	t.Setenv("WEBHOOK_PASSWORD", "hook-pass")
	t.Setenv("WEBHOOK_INTEGRATION", "https://integration/hook")
	t.Setenv("WEBHOOK_STAGE", "https://stage/hook")
	t.Setenv("WEBHOOK_PROD", "https://prod/hook")

	cfg := DefaultConfig()
	applyEnv(cfg)

	require.Equal(t, EnvProduction, cfg.Environment)
	require.Equal(t, "nats://broker:4222", cfg.NATS.URL)
	require.False(t, cfg.NATS.Embedded)
	require.Equal(t, "pk", cfg.PromptStore.PublicKey)
	require.Equal(t, "llm-key", cfg.LLM.APIKey)
	require.Equal(t, "https://history.example.com/messages", cfg.History.URL)

	require.Len(t, cfg.Webhook.Profiles[EnvLocal], 2)
	require.Equal(t, cfg.Webhook.Profiles[EnvLocal], cfg.Webhook.Profiles[EnvDevelop])
	require.Equal(t, []WebhookEndpoint{
		{URL: "https://prod/hook", Username: "hook-user", Password: "hook-pass"},
	}, cfg.Webhook.Profiles[EnvProduction])

	require.Equal(t, []WebhookEndpoint{
		{URL: "https://integration/hook", Username: "hook-user", Password: "hook-pass"},
		{URL: "https://stage/hook", Username: "hook-user", Password: "hook-pass"},
	}, cfg.Endpoints())
}
