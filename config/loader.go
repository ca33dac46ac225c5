package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

const (
	// ProjectConfigFile is the name of the project-level config file.
	ProjectConfigFile = "loom.yaml"
	// UserConfigDir is the directory for user-level config.
	UserConfigDir = ".config/loom"
	// UserConfigFile is the name of the user-level config file.
	UserConfigFile = "config.yaml"
)

// Loader handles configuration loading with layered precedence.
type Loader struct {
	logger *slog.Logger
}

// NewLoader creates a new configuration loader.
func NewLoader(logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{logger: logger}
}

// Load loads configuration with layered precedence:
// 1. Default config
// 2. User config (~/.config/loom/config.yaml)
// 3. Project config (loom.yaml in current or parent directories)
// 4. Environment variables
func (l *Loader) Load() (*Config, error) {
	// Start with defaults
	config := DefaultConfig()

	// Load user config
	userConfigPath := l.userConfigPath()
	if userConfig, err := LoadFromFile(userConfigPath); err == nil {
		l.logger.Debug("Loaded user config", slog.String("path", userConfigPath))
		config.Merge(userConfig)
	} else if !os.IsNotExist(err) {
		l.logger.Warn("Failed to load user config", slog.String("path", userConfigPath), slog.String("error", err.Error()))
	}

	// Load project config
	projectConfigPath := l.findProjectConfig()
	if projectConfigPath != "" {
		if projectConfig, err := LoadFromFile(projectConfigPath); err == nil {
			l.logger.Debug("Loaded project config", slog.String("path", projectConfigPath))
			config.Merge(projectConfig)
		} else {
			l.logger.Warn("Failed to load project config", slog.String("path", projectConfigPath), slog.String("error", err.Error()))
		}
	} else {
		l.logger.Debug("No project config found")
	}

	// Environment variables override file config
	applyEnv(config)

	// Validate final config
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// applyEnv overlays process environment variables onto the config.
// The webhook profile variables mirror the deployment convention:
// WEBHOOK_INTEGRATION / WEBHOOK_STAGE / WEBHOOK_TEST feed local and
// develop; WEBHOOK_PROD feeds production.
func applyEnv(config *Config) {
	if env := os.Getenv("ENVIRONMENT"); env != "" {
		config.Environment = strings.ToLower(env)
	}
	if url := os.Getenv("NATS_URL"); url != "" {
		config.NATS.URL = url
		config.NATS.Embedded = false
	}
	if host := os.Getenv("PROMPT_STORE_HOST"); host != "" {
		config.PromptStore.Host = host
	}
	if key := os.Getenv("PROMPT_STORE_PUBLIC_KEY"); key != "" {
		config.PromptStore.PublicKey = key
	}
	if key := os.Getenv("PROMPT_STORE_SECRET_KEY"); key != "" {
		config.PromptStore.SecretKey = key
	}
	if key := os.Getenv("LLM_API_KEY"); key != "" {
		config.LLM.APIKey = key
	}
	if url := os.Getenv("CHAT_HISTORY_URL"); url != "" {
		config.History.URL = url
	}

	user := os.Getenv("WEBHOOK_USERNAME")
	pass := os.Getenv("WEBHOOK_PASSWORD")

	var nonProd []WebhookEndpoint
	for _, name := range []string{"WEBHOOK_INTEGRATION", "WEBHOOK_STAGE", "WEBHOOK_TEST"} {
		if url := os.Getenv(name); url != "" {
			nonProd = append(nonProd, WebhookEndpoint{URL: url, Username: user, Password: pass})
		}
	}
	if len(nonProd) > 0 {
		if config.Webhook.Profiles == nil {
			config.Webhook.Profiles = map[string][]WebhookEndpoint{}
		}
		config.Webhook.Profiles[EnvLocal] = nonProd
		config.Webhook.Profiles[EnvDevelop] = nonProd
	}
	if url := os.Getenv("WEBHOOK_PROD"); url != "" {
		if config.Webhook.Profiles == nil {
			config.Webhook.Profiles = map[string][]WebhookEndpoint{}
		}
		config.Webhook.Profiles[EnvProduction] = []WebhookEndpoint{{URL: url, Username: user, Password: pass}}
	}
}

// EnsureUserConfig creates the user config file with defaults if it doesn't exist.
func (l *Loader) EnsureUserConfig() error {
	userConfigPath := l.userConfigPath()

	// Check if it already exists
	if _, err := os.Stat(userConfigPath); err == nil {
		return nil // Already exists
	}

	// Create default config
	config := DefaultConfig()
	if err := config.SaveToFile(userConfigPath); err != nil {
		return err
	}

	l.logger.Info("Created default user config", slog.String("path", userConfigPath))
	return nil
}

// userConfigPath returns the path to the user config file.
func (l *Loader) userConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, UserConfigDir, UserConfigFile)
}

// findProjectConfig searches for loom.yaml in current and parent directories.
func (l *Loader) findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	dir := cwd
	for {
		configPath := filepath.Join(dir, ProjectConfigFile)
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		// Move to parent directory
		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			break
		}
		dir = parent
	}

	return ""
}
