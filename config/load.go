package config

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/viper"

	"github.com/SrivatsaRv/documo/errors"
)

var (
	globalConfig *Config
	globalMu     sync.Mutex
)

// Load reads the documo configuration using Viper.
// Precedence: defaults < config file < DOCUMO_* environment variables.
func Load() (*Config, error) {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalConfig != nil {
		return globalConfig, nil
	}

	v := initViper()

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	globalConfig = &config
	return globalConfig, nil
}

// LoadFromFile loads configuration from a specific file path
func LoadFromFile(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("toml")

	SetDefaults(v)
	bindEnv(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "failed to read config file %s", configPath)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, errors.Wrapf(err, "failed to unmarshal config from %s", configPath)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// ConfigFilePath returns the config file Load would read, or empty string
// when only defaults and environment variables apply. Callers use it to
// watch the file for changes.
func ConfigFilePath() string {
	return findProjectConfig()
}

// Reset clears the cached configuration (useful for testing)
func Reset() {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalConfig = nil
}

// initViper initializes Viper with configuration sources and defaults
func initViper() *viper.Viper {
	v := viper.New()

	bindEnv(v)
	SetDefaults(v)

	// Project config file, if one exists up the tree
	if path := findProjectConfig(); path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		// Missing or unreadable project config is not fatal; defaults and
		// environment variables still apply.
		_ = v.ReadInConfig()
	}

	return v
}

// bindEnv sets up DOCUMO_* environment variable binding
func bindEnv(v *viper.Viper) {
	v.SetEnvPrefix("DOCUMO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Secrets are usually provisioned through the environment, never the
	// config file. Explicit binds so Unmarshal picks them up even when the
	// keys are absent from the file.
	v.BindEnv("github.webhook_secret", "DOCUMO_GITHUB_WEBHOOK_SECRET", "GITHUB_WEBHOOK_SECRET")
	v.BindEnv("github.token", "DOCUMO_GITHUB_TOKEN", "GITHUB_TOKEN")
	v.BindEnv("gitlab.webhook_token", "DOCUMO_GITLAB_WEBHOOK_TOKEN", "GITLAB_WEBHOOK_TOKEN")
	v.BindEnv("gitlab.token", "DOCUMO_GITLAB_TOKEN", "GITLAB_TOKEN")
	v.BindEnv("synthesis.api_key", "DOCUMO_SYNTHESIS_API_KEY", "OPENROUTER_API_KEY")
}

// findProjectConfig searches for documo.toml by walking up the directory tree.
// Returns the path to the first config file found, or empty string if none found.
func findProjectConfig() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		path := filepath.Join(dir, "documo.toml")
		if _, err := os.Stat(path); err == nil {
			return path
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return ""
}
