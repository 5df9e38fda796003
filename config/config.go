package config

import "time"

// Config represents the core documo configuration
type Config struct {
	Database  DatabaseConfig  `mapstructure:"database"`
	Server    ServerConfig    `mapstructure:"server"`
	GitHub    GitHubConfig    `mapstructure:"github"`
	GitLab    GitLabConfig    `mapstructure:"gitlab"`
	Dispatch  DispatchConfig  `mapstructure:"dispatch"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Synthesis SynthesisConfig `mapstructure:"synthesis"`
}

// DatabaseConfig configures the SQLite database
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// ServerConfig configures the webhook HTTP server
type ServerConfig struct {
	Port      *int `mapstructure:"port"`       // nil = default 8077, 0 is invalid (omit for default)
	JSONLogs  bool `mapstructure:"json_logs"`  // Structured JSON log output
}

// Default server port: above the privileged range, easy to remember
const DefaultServerPort = 8077

// GitHubConfig configures the GitHub webhook source and API access
type GitHubConfig struct {
	WebhookSecret string `mapstructure:"webhook_secret"` // HMAC secret for X-Hub-Signature-256
	Token         string `mapstructure:"token"`          // API token for comment posting
	APIBaseURL    string `mapstructure:"api_base_url"`   // Override for GitHub Enterprise
}

// GitLabConfig configures the GitLab webhook source and API access
type GitLabConfig struct {
	WebhookToken string `mapstructure:"webhook_token"` // Static token for X-Gitlab-Token
	Token        string `mapstructure:"token"`         // API token for note posting
	APIBaseURL   string `mapstructure:"api_base_url"`  // Override for self-hosted GitLab
}

// DispatchConfig configures the work scheduler.
//
// Workers is the size of the slot pool; MaxGlobal additionally caps how many
// pipelines may run at once (effective parallelism is the minimum of the
// two). MaxPerRepository defaults to 1 because the checkout working area is
// shared per repository; do not raise it unless the fetcher is known to
// support isolated concurrent checkouts.
type DispatchConfig struct {
	Workers              int `mapstructure:"workers"`
	QueueCapacity        int `mapstructure:"queue_capacity"`
	MaxGlobal            int `mapstructure:"max_global"`
	MaxPerRepository     int `mapstructure:"max_per_repository"`
	LeaseSeconds         int `mapstructure:"lease_seconds"`          // running-record lease duration
	CooldownSeconds      int `mapstructure:"cooldown_seconds"`       // re-admission suppression after failure
	RetentionHours       int `mapstructure:"retention_hours"`        // terminal record retention
	ShutdownGraceSeconds int `mapstructure:"shutdown_grace_seconds"` // in-flight runs get this long to checkpoint
}

// Lease returns the running-record lease duration.
func (d DispatchConfig) Lease() time.Duration {
	return time.Duration(d.LeaseSeconds) * time.Second
}

// Cooldown returns the failure cool-down window.
func (d DispatchConfig) Cooldown() time.Duration {
	return time.Duration(d.CooldownSeconds) * time.Second
}

// ShutdownGrace returns the grace period for in-flight runs at shutdown.
func (d DispatchConfig) ShutdownGrace() time.Duration {
	return time.Duration(d.ShutdownGraceSeconds) * time.Second
}

// PipelineConfig configures per-stage timeouts and retry policies
type PipelineConfig struct {
	FetchTimeoutSeconds   int `mapstructure:"fetch_timeout_seconds"`
	FetchMaxAttempts      int `mapstructure:"fetch_max_attempts"`
	SynthTimeoutSeconds   int `mapstructure:"synth_timeout_seconds"`
	SynthMaxAttempts      int `mapstructure:"synth_max_attempts"`
	PublishTimeoutSeconds int `mapstructure:"publish_timeout_seconds"`
	PublishMaxAttempts    int `mapstructure:"publish_max_attempts"`
	BackoffInitialMs      int `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs          int `mapstructure:"backoff_max_ms"`
}

// SynthesisConfig configures the LLM synthesis client
type SynthesisConfig struct {
	APIKey          string  `mapstructure:"api_key"`
	BaseURL         string  `mapstructure:"base_url"`
	Model           string  `mapstructure:"model"`
	Temperature     float64 `mapstructure:"temperature"`
	MaxTokens       int     `mapstructure:"max_tokens"`
	MaxFiles        int     `mapstructure:"max_files"`         // snapshot files fed to the prompt
	MaxFileBytes    int     `mapstructure:"max_file_bytes"`    // per-file content cap
	CallsPerMinute  int     `mapstructure:"calls_per_minute"`  // client-side pacing
}
