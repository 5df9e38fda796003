package config

import "github.com/spf13/viper"

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	// Database defaults
	v.SetDefault("database.path", "documo.db")

	// Server defaults
	v.SetDefault("server.json_logs", false)

	// GitHub/GitLab API endpoints
	v.SetDefault("github.api_base_url", "https://api.github.com")
	v.SetDefault("gitlab.api_base_url", "https://gitlab.com/api/v4")

	// Dispatch defaults
	v.SetDefault("dispatch.workers", 2)
	v.SetDefault("dispatch.queue_capacity", 64)
	v.SetDefault("dispatch.max_global", 4)
	v.SetDefault("dispatch.max_per_repository", 1) // shared checkout working area
	v.SetDefault("dispatch.lease_seconds", 600)
	v.SetDefault("dispatch.cooldown_seconds", 300)
	v.SetDefault("dispatch.retention_hours", 72)
	v.SetDefault("dispatch.shutdown_grace_seconds", 30)

	// Pipeline stage defaults
	v.SetDefault("pipeline.fetch_timeout_seconds", 120)
	v.SetDefault("pipeline.fetch_max_attempts", 3)
	v.SetDefault("pipeline.synth_timeout_seconds", 300)
	v.SetDefault("pipeline.synth_max_attempts", 5)
	v.SetDefault("pipeline.publish_timeout_seconds", 30)
	v.SetDefault("pipeline.publish_max_attempts", 4)
	v.SetDefault("pipeline.backoff_initial_ms", 500)
	v.SetDefault("pipeline.backoff_max_ms", 30000)

	// Synthesis defaults
	v.SetDefault("synthesis.base_url", "https://openrouter.ai/api/v1")
	v.SetDefault("synthesis.model", "openai/gpt-4o-mini") // Cost-effective default
	v.SetDefault("synthesis.temperature", 0.3)
	v.SetDefault("synthesis.max_tokens", 2000)
	v.SetDefault("synthesis.max_files", 40)
	v.SetDefault("synthesis.max_file_bytes", 32768)
	v.SetDefault("synthesis.calls_per_minute", 20)
}
