package config

import "github.com/SrivatsaRv/documo/errors"

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	// Server port: 0 is invalid (omit for default), negative is invalid
	if c.Server.Port != nil && *c.Server.Port == 0 {
		return errors.Newf("server.port cannot be 0 (omit for default port %d)", DefaultServerPort)
	}
	if c.Server.Port != nil && *c.Server.Port < 0 {
		return errors.Newf("server.port must be positive, got %d", *c.Server.Port)
	}

	if c.Dispatch.Workers < 1 {
		return errors.Newf("dispatch.workers must be >= 1, got %d", c.Dispatch.Workers)
	}
	if c.Dispatch.QueueCapacity < 1 {
		return errors.Newf("dispatch.queue_capacity must be >= 1, got %d", c.Dispatch.QueueCapacity)
	}
	if c.Dispatch.MaxGlobal < 1 {
		return errors.Newf("dispatch.max_global must be >= 1, got %d", c.Dispatch.MaxGlobal)
	}
	if c.Dispatch.MaxPerRepository < 1 {
		return errors.Newf("dispatch.max_per_repository must be >= 1, got %d", c.Dispatch.MaxPerRepository)
	}
	// The checkout working area is shared per repository; a ceiling above 1
	// is only safe when the fetcher isolates concurrent checkouts.
	if c.Dispatch.MaxPerRepository > 1 {
		return errors.New("dispatch.max_per_repository > 1 is not supported: checkouts share a per-repository working area")
	}
	if c.Dispatch.LeaseSeconds <= 0 {
		return errors.Newf("dispatch.lease_seconds must be > 0, got %d", c.Dispatch.LeaseSeconds)
	}
	if c.Dispatch.CooldownSeconds < 0 {
		return errors.Newf("dispatch.cooldown_seconds must be >= 0, got %d", c.Dispatch.CooldownSeconds)
	}

	if c.Pipeline.FetchMaxAttempts < 1 || c.Pipeline.SynthMaxAttempts < 1 || c.Pipeline.PublishMaxAttempts < 1 {
		return errors.New("pipeline stage max attempts must all be >= 1")
	}
	if c.Pipeline.BackoffInitialMs <= 0 {
		return errors.Newf("pipeline.backoff_initial_ms must be > 0, got %d", c.Pipeline.BackoffInitialMs)
	}
	if c.Pipeline.BackoffMaxMs < c.Pipeline.BackoffInitialMs {
		return errors.New("pipeline.backoff_max_ms must be >= pipeline.backoff_initial_ms")
	}

	if c.Synthesis.MaxFiles < 1 {
		return errors.Newf("synthesis.max_files must be >= 1, got %d", c.Synthesis.MaxFiles)
	}
	if c.Synthesis.CallsPerMinute < 1 {
		return errors.Newf("synthesis.calls_per_minute must be >= 1, got %d", c.Synthesis.CallsPerMinute)
	}

	return nil
}

// Port returns the configured server port or the default.
func (c *Config) Port() int {
	if c.Server.Port != nil {
		return *c.Server.Port
	}
	return DefaultServerPort
}
