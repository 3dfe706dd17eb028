package am

import (
	"strings"

	"github.com/ekho-app/ekho/errors"
)

// Validate checks that the configuration is usable. Every problem is
// reported, not just the first.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...interface{}) {
		problems = append(problems, errors.Newf(format, args...).Error())
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		add("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Server.RateLimitPerMinute < 0 {
		add("server.rate_limit_per_minute must be >= 0, got %d", c.Server.RateLimitPerMinute)
	}

	g := c.Generation
	if g.DurationSeconds <= 0 {
		add("generation.duration_seconds must be > 0, got %d", g.DurationSeconds)
	}
	if g.MaxReferences <= 0 {
		add("generation.max_references must be > 0, got %d", g.MaxReferences)
	}
	if g.SubmitTimeoutSeconds <= 0 || g.PollTimeoutSeconds <= 0 {
		add("generation timeouts must be > 0 (submit=%d, poll=%d)", g.SubmitTimeoutSeconds, g.PollTimeoutSeconds)
	}
	if g.OutputURI != "" && !strings.HasSuffix(g.OutputURI, "/") {
		add("generation.output_uri must end with '/', got %q", g.OutputURI)
	}

	switch c.Storage.Backend {
	case "gcs":
		if c.Storage.Bucket == "" {
			add("storage.bucket is required for the gcs backend")
		}
	case "local":
		if c.Storage.LocalPath == "" {
			add("storage.local_path is required for the local backend")
		}
		if c.Storage.SigningSecret == "" {
			add("storage.signing_secret is required for the local backend")
		}
	default:
		add("storage.backend must be gcs or local, got %q", c.Storage.Backend)
	}

	switch c.Persona.Provider {
	case "stub", "ollama":
	case "openai", "anthropic":
		if c.Persona.APIKey == "" {
			add("persona.api_key is required for provider %s", c.Persona.Provider)
		}
	default:
		add("persona.provider must be stub, openai, anthropic or ollama, got %q", c.Persona.Provider)
	}

	if c.Voice.Enabled && c.Voice.APIKey == "" {
		add("voice.api_key is required when voice.enabled is true")
	}

	if c.Fanout.MemoryLimit < 0 {
		add("fanout.memory_limit must be >= 0, got %d", c.Fanout.MemoryLimit)
	}
	if c.Fanout.TrendDays <= 0 {
		add("fanout.trend_days must be > 0, got %d", c.Fanout.TrendDays)
	}

	if len(problems) == 0 {
		return nil
	}
	err := errors.Newf("invalid configuration: %s", strings.Join(problems, "; "))
	return errors.WithHint(err, "run 'ekho am show' to see the effective values")
}
