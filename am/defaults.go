package am

import (
	"github.com/spf13/viper"
)

// Defaults used both by SetDefaults and by callers that need a fallback.
const (
	DefaultServerPort         = 8000
	DefaultDurationSeconds    = 8
	DefaultMaxReferences      = 3
	DefaultMemoryLimit        = 10
	DefaultTrendDays          = 30
	DefaultRateLimitPerMinute = 10

	// DefaultDirPermissions for ~/.ekho and local artifact directories
	DefaultDirPermissions = 0750
)

// DefaultCrisisPhrases trigger the safety flag in a chat message.
var DefaultCrisisPhrases = []string{
	"suicide",
	"kill myself",
	"self-harm",
	"hurt myself",
	"end it all",
	"can't go on",
	"want to die",
}

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.port", DefaultServerPort)
	v.SetDefault("server.allowed_origins", []string{
		"http://localhost:3000",
		"http://127.0.0.1:3000",
	})
	v.SetDefault("server.public_base_url", "http://localhost:8000")
	v.SetDefault("server.rate_limit_per_minute", DefaultRateLimitPerMinute)

	v.SetDefault("database.path", "ekho.db")

	v.SetDefault("generation.project", "ekho-477607")
	v.SetDefault("generation.location", "us-central1")
	v.SetDefault("generation.model", "veo-3.1-generate-preview")
	v.SetDefault("generation.output_uri", "gs://ekho-avatars-ekho-477607/output/")
	v.SetDefault("generation.duration_seconds", DefaultDurationSeconds)
	v.SetDefault("generation.aspect_ratio", "16:9")
	v.SetDefault("generation.person_generation", "allow_adult")
	v.SetDefault("generation.sample_count", 1)
	v.SetDefault("generation.max_references", DefaultMaxReferences)
	v.SetDefault("generation.submit_timeout_seconds", 60)
	v.SetDefault("generation.poll_timeout_seconds", 30)
	v.SetDefault("generation.signed_url_ttl_seconds", 3600)
	v.SetDefault("generation.job_retention_hours", 24)

	v.SetDefault("storage.backend", "gcs")
	v.SetDefault("storage.bucket", "ekho-avatars-ekho-477607")
	v.SetDefault("storage.local_path", "artifacts")

	v.SetDefault("persona.provider", "stub")
	v.SetDefault("persona.model", "gpt-4o-mini")
	v.SetDefault("persona.temperature", 0.7)
	v.SetDefault("persona.max_tokens", 300)
	v.SetDefault("persona.timeout_seconds", 20)

	v.SetDefault("voice.enabled", false)
	v.SetDefault("voice.base_url", "https://api.elevenlabs.io")
	v.SetDefault("voice.model", "eleven_multilingual_v2")
	v.SetDefault("voice.stability", 0.35)
	v.SetDefault("voice.similarity", 0.75)
	v.SetDefault("voice.style", 0.2)
	v.SetDefault("voice.timeout_seconds", 60)

	v.SetDefault("fanout.memory_limit", DefaultMemoryLimit)
	v.SetDefault("fanout.trend_days", DefaultTrendDays)
	v.SetDefault("fanout.agent_timeout_seconds", 5)
	v.SetDefault("fanout.write_timeout_seconds", 10)
	v.SetDefault("fanout.crisis_phrases", DefaultCrisisPhrases)
}

// BindSensitiveEnvVars binds secrets and cloud identifiers to their
// conventional environment variable names.
func BindSensitiveEnvVars(v *viper.Viper) {
	v.BindEnv("generation.project", "EKHO_GENERATION_PROJECT", "GOOGLE_CLOUD_PROJECT")
	v.BindEnv("generation.location", "EKHO_GENERATION_LOCATION", "VERTEX_LOCATION")
	v.BindEnv("generation.credentials_file", "EKHO_GENERATION_CREDENTIALS_FILE", "GOOGLE_APPLICATION_CREDENTIALS")
	v.BindEnv("storage.bucket", "EKHO_STORAGE_BUCKET", "STORAGE_BUCKET")
	v.BindEnv("storage.credentials_file", "EKHO_STORAGE_CREDENTIALS_FILE", "GOOGLE_APPLICATION_CREDENTIALS")
	v.BindEnv("storage.signing_secret", "EKHO_STORAGE_SIGNING_SECRET")
	v.BindEnv("voice.api_key", "EKHO_VOICE_API_KEY", "ELEVENLABS_API_KEY")
	v.BindEnv("persona.api_key", "EKHO_PERSONA_API_KEY", "OPENAI_API_KEY", "ANTHROPIC_API_KEY")
}
