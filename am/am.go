// Package am holds ekho's configuration ("am" as in "who I am").
//
// Values come from defaults, /etc/ekho/am.toml, ~/.ekho/am.toml, the
// nearest project am.toml and EKHO_* environment variables, in that order.
package am

import "time"

// Config represents the complete ekho configuration
type Config struct {
	Server     ServerConfig     `mapstructure:"server" toml:"server"`
	Database   DatabaseConfig   `mapstructure:"database" toml:"database"`
	Generation GenerationConfig `mapstructure:"generation" toml:"generation"`
	Storage    StorageConfig    `mapstructure:"storage" toml:"storage"`
	Persona    PersonaConfig    `mapstructure:"persona" toml:"persona"`
	Voice      VoiceConfig      `mapstructure:"voice" toml:"voice"`
	Fanout     FanoutConfig     `mapstructure:"fanout" toml:"fanout"`
}

// ServerConfig configures the HTTP API
type ServerConfig struct {
	Port           int      `mapstructure:"port" toml:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins" toml:"allowed_origins"`
	// PublicBaseURL is used to build download links for locally stored artifacts
	PublicBaseURL string `mapstructure:"public_base_url" toml:"public_base_url"`
	// RateLimitPerMinute caps generation requests per user; 0 disables limiting
	RateLimitPerMinute int `mapstructure:"rate_limit_per_minute" toml:"rate_limit_per_minute"`
}

// DatabaseConfig configures the SQLite database holding history, profiles and analytics
type DatabaseConfig struct {
	Path string `mapstructure:"path" toml:"path"`
}

// GenerationConfig configures the long-running video generation service
type GenerationConfig struct {
	Project         string `mapstructure:"project" toml:"project"`
	Location        string `mapstructure:"location" toml:"location"`
	Model           string `mapstructure:"model" toml:"model"`
	OutputURI       string `mapstructure:"output_uri" toml:"output_uri"`
	CredentialsFile string `mapstructure:"credentials_file" toml:"credentials_file"`
	// BaseURL overrides the regional endpoint (tests, proxies)
	BaseURL string `mapstructure:"base_url" toml:"base_url"`

	DurationSeconds  int    `mapstructure:"duration_seconds" toml:"duration_seconds"`
	AspectRatio      string `mapstructure:"aspect_ratio" toml:"aspect_ratio"`
	PersonGeneration string `mapstructure:"person_generation" toml:"person_generation"`
	SampleCount      int    `mapstructure:"sample_count" toml:"sample_count"`
	MaxReferences    int    `mapstructure:"max_references" toml:"max_references"`

	SubmitTimeoutSeconds int `mapstructure:"submit_timeout_seconds" toml:"submit_timeout_seconds"`
	PollTimeoutSeconds   int `mapstructure:"poll_timeout_seconds" toml:"poll_timeout_seconds"`
	SignedURLTTLSeconds  int `mapstructure:"signed_url_ttl_seconds" toml:"signed_url_ttl_seconds"`
	// JobRetentionHours drops terminal jobs from memory after this long; 0 keeps them
	JobRetentionHours int `mapstructure:"job_retention_hours" toml:"job_retention_hours"`
}

// StorageConfig selects and configures the artifact store
type StorageConfig struct {
	Backend         string `mapstructure:"backend" toml:"backend"` // gcs or local
	Bucket          string `mapstructure:"bucket" toml:"bucket"`
	CredentialsFile string `mapstructure:"credentials_file" toml:"credentials_file"`
	LocalPath       string `mapstructure:"local_path" toml:"local_path"`
	SigningSecret   string `mapstructure:"signing_secret" toml:"signing_secret"`
}

// PersonaConfig configures the reply model
type PersonaConfig struct {
	Provider       string  `mapstructure:"provider" toml:"provider"` // stub, openai, anthropic, ollama
	Model          string  `mapstructure:"model" toml:"model"`
	APIKey         string  `mapstructure:"api_key" toml:"api_key"`
	BaseURL        string  `mapstructure:"base_url" toml:"base_url"`
	Temperature    float64 `mapstructure:"temperature" toml:"temperature"`
	MaxTokens      int     `mapstructure:"max_tokens" toml:"max_tokens"`
	TimeoutSeconds int     `mapstructure:"timeout_seconds" toml:"timeout_seconds"`
}

// VoiceConfig configures voice cloning and speech synthesis
type VoiceConfig struct {
	Enabled        bool    `mapstructure:"enabled" toml:"enabled"`
	APIKey         string  `mapstructure:"api_key" toml:"api_key"`
	BaseURL        string  `mapstructure:"base_url" toml:"base_url"`
	Model          string  `mapstructure:"model" toml:"model"`
	Stability      float64 `mapstructure:"stability" toml:"stability"`
	Similarity     float64 `mapstructure:"similarity" toml:"similarity"`
	Style          float64 `mapstructure:"style" toml:"style"`
	TimeoutSeconds int     `mapstructure:"timeout_seconds" toml:"timeout_seconds"`
}

// FanoutConfig configures context gathering before a reply
type FanoutConfig struct {
	MemoryLimit         int      `mapstructure:"memory_limit" toml:"memory_limit"`
	TrendDays           int      `mapstructure:"trend_days" toml:"trend_days"`
	AgentTimeoutSeconds int      `mapstructure:"agent_timeout_seconds" toml:"agent_timeout_seconds"`
	WriteTimeoutSeconds int      `mapstructure:"write_timeout_seconds" toml:"write_timeout_seconds"`
	CrisisPhrases       []string `mapstructure:"crisis_phrases" toml:"crisis_phrases"`
}

// Seconds converts a seconds setting to a duration, falling back when unset.
func Seconds(n int, fallback time.Duration) time.Duration {
	if n <= 0 {
		return fallback
	}
	return time.Duration(n) * time.Second
}
