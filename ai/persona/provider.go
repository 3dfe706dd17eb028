package persona

import (
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/ekho-app/ekho/am"
	"github.com/ekho-app/ekho/errors"
)

// Provider names a reply backend
type Provider string

const (
	// ProviderStub answers with canned text and needs no credentials
	ProviderStub      Provider = "stub"
	ProviderOpenAI    Provider = "openai"
	ProviderAnthropic Provider = "anthropic"
	ProviderOllama    Provider = "ollama"
)

// NewModel builds the language model for cfg. The stub provider has no
// model and returns nil.
func NewModel(cfg am.PersonaConfig) (llms.Model, error) {
	switch Provider(strings.ToLower(cfg.Provider)) {
	case ProviderStub, "":
		return nil, nil

	case ProviderOpenAI:
		if cfg.APIKey == "" {
			return nil, errors.WithHint(errors.New("OpenAI API key required"),
				"set persona.api_key or OPENAI_API_KEY")
		}
		opts := []openai.Option{openai.WithToken(cfg.APIKey)}
		if cfg.Model != "" {
			opts = append(opts, openai.WithModel(cfg.Model))
		}
		if cfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
		}
		model, err := openai.New(opts...)
		if err != nil {
			return nil, errors.Wrap(err, "create openai model")
		}
		return model, nil

	case ProviderAnthropic:
		if cfg.APIKey == "" {
			return nil, errors.WithHint(errors.New("Anthropic API key required"),
				"set persona.api_key or ANTHROPIC_API_KEY")
		}
		opts := []anthropic.Option{anthropic.WithToken(cfg.APIKey)}
		if cfg.Model != "" {
			opts = append(opts, anthropic.WithModel(cfg.Model))
		}
		if cfg.BaseURL != "" {
			opts = append(opts, anthropic.WithBaseURL(cfg.BaseURL))
		}
		model, err := anthropic.New(opts...)
		if err != nil {
			return nil, errors.Wrap(err, "create anthropic model")
		}
		return model, nil

	case ProviderOllama:
		opts := []ollama.Option{}
		if cfg.Model != "" {
			opts = append(opts, ollama.WithModel(cfg.Model))
		}
		if cfg.BaseURL != "" {
			opts = append(opts, ollama.WithServerURL(cfg.BaseURL))
		}
		model, err := ollama.New(opts...)
		if err != nil {
			return nil, errors.Wrap(err, "create ollama model")
		}
		return model, nil

	default:
		return nil, errors.NewInvalidRequestError("unsupported persona provider: %s", cfg.Provider)
	}
}
