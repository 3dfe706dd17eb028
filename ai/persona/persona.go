// Package persona writes the replies of the user's future self.
package persona

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
	"go.uber.org/zap"

	"github.com/ekho-app/ekho/am"
	"github.com/ekho-app/ekho/logger"
)

// FallbackReply is returned when the model call fails
const FallbackReply = "I'm here. What part worries you most?"

// Request is one message to answer
type Request struct {
	UserName string
	Message  string
	// Mode and Memories shape the reply when present
	Mode     string
	Memories []string
}

// Persona answers messages. Reply never fails: without a model it returns
// stub text, and on a model error it returns FallbackReply.
type Persona struct {
	model       llms.Model
	temperature float64
	maxTokens   int
	timeout     time.Duration
	logger      *zap.SugaredLogger
}

// New builds a persona from the persona section of am.toml
func New(cfg am.PersonaConfig, logger *zap.SugaredLogger) (*Persona, error) {
	model, err := NewModel(cfg)
	if err != nil {
		return nil, err
	}
	p := NewWithModel(model, logger)
	p.temperature = cfg.Temperature
	p.maxTokens = cfg.MaxTokens
	p.timeout = am.Seconds(cfg.TimeoutSeconds, p.timeout)
	return p, nil
}

// NewWithModel wraps an existing model; nil means stub replies
func NewWithModel(model llms.Model, logger *zap.SugaredLogger) *Persona {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Persona{
		model:   model,
		timeout: 30 * time.Second,
		logger:  logger,
	}
}

// Enabled reports whether a real model backs the persona
func (p *Persona) Enabled() bool {
	return p.model != nil
}

// Reply answers req
func (p *Persona) Reply(ctx context.Context, req Request) string {
	name := strings.TrimSpace(req.UserName)
	if name == "" {
		name = "you"
	}
	if p.model == nil {
		return fmt.Sprintf("(stub) Future %s: '%s'. Tell me more.", name, req.Message)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	opts := []llms.CallOption{}
	if p.temperature > 0 {
		opts = append(opts, llms.WithTemperature(p.temperature))
	}
	if p.maxTokens > 0 {
		opts = append(opts, llms.WithMaxTokens(p.maxTokens))
	}

	text, err := llms.GenerateFromSinglePrompt(ctx, p.model, BuildPrompt(name, req), opts...)
	if err != nil {
		logger.FromContext(ctx, p.logger).Warnw("Persona model call failed, using fallback reply",
			logger.FieldError, err.Error())
		return FallbackReply
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "(no response)"
	}
	return text
}

// modeHints nudge the tone for a detected conversation mode
var modeHints = map[string]string{
	"therapist":  "Listen first and reflect their feelings back gently.",
	"decision":   "Help them weigh the options without deciding for them.",
	"brainstorm": "Offer a couple of playful, concrete ideas.",
}

// BuildPrompt renders the single-prompt instruction for req
func BuildPrompt(name string, req Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s, speaking to your past self from 5 years in the future. ", name)
	b.WriteString("Warm, concise, supportive. Ask one gentle follow-up question.")
	if hint, ok := modeHints[req.Mode]; ok {
		b.WriteString(" ")
		b.WriteString(hint)
	}
	if len(req.Memories) > 0 {
		b.WriteString("\n\nThings they told you recently:\n")
		for _, m := range req.Memories {
			fmt.Fprintf(&b, "- %s\n", m)
		}
	}
	fmt.Fprintf(&b, "\n\nUser: %s", req.Message)
	return b.String()
}
