// Package voice clones user voices and speaks persona replies through the
// ElevenLabs API.
package voice

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ekho-app/ekho/am"
	"github.com/ekho-app/ekho/errors"
	"github.com/ekho-app/ekho/internal/httpclient"
	"github.com/ekho-app/ekho/version"
)

const (
	defaultBaseURL = "https://api.elevenlabs.io"
	defaultModel   = "eleven_multilingual_v2"
	outputFormat   = "mp3_44100_128"
	maxErrorBody   = 512
)

// Settings tune synthesized speech
type Settings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Style           float64 `json:"style"`
	UseSpeakerBoost bool    `json:"use_speaker_boost"`
}

// Config holds ElevenLabs client configuration
type Config struct {
	APIKey   string
	BaseURL  string
	Model    string
	Settings Settings
	Timeout  time.Duration
	Logger   *zap.SugaredLogger
}

// ConfigFromAm maps the voice section of am.toml
func ConfigFromAm(c am.VoiceConfig, logger *zap.SugaredLogger) Config {
	return Config{
		APIKey:  c.APIKey,
		BaseURL: c.BaseURL,
		Model:   c.Model,
		Settings: Settings{
			Stability:       c.Stability,
			SimilarityBoost: c.Similarity,
			Style:           c.Style,
			UseSpeakerBoost: true,
		},
		Timeout: am.Seconds(c.TimeoutSeconds, 60*time.Second),
		Logger:  logger,
	}
}

// Voice is one voice available to the account
type Voice struct {
	VoiceID  string `json:"voice_id"`
	Name     string `json:"name"`
	Category string `json:"category"`
}

// Client talks to the ElevenLabs REST API
type Client struct {
	config     Config
	httpClient *httpclient.SaferClient
	logger     *zap.SugaredLogger
}

// NewClient creates a new ElevenLabs client
func NewClient(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = defaultBaseURL
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	if config.Model == "" {
		config.Model = defaultModel
	}
	if config.Timeout <= 0 {
		config.Timeout = 60 * time.Second
	}

	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	return &Client{
		config:     config,
		httpClient: httpclient.New(config.Timeout, httpclient.Options{}),
		logger:     logger,
	}
}

// AddVoice creates an instant voice clone from one audio sample
func (c *Client) AddVoice(ctx context.Context, name, description string, audio []byte, filename string) (string, error) {
	if len(audio) == 0 {
		return "", errors.NewInvalidRequestError("voice sample is empty")
	}
	if filename == "" {
		filename = "sample.mp3"
	}

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	if err := w.WriteField("name", name); err != nil {
		return "", errors.Wrap(err, "failed to write name field")
	}
	if err := w.WriteField("description", description); err != nil {
		return "", errors.Wrap(err, "failed to write description field")
	}
	part, err := w.CreateFormFile("files", filename)
	if err != nil {
		return "", errors.Wrap(err, "failed to create file part")
	}
	if _, err := part.Write(audio); err != nil {
		return "", errors.Wrap(err, "failed to write voice sample")
	}
	if err := w.Close(); err != nil {
		return "", errors.Wrap(err, "failed to finish multipart body")
	}

	respBody, err := c.do(ctx, http.MethodPost, "/v1/voices/add", w.FormDataContentType(), &body, "application/json")
	if err != nil {
		return "", errors.Wrap(err, "add voice")
	}

	var resp struct {
		VoiceID string `json:"voice_id"`
	}
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return "", errors.Wrap(err, "failed to decode add voice response")
	}
	if resp.VoiceID == "" {
		return "", errors.New("add voice returned no voice_id")
	}
	return resp.VoiceID, nil
}

// ListVoices returns the voices available to the account
func (c *Client) ListVoices(ctx context.Context) ([]Voice, error) {
	respBody, err := c.do(ctx, http.MethodGet, "/v1/voices", "", nil, "application/json")
	if err != nil {
		return nil, errors.Wrap(err, "list voices")
	}
	var resp struct {
		Voices []Voice `json:"voices"`
	}
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, errors.Wrap(err, "failed to decode voices")
	}
	return resp.Voices, nil
}

// DefaultVoiceID returns the first voice of the account
func (c *Client) DefaultVoiceID(ctx context.Context) (string, error) {
	voices, err := c.ListVoices(ctx)
	if err != nil {
		return "", err
	}
	if len(voices) == 0 {
		return "", errors.NewNotFoundError("no voices available in the ElevenLabs account")
	}
	return voices[0].VoiceID, nil
}

type ttsRequest struct {
	Text          string   `json:"text"`
	ModelID       string   `json:"model_id"`
	VoiceSettings Settings `json:"voice_settings"`
}

// TextToSpeech renders text with voiceID and returns mp3 audio
func (c *Client) TextToSpeech(ctx context.Context, voiceID, text string) ([]byte, error) {
	if voiceID == "" {
		return nil, errors.NewInvalidRequestError("voice id is required")
	}
	payload, err := json.Marshal(ttsRequest{Text: text, ModelID: c.config.Model, VoiceSettings: c.config.Settings})
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal request")
	}

	path := "/v1/text-to-speech/" + url.PathEscape(voiceID) + "?output_format=" + outputFormat
	audio, err := c.do(ctx, http.MethodPost, path, "application/json", bytes.NewReader(payload), "audio/mpeg")
	if err != nil {
		return nil, errors.Wrapf(err, "text to speech with voice %s", voiceID)
	}
	c.logger.Debugw("Generated speech", "voice_id", voiceID, "size", len(audio))
	return audio, nil
}

func (c *Client) do(ctx context.Context, method, path, contentType string, body io.Reader, accept string) ([]byte, error) {
	if c.config.APIKey == "" {
		return nil, errors.Wrap(errors.ErrServiceUnavailable, "ElevenLabs API key not configured")
	}

	req, err := http.NewRequestWithContext(ctx, method, c.config.BaseURL+path, body)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create request")
	}
	req.Header.Set("xi-api-key", c.config.APIKey)
	req.Header.Set("Accept", accept)
	req.Header.Set("User-Agent", version.UserAgent())
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "failed to send request")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read response")
	}
	if resp.StatusCode != http.StatusOK {
		msg := strings.TrimSpace(string(respBody))
		if len(msg) > maxErrorBody {
			msg = msg[:maxErrorBody] + "..."
		}
		return nil, errors.Newf("API request failed with status %d: %s", resp.StatusCode, msg)
	}
	return respBody, nil
}

// IsCloningRestricted reports whether err says the plan cannot clone voices
func IsCloningRestricted(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "can_not_use_instant_voice_cloning") || strings.Contains(msg, "subscription")
}
