// Package vertex submits and polls Veo long-running predictions on Vertex AI.
package vertex

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/ekho-app/ekho/am"
	"github.com/ekho-app/ekho/artifact"
	"github.com/ekho-app/ekho/errors"
	"github.com/ekho-app/ekho/generation"
	"github.com/ekho-app/ekho/internal/httpclient"
	"github.com/ekho-app/ekho/version"
)

const cloudPlatformScope = "https://www.googleapis.com/auth/cloud-platform"

// maxErrorBody bounds how much of a failed response ends up in an error
const maxErrorBody = 512

// Config holds the Vertex AI model coordinates
type Config struct {
	Project  string
	Location string
	Model    string
	// BaseURL overrides https://{location}-aiplatform.googleapis.com
	BaseURL string
	Timeout time.Duration
	Logger  *zap.SugaredLogger
}

// Client implements generation.RemoteClient against Vertex AI REST
type Client struct {
	config     Config
	tokens     oauth2.TokenSource
	httpClient *httpclient.SaferClient
	logger     *zap.SugaredLogger
}

var (
	_ generation.RemoteClient    = (*Client)(nil)
	_ generation.ReferenceReader = (*Client)(nil)
)

// NewClient creates a client with explicit credentials
func NewClient(config Config, tokens oauth2.TokenSource) *Client {
	if config.Timeout <= 0 {
		config.Timeout = 90 * time.Second
	}
	if config.BaseURL == "" {
		config.BaseURL = fmt.Sprintf("https://%s-aiplatform.googleapis.com", config.Location)
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")

	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	return &Client{
		config:     config,
		tokens:     tokens,
		httpClient: httpclient.New(config.Timeout, httpclient.Options{}),
		logger:     logger,
	}
}

// NewClientFromConfig loads credentials from credentials_file or the
// application default credentials.
func NewClientFromConfig(ctx context.Context, cfg am.GenerationConfig, logger *zap.SugaredLogger) (*Client, error) {
	var creds *google.Credentials
	var err error
	if cfg.CredentialsFile != "" {
		data, readErr := readFile(cfg.CredentialsFile)
		if readErr != nil {
			return nil, readErr
		}
		creds, err = google.CredentialsFromJSON(ctx, data, cloudPlatformScope)
	} else {
		creds, err = google.FindDefaultCredentials(ctx, cloudPlatformScope)
	}
	if err != nil {
		return nil, errors.WithHint(errors.Wrap(err, "failed to load Google credentials"),
			"set GOOGLE_APPLICATION_CREDENTIALS or generation.credentials_file")
	}

	project := cfg.Project
	if project == "" {
		project = creds.ProjectID
	}

	return NewClient(Config{
		Project:  project,
		Location: cfg.Location,
		Model:    cfg.Model,
		BaseURL:  cfg.BaseURL,
		Timeout:  am.Seconds(cfg.SubmitTimeoutSeconds, 60*time.Second) + 30*time.Second,
		Logger:   logger,
	}, creds.TokenSource), nil
}

func (c *Client) modelURL(method string) string {
	return fmt.Sprintf("%s/v1/projects/%s/locations/%s/publishers/google/models/%s:%s",
		c.config.BaseURL, c.config.Project, c.config.Location, c.config.Model, method)
}

type imageRef struct {
	GCSURI   string `json:"gcsUri"`
	MIMEType string `json:"mimeType"`
}

type referenceImage struct {
	Image         imageRef `json:"image"`
	ReferenceType string   `json:"referenceType"`
}

type instance struct {
	Prompt          string           `json:"prompt"`
	ReferenceImages []referenceImage `json:"referenceImages,omitempty"`
}

type parameters struct {
	StorageURI       string `json:"storageUri,omitempty"`
	DurationSeconds  int    `json:"durationSeconds"`
	AspectRatio      string `json:"aspectRatio,omitempty"`
	PersonGeneration string `json:"personGeneration,omitempty"`
	SampleCount      int    `json:"sampleCount"`
}

type predictRequest struct {
	Instances  []instance `json:"instances"`
	Parameters parameters `json:"parameters"`
}

type operation struct {
	Name     string          `json:"name"`
	Done     bool            `json:"done"`
	Error    json.RawMessage `json:"error,omitempty"`
	Response json.RawMessage `json:"response,omitempty"`
	Metadata struct {
		ProgressPercent float64 `json:"progressPercent"`
	} `json:"metadata"`
}

// CanRead reports whether Vertex can read ref. Reference images are passed
// as gcsUri, so only gs:// objects qualify.
func (c *Client) CanRead(ref artifact.Ref) bool {
	return ref.Scheme() == artifact.SchemeGCS
}

// Submit starts a predictLongRunning operation and returns its name.
func (c *Client) Submit(ctx context.Context, req generation.SubmitRequest) (string, error) {
	refs := make([]referenceImage, 0, len(req.References))
	for _, ref := range req.References {
		if !c.CanRead(ref) {
			return "", errors.NewInvalidRequestError("reference %q is not a gs:// object", string(ref))
		}
		refs = append(refs, referenceImage{
			Image:         imageRef{GCSURI: string(ref), MIMEType: mimeFor(ref)},
			ReferenceType: "asset",
		})
	}

	body := predictRequest{
		Instances: []instance{{Prompt: req.Prompt, ReferenceImages: refs}},
		Parameters: parameters{
			StorageURI:       req.OutputPrefix,
			DurationSeconds:  req.DurationSeconds,
			AspectRatio:      req.AspectRatio,
			PersonGeneration: req.PersonGeneration,
			SampleCount:      req.SampleCount,
		},
	}

	var op operation
	if err := c.post(ctx, c.modelURL("predictLongRunning"), body, &op); err != nil {
		return "", errors.Wrap(err, "predictLongRunning")
	}
	if op.Name == "" {
		return "", errors.New("predictLongRunning returned no operation name")
	}

	c.logger.Debugw("Submitted prediction", "operation", op.Name, "model", c.config.Model)
	return op.Name, nil
}

// FetchStatus reads the operation via fetchPredictOperation.
func (c *Client) FetchStatus(ctx context.Context, handle string) (*generation.OperationStatus, error) {
	var raw json.RawMessage
	req := map[string]string{"operationName": handle}
	if err := c.post(ctx, c.modelURL("fetchPredictOperation"), req, &raw); err != nil {
		return nil, errors.Wrap(err, "fetchPredictOperation")
	}

	var op operation
	if err := json.Unmarshal(raw, &op); err != nil {
		return nil, errors.Wrap(err, "failed to decode operation")
	}
	whole, err := generation.ParseNode(raw)
	if err != nil {
		return nil, err
	}
	response, err := generation.ParseNode(op.Response)
	if err != nil {
		return nil, err
	}

	status := &generation.OperationStatus{
		Done:      op.Done,
		Progress:  int(op.Metadata.ProgressPercent),
		Response:  response,
		Operation: whole,
	}
	if len(op.Error) > 0 && string(op.Error) != "null" {
		status.Error = remoteError(op.Error)
	}
	return status, nil
}

// remoteError keeps the remote error verbatim, unquoting plain strings
func remoteError(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}

func (c *Client) post(ctx context.Context, url string, body interface{}, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return errors.Wrap(err, "failed to marshal request")
	}

	token, err := c.tokens.Token()
	if err != nil {
		return errors.Wrap(err, "failed to obtain access token")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return errors.Wrap(err, "failed to create request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())
	token.SetAuthHeader(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "failed to send request")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, "failed to read response")
	}
	if resp.StatusCode != http.StatusOK {
		return errors.Newf("API request failed with status %d: %s", resp.StatusCode, truncate(string(respBody), maxErrorBody))
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return errors.Wrap(err, "failed to decode response")
	}
	return nil
}

func mimeFor(ref artifact.Ref) string {
	if ref.Extension() == ".png" {
		return "image/png"
	}
	return "image/jpeg"
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
