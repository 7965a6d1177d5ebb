// Package inference implements the single request/response exchange with an
// Ollama generate endpoint.
package inference

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/menta2k/vision-qa/pkg/types"
)

// DefaultEndpoint is the generate endpoint of a local Ollama server
const DefaultEndpoint = "http://localhost:11434/api/generate"

// Client posts generate requests to a fixed endpoint. It holds no per-call
// state and is safe for concurrent use.
type Client struct {
	endpoint   string
	timeout    time.Duration
	httpClient *http.Client
	logger     zerolog.Logger
}

// Option configures a Client
type Option func(*Client)

// WithTimeout bounds each call. Zero means the call may block until the server answers.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
	}
}

// WithHTTPClient replaces the default http.Client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithLogger sets the logger used for per-call debug output
func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

// NewClient creates a client for the given generate endpoint
func NewClient(endpoint string, opts ...Option) (*Client, error) {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported endpoint scheme: %q (only http and https are supported)", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("endpoint %q has no host", endpoint)
	}

	c := &Client{
		endpoint:   endpoint,
		httpClient: &http.Client{},
		logger:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Endpoint returns the URL requests are posted to
func (c *Client) Endpoint() string {
	return c.endpoint
}

// NewRequest builds the request body for one generate call
func NewRequest(model, prompt string, image []byte, maxTokens int) types.GenerateRequest {
	return types.GenerateRequest{
		Model:  model,
		Prompt: prompt,
		Images: []string{base64.StdEncoding.EncodeToString(image)},
		Stream: false,
		Options: types.GenerateOptions{
			NumPredict:  maxTokens,
			Temperature: types.Temperature,
		},
	}
}

// Generate sends prompt and image to model and returns the trimmed response text.
// A missing response field yields an empty string, not an error.
func (c *Client) Generate(ctx context.Context, model, prompt string, image []byte, maxTokens int) (string, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	start := time.Now()
	body, err := c.sendRequest(ctx, NewRequest(model, prompt, image, maxTokens))
	if err != nil {
		c.logger.Debug().Err(err).
			Str("model", model).
			Int("num_predict", maxTokens).
			Dur("took", time.Since(start)).
			Msg("generate failed")
		return "", err
	}

	var resp types.GenerateResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", &MalformedResponseError{Body: string(body), Err: err}
	}

	c.logger.Debug().
		Str("model", model).
		Int("num_predict", maxTokens).
		Int("image_bytes", len(image)).
		Int("response_chars", len(resp.Response)).
		Dur("took", time.Since(start)).
		Msg("generate completed")

	return strings.TrimSpace(resp.Response), nil
}

func (c *Client) sendRequest(ctx context.Context, payload types.GenerateRequest) ([]byte, error) {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Err: fmt.Errorf("failed to read response: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &TransportError{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Body:       strings.TrimSpace(string(body)),
		}
	}

	return body, nil
}
