package ollama

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ollama/ollama/api"

	"github.com/menta2k/vision-qa/pkg/types"
)

// Client wraps the Ollama API client for server health and model queries
type Client struct {
	client  *api.Client
	baseURL *url.URL
}

// NewClient creates a new Ollama client from a server or endpoint URL
func NewClient(ollamaURL string) (*Client, error) {
	parsedURL, err := url.Parse(ollamaURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if parsedURL.Scheme == "" || parsedURL.Host == "" {
		return nil, fmt.Errorf("invalid URL: %q must include scheme and host", ollamaURL)
	}

	// Create base URL from the provided URL (removing path like /api/generate)
	baseURL := &url.URL{
		Scheme: parsedURL.Scheme,
		Host:   parsedURL.Host,
	}

	httpClient := &http.Client{Timeout: 10 * time.Second}
	return &Client{client: api.NewClient(baseURL, httpClient), baseURL: baseURL}, nil
}

// BaseURL returns the server address the client talks to
func (c *Client) BaseURL() string {
	return c.baseURL.String()
}

// Ping checks that the server is up
func (c *Client) Ping(ctx context.Context) error {
	if err := c.client.Heartbeat(ctx); err != nil {
		return fmt.Errorf("ollama heartbeat failed: %w", err)
	}
	return nil
}

// Version returns the server version
func (c *Client) Version(ctx context.Context) (string, error) {
	v, err := c.client.Version(ctx)
	if err != nil {
		return "", fmt.Errorf("ollama version failed: %w", err)
	}
	return v, nil
}

// InstalledModels lists the names of locally installed models
func (c *Client) InstalledModels(ctx context.Context) ([]string, error) {
	resp, err := c.client.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("ollama list failed: %w", err)
	}
	names := make([]string, 0, len(resp.Models))
	for _, m := range resp.Models {
		name := m.Name
		if name == "" {
			name = m.Model
		}
		names = append(names, name)
	}
	return names, nil
}

// MatchModels reports which configured models are installed. A configured name
// without a tag matches the installed ":latest" variant.
func MatchModels(configured, installed []string) []types.ModelStatus {
	have := make(map[string]struct{}, len(installed)*2)
	for _, name := range installed {
		have[name] = struct{}{}
		if base, ok := strings.CutSuffix(name, ":latest"); ok {
			have[base] = struct{}{}
		}
	}

	out := make([]types.ModelStatus, 0, len(configured))
	for _, name := range configured {
		_, ok := have[name]
		out = append(out, types.ModelStatus{Name: name, Installed: ok})
	}
	return out
}
