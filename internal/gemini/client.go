// Package gemini provides text generation over the Gemini REST API,
// including search-grounded generation for research queries.
package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// TextGenerator is the seam the research pipeline generates text
// through. Implementations must be safe for concurrent use.
type TextGenerator interface {
	Generate(ctx context.Context, prompt string) (string, error)
	GenerateGrounded(ctx context.Context, prompt string) (*GroundedResult, error)
}

// GroundedResult carries a generation that may have been grounded in
// Google Search. Sources preserves the order the API returned the
// grounding chunks in, deduplicated.
type GroundedResult struct {
	Text     string
	Sources  []string
	Grounded bool
}

// Config holds Gemini client configuration.
type Config struct {
	APIKey     string
	BaseURL    string
	Model      string
	Timeout    time.Duration
	MinSpacing time.Duration
}

// DefaultConfig returns sensible defaults for the given key.
func DefaultConfig(apiKey string) Config {
	return Config{
		APIKey:     apiKey,
		BaseURL:    "https://generativelanguage.googleapis.com/v1beta",
		Model:      "gemini-3-flash-preview",
		Timeout:    120 * time.Second,
		MinSpacing: 600 * time.Millisecond,
	}
}

// Client implements TextGenerator against the Gemini REST API.
type Client struct {
	apiKey      string
	baseURL     string
	model       string
	minSpacing  time.Duration
	httpClient  *http.Client
	mu          sync.Mutex
	lastRequest time.Time
}

// NewClient creates a client with default config.
func NewClient(apiKey string) *Client {
	return NewClientWithConfig(DefaultConfig(apiKey))
}

// NewClientWithConfig creates a client with custom config.
func NewClientWithConfig(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = DefaultConfig("").BaseURL
	}
	if config.Model == "" {
		config.Model = DefaultConfig("").Model
	}
	if config.Timeout <= 0 {
		config.Timeout = 120 * time.Second
	}
	return &Client{
		apiKey:     config.APIKey,
		baseURL:    strings.TrimSuffix(config.BaseURL, "/"),
		model:      config.Model,
		minSpacing: config.MinSpacing,
		httpClient: &http.Client{Timeout: config.Timeout},
	}
}

type generateRequest struct {
	Contents         []content         `json:"contents"`
	Tools            []tool            `json:"tools,omitempty"`
	GenerationConfig *generationConfig `json:"generationConfig,omitempty"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text"`
}

type tool struct {
	GoogleSearch *struct{} `json:"google_search,omitempty"`
}

type generationConfig struct {
	Temperature     float64 `json:"temperature"`
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
}

type generateResponse struct {
	Candidates []struct {
		Content struct {
			Parts []part `json:"parts"`
		} `json:"content"`
		GroundingMetadata *struct {
			GroundingChunks []struct {
				Web *struct {
					URI   string `json:"uri"`
					Title string `json:"title"`
				} `json:"web"`
			} `json:"groundingChunks"`
		} `json:"groundingMetadata"`
	} `json:"candidates"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error,omitempty"`
}

// Generate sends a prompt and returns the text completion.
func (c *Client) Generate(ctx context.Context, prompt string) (string, error) {
	resp, err := c.call(ctx, prompt, false)
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

// GenerateGrounded sends a prompt with Google Search grounding enabled.
// When the grounded call fails it falls back to plain generation and
// marks the result ungrounded rather than failing the caller.
func (c *Client) GenerateGrounded(ctx context.Context, prompt string) (*GroundedResult, error) {
	resp, err := c.call(ctx, prompt, true)
	if err == nil {
		return resp, nil
	}
	plain, perr := c.call(ctx, prompt, false)
	if perr != nil {
		return nil, fmt.Errorf("grounded generation failed: %w", err)
	}
	plain.Grounded = false
	return plain, nil
}

func (c *Client) call(ctx context.Context, prompt string, grounded bool) (*GroundedResult, error) {
	if c.apiKey == "" {
		return nil, fmt.Errorf("API key not configured")
	}

	// Rate limiting: keep minimum spacing between requests.
	if c.minSpacing > 0 {
		c.mu.Lock()
		elapsed := time.Since(c.lastRequest)
		if elapsed < c.minSpacing {
			time.Sleep(c.minSpacing - elapsed)
		}
		c.lastRequest = time.Now()
		c.mu.Unlock()
	}

	reqBody := generateRequest{
		Contents: []content{{Role: "user", Parts: []part{{Text: prompt}}}},
		GenerationConfig: &generationConfig{
			Temperature:     0.2,
			MaxOutputTokens: 8192,
		},
	}
	if grounded {
		reqBody.Tools = []tool{{GoogleSearch: &struct{}{}}}
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", c.baseURL, c.model, c.apiKey)

	// Retry loop for 429 and 5xx errors.
	maxRetries := 3
	var lastErr error

	for i := 0; i <= maxRetries; i++ {
		if i > 0 {
			// Exponential backoff: 1s, 2s, 4s
			select {
			case <-time.After(time.Duration(1<<uint(i-1)) * time.Second):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(jsonData))
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("request failed: %w", err)
			continue
		}

		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("failed to read response: %w", err)
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			lastErr = fmt.Errorf("API returned status %d", resp.StatusCode)
			continue
		}

		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, string(body))
		}

		var genResp generateResponse
		if err := json.Unmarshal(body, &genResp); err != nil {
			return nil, fmt.Errorf("failed to parse response: %w", err)
		}

		if genResp.Error != nil {
			return nil, fmt.Errorf("API error: %s", genResp.Error.Message)
		}

		if len(genResp.Candidates) == 0 {
			return nil, fmt.Errorf("no completion returned")
		}

		return extractResult(&genResp, grounded), nil
	}

	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

func extractResult(resp *generateResponse, grounded bool) *GroundedResult {
	cand := resp.Candidates[0]

	var sb strings.Builder
	for _, p := range cand.Content.Parts {
		sb.WriteString(p.Text)
	}

	result := &GroundedResult{
		Text:     strings.TrimSpace(sb.String()),
		Grounded: grounded,
	}

	if cand.GroundingMetadata != nil {
		seen := make(map[string]bool)
		for _, chunk := range cand.GroundingMetadata.GroundingChunks {
			if chunk.Web == nil || chunk.Web.URI == "" {
				continue
			}
			if seen[chunk.Web.URI] {
				continue
			}
			seen[chunk.Web.URI] = true
			result.Sources = append(result.Sources, chunk.Web.URI)
		}
	}

	return result
}

// SetModel changes the model used for completions.
func (c *Client) SetModel(model string) {
	c.model = model
}

// Model returns the current model.
func (c *Client) Model() string {
	return c.model
}
