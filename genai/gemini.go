package genai

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hazyhaar/noteboard/connectivity"
)

// GeminiConfig configures the Gemini generateContent client.
type GeminiConfig struct {
	// APIKey authenticates requests. Empty means no model.
	APIKey string `yaml:"api_key"`

	// Model name. Default: gemini-2.5-flash.
	Model string `yaml:"model"`

	// Endpoint is the API base URL.
	// Default: https://generativelanguage.googleapis.com/v1beta.
	Endpoint string `yaml:"endpoint"`

	// Timeout per attempt. Default: 60s.
	Timeout time.Duration `yaml:"timeout"`

	// MaxRetries on server errors and throttling. Default: 2; negative
	// disables retries.
	MaxRetries int `yaml:"max_retries"`

	Logger *slog.Logger `yaml:"-"`
}

func (c *GeminiConfig) defaults() {
	if c.Model == "" {
		c.Model = "gemini-2.5-flash"
	}
	if c.Endpoint == "" {
		c.Endpoint = "https://generativelanguage.googleapis.com/v1beta"
	}
	if c.Timeout <= 0 {
		c.Timeout = 60 * time.Second
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	} else if c.MaxRetries == 0 {
		c.MaxRetries = 2
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Gemini implements Model over the REST API.
type Gemini struct {
	call  connectivity.Handler
	model string
}

// NewGemini returns a Gemini client, or nil when no API key is set so the
// caller can pass the result straight to NewService.
func NewGemini(cfg GeminiConfig) Model {
	if cfg.APIKey == "" {
		return nil
	}
	cfg.defaults()
	url := strings.TrimRight(cfg.Endpoint, "/") + "/models/" + cfg.Model + ":generateContent"
	header := http.Header{"X-Goog-Api-Key": {cfg.APIKey}}
	cb := connectivity.NewBreaker(3, time.Minute)
	call := connectivity.Chain(
		connectivity.Logging(cfg.Logger, "gemini"),
		connectivity.Recovery(cfg.Logger),
		connectivity.Retry(cfg.MaxRetries, 500*time.Millisecond, cfg.Logger),
		connectivity.WithBreaker(cb, "gemini"),
		connectivity.Timeout(cfg.Timeout),
	)(connectivity.HTTPHandler(&http.Client{}, url, header))
	return &Gemini{call: call, model: cfg.Model}
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiRequest struct {
	Contents         []geminiContent  `json:"contents"`
	GenerationConfig *geminiGenConfig `json:"generationConfig,omitempty"`
}

type geminiGenConfig struct {
	ResponseMimeType string         `json:"responseMimeType,omitempty"`
	ResponseSchema   map[string]any `json:"responseSchema,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	PromptFeedback struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback"`
}

// Generate implements Model.
func (g *Gemini) Generate(ctx context.Context, req Request) (string, error) {
	body := geminiRequest{
		Contents: []geminiContent{{Role: "user", Parts: []geminiPart{{Text: req.Prompt}}}},
	}
	if req.Schema != nil {
		body.GenerationConfig = &geminiGenConfig{ResponseMimeType: "application/json", ResponseSchema: req.Schema}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("genai: marshal request: %w", err)
	}
	raw, err := g.call(ctx, payload)
	if err != nil {
		return "", err
	}
	var resp geminiResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("genai: decode response: %w", err)
	}
	if resp.PromptFeedback.BlockReason != "" {
		return "", fmt.Errorf("genai: prompt blocked: %s", resp.PromptFeedback.BlockReason)
	}
	if len(resp.Candidates) == 0 {
		return "", ErrEmptyResponse
	}
	var sb strings.Builder
	for _, p := range resp.Candidates[0].Content.Parts {
		sb.WriteString(p.Text)
	}
	if sb.Len() == 0 {
		return "", ErrEmptyResponse
	}
	return sb.String(), nil
}
