package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/opengrove/opengrove/common/redact"
	"github.com/opengrove/opengrove/internal/opengrove/memory"
)

// Provider completes a conversation. Turns are the assembled context, oldest
// first, ending with the newest user turn.
type Provider interface {
	Complete(ctx context.Context, model string, turns []memory.Turn) (string, error)
}

const (
	defaultProviderBase    = "https://api.openai.com/v1"
	defaultProviderTimeout = 120 * time.Second
)

// OpenAIConfig configures the OpenAI-compatible chat provider.
type OpenAIConfig struct {
	// APIKey is the bearer token used to authenticate against the API.
	APIKey string

	// BaseURL overrides the API endpoint. Useful for local models (Ollama),
	// Azure OpenAI, or any other OpenAI-compatible endpoint.
	// Defaults to https://api.openai.com/v1 when empty.
	BaseURL string

	// MaxTokens bounds the reply. Zero leaves it to the server.
	MaxTokens int

	// Timeout is the HTTP request timeout. Defaults to 120 s.
	Timeout time.Duration
}

// openAIProvider implements Provider with the non-streaming chat
// completions API.
type openAIProvider struct {
	cfg    OpenAIConfig
	client *http.Client
}

// NewOpenAIProvider returns a Provider backed by an OpenAI-compatible chat
// API. The returned provider is safe for concurrent use.
func NewOpenAIProvider(cfg OpenAIConfig) Provider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultProviderBase
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultProviderTimeout
	}
	return &openAIProvider{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}
}

type oaiRequest struct {
	Model     string        `json:"model"`
	Messages  []memory.Turn `json:"messages"`
	MaxTokens int           `json:"max_tokens,omitempty"`
}

type oaiResponse struct {
	Choices []struct {
		Message      memory.Turn `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// Complete implements Provider.
func (p *openAIProvider) Complete(ctx context.Context, model string, turns []memory.Turn) (string, error) {
	data, err := json.Marshal(oaiRequest{Model: model, Messages: turns, MaxTokens: p.cfg.MaxTokens})
	if err != nil {
		return "", fmt.Errorf("chat provider: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.cfg.BaseURL+"/chat/completions",
		bytes.NewReader(data),
	)
	if err != nil {
		return "", fmt.Errorf("chat provider: create http request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("chat provider: http request: %s", redact.String(err.Error(), p.cfg.APIKey))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("chat provider: read response body: %w", err)
	}

	var oaiResp oaiResponse
	if err := json.Unmarshal(respBody, &oaiResp); err != nil {
		return "", fmt.Errorf("chat provider: decode API response (HTTP %d): %w", resp.StatusCode, err)
	}
	if oaiResp.Error != nil {
		return "", fmt.Errorf("chat provider: API error (%s): %s",
			oaiResp.Error.Type, redact.String(oaiResp.Error.Message, p.cfg.APIKey))
	}
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("chat provider: unexpected HTTP status %d", resp.StatusCode)
	}
	if len(oaiResp.Choices) == 0 {
		return "", fmt.Errorf("chat provider: no choices returned")
	}
	return oaiResp.Choices[0].Message.Content, nil
}
