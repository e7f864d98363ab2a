package embedding

import (
	"context"
	"fmt"
	"net/http"
	"strings"
)

const (
	DefaultOpenAIBaseURL    = "https://api.openai.com/v1"
	DefaultOpenAIModel      = "text-embedding-3-small"
	DefaultOpenAIDimensions = 1536
)

// openAIDimensions lists native widths of well-known models.
var openAIDimensions = map[string]int{
	"text-embedding-3-small": 1536,
	"text-embedding-3-large": 3072,
	"text-embedding-ada-002": 1536,
}

// OpenAIConfig configures the OpenAI-compatible provider.
type OpenAIConfig struct {
	// APIKey is the bearer token for authentication.
	APIKey string
	// BaseURL overrides the API endpoint, for Azure OpenAI, local proxies or
	// compatible servers. Defaults to https://api.openai.com/v1.
	BaseURL string
	// Model defaults to text-embedding-3-small.
	Model string
	// Dimensions defaults to the model's native width when known. The
	// text-embedding-3 models are asked for exactly this width.
	Dimensions int
	Transport  Transport
}

// OpenAI implements Embedder against the OpenAI embeddings API, sending a
// whole batch as one request. Safe for concurrent use.
type OpenAI struct {
	cfg  OpenAIConfig
	http *httpClient
}

var _ Embedder = (*OpenAI)(nil)

// NewOpenAI returns an OpenAI embedder. It fails when the dimension of a
// custom model is not given.
func NewOpenAI(cfg OpenAIConfig) (*OpenAI, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultOpenAIBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Model == "" {
		cfg.Model = DefaultOpenAIModel
	}
	if cfg.Dimensions == 0 {
		cfg.Dimensions = openAIDimensions[cfg.Model]
	}
	if cfg.Dimensions <= 0 {
		return nil, fmt.Errorf("embedding openai: dimensions required for model %q", cfg.Model)
	}
	return &OpenAI{cfg: cfg, http: newHTTPClient("openai", cfg.Transport, cfg.APIKey)}, nil
}

type openAIRequest struct {
	Input      []string `json:"input"`
	Model      string   `json:"model"`
	Dimensions int      `json:"dimensions,omitempty"`
}

type openAIResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Usage struct {
		PromptTokens int `json:"prompt_tokens"`
		TotalTokens  int `json:"total_tokens"`
	} `json:"usage"`
}

// Embed implements Embedder.
func (e *OpenAI) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch implements Embedder.
func (e *OpenAI) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	req := openAIRequest{Input: texts, Model: e.cfg.Model}
	if strings.HasPrefix(e.cfg.Model, "text-embedding-3") {
		req.Dimensions = e.cfg.Dimensions
	}
	header := http.Header{}
	if e.cfg.APIKey != "" {
		header.Set("Authorization", "Bearer "+e.cfg.APIKey)
	}

	var resp openAIResponse
	if err := e.http.postJSON(ctx, e.cfg.BaseURL+"/embeddings", header, req, &resp); err != nil {
		return nil, err
	}

	vecs := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(vecs) {
			return nil, fmt.Errorf("embedding openai: response index %d out of range", d.Index)
		}
		vecs[d.Index] = d.Embedding
	}
	if err := checkVectors("openai", vecs, len(texts), e.cfg.Dimensions); err != nil {
		return nil, err
	}
	return vecs, nil
}

// Model implements Embedder.
func (e *OpenAI) Model() string { return e.cfg.Model }

// Dimensions implements Embedder.
func (e *OpenAI) Dimensions() int { return e.cfg.Dimensions }
