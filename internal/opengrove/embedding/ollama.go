package embedding

import (
	"context"
	"strings"
)

// Ollama defaults.
const (
	DefaultOllamaBaseURL    = "http://localhost:11434"
	DefaultOllamaModel      = "nomic-embed-text"
	DefaultOllamaDimensions = 768
)

// OllamaConfig configures the Ollama provider.
type OllamaConfig struct {
	BaseURL string
	Model   string
	// Dimensions is the embedding vector size (model-dependent).
	Dimensions int
	Transport  Transport
}

// Ollama implements Embedder using Ollama's batch /api/embed endpoint.
type Ollama struct {
	cfg  OllamaConfig
	http *httpClient
}

var _ Embedder = (*Ollama)(nil)

// NewOllama returns an Ollama embedder with defaults filled in.
func NewOllama(cfg OllamaConfig) *Ollama {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultOllamaBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Model == "" {
		cfg.Model = DefaultOllamaModel
	}
	if cfg.Dimensions == 0 {
		cfg.Dimensions = DefaultOllamaDimensions
	}
	return &Ollama{cfg: cfg, http: newHTTPClient("ollama", cfg.Transport)}
}

type ollamaRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type ollamaResponse struct {
	Model      string      `json:"model"`
	Embeddings [][]float32 `json:"embeddings"`
}

// Embed implements Embedder.
func (e *Ollama) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch implements Embedder.
func (e *Ollama) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	var resp ollamaResponse
	if err := e.http.postJSON(ctx, e.cfg.BaseURL+"/api/embed", nil, ollamaRequest{Model: e.cfg.Model, Input: texts}, &resp); err != nil {
		return nil, err
	}
	if err := checkVectors("ollama", resp.Embeddings, len(texts), e.cfg.Dimensions); err != nil {
		return nil, err
	}
	return resp.Embeddings, nil
}

// Model implements Embedder.
func (e *Ollama) Model() string { return e.cfg.Model }

// Dimensions implements Embedder.
func (e *Ollama) Dimensions() int { return e.cfg.Dimensions }
