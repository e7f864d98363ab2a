// Package config loads OpenGrove's configuration from defaults, an optional
// YAML file and OPENGROVE_* environment variables, in that order.
package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/opengrove/opengrove/common/environment"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "OPENGROVE"

// Vector backends.
const (
	BackendNone     = "none"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// Embedding and chat providers.
const (
	ProviderNone   = "none"
	ProviderOpenAI = "openai"
	ProviderOllama = "ollama"
)

//go:embed config.schema.json
var schemaJSON []byte

// Config is the full configuration.
type Config struct {
	Database  Database  `yaml:"database"`
	Vector    Vector    `yaml:"vector"`
	Embedding Embedding `yaml:"embedding"`
	Chat      Chat      `yaml:"chat"`
	RAG       RAG       `yaml:"rag"`
	Worker    Worker    `yaml:"worker"`
	Log       Log       `yaml:"log"`
}

type Database struct {
	Path string `yaml:"path"`
}

type Vector struct {
	Backend     string `yaml:"backend"`
	PostgresDSN string `yaml:"postgres_dsn"`
}

// Embedding selects the embedding provider. Zero Model and Dimensions take
// the provider's defaults.
type Embedding struct {
	Provider          string        `yaml:"provider"`
	Model             string        `yaml:"model"`
	Dimensions        int           `yaml:"dimensions"`
	BaseURL           string        `yaml:"base_url"`
	APIKey            string        `yaml:"api_key"`
	Timeout           time.Duration `yaml:"timeout"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
	MaxAttempts       int           `yaml:"max_attempts"`
}

// ModelLimit is the context window of one chat model.
type ModelLimit struct {
	Name          string `yaml:"name"`
	ContextTokens int    `yaml:"context_tokens"`
}

type Chat struct {
	Provider             string        `yaml:"provider"`
	BaseURL              string        `yaml:"base_url"`
	APIKey               string        `yaml:"api_key"`
	DefaultModel         string        `yaml:"default_model"`
	MaxTokens            int           `yaml:"max_tokens"`
	Timeout              time.Duration `yaml:"timeout"`
	ResponseBufferTokens int           `yaml:"response_buffer_tokens"`
	DefaultContextTokens int           `yaml:"default_context_tokens"`
	Models               []ModelLimit  `yaml:"models"`
}

type RAG struct {
	RetrievalShare float64 `yaml:"retrieval_share"`
	MinQueryTokens int     `yaml:"min_query_tokens"`
	TopK           int     `yaml:"top_k"`
	ChunkSize      int     `yaml:"chunk_size"`
	BatchSize      int     `yaml:"batch_size"`
}

type Worker struct {
	QueueSize   int `yaml:"queue_size"`
	Concurrency int `yaml:"concurrency"`
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Database: Database{Path: "opengrove.db"},
		Vector:   Vector{Backend: BackendSQLite},
		Embedding: Embedding{
			Provider:    ProviderNone,
			Timeout:     30 * time.Second,
			Burst:       1,
			MaxAttempts: 3,
		},
		Chat: Chat{
			Provider:             ProviderNone,
			DefaultModel:         "gpt-4o-mini",
			Timeout:              120 * time.Second,
			ResponseBufferTokens: 1024,
			DefaultContextTokens: 8192,
			Models: []ModelLimit{
				{Name: "gpt-4o", ContextTokens: 128000},
				{Name: "gpt-4o-mini", ContextTokens: 128000},
				{Name: "gemini-2.0-flash", ContextTokens: 1048576},
				{Name: "claude-3-5-sonnet", ContextTokens: 200000},
			},
		},
		RAG: RAG{
			RetrievalShare: 0.2,
			MinQueryTokens: 10,
			TopK:           10,
			ChunkSize:      4,
			BatchSize:      64,
		},
		Worker: Worker{QueueSize: 64, Concurrency: 2},
		Log:    Log{Level: "info", Format: "text"},
	}
}

// Load builds the configuration: defaults, then the YAML file at path when
// path is non-empty, then environment overrides. The result is validated.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := Apply(&cfg, data); err != nil {
			return cfg, fmt.Errorf("config: %s: %w", path, err)
		}
	}

	if err := ApplyEnv(&cfg); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Apply validates a YAML document against the embedded schema and merges it
// over cfg. Keys absent from the document keep their current values.
func Apply(cfg *Config, data []byte) error {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse yaml: %w", err)
	}
	if doc == nil {
		return nil
	}
	if err := validateSchema(doc); err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("decode yaml: %w", err)
	}
	return nil
}

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		if err := c.AddResource("config.schema.json", bytes.NewReader(schemaJSON)); err != nil {
			schemaErr = fmt.Errorf("load schema: %w", err)
			return
		}
		schema, schemaErr = c.Compile("config.schema.json")
	})
	return schema, schemaErr
}

// validateSchema checks a decoded YAML document. The document goes through
// JSON first so its values have the types the validator expects.
func validateSchema(doc any) error {
	s, err := compiledSchema()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("convert yaml: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return fmt.Errorf("convert yaml: %w", err)
	}

	if err := s.Validate(v); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			return fmt.Errorf("schema: %s", ve.Error())
		}
		return fmt.Errorf("schema: %w", err)
	}
	return nil
}

// ApplyEnv overrides cfg from OPENGROVE_* variables. Unparsable values are
// reported together.
func ApplyEnv(cfg *Config) error {
	env := environment.New(EnvPrefix)

	env.String(&cfg.Database.Path, "DB_PATH")

	env.String(&cfg.Vector.Backend, "VECTOR_BACKEND")
	env.String(&cfg.Vector.PostgresDSN, "POSTGRES_DSN")

	env.String(&cfg.Embedding.Provider, "EMBEDDING_PROVIDER")
	env.String(&cfg.Embedding.Model, "EMBEDDING_MODEL")
	env.Int(&cfg.Embedding.Dimensions, "EMBEDDING_DIMENSIONS")
	env.String(&cfg.Embedding.BaseURL, "EMBEDDING_BASE_URL")
	env.String(&cfg.Embedding.APIKey, "EMBEDDING_API_KEY")
	env.Duration(&cfg.Embedding.Timeout, "EMBEDDING_TIMEOUT")
	env.Float(&cfg.Embedding.RequestsPerSecond, "EMBEDDING_RPS")

	env.String(&cfg.Chat.Provider, "CHAT_PROVIDER")
	env.String(&cfg.Chat.BaseURL, "CHAT_BASE_URL")
	env.String(&cfg.Chat.APIKey, "CHAT_API_KEY")
	env.String(&cfg.Chat.DefaultModel, "CHAT_MODEL")
	env.Int(&cfg.Chat.ResponseBufferTokens, "RESPONSE_BUFFER_TOKENS")
	env.Int(&cfg.Chat.DefaultContextTokens, "DEFAULT_CONTEXT_TOKENS")

	env.Float(&cfg.RAG.RetrievalShare, "RAG_RETRIEVAL_SHARE")
	env.Int(&cfg.RAG.MinQueryTokens, "RAG_MIN_QUERY_TOKENS")
	env.Int(&cfg.RAG.TopK, "RAG_TOP_K")
	env.Int(&cfg.RAG.ChunkSize, "RAG_CHUNK_SIZE")
	env.Int(&cfg.RAG.BatchSize, "RAG_BATCH_SIZE")

	env.Int(&cfg.Worker.QueueSize, "WORKER_QUEUE_SIZE")
	env.Int(&cfg.Worker.Concurrency, "WORKER_CONCURRENCY")

	env.String(&cfg.Log.Level, "LOG_LEVEL")
	env.String(&cfg.Log.Format, "LOG_FORMAT")

	// The conventional OpenAI variable backs both providers when unset.
	shared := environment.New("")
	if cfg.Embedding.APIKey == "" && cfg.Embedding.Provider == ProviderOpenAI {
		shared.String(&cfg.Embedding.APIKey, "OPENAI_API_KEY")
	}
	if cfg.Chat.APIKey == "" && cfg.Chat.Provider == ProviderOpenAI {
		shared.String(&cfg.Chat.APIKey, "OPENAI_API_KEY")
	}

	if err := env.Err(); err != nil {
		return fmt.Errorf("config: environment: %w", err)
	}
	return nil
}

// Validate rejects configurations the rest of the system cannot run with.
// Min ignores zero values, so fields that must be positive also carry
// Required.
func (c Config) Validate() error {
	err := validation.Errors{
		"database":  validation.ValidateStruct(&c.Database, validation.Field(&c.Database.Path, validation.Required)),
		"vector":    c.Vector.validate(),
		"embedding": c.Embedding.validate(),
		"chat":      c.Chat.validate(),
		"rag":       c.RAG.validate(),
		"worker": validation.ValidateStruct(&c.Worker,
			validation.Field(&c.Worker.QueueSize, validation.Required, validation.Min(1)),
			validation.Field(&c.Worker.Concurrency, validation.Required, validation.Min(1)),
		),
	}.Filter()
	if err != nil {
		return fmt.Errorf("config: invalid: %w", err)
	}
	return nil
}

func (v Vector) validate() error {
	return validation.ValidateStruct(&v,
		validation.Field(&v.Backend, validation.Required, validation.In(BackendNone, BackendSQLite, BackendPostgres)),
		validation.Field(&v.PostgresDSN, validation.When(v.Backend == BackendPostgres, validation.Required)),
	)
}

func (e Embedding) validate() error {
	return validation.ValidateStruct(&e,
		validation.Field(&e.Provider, validation.Required, validation.In(ProviderNone, ProviderOpenAI, ProviderOllama)),
		validation.Field(&e.APIKey, validation.When(e.Provider == ProviderOpenAI && e.BaseURL == "", validation.Required)),
		validation.Field(&e.Dimensions, validation.Min(0)),
		validation.Field(&e.RequestsPerSecond, validation.Min(0.0)),
		validation.Field(&e.MaxAttempts, validation.Min(0)),
	)
}

func (c Chat) validate() error {
	seen := make(map[string]struct{}, len(c.Models))
	var dup string
	for _, m := range c.Models {
		if _, ok := seen[m.Name]; ok && dup == "" {
			dup = m.Name
		}
		seen[m.Name] = struct{}{}
	}

	return validation.ValidateStruct(&c,
		validation.Field(&c.Provider, validation.Required, validation.In(ProviderNone, ProviderOpenAI)),
		validation.Field(&c.ResponseBufferTokens, validation.Min(0)),
		validation.Field(&c.DefaultContextTokens,
			validation.Required,
			validation.Min(c.ResponseBufferTokens).Exclusive().
				Error(fmt.Sprintf("must exceed response_buffer_tokens (%d)", c.ResponseBufferTokens)),
		),
		validation.Field(&c.Models,
			validation.By(func(any) error {
				if dup != "" {
					return fmt.Errorf("duplicate model %q", dup)
				}
				return nil
			}),
			validation.Each(validation.By(validateModelLimit)),
		),
	)
}

func validateModelLimit(v any) error {
	m, ok := v.(ModelLimit)
	if !ok {
		return fmt.Errorf("unexpected %T", v)
	}
	return validation.ValidateStruct(&m,
		validation.Field(&m.Name, validation.Required),
		validation.Field(&m.ContextTokens, validation.Required, validation.Min(1)),
	)
}

func (r RAG) validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.RetrievalShare,
			validation.Required,
			validation.Min(0.0).Exclusive(),
			validation.Max(1.0).Exclusive(),
		),
		validation.Field(&r.MinQueryTokens, validation.Required, validation.Min(1)),
		validation.Field(&r.TopK, validation.Required, validation.Min(1)),
		validation.Field(&r.ChunkSize, validation.Required, validation.Min(1)),
		validation.Field(&r.BatchSize, validation.Required, validation.Min(1)),
	)
}

// ContextLimits returns the per-model context windows keyed by model name.
func (c Chat) ContextLimits() map[string]int {
	out := make(map[string]int, len(c.Models))
	for _, m := range c.Models {
		out[m.Name] = m.ContextTokens
	}
	return out
}
