package embedding

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	openai "github.com/sashabaranov/go-openai"
	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/ollama"

	"document-qa/internal/config"
	"document-qa/internal/models"
)

// Embedder maps text to a fixed-dimension vector for one named model.
type Embedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
	// Model identifies the embedding model; it is recorded with every index built from this embedder.
	Model() string
}

// NewEmbedder returns the embedder selected by cfg.Provider.
func NewEmbedder(cfg config.LLMConfig) (Embedder, error) {
	log.Debug().Interface("config", map[string]string{
		"provider":        cfg.Provider,
		"base_url":        cfg.BaseURL,
		"embedding_model": cfg.Model,
	}).Msg("Loaded embedding config")

	switch cfg.Provider {
	case "ollama":
		return NewOllamaEmbedder(cfg)
	case "openai":
		return NewOpenAIEmbedder(cfg)
	case "hash":
		return NewHashEmbedder(cfg.Dimension), nil
	default:
		return nil, fmt.Errorf("unknown embedding provider: %s", cfg.Provider)
	}
}

// LangChain adapts a langchaingo embeddings client.
type LangChain struct {
	embedder *embeddings.EmbedderImpl
	model    string
	timeout  time.Duration
}

// NewOllamaEmbedder embeds through a local Ollama server.
func NewOllamaEmbedder(cfg config.LLMConfig) (*LangChain, error) {
	llm, err := ollama.New(
		ollama.WithServerURL(cfg.BaseURL),
		ollama.WithModel(cfg.Model),
	)
	if err != nil {
		return nil, fmt.Errorf("error initializing ollama: %w", err)
	}
	return FromClient(llm, cfg.Model, cfg.Timeout())
}

// FromClient wraps any langchaingo embedder client. A zero timeout disables the per-call deadline.
func FromClient(client embeddings.EmbedderClient, model string, timeout time.Duration) (*LangChain, error) {
	embedder, err := embeddings.NewEmbedder(client)
	if err != nil {
		return nil, fmt.Errorf("error creating embedder: %w", err)
	}
	return &LangChain{embedder: embedder, model: model, timeout: timeout}, nil
}

func (e *LangChain) Model() string { return e.model }

func (e *LangChain) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	ctx, cancel := withTimeout(ctx, e.timeout)
	defer cancel()

	vec, err := e.embedder.EmbedQuery(ctx, text)
	if err != nil {
		return nil, unavailable(e.model, err)
	}
	if len(vec) == 0 {
		return nil, unavailable(e.model, errors.New("empty embedding returned"))
	}
	return vec, nil
}

// OpenAI embeds through the OpenAI embeddings API or any compatible endpoint.
type OpenAI struct {
	client  *openai.Client
	model   string
	timeout time.Duration
}

func NewOpenAIEmbedder(cfg config.LLMConfig) (*OpenAI, error) {
	key := strings.TrimPrefix(cfg.Key, "Bearer ")
	if key == "" {
		return nil, errors.New("llm key is required for the openai embedding provider")
	}
	clientCfg := openai.DefaultConfig(key)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &OpenAI{
		client:  openai.NewClientWithConfig(clientCfg),
		model:   cfg.Model,
		timeout: cfg.Timeout(),
	}, nil
}

func (e *OpenAI) Model() string { return e.model }

func (e *OpenAI) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	ctx, cancel := withTimeout(ctx, e.timeout)
	defer cancel()

	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Model: openai.EmbeddingModel(e.model),
		Input: []string{text},
	})
	if err != nil {
		return nil, unavailable(e.model, err)
	}
	if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
		return nil, unavailable(e.model, errors.New("no embedding data returned from API"))
	}
	return resp.Data[0].Embedding, nil
}

func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

func unavailable(model string, err error) error {
	return fmt.Errorf("%w: model %s: %w", models.ErrEmbeddingUnavailable, model, err)
}
