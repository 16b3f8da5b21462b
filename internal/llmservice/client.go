package llmservice

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"document-qa/internal/config"
	"document-qa/internal/models"
)

var thinkTag = regexp.MustCompile(models.ThinkTag)

type Options struct {
	Temperature float64
	MaxTokens   int
}

// Synthesizer turns a prompt into a completion.
type Synthesizer interface {
	Complete(ctx context.Context, prompt string, opts Options) (string, error)
}

// LLM is a Synthesizer backed by a langchaingo model.
type LLM struct {
	model   llms.Model
	name    string
	timeout time.Duration
}

// NewLLM connects to the provider named in cfg.
func NewLLM(cfg config.LLMConfig) (*LLM, error) {
	log.Debug().Interface("config", map[string]string{
		"provider": cfg.Provider,
		"base_url": cfg.BaseURL,
		"model":    cfg.Model,
	}).Msg("Loaded llm config")

	var (
		model llms.Model
		err   error
	)
	switch cfg.Provider {
	case "ollama":
		model, err = ollama.New(
			ollama.WithServerURL(cfg.BaseURL),
			ollama.WithModel(cfg.Model),
		)
	case "openai":
		opts := []openai.Option{
			openai.WithToken(strings.TrimPrefix(cfg.Key, "Bearer ")),
			openai.WithModel(cfg.Model),
		}
		if cfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
		}
		model, err = openai.New(opts...)
	default:
		return nil, fmt.Errorf("unknown llm provider: %s", cfg.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("error initializing LLM: %w", err)
	}
	return FromModel(model, cfg.Model, cfg.Timeout()), nil
}

// FromModel wraps an existing model. A zero timeout disables the per-call deadline.
func FromModel(model llms.Model, name string, timeout time.Duration) *LLM {
	return &LLM{model: model, name: name, timeout: timeout}
}

func (l *LLM) Complete(ctx context.Context, prompt string, opts Options) (string, error) {
	if l.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}

	callOpts := []llms.CallOption{llms.WithTemperature(opts.Temperature)}
	if opts.MaxTokens > 0 {
		callOpts = append(callOpts, llms.WithMaxTokens(opts.MaxTokens))
	}

	start := time.Now()
	out, err := llms.GenerateFromSinglePrompt(ctx, l.model, prompt, callOpts...)
	if err != nil {
		return "", fmt.Errorf("%w: model %s: %w", models.ErrSynthesisUnavailable, l.name, err)
	}
	answer := StripThink(out)
	if answer == "" {
		return "", fmt.Errorf("%w: model %s: %w", models.ErrSynthesisUnavailable, l.name, errors.New("empty completion"))
	}
	log.Debug().Str("model", l.name).Dur("took", time.Since(start)).Int("chars", len(answer)).Msg("Generated answer")
	return answer, nil
}

// StripThink removes <think>...</think> reasoning blocks some models emit before the answer.
func StripThink(s string) string {
	return strings.TrimSpace(thinkTag.ReplaceAllString(s, ""))
}

// Prompt fills the answer template. An empty context is allowed; the template tells the model
// to report that the document holds no relevant information.
func Prompt(contextText, question string) string {
	return fmt.Sprintf(models.AnswerPromptTemplate, contextText, question)
}
