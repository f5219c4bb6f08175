// Package llm turns a batch of posts into a short written digest.
package llm

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/ifuryst/xtrack/internal/config"
	"github.com/ifuryst/xtrack/internal/models"
)

const (
	ProviderGemini = "gemini"
	ProviderOpenAI = "openai"

	NoTweetsBody = "No tweets found to summarize."
)

type Request struct {
	Tweets       []models.Tweet
	Topics       []string
	AccountLabel string
	TimeRange    string
	Language     string
}

type Digest struct {
	Headline     string
	Body         string
	InputTokens  int
	OutputTokens int
}

// Generator produces one digest per call.
type Generator interface {
	Generate(ctx context.Context, req Request) (*Digest, error)
}

// completer is the provider specific round trip behind a Generator.
type completer interface {
	complete(ctx context.Context, system, prompt string) (text string, inputTokens, outputTokens int, err error)
}

type generator struct {
	provider string
	backend  completer
	logger   *zap.Logger
}

// New selects the provider named in cfg. An empty provider means gemini.
func New(cfg *config.LLMConfig, logger *zap.Logger) (Generator, error) {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" {
		provider = ProviderGemini
	}

	var backend completer
	switch provider {
	case ProviderGemini:
		backend = newGemini(cfg)
	case ProviderOpenAI:
		backend = newOpenAI(cfg)
	default:
		return nil, fmt.Errorf("unsupported llm provider %q", cfg.Provider)
	}

	if cfg.APIKey == "" {
		logger.Warn("LLM API key is not configured, digests will carry an error message",
			zap.String("provider", provider))
	}

	return &generator{
		provider: provider,
		backend:  backend,
		logger:   logger.Named("llm"),
	}, nil
}

func (g *generator) Generate(ctx context.Context, req Request) (*Digest, error) {
	if len(req.Tweets) == 0 {
		return &Digest{
			Headline: BuildHeadline(NoTweetsBody),
			Body:     NoTweetsBody,
		}, nil
	}

	prompt := BuildPrompt(req)
	g.logger.Debug("Generating digest",
		zap.String("provider", g.provider),
		zap.Int("tweets", len(req.Tweets)),
		zap.Int("prompt_chars", len(prompt)))

	text, in, out, err := g.backend.complete(ctx, systemPrompt, prompt)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", g.provider, err)
	}

	body := strings.TrimSpace(text)
	g.logger.Info("Digest generated",
		zap.String("provider", g.provider),
		zap.Int("input_tokens", in),
		zap.Int("output_tokens", out))

	return &Digest{
		Headline:     BuildHeadline(body),
		Body:         body,
		InputTokens:  in,
		OutputTokens: out,
	}, nil
}
