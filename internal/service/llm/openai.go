package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"

	"github.com/ifuryst/xtrack/internal/config"
)

const defaultOpenAIModel = "gpt-4o-mini"

type openAIBackend struct {
	client     openai.Client
	model      string
	configured bool
}

func newOpenAI(cfg *config.LLMConfig) *openAIBackend {
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(cfg.Timeout))
	}

	model := cfg.Model
	if model == "" {
		model = defaultOpenAIModel
	}

	return &openAIBackend{
		client:     openai.NewClient(opts...),
		model:      model,
		configured: cfg.APIKey != "",
	}
}

func (o *openAIBackend) complete(ctx context.Context, system, prompt string) (string, int, int, error) {
	if !o.configured {
		return "", 0, 0, errors.New("openai api key is not configured")
	}

	resp, err := o.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(o.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(system),
			openai.UserMessage(prompt),
		},
	})
	if err != nil {
		return "", 0, 0, fmt.Errorf("openai request failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", 0, 0, errors.New("no response from openai")
	}

	return resp.Choices[0].Message.Content, int(resp.Usage.PromptTokens), int(resp.Usage.CompletionTokens), nil
}
