package backend

import (
	"context"
	"fmt"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/nzrlabs/mcpd/core/backend"
	"github.com/nzrlabs/mcpd/core/mcp"
)

// OpenAIConfig configures the OpenAI chat backend. The API key falls back
// to OPENAI_API_KEY from the environment when empty.
type OpenAIConfig struct {
	Model       string  `mapstructure:"model"`
	APIKey      string  `mapstructure:"api_key"`
	BaseURL     string  `mapstructure:"base_url"`
	Temperature float64 `mapstructure:"temperature"`
	MaxTokens   int64   `mapstructure:"max_tokens"`
}

// OpenAI dispatches prompts to the OpenAI Chat Completions API and replays
// the conversation history as alternating user/assistant messages.
type OpenAI struct {
	cfg    OpenAIConfig
	client openai.Client
}

// NewOpenAI builds an OpenAI backend from a raw descriptor config.
func NewOpenAI(conf map[string]any) (backend.Backend, error) {
	cfg := OpenAIConfig{
		Model:       openai.ChatModelGPT4oMini,
		Temperature: 0.7,
		MaxTokens:   4096,
	}
	if err := decodeConfig(conf, &cfg); err != nil {
		return nil, fmt.Errorf("openai backend config: %w", err)
	}
	var opts []option.RequestOption
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &OpenAI{cfg: cfg, client: openai.NewClient(opts...)}, nil
}

func (o *OpenAI) Load(context.Context) error { return nil }

func (o *OpenAI) Predict(ctx context.Context, payload map[string]any, conv *mcp.Context) (map[string]any, error) {
	prompt, ok := payload["prompt"].(string)
	if !ok || prompt == "" {
		return nil, fmt.Errorf("payload is missing a prompt")
	}

	var messages []openai.ChatCompletionMessageParamUnion
	if system, ok := payload["system"].(string); ok && system != "" {
		messages = append(messages, openai.SystemMessage(system))
	}
	messages = append(messages, historyMessages(conv)...)
	messages = append(messages, openai.UserMessage(prompt))

	resp, err := o.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:               o.cfg.Model,
		Messages:            messages,
		Temperature:         openai.Float(o.cfg.Temperature),
		MaxCompletionTokens: openai.Int(o.cfg.MaxTokens),
	})
	if err != nil {
		return nil, fmt.Errorf("openai api: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai api returned no choices")
	}
	return map[string]any{
		"text":          resp.Choices[0].Message.Content,
		"finish_reason": string(resp.Choices[0].FinishReason),
		"usage": map[string]any{
			"prompt_tokens":     resp.Usage.PromptTokens,
			"completion_tokens": resp.Usage.CompletionTokens,
			"total_tokens":      resp.Usage.TotalTokens,
		},
	}, nil
}

// historyMessages replays prior turns so the remote model sees the full
// conversation. Failed turns are skipped.
func historyMessages(conv *mcp.Context) []openai.ChatCompletionMessageParamUnion {
	var messages []openai.ChatCompletionMessageParamUnion
	for _, turn := range conv.History {
		if !turn.Success {
			continue
		}
		if prompt, ok := turn.Input["prompt"].(string); ok && prompt != "" {
			messages = append(messages, openai.UserMessage(prompt))
		}
		if text, ok := turn.Output["text"].(string); ok && text != "" {
			messages = append(messages, openai.AssistantMessage(text))
		}
	}
	return messages
}

func (o *OpenAI) Health(ctx context.Context) backend.Health {
	start := time.Now()
	_, err := o.client.Models.Get(ctx, o.cfg.Model)
	h := backend.Health{CheckedAt: time.Now(), ResponseTime: time.Since(start)}
	if err != nil {
		h.Status = backend.StatusUnhealthy
		h.Detail = err.Error()
		return h
	}
	h.Status = backend.StatusHealthy
	return h
}

func (o *OpenAI) Unload(context.Context) error { return nil }
