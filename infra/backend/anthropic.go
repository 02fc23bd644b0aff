package backend

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/nzrlabs/mcpd/core/backend"
	"github.com/nzrlabs/mcpd/core/mcp"
)

// AnthropicConfig configures the Anthropic messages backend. The API key
// falls back to ANTHROPIC_API_KEY from the environment when empty.
type AnthropicConfig struct {
	Model       string  `mapstructure:"model"`
	APIKey      string  `mapstructure:"api_key"`
	Temperature float64 `mapstructure:"temperature"`
	MaxTokens   int64   `mapstructure:"max_tokens"`
}

// Anthropic dispatches prompts to the Anthropic Messages API.
type Anthropic struct {
	cfg    AnthropicConfig
	client anthropic.Client
}

// NewAnthropic builds an Anthropic backend from a raw descriptor config.
func NewAnthropic(conf map[string]any) (backend.Backend, error) {
	cfg := AnthropicConfig{
		Model:       string(anthropic.ModelClaude3_5Sonnet20241022),
		Temperature: 0.7,
		MaxTokens:   4096,
	}
	if err := decodeConfig(conf, &cfg); err != nil {
		return nil, fmt.Errorf("anthropic backend config: %w", err)
	}
	var opts []option.RequestOption
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	return &Anthropic{cfg: cfg, client: anthropic.NewClient(opts...)}, nil
}

func (a *Anthropic) Load(context.Context) error { return nil }

func (a *Anthropic) Predict(ctx context.Context, payload map[string]any, conv *mcp.Context) (map[string]any, error) {
	prompt, ok := payload["prompt"].(string)
	if !ok || prompt == "" {
		return nil, fmt.Errorf("payload is missing a prompt")
	}

	var messages []anthropic.MessageParam
	for _, turn := range conv.History {
		if !turn.Success {
			continue
		}
		if p, ok := turn.Input["prompt"].(string); ok && p != "" {
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(p)))
		}
		if text, ok := turn.Output["text"].(string); ok && text != "" {
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(text)))
		}
	}
	messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)))

	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(a.cfg.Model),
		Messages:    messages,
		MaxTokens:   a.cfg.MaxTokens,
		Temperature: anthropic.Float(a.cfg.Temperature),
	}
	if system, ok := payload["system"].(string); ok && system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	resp, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic api: %w", err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.AsText().Text)
		}
	}
	return map[string]any{
		"text":        text.String(),
		"stop_reason": string(resp.StopReason),
		"usage": map[string]any{
			"input_tokens":  resp.Usage.InputTokens,
			"output_tokens": resp.Usage.OutputTokens,
		},
	}, nil
}

// Health reports reachability. The Messages API has no cheap ping, so a
// constructed client is reported healthy and real failures surface per
// request.
func (a *Anthropic) Health(context.Context) backend.Health {
	return backend.Health{Status: backend.StatusHealthy, CheckedAt: time.Now()}
}

func (a *Anthropic) Unload(context.Context) error { return nil }
