package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

type anthropicClient struct {
	messages    anthropic.MessageService
	model       anthropic.Model
	temperature *float32
	maxTokens   int64
}

func newAnthropicClient(apiKey, model string, opts *clientOptions) (*anthropicClient, error) {
	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if opts.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(opts.baseURL))
	}

	limit := int64(defaultMaxTokens)
	if opts.maxTokens > 0 {
		limit = int64(opts.maxTokens)
	}

	client := anthropic.NewClient(reqOpts...)
	return &anthropicClient{
		messages:    client.Messages,
		model:       anthropic.Model(model),
		temperature: opts.temperature,
		maxTokens:   limit,
	}, nil
}

// Anthropic takes system text as a top-level field rather than a turn.
func splitAnthropicMessages(messages []Message) ([]anthropic.TextBlockParam, []anthropic.MessageParam) {
	var system []anthropic.TextBlockParam
	var turns []anthropic.MessageParam
	for _, m := range messages {
		block := anthropic.NewTextBlock(m.Content)
		switch m.Role {
		case RoleSystem:
			system = append(system, anthropic.TextBlockParam{Text: m.Content})
		case RoleUser:
			turns = append(turns, anthropic.NewUserMessage(block))
		case RoleAssistant:
			turns = append(turns, anthropic.NewAssistantMessage(block))
		}
	}
	return system, turns
}

func (c *anthropicClient) Complete(ctx context.Context, messages []Message) (string, error) {
	system, turns := splitAnthropicMessages(messages)
	if len(turns) == 0 {
		return "", errors.New("anthropic: no conversation turns")
	}

	params := anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		System:    system,
		Messages:  turns,
	}
	if c.temperature != nil {
		params.Temperature = anthropic.Float(float64(*c.temperature))
	}

	resp, err := c.messages.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("anthropic completion: %w", err)
	}

	var parts []string
	for _, block := range resp.Content {
		if block.Type == "text" {
			parts = append(parts, block.Text)
		}
	}
	text := strings.TrimSpace(strings.Join(parts, ""))
	if text == "" {
		return "", errors.New("anthropic: empty response")
	}
	return text, nil
}
