package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

type openaiClient struct {
	client      *openai.Client
	model       string
	temperature *float32
	maxTokens   int
}

func newOpenAIClient(apiKey, model string, opts *clientOptions) (*openaiClient, error) {
	cfg := openai.DefaultConfig(apiKey)
	if opts.baseURL != "" {
		cfg.BaseURL = opts.baseURL
	}
	return &openaiClient{
		client:      openai.NewClientWithConfig(cfg),
		model:       model,
		temperature: opts.temperature,
		maxTokens:   opts.maxTokens,
	}, nil
}

func (c *openaiClient) Complete(ctx context.Context, messages []Message) (string, error) {
	req := openai.ChatCompletionRequest{Model: c.model, MaxTokens: c.maxTokens}
	for _, m := range messages {
		req.Messages = append(req.Messages, openai.ChatCompletionMessage{Role: string(m.Role), Content: m.Content})
	}
	if c.temperature != nil {
		req.Temperature = *c.temperature
	}

	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("openai completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("openai: no choices in response")
	}

	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return "", errors.New("openai: empty response")
	}
	return text, nil
}
