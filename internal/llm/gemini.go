package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

type geminiClient struct {
	client      *genai.Client
	model       string
	temperature *float32
	maxTokens   int32
}

func newGeminiClient(apiKey, model string, opts *clientOptions) (*geminiClient, error) {
	cfg := &genai.ClientConfig{APIKey: apiKey, Backend: genai.BackendGeminiAPI}
	if opts.baseURL != "" {
		cfg.HTTPOptions.BaseURL = opts.baseURL
	}

	client, err := genai.NewClient(context.Background(), cfg)
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}

	return &geminiClient{
		client:      client,
		model:       model,
		temperature: opts.temperature,
		maxTokens:   int32(opts.maxTokens),
	}, nil
}

// toGeminiContents maps roles onto Gemini's user/model turns. Multiple
// system messages are joined into one instruction.
func toGeminiContents(messages []Message) (*genai.Content, []*genai.Content) {
	var system []string
	var contents []*genai.Content
	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			system = append(system, m.Content)
		case RoleUser:
			contents = append(contents, &genai.Content{Role: "user", Parts: []*genai.Part{{Text: m.Content}}})
		case RoleAssistant:
			contents = append(contents, &genai.Content{Role: "model", Parts: []*genai.Part{{Text: m.Content}}})
		}
	}

	var instruction *genai.Content
	if len(system) > 0 {
		instruction = &genai.Content{Parts: []*genai.Part{{Text: strings.Join(system, "\n\n")}}}
	}
	return instruction, contents
}

func (c *geminiClient) Complete(ctx context.Context, messages []Message) (string, error) {
	instruction, contents := toGeminiContents(messages)
	if len(contents) == 0 {
		return "", errors.New("gemini: no conversation turns")
	}

	result, err := c.client.Models.GenerateContent(ctx, c.model, contents, &genai.GenerateContentConfig{
		SystemInstruction: instruction,
		Temperature:       c.temperature,
		MaxOutputTokens:   c.maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("gemini completion: %w", err)
	}

	text := strings.TrimSpace(result.Text())
	if text == "" {
		return "", errors.New("gemini: empty response")
	}
	return text, nil
}
