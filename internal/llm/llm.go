// Package llm wraps the chat-completion providers used for call summaries
// and listing criteria extraction behind one Complete call.
package llm

import (
	"context"
	"fmt"
	"strings"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderGemini    = "gemini"
)

type Message struct {
	Role    Role
	Content string
}

// Prompt builds the system-plus-input pair every caller in this module sends.
func Prompt(instructions, input string) []Message {
	return []Message{
		{Role: RoleSystem, Content: instructions},
		{Role: RoleUser, Content: input},
	}
}

type Client interface {
	Complete(ctx context.Context, messages []Message) (string, error)
}

type Option func(*clientOptions)

type clientOptions struct {
	baseURL     string
	temperature *float32
	maxTokens   int
}

// defaultMaxTokens applies to providers that require an explicit limit.
const defaultMaxTokens = 4096

func WithBaseURL(url string) Option {
	return func(o *clientOptions) {
		o.baseURL = url
	}
}

func WithTemperature(t float32) Option {
	return func(o *clientOptions) {
		o.temperature = &t
	}
}

func WithMaxTokens(n int) Option {
	return func(o *clientOptions) {
		if n > 0 {
			o.maxTokens = n
		}
	}
}

// ParseModel splits "provider/model". "google" is accepted as an alias for
// the Gemini provider.
func ParseModel(model string) (provider, modelName string, err error) {
	provider, modelName, ok := strings.Cut(strings.TrimSpace(model), "/")
	if !ok || provider == "" || modelName == "" {
		return "", "", fmt.Errorf("invalid model %q: want provider/model", model)
	}
	provider = strings.ToLower(provider)
	if provider == "google" {
		provider = ProviderGemini
	}
	return provider, modelName, nil
}

func NewClient(provider, apiKey, model string, opts ...Option) (Client, error) {
	o := &clientOptions{}
	for _, opt := range opts {
		opt(o)
	}

	switch provider {
	case ProviderOpenAI:
		return newOpenAIClient(apiKey, model, o)
	case ProviderAnthropic:
		return newAnthropicClient(apiKey, model, o)
	case ProviderGemini:
		return newGeminiClient(apiKey, model, o)
	default:
		return nil, fmt.Errorf("unknown llm provider %q (want %s, %s or %s)", provider, ProviderOpenAI, ProviderAnthropic, ProviderGemini)
	}
}
