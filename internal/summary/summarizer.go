package summary

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/propvoice/voice-agent/internal/llm"
)

// minWords is the shortest transcript worth summarizing.
const minWords = 20

const systemPrompt = `You summarize phone conversations between a property buyer and a voice agent.
Write concise markdown with these sections: Buyer needs, Properties discussed, Next steps.
Only state what the transcript supports.`

type ClientFactory func(provider, model string) (llm.Client, error)

// Summarizer turns a finished call's transcript into a markdown summary.
type Summarizer struct {
	model   string
	factory ClientFactory
	wait    func(ctx context.Context, d time.Duration) error
	retries []time.Duration
}

// New takes a "provider/model" string such as "openai/gpt-4o-mini".
func New(model string, factory ClientFactory) *Summarizer {
	return &Summarizer{
		model:   model,
		factory: factory,
		wait:    sleepCtx,
		retries: []time.Duration{time.Second, 4 * time.Second, 16 * time.Second},
	}
}

// Summarize returns "" without calling the model when the call is too short
// to say anything about. A failed completion is retried after each delay in
// s.retries.
func (s *Summarizer) Summarize(ctx context.Context, callID, transcript string) (string, error) {
	if len(strings.Fields(transcript)) < minWords {
		return "", nil
	}

	provider, model, err := llm.ParseModel(s.model)
	if err != nil {
		return "", err
	}
	client, err := s.factory(provider, model)
	if err != nil {
		return "", fmt.Errorf("create llm client: %w", err)
	}

	header := fmt.Sprintf("Call %s on %s:", callID, time.Now().UTC().Format("2006-01-02"))
	prompt := llm.Prompt(systemPrompt, header+"\n\n"+transcript)

	attempts := len(s.retries) + 1
	for attempt := 1; ; attempt++ {
		summary, err := client.Complete(ctx, prompt)
		if err == nil {
			return summary, nil
		}
		if attempt == attempts || ctx.Err() != nil {
			return "", fmt.Errorf("summarize call %s (attempt %d/%d): %w", callID, attempt, attempts, err)
		}
		slog.Warn("summary attempt failed", "call_id", callID, "attempt", attempt, "error", err)
		if err := s.wait(ctx, s.retries[attempt-1]); err != nil {
			return "", err
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
