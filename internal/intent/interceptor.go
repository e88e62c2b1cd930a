// Package intent redirects listing-style agent speech into structured search
// commands on the event bus.
package intent

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/propvoice/voice-agent/internal/bus"
	"github.com/propvoice/voice-agent/internal/transcript"
)

type Publisher interface {
	Publish(name string, payload any) error
}

type Interceptor struct {
	predicate Predicate
	extractor Extractor
	publisher Publisher
}

type Option func(*Interceptor)

func WithPredicate(p Predicate) Option {
	return func(i *Interceptor) { i.predicate = p }
}

func WithExtractor(e Extractor) Option {
	return func(i *Interceptor) { i.extractor = e }
}

func New(publisher Publisher, opts ...Option) *Interceptor {
	i := &Interceptor{
		predicate: NewPhraseMatcher(DefaultPhrases...),
		extractor: HeuristicExtractor{},
		publisher: publisher,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Rewrite swaps a listing-style agent line for a short confirmation.
func (i *Interceptor) Rewrite(u transcript.Utterance) (transcript.Utterance, bool) {
	if u.Speaker != transcript.Agent || !i.predicate.Match(u.Text) {
		return u, false
	}
	u.Text = Confirmation(ExtractLocation(u.Text))
	return u, true
}

func (i *Interceptor) Suppress(text string) bool {
	return i.predicate.Match(text)
}

func Confirmation(location string) string {
	if location == "" {
		return "I've pulled up all available properties for you."
	}
	return fmt.Sprintf("I've pulled up properties in %s for you.", location)
}

// Resolve turns a raw listing line into search criteria. A failing
// extractor falls back to the location heuristic so the redirect still
// happens.
func (i *Interceptor) Resolve(ctx context.Context, text string) bus.SearchCriteria {
	criteria, err := i.extractor.Extract(ctx, text)
	if err != nil {
		slog.Warn("criteria extraction failed, using location heuristic", "error", err)
		criteria = bus.SearchCriteria{}
	}
	if criteria.Location == "" {
		criteria.Location = ExtractLocation(text)
	}
	criteria.ShowAll = criteria.Location == ""
	return criteria
}

// Dispatch resolves criteria for a raw listing line and publishes them as
// an executeSearch event.
func (i *Interceptor) Dispatch(ctx context.Context, text string) (bus.SearchCriteria, error) {
	criteria := i.Resolve(ctx, text)
	if err := i.publisher.Publish(bus.ExecuteSearch, bus.ExecuteSearchPayload{Criteria: criteria}); err != nil {
		return criteria, fmt.Errorf("publish %s: %w", bus.ExecuteSearch, err)
	}
	return criteria, nil
}
