package intent

import (
	"context"
	"fmt"
	"strings"

	"github.com/propvoice/voice-agent/internal/bus"
	"github.com/propvoice/voice-agent/internal/llm"
)

// Extractor turns listing prose into search criteria.
type Extractor interface {
	Extract(ctx context.Context, text string) (bus.SearchCriteria, error)
}

// HeuristicExtractor resolves only the location.
type HeuristicExtractor struct{}

func (HeuristicExtractor) Extract(_ context.Context, text string) (bus.SearchCriteria, error) {
	return bus.SearchCriteria{Location: ExtractLocation(text)}, nil
}

const extractionPrompt = `You convert a real estate agent's spoken listing summary into search filters.
Reply with a single JSON object and nothing else, using these keys:
location (string, neighbourhood or city), property_type (apartment, villa, townhouse, penthouse or studio),
bedrooms (integer), bathrooms (integer), price_min (number), price_max (number),
is_rental (boolean), amenities (array of strings).
Omit any key the text does not state.`

type llmCriteria struct {
	Location     string   `json:"location"`
	PropertyType string   `json:"property_type"`
	Bedrooms     int      `json:"bedrooms"`
	Bathrooms    int      `json:"bathrooms"`
	PriceMin     float64  `json:"price_min"`
	PriceMax     float64  `json:"price_max"`
	IsRental     *bool    `json:"is_rental"`
	Amenities    []string `json:"amenities"`
}

// LLMExtractor asks a language model for the full criteria set.
type LLMExtractor struct {
	client llm.Client
}

func NewLLMExtractor(client llm.Client) *LLMExtractor {
	return &LLMExtractor{client: client}
}

func (e *LLMExtractor) Extract(ctx context.Context, text string) (bus.SearchCriteria, error) {
	completion, err := e.client.Complete(ctx, llm.Prompt(extractionPrompt, text))
	if err != nil {
		return bus.SearchCriteria{}, fmt.Errorf("extract criteria: %w", err)
	}

	var parsed llmCriteria
	if err := llm.DecodeJSON(completion, &parsed); err != nil {
		return bus.SearchCriteria{}, fmt.Errorf("extract criteria: %w", err)
	}

	return bus.SearchCriteria{
		Location:     strings.TrimSpace(parsed.Location),
		PropertyType: strings.ToLower(strings.TrimSpace(parsed.PropertyType)),
		Bedrooms:     parsed.Bedrooms,
		Bathrooms:    parsed.Bathrooms,
		PriceMin:     parsed.PriceMin,
		PriceMax:     parsed.PriceMax,
		IsRental:     parsed.IsRental,
		Amenities:    parsed.Amenities,
	}, nil
}
