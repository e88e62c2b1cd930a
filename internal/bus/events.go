package bus

// Outbound events produced by the voice core.
const (
	VoiceSearch          = "voiceSearch"
	UpdateFilters        = "updateFilters"
	ExecuteSearch        = "executeSearch"
	OrderCheckout        = "orderCheckout"
	CallEnded            = "callEnded"
	AgentRequestedHangup = "agentRequestedHangup"
)

// Inbound triggers consumed by the voice core.
const (
	OpenVoiceAgent  = "openVoiceAgent"
	CloseVoiceAgent = "closeVoiceAgent"
)

type VoiceSearchPayload struct {
	Location     string         `json:"location,omitempty"`
	ResetAll     bool           `json:"resetAll,omitempty"`
	SearchParams map[string]any `json:"searchParams,omitempty"`
}

type UpdateFiltersPayload struct {
	Filters map[string]any `json:"filters"`
}

// SearchCriteria is the structured filter set carried by ExecuteSearch.
// ShowAll is set when no location could be resolved.
type SearchCriteria struct {
	Location     string   `json:"location,omitempty"`
	PropertyType string   `json:"propertyType,omitempty"`
	Bedrooms     int      `json:"bedrooms,omitempty"`
	Bathrooms    int      `json:"bathrooms,omitempty"`
	PriceMin     float64  `json:"priceMin,omitempty"`
	PriceMax     float64  `json:"priceMax,omitempty"`
	IsRental     *bool    `json:"isRental,omitempty"`
	Amenities    []string `json:"amenities,omitempty"`
	ShowAll      bool     `json:"showAll,omitempty"`
}

type ExecuteSearchPayload struct {
	Criteria SearchCriteria `json:"criteria"`
}

// OrderItem is one entry of the OrderCheckout list payload.
type OrderItem struct {
	ID       string  `json:"id,omitempty"`
	Name     string  `json:"name"`
	Price    float64 `json:"price"`
	Quantity int     `json:"quantity,omitempty"`
}

type CallEndedPayload struct {
	CallID string `json:"callId,omitempty"`
	Error  bool   `json:"error,omitempty"`
}

type HangupPayload struct {
	CallID string `json:"callId"`
}
