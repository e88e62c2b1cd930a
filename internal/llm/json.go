package llm

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var ErrNoJSON = errors.New("no JSON object in response")

// DecodeJSON pulls the first JSON object out of a completion, tolerating
// markdown code fences and surrounding prose, and unmarshals it into v.
func DecodeJSON(completion string, v any) error {
	text := strings.TrimSpace(completion)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		if end := strings.LastIndex(text, "```"); end >= 0 {
			text = text[:end]
		}
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end < start {
		return ErrNoJSON
	}

	if err := json.Unmarshal([]byte(text[start:end+1]), v); err != nil {
		return fmt.Errorf("decode completion json: %w", err)
	}
	return nil
}
