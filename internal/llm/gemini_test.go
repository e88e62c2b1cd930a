package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestToGeminiContents(t *testing.T) {
	instruction, contents := toGeminiContents([]Message{
		{Role: RoleSystem, Content: "summarize the call"},
		{Role: RoleSystem, Content: "use bullet points"},
		{Role: RoleUser, Content: "User: two bed in Marina"},
		{Role: RoleAssistant, Content: "- wants 2BR"},
	})

	if instruction == nil || len(instruction.Parts) != 1 {
		t.Fatalf("expected one instruction part, got %#v", instruction)
	}
	if instruction.Parts[0].Text != "summarize the call\n\nuse bullet points" {
		t.Fatalf("unexpected instruction %q", instruction.Parts[0].Text)
	}
	if len(contents) != 2 {
		t.Fatalf("expected 2 turns, got %d", len(contents))
	}
	if contents[0].Role != "user" || contents[1].Role != "model" {
		t.Fatalf("unexpected roles %q, %q", contents[0].Role, contents[1].Role)
	}
}

func geminiServer(t *testing.T, text string) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "gemini-test:generateContent") {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"candidates": []map[string]any{{
				"content": map[string]any{
					"parts": []map[string]any{{"text": text}},
					"role":  "model",
				},
				"finishReason": "STOP",
			}},
		})
	}))
	t.Cleanup(server.Close)
	return server
}

func TestGeminiComplete(t *testing.T) {
	server := geminiServer(t, "  Buyer wants a two bed in Marina.  ")

	client, err := newGeminiClient("test-key", "gemini-test", &clientOptions{baseURL: server.URL})
	if err != nil {
		t.Fatalf("newGeminiClient failed: %v", err)
	}

	got, err := client.Complete(context.Background(), Prompt("summarize", "User: two bed in Marina"))
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if got != "Buyer wants a two bed in Marina." {
		t.Fatalf("expected trimmed text, got %q", got)
	}
}

func TestGeminiEmptyResponse(t *testing.T) {
	server := geminiServer(t, "")

	client, err := newGeminiClient("test-key", "gemini-test", &clientOptions{baseURL: server.URL})
	if err != nil {
		t.Fatalf("newGeminiClient failed: %v", err)
	}

	_, err = client.Complete(context.Background(), Prompt("summarize", "hello"))
	if err == nil || !strings.Contains(err.Error(), "empty response") {
		t.Fatalf("expected empty response error, got %v", err)
	}
}
