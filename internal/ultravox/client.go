// Package ultravox is the remote voice transport: call creation over the
// Ultravox REST API and the live conversation over its server websocket.
package ultravox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultBaseURL          = "https://api.ultravox.ai"
	DefaultInputSampleRate  = 16000
	DefaultOutputSampleRate = 24000
	clientBufferSizeMs      = 60
)

// APIError is a non-2xx response from the REST API.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("ultravox api status %d: %s", e.StatusCode, e.Body)
}

// Client talks to the Ultravox REST API.
type Client struct {
	baseURL    string
	apiKey     string
	agentID    string
	recording  bool
	httpClient *http.Client
}

type ClientOption func(*Client)

func WithBaseURL(u string) ClientOption {
	return func(c *Client) {
		if u != "" {
			c.baseURL = strings.TrimRight(u, "/")
		}
	}
}

// WithAgent creates calls against a preconfigured agent instead of the
// bare calls endpoint.
func WithAgent(agentID string) ClientOption {
	return func(c *Client) { c.agentID = agentID }
}

func WithRecording(enabled bool) ClientOption {
	return func(c *Client) { c.recording = enabled }
}

func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

func NewClient(apiKey string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    DefaultBaseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type serverWebSocketMedium struct {
	InputSampleRate    int `json:"inputSampleRate"`
	OutputSampleRate   int `json:"outputSampleRate"`
	ClientBufferSizeMs int `json:"clientBufferSizeMs,omitempty"`
}

type callMedium struct {
	ServerWebSocket *serverWebSocketMedium `json:"serverWebSocket,omitempty"`
}

type selectedTool struct {
	ToolName  string         `json:"toolName,omitempty"`
	Temporary *temporaryTool `json:"temporaryTool,omitempty"`
}

type temporaryTool struct {
	ModelToolName string         `json:"modelToolName"`
	Description   string         `json:"description"`
	Client        map[string]any `json:"client"`
}

type createCallRequest struct {
	Medium           callMedium     `json:"medium"`
	RecordingEnabled bool           `json:"recordingEnabled"`
	SelectedTools    []selectedTool `json:"selectedTools,omitempty"`
}

// CallInfo is the subset of the call resource the application uses.
type CallInfo struct {
	CallID       string     `json:"callId"`
	JoinURL      string     `json:"joinUrl,omitempty"`
	Created      *time.Time `json:"created,omitempty"`
	Ended        *time.Time `json:"ended,omitempty"`
	EndReason    string     `json:"endReason,omitempty"`
	ShortSummary string     `json:"shortSummary,omitempty"`
}

// CreateCall starts a new call with a server websocket medium at the given
// sample rates.
func (c *Client) CreateCall(ctx context.Context, inputRate, outputRate int) (CallInfo, error) {
	if inputRate <= 0 {
		inputRate = DefaultInputSampleRate
	}
	if outputRate <= 0 {
		outputRate = DefaultOutputSampleRate
	}

	body := createCallRequest{
		Medium: callMedium{ServerWebSocket: &serverWebSocketMedium{
			InputSampleRate:    inputRate,
			OutputSampleRate:   outputRate,
			ClientBufferSizeMs: clientBufferSizeMs,
		}},
		RecordingEnabled: c.recording,
		SelectedTools: []selectedTool{{Temporary: &temporaryTool{
			ModelToolName: hangUpTool,
			Description:   "End the call when the caller says goodbye or asks to hang up.",
			Client:        map[string]any{},
		}}},
	}

	path := "/api/calls"
	if c.agentID != "" {
		path = "/api/agents/" + url.PathEscape(c.agentID) + "/calls"
	}

	var info CallInfo
	if err := c.do(ctx, http.MethodPost, path, body, &info); err != nil {
		return CallInfo{}, fmt.Errorf("create call: %w", err)
	}
	if info.CallID == "" || info.JoinURL == "" {
		return CallInfo{}, fmt.Errorf("create call: response missing callId or joinUrl")
	}
	return info, nil
}

func (c *Client) GetCall(ctx context.Context, callID string) (CallInfo, error) {
	var info CallInfo
	if err := c.do(ctx, http.MethodGet, "/api/calls/"+url.PathEscape(callID), nil, &info); err != nil {
		return CallInfo{}, fmt.Errorf("get call: %w", err)
	}
	return info, nil
}

func (c *Client) DeleteCall(ctx context.Context, callID string) error {
	if err := c.do(ctx, http.MethodDelete, "/api/calls/"+url.PathEscape(callID), nil, nil); err != nil {
		return fmt.Errorf("delete call: %w", err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var reader io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("X-API-Key", c.apiKey)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
