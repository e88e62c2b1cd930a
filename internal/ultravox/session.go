package ultravox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/propvoice/voice-agent/internal/bus"
	"github.com/propvoice/voice-agent/internal/call"
	"github.com/propvoice/voice-agent/internal/transcript"
)

const (
	hangUpTool   = "hangUp"
	writeTimeout = 5 * time.Second
)

var ErrNotConnected = errors.New("ultravox session not connected")

type Publisher interface {
	Publish(name string, payload any) error
}

// Session is one live conversation over the server websocket. It implements
// the call controller's transport.
type Session struct {
	client     *Client
	publisher  Publisher
	playback   io.Writer
	dialer     *websocket.Dialer
	inputRate  int
	outputRate int
	rateFn     func() int

	mu           sync.Mutex
	conn         *websocket.Conn
	readerDone   chan struct{}
	callID       string
	micMuted     bool
	speakerMuted bool
	active       bool
	utterances   map[int]*transcript.Utterance

	writeMu sync.Mutex
}

type SessionOption func(*Session)

// WithPlayback sets where agent audio (PCM16-LE at the output rate) goes.
func WithPlayback(w io.Writer) SessionOption {
	return func(s *Session) { s.playback = w }
}

func WithSampleRates(input, output int) SessionOption {
	return func(s *Session) {
		if input > 0 {
			s.inputRate = input
		}
		if output > 0 {
			s.outputRate = output
		}
	}
}

// WithInputRate reports the microphone rate actually opened. It is consulted
// when a call is created, after resources have been acquired.
func WithInputRate(fn func() int) SessionOption {
	return func(s *Session) { s.rateFn = fn }
}

func WithDialer(d *websocket.Dialer) SessionOption {
	return func(s *Session) {
		if d != nil {
			s.dialer = d
		}
	}
}

func NewSession(client *Client, publisher Publisher, opts ...SessionOption) *Session {
	s := &Session{
		client:     client,
		publisher:  publisher,
		playback:   io.Discard,
		dialer:     websocket.DefaultDialer,
		inputRate:  DefaultInputSampleRate,
		outputRate: DefaultOutputSampleRate,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Session) CreateSession(ctx context.Context) (call.Descriptor, error) {
	inputRate := s.inputRate
	if s.rateFn != nil {
		if r := s.rateFn(); r > 0 {
			inputRate = r
		}
	}

	info, err := s.client.CreateCall(ctx, inputRate, s.outputRate)
	if err != nil {
		return call.Descriptor{}, err
	}

	s.mu.Lock()
	s.callID = info.CallID
	s.mu.Unlock()

	return call.Descriptor{CallID: info.CallID, JoinTarget: info.JoinURL}, nil
}

// Connect dials the join URL and starts the reader. Status and transcript
// events for this connection are delivered in order from a single goroutine.
func (s *Session) Connect(ctx context.Context, joinURL string, l call.Listener) error {
	l.Status(call.Connecting, nil)

	conn, _, err := s.dialer.DialContext(ctx, joinURL, nil)
	if err != nil {
		return fmt.Errorf("dial join url: %w", err)
	}

	done := make(chan struct{})

	s.mu.Lock()
	if s.conn != nil {
		_ = s.conn.Close()
	}
	s.conn = conn
	s.readerDone = done
	s.active = false
	s.micMuted = false
	s.speakerMuted = false
	s.utterances = make(map[int]*transcript.Utterance)
	s.mu.Unlock()

	l.Status(call.Connected, nil)

	go s.readLoop(conn, l, done)
	return nil
}

// Leave closes the socket. Ultravox ends the call when its socket goes away.
// No status is reported for a local leave.
func (s *Session) Leave(ctx context.Context) error {
	s.mu.Lock()
	conn := s.conn
	done := s.readerDone
	s.conn = nil
	s.readerDone = nil
	s.mu.Unlock()

	if conn == nil {
		return nil
	}

	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}

	s.writeMu.Lock()
	closeErr := conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), deadline)
	s.writeMu.Unlock()
	_ = conn.Close()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	if closeErr != nil && !errors.Is(closeErr, websocket.ErrCloseSent) {
		return fmt.Errorf("send close: %w", closeErr)
	}
	return nil
}

func (s *Session) MuteMic() error       { return s.setMute(&s.micMuted, true) }
func (s *Session) UnmuteMic() error     { return s.setMute(&s.micMuted, false) }
func (s *Session) MuteSpeaker() error   { return s.setMute(&s.speakerMuted, true) }
func (s *Session) UnmuteSpeaker() error { return s.setMute(&s.speakerMuted, false) }

func (s *Session) setMute(flag *bool, muted bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return ErrNotConnected
	}
	*flag = muted
	return nil
}

func (s *Session) SendText(_ context.Context, text string) error {
	return s.writeJSON(map[string]any{
		"type": "input_text_message",
		"text": text,
	})
}

// AudioInput forwards microphone PCM to the agent. Audio is dropped while
// disconnected or muted.
func (s *Session) AudioInput() io.Writer {
	return micWriter{s: s}
}

type micWriter struct {
	s *Session
}

func (w micWriter) Write(p []byte) (int, error) {
	s := w.s
	s.mu.Lock()
	conn := s.conn
	muted := s.micMuted
	s.mu.Unlock()

	if conn == nil || muted || len(p) == 0 {
		return len(p), nil
	}

	s.writeMu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	err := conn.WriteMessage(websocket.BinaryMessage, p)
	s.writeMu.Unlock()
	if err != nil {
		slog.Debug("dropping microphone audio", "error", err)
	}
	return len(p), nil
}

func (s *Session) writeJSON(v any) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, payload)
}

func (s *Session) current(conn *websocket.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn == conn
}

type serverMessage struct {
	Type string `json:"type"`

	State string `json:"state,omitempty"`

	Role    string  `json:"role,omitempty"`
	Medium  string  `json:"medium,omitempty"`
	Text    *string `json:"text,omitempty"`
	Delta   *string `json:"delta,omitempty"`
	Final   bool    `json:"final,omitempty"`
	Ordinal int     `json:"ordinal,omitempty"`

	ToolName     string          `json:"toolName,omitempty"`
	InvocationID string          `json:"invocationId,omitempty"`
	Parameters   json.RawMessage `json:"parameters,omitempty"`
}

func (s *Session) readLoop(conn *websocket.Conn, l call.Listener, done chan struct{}) {
	defer close(done)

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			if !s.current(conn) {
				return
			}
			s.mu.Lock()
			s.conn = nil
			s.readerDone = nil
			s.mu.Unlock()
			_ = conn.Close()

			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				l.Status(call.Disconnected, nil)
			} else {
				l.Status(call.Error, err)
			}
			return
		}

		switch kind {
		case websocket.BinaryMessage:
			s.play(data)
		case websocket.TextMessage:
			s.handleMessage(conn, l, data)
		}
	}
}

func (s *Session) play(pcm []byte) {
	s.mu.Lock()
	muted := s.speakerMuted
	s.mu.Unlock()
	if muted {
		return
	}
	if _, err := s.playback.Write(pcm); err != nil {
		slog.Debug("agent audio playback failed", "error", err)
	}
}

func (s *Session) handleMessage(conn *websocket.Conn, l call.Listener, data []byte) {
	var msg serverMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		slog.Warn("invalid ultravox message", "error", err)
		return
	}

	switch msg.Type {
	case "state":
		s.mu.Lock()
		first := !s.active
		s.active = true
		s.mu.Unlock()
		if first {
			l.Status(call.Active, nil)
		}
	case "transcript":
		if utts, ok := s.applyTranscript(conn, msg); ok {
			l.Transcripts(utts)
		}
	case "client_tool_invocation":
		s.handleTool(msg)
	case "playback_clear_buffer", "call_started", "debug":
	default:
		slog.Debug("unhandled ultravox message", "type", msg.Type)
	}
}

// applyTranscript merges one transcript message into the per-ordinal set
// and returns the full current set in ordinal order.
func (s *Session) applyTranscript(conn *websocket.Conn, msg serverMessage) ([]transcript.Utterance, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != conn {
		return nil, false
	}

	u, ok := s.utterances[msg.Ordinal]
	if !ok {
		u = &transcript.Utterance{
			Speaker: speakerFor(msg.Role),
			Medium:  mediumFor(msg.Medium),
		}
		s.utterances[msg.Ordinal] = u
	}
	switch {
	case msg.Text != nil:
		u.Text = *msg.Text
	case msg.Delta != nil:
		u.Text += *msg.Delta
	}
	u.IsFinal = msg.Final

	ordinals := make([]int, 0, len(s.utterances))
	for ord := range s.utterances {
		ordinals = append(ordinals, ord)
	}
	sort.Ints(ordinals)

	out := make([]transcript.Utterance, 0, len(ordinals))
	for _, ord := range ordinals {
		out = append(out, *s.utterances[ord])
	}
	return out, true
}

func (s *Session) handleTool(msg serverMessage) {
	if msg.ToolName != hangUpTool {
		if err := s.writeJSON(map[string]any{
			"type":         "client_tool_result",
			"invocationId": msg.InvocationID,
			"errorType":    "undefined",
			"errorMessage": "unknown tool " + msg.ToolName,
		}); err != nil {
			slog.Warn("tool result failed", "tool", msg.ToolName, "error", err)
		}
		return
	}

	if err := s.writeJSON(map[string]any{
		"type":         "client_tool_result",
		"invocationId": msg.InvocationID,
		"result":       "Ending the call.",
		"responseType": "hang-up",
	}); err != nil {
		slog.Warn("tool result failed", "tool", msg.ToolName, "error", err)
	}

	s.mu.Lock()
	callID := s.callID
	s.mu.Unlock()

	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(bus.AgentRequestedHangup, bus.HangupPayload{CallID: callID}); err != nil {
		slog.Warn("publish hangup request failed", "call_id", callID, "error", err)
	}
}

func speakerFor(role string) transcript.Speaker {
	if role == "agent" {
		return transcript.Agent
	}
	return transcript.User
}

func mediumFor(medium string) transcript.Medium {
	if medium == "text" {
		return transcript.Text
	}
	return transcript.Voice
}
