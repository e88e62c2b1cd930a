package ultravox

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/propvoice/voice-agent/internal/bus"
	"github.com/propvoice/voice-agent/internal/call"
	"github.com/propvoice/voice-agent/internal/transcript"
)

type fakeUltravox struct {
	t        *testing.T
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	created  []map[string]any
	apiKeys  []string
	paths    []string
	conn     *websocket.Conn
	received [][]byte
	binary   [][]byte
	connC    chan struct{}
}

func newFakeUltravox(t *testing.T) *fakeUltravox {
	t.Helper()

	f := &fakeUltravox{t: t, connC: make(chan struct{}, 1)}
	mux := http.NewServeMux()
	create := func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		f.created = append(f.created, body)
		f.apiKeys = append(f.apiKeys, r.Header.Get("X-API-Key"))
		f.paths = append(f.paths, r.URL.Path)
		f.mu.Unlock()

		join := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/join"
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"callId": "uv-1", "joinUrl": join})
	}
	mux.HandleFunc("POST /api/calls", create)
	mux.HandleFunc("POST /api/agents/{id}/calls", create)
	mux.HandleFunc("GET /api/calls/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") != "uv-1" {
			http.Error(w, `{"detail":"Not found."}`, http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"callId": "uv-1", "endReason": "hangup"})
	})
	mux.HandleFunc("DELETE /api/calls/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("GET /join", func(w http.ResponseWriter, r *http.Request) {
		conn, err := f.upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		f.mu.Lock()
		f.conn = conn
		f.mu.Unlock()
		f.connC <- struct{}{}

		for {
			kind, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			f.mu.Lock()
			if kind == websocket.BinaryMessage {
				f.binary = append(f.binary, data)
			} else {
				f.received = append(f.received, data)
			}
			f.mu.Unlock()
		}
	})

	f.server = httptest.NewServer(mux)
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeUltravox) waitConn() *websocket.Conn {
	f.t.Helper()
	select {
	case <-f.connC:
	case <-time.After(2 * time.Second):
		f.t.Fatal("client never connected")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conn
}

func (f *fakeUltravox) send(conn *websocket.Conn, v any) {
	f.t.Helper()
	if err := conn.WriteJSON(v); err != nil {
		f.t.Fatalf("server write: %v", err)
	}
}

func (f *fakeUltravox) textMessages() []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]map[string]any, 0, len(f.received))
	for _, raw := range f.received {
		var m map[string]any
		_ = json.Unmarshal(raw, &m)
		out = append(out, m)
	}
	return out
}

type listenerLog struct {
	mu          sync.Mutex
	states      []call.State
	errs        []error
	transcripts [][]transcript.Utterance
}

func (l *listenerLog) listener() call.Listener {
	return call.Listener{
		Status: func(s call.State, err error) {
			l.mu.Lock()
			defer l.mu.Unlock()
			l.states = append(l.states, s)
			l.errs = append(l.errs, err)
		},
		Transcripts: func(utts []transcript.Utterance) {
			l.mu.Lock()
			defer l.mu.Unlock()
			l.transcripts = append(l.transcripts, utts)
		},
	}
}

func (l *listenerLog) snapshot() ([]call.State, [][]transcript.Utterance) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]call.State(nil), l.states...), append([][]transcript.Utterance(nil), l.transcripts...)
}

type syncBuffer struct {
	mu  sync.Mutex
	buf []byte
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *syncBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buf)
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func connectSession(t *testing.T, f *fakeUltravox, opts ...SessionOption) (*Session, *websocket.Conn, *listenerLog, *bus.Bus) {
	t.Helper()

	b := bus.New()
	s := NewSession(NewClient("key-123", WithBaseURL(f.server.URL)), b, opts...)

	desc, err := s.CreateSession(context.Background())
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if desc.CallID != "uv-1" {
		t.Fatalf("call id = %q", desc.CallID)
	}

	log := &listenerLog{}
	if err := s.Connect(context.Background(), desc.JoinTarget, log.listener()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	conn := f.waitConn()
	t.Cleanup(func() { _ = s.Leave(context.Background()) })
	return s, conn, log, b
}

func TestCreateSessionRequest(t *testing.T) {
	f := newFakeUltravox(t)
	c := NewClient("key-123", WithBaseURL(f.server.URL+"/"), WithAgent("agent-7"), WithRecording(true))
	s := NewSession(c, nil, WithSampleRates(48000, 24000))

	if _, err := s.CreateSession(context.Background()); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.paths[0] != "/api/agents/agent-7/calls" {
		t.Fatalf("path = %q", f.paths[0])
	}
	if f.apiKeys[0] != "key-123" {
		t.Fatalf("api key = %q", f.apiKeys[0])
	}
	body := f.created[0]
	if body["recordingEnabled"] != true {
		t.Fatalf("recordingEnabled = %v", body["recordingEnabled"])
	}
	medium := body["medium"].(map[string]any)["serverWebSocket"].(map[string]any)
	if medium["inputSampleRate"] != float64(48000) || medium["outputSampleRate"] != float64(24000) {
		t.Fatalf("medium = %v", medium)
	}
}

func TestCreateSessionUsesLiveCaptureRate(t *testing.T) {
	f := newFakeUltravox(t)
	c := NewClient("key", WithBaseURL(f.server.URL))

	rate := 0
	s := NewSession(c, nil, WithInputRate(func() int { return rate }))

	if _, err := s.CreateSession(context.Background()); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	rate = 44100
	if _, err := s.CreateSession(context.Background()); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	inputRate := func(i int) any {
		return f.created[i]["medium"].(map[string]any)["serverWebSocket"].(map[string]any)["inputSampleRate"]
	}
	if got := inputRate(0); got != float64(DefaultInputSampleRate) {
		t.Fatalf("input rate without live capture = %v", got)
	}
	if got := inputRate(1); got != float64(44100) {
		t.Fatalf("input rate with live capture = %v", got)
	}
}

func TestCreateCallAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad key", http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := NewClient("nope", WithBaseURL(srv.URL)).CreateCall(context.Background(), 0, 0)
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error = %v, want APIError", err)
	}
	if apiErr.StatusCode != http.StatusUnauthorized || apiErr.Body != "bad key" {
		t.Fatalf("api error = %+v", apiErr)
	}
}

func TestGetAndDeleteCall(t *testing.T) {
	f := newFakeUltravox(t)
	c := NewClient("key", WithBaseURL(f.server.URL))

	info, err := c.GetCall(context.Background(), "uv-1")
	if err != nil {
		t.Fatalf("GetCall() error = %v", err)
	}
	if info.EndReason != "hangup" {
		t.Fatalf("end reason = %q", info.EndReason)
	}

	if _, err := c.GetCall(context.Background(), "missing"); err == nil {
		t.Fatal("expected error for missing call")
	}
	if err := c.DeleteCall(context.Background(), "uv-1"); err != nil {
		t.Fatalf("DeleteCall() error = %v", err)
	}
}

func TestConnectReportsStatesInOrder(t *testing.T) {
	f := newFakeUltravox(t)
	_, conn, log, _ := connectSession(t, f)

	f.send(conn, map[string]any{"type": "state", "state": "listening"})
	f.send(conn, map[string]any{"type": "state", "state": "speaking"})

	eventually(t, func() bool {
		states, _ := log.snapshot()
		return len(states) >= 3
	})
	states, _ := log.snapshot()
	want := []call.State{call.Connecting, call.Connected, call.Active}
	if len(states) != len(want) {
		t.Fatalf("states = %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("states = %v, want %v", states, want)
		}
	}
}

func TestTranscriptsAccumulateByOrdinal(t *testing.T) {
	f := newFakeUltravox(t)
	_, conn, log, _ := connectSession(t, f)

	f.send(conn, map[string]any{"type": "transcript", "role": "agent", "medium": "voice", "delta": "Hello ", "ordinal": 0})
	f.send(conn, map[string]any{"type": "transcript", "role": "agent", "medium": "voice", "delta": "there", "ordinal": 0})
	f.send(conn, map[string]any{"type": "transcript", "role": "user", "medium": "text", "text": "Hi, villas please", "final": true, "ordinal": 1})
	f.send(conn, map[string]any{"type": "transcript", "role": "agent", "medium": "voice", "text": "Hello there!", "final": true, "ordinal": 0})

	eventually(t, func() bool {
		_, ts := log.snapshot()
		return len(ts) == 4
	})
	_, ts := log.snapshot()

	if got := ts[1][0].Text; got != "Hello there" {
		t.Fatalf("accumulated delta = %q", got)
	}

	last := ts[3]
	if len(last) != 2 {
		t.Fatalf("utterances = %+v", last)
	}
	if last[0].Speaker != transcript.Agent || last[0].Text != "Hello there!" || !last[0].IsFinal {
		t.Fatalf("agent utterance = %+v", last[0])
	}
	if last[1].Speaker != transcript.User || last[1].Medium != transcript.Text {
		t.Fatalf("user utterance = %+v", last[1])
	}
}

func TestAgentAudioPlaybackRespectsSpeakerMute(t *testing.T) {
	f := newFakeUltravox(t)
	playback := &syncBuffer{}
	s, conn, log, _ := connectSession(t, f, WithPlayback(playback))

	if err := conn.WriteMessage(websocket.BinaryMessage, make([]byte, 320)); err != nil {
		t.Fatalf("write: %v", err)
	}
	eventually(t, func() bool { return playback.Len() == 320 })

	if err := s.MuteSpeaker(); err != nil {
		t.Fatalf("MuteSpeaker() error = %v", err)
	}
	_ = conn.WriteMessage(websocket.BinaryMessage, make([]byte, 320))
	f.send(conn, map[string]any{"type": "transcript", "role": "agent", "text": "Hi", "ordinal": 0})
	eventually(t, func() bool {
		_, ts := log.snapshot()
		return len(ts) == 1
	})

	if playback.Len() != 320 {
		t.Fatalf("muted speaker still played audio: %d bytes", playback.Len())
	}
}

func TestMicAudioForwardedUnlessMuted(t *testing.T) {
	f := newFakeUltravox(t)
	s, _, _, _ := connectSession(t, f)

	in := s.AudioInput()
	if _, err := in.Write([]byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("write: %v", err)
	}
	eventually(t, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		return len(f.binary) == 1
	})

	if err := s.MuteMic(); err != nil {
		t.Fatalf("MuteMic() error = %v", err)
	}
	n, err := in.Write([]byte{5, 6})
	if err != nil || n != 2 {
		t.Fatalf("muted write = %d, %v", n, err)
	}
	if err := s.SendText(context.Background(), "marker"); err != nil {
		t.Fatalf("SendText() error = %v", err)
	}
	eventually(t, func() bool { return len(f.textMessages()) == 1 })

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.binary) != 1 {
		t.Fatalf("muted mic audio forwarded: %d frames", len(f.binary))
	}
}

func TestSendTextMessage(t *testing.T) {
	f := newFakeUltravox(t)
	s, _, _, _ := connectSession(t, f)

	if err := s.SendText(context.Background(), "Show me villas"); err != nil {
		t.Fatalf("SendText() error = %v", err)
	}
	eventually(t, func() bool { return len(f.textMessages()) == 1 })

	msg := f.textMessages()[0]
	if msg["type"] != "input_text_message" || msg["text"] != "Show me villas" {
		t.Fatalf("message = %v", msg)
	}
}

func TestHangUpToolPublishesRequest(t *testing.T) {
	f := newFakeUltravox(t)
	_, conn, _, b := connectSession(t, f)

	got := make(chan bus.HangupPayload, 1)
	b.Subscribe(bus.AgentRequestedHangup, func(e bus.Event) {
		p, _ := bus.Decode[bus.HangupPayload](e)
		got <- p
	})

	f.send(conn, map[string]any{"type": "client_tool_invocation", "toolName": "hangUp", "invocationId": "inv-1", "parameters": map[string]any{}})

	select {
	case p := <-got:
		if p.CallID != "uv-1" {
			t.Fatalf("hangup call id = %q", p.CallID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("hangup request not published")
	}

	eventually(t, func() bool { return len(f.textMessages()) == 1 })
	res := f.textMessages()[0]
	if res["type"] != "client_tool_result" || res["invocationId"] != "inv-1" || res["responseType"] != "hang-up" {
		t.Fatalf("tool result = %v", res)
	}
}

func TestRemoteCloseReportsDisconnected(t *testing.T) {
	f := newFakeUltravox(t)
	s, conn, log, _ := connectSession(t, f)

	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "call ended"))

	eventually(t, func() bool {
		states, _ := log.snapshot()
		return states[len(states)-1] == call.Disconnected
	})
	if err := s.SendText(context.Background(), "late"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("SendText() after close error = %v", err)
	}
}

func TestAbruptCloseReportsError(t *testing.T) {
	f := newFakeUltravox(t)
	_, conn, log, _ := connectSession(t, f)

	_ = conn.UnderlyingConn().Close()

	eventually(t, func() bool {
		states, _ := log.snapshot()
		return states[len(states)-1] == call.Error
	})
}

func TestLeaveIsSilentAndIdempotent(t *testing.T) {
	f := newFakeUltravox(t)
	s, _, log, _ := connectSession(t, f)

	if err := s.Leave(context.Background()); err != nil {
		t.Fatalf("Leave() error = %v", err)
	}
	if err := s.Leave(context.Background()); err != nil {
		t.Fatalf("second Leave() error = %v", err)
	}

	states, _ := log.snapshot()
	if states[len(states)-1] != call.Connected {
		t.Fatalf("local leave reported status: %v", states)
	}
	if err := s.MuteMic(); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("MuteMic() after leave error = %v", err)
	}
}
