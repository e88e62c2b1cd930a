package server

import (
	"encoding/json"
	"io"
	"io/fs"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/propvoice/voice-agent/internal/storage"
	"github.com/propvoice/voice-agent/internal/transcript"
)

type apiStoreStub struct {
	callsByDate map[string][]storage.Call
	calls       map[string]storage.Call
	utterances  map[string][]transcript.Entry
	dates       []string
}

func (s apiStoreStub) GetCallsByDate(date string) ([]storage.Call, error) {
	return s.callsByDate[date], nil
}

func (s apiStoreStub) GetCall(id string) (storage.Call, error) {
	if c, ok := s.calls[id]; ok {
		return c, nil
	}
	return storage.Call{}, os.ErrNotExist
}

func (s apiStoreStub) GetUtterances(callID string) ([]transcript.Entry, error) {
	return s.utterances[callID], nil
}

func (s apiStoreStub) GetDates() ([]string, error) {
	return s.dates, nil
}

func testStaticFS(t *testing.T) fs.FS {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "index.html"), []byte("<html>ok</html>"), 0o644); err != nil {
		t.Fatalf("write index.html failed: %v", err)
	}
	return os.DirFS(dir)
}

func TestAPICallsList(t *testing.T) {
	started := time.Date(2026, 2, 26, 10, 0, 0, 0, time.UTC)
	store := apiStoreStub{
		callsByDate: map[string][]storage.Call{
			"2026-02-26": {{ID: "c1", StartedAt: started, Status: storage.CallEnded, SummaryStatus: storage.SummaryCompleted}},
		},
	}

	h, err := Handler(testStaticFS(t), NewHub(), store, ControlHooks{})
	if err != nil {
		t.Fatalf("Handler failed: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/calls?date=2026-02-26", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if got := rr.Header().Get("Content-Type"); !strings.Contains(got, "application/json") {
		t.Fatalf("expected application/json content-type, got %q", got)
	}
	if !strings.Contains(rr.Body.String(), "c1") {
		t.Fatalf("expected body to contain call id, got %s", rr.Body.String())
	}
}

func TestAPICallsListEmptyIsArray(t *testing.T) {
	h, err := Handler(testStaticFS(t), NewHub(), apiStoreStub{}, ControlHooks{})
	if err != nil {
		t.Fatalf("Handler failed: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/calls?date=2020-01-01", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if strings.TrimSpace(rr.Body.String()) != "[]" {
		t.Fatalf("expected empty array, got %s", rr.Body.String())
	}
}

func TestAPICallDetail(t *testing.T) {
	started := time.Date(2026, 2, 26, 10, 0, 0, 0, time.UTC)
	store := apiStoreStub{
		calls: map[string]storage.Call{
			"c1": {ID: "c1", StartedAt: started, Summary: "buyer wants villas", SummaryStatus: storage.SummaryCompleted},
		},
		utterances: map[string][]transcript.Entry{
			"c1": {{Speaker: transcript.User, Text: "villas in Jumeirah", Medium: transcript.Voice, Final: true, Timestamp: started}},
		},
	}

	h, err := Handler(testStaticFS(t), NewHub(), store, ControlHooks{})
	if err != nil {
		t.Fatalf("Handler failed: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/calls/c1", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}

	var got struct {
		Call       storage.Call       `json:"call"`
		Utterances []transcript.Entry `json:"utterances"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&got); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if got.Call.Summary != "buyer wants villas" || len(got.Utterances) != 1 {
		t.Fatalf("unexpected detail: %+v", got)
	}
}

func TestAPICallDetailNotFound(t *testing.T) {
	h, err := Handler(testStaticFS(t), NewHub(), apiStoreStub{}, ControlHooks{})
	if err != nil {
		t.Fatalf("Handler failed: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/calls/missing", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", rr.Code)
	}
}

func TestAPIAudioRange(t *testing.T) {
	root := t.TempDir()
	audioFile := "audio.mp3"
	if err := os.WriteFile(filepath.Join(root, audioFile), []byte(strings.Repeat("a", 4096)), 0o644); err != nil {
		t.Fatalf("write audio file failed: %v", err)
	}
	t.Chdir(root)

	store := apiStoreStub{
		calls: map[string]storage.Call{
			"c1": {ID: "c1", AudioPath: audioFile},
		},
	}

	h, err := Handler(testStaticFS(t), NewHub(), store, ControlHooks{})
	if err != nil {
		t.Fatalf("Handler failed: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/calls/c1/audio", nil)
	req.Header.Set("Range", "bytes=0-1023")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusPartialContent {
		t.Fatalf("expected status 206, got %d", rr.Code)
	}
	if rr.Header().Get("Accept-Ranges") != "bytes" {
		t.Fatalf("expected Accept-Ranges bytes, got %q", rr.Header().Get("Accept-Ranges"))
	}
	if rr.Header().Get("Content-Type") != "audio/mpeg" {
		t.Fatalf("expected audio/mpeg, got %q", rr.Header().Get("Content-Type"))
	}
}

func TestAPIAudioNotRecorded(t *testing.T) {
	store := apiStoreStub{calls: map[string]storage.Call{"c1": {ID: "c1"}}}

	h, err := Handler(testStaticFS(t), NewHub(), store, ControlHooks{})
	if err != nil {
		t.Fatalf("Handler failed: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/calls/c1/audio", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", rr.Code)
	}
}

func TestAPIAudioPathTraversalBlocked(t *testing.T) {
	store := apiStoreStub{
		calls: map[string]storage.Call{
			"c1": {ID: "c1", AudioPath: "../../etc/passwd"},
		},
	}

	h, err := Handler(testStaticFS(t), NewHub(), store, ControlHooks{})
	if err != nil {
		t.Fatalf("Handler failed: %v", err)
	}

	for _, target := range []string{"/api/calls/%2e%2e%2f%2e%2e%2fetc%2fpasswd/audio", "/api/calls/c1/audio"} {
		req := httptest.NewRequest(http.MethodGet, target, nil)
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)

		if rr.Code != http.StatusForbidden && rr.Code != http.StatusNotFound {
			body, _ := io.ReadAll(rr.Body)
			t.Fatalf("%s: expected forbidden/notfound for traversal, got %d body=%s", target, rr.Code, string(body))
		}
	}
}

func TestAPIDates(t *testing.T) {
	store := apiStoreStub{dates: []string{"2026-02-26", "2026-02-25"}}

	h, err := Handler(testStaticFS(t), NewHub(), store, ControlHooks{})
	if err != nil {
		t.Fatalf("Handler failed: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/dates", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "2026-02-26") {
		t.Fatalf("expected date in response, got %s", rr.Body.String())
	}
}

func TestAPIStatusWithWarnings(t *testing.T) {
	calls := &callStub{}
	h, err := Handler(testStaticFS(t), NewHub(), apiStoreStub{}, ControlHooks{
		Calls: calls,
		Warnings: func() []string {
			return []string{"Ultravox API key not configured"}
		},
	})
	if err != nil {
		t.Fatalf("Handler failed: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}

	body := rr.Body.String()
	if !strings.Contains(body, `"state":"idle"`) {
		t.Fatalf("expected idle state in response, got %s", body)
	}
	if !strings.Contains(body, "Ultravox API key not configured") {
		t.Fatalf("expected warning message in response, got %s", body)
	}
}

func TestAPIStatusNoWarnings(t *testing.T) {
	h, err := Handler(testStaticFS(t), NewHub(), apiStoreStub{}, ControlHooks{})
	if err != nil {
		t.Fatalf("Handler failed: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}

	body := rr.Body.String()
	if !strings.Contains(body, `"warnings":[]`) {
		t.Fatalf("expected empty warnings array in response, got %s", body)
	}
}

func TestSPAFallback(t *testing.T) {
	h, err := Handler(testStaticFS(t), NewHub(), apiStoreStub{}, ControlHooks{})
	if err != nil {
		t.Fatalf("Handler failed: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/listings/dubai-marina", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "ok") {
		t.Fatalf("expected index.html fallback, got %d %s", rr.Code, rr.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/api/unknown", nil)
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown api path, got %d", rr.Code)
	}
}

func TestHandlerRequiresIndex(t *testing.T) {
	if _, err := Handler(os.DirFS(t.TempDir()), NewHub(), apiStoreStub{}, ControlHooks{}); err == nil {
		t.Fatal("expected error for assets without index.html")
	}
}

func TestSPAServesAssetsAndRoot(t *testing.T) {
	fsys := testStaticFS(t)
	h, err := Handler(fsys, NewHub(), apiStoreStub{}, ControlHooks{})
	if err != nil {
		t.Fatalf("Handler failed: %v", err)
	}

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "ok") {
		t.Fatalf("expected index at root, got %d %s", rr.Code, rr.Body.String())
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/missing.js", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for missing asset, got %d", rr.Code)
	}
}
