package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"regexp"

	"github.com/propvoice/voice-agent/internal/call"
)

const maxRequestBody = 64 << 10

var eventNamePattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_.-]*$`)

// CallController is the call surface exposed over HTTP.
type CallController interface {
	Start(ctx context.Context) error
	End(ctx context.Context)
	Close(ctx context.Context)
	Retry(ctx context.Context) error
	ToggleMic(ctx context.Context) (bool, error)
	ToggleSpeaker(ctx context.Context) (bool, error)
	SendText(ctx context.Context, text string) error
	Snapshot() call.Snapshot
}

type Publisher interface {
	Publish(name string, payload any) error
}

func registerCallRoutes(mux *http.ServeMux, controls ControlHooks) {
	calls := controls.Calls
	if calls == nil {
		return
	}

	mux.HandleFunc("GET /api/call", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, calls.Snapshot())
	})

	// Calls outlive the request that started them.
	mux.HandleFunc("POST /api/call/start", func(w http.ResponseWriter, r *http.Request) {
		writeCallResult(w, calls, calls.Start(context.WithoutCancel(r.Context())))
	})

	mux.HandleFunc("POST /api/call/retry", func(w http.ResponseWriter, r *http.Request) {
		writeCallResult(w, calls, calls.Retry(context.WithoutCancel(r.Context())))
	})

	mux.HandleFunc("POST /api/call/end", func(w http.ResponseWriter, r *http.Request) {
		calls.End(r.Context())
		writeJSON(w, http.StatusOK, calls.Snapshot())
	})

	mux.HandleFunc("POST /api/call/close", func(w http.ResponseWriter, r *http.Request) {
		calls.Close(r.Context())
		writeJSON(w, http.StatusOK, calls.Snapshot())
	})

	mux.HandleFunc("POST /api/call/mic", func(w http.ResponseWriter, r *http.Request) {
		_, err := calls.ToggleMic(r.Context())
		writeCallResult(w, calls, err)
	})

	mux.HandleFunc("POST /api/call/speaker", func(w http.ResponseWriter, r *http.Request) {
		_, err := calls.ToggleSpeaker(r.Context())
		writeCallResult(w, calls, err)
	})

	mux.HandleFunc("POST /api/call/text", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Text string `json:"text"`
		}
		if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(&body); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid json body")
			return
		}
		if body.Text == "" {
			writeJSONError(w, http.StatusBadRequest, "text is required")
			return
		}
		writeCallResult(w, calls, calls.SendText(r.Context(), body.Text))
	})

}

func registerEventRoutes(mux *http.ServeMux, publisher Publisher) {
	if publisher == nil {
		return
	}

	mux.HandleFunc("POST /api/events/{name}", func(w http.ResponseWriter, r *http.Request) {
		name := r.PathValue("name")
		if !eventNamePattern.MatchString(name) {
			writeJSONError(w, http.StatusBadRequest, "invalid event name")
			return
		}

		raw, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "read body failed")
			return
		}
		var payload json.RawMessage
		if len(raw) > 0 {
			if !json.Valid(raw) {
				writeJSONError(w, http.StatusBadRequest, "invalid json body")
				return
			}
			payload = raw
		}

		if err := publisher.Publish(name, payload); err != nil {
			writeJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})
}

// writeCallResult replies with the current snapshot, mapping controller
// errors to a status code.
func writeCallResult(w http.ResponseWriter, calls CallController, err error) {
	snap := calls.Snapshot()
	if err == nil {
		writeJSON(w, http.StatusOK, snap)
		return
	}

	var te *call.TransportError
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, call.ErrInvalidState):
		status = http.StatusConflict
	case errors.Is(err, call.ErrPermissionDenied):
		status = http.StatusForbidden
	case errors.Is(err, call.ErrNoInputDevice):
		status = http.StatusServiceUnavailable
	case errors.As(err, &te):
		status = http.StatusBadGateway
	}

	writeJSON(w, status, map[string]any{
		"error": err.Error(),
		"call":  snap,
	})
}
