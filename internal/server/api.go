package server

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/propvoice/voice-agent/internal/storage"
	"github.com/propvoice/voice-agent/internal/transcript"
)

var callIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

type CallStore interface {
	GetCallsByDate(date string) ([]storage.Call, error)
	GetCall(id string) (storage.Call, error)
	GetUtterances(callID string) ([]transcript.Entry, error)
	GetDates() ([]string, error)
}

func registerAPIRoutes(mux *http.ServeMux, store CallStore, controls ControlHooks) {
	mux.HandleFunc("GET /api/calls", func(w http.ResponseWriter, r *http.Request) {
		date := r.URL.Query().Get("date")
		if date == "" {
			date = time.Now().UTC().Format("2006-01-02")
		}

		calls, err := store.GetCallsByDate(date)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("list calls: %v", err))
			return
		}
		if calls == nil {
			calls = []storage.Call{}
		}

		writeJSON(w, http.StatusOK, calls)
	})

	mux.HandleFunc("GET /api/calls/{id}", func(w http.ResponseWriter, r *http.Request) {
		callID := r.PathValue("id")
		if !validCallID(callID) {
			writeJSONError(w, http.StatusForbidden, "invalid call id")
			return
		}

		callData, err := store.GetCall(callID)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, os.ErrNotExist) || errors.Is(err, sql.ErrNoRows) {
				status = http.StatusNotFound
			}
			writeJSONError(w, status, fmt.Sprintf("get call: %v", err))
			return
		}

		utterances, err := store.GetUtterances(callID)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("get call utterances: %v", err))
			return
		}
		if utterances == nil {
			utterances = []transcript.Entry{}
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"call":       callData,
			"utterances": utterances,
		})
	})

	mux.HandleFunc("GET /api/calls/{id}/audio", func(w http.ResponseWriter, r *http.Request) {
		callID := r.PathValue("id")
		if !validCallID(callID) {
			writeJSONError(w, http.StatusForbidden, "invalid call id")
			return
		}

		callData, err := store.GetCall(callID)
		if err != nil {
			writeJSONError(w, http.StatusNotFound, "call not found")
			return
		}

		if callData.AudioPath == "" {
			writeJSONError(w, http.StatusNotFound, "audio not available")
			return
		}

		cleanPath := filepath.Clean(callData.AudioPath)
		if cleanPath == "" || cleanPath == "." || strings.Contains(cleanPath, "..") {
			writeJSONError(w, http.StatusForbidden, "invalid audio path")
			return
		}

		f, err := os.Open(cleanPath)
		if err != nil {
			writeJSONError(w, http.StatusNotFound, "audio file not found")
			return
		}
		defer func() { _ = f.Close() }()

		info, err := f.Stat()
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("stat audio: %v", err))
			return
		}

		w.Header().Set("Accept-Ranges", "bytes")
		w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
		w.Header().Set("Content-Type", contentTypeForAudio(cleanPath))
		http.ServeContent(w, r, filepath.Base(cleanPath), info.ModTime(), f)
	})

	mux.HandleFunc("GET /api/dates", func(w http.ResponseWriter, r *http.Request) {
		dates, err := store.GetDates()
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("get dates: %v", err))
			return
		}
		if dates == nil {
			dates = []string{}
		}
		writeJSON(w, http.StatusOK, dates)
	})

	mux.HandleFunc("GET /api/status", func(w http.ResponseWriter, r *http.Request) {
		var warnings []string
		if controls.Warnings != nil {
			warnings = controls.Warnings()
		}
		if warnings == nil {
			warnings = []string{}
		}

		resp := map[string]any{"warnings": warnings}
		if controls.Calls != nil {
			snap := controls.Calls.Snapshot()
			resp["state"] = snap.State
			resp["resourcesLive"] = snap.ResourcesLive
		}
		writeJSON(w, http.StatusOK, resp)
	})
}

func validCallID(id string) bool {
	return callIDPattern.MatchString(id)
}

func contentTypeForAudio(path string) string {
	ext := filepath.Ext(path)
	switch ext {
	case ".mp3":
		return "audio/mpeg"
	case ".wav":
		return "audio/wav"
	default:
		return "application/octet-stream"
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
