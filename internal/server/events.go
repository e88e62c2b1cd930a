package server

import (
	"encoding/json"
	"time"

	"github.com/propvoice/voice-agent/internal/call"
	"github.com/propvoice/voice-agent/internal/transcript"
)

const EventVersion = 1

type Event struct {
	Type      string `json:"type"`
	Version   int    `json:"version"`
	Timestamp string `json:"timestamp"`
}

type CallStateEvent struct {
	Event
	call.Snapshot
}

type TranscriptEvent struct {
	Event
	Log      []transcript.Entry `json:"log"`
	Speaking string             `json:"speaking,omitempty"`
}

type AudioLevelEvent struct {
	Event
	Level int `json:"level"`
}

type SummaryReadyEvent struct {
	Event
	CallID  string `json:"call_id"`
	Summary string `json:"summary"`
	Status  string `json:"status"`
}

// BusEvent mirrors an event bus message to websocket clients.
type BusEvent struct {
	Event
	ID      string          `json:"id"`
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type ConnectionEvent struct {
	Event
	Connected bool `json:"connected"`
}

// InboundMessage is what websocket clients send to publish on the bus.
type InboundMessage struct {
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func newEvent(eventType string, now time.Time) Event {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	return Event{
		Type:      eventType,
		Version:   EventVersion,
		Timestamp: now.UTC().Format(time.RFC3339Nano),
	}
}
