package server

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/propvoice/voice-agent/internal/bus"
	"github.com/propvoice/voice-agent/internal/call"
	"github.com/propvoice/voice-agent/internal/transcript"
)

// DefaultLevelRate caps audio_level broadcasts per second. The meter ticks
// far faster than clients need.
const DefaultLevelRate = 15

type Hub struct {
	mu      sync.RWMutex
	clients map[chan []byte]struct{}

	levels *rate.Limiter
}

func NewHub() *Hub {
	return NewHubWithLevelRate(DefaultLevelRate)
}

func NewHubWithLevelRate(perSecond float64) *Hub {
	return &Hub{
		clients: make(map[chan []byte]struct{}),
		levels:  rate.NewLimiter(rate.Limit(perSecond), 1),
	}
}

func (h *Hub) Subscribe() chan []byte {
	ch := make(chan []byte, 64)
	h.mu.Lock()
	h.clients[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *Hub) Unsubscribe(ch chan []byte) {
	h.mu.Lock()
	delete(h.clients, ch)
	h.mu.Unlock()
	close(ch)
}

func (h *Hub) Broadcast(msg []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for ch := range h.clients {
		select {
		case ch <- msg:
		default:
		}
	}
}

func (h *Hub) BroadcastCallState(s call.Snapshot) {
	h.broadcastEvent(CallStateEvent{
		Event:    newEvent("call_state", time.Now().UTC()),
		Snapshot: s,
	})
}

func (h *Hub) BroadcastTranscript(entries []transcript.Entry, speaking string) {
	if entries == nil {
		entries = []transcript.Entry{}
	}
	h.broadcastEvent(TranscriptEvent{
		Event:    newEvent("transcript", time.Now().UTC()),
		Log:      entries,
		Speaking: speaking,
	})
}

// BroadcastAudioLevel is throttled, except that a zero level always goes
// out so meters drop when the microphone is released.
func (h *Hub) BroadcastAudioLevel(level int) {
	if level != 0 && !h.levels.Allow() {
		return
	}
	h.broadcastEvent(AudioLevelEvent{
		Event: newEvent("audio_level", time.Now().UTC()),
		Level: level,
	})
}

func (h *Hub) BroadcastSummaryReady(callID, summary, status string) {
	h.broadcastEvent(SummaryReadyEvent{
		Event:   newEvent("summary_ready", time.Now().UTC()),
		CallID:  callID,
		Summary: summary,
		Status:  status,
	})
}

func (h *Hub) BroadcastBusEvent(e bus.Event) {
	h.broadcastEvent(BusEvent{
		Event:   newEvent("bus", e.Timestamp),
		ID:      e.ID,
		Name:    e.Name,
		Payload: e.Payload,
	})
}

func (h *Hub) broadcastEvent(event any) {
	payload, err := json.Marshal(event)
	if err != nil {
		log.Printf("event marshal error: %v", err)
		return
	}
	h.Broadcast(payload)
}
