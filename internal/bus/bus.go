// Package bus is the named publish/subscribe channel between the voice core
// and the rest of the application. Delivery is synchronous and
// fire-and-forget: Publish returns once every listener has run.
package bus

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

var ErrEmptyName = errors.New("event name is required")

// Event is a single dispatch. Payload is the JSON encoding of whatever the
// producer published.
type Event struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

type Handler func(Event)

type subscription struct {
	id      int
	name    string
	handler Handler
}

type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   []subscription
}

func New() *Bus {
	return &Bus{}
}

// Subscribe registers h for events called name. The returned func removes
// the subscription and is safe to call more than once.
func (b *Bus) Subscribe(name string, h Handler) func() {
	return b.add(name, h)
}

// SubscribeAll registers h for every event regardless of name.
func (b *Bus) SubscribeAll(h Handler) func() {
	return b.add("", h)
}

func (b *Bus) add(name string, h Handler) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscription{id: id, name: name, handler: h})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(id) })
	}
}

func (b *Bus) remove(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, sub := range b.subs {
		if sub.id == id {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return
		}
	}
}

// Publish encodes payload and invokes every matching listener in
// subscription order. A panicking listener is logged and does not stop
// delivery to the rest.
func (b *Bus) Publish(name string, payload any) error {
	if name == "" {
		return ErrEmptyName
	}

	var raw json.RawMessage
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode %s payload: %w", name, err)
		}
		raw = encoded
	}

	event := Event{
		ID:        uuid.NewString(),
		Name:      name,
		Payload:   raw,
		Timestamp: time.Now().UTC(),
	}

	b.mu.RLock()
	targets := make([]Handler, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.name == "" || sub.name == name {
			targets = append(targets, sub.handler)
		}
	}
	b.mu.RUnlock()

	for _, h := range targets {
		dispatch(h, event)
	}
	return nil
}

func dispatch(h Handler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("bus listener panicked", "event", event.Name, "panic", r)
		}
	}()
	h(event)
}

// Decode unmarshals the payload of e into T.
func Decode[T any](e Event) (T, error) {
	var out T
	if len(e.Payload) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(e.Payload, &out); err != nil {
		return out, fmt.Errorf("decode %s payload: %w", e.Name, err)
	}
	return out, nil
}
