package server

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const maxInboundMessage = 64 << 10

var upgrader = websocket.Upgrader{
	CheckOrigin: sameOrigin,
}

func registerWSRoute(mux *http.ServeMux, hub *Hub, publisher Publisher) {
	mux.HandleFunc("GET /ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("ws upgrade error: %v", err)
			return
		}
		defer func() { _ = conn.Close() }()

		connectionEvent := ConnectionEvent{
			Event:     newEvent("connection", time.Now().UTC()),
			Connected: true,
		}
		payload, err := json.Marshal(connectionEvent)
		if err == nil {
			_ = conn.WriteMessage(websocket.TextMessage, payload)
		}

		ch := hub.Subscribe()
		defer hub.Unsubscribe(ch)

		done := make(chan struct{})
		go readInbound(conn, publisher, done)

		for {
			select {
			case msg := <-ch:
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	})
}

// readInbound publishes client messages on the bus until the socket fails.
func readInbound(conn *websocket.Conn, publisher Publisher, done chan struct{}) {
	defer close(done)
	conn.SetReadLimit(maxInboundMessage)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var msg InboundMessage
		if err := json.Unmarshal(data, &msg); err != nil || msg.Name == "" {
			log.Printf("ws inbound message ignored: %s", truncate(data, 120))
			continue
		}
		if publisher == nil {
			continue
		}
		if err := publisher.Publish(msg.Name, msg.Payload); err != nil {
			log.Printf("ws publish %s error: %v", msg.Name, err)
		}
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
