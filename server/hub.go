package server

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"sequence_doc_generator/sequence"
)

// Hub fans session events out to SSE subscribers and WebSocket clients,
// keyed by (project, session). Slow consumers drop events instead of
// blocking the runner.
type Hub struct {
	mu       sync.Mutex
	subs     map[string]map[chan sequence.Event]struct{}
	logger   *log.Logger
	upgrader websocket.Upgrader
}

func NewHub(logger *log.Logger) *Hub {
	if logger == nil {
		logger = log.Default()
	}
	return &Hub{
		subs:   make(map[string]map[chan sequence.Event]struct{}),
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
			HandshakeTimeout: 10 * time.Second,
			CheckOrigin:      func(*http.Request) bool { return true },
		},
	}
}

func hubKey(project, session string) string { return project + ":" + session }

// Subscribe registers a listener for one session. The returned cancel must
// be called when the listener goes away.
func (h *Hub) Subscribe(project, session string) (<-chan sequence.Event, func()) {
	ch := make(chan sequence.Event, 16)
	key := hubKey(project, session)
	h.mu.Lock()
	if h.subs[key] == nil {
		h.subs[key] = make(map[chan sequence.Event]struct{})
	}
	h.subs[key][ch] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if set, ok := h.subs[key]; ok {
			if _, ok := set[ch]; ok {
				delete(set, ch)
				close(ch)
			}
			if len(set) == 0 {
				delete(h.subs, key)
			}
		}
	}
	return ch, cancel
}

// Broadcast delivers an event to every listener of its session.
func (h *Hub) Broadcast(ev sequence.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs[hubKey(ev.Project, ev.Session)] {
		select {
		case ch <- ev:
		default:
		}
	}
}

// ServeSSE streams session events as text/event-stream until the client
// disconnects.
func (h *Hub) ServeSSE(w http.ResponseWriter, r *http.Request, project, session string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher.Flush()

	events, cancel := h.Subscribe(project, session)
	defer cancel()
	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case ev := <-events:
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, payload)
			flusher.Flush()
		}
	}
}

// ServeWS upgrades the connection and pushes session events until the
// client leaves.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, project, session string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Printf("[hub] websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	events, cancel := h.Subscribe(project, session)
	defer cancel()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case ev := <-events:
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		}
	}
}
