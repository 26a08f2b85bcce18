package progress

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

const subscriberBuffer = 16

// Hub fans import-job events out to per-user subscribers and remembers the
// last event per user so a reconnecting client resumes from current state
// instead of a blank screen.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[chan Event]struct{}
	last map[string]Event
	log  *log.Logger
}

// NewHub creates a Hub.
func NewHub(logger *log.Logger) *Hub {
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &Hub{
		subs: make(map[string]map[chan Event]struct{}),
		last: make(map[string]Event),
		log:  logger.With("component", "progress"),
	}
}

// Publish delivers an event to every subscriber of the user and records it
// as the user's last event. Slow subscribers are skipped rather than blocked;
// they catch up from the last-event replay on reconnect.
func (h *Hub) Publish(userID string, ev Event) {
	h.mu.Lock()
	h.last[userID] = ev
	targets := make([]chan Event, 0, len(h.subs[userID]))
	for ch := range h.subs[userID] {
		targets = append(targets, ch)
	}
	h.mu.Unlock()

	for _, ch := range targets {
		select {
		case ch <- ev:
		default:
			h.log.Warn("dropping progress event for slow subscriber", "user", userID)
		}
	}
}

// Subscribe registers a new subscriber for the user. The user's last event,
// if any, is replayed immediately. The returned cancel function must be
// called when the subscriber goes away.
func (h *Hub) Subscribe(userID string) (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	h.mu.Lock()
	if h.subs[userID] == nil {
		h.subs[userID] = make(map[chan Event]struct{})
	}
	h.subs[userID][ch] = struct{}{}
	if last, ok := h.last[userID]; ok {
		ch <- last
	}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		if set, ok := h.subs[userID]; ok {
			delete(set, ch)
			if len(set) == 0 {
				delete(h.subs, userID)
			}
		}
		h.mu.Unlock()
	}
	return ch, cancel
}

// Last returns the most recent event published for the user.
func (h *Hub) Last(userID string) (Event, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ev, ok := h.last[userID]
	return ev, ok
}

// ServeSSE streams the user's events over a server-sent-events response
// until a terminal event is sent or the client disconnects. Disconnecting
// never affects the running job.
func (h *Hub) ServeSSE(w http.ResponseWriter, r *http.Request, userID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	events, cancel := h.Subscribe(userID)
	defer cancel()

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case ev := <-events:
			data, err := json.Marshal(ev)
			if err != nil {
				h.log.Error("encoding progress event", "err", err)
				return
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
			if ev.Terminal() {
				return
			}
		}
	}
}
