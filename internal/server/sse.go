package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
)

// Hub fans reload notifications out to connected Server-Sent Events clients.
type Hub struct {
	mu      sync.Mutex
	clients map[chan struct{}]struct{}
	closed  bool
	done    chan struct{}
	logger  *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients: make(map[chan struct{}]struct{}),
		done:    make(chan struct{}),
		logger:  logger,
	}
}

// Broadcast asks every connected client to reload and returns how many were
// notified. Clients that already have a reload pending are not queued twice.
func (h *Hub) Broadcast() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	n := 0
	for clientChan := range h.clients {
		select {
		case clientChan <- struct{}{}:
			n++
		default:
		}
	}
	return n
}

// Clients returns the number of open streams.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close ends every stream and refuses new ones. Safe to call twice.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	close(h.done)
}

func (h *Hub) register() (chan struct{}, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, false
	}
	clientChan := make(chan struct{}, 1)
	h.clients[clientChan] = struct{}{}
	return clientChan, true
}

func (h *Hub) unregister(clientChan chan struct{}) {
	h.mu.Lock()
	delete(h.clients, clientChan)
	h.mu.Unlock()
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	clientChan, ok := h.register()
	if !ok {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}
	defer h.unregister(clientChan)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	if _, err := fmt.Fprintf(w, "data: connected\n\n"); err != nil {
		return
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-h.done:
			return
		case <-clientChan:
			if _, err := fmt.Fprintf(w, "data: reload\n\n"); err != nil {
				h.logger.Debug("Live reload client went away", "remote", r.RemoteAddr, "error", err)
				return
			}
			flusher.Flush()
		}
	}
}

// ClientScript returns the snippet pages include to reload on broadcast.
func ClientScript(path string) string {
	return `<script>(function(){var es=new EventSource(` + strconv.Quote(path) +
		`);es.onmessage=function(e){if(e.data==="reload"){es.close();location.reload();}};})();</script>`
}
