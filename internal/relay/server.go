package relay

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/andresmejia3/vitals/internal/publish"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Relay receives encoded readings, keeps the latest one per session and
// forwards every valid payload to the hub.
type Relay struct {
	Hub *Hub
	// Healthy reports upstream connectivity for /healthz. Nil means always healthy.
	Healthy func() bool

	received atomic.Int64
	invalid  atomic.Int64

	mu     sync.RWMutex // also serialises Broadcast
	latest map[string]publish.Message
}

// New returns a relay with an empty hub.
func New() *Relay {
	return &Relay{
		Hub:    NewHub(),
		latest: make(map[string]publish.Message),
	}
}

// Handle processes one payload from the broker.
func (r *Relay) Handle(data []byte) {
	r.received.Add(1)
	m, err := publish.Decode(data)
	if err != nil {
		r.invalid.Add(1)
		slog.Warn("dropping malformed reading", "error", err, "size", len(data))
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.latest[m.Session] = m
	r.Hub.Broadcast(data)

	slog.Debug("reading relayed",
		"session", m.Session,
		"bpm", m.BPM,
		"clients", r.Hub.Len())
}

// Latest returns the last reading seen for a session.
func (r *Relay) Latest(session string) (publish.Message, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.latest[session]
	return m, ok
}

// Router exposes /ws, /healthz, /metrics and /sessions/{id}/latest.
func (r *Relay) Router() http.Handler {
	mux := chi.NewRouter()

	mux.Use(middleware.Logger)
	mux.Use(middleware.Recoverer)

	mux.Get("/ws", r.serveWS)
	mux.Get("/healthz", r.serveHealth)
	mux.Get("/metrics", r.serveMetrics)
	mux.Get("/sessions/{id}/latest", r.serveLatest)

	return mux
}

func (r *Relay) serveWS(w http.ResponseWriter, req *http.Request) {
	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "error", err, "remote", req.RemoteAddr)
		return
	}
	r.Hub.add(conn)
	slog.Info("client connected", "remote", req.RemoteAddr, "clients", r.Hub.Len())
	defer func() {
		r.Hub.remove(conn)
		conn.Close()
		slog.Info("client disconnected", "remote", req.RemoteAddr, "clients", r.Hub.Len())
	}()

	// Clients never send data; reading only detects the close.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}

func (r *Relay) serveHealth(w http.ResponseWriter, req *http.Request) {
	if r.Healthy != nil && !r.Healthy() {
		http.Error(w, "upstream disconnected", http.StatusServiceUnavailable)
		return
	}
	fmt.Fprintln(w, "ok")
}

func (r *Relay) serveMetrics(w http.ResponseWriter, req *http.Request) {
	r.mu.RLock()
	sessions := len(r.latest)
	r.mu.RUnlock()

	fmt.Fprintf(w, "messages %d\n", r.received.Load())
	fmt.Fprintf(w, "invalid %d\n", r.invalid.Load())
	fmt.Fprintf(w, "sessions %d\n", sessions)
	fmt.Fprintf(w, "clients %d\n", r.Hub.Len())
}

func (r *Relay) serveLatest(w http.ResponseWriter, req *http.Request) {
	m, ok := r.Latest(chi.URLParam(req, "id"))
	if !ok {
		http.Error(w, "no readings for session", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(m); err != nil {
		slog.Error("failed to write reading", "error", err)
	}
}
