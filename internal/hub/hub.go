// Package hub is the backend the agent connects to: one websocket endpoint
// shared by extension and frontend clients, a pub/sub core routing frames
// between them, and an HTTP command path back toward the extension. The hub
// persists nothing; it acknowledges, routes and rate-limits.
package hub

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/fanrelay/fanrelay/internal/config"
	"github.com/fanrelay/fanrelay/internal/envelope"
	"github.com/fanrelay/fanrelay/internal/events"
	"github.com/fanrelay/fanrelay/internal/logging"
	"github.com/fanrelay/fanrelay/internal/wire"
)

// Version is reported in connection acks and status responses.
const Version = "1.1.0"

const (
	clientExtension = "extension"
	clientFrontend  = "frontend"
)

// Hub routes frames between connected clients.
type Hub struct {
	cfg config.HubConfig
	bus *events.Bus

	upgrader websocket.Upgrader

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	counts   map[string]int

	started time.Time
}

// New creates a hub from its config section.
func New(cfg config.HubConfig) *Hub {
	return &Hub{
		cfg: cfg,
		bus: events.NewBus(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		limiters: make(map[string]*rate.Limiter),
		counts:   make(map[string]int),
		started:  time.Now(),
	}
}

// Bus exposes the routing core, mainly for tests.
func (h *Hub) Bus() *events.Bus {
	return h.bus
}

// Handler returns the hub's full HTTP surface.
func (h *Hub) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", h.handleHealth)
	r.Get("/api/status", h.handleStatus)
	r.Get("/api/ws/{clientType}/{userID}", h.serveWS)
	r.Post("/api/command/{userID}", h.handleCommand)
	return r
}

func (h *Hub) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (h *Hub) handleStatus(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	counts := make(map[string]int, len(h.counts))
	for k, v := range h.counts {
		counts[k] = v
	}
	h.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"version":     Version,
		"uptime":      time.Since(h.started).Round(time.Second).String(),
		"connections": counts,
	})
}

// handleCommand accepts a backend-issued command and publishes it toward
// the user's extension connection. Commands are rate-limited per user.
func (h *Hub) handleCommand(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if !h.limiter(userID).Allow() {
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"success": false, "error": "command rate exceeded",
		})
		return
	}

	var cmd envelope.Command
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"success": false, "error": "undecodable command",
		})
		return
	}
	if !cmd.Valid() {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"success": false, "error": "invalid command shape",
		})
		return
	}

	frame, err := wire.NewMessage(wire.TypeCommandToExecute, cmd)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"success": false, "error": err.Error(),
		})
		return
	}
	h.bus.Publish(events.ExtensionTopic(userID), frame)
	logging.Infof("[Hub] Command %s queued for user %s", cmd.Action, userID)
	writeJSON(w, http.StatusAccepted, map[string]any{"success": true})
}

func (h *Hub) limiter(userID string) *rate.Limiter {
	h.mu.Lock()
	defer h.mu.Unlock()
	lim, ok := h.limiters[userID]
	if !ok {
		perMinute := h.cfg.CommandRate
		if perMinute <= 0 {
			perMinute = 60
		}
		lim = rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), 5)
		h.limiters[userID] = lim
	}
	return lim
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
