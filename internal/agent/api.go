package agent

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/fanrelay/fanrelay/internal/cache"
	"github.com/fanrelay/fanrelay/internal/envelope"
	"github.com/fanrelay/fanrelay/internal/logging"
	"github.com/fanrelay/fanrelay/internal/normalize"
)

// apiResponse is the uniform local-API reply shape.
type apiResponse struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Handler returns the agent's local HTTP routes: cache reads for sibling
// processes and a snapshot-push trigger. Mounted on the bridge listener, so
// it is reachable on loopback only.
func (a *Agent) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/db/chats", a.handleGetChats)
	r.Get("/db/messages", a.handleGetMessages)
	r.Post("/push", a.handlePush)
	r.Post("/envelope", a.handleEnvelope)
	r.Post("/user-id", a.handleSetUserID)
	return r
}

// ackResponse is the reply shape for ingest-style endpoints.
type ackResponse struct {
	OK     bool   `json:"ok"`
	Reason string `json:"reason,omitempty"`
}

func (a *Agent) handleGetChats(w http.ResponseWriter, r *http.Request) {
	chats, err := a.store.GetAll(cache.TableChats)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, apiResponse{Success: false, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, apiResponse{Success: true, Data: normalize.Chats(chats)})
}

func (a *Agent) handleGetMessages(w http.ResponseWriter, r *http.Request) {
	messages, err := a.store.GetAll(cache.TableMessages)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, apiResponse{Success: false, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, apiResponse{Success: true, Data: normalize.Messages(messages)})
}

func (a *Agent) handlePush(w http.ResponseWriter, r *http.Request) {
	a.SendSnapshot()
	writeJSON(w, http.StatusOK, apiResponse{Success: true})
}

func (a *Agent) handleEnvelope(w http.ResponseWriter, r *http.Request) {
	var env envelope.Envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil || !env.Valid() {
		writeJSON(w, http.StatusBadRequest, ackResponse{OK: false})
		return
	}
	a.HandleEnvelope("api", env)
	writeJSON(w, http.StatusOK, ackResponse{OK: true})
}

func (a *Agent) handleSetUserID(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"userId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ackResponse{OK: false, Reason: "invalid request body"})
		return
	}
	if !a.SetUserID(req.UserID) {
		writeJSON(w, http.StatusBadRequest, ackResponse{OK: false, Reason: "user id must be a non-empty numeric string"})
		return
	}
	writeJSON(w, http.StatusOK, ackResponse{OK: true})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Errorf("[Agent] Failed to write API response: %v", err)
	}
}
