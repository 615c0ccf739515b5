package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/mcdev12/arena/go/internal/contest/auth"
	"github.com/mcdev12/arena/go/internal/contest/contest"
	"github.com/mcdev12/arena/go/internal/models"
	"github.com/rs/zerolog/log"
)

// WebSocketHandler handles websocket upgrade requests for contest sessions
type WebSocketHandler struct {
	registry *Registry
}

// NewWebSocketHandler creates a new websocket handler
func NewWebSocketHandler(r *Registry) *WebSocketHandler {
	return &WebSocketHandler{registry: r}
}

// HandleContestConnection upgrades the request. A token query parameter
// authenticates the session during the handshake; otherwise the client sends
// an authenticate message after connecting.
func (h *WebSocketHandler) HandleContestConnection(w http.ResponseWriter, r *http.Request) {
	var identity *auth.Identity
	if token := r.URL.Query().Get("token"); token != "" {
		id, err := h.registry.verifier.Verify(token)
		if err != nil {
			log.Warn().Err(err).Msg("rejected websocket handshake token")
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		identity = &id
	}

	if _, err := h.registry.UpgradeConnection(w, r, identity); err != nil {
		// the upgrader has already written an HTTP error
		log.Error().Err(err).Msg("failed to upgrade websocket connection")
	}
}

// HandleConnectionStats returns statistics about active sessions
func (h *WebSocketHandler) HandleConnectionStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.registry.Stats())
}

// RegisterRoutes registers websocket routes with an HTTP mux
func (h *WebSocketHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws/contest", h.HandleContestConnection)
	mux.HandleFunc("GET /ws/stats", h.HandleConnectionStats)
}

// ContestState is the public timing state of a contest. Clients use
// ServerTime to correct their local countdown.
type ContestState struct {
	ContestID        uuid.UUID            `json:"contest_id"`
	Name             string               `json:"name"`
	Status           models.ContestStatus `json:"status"`
	StartTime        time.Time            `json:"start_time"`
	EndTime          time.Time            `json:"end_time"`
	FreezeStart      *time.Time           `json:"freeze_start,omitempty"`
	ServerTime       time.Time            `json:"server_time"`
	RemainingSeconds int64                `json:"remaining_sec"`
	Frozen           bool                 `json:"frozen"`
	CanJoin          bool                 `json:"can_join"`
	Participants     int                  `json:"participants"`
	Sessions         int                  `json:"sessions"`
}

// StateProvider supplies contest state for the HTTP endpoints.
type StateProvider interface {
	ContestState(ctx context.Context, contestID uuid.UUID) (*ContestState, error)
}

// StateHandler handles HTTP requests for contest state
type StateHandler struct {
	stateProvider StateProvider
}

// NewStateHandler creates a new state handler
func NewStateHandler(provider StateProvider) *StateHandler {
	return &StateHandler{stateProvider: provider}
}

// HandleGetContestState handles GET /api/contests/{id}/state
func (h *StateHandler) HandleGetContestState(w http.ResponseWriter, r *http.Request) {
	contestID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, "invalid contest ID format", http.StatusBadRequest)
		return
	}

	state, err := h.stateProvider.ContestState(r.Context(), contestID)
	if errors.Is(err, contest.ErrContestNotFound) {
		http.Error(w, "contest not found", http.StatusNotFound)
		return
	}
	if err != nil {
		log.Error().Err(err).Str("contest_id", contestID.String()).Msg("failed to get contest state")
		http.Error(w, "failed to get contest state", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// HandleHealth reports liveness
func (h *StateHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// RegisterRoutes registers state routes with an HTTP mux
func (h *StateHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/contests/{id}/state", h.HandleGetContestState)
	mux.HandleFunc("GET /health", h.HandleHealth)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}
