// Package api provides HTTP handlers for the Two Truths & AI API.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jpoore/twotruths/internal/broadcast"
	"github.com/jpoore/twotruths/internal/config"
	"github.com/jpoore/twotruths/internal/store"
)

// Handler provides common handler utilities.
type Handler struct {
	repo store.Repository
	bc   *broadcast.Broadcaster
	cfg  *config.Config
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(repo store.Repository, bc *broadcast.Broadcaster, cfg *config.Config) *Handler {
	return &Handler{repo: repo, bc: bc, cfg: cfg}
}

// RegisterRoutes registers the game API routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/api/game_stream", h.HandleStream)
	r.Get("/api/trigger_new_round", h.HandleTrigger)
	r.Get("/api/session", h.HandleSessionGet)
	r.Post("/api/session", h.HandleSessionPost)
	r.Post("/api/round/answer", h.HandleAnswer)
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}
