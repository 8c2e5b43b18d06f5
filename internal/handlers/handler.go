package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/ShreyashUmrao/Encrypted-Chat/internal/auth"
	"github.com/ShreyashUmrao/Encrypted-Chat/internal/hub"
	"github.com/ShreyashUmrao/Encrypted-Chat/internal/moderation"
	"github.com/ShreyashUmrao/Encrypted-Chat/internal/store"
)

// Handler contains shared dependencies for all HTTP handlers.
type Handler struct {
	store        store.Store
	hub          *hub.Hub
	classifier   *moderation.Classifier
	verifier     *auth.Verifier
	log          zerolog.Logger
	historyLimit int
}

// NewHandler creates a Handler with the given dependencies.
func NewHandler(st store.Store, h *hub.Hub, cls *moderation.Classifier, v *auth.Verifier, log zerolog.Logger, historyLimit int) *Handler {
	return &Handler{
		store:        st,
		hub:          h,
		classifier:   cls,
		verifier:     v,
		log:          log,
		historyLimit: historyLimit,
	}
}

// JSON sends a JSON response with the given status code.
func (h *Handler) JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// Error sends a JSON error response with the given status code.
func (h *Handler) Error(w http.ResponseWriter, status int, message string) {
	h.JSON(w, status, map[string]string{"error": message})
}
