package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ShreyashUmrao/Encrypted-Chat/internal/api/middleware"
	"github.com/ShreyashUmrao/Encrypted-Chat/internal/crypto"
	"github.com/ShreyashUmrao/Encrypted-Chat/internal/metrics"
)

// serverDecryptFailedText marks a history record the server itself could
// not decrypt; the client still receives the ciphertext and may do better.
const serverDecryptFailedText = "[decryption_error]"

// KeyResponse is the key provisioning response.
type KeyResponse struct {
	ChatID       string `json:"chat_id"`
	SymmetricKey string `json:"symmetric_key"`
	UserFilter   bool   `json:"user_filter"`
}

// GetKey provisions the room's symmetric key for the caller, minting one
// on the room's first access, along with the caller's filter setting.
func (h *Handler) GetKey(w http.ResponseWriter, r *http.Request) {
	claims := middleware.ClaimsFromContext(r.Context())
	if claims == nil {
		h.Error(w, http.StatusUnauthorized, "authentication required")
		return
	}
	uid, _ := claims.UserID()
	roomID := chi.URLParam(r, "roomID")

	key, err := h.store.RoomKey(r.Context(), roomID)
	if err != nil {
		h.log.Error().Str("room", roomID).Err(err).Msg("room key fetch failed")
		h.Error(w, http.StatusInternalServerError, "failed to provision room key")
		return
	}

	filter, err := h.store.Filter(r.Context(), uid, roomID)
	if err != nil {
		h.log.Error().Str("room", roomID).Err(err).Msg("filter setting fetch failed")
		h.Error(w, http.StatusInternalServerError, "failed to read filter setting")
		return
	}

	h.JSON(w, http.StatusOK, KeyResponse{
		ChatID:       roomID,
		SymmetricKey: key,
		UserFilter:   filter,
	})
}

// HistoryMessage is one backlog record: the ciphertext plus the server's
// own decryption for clients that want pre-decoded text.
type HistoryMessage struct {
	ID         string  `json:"id"`
	From       string  `json:"from"`
	SenderID   int64   `json:"sender_id"`
	Text       string  `json:"text"`
	Ciphertext string  `json:"ciphertext"`
	Toxic      bool    `json:"toxic"`
	Prob       float64 `json:"prob"`
	Timestamp  string  `json:"timestamp"`
}

// HistoryResponse is the history endpoint response.
type HistoryResponse struct {
	ChatID        string           `json:"chat_id"`
	FilterEnabled bool             `json:"filter_enabled"`
	Messages      []HistoryMessage `json:"messages"`
}

// GetHistory returns the room backlog in chronological order. With the
// caller's filter enabled, flagged messages are omitted entirely.
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	claims := middleware.ClaimsFromContext(r.Context())
	if claims == nil {
		h.Error(w, http.StatusUnauthorized, "authentication required")
		return
	}
	uid, _ := claims.UserID()
	roomID := chi.URLParam(r, "roomID")

	filter, err := h.store.Filter(r.Context(), uid, roomID)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to read filter setting")
		return
	}

	keyB64, err := h.store.RoomKey(r.Context(), roomID)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to provision room key")
		return
	}
	key := decodeKey(keyB64)

	msgs, err := h.store.History(r.Context(), roomID, filter, h.historyLimit)
	if err != nil {
		h.log.Error().Str("room", roomID).Err(err).Msg("history fetch failed")
		h.Error(w, http.StatusInternalServerError, "failed to read history")
		return
	}

	out := make([]HistoryMessage, 0, len(msgs))
	for _, msg := range msgs {
		text, derr := crypto.Decrypt(key, msg.Ciphertext)
		if derr != nil {
			text = serverDecryptFailedText
		}
		out = append(out, HistoryMessage{
			ID:         msg.ID,
			From:       msg.Sender,
			SenderID:   msg.SenderID,
			Text:       text,
			Ciphertext: msg.Ciphertext,
			Toxic:      msg.Toxic,
			Prob:       msg.Prob,
			Timestamp:  msg.Timestamp.UTC().Format(time.RFC3339Nano),
		})
	}

	h.JSON(w, http.StatusOK, HistoryResponse{
		ChatID:        roomID,
		FilterEnabled: filter,
		Messages:      out,
	})
}

// FilterResponse is the filter toggle response.
type FilterResponse struct {
	ChatID        string `json:"chat_id"`
	FilterEnabled bool   `json:"filter_enabled"`
}

// SetFilter stores the caller's filter setting for the room and pushes the
// new flag to any live connections, so a toggle needs no reconnect.
func (h *Handler) SetFilter(w http.ResponseWriter, r *http.Request) {
	claims := middleware.ClaimsFromContext(r.Context())
	if claims == nil {
		h.Error(w, http.StatusUnauthorized, "authentication required")
		return
	}
	uid, _ := claims.UserID()
	roomID := chi.URLParam(r, "roomID")

	enabled, err := strconv.ParseBool(r.URL.Query().Get("enabled"))
	if err != nil {
		h.Error(w, http.StatusBadRequest, "enabled must be true or false")
		return
	}

	newState, err := h.store.SetFilter(r.Context(), uid, roomID, enabled)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to store filter setting")
		return
	}
	h.hub.SetFilter(roomID, uid, newState)
	metrics.FilterToggles.Inc()

	h.JSON(w, http.StatusOK, FilterResponse{
		ChatID:        roomID,
		FilterEnabled: newState,
	})
}
