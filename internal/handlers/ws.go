package handlers

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/ShreyashUmrao/Encrypted-Chat/internal/crypto"
	"github.com/ShreyashUmrao/Encrypted-Chat/internal/metrics"
	"github.com/ShreyashUmrao/Encrypted-Chat/internal/models"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The token in the URI is the authentication; origin is not part of
	// the protocol's trust model.
	CheckOrigin: func(*http.Request) bool { return true },
}

// wsConn serializes writes to one websocket connection so hub broadcasts
// and replay cannot interleave frames.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *wsConn) WriteJSON(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteJSON(v)
}

// inboundFrame covers everything a client sends on the channel.
type inboundFrame struct {
	Ciphertext string `json:"ciphertext"`
	Event      string `json:"event"`
	IsTyping   bool   `json:"is_typing"`
}

// ChatSocket is the live channel endpoint. Authentication rides in the
// token query parameter; a bad token closes the connection with policy
// violation. An optional since parameter replays stored messages newer
// than the given id before live delivery.
func (h *Handler) ChatSocket(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	claims, err := h.verifier.Verify(r.URL.Query().Get("token"))
	if err != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "invalid token"),
			time.Now().Add(time.Second))
		return
	}
	uid, _ := claims.UserID()
	username := claims.Subject

	keyB64, err := h.store.RoomKey(r.Context(), roomID)
	if err != nil {
		h.log.Error().Str("room", roomID).Err(err).Msg("room key fetch failed")
		return
	}
	key := decodeKey(keyB64)

	filter, err := h.store.Filter(r.Context(), uid, roomID)
	if err != nil {
		h.log.Error().Str("room", roomID).Err(err).Msg("filter setting fetch failed")
		return
	}

	wc := &wsConn{conn: conn}
	member := h.hub.Join(roomID, wc, uid, username, filter)
	defer func() {
		h.hub.Leave(roomID, member)
		h.hub.BroadcastPresence(roomID, username, "offline")
	}()

	h.hub.BroadcastPresence(roomID, username, "online")

	if since := r.URL.Query().Get("since"); since != "" {
		missed, err := h.store.MessagesSince(r.Context(), roomID, since, h.historyLimit)
		if err != nil {
			h.log.Error().Str("room", roomID).Err(err).Msg("replay fetch failed")
		} else if len(missed) > 0 {
			h.hub.ReplayTo(member, missed)
		}
	}

	log := h.log.With().Str("room", roomID).Int64("user", uid).Logger()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug().Err(err).Msg("channel read ended")
			}
			return
		}

		var frame inboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			log.Debug().Err(err).Msg("dropping malformed frame")
			continue
		}

		if frame.Event == "typing" {
			h.hub.BroadcastTyping(roomID, member, frame.IsTyping)
			continue
		}
		if frame.Ciphertext == "" {
			continue
		}

		// Decrypt transiently for classification only; the plaintext is
		// never persisted.
		plaintext, derr := crypto.Decrypt(key, frame.Ciphertext)
		if derr != nil {
			metrics.InboundDecryptFailures.Inc()
			log.Debug().Err(derr).Msg("inbound ciphertext did not decrypt")
			plaintext = ""
		}
		toxic, prob := h.classifier.Score(h.classifier.Clean(plaintext))

		msg := &models.StoredMessage{
			RoomID:     roomID,
			SenderID:   uid,
			Sender:     username,
			Ciphertext: frame.Ciphertext,
			Toxic:      toxic,
			Prob:       prob,
		}
		if err := h.store.AppendMessage(r.Context(), msg); err != nil {
			log.Error().Err(err).Msg("message persist failed")
			continue
		}
		metrics.MessagesStored.Inc()

		h.hub.BroadcastMessage(roomID, msg)
	}
}

// decodeKey decodes a stored base64 room key. Stored keys are minted by
// the store itself, so a decode failure means corrupted state; the zero
// key makes every decrypt fail loudly rather than silently.
func decodeKey(b64 string) []byte {
	key, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil
	}
	return key
}
