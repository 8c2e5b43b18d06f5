// Package hub fans server events out to the live channel connections of a
// room. Each connection carries the user's filter flag; a flagged message
// is delivered to filtering connections as a redaction notice instead of
// ciphertext.
package hub

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ShreyashUmrao/Encrypted-Chat/internal/metrics"
	"github.com/ShreyashUmrao/Encrypted-Chat/internal/models"
)

// HiddenNote is the system note delivered in place of a filtered message.
const HiddenNote = "Message hidden due to your filter setting."

// Conn is the write side of one channel connection. Implementations must
// be safe for concurrent WriteJSON calls.
type Conn interface {
	WriteJSON(v any) error
}

// messageFrame is the clear delivery of a broadcast message.
type messageFrame struct {
	Type         string  `json:"type"`
	ID           string  `json:"id"`
	FromUserID   int64   `json:"from_user_id"`
	FromUsername string  `json:"from_username"`
	Ciphertext   string  `json:"ciphertext"`
	IsToxic      bool    `json:"is_toxic"`
	Prob         float64 `json:"prob"`
	Timestamp    string  `json:"timestamp"`
}

// hiddenFrame is the redacted delivery: note only, no sender identity.
type hiddenFrame struct {
	Type string `json:"type"`
	ID   string `json:"id"`
	Note string `json:"note"`
}

// presenceFrame announces a member going online or offline.
type presenceFrame struct {
	Event  string `json:"event"`
	User   string `json:"user"`
	Status string `json:"status"`
}

// typingFrame relays typing state between members.
type typingFrame struct {
	Event    string `json:"event"`
	From     string `json:"from"`
	IsTyping bool   `json:"is_typing"`
}

// Member is one registered connection in one room.
type Member struct {
	conn     Conn
	userID   int64
	username string
	filter   bool
}

// Hub is the room -> connections registry.
type Hub struct {
	log zerolog.Logger

	mu    sync.Mutex
	rooms map[string]map[*Member]struct{}
}

// New creates an empty hub.
func New(log zerolog.Logger) *Hub {
	return &Hub{
		log:   log,
		rooms: make(map[string]map[*Member]struct{}),
	}
}

// Join registers a connection in a room with the user's current filter
// flag and returns its membership handle.
func (h *Hub) Join(roomID string, conn Conn, userID int64, username string, filter bool) *Member {
	m := &Member{conn: conn, userID: userID, username: username, filter: filter}

	h.mu.Lock()
	if h.rooms[roomID] == nil {
		h.rooms[roomID] = make(map[*Member]struct{})
	}
	h.rooms[roomID][m] = struct{}{}
	h.mu.Unlock()

	metrics.ChannelConnections.Inc()
	return m
}

// Leave removes a connection from a room.
func (h *Hub) Leave(roomID string, m *Member) {
	h.mu.Lock()
	if conns, ok := h.rooms[roomID]; ok {
		if _, present := conns[m]; present {
			delete(conns, m)
			metrics.ChannelConnections.Dec()
		}
		if len(conns) == 0 {
			delete(h.rooms, roomID)
		}
	}
	h.mu.Unlock()
}

// SetFilter updates the live filter flag on every connection the user has
// in the room, so a toggle takes effect without a reconnect.
func (h *Hub) SetFilter(roomID string, userID int64, enabled bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for m := range h.rooms[roomID] {
		if m.userID == userID {
			m.filter = enabled
		}
	}
}

// BroadcastMessage delivers a stored message to every connection in the
// room. Filtering connections receive a redaction notice for flagged
// messages; everyone else receives the ciphertext.
func (h *Hub) BroadcastMessage(roomID string, msg *models.StoredMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for m := range h.rooms[roomID] {
		if err := writeMessage(m, m.filter, msg); err != nil {
			h.log.Debug().Str("room", roomID).Int64("user", m.userID).Err(err).Msg("broadcast write failed")
		}
	}
}

// ReplayTo delivers stored messages to a single member, applying the same
// filter redaction as a live broadcast. Used for the since-cursor replay
// on join. The filter flag is snapshotted once; a toggle racing the replay
// takes effect from the next delivery on.
func (h *Hub) ReplayTo(m *Member, msgs []models.StoredMessage) {
	h.mu.Lock()
	filter := m.filter
	h.mu.Unlock()

	for i := range msgs {
		if err := writeMessage(m, filter, &msgs[i]); err != nil {
			h.log.Debug().Int64("user", m.userID).Err(err).Msg("replay write failed")
			return
		}
	}
}

func writeMessage(m *Member, filter bool, msg *models.StoredMessage) error {
	if msg.Toxic && filter {
		metrics.MessagesBroadcast.WithLabelValues("hidden").Inc()
		return m.conn.WriteJSON(hiddenFrame{
			Type: "message_hidden",
			ID:   msg.ID,
			Note: HiddenNote,
		})
	}
	metrics.MessagesBroadcast.WithLabelValues("clear").Inc()
	return m.conn.WriteJSON(messageFrame{
		Type:         "message",
		ID:           msg.ID,
		FromUserID:   msg.SenderID,
		FromUsername: msg.Sender,
		Ciphertext:   msg.Ciphertext,
		IsToxic:      msg.Toxic,
		Prob:         msg.Prob,
		Timestamp:    msg.Timestamp.UTC().Format(time.RFC3339Nano),
	})
}

// BroadcastPresence announces a member's online/offline status to the room.
func (h *Hub) BroadcastPresence(roomID, username, status string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for m := range h.rooms[roomID] {
		_ = m.conn.WriteJSON(presenceFrame{Event: "presence", User: username, Status: status})
	}
}

// BroadcastTyping relays a typing signal to everyone in the room except
// the sender.
func (h *Hub) BroadcastTyping(roomID string, sender *Member, isTyping bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for m := range h.rooms[roomID] {
		if m == sender {
			continue
		}
		_ = m.conn.WriteJSON(typingFrame{Event: "typing", From: sender.username, IsTyping: isTyping})
	}
}
