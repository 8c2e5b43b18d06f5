package client

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/ShreyashUmrao/Encrypted-Chat/internal/crypto"
)

// ChannelState is the live channel's connection state.
type ChannelState int32

const (
	ChannelConnecting ChannelState = iota
	ChannelOpen
	ChannelClosed
)

func (s ChannelState) String() string {
	switch s {
	case ChannelConnecting:
		return "connecting"
	case ChannelOpen:
		return "open"
	case ChannelClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// inboundFrame covers every frame shape the server emits. Type selects the
// kind; unmatched frames are dropped without terminating the connection.
type inboundFrame struct {
	Type         string `json:"type"`
	ID           string `json:"id"`
	FromUserID   *int64 `json:"from_user_id"`
	FromUsername string `json:"from_username"`
	Ciphertext   string `json:"ciphertext"`
	Note         string `json:"note"`
	Timestamp    string `json:"timestamp"`
}

// outboundFrame is the only frame the client sends besides typing events.
type outboundFrame struct {
	Ciphertext string `json:"ciphertext"`
}

// typingFrame signals typing state to other room members.
type typingFrame struct {
	Event    string `json:"event"`
	IsTyping bool   `json:"is_typing"`
}

// Channel is a live bidirectional connection to one room, bound to the
// session key it was dialed with. Inbound frames are decoded, decrypted and
// delivered in order on Events; the channel never re-dials on its own.
type Channel struct {
	key []byte
	log zerolog.Logger

	mu    sync.Mutex
	state ChannelState
	conn  *websocket.Conn

	events chan Message
	done   chan struct{}
}

// DialChannel opens the room's live channel using the client's token and
// the session key for inbound decryption. since, when non-empty, asks the
// server to replay stored messages newer than that id before going live.
func (c *Client) DialChannel(ctx context.Context, roomID string, key []byte, since string) (*Channel, error) {
	ch := &Channel{
		key:    key,
		log:    c.Logger.With().Str("room", roomID).Logger(),
		state:  ChannelConnecting,
		events: make(chan Message, 64),
		done:   make(chan struct{}),
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, c.channelURL(roomID, since), nil)
	if err != nil {
		ch.mu.Lock()
		ch.state = ChannelClosed
		ch.mu.Unlock()
		close(ch.events)
		close(ch.done)
		return nil, &NetworkError{Op: "channel dial", Err: err}
	}

	ch.mu.Lock()
	ch.conn = conn
	ch.state = ChannelOpen
	ch.mu.Unlock()

	go ch.readLoop()
	return ch, nil
}

// Events delivers decoded inbound messages in arrival order. The channel
// is closed when the connection ends.
func (ch *Channel) Events() <-chan Message {
	return ch.events
}

// State returns the current connection state.
func (ch *Channel) State() ChannelState {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.state
}

// Send transmits a ciphertext blob. It is valid only while the channel is
// Open; otherwise the caller gets NotConnectedError and nothing is queued.
func (ch *Channel) Send(ciphertext string) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.state != ChannelOpen {
		return &NotConnectedError{State: ch.state}
	}
	return ch.conn.WriteJSON(outboundFrame{Ciphertext: ciphertext})
}

// SendTyping signals typing state to the room. Best-effort: it shares the
// Open requirement with Send.
func (ch *Channel) SendTyping(isTyping bool) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.state != ChannelOpen {
		return &NotConnectedError{State: ch.state}
	}
	return ch.conn.WriteJSON(typingFrame{Event: "typing", IsTyping: isTyping})
}

// Close shuts the connection down. Closing an already-closed or
// never-opened channel is a no-op.
func (ch *Channel) Close() {
	ch.mu.Lock()
	if ch.state == ChannelClosed {
		ch.mu.Unlock()
		return
	}
	ch.state = ChannelClosed
	conn := ch.conn
	ch.mu.Unlock()

	if conn != nil {
		deadline := time.Now().Add(time.Second)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		_ = conn.Close()
	}

	// Drain pending events so the read loop can always finish, even when
	// the consumer stopped reading or was never attached.
	for range ch.events {
	}
	<-ch.done
}

// readLoop decodes inbound frames until the connection ends. Decrypt
// failures are contained to the failing message; malformed frames are
// logged and dropped.
func (ch *Channel) readLoop() {
	defer func() {
		ch.mu.Lock()
		ch.state = ChannelClosed
		ch.mu.Unlock()
		close(ch.events)
		close(ch.done)
	}()

	for {
		_, data, err := ch.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				ch.log.Debug().Err(err).Msg("channel read ended")
			}
			return
		}

		var frame inboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			ch.log.Debug().Err(err).Msg("dropping malformed frame")
			continue
		}

		switch frame.Type {
		case "message":
			text, err := crypto.Decrypt(ch.key, frame.Ciphertext)
			if err != nil {
				ch.log.Debug().Str("id", frame.ID).Err(err).Msg("live message decrypt failed")
				text = DecryptFailedText
			}
			ch.events <- Message{
				ID:         frame.ID,
				FromUserID: frame.FromUserID,
				FromUser:   frame.FromUsername,
				Text:       text,
				Timestamp:  parseTimestamp(frame.Timestamp),
			}
		case "message_hidden":
			// Redacted by the server's filter: note text only, no sender,
			// no decryption attempt.
			ch.events <- Message{
				ID:         frame.ID,
				Text:       frame.Note,
				IsRedacted: true,
			}
		default:
			ch.log.Debug().RawJSON("frame", data).Msg("dropping unhandled frame")
		}
	}
}
