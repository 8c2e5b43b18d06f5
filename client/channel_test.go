package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

var testUpgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

// newChannelServer runs handle on every upgraded connection and returns a
// client pointed at it.
func newChannelServer(t *testing.T, handle func(conn *websocket.Conn)) *Client {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		handle(conn)
	}))
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, "tok")
}

func recvMessage(t *testing.T, ch *Channel) Message {
	t.Helper()
	select {
	case msg, ok := <-ch.Events():
		if !ok {
			t.Fatal("events channel closed early")
		}
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
	return Message{}
}

func TestChannelDeliversMessages(t *testing.T) {
	key := testKey(t)
	uid := int64(1)

	c := newChannelServer(t, func(conn *websocket.Conn) {
		conn.WriteJSON(map[string]any{
			"type":          "message",
			"id":            "01A",
			"from_user_id":  uid,
			"from_username": "alice",
			"ciphertext":    encryptOrFatal(t, key, "hello"),
			"timestamp":     "2025-06-01T12:00:00Z",
		})
		time.Sleep(100 * time.Millisecond)
	})

	ch, err := c.DialChannel(context.Background(), "room-a", key, "")
	if err != nil {
		t.Fatal(err)
	}
	defer ch.Close()

	if ch.State() != ChannelOpen {
		t.Fatalf("expected open channel, got %v", ch.State())
	}

	msg := recvMessage(t, ch)
	if msg.Text != "hello" || msg.FromUser != "alice" || msg.ID != "01A" {
		t.Fatalf("unexpected message %+v", msg)
	}
	if msg.FromUserID == nil || *msg.FromUserID != 1 {
		t.Fatal("sender id lost")
	}
	if msg.IsRedacted {
		t.Fatal("clear message marked redacted")
	}
}

func TestChannelHiddenMessage(t *testing.T) {
	key := testKey(t)

	c := newChannelServer(t, func(conn *websocket.Conn) {
		conn.WriteJSON(map[string]any{
			"type": "message_hidden",
			"id":   "01A",
			"note": "Message hidden due to your filter setting.",
		})
		time.Sleep(100 * time.Millisecond)
	})

	ch, err := c.DialChannel(context.Background(), "room-a", key, "")
	if err != nil {
		t.Fatal(err)
	}
	defer ch.Close()

	msg := recvMessage(t, ch)
	if !msg.IsRedacted {
		t.Fatal("hidden message not marked redacted")
	}
	if msg.FromUser != "" || msg.FromUserID != nil {
		t.Fatal("redacted message carries a sender")
	}
	if msg.Text != "Message hidden due to your filter setting." {
		t.Fatalf("note lost: %q", msg.Text)
	}
}

func TestChannelDecryptFailureSentinel(t *testing.T) {
	key := testKey(t)

	c := newChannelServer(t, func(conn *websocket.Conn) {
		conn.WriteJSON(map[string]any{
			"type": "message", "id": "01A", "from_username": "alice",
			"ciphertext": "garbage",
		})
		conn.WriteJSON(map[string]any{
			"type": "message", "id": "01B", "from_username": "bob",
			"ciphertext": encryptOrFatal(t, key, "fine"),
		})
		time.Sleep(100 * time.Millisecond)
	})

	ch, err := c.DialChannel(context.Background(), "room-a", key, "")
	if err != nil {
		t.Fatal(err)
	}
	defer ch.Close()

	bad := recvMessage(t, ch)
	if bad.Text != DecryptFailedText {
		t.Fatalf("expected sentinel, got %q", bad.Text)
	}
	if bad.FromUser != "alice" {
		t.Fatal("failing message lost its attribution")
	}

	good := recvMessage(t, ch)
	if good.Text != "fine" {
		t.Fatalf("connection did not survive the bad message: %q", good.Text)
	}
}

func TestChannelDropsUnknownFrames(t *testing.T) {
	key := testKey(t)

	c := newChannelServer(t, func(conn *websocket.Conn) {
		conn.WriteMessage(websocket.TextMessage, []byte("{not json"))
		conn.WriteJSON(map[string]any{"event": "presence", "user": "bob", "status": "online"})
		conn.WriteJSON(map[string]any{"event": "typing", "from": "bob", "is_typing": true})
		conn.WriteJSON(map[string]any{
			"type": "message", "id": "01A", "from_username": "alice",
			"ciphertext": encryptOrFatal(t, key, "after the noise"),
		})
		time.Sleep(100 * time.Millisecond)
	})

	ch, err := c.DialChannel(context.Background(), "room-a", key, "")
	if err != nil {
		t.Fatal(err)
	}
	defer ch.Close()

	msg := recvMessage(t, ch)
	if msg.Text != "after the noise" {
		t.Fatalf("noise frames surfaced as messages: %+v", msg)
	}
}

func TestChannelSend(t *testing.T) {
	key := testKey(t)
	got := make(chan string, 1)

	c := newChannelServer(t, func(conn *websocket.Conn) {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var frame struct {
			Ciphertext string `json:"ciphertext"`
		}
		if json.Unmarshal(data, &frame) == nil {
			got <- frame.Ciphertext
		}
	})

	ch, err := c.DialChannel(context.Background(), "room-a", key, "")
	if err != nil {
		t.Fatal(err)
	}
	defer ch.Close()

	if err := ch.Send("blob"); err != nil {
		t.Fatal(err)
	}

	select {
	case ct := <-got:
		if ct != "blob" {
			t.Fatalf("expected blob, got %q", ct)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server never received the frame")
	}
}

func TestChannelSendAfterClose(t *testing.T) {
	c := newChannelServer(t, func(conn *websocket.Conn) {
		conn.ReadMessage()
	})

	ch, err := c.DialChannel(context.Background(), "room-a", testKey(t), "")
	if err != nil {
		t.Fatal(err)
	}
	ch.Close()

	err = ch.Send("blob")
	var ncErr *NotConnectedError
	if !errors.As(err, &ncErr) {
		t.Fatalf("expected NotConnectedError, got %T: %v", err, err)
	}
	if ncErr.State != ChannelClosed {
		t.Fatalf("expected closed state in error, got %v", ncErr.State)
	}
}

func TestChannelCloseIdempotent(t *testing.T) {
	c := newChannelServer(t, func(conn *websocket.Conn) {
		conn.ReadMessage()
	})

	ch, err := c.DialChannel(context.Background(), "room-a", testKey(t), "")
	if err != nil {
		t.Fatal(err)
	}

	ch.Close()
	ch.Close()

	if ch.State() != ChannelClosed {
		t.Fatalf("expected closed, got %v", ch.State())
	}
	if _, ok := <-ch.Events(); ok {
		t.Fatal("events channel still open after close")
	}
}

func TestCloseUnblocksWithoutConsumer(t *testing.T) {
	key := testKey(t)

	// Flood well past the events buffer so the read loop is blocked on
	// delivery when Close runs.
	c := newChannelServer(t, func(conn *websocket.Conn) {
		blob := encryptOrFatal(t, key, "flood")
		for i := 0; i < 200; i++ {
			conn.WriteJSON(map[string]any{
				"type": "message", "id": fmt.Sprintf("%08d", i),
				"from_username": "alice", "ciphertext": blob,
			})
		}
		conn.ReadMessage()
	})

	ch, err := c.DialChannel(context.Background(), "room-a", key, "")
	if err != nil {
		t.Fatal(err)
	}

	closed := make(chan struct{})
	go func() {
		ch.Close()
		close(closed)
	}()

	select {
	case <-closed:
	case <-time.After(3 * time.Second):
		t.Fatal("Close did not return while events were unread")
	}
	if ch.State() != ChannelClosed {
		t.Fatalf("expected closed, got %v", ch.State())
	}
}

func TestChannelServerClose(t *testing.T) {
	c := newChannelServer(t, func(conn *websocket.Conn) {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
	})

	ch, err := c.DialChannel(context.Background(), "room-a", testKey(t), "")
	if err != nil {
		t.Fatal(err)
	}

	select {
	case _, ok := <-ch.Events():
		if ok {
			t.Fatal("unexpected message")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("events channel never closed")
	}
	if ch.State() != ChannelClosed {
		t.Fatalf("expected closed, got %v", ch.State())
	}
}

func TestDialFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok")
	_, err := c.DialChannel(context.Background(), "room-a", testKey(t), "")

	var netErr *NetworkError
	if !errors.As(err, &netErr) {
		t.Fatalf("expected NetworkError, got %T: %v", err, err)
	}
}
