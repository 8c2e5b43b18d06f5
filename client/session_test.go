package client

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ShreyashUmrao/Encrypted-Chat/internal/crypto"
)

// fakeMessage is a plaintext room message held by the fake backend; it is
// encrypted on the way out.
type fakeMessage struct {
	id     string
	from   string
	sender int64
	text   string
	toxic  bool
}

// syncConn serializes writes so replay and broadcast goroutines cannot
// interleave frames on one connection.
type syncConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *syncConn) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(v)
}

// fakeBackend is a minimal in-process chat backend: per-room keys, one
// user's filter flag, a message log and live channel fan-out. History
// fetches can be gated to order races deterministically.
type fakeBackend struct {
	t   *testing.T
	srv *httptest.Server

	mu       sync.Mutex
	keys     map[string][]byte
	filter   bool
	messages map[string][]fakeMessage
	conns    map[string][]*syncConn
	nextID   int

	historyGate map[string]chan struct{}
}

func newFakeBackend(t *testing.T) *fakeBackend {
	b := &fakeBackend{
		t:           t,
		keys:        make(map[string][]byte),
		messages:    make(map[string][]fakeMessage),
		conns:       make(map[string][]*syncConn),
		historyGate: make(map[string]chan struct{}),
	}
	b.srv = httptest.NewServer(http.HandlerFunc(b.handle))
	t.Cleanup(b.srv.Close)
	return b
}

func (b *fakeBackend) client() *Client {
	return NewClient(b.srv.URL, "tok")
}

func (b *fakeBackend) roomKey(roomID string) []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	if key, ok := b.keys[roomID]; ok {
		return key
	}
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i + len(roomID))
	}
	b.keys[roomID] = key
	return key
}

// seed appends a message to the room log without broadcasting it.
func (b *fakeBackend) seed(roomID, from string, sender int64, text string, toxic bool) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := fmt.Sprintf("%08d", b.nextID)
	b.messages[roomID] = append(b.messages[roomID], fakeMessage{id: id, from: from, sender: sender, text: text, toxic: toxic})
	return id
}

// gateHistory makes the next history fetch for the room block until the
// returned channel is closed.
func (b *fakeBackend) gateHistory(roomID string) chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	gate := make(chan struct{})
	b.historyGate[roomID] = gate
	return gate
}

// push broadcasts a new message to every live connection in the room.
func (b *fakeBackend) push(roomID, from string, sender int64, text string) string {
	id := b.seed(roomID, from, sender, text, false)
	blob, err := crypto.Encrypt(b.roomKey(roomID), text)
	if err != nil {
		b.t.Fatal(err)
	}

	b.mu.Lock()
	conns := append([]*syncConn(nil), b.conns[roomID]...)
	b.mu.Unlock()

	for _, conn := range conns {
		conn.writeJSON(map[string]any{
			"type":          "message",
			"id":            id,
			"from_user_id":  sender,
			"from_username": from,
			"ciphertext":    blob,
			"timestamp":     time.Now().UTC().Format(time.RFC3339Nano),
		})
	}
	return id
}

func (b *fakeBackend) handle(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	switch {
	case len(parts) == 3 && parts[0] == "chat" && parts[2] == "key":
		b.mu.Lock()
		filter := b.filter
		b.mu.Unlock()
		json.NewEncoder(w).Encode(KeyResponse{
			ChatID:       parts[1],
			SymmetricKey: base64.StdEncoding.EncodeToString(b.roomKey(parts[1])),
			UserFilter:   filter,
		})

	case len(parts) == 3 && parts[0] == "chat" && parts[2] == "history":
		b.serveHistory(w, parts[1])

	case len(parts) == 3 && parts[0] == "chat" && parts[2] == "filter":
		enabled := r.URL.Query().Get("enabled") == "true"
		b.mu.Lock()
		b.filter = enabled
		b.mu.Unlock()
		json.NewEncoder(w).Encode(FilterResponse{ChatID: parts[1], FilterEnabled: enabled})

	case len(parts) == 3 && parts[0] == "chat" && parts[1] == "ws":
		b.serveSocket(w, r, parts[2])

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (b *fakeBackend) serveHistory(w http.ResponseWriter, roomID string) {
	b.mu.Lock()
	gate := b.historyGate[roomID]
	delete(b.historyGate, roomID)
	b.mu.Unlock()
	if gate != nil {
		<-gate
	}

	b.mu.Lock()
	filter := b.filter
	msgs := append([]fakeMessage(nil), b.messages[roomID]...)
	b.mu.Unlock()

	key := b.roomKey(roomID)
	records := make([]HistoryRecord, 0, len(msgs))
	for _, m := range msgs {
		if filter && m.toxic {
			continue
		}
		blob, err := crypto.Encrypt(key, m.text)
		if err != nil {
			b.t.Fatal(err)
		}
		sender := m.sender
		records = append(records, HistoryRecord{
			ID:         m.id,
			From:       m.from,
			SenderID:   &sender,
			Ciphertext: blob,
			Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		})
	}
	json.NewEncoder(w).Encode(HistoryResponse{ChatID: roomID, FilterEnabled: filter, Messages: records})
}

func (b *fakeBackend) serveSocket(w http.ResponseWriter, r *http.Request, roomID string) {
	raw, err := testUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn := &syncConn{conn: raw}

	since := r.URL.Query().Get("since")
	key := b.roomKey(roomID)

	b.mu.Lock()
	var replay []fakeMessage
	for _, m := range b.messages[roomID] {
		if m.id > since {
			replay = append(replay, m)
		}
	}
	b.conns[roomID] = append(b.conns[roomID], conn)
	b.mu.Unlock()

	for _, m := range replay {
		blob, err := crypto.Encrypt(key, m.text)
		if err != nil {
			b.t.Fatal(err)
		}
		conn.writeJSON(map[string]any{
			"type": "message", "id": m.id,
			"from_user_id": m.sender, "from_username": m.from,
			"ciphertext": blob,
		})
	}

	go func() {
		defer func() {
			b.mu.Lock()
			conns := b.conns[roomID]
			for i, c := range conns {
				if c == conn {
					b.conns[roomID] = append(conns[:i], conns[i+1:]...)
					break
				}
			}
			b.mu.Unlock()
			raw.Close()
		}()
		for {
			_, data, err := raw.ReadMessage()
			if err != nil {
				return
			}
			var frame struct {
				Ciphertext string `json:"ciphertext"`
				Event      string `json:"event"`
			}
			if json.Unmarshal(data, &frame) != nil || frame.Ciphertext == "" {
				continue
			}
			text, err := crypto.Decrypt(key, frame.Ciphertext)
			if err != nil {
				continue
			}
			b.push(roomID, "me", 7, text)
		}
	}()
}

// waitFor polls until cond holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func texts(msgs []Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Text
	}
	return out
}

func TestJoinLoadsHistoryAndGoesLive(t *testing.T) {
	b := newFakeBackend(t)
	b.seed("room-a", "alice", 1, "hi", false)
	b.seed("room-a", "bob", 2, "hey", false)

	s := NewSession(b.client())
	defer s.Close()

	if s.State() != StateIdle {
		t.Fatalf("expected idle before join, got %v", s.State())
	}
	if err := s.Join(context.Background(), "room-a"); err != nil {
		t.Fatal(err)
	}
	if s.State() != StateLive {
		t.Fatalf("expected live, got %v", s.State())
	}
	if s.Room() != "room-a" {
		t.Fatalf("expected room-a, got %q", s.Room())
	}

	got := texts(s.Messages())
	if len(got) != 2 || got[0] != "hi" || got[1] != "hey" {
		t.Fatalf("unexpected log %v", got)
	}
}

func TestSendBeforeJoin(t *testing.T) {
	b := newFakeBackend(t)

	s := NewSession(b.client())
	defer s.Close()

	err := s.SendText("hello")
	var ncErr *NotConnectedError
	if !errors.As(err, &ncErr) {
		t.Fatalf("expected NotConnectedError, got %T: %v", err, err)
	}
	if len(s.Messages()) != 0 {
		t.Fatal("failed send touched the log")
	}
}

func TestSendRoundTrip(t *testing.T) {
	b := newFakeBackend(t)

	s := NewSession(b.client())
	defer s.Close()
	if err := s.Join(context.Background(), "room-a"); err != nil {
		t.Fatal(err)
	}

	if err := s.SendText("my message"); err != nil {
		t.Fatal(err)
	}

	// The message enters the log only when the server broadcasts it back.
	waitFor(t, func() bool { return len(s.Messages()) == 1 }, "echo of sent message")
	msg := s.Messages()[0]
	if msg.Text != "my message" {
		t.Fatalf("unexpected echo %+v", msg)
	}
}

func TestLiveAppendsArriveInOrder(t *testing.T) {
	b := newFakeBackend(t)

	s := NewSession(b.client())
	defer s.Close()
	if err := s.Join(context.Background(), "room-a"); err != nil {
		t.Fatal(err)
	}

	b.push("room-a", "alice", 1, "one")
	b.push("room-a", "alice", 1, "two")

	waitFor(t, func() bool { return len(s.Messages()) == 2 }, "live appends")
	got := texts(s.Messages())
	if got[0] != "one" || got[1] != "two" {
		t.Fatalf("wrong order %v", got)
	}
}

func TestReplayOverlapDeduplicated(t *testing.T) {
	b := newFakeBackend(t)
	b.seed("room-a", "alice", 1, "old", false)

	s := NewSession(b.client())
	defer s.Close()
	if err := s.Join(context.Background(), "room-a"); err != nil {
		t.Fatal(err)
	}

	// The channel replays from the history cursor, so the seeded message
	// must appear exactly once even if the server replays generously.
	b.push("room-a", "bob", 2, "new")
	waitFor(t, func() bool { return len(s.Messages()) == 2 }, "new message")

	got := texts(s.Messages())
	if got[0] != "old" || got[1] != "new" {
		t.Fatalf("unexpected log %v", got)
	}
}

func TestRoomSwitchDiscardsStaleHistory(t *testing.T) {
	b := newFakeBackend(t)
	b.seed("room-a", "alice", 1, "from room a", false)
	b.seed("room-b", "bob", 2, "from room b", false)

	s := NewSession(b.client())
	defer s.Close()

	gate := b.gateHistory("room-a")
	joinA := make(chan error, 1)
	go func() { joinA <- s.Join(context.Background(), "room-a") }()

	// Wait until the first join is blocked inside its history fetch, then
	// overtake it.
	waitFor(t, func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		return b.historyGate["room-a"] == nil
	}, "first join to reach history")

	if err := s.Join(context.Background(), "room-b"); err != nil {
		t.Fatal(err)
	}
	close(gate)

	if err := <-joinA; !errors.Is(err, ErrSessionSuperseded) {
		t.Fatalf("expected ErrSessionSuperseded, got %v", err)
	}

	if s.Room() != "room-b" {
		t.Fatalf("expected room-b, got %q", s.Room())
	}
	got := texts(s.Messages())
	if len(got) != 1 || got[0] != "from room b" {
		t.Fatalf("stale history bled into the log: %v", got)
	}
}

func TestToggleFilterRoundTrip(t *testing.T) {
	b := newFakeBackend(t)
	b.seed("room-a", "alice", 1, "fine", false)
	b.seed("room-a", "bob", 2, "nasty", true)

	s := NewSession(b.client())
	defer s.Close()
	if err := s.Join(context.Background(), "room-a"); err != nil {
		t.Fatal(err)
	}
	if len(s.Messages()) != 2 {
		t.Fatalf("expected full backlog, got %d", len(s.Messages()))
	}

	enabled, err := s.ToggleFilter(context.Background(), true)
	if err != nil {
		t.Fatal(err)
	}
	if !enabled || !s.FilterEnabled() {
		t.Fatal("filter state not tracked")
	}
	got := texts(s.Messages())
	if len(got) != 1 || got[0] != "fine" {
		t.Fatalf("flagged message still visible: %v", got)
	}
	if s.State() != StateLive {
		t.Fatal("toggle must not drop the session out of live")
	}

	enabled, err = s.ToggleFilter(context.Background(), false)
	if err != nil {
		t.Fatal(err)
	}
	if enabled || s.FilterEnabled() {
		t.Fatal("filter not disabled")
	}
	if len(s.Messages()) != 2 {
		t.Fatal("backlog not restored after disabling the filter")
	}
}

func TestToggleFilterRequiresLive(t *testing.T) {
	b := newFakeBackend(t)

	s := NewSession(b.client())
	defer s.Close()

	if _, err := s.ToggleFilter(context.Background(), true); err == nil {
		t.Fatal("expected error toggling while idle")
	}
}

func TestLeaveClearsSession(t *testing.T) {
	b := newFakeBackend(t)
	b.seed("room-a", "alice", 1, "hi", false)

	s := NewSession(b.client())
	defer s.Close()
	if err := s.Join(context.Background(), "room-a"); err != nil {
		t.Fatal(err)
	}

	s.Leave()

	if s.State() != StateIdle {
		t.Fatalf("expected idle, got %v", s.State())
	}
	if s.Room() != "" || len(s.Messages()) != 0 {
		t.Fatal("leave did not clear the session")
	}
	if err := s.SendText("x"); err == nil {
		t.Fatal("send must fail after leave")
	}
}

func TestJoinFailureRevertsToIdle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]string{"error": "nope"})
	}))
	defer srv.Close()

	s := NewSession(NewClient(srv.URL, "tok"))
	defer s.Close()

	err := s.Join(context.Background(), "room-a")
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected AuthError, got %T: %v", err, err)
	}
	if s.State() != StateIdle {
		t.Fatalf("expected idle after failed join, got %v", s.State())
	}
}

func TestSetTokenRejoinsActiveRoom(t *testing.T) {
	b := newFakeBackend(t)
	b.seed("room-a", "alice", 1, "hi", false)

	s := NewSession(b.client())
	defer s.Close()
	if err := s.Join(context.Background(), "room-a"); err != nil {
		t.Fatal(err)
	}

	token := "h." + base64.RawURLEncoding.EncodeToString([]byte(`{"uid":9}`)) + ".s"
	if err := s.SetToken(context.Background(), token); err != nil {
		t.Fatal(err)
	}

	if s.State() != StateLive || s.Room() != "room-a" {
		t.Fatalf("expected live rejoin of room-a, got %v in %q", s.State(), s.Room())
	}
	uid := s.CurrentUserID()
	if uid == nil || *uid != 9 {
		t.Fatalf("identity not re-resolved, got %v", uid)
	}
	if len(s.Messages()) != 1 {
		t.Fatal("history not reloaded under the new identity")
	}
}

func TestCurrentUserID(t *testing.T) {
	b := newFakeBackend(t)

	c := b.client()
	c.Token = "h." + base64.RawURLEncoding.EncodeToString([]byte(`{"uid":7}`)) + ".s"
	s := NewSession(c)
	defer s.Close()

	uid := s.CurrentUserID()
	if uid == nil || *uid != 7 {
		t.Fatalf("expected uid 7, got %v", uid)
	}

	// A malformed token degrades to no identity, not an error.
	s2 := NewSession(NewClient(b.srv.URL, "garbage"))
	defer s2.Close()
	if s2.CurrentUserID() != nil {
		t.Fatal("expected nil uid for malformed token")
	}
}
