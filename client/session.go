package client

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/ShreyashUmrao/Encrypted-Chat/internal/crypto"
)

// SessionState is the orchestrator's lifecycle state.
type SessionState int32

const (
	StateIdle SessionState = iota
	StateKeyLoading
	StateHistoryLoading
	StateLive
)

func (s SessionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateKeyLoading:
		return "key_loading"
	case StateHistoryLoading:
		return "history_loading"
	case StateLive:
		return "live"
	default:
		return "unknown"
	}
}

// UpdateKind tags a session update.
type UpdateKind int

const (
	// UpdateReset: the log was cleared (room switch or teardown).
	UpdateReset UpdateKind = iota
	// UpdateAppend: one message was appended; Update.Message is set.
	UpdateAppend
	// UpdateReplace: the log was replaced wholesale (history sync).
	UpdateReplace
	// UpdateFilter: the filter flag changed; Update.Filter is set.
	UpdateFilter
	// UpdateChannelClosed: the live channel ended for the current session.
	UpdateChannelClosed
)

// Update notifies a consumer of a change to the session's message log or
// filter state. Consumers read the full log via Messages on UpdateReplace.
type Update struct {
	Kind    UpdateKind
	Message Message
	Filter  bool
}

// Session owns one room view: the provisioned key, the filter flag, the
// decrypted message log and the live channel. Every asynchronous result is
// tagged with the generation it was issued under and discarded if the
// session has since moved on, so a stale room's history can never bleed
// into the current room's log.
type Session struct {
	client *Client
	log    zerolog.Logger

	mu      sync.Mutex
	state   SessionState
	gen     uint64
	roomID  string
	key     []byte
	filter  bool
	userID  *int64
	msgs    []Message
	seen    map[string]struct{}
	channel *Channel

	updates chan Update
	closed  bool
}

// NewSession creates an idle session bound to the client's token. The
// display identity is resolved immediately; a malformed token degrades to
// "no own messages" rather than failing.
func NewSession(c *Client) *Session {
	s := &Session{
		client:  c,
		log:     c.Logger,
		seen:    make(map[string]struct{}),
		updates: make(chan Update, 256),
	}
	if uid, ok := ResolveUserID(c.Token); ok {
		s.userID = &uid
	}
	return s
}

// Updates delivers log and filter change notifications. The channel is
// closed by Close.
func (s *Session) Updates() <-chan Update {
	return s.updates
}

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Room returns the active room id, empty when idle.
func (s *Session) Room() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roomID
}

// FilterEnabled returns the session's current filter flag.
func (s *Session) FilterEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filter
}

// CurrentUserID returns the display-only user id claim, nil when the token
// carried none. It must never be used for authorization.
func (s *Session) CurrentUserID() *int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

// Messages returns a snapshot of the plaintext message log.
func (s *Session) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.msgs))
	copy(out, s.msgs)
	return out
}

// Join switches the session to a room: key fetch, then history sync, then
// the live channel, in that order. Any fatal step reverts the session to
// Idle. A Join overtaken by a newer Join or teardown returns
// ErrSessionSuperseded and leaves the newer session untouched.
func (s *Session) Join(ctx context.Context, roomID string) error {
	gen := s.reset(roomID, StateKeyLoading)

	key, filter, err := s.client.FetchKey(ctx, roomID)
	if err != nil {
		s.fail(gen)
		return err
	}
	if !s.beginHistory(gen, key, filter) {
		return ErrSessionSuperseded
	}

	filterNow, msgs, err := s.client.FetchHistory(ctx, roomID, key)
	if err != nil {
		s.fail(gen)
		return err
	}
	since, ok := s.applyHistory(gen, filterNow, msgs, "")
	if !ok {
		return ErrSessionSuperseded
	}

	ch, err := s.client.DialChannel(ctx, roomID, key, since)
	if err != nil {
		s.fail(gen)
		return err
	}
	if !s.goLive(gen, ch) {
		ch.Close()
		return ErrSessionSuperseded
	}

	go s.consume(gen, ch)
	return nil
}

// Leave tears the session down to Idle: channel closed, key and log
// discarded. Safe to call in any state.
func (s *Session) Leave() {
	s.reset("", StateIdle)
}

// SetToken installs a new session token. The active room, if any, is torn
// down and rejoined under the new identity; the display uid is re-resolved.
func (s *Session) SetToken(ctx context.Context, token string) error {
	s.mu.Lock()
	s.client.Token = token
	if uid, ok := ResolveUserID(token); ok {
		s.userID = &uid
	} else {
		s.userID = nil
	}
	room := s.roomID
	s.mu.Unlock()

	if room == "" {
		return nil
	}
	return s.Join(ctx, room)
}

// SendText encrypts text with the session key and transmits it on the live
// channel. The message appears in the log when the server broadcasts it
// back; outside Live the caller gets NotConnectedError and the log is
// untouched.
func (s *Session) SendText(text string) error {
	s.mu.Lock()
	ch := s.channel
	key := s.key
	live := s.state == StateLive
	s.mu.Unlock()

	if !live || ch == nil {
		return &NotConnectedError{State: ChannelClosed}
	}
	blob, err := crypto.Encrypt(key, text)
	if err != nil {
		return err
	}
	return ch.Send(blob)
}

// ToggleFilter flips the server-side content filter and re-runs the
// history sync in place: a filter change can reveal or redact previously
// fetched messages, but it does not change the channel's identity, so the
// connection is kept.
func (s *Session) ToggleFilter(ctx context.Context, desired bool) (bool, error) {
	s.mu.Lock()
	if s.state != StateLive {
		s.mu.Unlock()
		return false, &NotConnectedError{State: ChannelClosed}
	}
	gen := s.gen
	room := s.roomID
	key := s.key
	// Newest id already in the log; only appends past it may race the
	// refetch and survive the replace.
	floor := ""
	for _, m := range s.msgs {
		if m.ID > floor {
			floor = m.ID
		}
	}
	s.mu.Unlock()

	enabled, err := s.client.SetFilter(ctx, room, desired)
	if err != nil {
		return s.FilterEnabled(), err
	}

	filterNow, msgs, err := s.client.FetchHistory(ctx, room, key)
	if err != nil {
		// The toggle stuck server-side; surface the sync failure but keep
		// the session live on its existing log.
		return enabled, err
	}
	if _, ok := s.applyHistory(gen, filterNow, msgs, floor); !ok {
		return enabled, ErrSessionSuperseded
	}
	return enabled, nil
}

// Close tears the session down and closes the updates channel.
func (s *Session) Close() {
	s.reset("", StateIdle)
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.updates)
	}
	s.mu.Unlock()
}

// reset bumps the generation, discards the key and log, and moves to the
// given state for roomID. The old channel is closed outside the lock: its
// consumer may be blocked on the session mutex with one last append.
func (s *Session) reset(roomID string, state SessionState) uint64 {
	s.mu.Lock()
	s.gen++
	gen := s.gen
	old := s.channel
	s.channel = nil
	s.roomID = roomID
	s.key = nil
	s.filter = false
	s.msgs = nil
	s.seen = make(map[string]struct{})
	s.state = state
	s.mu.Unlock()

	if old != nil {
		old.Close()
	}
	s.notify(Update{Kind: UpdateReset})
	return gen
}

// fail reverts a generation to Idle unless it has already been superseded.
func (s *Session) fail(gen uint64) {
	s.mu.Lock()
	if s.gen == gen {
		s.state = StateIdle
		s.roomID = ""
		s.key = nil
	}
	s.mu.Unlock()
}

func (s *Session) beginHistory(gen uint64, key []byte, filter bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return false
	}
	s.key = key
	s.filter = filter
	s.state = StateHistoryLoading
	return true
}

// applyHistory replaces the log wholesale with a fetched snapshot,
// discarding it if the generation moved on. Live appends that raced the
// fetch (id newer than floor, the newest id known before the fetch
// started) keep their place after the replace, so a same-generation
// append is never lost; older entries absent from the snapshot were
// removed server-side and stay removed. Returns the id of the newest
// snapshot entry for use as a replay cursor.
func (s *Session) applyHistory(gen uint64, filter bool, msgs []Message, floor string) (string, bool) {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return "", false
	}

	seen := make(map[string]struct{}, len(msgs))
	last := ""
	for _, m := range msgs {
		if m.ID != "" {
			seen[m.ID] = struct{}{}
			if m.ID > last {
				last = m.ID
			}
		}
	}
	merged := msgs
	for _, m := range s.msgs {
		if m.ID == "" {
			continue
		}
		if _, dup := seen[m.ID]; !dup && m.ID > floor {
			merged = append(merged, m)
			seen[m.ID] = struct{}{}
		}
	}

	s.msgs = merged
	s.seen = seen
	filterChanged := s.filter != filter
	s.filter = filter
	s.mu.Unlock()

	s.notify(Update{Kind: UpdateReplace})
	if filterChanged {
		s.notify(Update{Kind: UpdateFilter, Filter: filter})
	}
	return last, true
}

func (s *Session) goLive(gen uint64, ch *Channel) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return false
	}
	s.channel = ch
	s.state = StateLive
	return true
}

// consume drains the channel's inbound events into the log until the
// connection ends, then reports the closure if this generation is still
// the active one.
func (s *Session) consume(gen uint64, ch *Channel) {
	for msg := range ch.Events() {
		s.append(gen, msg)
	}

	s.mu.Lock()
	current := s.gen == gen
	if current {
		s.channel = nil
	}
	s.mu.Unlock()
	if current {
		s.notify(Update{Kind: UpdateChannelClosed})
	}
}

// append adds one live message, discarding stale generations and message
// ids already present in the log (history replay overlap).
func (s *Session) append(gen uint64, msg Message) {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	if msg.ID != "" {
		if _, dup := s.seen[msg.ID]; dup {
			s.mu.Unlock()
			return
		}
		s.seen[msg.ID] = struct{}{}
	}
	s.msgs = append(s.msgs, msg)
	s.mu.Unlock()

	s.notify(Update{Kind: UpdateAppend, Message: msg})
}

// notify pushes an update without blocking log writers; a consumer that
// has fallen this far behind re-reads the log on its next replace.
func (s *Session) notify(u Update) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.updates <- u:
	default:
		s.log.Warn().Int("kind", int(u.Kind)).Msg("session update dropped: slow consumer")
	}
}
