package store

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"strconv"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/ShreyashUmrao/Encrypted-Chat/internal/models"
)

// MemoryStore is an in-process Store for tests and development without a
// Redis instance. Same semantics as RedisStore, no expiry.
type MemoryStore struct {
	keySize int

	mu       sync.Mutex
	keys     map[string]string
	filters  map[string]bool // roomID + "/" + userID
	messages map[string][]models.StoredMessage
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(keySize int) *MemoryStore {
	return &MemoryStore{
		keySize:  keySize,
		keys:     make(map[string]string),
		filters:  make(map[string]bool),
		messages: make(map[string][]models.StoredMessage),
	}
}

func (s *MemoryStore) RoomKey(_ context.Context, roomID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if key, ok := s.keys[roomID]; ok {
		return key, nil
	}
	raw := make([]byte, s.keySize)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	key := base64.StdEncoding.EncodeToString(raw)
	s.keys[roomID] = key
	return key, nil
}

func (s *MemoryStore) Filter(_ context.Context, userID int64, roomID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filters[settingKey(roomID, userID)], nil
}

func (s *MemoryStore) SetFilter(_ context.Context, userID int64, roomID string, enabled bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.filters[settingKey(roomID, userID)] = enabled
	return enabled, nil
}

func (s *MemoryStore) AppendMessage(_ context.Context, msg *models.StoredMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if msg.ID == "" {
		msg.ID = ulid.Make().String()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	s.messages[msg.RoomID] = append(s.messages[msg.RoomID], *msg)
	return nil
}

func (s *MemoryStore) History(_ context.Context, roomID string, onlyClean bool, limit int) ([]models.StoredMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.StoredMessage, 0, len(s.messages[roomID]))
	for _, msg := range s.messages[roomID] {
		if onlyClean && msg.Toxic {
			continue
		}
		out = append(out, msg)
	}
	// The cap serves the most recent tail of the backlog.
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *MemoryStore) MessagesSince(_ context.Context, roomID, sinceID string, limit int) ([]models.StoredMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.StoredMessage, 0)
	for _, msg := range s.messages[roomID] {
		if msg.ID <= sinceID {
			continue
		}
		out = append(out, msg)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

func settingKey(roomID string, userID int64) string {
	return roomID + "/" + strconv.FormatInt(userID, 10)
}
