package store

import (
	"context"

	"github.com/ShreyashUmrao/Encrypted-Chat/internal/models"
)

// Store is the persistence surface the chat endpoints and the hub need:
// room key provisioning, per-user filter settings and the room message
// log. RedisStore backs production; MemoryStore backs tests and keyless
// development.
type Store interface {
	// RoomKey returns the room's base64 symmetric key, minting a fresh
	// random one on first access.
	RoomKey(ctx context.Context, roomID string) (string, error)

	// Filter returns the user's filter setting for the room, defaulting
	// to false.
	Filter(ctx context.Context, userID int64, roomID string) (bool, error)

	// SetFilter stores the user's filter setting and returns the new value.
	SetFilter(ctx context.Context, userID int64, roomID string, enabled bool) (bool, error)

	// AppendMessage persists a message, assigning its ULID and timestamp
	// when unset.
	AppendMessage(ctx context.Context, msg *models.StoredMessage) error

	// History returns the newest limit messages in chronological order,
	// excluding flagged ones when onlyClean is set.
	History(ctx context.Context, roomID string, onlyClean bool, limit int) ([]models.StoredMessage, error)

	// MessagesSince returns messages with an id strictly greater than
	// sinceID in chronological order, for replay on channel join.
	MessagesSince(ctx context.Context, roomID, sinceID string, limit int) ([]models.StoredMessage, error)

	// Connection management
	Ping(ctx context.Context) error
	Close() error
}
