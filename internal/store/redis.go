package store

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"

	"github.com/ShreyashUmrao/Encrypted-Chat/internal/metrics"
	"github.com/ShreyashUmrao/Encrypted-Chat/internal/models"
)

const messageTTL = 7 * 24 * time.Hour

// RedisStore keeps room keys, filter settings and the message log in Redis.
type RedisStore struct {
	client  *redis.Client
	keySize int
}

// NewRedisStore connects to Redis and verifies the connection. keySize is
// the symmetric key length in bytes minted per room.
func NewRedisStore(ctx context.Context, redisURL string, keySize int) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &RedisStore{client: client, keySize: keySize}, nil
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// roomKeyKey returns the key holding a room's symmetric key.
func roomKeyKey(roomID string) string {
	return fmt.Sprintf("room:%s:key", roomID)
}

// filterKey returns the key holding a user's filter setting for a room.
func filterKey(roomID string, userID int64) string {
	return fmt.Sprintf("room:%s:filter:%d", roomID, userID)
}

// roomMessagesKey returns the key for a room's message sorted set.
func roomMessagesKey(roomID string) string {
	return fmt.Sprintf("room:%s:messages", roomID)
}

// RoomKey returns the room's symmetric key, minting one atomically on
// first access. SetNX makes concurrent first joins converge on one key.
func (s *RedisStore) RoomKey(ctx context.Context, roomID string) (string, error) {
	defer observe(time.Now())

	raw := make([]byte, s.keySize)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	candidate := base64.StdEncoding.EncodeToString(raw)

	key := roomKeyKey(roomID)
	if err := s.client.SetNX(ctx, key, candidate, 0).Err(); err != nil {
		return "", err
	}
	return s.client.Get(ctx, key).Result()
}

// Filter returns the user's filter setting for the room.
func (s *RedisStore) Filter(ctx context.Context, userID int64, roomID string) (bool, error) {
	defer observe(time.Now())

	val, err := s.client.Get(ctx, filterKey(roomID, userID)).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return val == "1", nil
}

// SetFilter stores the user's filter setting.
func (s *RedisStore) SetFilter(ctx context.Context, userID int64, roomID string, enabled bool) (bool, error) {
	defer observe(time.Now())

	val := "0"
	if enabled {
		val = "1"
	}
	if err := s.client.Set(ctx, filterKey(roomID, userID), val, 0).Err(); err != nil {
		return false, err
	}
	return enabled, nil
}

// AppendMessage stores a message in the room's sorted set, scored by its
// timestamp. ULIDs keep id order consistent with time order.
func (s *RedisStore) AppendMessage(ctx context.Context, msg *models.StoredMessage) error {
	defer observe(time.Now())

	if msg.ID == "" {
		msg.ID = ulid.Make().String()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	key := roomMessagesKey(msg.RoomID)
	if err := s.client.ZAdd(ctx, key, redis.Z{
		Score:  float64(msg.Timestamp.UnixMilli()),
		Member: string(data),
	}).Err(); err != nil {
		return err
	}

	s.client.Expire(ctx, key, messageTTL)
	return nil
}

// History returns the newest limit messages in chronological order,
// excluding flagged ones when onlyClean is set.
func (s *RedisStore) History(ctx context.Context, roomID string, onlyClean bool, limit int) ([]models.StoredMessage, error) {
	defer observe(time.Now())

	results, err := s.client.ZRange(ctx, roomMessagesKey(roomID), 0, -1).Result()
	if err != nil {
		return nil, err
	}

	messages := make([]models.StoredMessage, 0, len(results))
	for _, data := range results {
		var msg models.StoredMessage
		if err := json.Unmarshal([]byte(data), &msg); err != nil {
			continue
		}
		if onlyClean && msg.Toxic {
			continue
		}
		messages = append(messages, msg)
	}
	// The cap serves the most recent tail of the backlog.
	if limit > 0 && len(messages) > limit {
		messages = messages[len(messages)-limit:]
	}
	return messages, nil
}

// MessagesSince returns the room's messages with id > sinceID.
func (s *RedisStore) MessagesSince(ctx context.Context, roomID, sinceID string, limit int) ([]models.StoredMessage, error) {
	defer observe(time.Now())

	results, err := s.client.ZRange(ctx, roomMessagesKey(roomID), 0, -1).Result()
	if err != nil {
		return nil, err
	}

	messages := make([]models.StoredMessage, 0, len(results))
	for _, data := range results {
		var msg models.StoredMessage
		if err := json.Unmarshal([]byte(data), &msg); err != nil {
			continue
		}
		if msg.ID <= sinceID {
			continue
		}
		messages = append(messages, msg)
		if limit > 0 && len(messages) >= limit {
			break
		}
	}
	return messages, nil
}

func observe(start time.Time) {
	metrics.RedisLatency.Observe(time.Since(start).Seconds())
}
