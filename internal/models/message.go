package models

import "time"

// StoredMessage is a persisted room message. The server keeps only the
// ciphertext; the plaintext exists transiently for content classification
// and is never stored.
type StoredMessage struct {
	ID         string    `json:"id"` // ULID
	RoomID     string    `json:"room_id"`
	SenderID   int64     `json:"sender_id"`
	Sender     string    `json:"from"`
	Ciphertext string    `json:"ciphertext"`
	Toxic      bool      `json:"toxic"`
	Prob       float64   `json:"prob"`
	Timestamp  time.Time `json:"timestamp"`
}
