package client

import "time"

// DecryptFailedText is the sentinel shown in place of a message body that
// could not be decrypted. The failing record keeps its position in the log.
const DecryptFailedText = "[decrypt_error]"

// Message is one entry in a room's plaintext message log. Redacted entries
// carry only the server's note and are never attributed to a sender.
type Message struct {
	ID         string
	FromUserID *int64
	FromUser   string
	Text       string
	Timestamp  time.Time
	IsRedacted bool
}

// parseTimestamp accepts RFC 3339 timestamps as well as the zone-less ISO
// form older backends emit. A timestamp that parses as neither is dropped;
// it is display metadata, not an ordering key.
func parseTimestamp(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	if ts, err := time.Parse(time.RFC3339, s); err == nil {
		return ts
	}
	if ts, err := time.Parse("2006-01-02T15:04:05.999999", s); err == nil {
		return ts.UTC()
	}
	return time.Time{}
}
