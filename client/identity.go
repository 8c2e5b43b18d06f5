package client

import (
	"encoding/base64"
	"encoding/json"
	"strconv"
	"strings"
)

// ResolveUserID extracts the uid claim from a session token's payload
// segment for display purposes only. The signature is NOT verified - that
// is the server's job - so the result must never gate access to keys or
// server actions. Any malformed token yields (0, false) and the session
// simply renders every message as "not from me".
func ResolveUserID(token string) (int64, bool) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return 0, false
	}

	payload, err := decodeSegment(parts[1])
	if err != nil {
		return 0, false
	}

	var claims struct {
		UID any `json:"uid"`
	}
	if err := json.Unmarshal(payload, &claims); err != nil {
		return 0, false
	}

	switch v := claims.UID.(type) {
	case float64:
		return int64(v), true
	case string:
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, false
		}
		return id, true
	default:
		return 0, false
	}
}

// decodeSegment decodes a JWT segment, with or without padding.
func decodeSegment(seg string) ([]byte, error) {
	if b, err := base64.RawURLEncoding.DecodeString(seg); err == nil {
		return b, nil
	}
	return base64.URLEncoding.DecodeString(seg)
}
