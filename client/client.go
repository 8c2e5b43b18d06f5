// Package client implements the secure room session runtime: symmetric key
// provisioning, history synchronization, the live websocket channel, the
// server-side content filter toggle, and the session orchestrator that ties
// them together.
package client

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ShreyashUmrao/Encrypted-Chat/internal/crypto"
)

// Client is the REST side of the room protocol: key fetch, history fetch
// and filter toggle. The live channel is dialed through DialChannel.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	Logger     zerolog.Logger
}

// NewClient creates a client for the given backend base URL and session
// token. The token is opaque to the client; only its uid claim is read,
// and only for display.
func NewClient(baseURL, token string) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		Token:      token,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
		Logger:     zerolog.Nop(),
	}
}

// KeyResponse is the key provisioning endpoint's response.
type KeyResponse struct {
	ChatID       string `json:"chat_id"`
	SymmetricKey string `json:"symmetric_key"`
	UserFilter   bool   `json:"user_filter"`
}

// FetchKey provisions the room's symmetric key and the caller's current
// filter flag. It is invoked once per session generation and never cached
// across rooms.
func (c *Client) FetchKey(ctx context.Context, roomID string) ([]byte, bool, error) {
	var resp KeyResponse
	if err := c.getJSON(ctx, "/chat/"+url.PathEscape(roomID)+"/key", &resp); err != nil {
		return nil, false, err
	}

	key, err := base64.StdEncoding.DecodeString(resp.SymmetricKey)
	if err != nil {
		return nil, false, &NetworkError{Op: "fetch key", Err: fmt.Errorf("malformed symmetric key: %w", err)}
	}
	if len(key) == 0 {
		return nil, false, &NetworkError{Op: "fetch key", Err: fmt.Errorf("empty symmetric key")}
	}
	return key, resp.UserFilter, nil
}

// HistoryRecord is one raw backlog entry: either pre-decrypted plaintext
// (empty Ciphertext) or a ciphertext blob to decrypt locally.
type HistoryRecord struct {
	ID         string  `json:"id"`
	From       string  `json:"from"`
	SenderID   *int64  `json:"sender_id"`
	Text       string  `json:"text"`
	Ciphertext string  `json:"ciphertext"`
	Toxic      bool    `json:"toxic"`
	Prob       float64 `json:"prob"`
	Timestamp  string  `json:"timestamp"`
}

// HistoryResponse is the history endpoint's response.
type HistoryResponse struct {
	ChatID        string          `json:"chat_id"`
	FilterEnabled bool            `json:"filter_enabled"`
	Messages      []HistoryRecord `json:"messages"`
}

// FetchHistory fetches the room backlog and decrypts each record with the
// given key. A record that fails to decrypt is kept at its position with
// the sentinel text; one bad record never aborts the rest. Order is the
// server's order, assumed chronological.
func (c *Client) FetchHistory(ctx context.Context, roomID string, key []byte) (bool, []Message, error) {
	var resp HistoryResponse
	if err := c.getJSON(ctx, "/chat/"+url.PathEscape(roomID)+"/history", &resp); err != nil {
		return false, nil, err
	}

	msgs := make([]Message, 0, len(resp.Messages))
	for _, rec := range resp.Messages {
		text := rec.Text
		if rec.Ciphertext != "" {
			pt, err := crypto.Decrypt(key, rec.Ciphertext)
			if err != nil {
				c.Logger.Debug().Str("room", roomID).Str("id", rec.ID).Err(err).Msg("history record decrypt failed")
				text = DecryptFailedText
			} else {
				text = pt
			}
		}
		msgs = append(msgs, Message{
			ID:         rec.ID,
			FromUserID: rec.SenderID,
			FromUser:   rec.From,
			Text:       text,
			Timestamp:  parseTimestamp(rec.Timestamp),
		})
	}
	return resp.FilterEnabled, msgs, nil
}

// FilterResponse is the filter toggle endpoint's response.
type FilterResponse struct {
	ChatID        string `json:"chat_id"`
	FilterEnabled bool   `json:"filter_enabled"`
}

// SetFilter toggles the server-side content filter for the caller in the
// given room and returns the new state. On error the server state is
// unchanged and the caller must keep its previous flag.
func (c *Client) SetFilter(ctx context.Context, roomID string, enabled bool) (bool, error) {
	path := fmt.Sprintf("/chat/%s/filter?enabled=%t", url.PathEscape(roomID), enabled)
	var resp FilterResponse
	if err := c.doJSON(ctx, http.MethodPost, path, &resp); err != nil {
		return false, &FilterToggleError{Err: err}
	}
	return resp.FilterEnabled, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	return c.doJSON(ctx, http.MethodGet, path, out)
}

// doJSON performs an authenticated request and decodes the JSON response.
// 401/403 map to AuthError; everything else that fails maps to NetworkError.
func (c *Client) doJSON(ctx context.Context, method, path string, out any) error {
	op := method + " " + path

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, nil)
	if err != nil {
		return &NetworkError{Op: op, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+c.Token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return &NetworkError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &NetworkError{Op: op, Err: err}
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return &AuthError{Status: resp.StatusCode, Message: errorMessage(body)}
	}
	if resp.StatusCode >= 400 {
		return &NetworkError{Op: op, Err: fmt.Errorf("server error %d: %s", resp.StatusCode, errorMessage(body))}
	}

	if err := json.Unmarshal(body, out); err != nil {
		return &NetworkError{Op: op, Err: fmt.Errorf("malformed response: %w", err)}
	}
	return nil
}

func errorMessage(body []byte) string {
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &e) == nil && e.Error != "" {
		return e.Error
	}
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

// channelURL builds the websocket address for a room, carrying the token in
// the URI (the channel has no separate auth handshake) and an optional
// last-seen message cursor for replay.
func (c *Client) channelURL(roomID, since string) string {
	u := c.BaseURL
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	u += "/chat/ws/" + url.PathEscape(roomID) + "?token=" + url.QueryEscape(c.Token)
	if since != "" {
		u += "&since=" + url.QueryEscape(since)
	}
	return u
}
