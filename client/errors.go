package client

import (
	"fmt"

	"github.com/ShreyashUmrao/Encrypted-Chat/internal/crypto"
)

// ErrMissingKey mirrors the cipher's sentinel so callers never need the
// internal crypto import path.
var ErrMissingKey = crypto.ErrMissingKey

// AuthError indicates the backend rejected the session token. The session
// must not proceed past the failing stage.
type AuthError struct {
	Status  int
	Message string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication rejected (%d): %s", e.Status, e.Message)
}

// NetworkError indicates a transport or server failure on a REST call.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// NotConnectedError is returned by Send when the channel is not Open. The
// intended message is never queued or dropped silently.
type NotConnectedError struct {
	State ChannelState
}

func (e *NotConnectedError) Error() string {
	return fmt.Sprintf("channel not open (state %s)", e.State)
}

// FilterToggleError indicates the server-side filter toggle failed; the
// local filter state is left unchanged.
type FilterToggleError struct {
	Err error
}

func (e *FilterToggleError) Error() string {
	return fmt.Sprintf("filter toggle failed: %v", e.Err)
}

func (e *FilterToggleError) Unwrap() error { return e.Err }

// ErrSessionSuperseded is returned from a lifecycle call whose result was
// discarded because the session moved to a newer generation (room switch,
// token change, or teardown) while the call was in flight.
var ErrSessionSuperseded = fmt.Errorf("session superseded")
