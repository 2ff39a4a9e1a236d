// Package media defines the media session the coordinator opens and closes for
// calls and voice channels. The coordinator never touches frames; it only says
// which session is open and whether the local user is muted or deafened.
package media

import (
	"context"
	"errors"
)

// ErrUnknownHandle is returned when closing a handle the session did not open.
var ErrUnknownHandle = errors.New("unknown media handle")

// Tracks describes what a session should carry.
type Tracks struct {
	Video    bool
	Muted    bool
	Deafened bool
}

// Handle is one open session, keyed by the conversation or channel id.
type Handle interface {
	Key() string
	SetMuted(muted bool) error
	SetDeafened(deafened bool) error
}

type Session interface {
	Open(ctx context.Context, key string, t Tracks) (Handle, error)
	Close(h Handle) error
}
