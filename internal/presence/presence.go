// Package presence persists and observes the per-user online, muted and deafened
// flags. Every write is an idempotent single-field merge; concurrent writers of
// the same field resolve last-write-wins.
package presence

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/Kimchiigu/PHiscord/internal/schemas"
	"github.com/Kimchiigu/PHiscord/internal/store"
)

type Tracker struct {
	store store.Store
	mux   *store.Mux
	log   *zap.Logger
}

// New returns a tracker. Subscriptions to the same user share one store
// subscription.
func New(s store.Store, log *zap.Logger) *Tracker {
	if log == nil {
		log = zap.NewNop()
	}
	return &Tracker{store: s, mux: store.NewMux(s), log: log.Named("presence")}
}

func (t *Tracker) set(ctx context.Context, userID, field string, value any) error {
	if userID == "" {
		return fmt.Errorf("error setting %s: empty user id", field)
	}
	err := t.store.Set(ctx, schemas.UserPath(userID), store.Fields{field: value}, store.Merge())
	if err != nil {
		return fmt.Errorf("error setting %s for %s: %w", field, userID, err)
	}
	t.log.Debug("presence updated", zap.String("user", userID), zap.String("field", field), zap.Any("value", value))
	return nil
}

func (t *Tracker) SetOnline(ctx context.Context, userID string, online bool) error {
	return t.set(ctx, userID, "isOnline", online)
}

func (t *Tracker) SetMuted(ctx context.Context, userID string, muted bool) error {
	return t.set(ctx, userID, "isMuted", muted)
}

func (t *Tracker) SetDeafened(ctx context.Context, userID string, deafened bool) error {
	return t.set(ctx, userID, "isDeafened", deafened)
}

// SetCustomStatus replaces the status line. An empty status falls back to
// Online/Offline.
func (t *Tracker) SetCustomStatus(ctx context.Context, userID, status string) error {
	return t.set(ctx, userID, "customStatus", status)
}

func (t *Tracker) SetDisplayName(ctx context.Context, userID, name string) error {
	return t.set(ctx, userID, "displayName", name)
}

// ToggleMuted flips the persisted mute flag and returns the new value.
func (t *Tracker) ToggleMuted(ctx context.Context, userID string) (bool, error) {
	return t.toggle(ctx, userID, "isMuted", func(p schemas.Presence) bool { return p.IsMuted })
}

// ToggleDeafened flips the persisted deafen flag and returns the new value.
func (t *Tracker) ToggleDeafened(ctx context.Context, userID string) (bool, error) {
	return t.toggle(ctx, userID, "isDeafened", func(p schemas.Presence) bool { return p.IsDeafened })
}

func (t *Tracker) toggle(ctx context.Context, userID, field string, current func(schemas.Presence) bool) (bool, error) {
	var next bool
	err := t.store.RunTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		snap, err := tx.Get(ctx, schemas.UserPath(userID))
		if err != nil {
			return err
		}
		p, err := decode(snap)
		if err != nil {
			return err
		}
		next = !current(p)
		tx.Set(schemas.UserPath(userID), store.Fields{field: next}, store.Merge())
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("error toggling %s for %s: %w", field, userID, err)
	}
	return next, nil
}

// Get reads the current presence. A user without a record is offline.
func (t *Tracker) Get(ctx context.Context, userID string) (schemas.Presence, error) {
	snap, err := t.store.Get(ctx, schemas.UserPath(userID))
	if err != nil {
		return schemas.Presence{}, fmt.Errorf("error reading presence for %s: %w", userID, err)
	}
	return decode(snap)
}

// Subscribe delivers the current presence of userID and then every change, until
// the returned disposer is called or ctx ends.
func (t *Tracker) Subscribe(ctx context.Context, userID string, fn func(schemas.Presence)) (store.Disposer, error) {
	return t.mux.Watch(ctx, schemas.UserPath(userID), func(snap store.Snapshot) {
		p, err := decode(snap)
		if err != nil {
			t.log.Warn("skipping malformed presence", zap.String("user", userID), zap.Error(err))
			return
		}
		fn(p)
	})
}

// Close ends every shared subscription.
func (t *Tracker) Close() {
	t.mux.Close()
}

func decode(snap store.Snapshot) (schemas.Presence, error) {
	var p schemas.Presence
	if !snap.Exists {
		return p, nil
	}
	if err := schemas.Decode(snap.Fields, &p); err != nil {
		return schemas.Presence{}, fmt.Errorf("error decoding presence %s: %w", snap.Path, err)
	}
	return p, nil
}
