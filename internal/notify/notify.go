// Package notify fans events out into per-recipient notification records and
// exposes each user's list. Records carry no read flag: deleting one
// acknowledges it.
package notify

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Kimchiigu/PHiscord/internal/schemas"
	"github.com/Kimchiigu/PHiscord/internal/store"
)

// Event is something that happened in a conversation or channel.
type Event struct {
	Type        schemas.NotificationType
	Sender      schemas.Identity
	Recipients  []string
	Content     string
	DocID       string
	ChannelName string
	// defaults to now
	At time.Time
}

type Aggregator struct {
	store store.Store
	log   *zap.Logger
	now   func() time.Time
	newID func() string
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

// WithIDs overrides the record id generator.
func WithIDs(newID func() string) Option {
	return func(a *Aggregator) { a.newID = newID }
}

func New(s store.Store, log *zap.Logger, opts ...Option) *Aggregator {
	if log == nil {
		log = zap.NewNop()
	}
	a := &Aggregator{
		store: s,
		log:   log.Named("notify"),
		now:   time.Now,
		newID: func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Publish writes one record per distinct recipient other than the sender, all
// in one batch. It returns how many records were written.
func (a *Aggregator) Publish(ctx context.Context, ev Event) (int, error) {
	if !ev.Type.Valid() {
		return 0, fmt.Errorf("error publishing notification: invalid type %q", ev.Type)
	}
	at := ev.At
	if at.IsZero() {
		at = a.now()
	}

	seen := make(map[string]struct{}, len(ev.Recipients))
	ops := make([]store.Op, 0, len(ev.Recipients))
	for _, r := range ev.Recipients {
		if r == "" || r == ev.Sender.UserID {
			continue
		}
		if _, ok := seen[r]; ok {
			continue
		}
		seen[r] = struct{}{}
		fields, err := schemas.ToFields(schemas.Notification{
			UserID:      r,
			Type:        ev.Type,
			Sender:      ev.Sender.DisplayName,
			SenderID:    ev.Sender.UserID,
			Content:     ev.Content,
			DocID:       ev.DocID,
			ChannelName: ev.ChannelName,
			Timestamp:   at.UTC(),
		})
		if err != nil {
			return 0, fmt.Errorf("error encoding notification: %w", err)
		}
		ops = append(ops, store.SetOp(schemas.NotificationPath(a.newID()), fields))
	}
	if len(ops) == 0 {
		return 0, nil
	}
	if err := a.store.Batch(ctx, ops); err != nil {
		return 0, fmt.Errorf("error publishing notifications: %w", err)
	}
	a.log.Debug("notifications published",
		zap.String("sender", ev.Sender.UserID),
		zap.String("doc", ev.DocID),
		zap.Int("count", len(ops)))
	return len(ops), nil
}

func (a *Aggregator) query(userID string) store.Query {
	return store.From(schemas.NotificationsPath()).Where("userId", store.Eq, userID)
}

// Subscribe delivers userID's notifications newest first, now and after every
// change. Delivery is at least once; the same list may arrive twice.
func (a *Aggregator) Subscribe(ctx context.Context, userID string, fn func([]schemas.Notification)) (store.Disposer, error) {
	return a.store.WatchQuery(ctx, a.query(userID), func(snaps []store.Snapshot) {
		fn(a.decode(snaps))
	})
}

// List reads userID's notifications newest first.
func (a *Aggregator) List(ctx context.Context, userID string) ([]schemas.Notification, error) {
	snaps, err := a.store.Query(ctx, a.query(userID))
	if err != nil {
		return nil, fmt.Errorf("error listing notifications for %s: %w", userID, err)
	}
	return a.decode(snaps), nil
}

// ClearAll deletes every notification of userID in one batch and returns how
// many were removed.
func (a *Aggregator) ClearAll(ctx context.Context, userID string) (int, error) {
	snaps, err := a.store.Query(ctx, a.query(userID))
	if err != nil {
		return 0, fmt.Errorf("error listing notifications for %s: %w", userID, err)
	}
	if len(snaps) == 0 {
		return 0, nil
	}
	ops := make([]store.Op, len(snaps))
	for i, s := range snaps {
		ops[i] = store.DeleteOp(s.Path)
	}
	if err := a.store.Batch(ctx, ops); err != nil {
		return 0, fmt.Errorf("error clearing notifications for %s: %w", userID, err)
	}
	return len(ops), nil
}

// Dismiss acknowledges a single notification.
func (a *Aggregator) Dismiss(ctx context.Context, id string) error {
	if err := a.store.Delete(ctx, schemas.NotificationPath(id)); err != nil {
		return fmt.Errorf("error dismissing notification %s: %w", id, err)
	}
	return nil
}

func (a *Aggregator) decode(snaps []store.Snapshot) []schemas.Notification {
	out := make([]schemas.Notification, 0, len(snaps))
	for _, s := range snaps {
		var n schemas.Notification
		if err := schemas.Decode(s.Fields, &n); err != nil {
			a.log.Warn("skipping malformed notification", zap.String("id", s.ID()), zap.Error(err))
			continue
		}
		n.ID = s.ID()
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.After(out[j].Timestamp)
		}
		return out[i].ID < out[j].ID
	})
	return out
}
