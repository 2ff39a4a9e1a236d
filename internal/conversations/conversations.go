// Package conversations writes direct and channel messages and raises the
// matching notifications for everyone else in the conversation.
package conversations

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Kimchiigu/PHiscord/internal/notify"
	"github.com/Kimchiigu/PHiscord/internal/schemas"
	"github.com/Kimchiigu/PHiscord/internal/store"
)

// DMID returns the conversation id of two users. It does not depend on who
// asks.
func DMID(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return "dm_" + a + "_" + b
}

type Service struct {
	store  store.Store
	notify *notify.Aggregator
	log    *zap.Logger
	now    func() time.Time
	newID  func() string
}

func New(s store.Store, n *notify.Aggregator, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		store:  s,
		notify: n,
		log:    log.Named("conversations"),
		now:    time.Now,
		newID:  func() string { return uuid.New().String() },
	}
}

// OpenDM returns the conversation of a and b, creating its record if needed.
func (s *Service) OpenDM(ctx context.Context, a, b string) (string, error) {
	if a == "" || b == "" || a == b {
		return "", fmt.Errorf("error opening conversation: need two distinct users")
	}
	id := DMID(a, b)
	want := []string{a, b}
	slices.Sort(want)
	err := s.store.RunTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		snap, err := tx.Get(ctx, schemas.ConversationPath(id))
		if err != nil {
			return err
		}
		if snap.Exists {
			return nil
		}
		tx.Set(schemas.ConversationPath(id), store.Fields{"participants": want})
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("error opening conversation %s: %w", id, err)
	}
	return id, nil
}

func (s *Service) participants(ctx context.Context, dmID string) ([]string, error) {
	snap, err := s.store.Get(ctx, schemas.ConversationPath(dmID))
	if err != nil {
		return nil, err
	}
	if !snap.Exists {
		return nil, fmt.Errorf("conversation %s does not exist", dmID)
	}
	var c schemas.CallSession
	if err := schemas.Decode(snap.Fields, &c); err != nil {
		return nil, err
	}
	return c.Participants, nil
}

func (s *Service) write(ctx context.Context, col store.Path, from schemas.Identity, text string) (string, time.Time, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", time.Time{}, fmt.Errorf("empty message")
	}
	at := s.now().UTC()
	fields, err := schemas.ToFields(schemas.Message{
		UserID:    from.UserID,
		User:      from.DisplayName,
		Message:   text,
		Timestamp: at,
	})
	if err != nil {
		return "", at, err
	}
	id := s.newID()
	if err := s.store.Set(ctx, col.Doc(id), fields); err != nil {
		return "", at, err
	}
	return id, at, nil
}

// SendDM writes a message into dmID and notifies the other participant. The
// message stays written if the notification fails.
func (s *Service) SendDM(ctx context.Context, from schemas.Identity, dmID, text string) (string, error) {
	parts, err := s.participants(ctx, dmID)
	if err != nil {
		return "", fmt.Errorf("error sending message: %w", err)
	}
	if !slices.Contains(parts, from.UserID) {
		return "", fmt.Errorf("error sending message: %s is not in %s", from.UserID, dmID)
	}
	id, at, err := s.write(ctx, schemas.ConversationMessagesPath(dmID), from, text)
	if err != nil {
		return "", fmt.Errorf("error sending message: %w", err)
	}
	_, err = s.notify.Publish(ctx, notify.Event{
		Type:       schemas.NotifyDM,
		Sender:     from,
		Recipients: parts,
		Content:    text,
		DocID:      dmID,
		At:         at,
	})
	return id, err
}

// SendChannelMessage writes a message into a server channel and notifies every
// other member of the server.
func (s *Service) SendChannelMessage(ctx context.Context, from schemas.Identity, serverID, channelID, text string) (string, error) {
	snap, err := s.store.Get(ctx, schemas.ChannelPath(serverID, channelID))
	if err != nil {
		return "", fmt.Errorf("error sending message: %w", err)
	}
	if !snap.Exists {
		return "", fmt.Errorf("error sending message: channel %s does not exist", channelID)
	}
	var ch schemas.Channel
	if err := schemas.Decode(snap.Fields, &ch); err != nil {
		return "", fmt.Errorf("error sending message: %w", err)
	}
	members, err := s.store.Query(ctx, store.From(schemas.MembersPath(serverID)))
	if err != nil {
		return "", fmt.Errorf("error sending message: %w", err)
	}
	recipients := make([]string, 0, len(members))
	for _, m := range members {
		recipients = append(recipients, m.ID())
	}

	id, at, err := s.write(ctx, schemas.ChannelMessagesPath(serverID, channelID), from, text)
	if err != nil {
		return "", fmt.Errorf("error sending message: %w", err)
	}
	_, err = s.notify.Publish(ctx, notify.Event{
		Type:        schemas.NotifyChannel,
		Sender:      from,
		Recipients:  recipients,
		Content:     text,
		DocID:       channelID,
		ChannelName: ch.Name,
		At:          at,
	})
	return id, err
}

// Watch delivers the messages under col in send order, now and after every
// change.
func (s *Service) Watch(ctx context.Context, col store.Path, fn func([]schemas.Message)) (store.Disposer, error) {
	return s.store.WatchQuery(ctx, store.From(col), func(snaps []store.Snapshot) {
		fn(s.decode(snaps))
	})
}

func (s *Service) decode(snaps []store.Snapshot) []schemas.Message {
	type keyed struct {
		id string
		m  schemas.Message
	}
	ks := make([]keyed, 0, len(snaps))
	for _, snap := range snaps {
		var m schemas.Message
		if err := schemas.Decode(snap.Fields, &m); err != nil {
			s.log.Warn("skipping malformed message", zap.String("path", snap.Path.String()), zap.Error(err))
			continue
		}
		ks = append(ks, keyed{snap.ID(), m})
	}
	sort.Slice(ks, func(i, j int) bool {
		if !ks[i].m.Timestamp.Equal(ks[j].m.Timestamp) {
			return ks[i].m.Timestamp.Before(ks[j].m.Timestamp)
		}
		return ks[i].id < ks[j].id
	})
	out := make([]schemas.Message, len(ks))
	for i, k := range ks {
		out[i] = k.m
	}
	return out
}
