// Package voice connects the local user to server voice channels. Presence in a
// channel is the user's id in the channel's participants list; the media session
// is keyed by the server and channel ids.
package voice

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/Kimchiigu/PHiscord/internal/media"
	"github.com/Kimchiigu/PHiscord/internal/schemas"
	"github.com/Kimchiigu/PHiscord/internal/store"
)

var (
	ErrNoChannel    = errors.New("no such channel")
	ErrNotVoice     = errors.New("not a voice channel")
	ErrNotConnected = errors.New("not connected to this channel")
)

// PresenceSource is what voice needs from the presence tracker.
type PresenceSource interface {
	Get(ctx context.Context, userID string) (schemas.Presence, error)
	Subscribe(ctx context.Context, userID string, fn func(schemas.Presence)) (store.Disposer, error)
}

// Service holds the local user's voice connection. A user is in at most one
// voice channel; joining another leaves the current one.
type Service struct {
	store    store.Store
	media    media.Session
	presence PresenceSource
	log      *zap.Logger

	mu  sync.Mutex
	cur *conn
}

type conn struct {
	userID    string
	serverID  string
	channelID string
	handle    media.Handle
	dispose   store.Disposer
}

func New(s store.Store, m media.Session, p PresenceSource, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{store: s, media: m, presence: p, log: log.Named("voice")}
}

func (s *Service) update(ctx context.Context, serverID, channelID string, fn func([]string) []string) error {
	return s.store.RunTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		path := schemas.ChannelPath(serverID, channelID)
		snap, err := tx.Get(ctx, path)
		if err != nil {
			return err
		}
		if !snap.Exists {
			return ErrNoChannel
		}
		var ch schemas.Channel
		if err := schemas.Decode(snap.Fields, &ch); err != nil {
			return err
		}
		if ch.Type != schemas.ChannelVoice {
			return ErrNotVoice
		}
		next := fn(ch.Participants)
		if slices.Equal(next, ch.Participants) {
			return nil
		}
		tx.Set(path, store.Fields{"participants": next}, store.Merge())
		return nil
	})
}

// Join adds userID to the channel's participants and opens the channel's media
// session with the user's current mute and deafen flags.
func (s *Service) Join(ctx context.Context, userID, serverID, channelID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c := s.cur; c != nil {
		if c.serverID == serverID && c.channelID == channelID && c.userID == userID {
			return nil
		}
		if err := s.leave(ctx, c); err != nil {
			return fmt.Errorf("error leaving %s: %w", c.channelID, err)
		}
	}

	err := s.update(ctx, serverID, channelID, func(ps []string) []string {
		if slices.Contains(ps, userID) {
			return ps
		}
		return append(slices.Clone(ps), userID)
	})
	if err != nil {
		return fmt.Errorf("error joining %s: %w", channelID, err)
	}

	c := &conn{userID: userID, serverID: serverID, channelID: channelID}
	if err := s.connect(ctx, c); err != nil {
		rerr := s.update(ctx, serverID, channelID, func(ps []string) []string {
			return slices.DeleteFunc(slices.Clone(ps), func(p string) bool { return p == userID })
		})
		return multierr.Append(fmt.Errorf("error joining %s: %w", channelID, err), rerr)
	}
	s.cur = c
	s.log.Info("joined voice channel", zap.String("server", serverID), zap.String("channel", channelID))
	return nil
}

// mediaKey names the media session of a channel. Channel ids are only unique
// within their server.
func mediaKey(serverID, channelID string) string {
	return serverID + "/" + channelID
}

func (s *Service) connect(ctx context.Context, c *conn) error {
	p, err := s.presence.Get(ctx, c.userID)
	if err != nil {
		return err
	}
	c.handle, err = s.media.Open(ctx, mediaKey(c.serverID, c.channelID), media.Tracks{Muted: p.IsMuted, Deafened: p.IsDeafened})
	if err != nil {
		return err
	}
	h := c.handle
	c.dispose, err = s.presence.Subscribe(context.Background(), c.userID, func(p schemas.Presence) {
		if err := multierr.Combine(h.SetMuted(p.IsMuted), h.SetDeafened(p.IsDeafened)); err != nil {
			s.log.Warn("error applying mute/deafen", zap.Error(err))
		}
	})
	if err != nil {
		return multierr.Append(err, s.media.Close(h))
	}
	return nil
}

// Leave removes userID from the channel and closes its media session.
func (s *Service) Leave(ctx context.Context, userID, serverID, channelID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.cur
	if c == nil || c.userID != userID || c.serverID != serverID || c.channelID != channelID {
		return ErrNotConnected
	}
	return s.leave(ctx, c)
}

// leave always releases the local session, even when the participants write
// fails.
func (s *Service) leave(ctx context.Context, c *conn) error {
	s.cur = nil
	if c.dispose != nil {
		c.dispose()
	}
	err := s.media.Close(c.handle)
	err = multierr.Append(err, s.update(ctx, c.serverID, c.channelID, func(ps []string) []string {
		return slices.DeleteFunc(slices.Clone(ps), func(p string) bool { return p == c.userID })
	}))
	if err != nil {
		return fmt.Errorf("error leaving %s: %w", c.channelID, err)
	}
	s.log.Info("left voice channel", zap.String("server", c.serverID), zap.String("channel", c.channelID))
	return nil
}

// Remove takes userID out of a channel's participants without touching any
// media session. It clears entries left behind by a client that exited without
// leaving.
func (s *Service) Remove(ctx context.Context, userID, serverID, channelID string) error {
	err := s.update(ctx, serverID, channelID, func(ps []string) []string {
		return slices.DeleteFunc(slices.Clone(ps), func(p string) bool { return p == userID })
	})
	if err != nil {
		return fmt.Errorf("error removing %s from %s: %w", userID, channelID, err)
	}
	return nil
}

// Current returns the server and channel the user is connected to.
func (s *Service) Current() (serverID, channelID string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == nil {
		return "", "", false
	}
	return s.cur.serverID, s.cur.channelID, true
}

// Close leaves the current channel, if any.
func (s *Service) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == nil {
		return nil
	}
	return s.leave(ctx, s.cur)
}

// Subscribe delivers the participants of a channel, now and after every change.
func (s *Service) Subscribe(ctx context.Context, serverID, channelID string, fn func([]string)) (store.Disposer, error) {
	return s.store.Watch(ctx, schemas.ChannelPath(serverID, channelID), func(snap store.Snapshot) {
		var ch schemas.Channel
		if snap.Exists {
			if err := schemas.Decode(snap.Fields, &ch); err != nil {
				s.log.Warn("skipping malformed channel", zap.String("channel", channelID), zap.Error(err))
				return
			}
		}
		fn(ch.Participants)
	})
}
