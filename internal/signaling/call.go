package signaling

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/Kimchiigu/PHiscord/internal/media"
	"github.com/Kimchiigu/PHiscord/internal/schemas"
	"github.com/Kimchiigu/PHiscord/internal/store"
)

// PresenceSource is what a live call needs from the presence tracker.
type PresenceSource interface {
	Subscribe(ctx context.Context, userID string, fn func(schemas.Presence)) (store.Disposer, error)
}

// WithMedia makes Dial and Answer open a media session once the call connects.
func WithMedia(m media.Session) Option {
	return func(s *Signaler) { s.media = m }
}

// WithPresence makes live calls follow the local user's mute and deafen flags.
func WithPresence(p PresenceSource) Option {
	return func(s *Signaler) { s.presence = p }
}

// Call is one side of a live call. It opens the media session when the record
// reaches accepted, keeps the local tracks in line with the user's presence
// flags, and closes everything when the record reaches ended.
type Call struct {
	s    *Signaler
	dmID string
	self string
	data schemas.CallData
	log  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu          sync.Mutex
	status      schemas.CallStatus
	reason      schemas.EndReason
	flags       schemas.Presence
	handle      media.Handle
	finished    bool
	subs        []store.Disposer
	timer       *time.Timer
	onChange    []func(schemas.CallStatus)
	teardownErr error
}

// Dial offers a call and follows it. The offer ends with reason timeout if it
// is not answered within the ring timeout.
func (s *Signaler) Dial(ctx context.Context, dmID string, caller schemas.Identity, callee string, typ schemas.CallType) (*Call, error) {
	data, err := s.Initiate(ctx, dmID, caller, callee, typ)
	if err != nil {
		return nil, err
	}
	c := s.newCall(dmID, caller.UserID, data, schemas.CallWaiting)
	c.timer = time.AfterFunc(s.ringTimeout, func() {
		if err := s.Expire(context.Background(), dmID, data.CallID); err != nil {
			c.log.Warn("error expiring call", zap.Error(err))
		}
	})
	if err := c.follow(); err != nil {
		c.finish(schemas.CallEnded, "")
		if herr := s.HangUp(ctx, dmID, caller.UserID, data.CallID); herr != nil {
			err = multierr.Append(err, herr)
		}
		return nil, err
	}
	return c, nil
}

// Answer accepts an incoming call and follows it.
func (s *Signaler) Answer(ctx context.Context, in Incoming, self string) (*Call, error) {
	if err := s.Accept(ctx, in.DMID, self, in.Data.CallID); err != nil {
		return nil, err
	}
	c := s.newCall(in.DMID, self, in.Data, schemas.CallAccepted)
	if err := c.follow(); err != nil {
		c.finish(schemas.CallEnded, "")
		return nil, multierr.Append(err, s.HangUp(ctx, in.DMID, self, in.Data.CallID))
	}
	return c, nil
}

func (s *Signaler) newCall(dmID, self string, data schemas.CallData, status schemas.CallStatus) *Call {
	ctx, cancel := context.WithCancel(context.Background())
	return &Call{
		s:      s,
		dmID:   dmID,
		self:   self,
		data:   data,
		log:    s.log.With(zap.String("dm", dmID), zap.String("call", data.CallID)),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		status: status,
	}
}

func (c *Call) follow() error {
	if c.s.presence != nil {
		d, err := c.s.presence.Subscribe(c.ctx, c.self, c.onPresence)
		if err != nil {
			return err
		}
		c.keep(d)
	}
	d, err := c.s.Watch(c.ctx, c.dmID, c.onRecord)
	if err != nil {
		return err
	}
	c.keep(d)
	return nil
}

// keep records a subscription to dispose at the end, or disposes it right away
// if the call already finished.
func (c *Call) keep(d store.Disposer) {
	c.mu.Lock()
	if !c.finished {
		c.subs = append(c.subs, d)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	d()
}

func (c *Call) onRecord(rec schemas.CallSession) {
	if rec.CallID() != c.data.CallID {
		// replaced by a newer call, so this one is over
		c.finish(schemas.CallEnded, "")
		return
	}
	switch rec.Status() {
	case schemas.CallAccepted:
		c.connect()
	case schemas.CallEnded, schemas.CallDeclined:
		c.finish(schemas.CallEnded, rec.EndReason)
	}
}

func (c *Call) connect() {
	c.mu.Lock()
	if c.finished || c.handle != nil {
		c.mu.Unlock()
		return
	}
	if c.timer != nil {
		c.timer.Stop()
	}
	c.status = schemas.CallAccepted
	flags := c.flags
	c.mu.Unlock()
	c.notify(schemas.CallAccepted)

	if c.s.media == nil {
		return
	}
	h, err := c.s.media.Open(c.ctx, c.dmID, media.Tracks{
		Video:    c.data.Type == schemas.CallVideo,
		Muted:    flags.IsMuted,
		Deafened: flags.IsDeafened,
	})
	if err != nil {
		c.log.Error("error opening media session", zap.Error(err))
		return
	}

	c.mu.Lock()
	if c.finished {
		c.mu.Unlock()
		if err := c.s.media.Close(h); err != nil {
			c.log.Warn("error closing media session", zap.Error(err))
		}
		return
	}
	c.handle = h
	// flags may have moved while the session was opening
	latest := c.flags
	c.mu.Unlock()
	c.apply(h, latest)
}

func (c *Call) onPresence(p schemas.Presence) {
	c.mu.Lock()
	c.flags = p
	h := c.handle
	c.mu.Unlock()
	if h != nil {
		c.apply(h, p)
	}
}

func (c *Call) apply(h media.Handle, p schemas.Presence) {
	if err := multierr.Combine(h.SetMuted(p.IsMuted), h.SetDeafened(p.IsDeafened)); err != nil {
		c.log.Warn("error applying mute/deafen", zap.Error(err))
	}
}

func (c *Call) finish(status schemas.CallStatus, reason schemas.EndReason) {
	c.mu.Lock()
	if c.finished {
		c.mu.Unlock()
		return
	}
	c.finished = true
	c.status = status
	c.reason = reason
	if c.timer != nil {
		c.timer.Stop()
	}
	subs := c.subs
	c.subs = nil
	h := c.handle
	c.handle = nil
	c.mu.Unlock()

	var err error
	if h != nil {
		err = c.s.media.Close(h)
	}
	for _, d := range subs {
		d()
	}
	c.cancel()

	c.mu.Lock()
	c.teardownErr = err
	c.mu.Unlock()
	if err != nil {
		c.log.Warn("error closing media session", zap.Error(err))
	}
	c.log.Info("call finished", zap.String("reason", string(reason)))
	c.notify(status)
	close(c.done)
}

func (c *Call) notify(status schemas.CallStatus) {
	c.mu.Lock()
	fns := append([]func(schemas.CallStatus)(nil), c.onChange...)
	c.mu.Unlock()
	for _, fn := range fns {
		fn(status)
	}
}

// OnChange registers fn to run when the call connects and when it ends.
func (c *Call) OnChange(fn func(schemas.CallStatus)) {
	c.mu.Lock()
	c.onChange = append(c.onChange, fn)
	c.mu.Unlock()
}

// HangUp ends the call for both sides.
func (c *Call) HangUp(ctx context.Context) error {
	err := c.s.HangUp(ctx, c.dmID, c.self, c.data.CallID)
	if err != nil && !errors.Is(err, ErrStaleCall) {
		return err
	}
	c.finish(schemas.CallEnded, schemas.EndHangup)
	return c.Err()
}

// Done is closed once the call has ended and its media session is closed.
func (c *Call) Done() <-chan struct{} { return c.done }

func (c *Call) ID() string             { return c.data.CallID }
func (c *Call) DMID() string           { return c.dmID }
func (c *Call) Data() schemas.CallData { return c.data }

// Status returns the last status this side observed.
func (c *Call) Status() schemas.CallStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// EndReason is set once the call has ended.
func (c *Call) EndReason() schemas.EndReason {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// Media returns the open media handle, if connected.
func (c *Call) Media() media.Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handle
}

// Err returns the error from closing the media session, if any.
func (c *Call) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.teardownErr
}
