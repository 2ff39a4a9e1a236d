// Package signaling runs the two-party call handshake on the call record of a
// conversation: idle -> waiting -> accepted -> ended, with decline and ring
// timeout ending a waiting call. Every transition is a store transaction, at most
// one call per conversation is active, and once a call has ended no later write
// can revive it.
package signaling

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Kimchiigu/PHiscord/internal/media"
	"github.com/Kimchiigu/PHiscord/internal/schemas"
	"github.com/Kimchiigu/PHiscord/internal/store"
)

// DefaultRingTimeout bounds how long a call may stay waiting.
const DefaultRingTimeout = 45 * time.Second

var (
	// ErrBusy is returned by Initiate when the conversation already has a waiting
	// or accepted call.
	ErrBusy = errors.New("conversation already has an active call")
	// ErrCallEnded is returned when the call has already ended.
	ErrCallEnded = errors.New("call has ended")
	// ErrStaleCall is returned when the call id no longer names the current call.
	ErrStaleCall = errors.New("call id does not match the current call")
	// ErrNotCallee is returned when someone other than the callee answers.
	ErrNotCallee = errors.New("only the callee can answer this call")
	// ErrNotParticipant is returned when a non-party tries to end a call.
	ErrNotParticipant = errors.New("not a party to this call")
	// ErrNotRinging is returned when declining a call that was already accepted.
	ErrNotRinging = errors.New("call is not ringing")
)

type Signaler struct {
	store       store.Store
	log         *zap.Logger
	now         func() time.Time
	newID       func() string
	ringTimeout time.Duration
	media       media.Session
	presence    PresenceSource
}

// Option configures a Signaler.
type Option func(*Signaler)

// WithRingTimeout sets how long a call may ring before it ends with reason
// timeout.
func WithRingTimeout(d time.Duration) Option {
	return func(s *Signaler) {
		if d > 0 {
			s.ringTimeout = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Signaler) { s.now = now }
}

// WithIDs overrides the call id generator.
func WithIDs(newID func() string) Option {
	return func(s *Signaler) { s.newID = newID }
}

func New(st store.Store, log *zap.Logger, opts ...Option) *Signaler {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Signaler{
		store:       st,
		log:         log.Named("signaling"),
		now:         time.Now,
		newID:       func() string { return uuid.New().String() },
		ringTimeout: DefaultRingTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RingTimeout returns the configured ring timeout.
func (s *Signaler) RingTimeout() time.Duration { return s.ringTimeout }

func (s *Signaler) stale(c schemas.CallSession) bool {
	return c.Status() == schemas.CallWaiting &&
		c.CallData != nil &&
		s.now().Sub(c.CallData.StartedAt) > s.ringTimeout
}

func readCall(ctx context.Context, tx store.Tx, dmID string) (schemas.CallSession, bool, error) {
	snap, err := tx.Get(ctx, schemas.ConversationPath(dmID))
	if err != nil {
		return schemas.CallSession{}, false, err
	}
	var c schemas.CallSession
	if !snap.Exists {
		return c, false, nil
	}
	if err := schemas.Decode(snap.Fields, &c); err != nil {
		return c, true, fmt.Errorf("error decoding call on %s: %w", dmID, err)
	}
	return c, true, nil
}

// Initiate offers a call from caller to callee on conversation dmID. It fails
// with ErrBusy, leaving the record untouched, if a call is already waiting or
// accepted. A waiting call older than the ring timeout does not count.
func (s *Signaler) Initiate(ctx context.Context, dmID string, caller schemas.Identity, callee string, typ schemas.CallType) (schemas.CallData, error) {
	if !typ.Valid() {
		return schemas.CallData{}, fmt.Errorf("error initiating call: invalid call type %q", typ)
	}
	if caller.UserID == "" || callee == "" || caller.UserID == callee {
		return schemas.CallData{}, fmt.Errorf("error initiating call: need two distinct parties")
	}
	data := schemas.CallData{
		CallID:      s.newID(),
		From:        caller.UserID,
		To:          callee,
		DisplayName: caller.DisplayName,
		Type:        typ,
		StartedAt:   s.now().UTC(),
	}
	err := s.store.RunTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		c, _, err := readCall(ctx, tx, dmID)
		if err != nil {
			return err
		}
		if c.Status().Active() && !s.stale(c) {
			return ErrBusy
		}
		fields, err := schemas.ToFields(data)
		if err != nil {
			return err
		}
		update := store.Fields{
			"callStatus": schemas.CallWaiting,
			"callData":   fields,
			"endReason":  "",
		}
		if !slices.Contains(c.Participants, caller.UserID) || !slices.Contains(c.Participants, callee) {
			update["participants"] = participants(c.Participants, caller.UserID, callee)
		}
		tx.Set(schemas.ConversationPath(dmID), update, store.Merge())
		return nil
	})
	if err != nil {
		return schemas.CallData{}, fmt.Errorf("error initiating call on %s: %w", dmID, err)
	}
	s.log.Info("call offered",
		zap.String("dm", dmID),
		zap.String("call", data.CallID),
		zap.String("from", data.From),
		zap.String("to", data.To))
	return data, nil
}

func participants(existing []string, ids ...string) []string {
	out := slices.Clone(existing)
	for _, id := range ids {
		if !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out
}

// transition runs fn against the current call inside a transaction after
// checking that callID still names it. fn returns the fields to merge, or nil to
// leave the record alone.
func (s *Signaler) transition(ctx context.Context, dmID, callID string, fn func(c schemas.CallSession) (store.Fields, error)) error {
	return s.store.RunTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		c, exists, err := readCall(ctx, tx, dmID)
		if err != nil {
			return err
		}
		if !exists || c.CallID() == "" || c.CallID() != callID {
			return ErrStaleCall
		}
		update, err := fn(c)
		if err != nil || update == nil {
			return err
		}
		tx.Set(schemas.ConversationPath(dmID), update, store.Merge())
		return nil
	})
}

// Accept answers a waiting call. Only the callee may accept. If the call has
// already ended, for any reason, Accept fails with ErrCallEnded: ended always
// wins over accepted.
func (s *Signaler) Accept(ctx context.Context, dmID, self, callID string) error {
	var expired bool
	err := s.transition(ctx, dmID, callID, func(c schemas.CallSession) (store.Fields, error) {
		expired = false
		if c.CallData.To != self {
			return nil, ErrNotCallee
		}
		switch c.Status() {
		case schemas.CallAccepted:
			return nil, nil
		case schemas.CallWaiting:
			if s.stale(c) {
				expired = true
				return store.Fields{"callStatus": schemas.CallEnded, "endReason": schemas.EndTimeout}, nil
			}
			return store.Fields{"callStatus": schemas.CallAccepted}, nil
		default:
			return nil, ErrCallEnded
		}
	})
	if err == nil && expired {
		err = ErrCallEnded
	}
	if err != nil {
		return fmt.Errorf("error accepting call %s: %w", callID, err)
	}
	s.log.Info("call accepted", zap.String("dm", dmID), zap.String("call", callID))
	return nil
}

// Decline rejects a waiting call; the record ends with reason declined. Declining
// a call that already ended is a no-op.
func (s *Signaler) Decline(ctx context.Context, dmID, self, callID string) error {
	err := s.transition(ctx, dmID, callID, func(c schemas.CallSession) (store.Fields, error) {
		if c.CallData.To != self {
			return nil, ErrNotCallee
		}
		switch c.Status() {
		case schemas.CallWaiting:
			return store.Fields{"callStatus": schemas.CallEnded, "endReason": schemas.EndDeclined}, nil
		case schemas.CallAccepted:
			return nil, ErrNotRinging
		default:
			return nil, nil
		}
	})
	if err != nil {
		return fmt.Errorf("error declining call %s: %w", callID, err)
	}
	s.log.Info("call declined", zap.String("dm", dmID), zap.String("call", callID))
	return nil
}

// HangUp ends a waiting or accepted call from either side. Concurrent hang-ups
// converge on ended; hanging up an ended call is a no-op.
func (s *Signaler) HangUp(ctx context.Context, dmID, self, callID string) error {
	err := s.transition(ctx, dmID, callID, func(c schemas.CallSession) (store.Fields, error) {
		if c.CallData.From != self && c.CallData.To != self {
			return nil, ErrNotParticipant
		}
		if !c.Status().Active() {
			return nil, nil
		}
		return store.Fields{"callStatus": schemas.CallEnded, "endReason": schemas.EndHangup}, nil
	})
	if err != nil {
		return fmt.Errorf("error hanging up call %s: %w", callID, err)
	}
	s.log.Info("call ended", zap.String("dm", dmID), zap.String("call", callID))
	return nil
}

// Expire ends callID with reason timeout if it is still waiting.
func (s *Signaler) Expire(ctx context.Context, dmID, callID string) error {
	err := s.transition(ctx, dmID, callID, func(c schemas.CallSession) (store.Fields, error) {
		if c.Status() != schemas.CallWaiting {
			return nil, nil
		}
		return store.Fields{"callStatus": schemas.CallEnded, "endReason": schemas.EndTimeout}, nil
	})
	if err != nil && !errors.Is(err, ErrStaleCall) {
		return fmt.Errorf("error expiring call %s: %w", callID, err)
	}
	return nil
}

// Get reads the call record of a conversation.
func (s *Signaler) Get(ctx context.Context, dmID string) (schemas.CallSession, error) {
	snap, err := s.store.Get(ctx, schemas.ConversationPath(dmID))
	if err != nil {
		return schemas.CallSession{}, fmt.Errorf("error reading call on %s: %w", dmID, err)
	}
	var c schemas.CallSession
	if !snap.Exists {
		return c, nil
	}
	if err := schemas.Decode(snap.Fields, &c); err != nil {
		return c, fmt.Errorf("error decoding call on %s: %w", dmID, err)
	}
	return c, nil
}

// Watch follows the call record of one conversation.
func (s *Signaler) Watch(ctx context.Context, dmID string, fn func(schemas.CallSession)) (store.Disposer, error) {
	return s.store.Watch(ctx, schemas.ConversationPath(dmID), func(snap store.Snapshot) {
		var c schemas.CallSession
		if snap.Exists {
			if err := schemas.Decode(snap.Fields, &c); err != nil {
				s.log.Warn("skipping malformed call record", zap.String("dm", dmID), zap.Error(err))
				return
			}
		}
		fn(c)
	})
}

// Incoming is a call offered to the watching user.
type Incoming struct {
	DMID string
	Data schemas.CallData
}

// Pending lists the calls currently ringing for self, oldest first.
func (s *Signaler) Pending(ctx context.Context, self string) ([]Incoming, error) {
	snaps, err := s.store.Query(ctx, s.incomingQuery(self))
	if err != nil {
		return nil, fmt.Errorf("error listing calls for %s: %w", self, err)
	}
	var out []Incoming
	for _, snap := range snaps {
		if in, ok := s.ringing(snap, self); ok {
			out = append(out, in)
		}
	}
	slices.SortFunc(out, func(a, b Incoming) int { return a.Data.StartedAt.Compare(b.Data.StartedAt) })
	return out, nil
}

func (s *Signaler) incomingQuery(self string) store.Query {
	return store.From(schemas.ConversationsPath()).Where("participants", store.ArrayContains, self)
}

// ringing reports whether snap holds a live call waiting for self.
func (s *Signaler) ringing(snap store.Snapshot, self string) (Incoming, bool) {
	var c schemas.CallSession
	if err := schemas.Decode(snap.Fields, &c); err != nil {
		s.log.Warn("skipping malformed call record", zap.String("dm", snap.ID()), zap.Error(err))
		return Incoming{}, false
	}
	if c.Status() != schemas.CallWaiting || c.CallData.To != self || s.stale(c) {
		return Incoming{}, false
	}
	return Incoming{DMID: snap.ID(), Data: *c.CallData}, true
}

// WatchIncoming raises every waiting call addressed to self, once per call id,
// across all conversations self takes part in. Calls that rang longer than the
// ring timeout are not raised.
func (s *Signaler) WatchIncoming(ctx context.Context, self string, fn func(Incoming)) (store.Disposer, error) {
	var mu sync.Mutex
	raised := make(map[string]bool)
	return s.store.WatchQuery(ctx, s.incomingQuery(self), func(snaps []store.Snapshot) {
		mu.Lock()
		defer mu.Unlock()
		waiting := make(map[string]bool)
		for _, snap := range snaps {
			in, ok := s.ringing(snap, self)
			if !ok {
				continue
			}
			id := in.Data.CallID
			waiting[id] = true
			if raised[id] {
				continue
			}
			raised[id] = true
			fn(in)
		}
		for id := range raised {
			if !waiting[id] {
				delete(raised, id)
			}
		}
	})
}
