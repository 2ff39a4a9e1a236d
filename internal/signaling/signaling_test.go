package signaling

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kimchiigu/PHiscord/internal/media"
	"github.com/Kimchiigu/PHiscord/internal/presence"
	"github.com/Kimchiigu/PHiscord/internal/schemas"
	"github.com/Kimchiigu/PHiscord/internal/store"
	"github.com/Kimchiigu/PHiscord/internal/store/memstore"
)

const dm = "dm_alice_bob"

var (
	alice = schemas.Identity{UserID: "alice", DisplayName: "Alice"}
	bob   = schemas.Identity{UserID: "bob", DisplayName: "Bob"}
)

func sequentialIDs() func() string {
	var n atomic.Int64
	return func() string { return fmt.Sprintf("call-%d", n.Add(1)) }
}

func newStore(t *testing.T) store.Store {
	s := memstore.New()
	t.Cleanup(func() { s.Close() })
	return s
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 5*time.Second, 5*time.Millisecond, msg)
}

func TestInitiateWhileBusyLeavesRecordAlone(t *testing.T) {
	s := newStore(t)
	sig := New(s, nil, WithIDs(sequentialIDs()))
	ctx := context.Background()

	first, err := sig.Initiate(ctx, dm, alice, "bob", schemas.CallVoice)
	require.NoError(t, err)
	before, err := s.Get(ctx, schemas.ConversationPath(dm))
	require.NoError(t, err)

	_, err = sig.Initiate(ctx, dm, bob, "alice", schemas.CallVideo)
	assert.ErrorIs(t, err, ErrBusy)
	after, err := s.Get(ctx, schemas.ConversationPath(dm))
	require.NoError(t, err)
	assert.Equal(t, before, after)

	require.NoError(t, sig.Accept(ctx, dm, "bob", first.CallID))
	_, err = sig.Initiate(ctx, dm, bob, "alice", schemas.CallVoice)
	assert.ErrorIs(t, err, ErrBusy)

	require.NoError(t, sig.HangUp(ctx, dm, "alice", first.CallID))
	second, err := sig.Initiate(ctx, dm, bob, "alice", schemas.CallVoice)
	require.NoError(t, err)
	assert.NotEqual(t, first.CallID, second.CallID)

	c, err := sig.Get(ctx, dm)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, c.Participants)
	assert.Equal(t, schemas.CallWaiting, c.Status())
	assert.Empty(t, c.EndReason)
}

func TestInitiateValidatesParties(t *testing.T) {
	sig := New(newStore(t), nil)
	ctx := context.Background()
	_, err := sig.Initiate(ctx, dm, alice, "alice", schemas.CallVoice)
	assert.Error(t, err)
	_, err = sig.Initiate(ctx, dm, alice, "bob", "hologram")
	assert.Error(t, err)
}

func TestEndedWins(t *testing.T) {
	s := newStore(t)
	sig := New(s, nil)
	ctx := context.Background()

	data, err := sig.Initiate(ctx, dm, alice, "bob", schemas.CallVoice)
	require.NoError(t, err)
	require.NoError(t, sig.HangUp(ctx, dm, "alice", data.CallID))
	assert.ErrorIs(t, sig.Accept(ctx, dm, "bob", data.CallID), ErrCallEnded)

	c, err := sig.Get(ctx, dm)
	require.NoError(t, err)
	assert.Equal(t, schemas.CallEnded, c.Status())
	assert.Equal(t, schemas.EndHangup, c.EndReason)
}

func TestConcurrentAcceptAndHangUpEndEnded(t *testing.T) {
	for i := 0; i < 20; i++ {
		s := newStore(t)
		sig := New(s, nil)
		ctx := context.Background()
		data, err := sig.Initiate(ctx, dm, alice, "bob", schemas.CallVoice)
		require.NoError(t, err)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			err := sig.Accept(ctx, dm, "bob", data.CallID)
			if err != nil {
				assert.ErrorIs(t, err, ErrCallEnded)
			}
		}()
		go func() {
			defer wg.Done()
			assert.NoError(t, sig.HangUp(ctx, dm, "alice", data.CallID))
		}()
		wg.Wait()

		c, err := sig.Get(ctx, dm)
		require.NoError(t, err)
		assert.Equal(t, schemas.CallEnded, c.Status())
	}
}

func TestTransitionsAreScopedByCallID(t *testing.T) {
	s := newStore(t)
	sig := New(s, nil, WithIDs(sequentialIDs()))
	ctx := context.Background()

	old, err := sig.Initiate(ctx, dm, alice, "bob", schemas.CallVoice)
	require.NoError(t, err)
	require.NoError(t, sig.HangUp(ctx, dm, "alice", old.CallID))
	cur, err := sig.Initiate(ctx, dm, alice, "bob", schemas.CallVoice)
	require.NoError(t, err)

	assert.ErrorIs(t, sig.Accept(ctx, dm, "bob", old.CallID), ErrStaleCall)
	assert.ErrorIs(t, sig.HangUp(ctx, dm, "bob", old.CallID), ErrStaleCall)
	assert.ErrorIs(t, sig.Decline(ctx, dm, "bob", old.CallID), ErrStaleCall)
	assert.NoError(t, sig.Expire(ctx, dm, old.CallID))

	c, err := sig.Get(ctx, dm)
	require.NoError(t, err)
	assert.Equal(t, cur.CallID, c.CallID())
	assert.Equal(t, schemas.CallWaiting, c.Status())
}

func TestOnlyTheCalleeAnswers(t *testing.T) {
	sig := New(newStore(t), nil)
	ctx := context.Background()
	data, err := sig.Initiate(ctx, dm, alice, "bob", schemas.CallVoice)
	require.NoError(t, err)

	assert.ErrorIs(t, sig.Accept(ctx, dm, "alice", data.CallID), ErrNotCallee)
	assert.ErrorIs(t, sig.Decline(ctx, dm, "alice", data.CallID), ErrNotCallee)
	assert.ErrorIs(t, sig.HangUp(ctx, dm, "mallory", data.CallID), ErrNotParticipant)
}

func TestDecline(t *testing.T) {
	sig := New(newStore(t), nil)
	ctx := context.Background()
	data, err := sig.Initiate(ctx, dm, alice, "bob", schemas.CallVoice)
	require.NoError(t, err)

	require.NoError(t, sig.Decline(ctx, dm, "bob", data.CallID))
	c, err := sig.Get(ctx, dm)
	require.NoError(t, err)
	assert.Equal(t, schemas.CallEnded, c.Status())
	assert.Equal(t, schemas.EndDeclined, c.EndReason)

	assert.NoError(t, sig.Decline(ctx, dm, "bob", data.CallID), "declining twice is a no-op")
	assert.ErrorIs(t, sig.Accept(ctx, dm, "bob", data.CallID), ErrCallEnded)
}

func TestDeclineAfterAccept(t *testing.T) {
	sig := New(newStore(t), nil)
	ctx := context.Background()
	data, err := sig.Initiate(ctx, dm, alice, "bob", schemas.CallVoice)
	require.NoError(t, err)
	require.NoError(t, sig.Accept(ctx, dm, "bob", data.CallID))
	require.NoError(t, sig.Accept(ctx, dm, "bob", data.CallID), "accepting twice is a no-op")
	assert.ErrorIs(t, sig.Decline(ctx, dm, "bob", data.CallID), ErrNotRinging)
}

func TestStaleWaitingCall(t *testing.T) {
	s := newStore(t)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		now = now.Add(d)
		mu.Unlock()
	}
	sig := New(s, nil, WithClock(clock), WithRingTimeout(time.Minute), WithIDs(sequentialIDs()))
	ctx := context.Background()

	data, err := sig.Initiate(ctx, dm, alice, "bob", schemas.CallVoice)
	require.NoError(t, err)
	advance(2 * time.Minute)

	assert.ErrorIs(t, sig.Accept(ctx, dm, "bob", data.CallID), ErrCallEnded)
	c, err := sig.Get(ctx, dm)
	require.NoError(t, err)
	assert.Equal(t, schemas.CallEnded, c.Status())
	assert.Equal(t, schemas.EndTimeout, c.EndReason)

	// a forgotten waiting call does not block a new one
	next, err := sig.Initiate(ctx, dm, alice, "bob", schemas.CallVoice)
	require.NoError(t, err)
	advance(2 * time.Minute)
	_, err = sig.Initiate(ctx, dm, bob, "alice", schemas.CallVoice)
	require.NoError(t, err)
	assert.ErrorIs(t, sig.Accept(ctx, dm, "bob", next.CallID), ErrStaleCall)
}

func TestPending(t *testing.T) {
	s := newStore(t)
	now := time.Now()
	sig := New(s, nil, WithIDs(sequentialIDs()), WithClock(func() time.Time { return now }))
	ctx := context.Background()

	first, err := sig.Initiate(ctx, dm, alice, "bob", schemas.CallVoice)
	require.NoError(t, err)
	now = now.Add(time.Second)
	second, err := sig.Initiate(ctx, "dm_bob_carol", schemas.Identity{UserID: "carol"}, "bob", schemas.CallVideo)
	require.NoError(t, err)
	_, err = sig.Initiate(ctx, "dm_bob_dave", bob, "dave", schemas.CallVoice)
	require.NoError(t, err)

	pending, err := sig.Pending(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, first.CallID, pending[0].Data.CallID)
	assert.Equal(t, second.CallID, pending[1].Data.CallID)

	now = now.Add(DefaultRingTimeout)
	pending, err = sig.Pending(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, pending, 1, "calls past the ring timeout are not pending")
	assert.Equal(t, "dm_bob_carol", pending[0].DMID)
}

func TestWatchIncomingRaisesOncePerCall(t *testing.T) {
	s := newStore(t)
	sig := New(s, nil, WithIDs(sequentialIDs()))
	ctx := context.Background()

	var mu sync.Mutex
	var got []Incoming
	dispose, err := sig.WatchIncoming(ctx, "bob", func(in Incoming) {
		mu.Lock()
		got = append(got, in)
		mu.Unlock()
	})
	require.NoError(t, err)
	defer dispose()
	count := func() int {
		mu.Lock()
		defer mu.Unlock()
		return len(got)
	}

	data, err := sig.Initiate(ctx, dm, alice, "bob", schemas.CallVideo)
	require.NoError(t, err)
	eventually(t, func() bool { return count() == 1 }, "incoming call raised")

	// unrelated writes to the same record do not raise it again
	require.NoError(t, s.Set(ctx, schemas.ConversationPath(dm), store.Fields{"lastMessage": "hi"}, store.Merge()))
	// calls bob places are not incoming for bob
	_, err = sig.Initiate(ctx, "dm_bob_carol", bob, "carol", schemas.CallVoice)
	require.NoError(t, err)

	require.NoError(t, sig.Decline(ctx, dm, "bob", data.CallID))
	second, err := sig.Initiate(ctx, dm, alice, "bob", schemas.CallVoice)
	require.NoError(t, err)
	eventually(t, func() bool { return count() == 2 }, "second call raised")

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 2)
	assert.Equal(t, data.CallID, got[0].Data.CallID)
	assert.Equal(t, dm, got[0].DMID)
	assert.Equal(t, schemas.CallVideo, got[0].Data.Type)
	assert.Equal(t, "Alice", got[0].Data.DisplayName)
	assert.Equal(t, second.CallID, got[1].Data.CallID)
}

type party struct {
	sig      *Signaler
	media    *media.Memory
	presence *presence.Tracker
}

func newParty(s store.Store, opts ...Option) party {
	m := media.NewMemory()
	p := presence.New(s, nil)
	opts = append([]Option{WithMedia(m), WithPresence(p), WithIDs(sequentialIDs())}, opts...)
	return party{sig: New(s, nil, opts...), media: m, presence: p}
}

func TestCallLifecycle(t *testing.T) {
	s := newStore(t)
	caller, callee := newParty(s), newParty(s)
	ctx := context.Background()

	require.NoError(t, callee.presence.SetMuted(ctx, "bob", true))

	incoming := make(chan Incoming, 1)
	dispose, err := callee.sig.WatchIncoming(ctx, "bob", func(in Incoming) { incoming <- in })
	require.NoError(t, err)
	defer dispose()

	out, err := caller.sig.Dial(ctx, dm, alice, "bob", schemas.CallVideo)
	require.NoError(t, err)
	assert.Equal(t, schemas.CallWaiting, out.Status())

	var in Incoming
	select {
	case in = <-incoming:
	case <-time.After(5 * time.Second):
		t.Fatal("call never rang")
	}
	assert.Equal(t, out.ID(), in.Data.CallID)

	answered, err := callee.sig.Answer(ctx, in, "bob")
	require.NoError(t, err)

	eventually(t, func() bool { return out.Media() != nil && answered.Media() != nil }, "both sides connected")
	assert.Equal(t, schemas.CallAccepted, out.Status())

	h, ok := callee.media.Get(dm)
	require.True(t, ok)
	eventually(t, func() bool { return h.Tracks().Muted }, "callee joins muted")
	assert.True(t, h.Tracks().Video)

	require.NoError(t, callee.presence.SetDeafened(ctx, "bob", true))
	eventually(t, func() bool { return h.Tracks().Deafened }, "deafen follows presence")

	require.NoError(t, out.HangUp(ctx))
	select {
	case <-answered.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("callee never saw the hang-up")
	}
	<-out.Done()
	assert.Equal(t, schemas.EndHangup, answered.EndReason())
	assert.Equal(t, schemas.CallEnded, answered.Status())
	_, ok = caller.media.Get(dm)
	assert.False(t, ok)
	_, ok = callee.media.Get(dm)
	assert.False(t, ok)
	assert.Nil(t, answered.Err())
}

func TestDialRingTimeout(t *testing.T) {
	s := newStore(t)
	caller := newParty(s, WithRingTimeout(50*time.Millisecond))
	ctx := context.Background()

	call, err := caller.sig.Dial(ctx, dm, alice, "bob", schemas.CallVoice)
	require.NoError(t, err)

	var mu sync.Mutex
	var seen []schemas.CallStatus
	call.OnChange(func(st schemas.CallStatus) {
		mu.Lock()
		seen = append(seen, st)
		mu.Unlock()
	})

	select {
	case <-call.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("call never timed out")
	}
	assert.Equal(t, schemas.EndTimeout, call.EndReason())
	assert.Zero(t, caller.media.Opened())

	c, err := caller.sig.Get(ctx, dm)
	require.NoError(t, err)
	assert.Equal(t, schemas.CallEnded, c.Status())
	assert.Equal(t, schemas.EndTimeout, c.EndReason)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []schemas.CallStatus{schemas.CallEnded}, seen)
}

func TestDialDeclined(t *testing.T) {
	s := newStore(t)
	caller, callee := newParty(s), newParty(s)
	ctx := context.Background()

	call, err := caller.sig.Dial(ctx, dm, alice, "bob", schemas.CallVoice)
	require.NoError(t, err)
	require.NoError(t, callee.sig.Decline(ctx, dm, "bob", call.ID()))

	select {
	case <-call.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("decline never reached the caller")
	}
	assert.Equal(t, schemas.EndDeclined, call.EndReason())
	assert.Zero(t, caller.media.Opened())
}

func TestAnswerEndedCall(t *testing.T) {
	s := newStore(t)
	caller, callee := newParty(s), newParty(s)
	ctx := context.Background()

	call, err := caller.sig.Dial(ctx, dm, alice, "bob", schemas.CallVoice)
	require.NoError(t, err)
	require.NoError(t, call.HangUp(ctx))

	_, err = callee.sig.Answer(ctx, Incoming{DMID: dm, Data: call.Data()}, "bob")
	assert.ErrorIs(t, err, ErrCallEnded)
	assert.Zero(t, callee.media.Opened())
}
