package presence

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kimchiigu/PHiscord/internal/schemas"
	"github.com/Kimchiigu/PHiscord/internal/store"
	"github.com/Kimchiigu/PHiscord/internal/store/memstore"
)

func newTracker(t *testing.T) (*Tracker, store.Store) {
	s := memstore.New()
	tr := New(s, nil)
	t.Cleanup(func() {
		tr.Close()
		s.Close()
	})
	return tr, s
}

func next(t *testing.T, ch <-chan schemas.Presence) schemas.Presence {
	t.Helper()
	select {
	case p := <-ch:
		return p
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for presence")
		return schemas.Presence{}
	}
}

func TestRoundTrip(t *testing.T) {
	tr, _ := newTracker(t)
	ctx := context.Background()

	ch := make(chan schemas.Presence, 16)
	dispose, err := tr.Subscribe(ctx, "u1", func(p schemas.Presence) { ch <- p })
	require.NoError(t, err)
	defer dispose()
	assert.Equal(t, schemas.Presence{}, next(t, ch), "missing user reads as offline")

	require.NoError(t, tr.SetOnline(ctx, "u1", true))
	assert.True(t, next(t, ch).IsOnline)

	require.NoError(t, tr.SetMuted(ctx, "u1", true))
	p := next(t, ch)
	assert.True(t, p.IsOnline)
	assert.True(t, p.IsMuted)
}

func TestWritesAreIdempotentMerges(t *testing.T) {
	tr, s := newTracker(t)
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, schemas.UserPath("u1"), store.Fields{"displayName": "Ann"}))

	require.NoError(t, tr.SetDeafened(ctx, "u1", true))
	require.NoError(t, tr.SetDeafened(ctx, "u1", true))

	p, err := tr.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, schemas.Presence{IsDeafened: true, DisplayName: "Ann"}, p)
}

func TestToggleUnderContention(t *testing.T) {
	tr, _ := newTracker(t)
	ctx := context.Background()

	const n = 8
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := tr.ToggleMuted(ctx, "u1")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	p, err := tr.Get(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, p.IsMuted, "an even number of toggles ends where it started")

	muted, err := tr.ToggleMuted(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, muted)
	deafened, err := tr.ToggleDeafened(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, deafened)
}

func TestFreshSubscriberSeesCommittedWrite(t *testing.T) {
	tr, _ := newTracker(t)
	ctx := context.Background()

	// a long-lived listener keeps the shared watch open across every round
	keep, err := tr.Subscribe(ctx, "u1", func(schemas.Presence) {})
	require.NoError(t, err)
	defer keep()

	for i := range 100 {
		online := i%2 == 0
		require.NoError(t, tr.SetOnline(ctx, "u1", online))
		ch := make(chan schemas.Presence, 8)
		dispose, err := tr.Subscribe(ctx, "u1", func(p schemas.Presence) { ch <- p })
		require.NoError(t, err)
		assert.Equal(t, online, next(t, ch).IsOnline, "round %d", i)
		dispose()
	}
}

func TestSubscribersShareOneWatch(t *testing.T) {
	tr, _ := newTracker(t)
	ctx := context.Background()

	a := make(chan schemas.Presence, 4)
	b := make(chan schemas.Presence, 4)
	da, err := tr.Subscribe(ctx, "u1", func(p schemas.Presence) { a <- p })
	require.NoError(t, err)
	next(t, a)
	db, err := tr.Subscribe(ctx, "u1", func(p schemas.Presence) { b <- p })
	require.NoError(t, err)
	next(t, b)
	assert.Equal(t, 2, tr.mux.Listeners(schemas.UserPath("u1")))

	require.NoError(t, tr.SetCustomStatus(ctx, "u1", "gaming"))
	assert.Equal(t, "gaming", next(t, a).Status())
	assert.Equal(t, "gaming", next(t, b).Status())

	da()
	db()
	assert.Equal(t, 0, tr.mux.Listeners(schemas.UserPath("u1")))
}

func TestRejectsEmptyUser(t *testing.T) {
	tr, _ := newTracker(t)
	assert.Error(t, tr.SetOnline(context.Background(), "", true))
}
