// Package storetest holds the behaviour every store.Store backend must share.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kimchiigu/PHiscord/internal/store"
)

const wait = 5 * time.Second

// Run exercises a backend. newStore must return an empty store; the suite closes
// it.
func Run(t *testing.T, newStore func(t *testing.T) store.Store) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s store.Store)
	}{
		{"GetMissing", testGetMissing},
		{"SetReplacesAndMerges", testSetReplacesAndMerges},
		{"Delete", testDelete},
		{"InvalidPath", testInvalidPath},
		{"Query", testQuery},
		{"Batch", testBatch},
		{"TransactionReadsOwnWrites", testTransactionReadsOwnWrites},
		{"TransactionAbort", testTransactionAbort},
		{"ConcurrentTransactions", testConcurrentTransactions},
		{"WatchInitialAndUpdates", testWatch},
		{"WatchMissingDocument", testWatchMissing},
		{"WatchQuery", testWatchQuery},
		{"Dispose", testDispose},
		{"ContextCancelDisposes", testContextCancel},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t)
			t.Cleanup(func() { _ = s.Close() })
			tt.fn(t, s)
		})
	}
}

func testGetMissing(t *testing.T, s store.Store) {
	snap, err := s.Get(context.Background(), "Users/nobody")
	require.NoError(t, err)
	assert.False(t, snap.Exists)
	assert.Equal(t, "nobody", snap.ID())
}

func testSetReplacesAndMerges(t *testing.T, s store.Store) {
	ctx := context.Background()
	p := store.Path("Users/u1")
	require.NoError(t, s.Set(ctx, p, store.Fields{"displayName": "Ann", "isOnline": true}))
	require.NoError(t, s.Set(ctx, p, store.Fields{"isMuted": true}, store.Merge()))

	snap, err := s.Get(ctx, p)
	require.NoError(t, err)
	require.True(t, snap.Exists)
	assert.Equal(t, store.Fields{"displayName": "Ann", "isOnline": true, "isMuted": true}, snap.Fields)

	require.NoError(t, s.Set(ctx, p, store.Fields{"displayName": "Bo"}))
	snap, err = s.Get(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, store.Fields{"displayName": "Bo"}, snap.Fields)

	// merge creates missing documents
	require.NoError(t, s.Set(ctx, "Users/u2", store.Fields{"isOnline": false}, store.Merge()))
	snap, err = s.Get(ctx, "Users/u2")
	require.NoError(t, err)
	assert.True(t, snap.Exists)
}

func testDelete(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "Notifications/n1", store.Fields{"userId": "u1"}))
	require.NoError(t, s.Delete(ctx, "Notifications/n1"))
	snap, err := s.Get(ctx, "Notifications/n1")
	require.NoError(t, err)
	assert.False(t, snap.Exists)

	// deleting a missing document is not an error
	require.NoError(t, s.Delete(ctx, "Notifications/n1"))
}

func testInvalidPath(t *testing.T, s store.Store) {
	ctx := context.Background()
	_, err := s.Get(ctx, "Users")
	assert.ErrorIs(t, err, store.ErrInvalidPath)
	assert.ErrorIs(t, s.Set(ctx, "Users//x", store.Fields{}), store.ErrInvalidPath)
	_, err = s.Query(ctx, store.From("Users/u1"))
	assert.ErrorIs(t, err, store.ErrInvalidPath)
}

func testQuery(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.Batch(ctx, []store.Op{
		store.SetOp("DirectMessages/a", store.Fields{"participants": []string{"u1", "u2"}, "callStatus": "waiting"}),
		store.SetOp("DirectMessages/b", store.Fields{"participants": []string{"u1", "u3"}, "callStatus": "ended"}),
		store.SetOp("DirectMessages/c", store.Fields{"participants": []string{"u2", "u3"}}),
		store.SetOp("Servers/s1/Channels/a", store.Fields{"participants": []string{"u1"}}),
	}))

	res, err := s.Query(ctx, store.From("DirectMessages").Where("participants", store.ArrayContains, "u1"))
	require.NoError(t, err)
	require.Len(t, res, 2)
	assert.Equal(t, store.Path("DirectMessages/a"), res[0].Path)
	assert.Equal(t, store.Path("DirectMessages/b"), res[1].Path)

	res, err = s.Query(ctx, store.From("DirectMessages").
		Where("participants", store.ArrayContains, "u1").
		Where("callStatus", store.Eq, "waiting"))
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, "a", res[0].ID())

	res, err = s.Query(ctx, store.From("Servers/s1/Channels"))
	require.NoError(t, err)
	assert.Len(t, res, 1)
}

func testBatch(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "Notifications/old", store.Fields{"userId": "u1"}))
	require.NoError(t, s.Batch(ctx, []store.Op{
		store.SetOp("Notifications/n1", store.Fields{"userId": "u1"}),
		store.SetOp("Notifications/n2", store.Fields{"userId": "u2"}),
		store.DeleteOp("Notifications/old"),
	}))
	res, err := s.Query(ctx, store.From("Notifications"))
	require.NoError(t, err)
	require.Len(t, res, 2)
	assert.Equal(t, "n1", res[0].ID())
	assert.Equal(t, "n2", res[1].ID())

	err = s.Batch(ctx, []store.Op{
		store.SetOp("Notifications/n3", store.Fields{}),
		store.SetOp("Notifications", store.Fields{}),
	})
	require.ErrorIs(t, err, store.ErrInvalidPath)
	snap, err := s.Get(ctx, "Notifications/n3")
	require.NoError(t, err)
	assert.False(t, snap.Exists, "invalid batch must not apply any op")
}

func testTransactionReadsOwnWrites(t *testing.T, s store.Store) {
	ctx := context.Background()
	p := store.Path("DirectMessages/dm")
	require.NoError(t, s.Set(ctx, p, store.Fields{"callStatus": "waiting"}))
	err := s.RunTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		snap, err := tx.Get(ctx, p)
		if err != nil {
			return err
		}
		if snap.Fields["callStatus"] != "waiting" {
			return fmt.Errorf("unexpected status %v", snap.Fields["callStatus"])
		}
		tx.Set(p, store.Fields{"callStatus": "accepted"}, store.Merge())
		snap, err = tx.Get(ctx, p)
		if err != nil {
			return err
		}
		if snap.Fields["callStatus"] != "accepted" {
			return fmt.Errorf("transaction did not see its own write")
		}
		return nil
	})
	require.NoError(t, err)
	snap, err := s.Get(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, "accepted", snap.Fields["callStatus"])
}

func testTransactionAbort(t *testing.T, s store.Store) {
	ctx := context.Background()
	boom := errors.New("boom")
	err := s.RunTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		tx.Set("Users/u1", store.Fields{"isOnline": true})
		return boom
	})
	require.ErrorIs(t, err, boom)
	snap, err := s.Get(ctx, "Users/u1")
	require.NoError(t, err)
	assert.False(t, snap.Exists)
}

func testConcurrentTransactions(t *testing.T, s store.Store) {
	ctx := context.Background()
	s = store.WithRetry(s, 30*time.Second)
	p := store.Path("Counters/c")
	const n = 10
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.RunTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
				snap, err := tx.Get(ctx, p)
				if err != nil {
					return err
				}
				var v float64
				if snap.Exists {
					v, _ = snap.Fields["n"].(float64)
				}
				tx.Set(p, store.Fields{"n": v + 1})
				return nil
			})
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	snap, err := s.Get(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, float64(n), snap.Fields["n"])
}

func testWatch(t *testing.T, s store.Store) {
	ctx := context.Background()
	p := store.Path("Users/u1")
	require.NoError(t, s.Set(ctx, p, store.Fields{"n": 0}))

	ch := make(chan store.Snapshot, 64)
	dispose, err := s.Watch(ctx, p, func(snap store.Snapshot) { ch <- snap })
	require.NoError(t, err)
	defer dispose()

	first := recv(t, ch)
	assert.Equal(t, float64(0), first.Fields["n"])

	for i := 1; i <= 5; i++ {
		require.NoError(t, s.Set(ctx, p, store.Fields{"n": i}))
	}
	// deliveries may coalesce but never go backwards and end at the last write
	last := float64(0)
	for last < 5 {
		snap := recv(t, ch)
		v := snap.Fields["n"].(float64)
		require.GreaterOrEqual(t, v, last)
		last = v
	}
}

func testWatchMissing(t *testing.T, s store.Store) {
	ctx := context.Background()
	ch := make(chan store.Snapshot, 8)
	dispose, err := s.Watch(ctx, "Users/ghost", func(snap store.Snapshot) { ch <- snap })
	require.NoError(t, err)
	defer dispose()
	assert.False(t, recv(t, ch).Exists)

	require.NoError(t, s.Set(ctx, "Users/ghost", store.Fields{"isOnline": true}))
	assert.True(t, recv(t, ch).Exists)
	require.NoError(t, s.Delete(ctx, "Users/ghost"))
	assert.False(t, recv(t, ch).Exists)
}

func testWatchQuery(t *testing.T, s store.Store) {
	ctx := context.Background()
	q := store.From("Notifications").Where("userId", store.Eq, "u1")
	ch := make(chan []store.Snapshot, 64)
	dispose, err := s.WatchQuery(ctx, q, func(res []store.Snapshot) { ch <- res })
	require.NoError(t, err)
	defer dispose()
	assert.Empty(t, recvQuery(t, ch))

	require.NoError(t, s.Set(ctx, "Notifications/n1", store.Fields{"userId": "u1"}))
	waitLen(t, ch, 1)
	require.NoError(t, s.Set(ctx, "Notifications/n2", store.Fields{"userId": "u2"}))
	require.NoError(t, s.Set(ctx, "Notifications/n3", store.Fields{"userId": "u1"}))
	waitLen(t, ch, 2)
	require.NoError(t, s.Delete(ctx, "Notifications/n1"))
	res := waitLen(t, ch, 1)
	assert.Equal(t, "n3", res[0].ID())
}

func testDispose(t *testing.T, s store.Store) {
	ctx := context.Background()
	p := store.Path("Users/u1")
	ch := make(chan store.Snapshot, 64)
	dispose, err := s.Watch(ctx, p, func(snap store.Snapshot) { ch <- snap })
	require.NoError(t, err)
	recv(t, ch)
	dispose()
	dispose()

	require.NoError(t, s.Set(ctx, p, store.Fields{"n": 1}))
	select {
	case snap := <-ch:
		t.Fatalf("callback ran after dispose: %+v", snap)
	case <-time.After(200 * time.Millisecond):
	}
}

func testContextCancel(t *testing.T, s store.Store) {
	ctx, cancel := context.WithCancel(context.Background())
	p := store.Path("Users/u1")
	ch := make(chan store.Snapshot, 64)
	_, err := s.Watch(ctx, p, func(snap store.Snapshot) { ch <- snap })
	require.NoError(t, err)
	recv(t, ch)
	cancel()
	// give the cancellation a moment to land
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, s.Set(context.Background(), p, store.Fields{"n": 1}))
	select {
	case snap := <-ch:
		t.Fatalf("callback ran after cancel: %+v", snap)
	case <-time.After(200 * time.Millisecond):
	}
}

func recv(t *testing.T, ch <-chan store.Snapshot) store.Snapshot {
	t.Helper()
	select {
	case s := <-ch:
		return s
	case <-time.After(wait):
		t.Fatal("timed out waiting for snapshot")
		return store.Snapshot{}
	}
}

func recvQuery(t *testing.T, ch <-chan []store.Snapshot) []store.Snapshot {
	t.Helper()
	select {
	case s := <-ch:
		return s
	case <-time.After(wait):
		t.Fatal("timed out waiting for query result")
		return nil
	}
}

func waitLen(t *testing.T, ch <-chan []store.Snapshot, n int) []store.Snapshot {
	t.Helper()
	deadline := time.After(wait)
	for {
		select {
		case res := <-ch:
			if len(res) == n {
				return res
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %d results", n)
			return nil
		}
	}
}
