package redisstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kimchiigu/PHiscord/internal/store"
	"github.com/Kimchiigu/PHiscord/internal/store/storetest"
)

func newStore(t *testing.T, mr *miniredis.Miniredis) *Store {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	s, err := New(context.Background(), rdb)
	require.NoError(t, err)
	return s
}

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		return newStore(t, miniredis.RunT(t))
	})
}

func TestKeyLayout(t *testing.T) {
	mr := miniredis.RunT(t)
	s := newStore(t, mr)
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "Servers/s1/Members/u1", store.Fields{"role": "owner"}))
	assert.True(t, mr.Exists("phiscord:doc:Servers/s1/Members/u1"))
	ok, err := mr.SIsMember("phiscord:col:Servers/s1/Members", "Servers/s1/Members/u1")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, s.Delete(ctx, "Servers/s1/Members/u1"))
	assert.False(t, mr.Exists("phiscord:doc:Servers/s1/Members/u1"))
}

func TestChangesReachOtherProcess(t *testing.T) {
	mr := miniredis.RunT(t)
	writer := newStore(t, mr)
	defer writer.Close()
	reader := newStore(t, mr)
	defer reader.Close()
	ctx := context.Background()

	ch := make(chan store.Snapshot, 8)
	dispose, err := reader.Watch(ctx, "Users/u1", func(s store.Snapshot) { ch <- s })
	require.NoError(t, err)
	defer dispose()
	assert.False(t, (<-ch).Exists)

	require.NoError(t, writer.Set(ctx, "Users/u1", store.Fields{"isOnline": true}))
	select {
	case snap := <-ch:
		assert.Equal(t, true, snap.Fields["isOnline"])
	case <-time.After(5 * time.Second):
		t.Fatal("remote change never arrived")
	}
}

func TestConflictSurfacesAsErrConflict(t *testing.T) {
	mr := miniredis.RunT(t)
	s := newStore(t, mr)
	defer s.Close()
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "Counters/c", store.Fields{"n": 1}))
	other := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer other.Close()

	err := s.RunTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		if _, err := tx.Get(ctx, "Counters/c"); err != nil {
			return err
		}
		// a write from outside the transaction after the watch
		if err := other.Set(ctx, "phiscord:doc:Counters/c", `{"n":5}`, 0).Err(); err != nil {
			return err
		}
		tx.Set("Counters/c", store.Fields{"n": 2})
		return nil
	})
	assert.ErrorIs(t, err, store.ErrConflict)

	snap, err := s.Get(ctx, "Counters/c")
	require.NoError(t, err)
	assert.Equal(t, float64(5), snap.Fields["n"])
}

func TestRetryRidesOutLoadingReplica(t *testing.T) {
	mr := miniredis.RunT(t)
	s := newStore(t, mr)
	defer s.Close()
	ctx := context.Background()

	mr.SetError("LOADING Redis is loading the dataset in memory")
	err := s.Set(ctx, "Users/u1", store.Fields{"isOnline": true})
	require.Error(t, err)
	assert.True(t, Transient(err))
	assert.False(t, store.Retryable(err))

	r := store.WithRetry(s, 5*time.Second, store.RetryIf(Transient))
	time.AfterFunc(100*time.Millisecond, func() { mr.SetError("") })
	require.NoError(t, r.Set(ctx, "Users/u1", store.Fields{"isOnline": true}))
	require.NoError(t, r.Delete(ctx, "Users/u1"))
	assert.False(t, mr.Exists("phiscord:doc:Users/u1"))

	assert.False(t, Transient(store.ErrConflict))
	assert.False(t, Transient(redis.Nil))
}
