package memstore

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kimchiigu/PHiscord/internal/store"
	"github.com/Kimchiigu/PHiscord/internal/store/storetest"
)

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store { return New() })
}

func TestBatchFaultAppliesNothing(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("disk on fire")
	s := New(WithFault(func(op store.Op) error {
		if op.Path == "Notifications/n3" {
			return boom
		}
		return nil
	}))
	defer s.Close()

	err := s.Batch(ctx, []store.Op{
		store.SetOp("Notifications/n1", store.Fields{"userId": "a"}),
		store.SetOp("Notifications/n2", store.Fields{"userId": "b"}),
		store.SetOp("Notifications/n3", store.Fields{"userId": "c"}),
	})
	require.ErrorIs(t, err, boom)

	res, err := s.Query(ctx, store.From("Notifications"))
	require.NoError(t, err)
	assert.Empty(t, res)
}

func TestSharedFeedRefreshesOtherHub(t *testing.T) {
	ctx := context.Background()
	feed := store.NewLocalFeed()
	s := New(WithFeed(feed))
	defer s.Close()

	ch := make(chan store.Snapshot, 8)
	dispose, err := s.Watch(ctx, "Users/u1", func(snap store.Snapshot) { ch <- snap })
	require.NoError(t, err)
	defer dispose()
	<-ch

	// a write announced by someone else on the feed triggers a re-read
	s.mu.Lock()
	s.docs["Users/u1"] = store.Fields{"isOnline": true}
	s.mu.Unlock()
	require.NoError(t, feed.Publish(ctx, []store.Path{"Users/u1"}))

	snap := <-ch
	assert.True(t, snap.Exists)
	assert.Equal(t, true, snap.Fields["isOnline"])
}

func TestClosedStore(t *testing.T) {
	s := New()
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err := s.Get(context.Background(), "Users/u1")
	assert.ErrorIs(t, err, store.ErrClosed)
	_, err = s.Watch(context.Background(), "Users/u1", func(store.Snapshot) {})
	assert.ErrorIs(t, err, store.ErrClosed)
}
