package natsfeed

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kimchiigu/PHiscord/internal/store"
	"github.com/Kimchiigu/PHiscord/internal/store/memstore"
)

func natsURL(t *testing.T) string {
	url := os.Getenv("PHISCORD_TEST_NATS_URL")
	if url == "" {
		t.Skip("PHISCORD_TEST_NATS_URL not set")
	}
	return url
}

func TestRelay(t *testing.T) {
	url := natsURL(t)
	subject := "phiscord.test." + time.Now().Format("150405.000000000")

	a, err := Connect(Config{URL: url, Subject: subject}, nil)
	require.NoError(t, err)
	defer a.Close()
	b, err := Connect(Config{URL: url, Subject: subject}, nil)
	require.NoError(t, err)
	defer b.Close()

	got := make(chan []store.Path, 1)
	dispose, err := b.Subscribe(func(p []store.Path) { got <- p })
	require.NoError(t, err)
	defer dispose()

	require.NoError(t, a.Publish(context.Background(), []store.Path{"Users/u1", "Users/u2"}))
	select {
	case paths := <-got:
		assert.Equal(t, []store.Path{"Users/u1", "Users/u2"}, paths)
	case <-time.After(5 * time.Second):
		t.Fatal("change never relayed")
	}
}

func TestStoreOverFeed(t *testing.T) {
	url := natsURL(t)
	f, err := Connect(Config{URL: url, Subject: "phiscord.test.store"}, nil)
	require.NoError(t, err)
	defer f.Close()

	s := memstore.New(memstore.WithFeed(f))
	defer s.Close()
	ctx := context.Background()

	ch := make(chan store.Snapshot, 4)
	dispose, err := s.Watch(ctx, "Users/u1", func(snap store.Snapshot) { ch <- snap })
	require.NoError(t, err)
	defer dispose()
	<-ch

	require.NoError(t, s.Set(ctx, "Users/u1", store.Fields{"isOnline": true}))
	select {
	case snap := <-ch:
		assert.True(t, snap.Exists)
	case <-time.After(5 * time.Second):
		t.Fatal("no refresh through nats")
	}
}

func TestConnectRequiresURL(t *testing.T) {
	_, err := Connect(Config{}, nil)
	assert.Error(t, err)
}
