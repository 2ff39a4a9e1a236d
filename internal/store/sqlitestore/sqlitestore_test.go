package sqlitestore

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kimchiigu/PHiscord/internal/db"
	"github.com/Kimchiigu/PHiscord/internal/store"
	"github.com/Kimchiigu/PHiscord/internal/store/storetest"
)

func open(t *testing.T) *Store {
	t.Helper()
	conn, err := db.Open(filepath.Join(t.TempDir(), "test.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return New(conn)
}

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store { return open(t) })
}

func TestSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "reopen.sqlite")

	conn, err := db.Open(path)
	require.NoError(t, err)
	s := New(conn)
	require.NoError(t, s.Set(ctx, "Users/u1", store.Fields{"displayName": "Ann", "isOnline": true}))
	require.NoError(t, s.Close())
	require.NoError(t, conn.Close())

	conn, err = db.Open(path)
	require.NoError(t, err)
	defer conn.Close()
	s = New(conn)
	defer s.Close()
	snap, err := s.Get(ctx, "Users/u1")
	require.NoError(t, err)
	assert.Equal(t, "Ann", snap.Fields["displayName"])
}

func TestRetryWaitsOutOtherWriter(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "locked.sqlite")
	holder, err := db.Open(path)
	require.NoError(t, err)
	defer holder.Close()

	// a second process with no busy timeout fails at once while the lock is held
	conn, err := sql.Open("sqlite", "file:"+path+"?_txlock=immediate&_pragma=busy_timeout(0)")
	require.NoError(t, err)
	defer conn.Close()
	s := New(conn)
	defer s.Close()

	tx, err := holder.BeginTx(ctx, nil)
	require.NoError(t, err)
	err = s.Set(ctx, "Users/u1", store.Fields{"isOnline": true})
	require.Error(t, err)
	assert.True(t, Transient(err))

	r := store.WithRetry(s, 5*time.Second, store.RetryIf(Transient))
	time.AfterFunc(100*time.Millisecond, func() { _ = tx.Rollback() })
	require.NoError(t, r.Set(ctx, "Users/u1", store.Fields{"isOnline": true}))
	snap, err := s.Get(ctx, "Users/u1")
	require.NoError(t, err)
	assert.Equal(t, true, snap.Fields["isOnline"])

	assert.False(t, Transient(store.ErrConflict))
}
