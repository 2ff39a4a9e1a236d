package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPath(t *testing.T) {
	p := NewPath("Servers", "s1", "Members", "u1")
	assert.True(t, p.IsDocument())
	assert.False(t, p.IsCollection())
	assert.Equal(t, "u1", p.ID())
	assert.Equal(t, Path("Servers/s1/Members"), p.Parent())
	assert.True(t, p.Parent().IsCollection())
	assert.Equal(t, p, Path("Servers").Doc("s1").Collection("Members").Doc("u1"))

	assert.False(t, Path("").IsDocument())
	assert.False(t, Path("Users//u1").IsDocument())
	assert.False(t, Path("Users/").IsDocument())
	assert.Equal(t, Path(""), Path("Users").Parent())
}

func TestQueryMatch(t *testing.T) {
	snap := Snapshot{
		Path:   "DirectMessages/dm",
		Exists: true,
		Fields: Fields{"participants": []any{"a", "b"}, "callStatus": "waiting", "n": float64(3)},
	}
	tests := []struct {
		name string
		q    Query
		want bool
	}{
		{"no filters", From("DirectMessages"), true},
		{"other collection", From("Users"), false},
		{"eq", From("DirectMessages").Where("callStatus", Eq, "waiting"), true},
		{"eq mismatch", From("DirectMessages").Where("callStatus", Eq, "ended"), false},
		{"eq int against float", From("DirectMessages").Where("n", Eq, 3), true},
		{"array contains", From("DirectMessages").Where("participants", ArrayContains, "b"), true},
		{"array missing", From("DirectMessages").Where("participants", ArrayContains, "c"), false},
		{"not an array", From("DirectMessages").Where("callStatus", ArrayContains, "waiting"), false},
		{"missing field", From("DirectMessages").Where("endReason", Eq, "hangup"), false},
		{"both", From("DirectMessages").Where("participants", ArrayContains, "a").Where("callStatus", Eq, "waiting"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.q.Match(snap))
		})
	}

	assert.False(t, From("DirectMessages").Match(Snapshot{Path: "DirectMessages/x"}))
}

func TestWhereDoesNotAlias(t *testing.T) {
	base := From("Users").Where("a", Eq, 1)
	q1 := base.Where("b", Eq, 2)
	q2 := base.Where("c", Eq, 3)
	assert.Len(t, base.Filters, 1)
	assert.Equal(t, "b", q1.Filters[1].Field)
	assert.Equal(t, "c", q2.Filters[1].Field)
}

func TestApplyMerge(t *testing.T) {
	cur := Fields{"a": 1, "b": 2}
	got, ok := Apply(cur, true, SetOp("X/y", Fields{"b": 3}, Merge()))
	assert.True(t, ok)
	assert.Equal(t, Fields{"a": 1, "b": 3}, got)

	got, ok = Apply(cur, true, SetOp("X/y", Fields{"c": 1}))
	assert.True(t, ok)
	assert.Equal(t, Fields{"c": 1}, got)

	_, ok = Apply(cur, true, DeleteOp("X/y"))
	assert.False(t, ok)
	assert.Equal(t, Fields{"a": 1, "b": 2}, cur)
}

func TestNormalize(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	f, err := Normalize(Fields{"n": 1, "at": at, "list": []string{"x"}})
	require.NoError(t, err)
	assert.Equal(t, float64(1), f["n"])
	assert.Equal(t, "2024-05-01T12:00:00Z", f["at"])
	assert.Equal(t, []any{"x"}, f["list"])
}

func TestTxBuffer(t *testing.T) {
	ctx := context.Background()
	reads := 0
	b := NewTxBuffer(func(_ context.Context, p Path) (Snapshot, error) {
		reads++
		return Snapshot{Path: p, Exists: true, Fields: Fields{"status": "waiting", "n": float64(1)}}, nil
	})

	b.Set("Calls/c", Fields{"status": "accepted"}, Merge())
	snap, err := b.Get(ctx, "Calls/c")
	require.NoError(t, err)
	assert.Equal(t, Fields{"status": "accepted", "n": float64(1)}, snap.Fields)

	b.Delete("Calls/c")
	snap, err = b.Get(ctx, "Calls/c")
	require.NoError(t, err)
	assert.False(t, snap.Exists)
	assert.Equal(t, 1, reads)

	b.Set("Calls", Fields{})
	_, err = b.Ops()
	assert.ErrorIs(t, err, ErrInvalidPath)
}

// mapReader is a minimal Reader for hub tests.
type mapReader struct {
	mu   sync.Mutex
	docs map[Path]Fields
	fail atomic.Bool
}

func (r *mapReader) put(p Path, f Fields) {
	r.mu.Lock()
	r.docs[p] = f
	r.mu.Unlock()
}

func (r *mapReader) Get(_ context.Context, p Path) (Snapshot, error) {
	if r.fail.Load() {
		return Snapshot{}, errors.New("read failed")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.docs[p]
	return Snapshot{Path: p, Exists: ok, Fields: f}, nil
}

func (r *mapReader) Query(ctx context.Context, q Query) ([]Snapshot, error) {
	r.mu.Lock()
	var snaps []Snapshot
	for p, f := range r.docs {
		snaps = append(snaps, Snapshot{Path: p, Exists: true, Fields: f})
	}
	r.mu.Unlock()
	return q.Filter(snaps), nil
}

func TestHubInitialReadFailure(t *testing.T) {
	r := &mapReader{docs: map[Path]Fields{}}
	r.fail.Store(true)
	h := NewHub(r, nil)
	defer h.Close()

	_, err := h.Watch(context.Background(), "Users/u1", func(Snapshot) {})
	require.Error(t, err)

	h.mu.Lock()
	defer h.mu.Unlock()
	assert.Empty(t, h.docs, "failed subscription must be unregistered")
}

func TestHubSlowSubscriberDoesNotBlockOthers(t *testing.T) {
	r := &mapReader{docs: map[Path]Fields{"Users/u1": {"n": float64(0)}}}
	h := NewHub(r, nil)
	defer h.Close()
	ctx := context.Background()

	release := make(chan struct{})
	slow, err := h.Watch(ctx, "Users/u1", func(Snapshot) { <-release })
	require.NoError(t, err)
	defer slow()

	fast := make(chan Snapshot, 16)
	d, err := h.Watch(ctx, "Users/u1", func(s Snapshot) { fast <- s })
	require.NoError(t, err)
	defer d()
	<-fast

	r.put("Users/u1", Fields{"n": float64(1)})
	h.Notify([]Path{"Users/u1"})
	select {
	case s := <-fast:
		assert.Equal(t, float64(1), s.Fields["n"])
	case <-time.After(2 * time.Second):
		t.Fatal("fast subscriber was blocked")
	}
	close(release)
}

func TestMuxSharesSubscription(t *testing.T) {
	r := &mapReader{docs: map[Path]Fields{"Users/u1": {"isOnline": true}}}
	h := NewHub(r, nil)
	defer h.Close()
	s := &hubStore{Reader: r, hub: h}
	m := NewMux(s)
	ctx := context.Background()

	a := make(chan Snapshot, 8)
	da, err := m.Watch(ctx, "Users/u1", func(s Snapshot) { a <- s })
	require.NoError(t, err)
	<-a

	b := make(chan Snapshot, 8)
	db, err := m.Watch(ctx, "Users/u1", func(s Snapshot) { b <- s })
	require.NoError(t, err)
	late := <-b
	assert.True(t, late.Exists, "late listener gets a fresh snapshot")
	assert.Equal(t, 2, int(s.watches.Load()), "a late join reopens the shared watch")
	assert.Equal(t, 2, m.Listeners("Users/u1"))
	h.mu.Lock()
	assert.Len(t, h.docs["Users/u1"], 1, "the replaced watch is disposed")
	h.mu.Unlock()
	select {
	case dup := <-a:
		t.Fatalf("unchanged snapshot delivered twice: %v", dup)
	case <-time.After(50 * time.Millisecond):
	}

	da()
	assert.Equal(t, 1, m.Listeners("Users/u1"))
	db()
	assert.Equal(t, 0, m.Listeners("Users/u1"))

	h.mu.Lock()
	assert.Empty(t, h.docs)
	h.mu.Unlock()
}

func TestRetryTransactions(t *testing.T) {
	ctx := context.Background()
	s := &flakyStore{fails: []error{ErrConflict, ErrConflict}}
	r := WithRetry(s, time.Second)
	require.NoError(t, r.RunTransaction(ctx, func(context.Context, Tx) error { return nil }))
	assert.Equal(t, 3, s.attempts)

	s = &flakyStore{}
	boom := errors.New("busy")
	r = WithRetry(s, time.Second)
	err := r.RunTransaction(ctx, func(context.Context, Tx) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, s.attempts)

	s = &flakyStore{fails: []error{ErrUnavailable}}
	r = WithRetry(s, time.Second)
	require.NoError(t, r.RunTransaction(ctx, func(context.Context, Tx) error { return nil }))
	assert.Equal(t, 2, s.attempts)
}

func TestRetryWrites(t *testing.T) {
	ctx := context.Background()
	refused := &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}
	tests := []struct {
		name  string
		fails []error
		write func(Store) error
	}{
		{"set after conflict", []error{ErrConflict},
			func(s Store) error { return s.Set(ctx, "Users/u1", Fields{"isOnline": true}) }},
		{"set after timeout", []error{timeoutError{}, timeoutError{}},
			func(s Store) error { return s.Set(ctx, "Users/u1", Fields{"isOnline": true}, Merge()) }},
		{"delete after refused dial", []error{refused},
			func(s Store) error { return s.Delete(ctx, "Users/u1") }},
		{"delete after dropped connection", []error{io.ErrUnexpectedEOF},
			func(s Store) error { return s.Delete(ctx, "Users/u1") }},
		{"batch after conflict", []error{ErrConflict},
			func(s Store) error { return s.Batch(ctx, []Op{DeleteOp("Users/u1")}) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &flakyStore{fails: tt.fails}
			require.NoError(t, tt.write(WithRetry(s, time.Second)))
			assert.Equal(t, len(tt.fails)+1, s.attempts)
		})
	}
}

func TestRetryGivesUpOnPermanentErrors(t *testing.T) {
	ctx := context.Background()
	s := &flakyStore{fails: []error{ErrInvalidPath, ErrConflict}}
	err := WithRetry(s, time.Second).Set(ctx, "Users", Fields{})
	assert.ErrorIs(t, err, ErrInvalidPath)
	assert.Equal(t, 1, s.attempts)

	// a backend classifier widens what counts as transient
	busy := errors.New("LOADING dataset in memory")
	s = &flakyStore{fails: []error{busy}}
	err = WithRetry(s, time.Second).Delete(ctx, "Users/u1")
	assert.ErrorIs(t, err, busy)
	assert.Equal(t, 1, s.attempts)

	s = &flakyStore{fails: []error{busy}}
	r := WithRetry(s, time.Second, RetryIf(func(err error) bool { return errors.Is(err, busy) }))
	require.NoError(t, r.Delete(ctx, "Users/u1"))
	assert.Equal(t, 2, s.attempts)
}

func TestRetryStopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := &flakyStore{fails: []error{ErrConflict, ErrConflict, ErrConflict}}
	err := WithRetry(s, time.Minute).Set(ctx, "Users/u1", Fields{})
	assert.Error(t, err)
	assert.Less(t, s.attempts, 3)
}

func TestRetryable(t *testing.T) {
	assert.False(t, Retryable(nil))
	assert.False(t, Retryable(errors.New("bad input")))
	assert.False(t, Retryable(ErrInvalidPath))
	assert.True(t, Retryable(ErrConflict))
	assert.True(t, Retryable(fmt.Errorf("error committing: %w", ErrUnavailable)))
	assert.True(t, Retryable(timeoutError{}))
	assert.True(t, Retryable(&net.OpError{Op: "read", Net: "tcp", Err: syscall.ECONNRESET}))
	assert.True(t, Retryable(fmt.Errorf("error reading reply: %w", io.EOF)))
}

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

type hubStore struct {
	Reader
	hub     *Hub
	watches atomic.Int32
}

func (s *hubStore) Set(context.Context, Path, Fields, ...SetOption) error { return nil }
func (s *hubStore) Delete(context.Context, Path) error                    { return nil }
func (s *hubStore) Batch(context.Context, []Op) error                     { return nil }
func (s *hubStore) RunTransaction(context.Context, func(context.Context, Tx) error) error {
	return nil
}
func (s *hubStore) Watch(ctx context.Context, p Path, fn func(Snapshot)) (Disposer, error) {
	s.watches.Add(1)
	return s.hub.Watch(ctx, p, fn)
}
func (s *hubStore) WatchQuery(ctx context.Context, q Query, fn func([]Snapshot)) (Disposer, error) {
	return s.hub.WatchQuery(ctx, q, fn)
}
func (s *hubStore) Close() error { return nil }

// flakyStore fails one write per queued error, then succeeds.
type flakyStore struct {
	hubStore
	fails    []error
	attempts int
}

func (s *flakyStore) write() error {
	s.attempts++
	if len(s.fails) == 0 {
		return nil
	}
	err := s.fails[0]
	s.fails = s.fails[1:]
	return err
}

func (s *flakyStore) Set(context.Context, Path, Fields, ...SetOption) error { return s.write() }
func (s *flakyStore) Delete(context.Context, Path) error                    { return s.write() }
func (s *flakyStore) Batch(context.Context, []Op) error                     { return s.write() }

func (s *flakyStore) RunTransaction(ctx context.Context, fn func(context.Context, Tx) error) error {
	if err := fn(ctx, NewTxBuffer(func(_ context.Context, p Path) (Snapshot, error) {
		return Snapshot{Path: p}, nil
	})); err != nil {
		s.attempts++
		return err
	}
	return s.write()
}
