// Package memstore is an in-memory store.Store used by tests and single process
// deployments.
package memstore

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/Kimchiigu/PHiscord/internal/store"
)

// Store keeps every document in a map guarded by one lock. Transactions hold the
// write lock for their whole duration.
type Store struct {
	mu     sync.RWMutex
	docs   map[store.Path]store.Fields
	closed bool

	hub      *store.Hub
	feed     store.Feed
	ownsFeed bool
	unsub    store.Disposer
	fault    func(store.Op) error
	log      *zap.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithFeed publishes commits on f and refreshes subscribers from it.
func WithFeed(f store.Feed) Option {
	return func(s *Store) { s.feed = f }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) { s.log = l }
}

// WithFault installs a hook called for every op before a commit is applied. A
// non-nil error aborts the whole commit.
func WithFault(fn func(store.Op) error) Option {
	return func(s *Store) { s.fault = fn }
}

// New returns an empty store.
func New(opts ...Option) *Store {
	s := &Store{docs: make(map[store.Path]store.Fields), log: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	if s.feed == nil {
		s.feed = store.NewLocalFeed()
		s.ownsFeed = true
	}
	s.hub = store.NewHub(s, s.log)
	unsub, err := s.feed.Subscribe(s.hub.Notify)
	if err != nil {
		s.log.Warn("error subscribing to change feed", zap.Error(err))
	}
	s.unsub = unsub
	return s
}

func (s *Store) Get(_ context.Context, path store.Path) (store.Snapshot, error) {
	if !path.IsDocument() {
		return store.Snapshot{}, fmt.Errorf("%w: %q", store.ErrInvalidPath, path)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return store.Snapshot{}, store.ErrClosed
	}
	return s.read(path)
}

// read must be called with s.mu held.
func (s *Store) read(path store.Path) (store.Snapshot, error) {
	f, ok := s.docs[path]
	if !ok {
		return store.Snapshot{Path: path}, nil
	}
	cp, err := store.Normalize(f)
	if err != nil {
		return store.Snapshot{}, err
	}
	return store.Snapshot{Path: path, Exists: true, Fields: cp}, nil
}

func (s *Store) Query(_ context.Context, q store.Query) ([]store.Snapshot, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, store.ErrClosed
	}
	var out []store.Snapshot
	for p := range s.docs {
		if p.Parent() != q.Collection {
			continue
		}
		snap, err := s.read(p)
		if err != nil {
			return nil, err
		}
		if q.Match(snap) {
			out = append(out, snap)
		}
	}
	store.SortByPath(out)
	return out, nil
}

func (s *Store) Set(ctx context.Context, path store.Path, fields store.Fields, opts ...store.SetOption) error {
	return s.Batch(ctx, []store.Op{store.SetOp(path, fields, opts...)})
}

func (s *Store) Delete(ctx context.Context, path store.Path) error {
	return s.Batch(ctx, []store.Op{store.DeleteOp(path)})
}

func (s *Store) Batch(ctx context.Context, ops []store.Op) error {
	ops, err := store.NormalizeOps(ops)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return store.ErrClosed
	}
	err = s.commit(ops)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.publish(ctx, ops)
	return nil
}

// commit applies ops atomically. s.mu must be held for writing.
func (s *Store) commit(ops []store.Op) error {
	type state struct {
		fields store.Fields
		exists bool
	}
	staged := make(map[store.Path]state)
	for _, op := range ops {
		if s.fault != nil {
			if err := s.fault(op); err != nil {
				return err
			}
		}
		cur, ok := staged[op.Path]
		if !ok {
			f, exists := s.docs[op.Path]
			cur = state{fields: f, exists: exists}
		}
		f, exists := store.Apply(cur.fields, cur.exists, op)
		staged[op.Path] = state{fields: f, exists: exists}
	}
	for p, st := range staged {
		if st.exists {
			s.docs[p] = st.fields
		} else {
			delete(s.docs, p)
		}
	}
	return nil
}

func (s *Store) publish(ctx context.Context, ops []store.Op) {
	if len(ops) == 0 {
		return
	}
	if err := s.feed.Publish(context.WithoutCancel(ctx), store.Paths(ops)); err != nil {
		s.log.Warn("error publishing change", zap.Error(err))
	}
}

func (s *Store) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return store.ErrClosed
	}
	buf := store.NewTxBuffer(func(_ context.Context, p store.Path) (store.Snapshot, error) {
		return s.read(p)
	})
	if err := fn(ctx, buf); err != nil {
		s.mu.Unlock()
		return err
	}
	ops, err := buf.Ops()
	if err == nil {
		err = s.commit(ops)
	}
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.publish(ctx, ops)
	return nil
}

func (s *Store) Watch(ctx context.Context, path store.Path, fn func(store.Snapshot)) (store.Disposer, error) {
	return s.hub.Watch(ctx, path, fn)
}

func (s *Store) WatchQuery(ctx context.Context, q store.Query, fn func([]store.Snapshot)) (store.Disposer, error) {
	return s.hub.WatchQuery(ctx, q, fn)
}

func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	if s.unsub != nil {
		s.unsub()
	}
	s.hub.Close()
	if s.ownsFeed {
		return s.feed.Close()
	}
	return nil
}
