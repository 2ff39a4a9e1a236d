// Package redisstore keeps documents in redis. Each document is a JSON string
// under "<prefix>doc:<path>" and each collection is a set of member paths under
// "<prefix>col:<path>". Transactions use WATCH/MULTI/EXEC; changes are announced
// on a pub/sub channel so every process sharing the server refreshes its
// subscribers.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Kimchiigu/PHiscord/internal/store"
)

const (
	defaultPrefix = "phiscord:"
	// batchAttempts bounds how often a Batch re-runs after losing a WATCH race.
	batchAttempts = 32
)

// Config is used to connect to redis.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// Connect opens a client and checks that the server answers.
func Connect(ctx context.Context, c Config) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     c.Addr,
		Password: c.Password,
		DB:       c.DB,
	})
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("error pinging redis at %s: %w", c.Addr, err)
	}
	return rdb, nil
}

type Store struct {
	rdb      *redis.Client
	prefix   string
	hub      *store.Hub
	feed     store.Feed
	ownsFeed bool
	unsub    store.Disposer
	log      *zap.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithPrefix namespaces every key.
func WithPrefix(p string) Option {
	return func(s *Store) { s.prefix = p }
}

// WithFeed replaces the redis pub/sub change feed.
func WithFeed(f store.Feed) Option {
	return func(s *Store) { s.feed = f }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) { s.log = l }
}

// New returns a store over rdb. The caller keeps ownership of rdb.
func New(ctx context.Context, rdb *redis.Client, opts ...Option) (*Store, error) {
	s := &Store{rdb: rdb, prefix: defaultPrefix, log: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	if s.feed == nil {
		f, err := NewFeed(ctx, rdb, s.prefix+"changes", s.log)
		if err != nil {
			return nil, err
		}
		s.feed = f
		s.ownsFeed = true
	}
	s.hub = store.NewHub(s, s.log)
	unsub, err := s.feed.Subscribe(s.hub.Notify)
	if err != nil {
		s.hub.Close()
		return nil, fmt.Errorf("error subscribing to change feed: %w", err)
	}
	s.unsub = unsub
	return s, nil
}

func (s *Store) docKey(p store.Path) string { return s.prefix + "doc:" + string(p) }
func (s *Store) colKey(p store.Path) string { return s.prefix + "col:" + string(p) }

func (s *Store) Get(ctx context.Context, path store.Path) (store.Snapshot, error) {
	if !path.IsDocument() {
		return store.Snapshot{}, fmt.Errorf("%w: %q", store.ErrInvalidPath, path)
	}
	return s.read(ctx, s.rdb, path)
}

// getter is satisfied by *redis.Client and *redis.Tx.
type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *Store) read(ctx context.Context, c getter, path store.Path) (store.Snapshot, error) {
	raw, err := c.Get(ctx, s.docKey(path)).Bytes()
	if errors.Is(err, redis.Nil) {
		return store.Snapshot{Path: path}, nil
	}
	if err != nil {
		return store.Snapshot{}, fmt.Errorf("error reading %s: %w", path, err)
	}
	fields, err := store.Decode(raw)
	if err != nil {
		return store.Snapshot{}, fmt.Errorf("error decoding %s: %w", path, err)
	}
	return store.Snapshot{Path: path, Exists: true, Fields: fields}, nil
}

func (s *Store) Query(ctx context.Context, q store.Query) ([]store.Snapshot, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	members, err := s.rdb.SMembers(ctx, s.colKey(q.Collection)).Result()
	if err != nil {
		return nil, fmt.Errorf("error listing %s: %w", q.Collection, err)
	}
	if len(members) == 0 {
		return nil, nil
	}
	keys := make([]string, len(members))
	for i, m := range members {
		keys[i] = s.docKey(store.Path(m))
	}
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("error reading %s: %w", q.Collection, err)
	}
	var out []store.Snapshot
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			// removed between SMEMBERS and MGET
			continue
		}
		fields, err := store.Decode([]byte(raw))
		if err != nil {
			return nil, fmt.Errorf("error decoding %s: %w", members[i], err)
		}
		snap := store.Snapshot{Path: store.Path(members[i]), Exists: true, Fields: fields}
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
	for attempt := 0; attempt < batchAttempts; attempt++ {
		err = s.RunTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
			for _, op := range ops {
				if op.Kind == store.OpDelete {
					tx.Delete(op.Path)
					continue
				}
				if op.Merge {
					tx.Set(op.Path, op.Fields, store.Merge())
				} else {
					tx.Set(op.Path, op.Fields)
				}
			}
			return nil
		})
		if !errors.Is(err, store.ErrConflict) {
			return err
		}
	}
	return err
}

// RunTransaction watches every key fn reads and commits the staged writes in one
// MULTI/EXEC. A concurrent change to a watched key yields store.ErrConflict.
func (s *Store) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	var committed []store.Op
	err := s.rdb.Watch(ctx, func(rtx *redis.Tx) error {
		buf := store.NewTxBuffer(func(ctx context.Context, p store.Path) (store.Snapshot, error) {
			if err := rtx.Watch(ctx, s.docKey(p)).Err(); err != nil {
				return store.Snapshot{}, err
			}
			return s.read(ctx, rtx, p)
		})
		if err := fn(ctx, buf); err != nil {
			return err
		}
		ops, err := buf.Ops()
		if err != nil {
			return err
		}
		if len(ops) == 0 {
			return nil
		}
		paths := store.Paths(ops)
		finals := make([]store.Snapshot, len(paths))
		for i, p := range paths {
			// reads (and watches) the base of any path written blind
			if finals[i], err = buf.Get(ctx, p); err != nil {
				return err
			}
		}
		_, err = rtx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, snap := range finals {
				if !snap.Exists {
					pipe.Del(ctx, s.docKey(snap.Path))
					pipe.SRem(ctx, s.colKey(snap.Path.Parent()), string(snap.Path))
					continue
				}
				raw, err := store.Encode(snap.Fields)
				if err != nil {
					return err
				}
				pipe.Set(ctx, s.docKey(snap.Path), raw, 0)
				pipe.SAdd(ctx, s.colKey(snap.Path.Parent()), string(snap.Path))
			}
			return nil
		})
		if err == nil {
			committed = ops
		}
		return err
	})
	if errors.Is(err, redis.TxFailedErr) {
		return fmt.Errorf("%w: %v", store.ErrConflict, err)
	}
	if err != nil {
		return err
	}
	s.publish(ctx, committed)
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

func (s *Store) Watch(ctx context.Context, path store.Path, fn func(store.Snapshot)) (store.Disposer, error) {
	return s.hub.Watch(ctx, path, fn)
}

func (s *Store) WatchQuery(ctx context.Context, q store.Query, fn func([]store.Snapshot)) (store.Disposer, error) {
	return s.hub.WatchQuery(ctx, q, fn)
}

// Close stops subscriptions and the change feed. The client stays open.
func (s *Store) Close() error {
	if s.unsub != nil {
		s.unsub()
	}
	s.hub.Close()
	if s.ownsFeed {
		return s.feed.Close()
	}
	return nil
}

// Transient reports whether err is a server reply that clears by itself: a
// replica still loading its dataset, a read-only replica mid failover or a busy
// cluster slot.
func Transient(err error) bool {
	var rerr redis.Error
	if !errors.As(err, &rerr) {
		return false
	}
	for _, prefix := range []string{"LOADING", "READONLY", "TRYAGAIN", "CLUSTERDOWN", "MASTERDOWN"} {
		if strings.HasPrefix(rerr.Error(), prefix) {
			return true
		}
	}
	return false
}
