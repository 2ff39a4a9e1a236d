// Package mongostore keeps documents in one MongoDB collection keyed by path.
// Transactions need a replica set; subscribers are refreshed from a change stream
// on the collection, so writes made by any process reach every hub.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/Kimchiigu/PHiscord/internal/store"
)

const defaultCollection = "documents"

// Connect opens a client and pings the primary.
func Connect(ctx context.Context, uri string) (*mongo.Client, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("error connecting to mongo: %w", err)
	}
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("error pinging mongo: %w", err)
	}
	return client, nil
}

// document is the stored shape. Fields stay JSON encoded so every backend hands
// out identical value types.
type document struct {
	Path   string `bson:"_id"`
	Parent string `bson:"parent"`
	Fields string `bson:"fields"`
}

type Store struct {
	client   *mongo.Client
	coll     *mongo.Collection
	hub      *store.Hub
	feed     store.Feed
	ownsFeed bool
	unsub    store.Disposer
	log      *zap.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) { s.log = l }
}

// WithFeed replaces the change stream feed.
func WithFeed(f store.Feed) Option {
	return func(s *Store) { s.feed = f }
}

// New returns a store over database db. The caller keeps ownership of client.
func New(ctx context.Context, client *mongo.Client, db string, opts ...Option) (*Store, error) {
	s := &Store{
		client: client,
		coll:   client.Database(db).Collection(defaultCollection),
		log:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	_, err := s.coll.Indexes().CreateOne(ctx, mongo.IndexModel{Keys: bson.D{{Key: "parent", Value: 1}}})
	if err != nil {
		return nil, fmt.Errorf("error creating parent index: %w", err)
	}
	if s.feed == nil {
		f, err := NewChangeFeed(ctx, s.coll, s.log)
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

func (s *Store) read(ctx context.Context, path store.Path) (store.Snapshot, error) {
	var doc document
	err := s.coll.FindOne(ctx, bson.M{"_id": string(path)}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return store.Snapshot{Path: path}, nil
	}
	if err != nil {
		return store.Snapshot{}, fmt.Errorf("error reading %s: %w", path, err)
	}
	fields, err := store.Decode([]byte(doc.Fields))
	if err != nil {
		return store.Snapshot{}, fmt.Errorf("error decoding %s: %w", path, err)
	}
	return store.Snapshot{Path: path, Exists: true, Fields: fields}, nil
}

func (s *Store) Get(ctx context.Context, path store.Path) (store.Snapshot, error) {
	if !path.IsDocument() {
		return store.Snapshot{}, fmt.Errorf("%w: %q", store.ErrInvalidPath, path)
	}
	return s.read(ctx, path)
}

func (s *Store) Query(ctx context.Context, q store.Query) ([]store.Snapshot, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	cur, err := s.coll.Find(ctx, bson.M{"parent": string(q.Collection)},
		options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("error querying %s: %w", q.Collection, err)
	}
	defer cur.Close(ctx)

	var out []store.Snapshot
	for cur.Next(ctx) {
		var doc document
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		fields, err := store.Decode([]byte(doc.Fields))
		if err != nil {
			return nil, fmt.Errorf("error decoding %s: %w", doc.Path, err)
		}
		snap := store.Snapshot{Path: store.Path(doc.Path), Exists: true, Fields: fields}
		if q.Match(snap) {
			out = append(out, snap)
		}
	}
	return out, cur.Err()
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
	return s.RunTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		for _, op := range ops {
			switch {
			case op.Kind == store.OpDelete:
				tx.Delete(op.Path)
			case op.Merge:
				tx.Set(op.Path, op.Fields, store.Merge())
			default:
				tx.Set(op.Path, op.Fields)
			}
		}
		return nil
	})
}

// RunTransaction runs fn inside a session transaction. The driver re-runs fn on
// transient transaction errors, so fn sees a fresh buffer on every attempt.
func (s *Store) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	sess, err := s.client.StartSession()
	if err != nil {
		return fmt.Errorf("error starting session: %w", err)
	}
	defer sess.EndSession(ctx)

	var committed []store.Op
	_, err = sess.WithTransaction(ctx, func(sctx mongo.SessionContext) (any, error) {
		buf := store.NewTxBuffer(func(_ context.Context, p store.Path) (store.Snapshot, error) {
			return s.read(sctx, p)
		})
		if err := fn(sctx, buf); err != nil {
			return nil, err
		}
		ops, err := buf.Ops()
		if err != nil {
			return nil, err
		}
		for _, p := range store.Paths(ops) {
			snap, err := buf.Get(sctx, p)
			if err != nil {
				return nil, err
			}
			if err := s.write(sctx, snap); err != nil {
				return nil, err
			}
		}
		committed = ops
		return nil, nil
	})
	if err != nil {
		var cmdErr mongo.CommandError
		if errors.As(err, &cmdErr) && cmdErr.HasErrorLabel("TransientTransactionError") {
			return fmt.Errorf("%w: %v", store.ErrConflict, err)
		}
		return err
	}
	if s.feed != nil && !s.ownsFeed && len(committed) > 0 {
		// the change stream announces commits by itself; other feeds need a publish
		if err := s.feed.Publish(context.WithoutCancel(ctx), store.Paths(committed)); err != nil {
			s.log.Warn("error publishing change", zap.Error(err))
		}
	}
	return nil
}

func (s *Store) write(ctx context.Context, snap store.Snapshot) error {
	if !snap.Exists {
		_, err := s.coll.DeleteOne(ctx, bson.M{"_id": string(snap.Path)})
		if err != nil {
			return fmt.Errorf("error deleting %s: %w", snap.Path, err)
		}
		return nil
	}
	raw, err := store.Encode(snap.Fields)
	if err != nil {
		return fmt.Errorf("error encoding %s: %w", snap.Path, err)
	}
	doc := document{Path: string(snap.Path), Parent: string(snap.Path.Parent()), Fields: string(raw)}
	_, err = s.coll.ReplaceOne(ctx, bson.M{"_id": doc.Path}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("error writing %s: %w", snap.Path, err)
	}
	return nil
}

func (s *Store) Watch(ctx context.Context, path store.Path, fn func(store.Snapshot)) (store.Disposer, error) {
	return s.hub.Watch(ctx, path, fn)
}

func (s *Store) WatchQuery(ctx context.Context, q store.Query, fn func([]store.Snapshot)) (store.Disposer, error) {
	return s.hub.WatchQuery(ctx, q, fn)
}

// Close stops subscriptions and the change stream. The client stays connected.
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

// Transient reports whether err is a network failure, a timeout or a server
// error labelled safe to retry.
func Transient(err error) bool {
	if mongo.IsNetworkError(err) || mongo.IsTimeout(err) {
		return true
	}
	var le mongo.LabeledError
	return errors.As(err, &le) &&
		(le.HasErrorLabel("TransientTransactionError") || le.HasErrorLabel("RetryableWriteError"))
}
