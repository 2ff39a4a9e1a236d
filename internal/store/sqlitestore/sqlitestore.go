// Package sqlitestore keeps documents in one sqlite table, each row holding the
// JSON encoded fields of one path.
package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/Kimchiigu/PHiscord/internal/store"
)

type Store struct {
	db       *sql.DB
	hub      *store.Hub
	feed     store.Feed
	ownsFeed bool
	unsub    store.Disposer
	log      *zap.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithFeed publishes commits on f and refreshes subscribers from it. Use a
// networked feed when several processes share the database file.
func WithFeed(f store.Feed) Option {
	return func(s *Store) { s.feed = f }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) { s.log = l }
}

// New wraps an open database (see db.Open). The caller keeps ownership of db.
func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{db: db, log: zap.NewNop()}
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

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func get(ctx context.Context, q querier, path store.Path) (store.Snapshot, error) {
	var raw string
	err := q.QueryRowContext(ctx, "SELECT fields FROM documents WHERE path = ?", string(path)).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Snapshot{Path: path}, nil
	}
	if err != nil {
		return store.Snapshot{}, fmt.Errorf("error reading %s: %w", path, err)
	}
	fields, err := store.Decode([]byte(raw))
	if err != nil {
		return store.Snapshot{}, fmt.Errorf("error decoding %s: %w", path, err)
	}
	return store.Snapshot{Path: path, Exists: true, Fields: fields}, nil
}

func (s *Store) Get(ctx context.Context, path store.Path) (store.Snapshot, error) {
	if !path.IsDocument() {
		return store.Snapshot{}, fmt.Errorf("%w: %q", store.ErrInvalidPath, path)
	}
	return get(ctx, s.db, path)
}

func (s *Store) Query(ctx context.Context, q store.Query) ([]store.Snapshot, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT path, fields FROM documents WHERE parent = ? ORDER BY path", string(q.Collection))
	if err != nil {
		return nil, fmt.Errorf("error querying %s: %w", q.Collection, err)
	}
	defer rows.Close()

	var out []store.Snapshot
	for rows.Next() {
		var path, raw string
		if err := rows.Scan(&path, &raw); err != nil {
			return nil, err
		}
		fields, err := store.Decode([]byte(raw))
		if err != nil {
			return nil, fmt.Errorf("error decoding %s: %w", path, err)
		}
		snap := store.Snapshot{Path: store.Path(path), Exists: true, Fields: fields}
		if q.Match(snap) {
			out = append(out, snap)
		}
	}
	return out, rows.Err()
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
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("error beginning batch: %w", err)
	}
	defer tx.Rollback()

	if err := apply(ctx, tx, ops); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("error committing batch: %w", err)
	}
	s.publish(ctx, ops)
	return nil
}

// apply writes ops inside tx. Merges read the row first so staged writes to the
// same path compose.
func apply(ctx context.Context, tx *sql.Tx, ops []store.Op) error {
	for _, op := range ops {
		if op.Kind == store.OpDelete {
			if _, err := tx.ExecContext(ctx, "DELETE FROM documents WHERE path = ?", string(op.Path)); err != nil {
				return fmt.Errorf("error deleting %s: %w", op.Path, err)
			}
			continue
		}
		fields := op.Fields
		if op.Merge {
			cur, err := get(ctx, tx, op.Path)
			if err != nil {
				return err
			}
			fields, _ = store.Apply(cur.Fields, cur.Exists, op)
		}
		raw, err := store.Encode(fields)
		if err != nil {
			return fmt.Errorf("error encoding %s: %w", op.Path, err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO documents (path, parent, fields) VALUES (?, ?, ?)
			 ON CONFLICT (path) DO UPDATE SET fields = excluded.fields, updated_at = CURRENT_TIMESTAMP`,
			string(op.Path), string(op.Path.Parent()), string(raw))
		if err != nil {
			return fmt.Errorf("error writing %s: %w", op.Path, err)
		}
	}
	return nil
}

func (s *Store) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("error beginning transaction: %w", err)
	}
	defer tx.Rollback()

	buf := store.NewTxBuffer(func(ctx context.Context, p store.Path) (store.Snapshot, error) {
		return get(ctx, tx, p)
	})
	if err := fn(ctx, buf); err != nil {
		return err
	}
	ops, err := buf.Ops()
	if err != nil {
		return err
	}
	if err := apply(ctx, tx, ops); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("error committing transaction: %w", err)
	}
	s.publish(ctx, ops)
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

// Close stops subscriptions. The database handle stays open.
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

// Transient reports whether err is a lock held by another connection that
// outlasted the busy timeout.
func Transient(err error) bool {
	var serr *sqlite.Error
	if !errors.As(err, &serr) {
		return false
	}
	switch serr.Code() & 0xff {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return true
	}
	return false
}
