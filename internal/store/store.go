// Package store defines the realtime document store the coordinator runs against.
// Documents live at hierarchical paths (Servers/{id}/Members/{id}); every backend
// offers point reads, equality queries, merge upserts, batches, transactions and
// push subscriptions that deliver the current state first and every change after.
package store

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrInvalidPath is returned for paths that do not name a document or collection.
	ErrInvalidPath = errors.New("invalid document path")
	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("store closed")
	// ErrConflict is returned when an optimistic transaction lost a race and may be
	// retried.
	ErrConflict = errors.New("transaction conflict")
)

// Fields is the content of one document. Values are JSON compatible: string,
// bool, float64, []any, map[string]any and nil.
type Fields map[string]any

// Snapshot is the state of one document at a point in time. A missing document is
// a snapshot with Exists false, never an error.
type Snapshot struct {
	Path   Path
	Exists bool
	Fields Fields
}

// ID returns the last segment of the document path.
func (s Snapshot) ID() string { return s.Path.ID() }

// Disposer ends a subscription. After it returns no further callbacks start.
// Calling it more than once is safe.
type Disposer func()

// Reader is the read half of a Store. The subscription hub re-reads through it.
type Reader interface {
	Get(ctx context.Context, path Path) (Snapshot, error)
	Query(ctx context.Context, q Query) ([]Snapshot, error)
}

// Tx is handed to RunTransaction callbacks. Reads see the transaction's own
// buffered writes; writes become visible atomically on commit.
type Tx interface {
	Get(ctx context.Context, path Path) (Snapshot, error)
	Set(path Path, fields Fields, opts ...SetOption)
	Delete(path Path)
}

// Store is the abstract realtime document database.
//
// Watch and WatchQuery callbacks run on a goroutine owned by the subscription, in
// commit order for that subscription. A subscription ends when its Disposer is
// called or when ctx is cancelled. Callbacks must not be registered from inside a
// RunTransaction callback.
type Store interface {
	Reader

	Set(ctx context.Context, path Path, fields Fields, opts ...SetOption) error
	Delete(ctx context.Context, path Path) error

	// Batch applies every op or none of them.
	Batch(ctx context.Context, ops []Op) error

	// RunTransaction runs fn with serializable isolation against the documents it
	// reads. An error returned by fn aborts the transaction and is returned as-is.
	RunTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	Watch(ctx context.Context, path Path, fn func(Snapshot)) (Disposer, error)
	WatchQuery(ctx context.Context, q Query, fn func([]Snapshot)) (Disposer, error)

	Close() error
}

type setOptions struct {
	merge bool
}

// SetOption changes how Set writes a document.
type SetOption func(*setOptions)

// Merge makes Set update only the given top-level fields, creating the document if
// needed. Without it Set replaces the whole document.
func Merge() SetOption {
	return func(o *setOptions) { o.merge = true }
}

func resolveSetOptions(opts []SetOption) setOptions {
	var o setOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// OpKind is the kind of a batched write.
type OpKind int

const (
	OpSet OpKind = iota
	OpDelete
)

// Op is one write inside a Batch or a committed transaction.
type Op struct {
	Kind   OpKind
	Path   Path
	Fields Fields
	Merge  bool
}

// SetOp builds a set write for Batch.
func SetOp(path Path, fields Fields, opts ...SetOption) Op {
	return Op{Kind: OpSet, Path: path, Fields: fields, Merge: resolveSetOptions(opts).merge}
}

// DeleteOp builds a delete write for Batch.
func DeleteOp(path Path) Op {
	return Op{Kind: OpDelete, Path: path}
}

// Validate checks that the op targets a document.
func (op Op) Validate() error {
	if !op.Path.IsDocument() {
		return fmt.Errorf("%w: %q", ErrInvalidPath, op.Path)
	}
	return nil
}

// Apply returns the document content after op is applied to current. The returned
// bool reports whether the document exists afterwards.
func Apply(current Fields, exists bool, op Op) (Fields, bool) {
	switch op.Kind {
	case OpDelete:
		return nil, false
	default:
		next := make(Fields, len(op.Fields)+len(current))
		if op.Merge && exists {
			for k, v := range current {
				next[k] = v
			}
		}
		for k, v := range op.Fields {
			next[k] = v
		}
		return next, true
	}
}

// Paths returns the distinct paths touched by ops, in order.
func Paths(ops []Op) []Path {
	seen := make(map[Path]struct{}, len(ops))
	out := make([]Path, 0, len(ops))
	for _, op := range ops {
		if _, ok := seen[op.Path]; ok {
			continue
		}
		seen[op.Path] = struct{}{}
		out = append(out, op.Path)
	}
	return out
}
