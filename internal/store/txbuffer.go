package store

import (
	"context"
	"fmt"
)

// TxBuffer implements Tx over a read function by staging writes until commit.
// Backends wrap it with their own isolation (a held lock, WATCH, a session) and
// commit Ops() when the callback succeeds.
type TxBuffer struct {
	read  func(ctx context.Context, path Path) (Snapshot, error)
	reads map[Path]Snapshot
	ops   []Op
	err   error
}

// NewTxBuffer returns a buffer that reads committed state through read.
func NewTxBuffer(read func(ctx context.Context, path Path) (Snapshot, error)) *TxBuffer {
	return &TxBuffer{read: read, reads: make(map[Path]Snapshot)}
}

// Get returns the committed document with this transaction's staged writes applied.
func (b *TxBuffer) Get(ctx context.Context, path Path) (Snapshot, error) {
	if !path.IsDocument() {
		return Snapshot{}, fmt.Errorf("%w: %q", ErrInvalidPath, path)
	}
	base, ok := b.reads[path]
	if !ok {
		s, err := b.read(ctx, path)
		if err != nil {
			return Snapshot{}, err
		}
		b.reads[path] = s
		base = s
	}
	fields, exists := base.Fields, base.Exists
	for _, op := range b.ops {
		if op.Path == path {
			fields, exists = Apply(fields, exists, op)
		}
	}
	out := Snapshot{Path: path, Exists: exists}
	if exists {
		out.Fields = make(Fields, len(fields))
		for k, v := range fields {
			out.Fields[k] = v
		}
	}
	return out, nil
}

// Set stages a write.
func (b *TxBuffer) Set(path Path, fields Fields, opts ...SetOption) {
	b.stage(SetOp(path, fields, opts...))
}

// Delete stages a delete.
func (b *TxBuffer) Delete(path Path) {
	b.stage(DeleteOp(path))
}

func (b *TxBuffer) stage(op Op) {
	if b.err != nil {
		return
	}
	if err := op.Validate(); err != nil {
		b.err = err
		return
	}
	if op.Kind == OpSet {
		f, err := Normalize(op.Fields)
		if err != nil {
			b.err = fmt.Errorf("error encoding %s: %w", op.Path, err)
			return
		}
		op.Fields = f
	}
	b.ops = append(b.ops, op)
}

// Read returns the committed snapshots this transaction has read, keyed by path.
func (b *TxBuffer) Read() map[Path]Snapshot { return b.reads }

// Ops returns the staged writes, or the first staging error.
func (b *TxBuffer) Ops() ([]Op, error) {
	return b.ops, b.err
}
