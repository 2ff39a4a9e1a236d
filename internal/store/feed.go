package store

import (
	"context"
	"sync"
)

// Feed carries change notifications (the paths a commit touched) between the
// writer and every hub that may hold subscriptions on those paths. Backends shared
// by several processes publish through a networked feed so remote subscribers
// re-read too.
type Feed interface {
	Publish(ctx context.Context, paths []Path) error
	Subscribe(fn func([]Path)) (Disposer, error)
	Close() error
}

// LocalFeed is an in-process Feed. Publish calls subscribers synchronously, so fn
// must not block.
type LocalFeed struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[uint64]func([]Path)
	closed bool
}

// NewLocalFeed returns an empty in-process feed.
func NewLocalFeed() *LocalFeed {
	return &LocalFeed{subs: make(map[uint64]func([]Path))}
}

func (f *LocalFeed) Publish(_ context.Context, paths []Path) error {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return ErrClosed
	}
	for _, fn := range f.subs {
		fn(paths)
	}
	return nil
}

func (f *LocalFeed) Subscribe(fn func([]Path)) (Disposer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, ErrClosed
	}
	f.nextID++
	id := f.nextID
	f.subs[id] = fn
	return func() {
		f.mu.Lock()
		delete(f.subs, id)
		f.mu.Unlock()
	}, nil
}

func (f *LocalFeed) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.subs = map[uint64]func([]Path){}
	return nil
}
