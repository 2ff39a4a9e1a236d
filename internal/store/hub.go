package store

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	"go.uber.org/zap"
)

// Hub fans committed changes out to Watch and WatchQuery subscribers.
//
// A single dispatcher goroutine handles every notification and initial read in
// order, re-reading current state through the Reader. Because reads happen one at
// a time after the commits that triggered them, each subscriber sees states that
// only move forward. Delivery to the callback goes through a per-subscription
// queue so a slow callback never blocks the dispatcher.
type Hub struct {
	reader Reader
	log    *zap.Logger
	tasks  *queue[func(context.Context)]
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	closed  bool
	nextID  uint64
	docs    map[Path]map[uint64]*docSub
	queries map[uint64]*querySub
}

type docSub struct {
	id     uint64
	path   Path
	primed bool
	out    *deliverer[Snapshot]
}

type querySub struct {
	id     uint64
	query  Query
	primed bool
	last   []Snapshot
	out    *deliverer[[]Snapshot]
}

// NewHub starts a hub reading through r.
func NewHub(r Reader, log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		reader:  r,
		log:     log,
		tasks:   newQueue[func(context.Context)](),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		docs:    make(map[Path]map[uint64]*docSub),
		queries: make(map[uint64]*querySub),
	}
	go h.dispatch()
	return h
}

func (h *Hub) dispatch() {
	defer close(h.done)
	for {
		task, ok := h.tasks.pop()
		if !ok {
			return
		}
		task(h.ctx)
	}
}

// Notify schedules a re-read for every subscription affected by writes to paths.
// It never blocks.
func (h *Hub) Notify(paths []Path) {
	if len(paths) == 0 {
		return
	}
	changed := append([]Path(nil), paths...)
	h.tasks.push(func(ctx context.Context) { h.refresh(ctx, changed) })
}

func (h *Hub) refresh(ctx context.Context, paths []Path) {
	h.mu.Lock()
	var docs []*docSub
	var queries []*querySub
	seen := make(map[uint64]bool)
	for _, p := range paths {
		for _, s := range h.docs[p] {
			if s.primed {
				docs = append(docs, s)
			}
		}
		for _, s := range h.queries {
			if s.primed && !seen[s.id] && s.query.Covers(p) {
				seen[s.id] = true
				queries = append(queries, s)
			}
		}
	}
	h.mu.Unlock()

	reads := make(map[Path]Snapshot)
	for _, s := range docs {
		snap, ok := reads[s.path]
		if !ok {
			var err error
			snap, err = h.reader.Get(ctx, s.path)
			if err != nil {
				h.log.Warn("error re-reading document", zap.String("path", s.path.String()), zap.Error(err))
				continue
			}
			reads[s.path] = snap
		}
		s.out.push(snap)
	}
	for _, s := range queries {
		res, err := h.reader.Query(ctx, s.query)
		if err != nil {
			h.log.Warn("error re-running query", zap.String("collection", s.query.Collection.String()), zap.Error(err))
			continue
		}
		if reflect.DeepEqual(res, s.last) {
			continue
		}
		s.last = res
		s.out.push(res)
	}
}

// Watch subscribes fn to one document. The current state is read and queued
// before Watch returns; a failed initial read cancels the subscription.
func (h *Hub) Watch(ctx context.Context, path Path, fn func(Snapshot)) (Disposer, error) {
	if !path.IsDocument() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPath, path)
	}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrClosed
	}
	h.nextID++
	sub := &docSub{id: h.nextID, path: path, out: startDeliverer(fn)}
	if h.docs[path] == nil {
		h.docs[path] = make(map[uint64]*docSub)
	}
	h.docs[path][sub.id] = sub
	h.mu.Unlock()

	dispose, ended := h.disposer(func() {
		if m := h.docs[path]; m != nil {
			delete(m, sub.id)
			if len(m) == 0 {
				delete(h.docs, path)
			}
		}
	}, sub.out.stop)

	errc := make(chan error, 1)
	h.tasks.push(func(hctx context.Context) {
		snap, err := h.reader.Get(hctx, path)
		if err != nil {
			errc <- err
			return
		}
		h.mu.Lock()
		sub.primed = true
		h.mu.Unlock()
		sub.out.push(snap)
		errc <- nil
	})
	if err := h.awaitInitial(ctx, errc); err != nil {
		dispose()
		return nil, err
	}
	h.bind(ctx, dispose, ended)
	return dispose, nil
}

// WatchQuery subscribes fn to the result set of q.
func (h *Hub) WatchQuery(ctx context.Context, q Query, fn func([]Snapshot)) (Disposer, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrClosed
	}
	h.nextID++
	sub := &querySub{id: h.nextID, query: q, out: startDeliverer(fn)}
	h.queries[sub.id] = sub
	h.mu.Unlock()

	dispose, ended := h.disposer(func() { delete(h.queries, sub.id) }, sub.out.stop)

	errc := make(chan error, 1)
	h.tasks.push(func(hctx context.Context) {
		res, err := h.reader.Query(hctx, q)
		if err != nil {
			errc <- err
			return
		}
		h.mu.Lock()
		sub.primed = true
		h.mu.Unlock()
		sub.last = res
		sub.out.push(res)
		errc <- nil
	})
	if err := h.awaitInitial(ctx, errc); err != nil {
		dispose()
		return nil, err
	}
	h.bind(ctx, dispose, ended)
	return dispose, nil
}

func (h *Hub) awaitInitial(ctx context.Context, errc chan error) error {
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-h.done:
		return ErrClosed
	}
}

func (h *Hub) disposer(unregister func(), stop func()) (Disposer, chan struct{}) {
	var once sync.Once
	ended := make(chan struct{})
	return func() {
		once.Do(func() {
			stop()
			h.mu.Lock()
			unregister()
			h.mu.Unlock()
			close(ended)
		})
	}, ended
}

// bind ends the subscription when ctx is cancelled.
func (h *Hub) bind(ctx context.Context, dispose Disposer, ended chan struct{}) {
	if ctx.Done() == nil {
		return
	}
	go func() {
		select {
		case <-ctx.Done():
			dispose()
		case <-h.done:
			dispose()
		case <-ended:
		}
	}()
}

// Close stops the dispatcher and every subscription.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	for _, m := range h.docs {
		for _, s := range m {
			s.out.stop()
		}
	}
	for _, s := range h.queries {
		s.out.stop()
	}
	h.docs = make(map[Path]map[uint64]*docSub)
	h.queries = make(map[uint64]*querySub)
	h.mu.Unlock()

	h.cancel()
	h.tasks.close()
	<-h.done
}
