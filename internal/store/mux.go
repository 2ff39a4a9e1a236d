package store

import (
	"context"
	"reflect"
	"sync"
)

// Mux shares one underlying document subscription between many listeners. The
// first listener on a path opens it and the last one to leave closes it.
//
// A listener joining late must not start from a cached snapshot that lags a
// committed write, so every join replaces the underlying subscription with a
// fresh one and moves all listeners onto it. Deliveries from the replaced
// subscription are dropped from then on, and listeners that already hold the
// fresh snapshot do not receive it twice.
type Mux struct {
	store Store

	mu      sync.Mutex
	nextID  uint64
	entries map[Path]*muxEntry
}

type muxEntry struct {
	gen       uint64
	dispose   Disposer
	last      *Snapshot
	resync    bool
	listeners map[uint64]*muxListener
}

type muxListener struct {
	out    *deliverer[Snapshot]
	primed bool
}

// NewMux returns a Mux over s.
func NewMux(s Store) *Mux {
	return &Mux{store: s, entries: make(map[Path]*muxEntry)}
}

// Watch adds a listener to path. Its first snapshot is read after Watch is
// called.
func (m *Mux) Watch(ctx context.Context, path Path, fn func(Snapshot)) (Disposer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[path]
	if !ok {
		e = &muxEntry{listeners: make(map[uint64]*muxListener)}
	}
	if err := m.open(path, e); err != nil {
		return nil, err
	}
	m.entries[path] = e

	m.nextID++
	id := m.nextID
	l := &muxListener{out: startDeliverer(fn)}
	e.listeners[id] = l

	var once sync.Once
	left := make(chan struct{})
	leave := func() {
		once.Do(func() {
			close(left)
			l.out.stop()
			m.mu.Lock()
			defer m.mu.Unlock()
			delete(e.listeners, id)
			if len(e.listeners) == 0 && m.entries[path] == e {
				delete(m.entries, path)
				e.gen++
				e.dispose()
			}
		})
	}
	if ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				leave()
			case <-left:
			}
		}()
	}
	return leave, nil
}

// open starts a new generation of the underlying subscription for e and
// disposes the previous one. m.mu must be held; the callback takes m.mu, so the
// first delivery waits until the caller has registered its listener.
func (m *Mux) open(path Path, e *muxEntry) error {
	gen := e.gen + 1
	dispose, err := m.store.Watch(context.Background(), path, func(s Snapshot) {
		m.mu.Lock()
		defer m.mu.Unlock()
		if e.gen != gen {
			return
		}
		m.deliver(e, s)
	})
	if err != nil {
		return err
	}
	prev := e.dispose
	e.gen, e.dispose, e.resync = gen, dispose, true
	if prev != nil {
		prev()
	}
	return nil
}

func (m *Mux) deliver(e *muxEntry, s Snapshot) {
	resync := e.resync
	e.resync = false
	for _, l := range e.listeners {
		if resync && l.primed && e.last != nil && reflect.DeepEqual(*e.last, s) {
			continue
		}
		l.primed = true
		l.out.push(s)
	}
	snap := s
	e.last = &snap
}

// Listeners returns how many listeners are attached to path.
func (m *Mux) Listeners(path Path) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[path]; ok {
		return len(e.listeners)
	}
	return 0
}

// Close ends every shared subscription.
func (m *Mux) Close() {
	m.mu.Lock()
	entries := m.entries
	m.entries = make(map[Path]*muxEntry)
	for _, e := range entries {
		e.gen++
		for _, l := range e.listeners {
			l.out.stop()
		}
	}
	m.mu.Unlock()
	for _, e := range entries {
		e.dispose()
	}
}
