package media

import (
	"context"
	"fmt"
	"sync"
)

// Memory is a Session that only records state. The CLI uses it when no STUN
// server is configured, and tests use it to observe what the coordinator asked
// for.
type Memory struct {
	mu     sync.Mutex
	open   map[string]*MemoryHandle
	opened int
}

func NewMemory() *Memory {
	return &Memory{open: make(map[string]*MemoryHandle)}
}

type MemoryHandle struct {
	key string
	mu  sync.Mutex
	t   Tracks
}

func (h *MemoryHandle) Key() string { return h.key }

func (h *MemoryHandle) SetMuted(muted bool) error {
	h.mu.Lock()
	h.t.Muted = muted
	h.mu.Unlock()
	return nil
}

func (h *MemoryHandle) SetDeafened(deafened bool) error {
	h.mu.Lock()
	h.t.Deafened = deafened
	h.mu.Unlock()
	return nil
}

// Tracks returns the current state of the handle.
func (h *MemoryHandle) Tracks() Tracks {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.t
}

func (m *Memory) Open(_ context.Context, key string, t Tracks) (Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.open[key]; ok {
		return nil, fmt.Errorf("media session %s already open", key)
	}
	h := &MemoryHandle{key: key, t: t}
	m.open[key] = h
	m.opened++
	return h, nil
}

func (m *Memory) Close(h Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.open[h.Key()]; !ok || cur != h {
		return ErrUnknownHandle
	}
	delete(m.open, h.Key())
	return nil
}

// Get returns the open handle for key.
func (m *Memory) Get(key string) (*MemoryHandle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.open[key]
	return h, ok
}

// Opened counts every Open that succeeded.
func (m *Memory) Opened() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opened
}
