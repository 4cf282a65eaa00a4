package instance

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/arata-labs/termorch/internal/backend"
	"github.com/arata-labs/termorch/internal/bus"
)

// Manager owns process liveness for every live instance: one backend.Backend
// plus one Scrollback per instance id. It never owns status — that belongs
// to the status reconciler — only whether a backend process/session exists
// and what it has emitted.
type Manager struct {
	bus         *bus.Bus
	scrollCap   int
	mu          sync.Mutex
	backends    map[string]backend.Backend
	scrollbacks map[string]*Scrollback
}

// New returns an empty Manager. scrollbackCapBytes bounds every instance's
// scrollback buffer.
func New(b *bus.Bus, scrollbackCapBytes int) *Manager {
	return &Manager{
		bus:         b,
		scrollCap:   scrollbackCapBytes,
		backends:    make(map[string]backend.Backend),
		scrollbacks: make(map[string]*Scrollback),
	}
}

// SpawnLocal creates a local PTY-backed instance.
func (m *Manager) SpawnLocal(id string, cfg backend.Config) error {
	m.mu.Lock()
	if _, exists := m.backends[id]; exists {
		m.mu.Unlock()
		return fmt.Errorf("instance: %s already has a live backend", id)
	}
	m.mu.Unlock()

	be, err := backend.SpawnLocal(cfg)
	if err != nil {
		return fmt.Errorf("instance: spawn local %s: %w", id, err)
	}
	m.register(id, be)
	return nil
}

// SpawnSSH creates a remote SSH-backed instance, with the given reconnect
// bound (attempts, base delay) passed straight through to the backend.
func (m *Manager) SpawnSSH(ctx context.Context, id string, cfg backend.Config, maxAttempts int, baseDelay time.Duration) error {
	m.mu.Lock()
	if _, exists := m.backends[id]; exists {
		m.mu.Unlock()
		return fmt.Errorf("instance: %s already has a live backend", id)
	}
	m.mu.Unlock()

	be, err := backend.SpawnSSH(ctx, cfg, maxAttempts, baseDelay)
	if err != nil {
		return fmt.Errorf("instance: spawn ssh %s: %w", id, err)
	}
	m.register(id, be)
	return nil
}

func (m *Manager) register(id string, be backend.Backend) {
	sb := NewScrollback(m.scrollCap)

	m.mu.Lock()
	m.backends[id] = be
	m.scrollbacks[id] = sb
	m.mu.Unlock()

	go m.pump(id, be, sb)
}

func (m *Manager) pump(id string, be backend.Backend, sb *Scrollback) {
	for ev := range be.Events() {
		switch ev.Kind {
		case backend.EventData:
			sb.Append(ev.Data)
			m.bus.Publish(bus.Event{Kind: bus.KindTerminalData, InstanceID: id, Payload: ev.Data})
		case backend.EventExit:
			m.mu.Lock()
			delete(m.backends, id)
			m.mu.Unlock()
			m.bus.Publish(bus.Event{Kind: bus.KindTerminalExit, InstanceID: id, Payload: ev.Code})
		}
	}
}

// Write forwards input to id's backend. No-op on unknown id.
func (m *Manager) Write(id string, p []byte) (int, error) {
	be, ok := m.get(id)
	if !ok {
		return 0, nil
	}
	return be.Write(p)
}

// Resize forwards a resize to id's backend. No-op on unknown id.
func (m *Manager) Resize(id string, cols, rows uint16) error {
	be, ok := m.get(id)
	if !ok {
		return nil
	}
	return be.Resize(cols, rows)
}

// Kill tears down id's backend and clears its scrollback. Reports whether a
// backend existed.
func (m *Manager) Kill(id string) bool {
	be, ok := m.get(id)
	if !ok {
		return false
	}
	_ = be.Kill()

	m.mu.Lock()
	delete(m.backends, id)
	if sb, ok := m.scrollbacks[id]; ok {
		sb.Clear()
	}
	m.mu.Unlock()
	return true
}

// GetCwd returns id's backend's best-known cwd.
func (m *Manager) GetCwd(id string) (string, bool) {
	be, ok := m.get(id)
	if !ok {
		return "", false
	}
	return be.GetCwd()
}

// GetPid returns id's backend's local pid, if any.
func (m *Manager) GetPid(id string) (int, bool) {
	be, ok := m.get(id)
	if !ok {
		return 0, false
	}
	return be.GetPid()
}

// GetHistory returns id's buffered scrollback bytes.
func (m *Manager) GetHistory(id string) []byte {
	m.mu.Lock()
	sb, ok := m.scrollbacks[id]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return sb.Snapshot()
}

// ClearHistory empties id's scrollback without touching the backend.
func (m *Manager) ClearHistory(id string) {
	m.mu.Lock()
	sb, ok := m.scrollbacks[id]
	m.mu.Unlock()
	if ok {
		sb.Clear()
	}
}

// Has reports whether id currently has a live backend.
func (m *Manager) Has(id string) bool {
	_, ok := m.get(id)
	return ok
}

// GetAll returns the ids of every instance with a live backend.
func (m *Manager) GetAll() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.backends))
	for id := range m.backends {
		ids = append(ids, id)
	}
	return ids
}

// KillAll tears down every live backend, e.g. on graceful server shutdown.
func (m *Manager) KillAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.backends))
	for id := range m.backends {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.Kill(id)
	}
}

func (m *Manager) get(id string) (backend.Backend, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	be, ok := m.backends[id]
	return be, ok
}
