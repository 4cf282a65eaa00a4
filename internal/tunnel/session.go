package tunnel

import (
	"log"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

// MachineConn represents one shared SSH client connection to a remote
// machine, carrying every forward currently relayed over it.
type MachineConn struct {
	MachineID   string
	Client      *ssh.Client
	ConnectedAt time.Time
}

// Registry is a thread-safe, in-memory store of active machine connections.
// At most one connection per machine is tracked — reconnecting replaces the
// previous entry (closing it first).
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*MachineConn
}

// NewRegistry returns an initialised, empty Registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]*MachineConn)}
}

// Register adds or replaces the connection for machineID, closing any
// previous one first (last-writer-wins).
func (r *Registry) Register(machineID string, conn *MachineConn) {
	r.mu.Lock()
	if old, ok := r.conns[machineID]; ok && old.Client != nil {
		_ = old.Client.Close()
		log.Printf("[tunnel] replaced stale connection for machine %s", machineID)
	}
	r.conns[machineID] = conn
	r.mu.Unlock()
}

// UnregisterConn removes machineID's entry only if its stored client matches
// the provided one, so a closing stale client never evicts a newer replacement.
func (r *Registry) UnregisterConn(machineID string, client *ssh.Client) {
	r.mu.Lock()
	if c, ok := r.conns[machineID]; ok && c.Client == client {
		delete(r.conns, machineID)
	}
	r.mu.Unlock()
}

// Get returns the MachineConn for machineID, or (nil, false) when absent.
func (r *Registry) Get(machineID string) (*MachineConn, bool) {
	r.mu.RLock()
	c, ok := r.conns[machineID]
	r.mu.RUnlock()
	return c, ok
}

// Disconnect closes the active connection for machineID, a no-op if absent.
func (r *Registry) Disconnect(machineID string) {
	r.mu.RLock()
	c, ok := r.conns[machineID]
	r.mu.RUnlock()
	if ok && c.Client != nil {
		_ = c.Client.Close()
	}
}

// All returns a snapshot of all currently registered connections.
func (r *Registry) All() []*MachineConn {
	r.mu.RLock()
	out := make([]*MachineConn, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	r.mu.RUnlock()
	return out
}
