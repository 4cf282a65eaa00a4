package tunnel

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/time/rate"

	"github.com/arata-labs/termorch/internal/backend"
	"github.com/arata-labs/termorch/internal/bus"
)

// keepaliveInterval/keepaliveTimeout bound how aggressively the supervisor
// detects a half-open SSH connection to a remote machine.
const (
	keepaliveInterval = 30 * time.Second
	keepaliveTimeout  = 15 * time.Second
)

// ForwardStatus enumerates a port_forwards row's lifecycle state.
type ForwardStatus string

const (
	ForwardActive       ForwardStatus = "active"
	ForwardReconnecting ForwardStatus = "reconnecting"
	ForwardClosed       ForwardStatus = "closed"
	ForwardFailed       ForwardStatus = "failed"
)

// Forward describes one reverse port-forward: remotePort on the machine is
// relayed to localPort on the orchestrator host.
type Forward struct {
	ID         string
	InstanceID string
	MachineID  string
	Machine    *backend.MachineConfig
	RemotePort int
	LocalPort  int

	mu       sync.Mutex
	status   ForwardStatus
	attempts int
	lastErr  string
	cancel   context.CancelFunc
}

// Supervisor manages SSH reverse port-forwards across remote machines,
// dialing out as the SSH client and reconnecting individual forwards with
// exponential backoff. A rate limiter paces reconnect attempts across the
// whole fleet so a simultaneous mass-reconnect cannot storm local ports.
type Supervisor struct {
	pool        *PortPool
	conns       *Registry
	bus         *bus.Bus
	limiter     *rate.Limiter
	maxAttempts int
	baseDelay   time.Duration

	mu       sync.Mutex
	forwards map[string]*Forward
}

// NewSupervisor wires a Supervisor over the given port pool and connection
// registry, pacing reconnects at reconnectsPerSecond fleet-wide.
func NewSupervisor(pool *PortPool, conns *Registry, b *bus.Bus, maxAttempts int, baseDelay time.Duration, reconnectsPerSecond rate.Limit) *Supervisor {
	return &Supervisor{
		pool:        pool,
		conns:       conns,
		bus:         b,
		limiter:     rate.NewLimiter(reconnectsPerSecond, int(reconnectsPerSecond)+1),
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
		forwards:    make(map[string]*Forward),
	}
}

// Create opens a new forward: allocates localPort if unspecified, opens the
// tunnel, and tracks it as active.
func (s *Supervisor) Create(ctx context.Context, id, instanceID, machineID string, machine *backend.MachineConfig, remotePort, preferredLocalPort int) (*Forward, error) {
	localPort, ok := s.pool.Acquire(id, preferredLocalPort)
	if !ok {
		return nil, fmt.Errorf("tunnel: no local ports available in range")
	}

	fwdCtx, cancel := context.WithCancel(ctx)
	fwd := &Forward{
		ID:         id,
		InstanceID: instanceID,
		MachineID:  machineID,
		Machine:    machine,
		RemotePort: remotePort,
		LocalPort:  localPort,
		status:     ForwardActive,
		cancel:     cancel,
	}

	s.mu.Lock()
	s.forwards[id] = fwd
	s.mu.Unlock()

	if err := s.openForward(fwdCtx, fwd); err != nil {
		s.pool.Release(id)
		s.mu.Lock()
		delete(s.forwards, id)
		s.mu.Unlock()
		return nil, err
	}

	s.bus.Publish(bus.Event{Kind: bus.KindPortForwarded, InstanceID: instanceID, Payload: fwd})
	return fwd, nil
}

// Close tears down id's forward and marks it closed.
func (s *Supervisor) Close(id string) {
	s.mu.Lock()
	fwd, ok := s.forwards[id]
	if ok {
		delete(s.forwards, id)
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	fwd.mu.Lock()
	fwd.status = ForwardClosed
	fwd.cancel()
	fwd.mu.Unlock()

	s.pool.Release(id)
	s.bus.Publish(bus.Event{Kind: bus.KindPortClosed, InstanceID: fwd.InstanceID, Payload: fwd})
}

// Shutdown closes every currently tracked forward. Used during process
// teardown, after the status pollers have stopped but before terminals are
// killed, so no port-forward outlives the supervisor that owns it.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.forwards))
	for id := range s.forwards {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		s.Close(id)
	}
}

// RecoverOnStart sweeps every forward row the caller reports as non-closed
// from a previous process run to closed — no in-memory forward survives a
// restart, so these rows are stale by construction.
func (s *Supervisor) RecoverOnStart(staleIDs []string, markClosed func(id string) error) {
	for _, id := range staleIDs {
		if err := markClosed(id); err != nil {
			log.Printf("[tunnel] failed to mark stale forward %s closed: %v", id, err)
		}
	}
}

// openForward dials the remote machine (reusing a shared client connection
// per machine when one already exists), issues a client-originated
// tcpip-forward request, and relays resulting channels to LocalPort.
func (s *Supervisor) openForward(ctx context.Context, fwd *Forward) error {
	client, err := s.clientFor(ctx, fwd.MachineID, fwd.Machine)
	if err != nil {
		return s.markReconnecting(fwd, err)
	}

	listener, err := client.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", fwd.RemotePort))
	if err != nil {
		return s.markReconnecting(fwd, err)
	}

	go s.relay(ctx, fwd, listener)
	fwd.mu.Lock()
	fwd.status = ForwardActive
	fwd.attempts = 0
	fwd.lastErr = ""
	fwd.mu.Unlock()
	return nil
}

// relay accepts forwarded-tcpip channels (surfaced by x/crypto/ssh as a
// plain net.Listener via Client.Listen) and pipes each to a local dial of
// LocalPort. On the listener dying unexpectedly, it triggers reconnect.
func (s *Supervisor) relay(ctx context.Context, fwd *Forward, listener net.Listener) {
	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	for {
		remoteConn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			_ = s.markReconnecting(fwd, err)
			s.reconnectLoop(ctx, fwd)
			return
		}
		go s.pipe(remoteConn, fwd.LocalPort)
	}
}

func (s *Supervisor) pipe(remoteConn net.Conn, localPort int) {
	defer remoteConn.Close()
	localConn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", localPort))
	if err != nil {
		return
	}
	defer localConn.Close()

	done := make(chan struct{}, 2)
	go func() { io.Copy(localConn, remoteConn); done <- struct{}{} }()
	go func() { io.Copy(remoteConn, localConn); done <- struct{}{} }()
	<-done
}

// reconnectLoop retries openForward with exponential backoff (same shape as
// the SSH backend: base delay doubling each attempt), paced by the
// fleet-wide rate limiter. On exhaustion the forward is marked failed.
func (s *Supervisor) reconnectLoop(ctx context.Context, fwd *Forward) {
	delay := s.baseDelay
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		if ctx.Err() != nil {
			return
		}
		if err := s.limiter.Wait(ctx); err != nil {
			return
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		if err := s.openForward(ctx, fwd); err == nil {
			return
		}
		delay *= 2
	}

	fwd.mu.Lock()
	fwd.status = ForwardFailed
	fwd.mu.Unlock()
	s.bus.Publish(bus.Event{Kind: bus.KindPortClosed, InstanceID: fwd.InstanceID, Payload: fwd})
}

func (s *Supervisor) markReconnecting(fwd *Forward, err error) error {
	fwd.mu.Lock()
	fwd.status = ForwardReconnecting
	fwd.attempts++
	fwd.lastErr = err.Error()
	fwd.mu.Unlock()
	return err
}

// clientFor returns the shared *ssh.Client for machineID, dialing a fresh
// one if none is registered or the registered one has gone bad.
func (s *Supervisor) clientFor(ctx context.Context, machineID string, machine *backend.MachineConfig) (*ssh.Client, error) {
	if conn, ok := s.conns.Get(machineID); ok && conn.Client != nil {
		return conn.Client, nil
	}

	auth, err := backend.AuthMethod(machine)
	if err != nil {
		return nil, fmt.Errorf("tunnel: auth for machine %s: %w", machineID, err)
	}

	cfg := &ssh.ClientConfig{
		User:            machine.User,
		Auth:            []ssh.AuthMethod{auth},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         10 * time.Second,
	}

	client, err := ssh.Dial("tcp", fmt.Sprintf("%s:%d", machine.Host, machine.Port), cfg)
	if err != nil {
		return nil, err
	}

	go s.keepalive(client, machineID)
	s.conns.Register(machineID, &MachineConn{MachineID: machineID, Client: client, ConnectedAt: time.Now()})
	return client, nil
}

// keepalive periodically probes the connection and closes + unregisters it
// on failure, so the next openForward call redials.
func (s *Supervisor) keepalive(client *ssh.Client, machineID string) {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for range ticker.C {
		errCh := make(chan error, 1)
		go func() {
			_, _, err := client.SendRequest("keepalive@termorch", true, nil)
			errCh <- err
		}()

		select {
		case err := <-errCh:
			if err != nil {
				s.conns.UnregisterConn(machineID, client)
				return
			}
		case <-time.After(keepaliveTimeout):
			s.conns.UnregisterConn(machineID, client)
			_ = client.Close()
			return
		}
	}
}
