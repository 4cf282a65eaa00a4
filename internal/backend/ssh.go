package backend

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

const sshSettleDelay = 300 * time.Millisecond

var defaultKeyNames = []string{"id_ed25519", "id_rsa", "id_ecdsa"}

// sshBackend drives a single interactive shell over an SSH session, with a
// supervising goroutine that reconnects on drop using exponential backoff.
type sshBackend struct {
	cfg     Config
	machine *MachineConfig

	maxAttempts int
	baseDelay   time.Duration

	events chan Event
	killCh chan struct{}

	mu      sync.Mutex
	client  *ssh.Client
	session *ssh.Session
	stdin   io.WriteCloser
	stdout  io.Reader
	alive   bool
	killed  bool
}

// SpawnSSH dials cfg.Machine and starts an interactive shell, generalizing
// SSHConnector.Connect's context-cancel-aware dial into a long-lived,
// auto-reconnecting Backend.
func SpawnSSH(ctx context.Context, cfg Config, maxAttempts int, baseDelay time.Duration) (Backend, error) {
	if cfg.Machine == nil {
		return nil, fmt.Errorf("backend: SpawnSSH requires a MachineConfig")
	}

	b := &sshBackend{
		cfg:         cfg,
		machine:     cfg.Machine,
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
		events:      make(chan Event, 64),
		killCh:      make(chan struct{}),
	}

	if err := b.connect(ctx); err != nil {
		return nil, err
	}

	go b.pump()
	return b, nil
}

func (b *sshBackend) connect(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", b.machine.Host, b.machine.Port)
	auth, err := authMethod(b.machine)
	if err != nil {
		return fmt.Errorf("backend: ssh auth: %w", err)
	}

	cfg := &ssh.ClientConfig{
		User:            b.machine.User,
		Auth:            []ssh.AuthMethod{auth},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         10 * time.Second,
	}

	type dialResult struct {
		client *ssh.Client
		err    error
	}
	resultCh := make(chan dialResult, 1)
	go func() {
		client, err := ssh.Dial("tcp", addr, cfg)
		resultCh <- dialResult{client, err}
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case res := <-resultCh:
		if res.err != nil {
			return fmt.Errorf("backend: dial %s: %w", addr, res.err)
		}
		return b.startShell(res.client)
	}
}

func (b *sshBackend) startShell(client *ssh.Client) error {
	session, err := client.NewSession()
	if err != nil {
		client.Close()
		return fmt.Errorf("backend: new session: %w", err)
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := session.RequestPty("xterm-256color", int(b.cfg.Rows), int(b.cfg.Cols), modes); err != nil {
		session.Close()
		client.Close()
		return fmt.Errorf("backend: request pty: %w", err)
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		client.Close()
		return fmt.Errorf("backend: stdin pipe: %w", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		client.Close()
		return fmt.Errorf("backend: stdout pipe: %w", err)
	}
	if err := session.Shell(); err != nil {
		session.Close()
		client.Close()
		return fmt.Errorf("backend: start shell: %w", err)
	}

	b.mu.Lock()
	b.client = client
	b.session = session
	b.stdin = stdin
	b.stdout = stdout
	b.alive = true
	b.mu.Unlock()

	if b.machine.ForwardCredentials {
		fmt.Fprintf(stdin, "export %s=%s\n", "ORCHESTRATOR_CREDENTIAL", shellQuote(b.machine.CredentialEnvValue))
	}
	fmt.Fprintf(stdin, "cd %s\n", cdArgument(b.cfg.WorkingDir))

	time.Sleep(sshSettleDelay)
	return nil
}

// cdArgument leaves a bare ~ or ~/... prefix unquoted so the remote shell
// expands it itself; everything else is single-quote-escaped.
func cdArgument(dir string) string {
	if dir == "" {
		return "~"
	}
	if dir == "~" || strings.HasPrefix(dir, "~/") {
		return dir
	}
	return shellQuote(dir)
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func (b *sshBackend) currentSession() (*ssh.Session, io.WriteCloser) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.session, b.stdin
}

func (b *sshBackend) pump() {
	for {
		b.drain()

		b.mu.Lock()
		killed := b.killed
		b.mu.Unlock()
		if killed {
			b.events <- Event{Kind: EventExit, Code: 0}
			close(b.events)
			return
		}

		if !b.reconnectLoop() {
			b.events <- Event{Kind: EventExit, Code: 1}
			close(b.events)
			return
		}
	}
}

func (b *sshBackend) drain() {
	b.mu.Lock()
	stdout := b.stdout
	b.mu.Unlock()
	if stdout == nil {
		return
	}

	buf := make([]byte, 4096)
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			b.events <- Event{Kind: EventData, Data: data}
		}
		if err != nil {
			break
		}
	}

	b.mu.Lock()
	b.alive = false
	b.mu.Unlock()
}

// reconnectLoop implements the 1s/2s/4s/8s/16s backoff schedule for up to
// maxAttempts tries, checking killCh before and after every sleep so Kill
// can abort a pending reconnect immediately. Returns true on success.
func (b *sshBackend) reconnectLoop() bool {
	delay := b.baseDelay
	for attempt := 1; attempt <= b.maxAttempts; attempt++ {
		select {
		case <-b.killCh:
			return false
		default:
		}

		banner := fmt.Sprintf("\r\nConnection lost. Reconnecting in %s (attempt %d/%d)...\r\n", delay, attempt, b.maxAttempts)
		b.events <- Event{Kind: EventData, Data: []byte(banner)}

		timer := time.NewTimer(delay)
		select {
		case <-b.killCh:
			timer.Stop()
			return false
		case <-timer.C:
		}

		if err := b.connect(context.Background()); err == nil {
			b.events <- Event{Kind: EventData, Data: []byte("\r\nReconnected successfully.\r\n")}
			return true
		}

		delay *= 2
	}
	return false
}

func (b *sshBackend) Write(p []byte) (int, error) {
	_, stdin := b.currentSession()
	if stdin == nil {
		return 0, fmt.Errorf("backend: ssh session not connected")
	}
	return stdin.Write(p)
}

func (b *sshBackend) Resize(cols, rows uint16) error {
	session, _ := b.currentSession()
	if session == nil {
		return fmt.Errorf("backend: ssh session not connected")
	}
	return session.WindowChange(int(rows), int(cols))
}

func (b *sshBackend) Kill() error {
	b.mu.Lock()
	if b.killed {
		b.mu.Unlock()
		return nil
	}
	b.killed = true
	b.alive = false
	close(b.killCh)
	session := b.session
	client := b.client
	b.mu.Unlock()

	if session != nil {
		session.Close()
	}
	if client != nil {
		client.Close()
	}
	return nil
}

// GetCwd always returns the instance's initial working directory: SSH gives
// no visibility into the remote shell's subsequent `cd` calls.
func (b *sshBackend) GetCwd() (string, bool) {
	return b.cfg.WorkingDir, true
}

func (b *sshBackend) GetPid() (int, bool) {
	return 0, false
}

func (b *sshBackend) Events() <-chan Event {
	return b.events
}

// AuthMethod resolves an ssh.AuthMethod for m, shared by the SSH backend
// variant and the remote status poller's probe connections.
func AuthMethod(m *MachineConfig) (ssh.AuthMethod, error) {
	return authMethod(m)
}

func authMethod(m *MachineConfig) (ssh.AuthMethod, error) {
	switch m.AuthType {
	case "password":
		return ssh.Password(m.Secret), nil
	case "key":
		keyBytes, err := resolveKey(m)
		if err != nil {
			return nil, err
		}
		signer, err := ssh.ParsePrivateKey(keyBytes)
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		return ssh.PublicKeys(signer), nil
	default:
		return nil, fmt.Errorf("unsupported auth type %q", m.AuthType)
	}
}

// resolveKey returns PEM key material: literal Secret first, else KeyPath,
// else the first readable file among ~/.ssh/{id_ed25519,id_rsa,id_ecdsa}.
func resolveKey(m *MachineConfig) ([]byte, error) {
	if m.Secret != "" {
		return []byte(m.Secret), nil
	}
	if m.KeyPath != "" {
		path, err := expandHome(m.KeyPath)
		if err != nil {
			return nil, err
		}
		return os.ReadFile(path)
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve default key: %w", err)
	}
	for _, name := range defaultKeyNames {
		path := filepath.Join(home, ".ssh", name)
		if data, err := os.ReadFile(path); err == nil {
			return data, nil
		}
	}
	return nil, fmt.Errorf("no private key found in ~/.ssh for %v", defaultKeyNames)
}

var _ Backend = (*sshBackend)(nil)
