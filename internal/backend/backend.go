// Package backend implements the Terminal Backend abstraction: the
// polymorphic local-PTY / SSH-channel contract that owns one shell process
// or SSH session per instance. Shared concerns (scrollback, event fanout,
// lifecycle bookkeeping) live outside this package in internal/instance;
// a Backend only knows how to spawn, write, resize, kill, and report its
// own cwd/pid while emitting a single ordered event stream.
package backend

// EventKind distinguishes the two kinds of events a Backend emits.
type EventKind int

const (
	// EventData carries a chunk of stdout/stderr bytes (already coalesced
	// into one stream — callers do not distinguish the two).
	EventData EventKind = iota
	// EventExit is emitted exactly once, when the backend's process/session
	// ends for good (no further reconnects will be attempted).
	EventExit
)

// Event is a single item on a Backend's event channel.
type Event struct {
	Kind EventKind
	Data []byte // valid when Kind == EventData
	Code int    // valid when Kind == EventExit
}

// MachineConfig names the remote host and credentials for an SSH-backed
// instance. Secret holds an already-decrypted credential (password or PEM
// private key) valid only for the duration of Spawn — callers must not
// persist it.
type MachineConfig struct {
	Host string
	Port int
	User string
	// AuthType is "password" or "key".
	AuthType string
	// Secret is the decrypted password or PEM-encoded private key. Empty
	// when AuthType is "key" and KeyPath (or the default key list) should
	// be read from the local filesystem instead.
	Secret string
	// KeyPath optionally overrides which local private key file to read
	// when Secret is empty. May contain a home-shorthand prefix.
	KeyPath string
	// ForwardCredentials requests injection of CredentialEnvValue into the
	// remote shell's environment once connected.
	ForwardCredentials bool
	CredentialEnvValue string
}

// Config carries everything needed to spawn one Backend.
type Config struct {
	InstanceID string
	WorkingDir string
	Cols, Rows uint16
	// Machine is nil for the local variant, non-nil for the ssh variant.
	Machine *MachineConfig
}

// Backend is the capability interface shared by both variants (local PTY,
// SSH channel). Implementations must be safe for concurrent Write/Resize
// calls racing the internal read pump; Kill must be idempotent.
type Backend interface {
	Write(p []byte) (int, error)
	Resize(cols, rows uint16) error
	Kill() error
	// GetCwd returns the backend's best-known current working directory.
	// The SSH variant cannot observe remote `cd` and always returns the
	// instance's initial working directory (a documented approximation).
	GetCwd() (string, bool)
	// GetPid returns the local child process id. The SSH variant has none.
	GetPid() (int, bool)
	// Events returns the backend's single ordered event stream. It is
	// closed after the final EventExit is delivered.
	Events() <-chan Event
}
