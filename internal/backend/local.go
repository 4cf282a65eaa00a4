package backend

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/creack/pty"
)

const (
	envTerm      = "TERM=xterm-256color"
	envColorTerm = "COLORTERM=truecolor"
)

// localBackend spawns the user's login shell inside a pseudo-terminal.
type localBackend struct {
	cmd        *exec.Cmd
	ptmx       *os.File
	events     chan Event
	initialCwd string

	mu    sync.Mutex
	alive bool
}

// SpawnLocal starts a local PTY-backed login shell per cfg.
func SpawnLocal(cfg Config) (Backend, error) {
	dir, err := expandHome(cfg.WorkingDir)
	if err != nil {
		return nil, fmt.Errorf("backend: expand working dir: %w", err)
	}

	cmd := exec.Command(loginShell())
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), envTerm, envColorTerm, "INSTANCE_ID="+cfg.InstanceID)

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: cfg.Rows, Cols: cfg.Cols})
	if err != nil {
		return nil, fmt.Errorf("backend: pty start: %w", err)
	}

	b := &localBackend{
		cmd:        cmd,
		ptmx:       ptmx,
		events:     make(chan Event, 64),
		initialCwd: dir,
		alive:      true,
	}
	go b.pump()
	return b, nil
}

func (b *localBackend) pump() {
	buf := make([]byte, 4096)
	for {
		n, err := b.ptmx.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			b.events <- Event{Kind: EventData, Data: data}
		}
		if err != nil {
			break
		}
	}

	waitErr := b.cmd.Wait()
	b.mu.Lock()
	b.alive = false
	b.mu.Unlock()

	b.events <- Event{Kind: EventExit, Code: exitCode(waitErr)}
	close(b.events)
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return 1
}

func (b *localBackend) Write(p []byte) (int, error) {
	return b.ptmx.Write(p)
}

func (b *localBackend) Resize(cols, rows uint16) error {
	return pty.Setsize(b.ptmx, &pty.Winsize{Rows: rows, Cols: cols})
}

func (b *localBackend) Kill() error {
	b.mu.Lock()
	b.alive = false
	proc := b.cmd.Process
	b.mu.Unlock()

	if proc != nil {
		_ = proc.Kill()
	}
	return b.ptmx.Close()
}

// GetCwd probes the child's current directory via /proc on each call,
// falling back to the shell's initial working directory on any error
// (missing /proc, process gone, permission denied).
func (b *localBackend) GetCwd() (string, bool) {
	b.mu.Lock()
	proc := b.cmd.Process
	b.mu.Unlock()
	if proc == nil {
		return b.initialCwd, true
	}
	link, err := os.Readlink(fmt.Sprintf("/proc/%d/cwd", proc.Pid))
	if err != nil {
		return b.initialCwd, true
	}
	return link, true
}

func (b *localBackend) GetPid() (int, bool) {
	if b.cmd.Process == nil {
		return 0, false
	}
	return b.cmd.Process.Pid, true
}

func (b *localBackend) Events() <-chan Event {
	return b.events
}

func expandHome(dir string) (string, error) {
	if dir == "" || dir == "~" {
		return os.UserHomeDir()
	}
	if strings.HasPrefix(dir, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, dir[2:]), nil
	}
	return dir, nil
}

func loginShell() string {
	if shell := os.Getenv("SHELL"); shell != "" {
		return shell
	}
	return "/bin/bash"
}

var _ Backend = (*localBackend)(nil)
