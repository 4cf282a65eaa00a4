package instance

import (
	"testing"
	"time"

	"github.com/arata-labs/termorch/internal/backend"
	"github.com/arata-labs/termorch/internal/bus"
)

// fakeBackend is a minimal in-memory backend.Backend for manager tests.
type fakeBackend struct {
	events  chan backend.Event
	written []byte
	killed  bool
	cwd     string
	pid     int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{events: make(chan backend.Event, 16), cwd: "/home/user", pid: 42}
}

func (f *fakeBackend) Write(p []byte) (int, error) {
	f.written = append(f.written, p...)
	return len(p), nil
}
func (f *fakeBackend) Resize(cols, rows uint16) error { return nil }
func (f *fakeBackend) Kill() error {
	f.killed = true
	close(f.events)
	return nil
}
func (f *fakeBackend) GetCwd() (string, bool)        { return f.cwd, true }
func (f *fakeBackend) GetPid() (int, bool)           { return f.pid, true }
func (f *fakeBackend) Events() <-chan backend.Event  { return f.events }

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func TestManager_RegisterPumpsDataIntoScrollbackAndBus(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe()
	m := New(b, 1024)
	fb := newFakeBackend()

	m.register("i1", fb)
	fb.events <- backend.Event{Kind: backend.EventData, Data: []byte("hello")}

	waitFor(t, func() bool { return m.GetHistory("i1") != nil })
	if got := string(m.GetHistory("i1")); got != "hello" {
		t.Errorf("GetHistory = %q, want hello", got)
	}

	select {
	case ev := <-sub.Events():
		if ev.Kind != bus.KindTerminalData {
			t.Errorf("event kind = %v, want terminal:data", ev.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("expected terminal:data event on bus")
	}
}

func TestManager_ExitRemovesBackendAndPublishes(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe()
	m := New(b, 1024)
	fb := newFakeBackend()

	m.register("i1", fb)
	fb.events <- backend.Event{Kind: backend.EventExit, Code: 3}

	waitFor(t, func() bool { return !m.Has("i1") })

	select {
	case ev := <-sub.Events():
		if ev.Kind != bus.KindTerminalExit || ev.Payload != 3 {
			t.Errorf("event = %+v, want terminal:exit code 3", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("expected terminal:exit event on bus")
	}
}

func TestManager_WriteResizeKillOnUnknownIdAreNoops(t *testing.T) {
	m := New(bus.New(), 1024)
	if _, err := m.Write("missing", []byte("x")); err != nil {
		t.Errorf("Write on unknown id: %v", err)
	}
	if err := m.Resize("missing", 80, 24); err != nil {
		t.Errorf("Resize on unknown id: %v", err)
	}
	if m.Kill("missing") {
		t.Error("Kill on unknown id should report false")
	}
}

func TestManager_KillClearsHistoryAndBackend(t *testing.T) {
	m := New(bus.New(), 1024)
	fb := newFakeBackend()
	m.register("i1", fb)
	fb.events <- backend.Event{Kind: backend.EventData, Data: []byte("hello")}
	waitFor(t, func() bool { return len(m.GetHistory("i1")) > 0 })

	if !m.Kill("i1") {
		t.Fatal("Kill should report true for a live backend")
	}
	if !fb.killed {
		t.Error("expected underlying backend.Kill to be called")
	}
	if m.Has("i1") {
		t.Error("instance should no longer be live after Kill")
	}
	if h := m.GetHistory("i1"); len(h) != 0 {
		t.Errorf("GetHistory after Kill = %q, want empty", h)
	}
}

func TestManager_GetAllAndKillAll(t *testing.T) {
	m := New(bus.New(), 1024)
	m.register("i1", newFakeBackend())
	m.register("i2", newFakeBackend())

	all := m.GetAll()
	if len(all) != 2 {
		t.Fatalf("GetAll returned %d ids, want 2", len(all))
	}

	m.KillAll()
	if len(m.GetAll()) != 0 {
		t.Error("expected no live instances after KillAll")
	}
}
