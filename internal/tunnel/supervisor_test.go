package tunnel

import (
	"context"
	"errors"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/arata-labs/termorch/internal/backend"
	"github.com/arata-labs/termorch/internal/bus"
)

func newTestSupervisor() *Supervisor {
	return NewSupervisor(NewPortPool(59600, 59699), NewRegistry(), bus.New(), 5, time.Millisecond, rate.Limit(10))
}

func TestNewSupervisor_WiresLimiterAndDefaults(t *testing.T) {
	s := newTestSupervisor()
	if s.limiter == nil {
		t.Fatal("expected non-nil rate limiter")
	}
	if s.maxAttempts != 5 {
		t.Errorf("maxAttempts = %d, want 5", s.maxAttempts)
	}
}

func TestMarkReconnecting_IncrementsAttemptsAndSetsStatus(t *testing.T) {
	s := newTestSupervisor()
	fwd := &Forward{ID: "f1", status: ForwardActive}

	_ = s.markReconnecting(fwd, errors.New("boom"))

	fwd.mu.Lock()
	defer fwd.mu.Unlock()
	if fwd.status != ForwardReconnecting {
		t.Errorf("status = %v, want %v", fwd.status, ForwardReconnecting)
	}
	if fwd.attempts != 1 {
		t.Errorf("attempts = %d, want 1", fwd.attempts)
	}
	if fwd.lastErr != "boom" {
		t.Errorf("lastErr = %q, want %q", fwd.lastErr, "boom")
	}
}

func TestMarkReconnecting_ReturnsOriginalError(t *testing.T) {
	s := newTestSupervisor()
	fwd := &Forward{ID: "f1"}
	want := errors.New("dial refused")

	got := s.markReconnecting(fwd, want)
	if !errors.Is(got, want) {
		t.Errorf("markReconnecting returned %v, want %v", got, want)
	}
}

func TestClose_UnknownIDIsNoop(t *testing.T) {
	s := newTestSupervisor()
	s.Close("does-not-exist")
}

func TestClose_MarksForwardClosedAndReleasesPort(t *testing.T) {
	s := newTestSupervisor()
	port, ok := s.pool.Acquire("f1", 0)
	if !ok {
		t.Fatal("expected port acquisition to succeed")
	}

	_, cancel := context.WithCancel(context.Background())
	fwd := &Forward{ID: "f1", LocalPort: port, status: ForwardActive, cancel: cancel}

	s.mu.Lock()
	s.forwards["f1"] = fwd
	s.mu.Unlock()

	s.Close("f1")

	fwd.mu.Lock()
	if fwd.status != ForwardClosed {
		t.Errorf("status = %v, want %v", fwd.status, ForwardClosed)
	}
	fwd.mu.Unlock()

	if _, ok := s.forwards["f1"]; ok {
		t.Error("expected forward to be removed from the supervisor's table")
	}

	reacquired, ok := s.pool.Acquire("f2", port)
	if !ok || reacquired != port {
		t.Errorf("expected released port %d to be reusable, got %d (ok=%v)", port, reacquired, ok)
	}
}

func TestShutdown_ClosesEveryTrackedForward(t *testing.T) {
	s := newTestSupervisor()

	for _, id := range []string{"f1", "f2"} {
		port, ok := s.pool.Acquire(id, 0)
		if !ok {
			t.Fatalf("expected port acquisition for %s to succeed", id)
		}
		_, cancel := context.WithCancel(context.Background())
		s.mu.Lock()
		s.forwards[id] = &Forward{ID: id, LocalPort: port, status: ForwardActive, cancel: cancel}
		s.mu.Unlock()
	}

	s.Shutdown()

	s.mu.Lock()
	remaining := len(s.forwards)
	s.mu.Unlock()
	if remaining != 0 {
		t.Errorf("expected no forwards to remain after Shutdown, got %d", remaining)
	}
}

func TestRecoverOnStart_MarksEveryStaleIDClosed(t *testing.T) {
	s := newTestSupervisor()
	seen := make(map[string]bool)

	s.RecoverOnStart([]string{"a", "b", "c"}, func(id string) error {
		seen[id] = true
		return nil
	})

	for _, id := range []string{"a", "b", "c"} {
		if !seen[id] {
			t.Errorf("expected markClosed to be called for %q", id)
		}
	}
}

func TestRecoverOnStart_ContinuesPastIndividualErrors(t *testing.T) {
	s := newTestSupervisor()
	calls := 0

	s.RecoverOnStart([]string{"a", "b"}, func(id string) error {
		calls++
		if id == "a" {
			return errors.New("db unavailable")
		}
		return nil
	})

	if calls != 2 {
		t.Errorf("expected markClosed to be attempted for every id, got %d calls", calls)
	}
}

func TestCreate_NoFreeLocalPortsReturnsError(t *testing.T) {
	pool := NewPortPool(59700, 59700)
	pool.LoadExisting("other", 59700)
	s := NewSupervisor(pool, NewRegistry(), bus.New(), 5, time.Millisecond, rate.Limit(10))

	_, err := s.Create(context.Background(), "f1", "inst1", "m1", &backend.MachineConfig{Host: "127.0.0.1", Port: 22, User: "u"}, 8080, 0)
	if err == nil {
		t.Fatal("expected error on port exhaustion")
	}
	if _, ok := s.forwards["f1"]; ok {
		t.Error("expected no forward tracked after a failed Create")
	}
}
