package status_test

import (
	"testing"
	"time"

	"github.com/pocketbase/pocketbase/core"
	"github.com/pocketbase/pocketbase/tests"

	"github.com/arata-labs/termorch/internal/bus"
	"github.com/arata-labs/termorch/internal/status"

	_ "github.com/arata-labs/termorch/internal/migrations"
)

func newTestInstance(t *testing.T, app core.App, name string) *core.Record {
	t.Helper()
	col, err := app.FindCollectionByNameOrId("instances")
	if err != nil {
		t.Fatalf("find instances collection: %v", err)
	}
	rec := core.NewRecord(col)
	rec.Set("name", name)
	rec.Set("working_dir", "~/projects/"+name)
	rec.Set("machine_binding", "local")
	rec.Set("status", status.Idle)
	if err := app.Save(rec); err != nil {
		t.Fatalf("save instance: %v", err)
	}
	return rec
}

func TestReconciler_NoopWhenCandidateMatchesCurrent(t *testing.T) {
	app, err := tests.NewTestApp()
	if err != nil {
		t.Fatal(err)
	}
	defer app.Cleanup()

	rec := newTestInstance(t, app, "noop")
	b := bus.New()
	sub := b.Subscribe()
	r := status.NewReconciler(app, b, status.NewPriorityWindow(10*time.Second))

	if err := r.SubmitManual(rec.Id, status.Idle); err != nil {
		t.Fatalf("SubmitManual: %v", err)
	}

	select {
	case ev := <-sub.Events():
		t.Fatalf("expected no event for a no-op transition, got %+v", ev)
	default:
	}
}

func TestReconciler_PersistsAndPublishesOnChange(t *testing.T) {
	app, err := tests.NewTestApp()
	if err != nil {
		t.Fatal(err)
	}
	defer app.Cleanup()

	rec := newTestInstance(t, app, "changes")
	b := bus.New()
	sub := b.Subscribe()
	r := status.NewReconciler(app, b, status.NewPriorityWindow(10*time.Second))

	if err := r.SubmitManual(rec.Id, status.Working); err != nil {
		t.Fatalf("SubmitManual: %v", err)
	}

	select {
	case ev := <-sub.Events():
		if ev.Kind != bus.KindStatusChanged || ev.Payload != status.Working {
			t.Errorf("event = %+v, want status:changed working", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("expected status:changed event")
	}

	fresh, err := app.FindRecordById("instances", rec.Id)
	if err != nil {
		t.Fatalf("reload instance: %v", err)
	}
	if got := fresh.GetString("status"); got != status.Working {
		t.Errorf("persisted status = %q, want working", got)
	}
}

func TestReconciler_PollDeferredWithinHookPriorityWindow(t *testing.T) {
	app, err := tests.NewTestApp()
	if err != nil {
		t.Fatal(err)
	}
	defer app.Cleanup()

	rec := newTestInstance(t, app, "deferred")
	b := bus.New()
	window := status.NewPriorityWindow(10 * time.Second)
	r := status.NewReconciler(app, b, window)

	// instance starts idle; a stop hook maps to idle too (a no-op write)
	// but still records a priority-window entry that must suppress the
	// poller's subsequent working candidate.
	if err := r.SubmitHook(rec.Id, "stop"); err != nil {
		t.Fatalf("SubmitHook: %v", err)
	}

	if err := r.SubmitPoll(rec.Id, status.Working, status.SourceLocal); err != nil {
		t.Fatalf("SubmitPoll: %v", err)
	}

	fresh, err := app.FindRecordById("instances", rec.Id)
	if err != nil {
		t.Fatalf("reload instance: %v", err)
	}
	if got := fresh.GetString("status"); got != status.Idle {
		t.Errorf("persisted status = %q, want idle (poll should have been suppressed)", got)
	}
}

func TestReconciler_UnknownEventDropped(t *testing.T) {
	app, err := tests.NewTestApp()
	if err != nil {
		t.Fatal(err)
	}
	defer app.Cleanup()

	rec := newTestInstance(t, app, "dropped")
	r := status.NewReconciler(app, bus.New(), status.NewPriorityWindow(10*time.Second))

	if err := r.SubmitHook(rec.Id, "something-else"); err != nil {
		t.Fatalf("SubmitHook: %v", err)
	}

	fresh, err := app.FindRecordById("instances", rec.Id)
	if err != nil {
		t.Fatalf("reload instance: %v", err)
	}
	if got := fresh.GetString("status"); got != status.Idle {
		t.Errorf("persisted status = %q, want unchanged idle", got)
	}
}
