package worker

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pocketbase/pocketbase/core"
	"github.com/pocketbase/pocketbase/tests"

	_ "github.com/arata-labs/termorch/internal/migrations"
)

func TestPruneAuditEvents_DeletesOnlyInstanceResourceType(t *testing.T) {
	app, err := tests.NewTestApp()
	if err != nil {
		t.Fatal(err)
	}
	defer app.Cleanup()

	col, err := app.FindCollectionByNameOrId("audit_logs")
	if err != nil {
		t.Fatalf("find audit_logs collection: %v", err)
	}

	instanceRow := core.NewRecord(col)
	instanceRow.Set("action", "status.transition")
	instanceRow.Set("resource_type", "instance")
	instanceRow.Set("status", "success")
	if err := app.Save(instanceRow); err != nil {
		t.Fatalf("save instance row: %v", err)
	}

	otherRow := core.NewRecord(col)
	otherRow.Set("action", "machine.created")
	otherRow.Set("resource_type", "remote_machine")
	otherRow.Set("status", "success")
	if err := app.Save(otherRow); err != nil {
		t.Fatalf("save other row: %v", err)
	}

	w := &Worker{app: app}
	// Cutoff an hour in the future so both just-created rows are "older than
	// cutoff" without needing to backdate their autodate created field.
	deleted, err := w.pruneAuditEvents(time.Now().UTC().Add(time.Hour))
	if err != nil {
		t.Fatalf("pruneAuditEvents: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("deleted = %d, want 1", deleted)
	}

	if _, err := app.FindRecordById("audit_logs", instanceRow.Id); err == nil {
		t.Error("expected instance-scoped row to be deleted")
	}
	if _, err := app.FindRecordById("audit_logs", otherRow.Id); err != nil {
		t.Errorf("expected non-instance row to survive, got error: %v", err)
	}
}

func TestPruneAuditEvents_NoMatchesReturnsZero(t *testing.T) {
	app, err := tests.NewTestApp()
	if err != nil {
		t.Fatal(err)
	}
	defer app.Cleanup()

	w := &Worker{app: app}
	deleted, err := w.pruneAuditEvents(time.Now().UTC().Add(-time.Hour))
	if err != nil {
		t.Fatalf("pruneAuditEvents: %v", err)
	}
	if deleted != 0 {
		t.Errorf("deleted = %d, want 0", deleted)
	}
}

func TestPruneSessionLogDirs_RemovesOnlyStaleDirs(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	logRoot := filepath.Join(home, ".orchestrator", "logs")
	staleDir := filepath.Join(logRoot, "-home-user-stale")
	freshDir := filepath.Join(logRoot, "-home-user-fresh")
	if err := os.MkdirAll(staleDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(freshDir, 0o755); err != nil {
		t.Fatal(err)
	}

	staleFile := filepath.Join(staleDir, "session.log")
	freshFile := filepath.Join(freshDir, "session.log")
	if err := os.WriteFile(staleFile, []byte("old"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(freshFile, []byte("new"), 0o644); err != nil {
		t.Fatal(err)
	}

	old := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(staleFile, old, old); err != nil {
		t.Fatal(err)
	}

	w := &Worker{}
	cutoff := time.Now().Add(-24 * time.Hour)
	pruned, err := w.pruneSessionLogDirs(cutoff)
	if err != nil {
		t.Fatalf("pruneSessionLogDirs: %v", err)
	}
	if pruned != 1 {
		t.Fatalf("pruned = %d, want 1", pruned)
	}

	if _, err := os.Stat(staleDir); !os.IsNotExist(err) {
		t.Error("expected stale dir to be removed")
	}
	if _, err := os.Stat(freshDir); err != nil {
		t.Errorf("expected fresh dir to survive, got: %v", err)
	}
}

func TestPruneSessionLogDirs_MissingRootIsNotAnError(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	w := &Worker{}
	pruned, err := w.pruneSessionLogDirs(time.Now())
	if err != nil {
		t.Fatalf("pruneSessionLogDirs: %v", err)
	}
	if pruned != 0 {
		t.Errorf("pruned = %d, want 0", pruned)
	}
}
