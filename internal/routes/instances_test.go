package routes

import (
	"net/http"
	"testing"
)

func TestCreateInstanceRequiresNameAndWorkingDir(t *testing.T) {
	te := newTestEnv(t)
	defer te.cleanup()

	rec := te.do(t, http.MethodPost, "/api/orchestrator/instances", `{"name":""}`, true)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestListInstancesRequiresAuth(t *testing.T) {
	te := newTestEnv(t)
	defer te.cleanup()

	rec := te.do(t, http.MethodGet, "/api/orchestrator/instances", "", false)
	if rec.Code == http.StatusOK {
		t.Fatal("expected non-200 for unauthenticated request")
	}
}

func TestListGetDeleteInstance(t *testing.T) {
	te := newTestEnv(t)
	defer te.cleanup()

	// Seed the instance directly through the registry rather than via the
	// create endpoint, which would also spawn a real local PTY.
	created, err := te.deps.Registry.Create("work", "/tmp", "local", "")
	if err != nil {
		t.Fatal(err)
	}
	id := created.Id

	rec := te.do(t, http.MethodGet, "/api/orchestrator/instances", "", true)
	if rec.Code != http.StatusOK {
		t.Fatalf("list: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = te.do(t, http.MethodGet, "/api/orchestrator/instances/"+id, "", true)
	if rec.Code != http.StatusOK {
		t.Fatalf("get: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = te.do(t, http.MethodDelete, "/api/orchestrator/instances/"+id, "", true)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete: expected 204, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = te.do(t, http.MethodGet, "/api/orchestrator/instances/"+id, "", true)
	if rec.Code != http.StatusOK {
		t.Fatalf("get after delete: expected 200 for the retained row, got %d: %s", rec.Code, rec.Body.String())
	}
	data := parseEnvelope(t, rec)["data"].(map[string]any)
	if closed, _ := data["closed_at"].(string); closed == "" {
		t.Error("expected closed_at to be stamped on the deleted instance")
	}
}

func TestPatchInstanceRenameAndPin(t *testing.T) {
	te := newTestEnv(t)
	defer te.cleanup()

	created, err := te.deps.Registry.Create("before", "/tmp", "local", "")
	if err != nil {
		t.Fatal(err)
	}

	rec := te.do(t, http.MethodPatch, "/api/orchestrator/instances/"+created.Id,
		`{"name":"after","pinned":true}`, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("patch: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	data := parseEnvelope(t, rec)["data"].(map[string]any)
	if data["name"] != "after" {
		t.Errorf("name = %v, want after", data["name"])
	}
	if data["pinned"] != true {
		t.Errorf("pinned = %v, want true", data["pinned"])
	}
}

func TestPatchInstanceUnknownIDReturns404(t *testing.T) {
	te := newTestEnv(t)
	defer te.cleanup()

	rec := te.do(t, http.MethodPatch, "/api/orchestrator/instances/missing", `{"name":"x"}`, true)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestResetStatusSetsIdle(t *testing.T) {
	te := newTestEnv(t)
	defer te.cleanup()

	created, err := te.deps.Registry.Create("a", "/tmp", "local", "")
	if err != nil {
		t.Fatal(err)
	}
	if err := te.deps.Registry.SetPid(created.Id, 1234); err != nil {
		t.Fatal(err)
	}
	if err := te.deps.Reconciler.SubmitManual(created.Id, "working"); err != nil {
		t.Fatal(err)
	}

	rec := te.do(t, http.MethodPost, "/api/orchestrator/instances/"+created.Id+"/reset-status", "", true)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	data := parseEnvelope(t, rec)["data"].(map[string]any)
	if data["status"] != "idle" {
		t.Errorf("status = %v, want idle", data["status"])
	}
}

func TestReorderInstancesRewritesOrdinals(t *testing.T) {
	te := newTestEnv(t)
	defer te.cleanup()

	a, _ := te.deps.Registry.Create("a", "/tmp/a", "local", "")
	b, _ := te.deps.Registry.Create("b", "/tmp/b", "local", "")

	rec := te.do(t, http.MethodPost, "/api/orchestrator/instances/reorder",
		`{"ids":["`+b.Id+`","`+a.Id+`"]}`, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	list, err := te.deps.Registry.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || list[0].Id != b.Id {
		t.Errorf("expected reordered list to start with %q, got %+v", b.Id, list)
	}
}

func TestReorderInstancesRequiresIDs(t *testing.T) {
	te := newTestEnv(t)
	defer te.cleanup()

	rec := te.do(t, http.MethodPost, "/api/orchestrator/instances/reorder", `{"ids":[]}`, true)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
}
