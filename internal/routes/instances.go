package routes

import (
	"fmt"
	"net/http"

	"github.com/pocketbase/pocketbase/core"
	"github.com/pocketbase/pocketbase/tools/router"

	"github.com/arata-labs/termorch/internal/audit"
	"github.com/arata-labs/termorch/internal/backend"
	"github.com/arata-labs/termorch/internal/bus"
	"github.com/arata-labs/termorch/internal/status"
)

func registerInstanceRoutes(g *router.RouterGroup[*core.RequestEvent], deps *Deps) {
	g.GET("/instances", deps.handleListInstances)
	g.POST("/instances", deps.handleCreateInstance)
	g.GET("/instances/{id}", deps.handleGetInstance)
	g.PATCH("/instances/{id}", deps.handlePatchInstance)
	g.DELETE("/instances/{id}", deps.handleDeleteInstance)
	g.POST("/instances/{id}/reset-status", deps.handleResetStatus)
	g.POST("/instances/reorder", deps.handleReorderInstances)
}

func (deps *Deps) handleListInstances(e *core.RequestEvent) error {
	recs, err := deps.Registry.List()
	if err != nil {
		return fail(e, http.StatusInternalServerError, err.Error())
	}
	return ok(e, http.StatusOK, recs)
}

func (deps *Deps) handleCreateInstance(e *core.RequestEvent) error {
	var body struct {
		Name           string `json:"name"`
		WorkingDir     string `json:"workingDir"`
		MachineBinding string `json:"machineBinding"`
		MachineID      string `json:"machineId"`
	}
	if err := readJSON(e, &body); err != nil {
		return fail(e, http.StatusBadRequest, "invalid request body")
	}
	if body.Name == "" || body.WorkingDir == "" {
		return fail(e, http.StatusBadRequest, "name and workingDir are required")
	}
	if body.MachineBinding == "" {
		body.MachineBinding = "local"
	}

	rec, err := deps.Registry.Create(body.Name, body.WorkingDir, body.MachineBinding, body.MachineID)
	if err != nil {
		return fail(e, http.StatusBadRequest, err.Error())
	}

	cfg := backend.Config{
		InstanceID: rec.Id,
		WorkingDir: body.WorkingDir,
		Cols:       deps.SpawnCols,
		Rows:       deps.SpawnRows,
	}

	var spawnErr error
	if body.MachineBinding == "remote" {
		machine, resolveErr := deps.Source.ResolveMachine(body.MachineID)
		if resolveErr != nil {
			spawnErr = resolveErr
		} else {
			cfg.Machine = machine
			spawnErr = deps.Manager.SpawnSSH(e.Request.Context(), rec.Id, cfg, deps.ReconnectAttempts, deps.ReconnectBaseDelay)
		}
	} else {
		spawnErr = deps.Manager.SpawnLocal(rec.Id, cfg)
	}

	if spawnErr != nil {
		_ = e.App.Delete(rec)
		return fail(e, http.StatusInternalServerError, fmt.Sprintf("spawn failed: %s", spawnErr))
	}

	fresh, err := deps.Registry.Get(rec.Id)
	if err != nil {
		return fail(e, http.StatusInternalServerError, err.Error())
	}
	return ok(e, http.StatusCreated, fresh)
}

func (deps *Deps) handleGetInstance(e *core.RequestEvent) error {
	id := e.Request.PathValue("id")
	rec, err := deps.Registry.Get(id)
	if err != nil {
		return fail(e, http.StatusNotFound, "instance not found")
	}
	return ok(e, http.StatusOK, rec)
}

func (deps *Deps) handlePatchInstance(e *core.RequestEvent) error {
	id := e.Request.PathValue("id")
	if _, err := deps.Registry.Get(id); err != nil {
		return fail(e, http.StatusNotFound, "instance not found")
	}

	var body struct {
		Name   *string `json:"name"`
		Pinned *bool   `json:"pinned"`
		Status *string `json:"status"`
	}
	if err := readJSON(e, &body); err != nil {
		return fail(e, http.StatusBadRequest, "invalid request body")
	}

	if body.Name != nil {
		if err := deps.Registry.Rename(id, *body.Name); err != nil {
			return fail(e, http.StatusInternalServerError, err.Error())
		}
	}
	if body.Pinned != nil {
		if err := deps.Registry.SetPinned(id, *body.Pinned); err != nil {
			return fail(e, http.StatusInternalServerError, err.Error())
		}
	}
	if body.Status != nil {
		if err := deps.Reconciler.SubmitManual(id, *body.Status); err != nil {
			return fail(e, http.StatusBadRequest, err.Error())
		}
	}

	fresh, err := deps.Registry.Get(id)
	if err != nil {
		return fail(e, http.StatusInternalServerError, err.Error())
	}
	return ok(e, http.StatusOK, fresh)
}

func (deps *Deps) handleDeleteInstance(e *core.RequestEvent) error {
	id := e.Request.PathValue("id")
	if _, err := deps.Registry.Get(id); err != nil {
		return fail(e, http.StatusNotFound, "instance not found")
	}

	deps.Manager.Kill(id)
	if err := deps.Registry.Close(id); err != nil {
		return fail(e, http.StatusInternalServerError, err.Error())
	}

	userID, _, ip, _ := clientInfo(e)
	audit.Write(e.App, audit.Entry{
		UserID:       userID,
		Action:       "instance.closed",
		ResourceType: "instance",
		ResourceID:   id,
		Status:       audit.StatusSuccess,
		IP:           ip,
	})

	return e.NoContent(http.StatusNoContent)
}

func (deps *Deps) handleResetStatus(e *core.RequestEvent) error {
	id := e.Request.PathValue("id")
	if _, err := deps.Registry.Get(id); err != nil {
		return fail(e, http.StatusNotFound, "instance not found")
	}
	if err := deps.Reconciler.SubmitManual(id, status.Idle); err != nil {
		return fail(e, http.StatusInternalServerError, err.Error())
	}
	fresh, err := deps.Registry.Get(id)
	if err != nil {
		return fail(e, http.StatusInternalServerError, err.Error())
	}
	return ok(e, http.StatusOK, fresh)
}

func (deps *Deps) handleReorderInstances(e *core.RequestEvent) error {
	var body struct {
		IDs []string `json:"ids"`
	}
	if err := readJSON(e, &body); err != nil || len(body.IDs) == 0 {
		return fail(e, http.StatusBadRequest, "ids is required")
	}
	if err := deps.Registry.Reorder(body.IDs); err != nil {
		return fail(e, http.StatusInternalServerError, err.Error())
	}

	deps.Bus.Publish(bus.Event{Kind: bus.KindTaskReordered, Payload: body.IDs})
	return ok(e, http.StatusOK, map[string]any{"ids": body.IDs})
}
