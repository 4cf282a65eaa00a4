package routes

import (
	"fmt"
	"net/http"

	"github.com/pocketbase/dbx"
	"github.com/pocketbase/pocketbase/core"
	"github.com/pocketbase/pocketbase/tools/router"
)

func registerPortRoutes(g *router.RouterGroup[*core.RequestEvent], deps *Deps) {
	g.GET("/instances/{id}/ports", deps.handleListPorts)
	g.POST("/instances/{id}/ports", deps.handleCreatePort)
	g.DELETE("/instances/{id}/ports/{portId}", deps.handleClosePort)
}

func (deps *Deps) handleListPorts(e *core.RequestEvent) error {
	instanceID := e.Request.PathValue("id")
	recs, err := e.App.FindRecordsByFilter(
		"port_forwards",
		"instance = {:instance}",
		"-created", 0, 0,
		dbx.Params{"instance": instanceID},
	)
	if err != nil {
		return fail(e, http.StatusInternalServerError, err.Error())
	}
	return ok(e, http.StatusOK, recs)
}

func (deps *Deps) handleCreatePort(e *core.RequestEvent) error {
	instanceID := e.Request.PathValue("id")
	inst, err := deps.Registry.Get(instanceID)
	if err != nil {
		return fail(e, http.StatusNotFound, "instance not found")
	}
	if inst.GetString("machine_binding") != "remote" {
		return fail(e, http.StatusBadRequest, "port forwards require a remote-bound instance")
	}
	machineID := inst.GetString("machine")

	var body struct {
		RemotePort int `json:"remotePort"`
		LocalPort  int `json:"localPort"`
	}
	if err := readJSON(e, &body); err != nil || body.RemotePort <= 0 {
		return fail(e, http.StatusBadRequest, "remotePort is required")
	}

	machine, err := deps.Source.ResolveMachine(machineID)
	if err != nil {
		return fail(e, http.StatusBadRequest, err.Error())
	}

	col, err := e.App.FindCollectionByNameOrId("port_forwards")
	if err != nil {
		return fail(e, http.StatusInternalServerError, err.Error())
	}
	rec := core.NewRecord(col)
	rec.Set("instance", instanceID)
	rec.Set("machine", machineID)
	rec.Set("remote_port", body.RemotePort)
	rec.Set("status", "reconnecting")
	if err := e.App.Save(rec); err != nil {
		return fail(e, http.StatusInternalServerError, err.Error())
	}
	id := rec.Id

	fwd, err := deps.Tunnels.Create(e.Request.Context(), id, instanceID, machineID, machine, body.RemotePort, body.LocalPort)
	if err != nil {
		rec.Set("status", "failed")
		rec.Set("last_error", err.Error())
		_ = e.App.Save(rec)
		return fail(e, http.StatusInternalServerError, fmt.Sprintf("open forward: %s", err))
	}

	rec.Set("local_port", fwd.LocalPort)
	rec.Set("status", "active")
	if err := e.App.Save(rec); err != nil {
		return fail(e, http.StatusInternalServerError, err.Error())
	}

	return ok(e, http.StatusCreated, rec)
}

func (deps *Deps) handleClosePort(e *core.RequestEvent) error {
	portID := e.Request.PathValue("portId")
	rec, err := e.App.FindRecordById("port_forwards", portID)
	if err != nil {
		return fail(e, http.StatusNotFound, "port forward not found")
	}

	deps.Tunnels.Close(portID)
	rec.Set("status", "closed")
	if err := e.App.Save(rec); err != nil {
		return fail(e, http.StatusInternalServerError, err.Error())
	}

	return e.NoContent(http.StatusNoContent)
}
