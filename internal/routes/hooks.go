package routes

import (
	"net/http"

	"github.com/pocketbase/pocketbase/core"
	"github.com/pocketbase/pocketbase/tools/router"
)

// registerHookRoutes mounts the unauthenticated status hooks the managed
// CLI posts to directly — these run outside apis.RequireAuth() because the
// caller is a local script, not a browser session.
func registerHookRoutes(g *router.RouterGroup[*core.RequestEvent], deps *Deps) {
	g.POST("/status", deps.handleHookStatus)
	g.POST("/stop", deps.handleHookStop)
	g.POST("/notification", deps.handleHookNotification)
}

type hookBody struct {
	InstanceID string `json:"instanceId"`
	ProjectDir string `json:"projectDir"`
}

func (deps *Deps) handleHookStatus(e *core.RequestEvent) error {
	return deps.submitHook(e, "working")
}

func (deps *Deps) handleHookStop(e *core.RequestEvent) error {
	return deps.submitHook(e, "stop")
}

func (deps *Deps) handleHookNotification(e *core.RequestEvent) error {
	return deps.submitHook(e, "notification")
}

func (deps *Deps) submitHook(e *core.RequestEvent, event string) error {
	var body hookBody
	if err := readJSON(e, &body); err != nil || body.InstanceID == "" {
		return fail(e, http.StatusBadRequest, "instanceId is required")
	}

	if _, err := deps.Registry.Get(body.InstanceID); err != nil {
		return fail(e, http.StatusNotFound, "instance not found")
	}

	if err := deps.Reconciler.SubmitHook(body.InstanceID, event); err != nil {
		return fail(e, http.StatusInternalServerError, err.Error())
	}
	return ok(e, http.StatusOK, map[string]any{"instanceId": body.InstanceID, "event": event})
}
