// Package routes registers the orchestrator's HTTP/JSON and WebSocket API.
//
// Route groups:
//   - /api/orchestrator/instances — instance CRUD, reorder, reset-status
//   - /api/orchestrator/machines  — remote machine registry
//   - /api/orchestrator/attach    — the streaming terminal WebSocket
//   - /api/hooks                 — unauthenticated status hooks from the
//     managed CLI (working/stop/notification)
//   - /api/health                 — unauthenticated liveness probe
package routes

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"

	"github.com/arata-labs/termorch/internal/bus"
	"github.com/arata-labs/termorch/internal/instance"
	"github.com/arata-labs/termorch/internal/status"
	"github.com/arata-labs/termorch/internal/tunnel"
)

// Deps wires every backend component the route handlers call into. It is
// constructed once in cmd/orchestrator/main.go and shared across requests.
type Deps struct {
	Registry   *instance.Registry
	Manager    *instance.Manager
	Source     *instance.Source
	Reconciler *status.Reconciler
	Tunnels    *tunnel.Supervisor
	Bus        *bus.Bus

	// SpawnCols/SpawnRows size a newly spawned backend's PTY/remote grid
	// before the attaching client sends its first resize.
	SpawnCols, SpawnRows uint16
	// ReconnectAttempts/ReconnectBaseDelay bound an SSH backend's reconnect
	// loop (§4.2), matching the Reverse Tunnel Supervisor's backoff shape.
	ReconnectAttempts  int
	ReconnectBaseDelay time.Duration
}

// Register mounts every route group on the PocketBase router.
func Register(se *core.ServeEvent, deps *Deps) {
	se.Router.GET("/api/health", handleHealth)

	hooks := se.Router.Group("/api/hooks")
	registerHookRoutes(hooks, deps)

	g := se.Router.Group("/api/orchestrator")
	g.Bind(apis.RequireAuth())
	registerInstanceRoutes(g, deps)
	registerPortRoutes(g, deps)
	registerMachineRoutes(g, deps)

	// The attach WebSocket authenticates via a query-string token (browsers
	// cannot set custom headers on a WS upgrade) instead of RequireAuth, so
	// it is mounted on its own unguarded group with its own token check.
	attach := se.Router.Group("/api/orchestrator")
	registerAttachRoute(attach, deps)
}

func handleHealth(e *core.RequestEvent) error {
	return e.JSON(http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// ─── Response envelope ───────────────────────────────────────

func ok(e *core.RequestEvent, httpStatus int, data any) error {
	return e.JSON(httpStatus, map[string]any{"success": true, "data": data})
}

func fail(e *core.RequestEvent, httpStatus int, message string) error {
	return e.JSON(httpStatus, map[string]any{"success": false, "error": message})
}

// clientInfo extracts the authenticated user, source IP, and User-Agent
// from a request. IP is resolved via PocketBase's trusted-proxy-aware
// RealIP(); fields are empty for unauthenticated requests.
func clientInfo(e *core.RequestEvent) (userID, userEmail, ip, userAgent string) {
	if e.Auth != nil {
		userID = e.Auth.Id
		userEmail = e.Auth.GetString("email")
	}
	ip = e.RealIP()
	userAgent = e.Request.Header.Get("User-Agent")
	return
}

func readJSON(e *core.RequestEvent, dst any) error {
	return json.NewDecoder(e.Request.Body).Decode(dst)
}
