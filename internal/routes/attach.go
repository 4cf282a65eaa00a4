package routes

import (
	"encoding/base64"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/pocketbase/pocketbase/core"
	"github.com/pocketbase/pocketbase/tools/router"

	"github.com/arata-labs/termorch/internal/backend"
	"github.com/arata-labs/termorch/internal/bus"
)

var wsUpgrader = websocket.Upgrader{
	// Authentication happens via the ?token= query parameter below, not
	// cookies/headers, so a permissive origin check is acceptable here.
	CheckOrigin: func(r *http.Request) bool { return true },
}

func registerAttachRoute(g *router.RouterGroup[*core.RequestEvent], deps *Deps) {
	g.GET("/attach", deps.handleAttach)
}

// inboundFrame covers every shape a client can send over the attach socket.
type inboundFrame struct {
	Type       string `json:"type"`
	InstanceID string `json:"instanceId"`
	ID         string `json:"id"`
	Data       string `json:"data"`
	Cols       uint16 `json:"cols"`
	Rows       uint16 `json:"rows"`
}

// outboundFrame is the JSON envelope for every event delivered to a client;
// binary terminal payloads travel base64-encoded in Data. Code is set only
// on {type:"error"} frames.
type outboundFrame struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`
	Code string `json:"code,omitempty"`
	Data any    `json:"data,omitempty"`
}

func (deps *Deps) handleAttach(e *core.RequestEvent) error {
	if e.Auth == nil {
		token := e.Request.URL.Query().Get("token")
		if token == "" {
			return fail(e, http.StatusUnauthorized, "token required")
		}
		record, err := e.App.FindAuthRecordByToken(token, core.TokenTypeAuth)
		if err != nil || record == nil {
			return fail(e, http.StatusUnauthorized, "invalid token")
		}
		e.Auth = record
	}

	conn, err := wsUpgrader.Upgrade(e.Response, e.Request, nil)
	if err != nil {
		return nil // Upgrade already wrote the response.
	}
	defer conn.Close()

	sub := deps.Bus.Subscribe()
	defer deps.Bus.Unsubscribe(sub)

	attached := newAttachSet()
	writeMu := &sync.Mutex{}
	done := make(chan struct{})

	go deps.pumpBusToClient(conn, sub, attached, writeMu, done)
	deps.readClientFrames(e, conn, attached, writeMu)

	close(done)
	return nil
}

// attachSet tracks which instance ids this connection currently wants
// terminal:data/exit and status:changed events for.
type attachSet struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

func newAttachSet() *attachSet {
	return &attachSet{ids: make(map[string]struct{})}
}

func (a *attachSet) add(id string) {
	a.mu.Lock()
	a.ids[id] = struct{}{}
	a.mu.Unlock()
}

func (a *attachSet) remove(id string) {
	a.mu.Lock()
	delete(a.ids, id)
	a.mu.Unlock()
}

func (a *attachSet) has(id string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.ids[id]
	return ok
}

func writeFrame(conn *websocket.Conn, mu *sync.Mutex, f outboundFrame) error {
	mu.Lock()
	defer mu.Unlock()
	return conn.WriteJSON(f)
}

func (deps *Deps) pumpBusToClient(conn *websocket.Conn, sub *bus.Subscriber, attached *attachSet, writeMu *sync.Mutex, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case <-sub.Dropped():
			return
		case ev, more := <-sub.Events():
			if !more {
				return
			}
			if ev.InstanceID != "" && !attached.has(ev.InstanceID) {
				continue
			}

			frame := outboundFrame{Type: string(ev.Kind), ID: ev.InstanceID}
			if raw, isBytes := ev.Payload.([]byte); isBytes {
				frame.Data = base64.StdEncoding.EncodeToString(raw)
			} else {
				frame.Data = ev.Payload
			}
			if err := writeFrame(conn, writeMu, frame); err != nil {
				return
			}
		}
	}
}

func (deps *Deps) readClientFrames(e *core.RequestEvent, conn *websocket.Conn, attached *attachSet, writeMu *sync.Mutex) {
	for {
		var in inboundFrame
		if err := conn.ReadJSON(&in); err != nil {
			return
		}

		switch in.Type {
		case "attach":
			deps.handleAttachFrame(e, conn, attached, writeMu, in.InstanceID)
		case "detach":
			attached.remove(in.ID)
		case "terminal:input":
			raw, err := base64.StdEncoding.DecodeString(in.Data)
			if err != nil {
				continue
			}
			_, _ = deps.Manager.Write(in.ID, raw)
		case "terminal:resize":
			_ = deps.Manager.Resize(in.ID, in.Cols, in.Rows)
		}
	}
}

func (deps *Deps) handleAttachFrame(e *core.RequestEvent, conn *websocket.Conn, attached *attachSet, writeMu *sync.Mutex, instanceID string) {
	if instanceID == "" {
		return
	}

	if !deps.Manager.Has(instanceID) {
		if _, err := deps.Registry.Get(instanceID); err != nil {
			_ = writeFrame(conn, writeMu, outboundFrame{Type: "error", ID: instanceID, Code: "not_found", Data: "instance not found"})
			return
		}
		if err := deps.lazySpawn(e, instanceID); err != nil {
			_ = writeFrame(conn, writeMu, outboundFrame{Type: "error", ID: instanceID, Code: "spawn_failed", Data: err.Error()})
			return
		}
	}

	attached.add(instanceID)

	history := deps.Manager.GetHistory(instanceID)
	_ = writeFrame(conn, writeMu, outboundFrame{
		Type: "terminal:history",
		ID:   instanceID,
		Data: base64.StdEncoding.EncodeToString(history),
	})
}

// lazySpawn respawns a backend for an instance whose process did not
// survive a restart, using its persisted working_dir/machine_binding.
func (deps *Deps) lazySpawn(e *core.RequestEvent, instanceID string) error {
	rec, err := deps.Registry.Get(instanceID)
	if err != nil {
		return err
	}

	cfg := backend.Config{
		InstanceID: instanceID,
		WorkingDir: rec.GetString("working_dir"),
		Cols:       deps.SpawnCols,
		Rows:       deps.SpawnRows,
	}

	if rec.GetString("machine_binding") == "remote" {
		machine, err := deps.Source.ResolveMachine(rec.GetString("machine"))
		if err != nil {
			return err
		}
		cfg.Machine = machine
		return deps.Manager.SpawnSSH(e.Request.Context(), instanceID, cfg, deps.ReconnectAttempts, deps.ReconnectBaseDelay)
	}
	return deps.Manager.SpawnLocal(instanceID, cfg)
}
