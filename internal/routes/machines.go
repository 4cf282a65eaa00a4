package routes

import (
	"net/http"

	"github.com/pocketbase/pocketbase/core"
	"github.com/pocketbase/pocketbase/tools/router"

	"github.com/arata-labs/termorch/internal/crypto"
)

func registerMachineRoutes(g *router.RouterGroup[*core.RequestEvent], deps *Deps) {
	g.GET("/machines", deps.handleListMachines)
	g.POST("/machines", deps.handleCreateMachine)
}

func (deps *Deps) handleListMachines(e *core.RequestEvent) error {
	recs, err := e.App.FindRecordsByFilter("remote_machines", "", "name", 0, 0)
	if err != nil {
		return fail(e, http.StatusInternalServerError, err.Error())
	}
	return ok(e, http.StatusOK, recs)
}

func (deps *Deps) handleCreateMachine(e *core.RequestEvent) error {
	var body struct {
		Name       string `json:"name"`
		Host       string `json:"host"`
		Port       int    `json:"port"`
		User       string `json:"user"`
		AuthType   string `json:"authType"`
		Credential string `json:"credential"`
	}
	if err := readJSON(e, &body); err != nil {
		return fail(e, http.StatusBadRequest, "invalid request body")
	}
	if body.Name == "" || body.Host == "" || body.User == "" {
		return fail(e, http.StatusBadRequest, "name, host, and user are required")
	}
	if body.Port == 0 {
		body.Port = 22
	}
	if body.AuthType != "password" && body.AuthType != "ssh_key" {
		return fail(e, http.StatusBadRequest, "authType must be password or ssh_key")
	}

	var credentialID string
	if body.Credential != "" {
		secretsCol, err := e.App.FindCollectionByNameOrId("secrets")
		if err != nil {
			return fail(e, http.StatusInternalServerError, err.Error())
		}
		encrypted, err := crypto.Encrypt(body.Credential)
		if err != nil {
			return fail(e, http.StatusInternalServerError, "encrypt credential: "+err.Error())
		}
		secret := core.NewRecord(secretsCol)
		secret.Set("name", body.Name+" credential")
		secret.Set("type", body.AuthType)
		secret.Set("value", encrypted)
		if err := e.App.Save(secret); err != nil {
			return fail(e, http.StatusInternalServerError, err.Error())
		}
		credentialID = secret.Id
	}

	machinesCol, err := e.App.FindCollectionByNameOrId("remote_machines")
	if err != nil {
		return fail(e, http.StatusInternalServerError, err.Error())
	}
	rec := core.NewRecord(machinesCol)
	rec.Set("name", body.Name)
	rec.Set("host", body.Host)
	rec.Set("port", body.Port)
	rec.Set("user", body.User)
	rec.Set("status", "unknown")
	if credentialID != "" {
		rec.Set("credential", credentialID)
	}
	if err := e.App.Save(rec); err != nil {
		return fail(e, http.StatusInternalServerError, err.Error())
	}

	return ok(e, http.StatusCreated, rec)
}
