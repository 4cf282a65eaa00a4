package routes

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"
	"github.com/pocketbase/pocketbase/tests"
	"golang.org/x/time/rate"

	"github.com/arata-labs/termorch/internal/bus"
	"github.com/arata-labs/termorch/internal/instance"
	"github.com/arata-labs/termorch/internal/status"
	"github.com/arata-labs/termorch/internal/tunnel"

	_ "github.com/arata-labs/termorch/internal/migrations"
)

// testEnv wraps a PocketBase test app with a fully wired Deps and a seeded
// superuser, mirroring the teacher's resources_test.go helper shape.
type testEnv struct {
	app   *tests.TestApp
	deps  *Deps
	token string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	app, err := tests.NewTestApp()
	if err != nil {
		t.Fatal(err)
	}

	suCol, err := app.FindCollectionByNameOrId(core.CollectionNameSuperusers)
	if err != nil {
		app.Cleanup()
		t.Fatal(err)
	}
	su := core.NewRecord(suCol)
	su.Set("email", "admin@test.com")
	su.SetPassword("1234567890")
	if err := app.Save(su); err != nil {
		app.Cleanup()
		t.Fatal(err)
	}
	token, err := su.NewStaticAuthToken(0)
	if err != nil {
		app.Cleanup()
		t.Fatal(err)
	}

	b := bus.New()
	deps := &Deps{
		Registry:           instance.NewRegistry(app),
		Manager:            instance.New(b, 64*1024),
		Source:             instance.NewSource(app),
		Reconciler:         status.NewReconciler(app, b, status.NewPriorityWindow(10*time.Second)),
		Tunnels:            tunnel.NewSupervisor(tunnel.NewPortPool(40000, 40999), tunnel.NewRegistry(), b, 3, time.Millisecond, rate.Limit(10)),
		Bus:                b,
		SpawnCols:          80,
		SpawnRows:          24,
		ReconnectAttempts:  3,
		ReconnectBaseDelay: time.Millisecond,
	}

	return &testEnv{app: app, deps: deps, token: token}
}

func (te *testEnv) cleanup() {
	te.deps.Manager.KillAll()
	te.app.Cleanup()
}

// do performs an HTTP API request against a freshly mounted router and
// returns the response recorder.
func (te *testEnv) do(t *testing.T, method, url, body string, authenticated bool) *httptest.ResponseRecorder {
	t.Helper()

	r, err := apis.NewRouter(te.app)
	if err != nil {
		t.Fatal(err)
	}

	se := &core.ServeEvent{App: te.app, Router: r}
	Register(se, te.deps)

	mux, err := r.BuildMux()
	if err != nil {
		t.Fatal(err)
	}

	var bodyReader io.Reader
	if body != "" {
		bodyReader = strings.NewReader(body)
	}

	req := httptest.NewRequest(method, url, bodyReader)
	req.Header.Set("Content-Type", "application/json")
	if authenticated {
		req.Header.Set("Authorization", te.token)
	}

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func parseEnvelope(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var result map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&result); err != nil {
		t.Fatal("failed to parse JSON:", err)
	}
	return result
}
