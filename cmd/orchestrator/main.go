package main

import (
	"log"
	"time"

	"github.com/pocketbase/pocketbase"
	"github.com/pocketbase/pocketbase/core"
	"golang.org/x/time/rate"

	"github.com/arata-labs/termorch/internal/bus"
	"github.com/arata-labs/termorch/internal/instance"
	_ "github.com/arata-labs/termorch/internal/migrations"
	"github.com/arata-labs/termorch/internal/routes"
	"github.com/arata-labs/termorch/internal/status"
	"github.com/arata-labs/termorch/internal/tunnel"
	"github.com/arata-labs/termorch/internal/worker"
)

const (
	scrollbackCapBytes = 100 * 1024

	spawnCols = 80
	spawnRows = 24

	reconnectMaxAttempts = 5
	reconnectBaseDelay   = time.Second

	localPollInterval  = 30 * time.Second
	remotePollInterval = 10 * time.Second
	statusAgeThreshold = 60 * time.Second

	hookPriorityTTL = 10 * time.Second

	tunnelPortRangeStart  = 40000
	tunnelPortRangeEnd    = 40999
	tunnelReconnectPerSec = 10
)

func main() {
	app := pocketbase.New()

	eventBus := bus.New()
	manager := instance.New(eventBus, scrollbackCapBytes)
	registry := instance.NewRegistry(app)
	source := instance.NewSource(app)

	window := status.NewPriorityWindow(hookPriorityTTL)
	reconciler := status.NewReconciler(app, eventBus, window)
	localPoller := status.NewLocalPoller(source, reconciler, localPollInterval, statusAgeThreshold)
	remotePoller := status.NewRemotePoller(source, reconciler, statusAgeThreshold)

	pool := tunnel.NewPortPool(tunnelPortRangeStart, tunnelPortRangeEnd)
	conns := tunnel.NewRegistry()
	supervisor := tunnel.NewSupervisor(pool, conns, eventBus, reconnectMaxAttempts, reconnectBaseDelay, rate.Limit(tunnelReconnectPerSec))

	w := worker.New(app)

	deps := &routes.Deps{
		Registry:           registry,
		Manager:            manager,
		Source:             source,
		Reconciler:         reconciler,
		Tunnels:            supervisor,
		Bus:                eventBus,
		SpawnCols:          spawnCols,
		SpawnRows:          spawnRows,
		ReconnectAttempts:  reconnectMaxAttempts,
		ReconnectBaseDelay: reconnectBaseDelay,
	}

	app.OnServe().BindFunc(func(se *core.ServeEvent) error {
		routes.Register(se, deps)
		return se.Next()
	})

	app.OnServe().BindFunc(func(se *core.ServeEvent) error {
		recoverStaleForwards(app, pool, supervisor)

		if err := localPoller.Start(); err != nil {
			log.Printf("local status poller: %v", err)
		}
		if err := remotePoller.Start(remotePollInterval); err != nil {
			log.Printf("remote status poller: %v", err)
		}
		if err := w.Start(); err != nil {
			log.Printf("worker: %v", err)
		}
		return se.Next()
	})

	// Teardown order (§9): stop pollers so no new status candidate can fire
	// mid-shutdown, close tunnels before killing the backends they may still
	// be relaying data for, then kill terminals and stop the worker.
	app.OnTerminate().BindFunc(func(e *core.TerminateEvent) error {
		localPoller.Stop()
		remotePoller.Stop()
		supervisor.Shutdown()
		manager.KillAll()
		w.Shutdown()
		return e.Next()
	})

	if err := app.Start(); err != nil {
		log.Fatal(err)
	}
}

// recoverStaleForwards rewrites every port_forwards row left in a non-closed
// state by a previous process run to closed (§4.8) — no in-memory forward
// survives a restart — and pre-reserves their local ports so a freshly
// created forward can never collide with one still pending cleanup.
func recoverStaleForwards(app core.App, pool *tunnel.PortPool, supervisor *tunnel.Supervisor) {
	recs, err := app.FindRecordsByFilter(
		"port_forwards",
		"status = 'active' || status = 'reconnecting' || status = 'failed'",
		"", 0, 0,
	)
	if err != nil {
		log.Printf("recoverStaleForwards: query: %v", err)
		return
	}

	ids := make([]string, 0, len(recs))
	byID := make(map[string]*core.Record, len(recs))
	for _, r := range recs {
		if port := r.GetInt("local_port"); port != 0 {
			pool.LoadExisting(r.Id, port)
		}
		ids = append(ids, r.Id)
		byID[r.Id] = r
	}

	supervisor.RecoverOnStart(ids, func(id string) error {
		rec := byID[id]
		rec.Set("status", "closed")
		return app.Save(rec)
	})
}
