package instance

import (
	"fmt"
	"time"

	"github.com/pocketbase/dbx"
	"github.com/pocketbase/pocketbase/core"
)

// Registry is the durable CRUD layer over the instances table (C9). It
// owns display_order bookkeeping (append-at-end on create; reorder is an
// explicit, transactional bulk rewrite) but never writes instances.status
// directly — that column belongs to the Status Reconciler alone.
type Registry struct {
	app core.App
}

// NewRegistry wires a Registry to the PocketBase app.
func NewRegistry(app core.App) *Registry {
	return &Registry{app: app}
}

// List returns every instance ordered pinned DESC, display_order ASC,
// created DESC — the order the UI renders instance tabs in.
func (r *Registry) List() ([]*core.Record, error) {
	return r.app.FindRecordsByFilter(
		"instances",
		"",
		"-pinned,display_order,-created",
		0, 0,
	)
}

// ListByMachine returns every instance bound to machineID ("local" selects
// local-binding instances; any other value is treated as a machine record id).
func (r *Registry) ListByMachine(machineBinding string) ([]*core.Record, error) {
	if machineBinding == "local" {
		return r.app.FindRecordsByFilter(
			"instances",
			"machine_binding = 'local'",
			"-pinned,display_order,-created",
			0, 0,
		)
	}
	return r.app.FindRecordsByFilter(
		"instances",
		"machine_binding = 'remote' && machine = {:machine}",
		"-pinned,display_order,-created",
		0, 0,
		dbx.Params{"machine": machineBinding},
	)
}

// Get fetches one instance by id.
func (r *Registry) Get(id string) (*core.Record, error) {
	return r.app.FindRecordById("instances", id)
}

// Create inserts a new instance row at the end of the display order and
// returns it. Spawning the backend is the caller's responsibility.
func (r *Registry) Create(name, workingDir, machineBinding, machineID string) (*core.Record, error) {
	if machineBinding == "remote" {
		if machineID == "" {
			return nil, fmt.Errorf("instance: remote binding requires a machine id")
		}
		if _, err := r.app.FindRecordById("remote_machines", machineID); err != nil {
			return nil, fmt.Errorf("instance: machine %s not found: %w", machineID, err)
		}
	}

	col, err := r.app.FindCollectionByNameOrId("instances")
	if err != nil {
		return nil, fmt.Errorf("instance: find instances collection: %w", err)
	}

	order, err := r.nextDisplayOrder()
	if err != nil {
		return nil, err
	}

	rec := core.NewRecord(col)
	rec.Set("name", name)
	rec.Set("working_dir", workingDir)
	rec.Set("machine_binding", machineBinding)
	if machineID != "" {
		rec.Set("machine", machineID)
	}
	rec.Set("status", "idle")
	rec.Set("display_order", order)

	if err := r.app.Save(rec); err != nil {
		return nil, fmt.Errorf("instance: save: %w", err)
	}
	return rec, nil
}

func (r *Registry) nextDisplayOrder() (int, error) {
	recs, err := r.app.FindRecordsByFilter("instances", "", "-display_order", 1, 0)
	if err != nil {
		return 0, fmt.Errorf("instance: find max display_order: %w", err)
	}
	if len(recs) == 0 {
		return 1, nil
	}
	return recs[0].GetInt("display_order") + 1, nil
}

// Rename updates an instance's display name.
func (r *Registry) Rename(id, name string) error {
	rec, err := r.app.FindRecordById("instances", id)
	if err != nil {
		return fmt.Errorf("instance: find %s: %w", id, err)
	}
	rec.Set("name", name)
	return r.app.Save(rec)
}

// SetPinned updates an instance's pinned flag.
func (r *Registry) SetPinned(id string, pinned bool) error {
	rec, err := r.app.FindRecordById("instances", id)
	if err != nil {
		return fmt.Errorf("instance: find %s: %w", id, err)
	}
	rec.Set("pinned", pinned)
	return r.app.Save(rec)
}

// SetLastCwd records the backend's best-known current working directory.
func (r *Registry) SetLastCwd(id, cwd string) error {
	rec, err := r.app.FindRecordById("instances", id)
	if err != nil {
		return fmt.Errorf("instance: find %s: %w", id, err)
	}
	rec.Set("last_cwd", cwd)
	return r.app.Save(rec)
}

// SetPid records the local backend's process id.
func (r *Registry) SetPid(id string, pid int) error {
	rec, err := r.app.FindRecordById("instances", id)
	if err != nil {
		return fmt.Errorf("instance: find %s: %w", id, err)
	}
	rec.Set("pid", pid)
	return r.app.Save(rec)
}

// Close marks an instance closed, stamping closed_at. The caller has already
// killed the backend; the row is retained for history rather than deleted.
func (r *Registry) Close(id string) error {
	rec, err := r.app.FindRecordById("instances", id)
	if err != nil {
		return fmt.Errorf("instance: find %s: %w", id, err)
	}
	rec.Set("closed_at", time.Now().UTC())
	return r.app.Save(rec)
}

// Reorder rewrites display_order for every id in the given sequence
// (ids[0] gets the lowest ordinal) inside a single transaction, so a
// concurrent reader never observes a partially-rewritten ordering.
func (r *Registry) Reorder(ids []string) error {
	return r.app.RunInTransaction(func(txApp core.App) error {
		for i, id := range ids {
			rec, err := txApp.FindRecordById("instances", id)
			if err != nil {
				return fmt.Errorf("instance: reorder find %s: %w", id, err)
			}
			rec.Set("display_order", i+1)
			if err := txApp.Save(rec); err != nil {
				return fmt.Errorf("instance: reorder save %s: %w", id, err)
			}
		}
		return nil
	})
}
