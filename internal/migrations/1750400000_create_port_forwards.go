package migrations

import (
	"github.com/pocketbase/pocketbase/core"
	m "github.com/pocketbase/pocketbase/migrations"
	"github.com/pocketbase/pocketbase/tools/types"
)

// Creates the port_forwards BaseCollection: one row per reverse SSH
// port-forward the Tunnel Supervisor maintains for a remote-bound instance.
// No in-memory forward survives a process restart, so every row left in
// {active, reconnecting, failed} at startup is swept to closed by the
// supervisor's recovery pass before any new forward is opened.
func init() {
	m.Register(func(app core.App) error {
		instances, err := app.FindCollectionByNameOrId("instances")
		if err != nil {
			return err
		}
		machines, err := app.FindCollectionByNameOrId("remote_machines")
		if err != nil {
			return err
		}

		col := core.NewBaseCollection("port_forwards")
		col.ListRule = types.Pointer("@request.auth.id != ''")
		col.ViewRule = types.Pointer("@request.auth.id != ''")
		col.CreateRule = nil
		col.UpdateRule = nil
		col.DeleteRule = nil

		col.Fields.Add(&core.RelationField{
			Name:         "instance",
			CollectionId: instances.Id,
			Required:     true,
			MaxSelect:    1,
		})
		col.Fields.Add(&core.RelationField{
			Name:         "machine",
			CollectionId: machines.Id,
			Required:     true,
			MaxSelect:    1,
		})
		col.Fields.Add(&core.NumberField{
			Name:     "remote_port",
			Required: true,
			OnlyInt:  true,
			Min:      types.Pointer(1.0),
			Max:      types.Pointer(65535.0),
		})
		col.Fields.Add(&core.NumberField{
			Name:     "local_port",
			Required: true,
			OnlyInt:  true,
			Min:      types.Pointer(1.0),
			Max:      types.Pointer(65535.0),
		})
		col.Fields.Add(&core.SelectField{
			Name:      "status",
			Required:  true,
			MaxSelect: 1,
			Values:    []string{"active", "reconnecting", "closed", "failed"},
		})
		col.Fields.Add(&core.NumberField{
			Name:    "reconnect_attempts",
			OnlyInt: true,
		})
		col.Fields.Add(&core.TextField{
			Name: "last_error",
		})
		col.Fields.Add(&core.AutodateField{
			Name:     "created",
			OnCreate: true,
		})
		col.Fields.Add(&core.AutodateField{
			Name:     "updated",
			OnCreate: true,
			OnUpdate: true,
		})

		col.Indexes = []string{
			"CREATE INDEX idx_port_forwards_instance ON port_forwards (instance)",
			"CREATE INDEX idx_port_forwards_machine ON port_forwards (machine)",
			"CREATE INDEX idx_port_forwards_status ON port_forwards (status)",
		}

		return app.Save(col)
	}, func(app core.App) error {
		col, err := app.FindCollectionByNameOrId("port_forwards")
		if err != nil {
			return nil // already gone
		}
		return app.Delete(col)
	})
}
