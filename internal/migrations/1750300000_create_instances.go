package migrations

import (
	"github.com/pocketbase/pocketbase/core"
	m "github.com/pocketbase/pocketbase/migrations"
	"github.com/pocketbase/pocketbase/tools/types"
)

// Creates the instances BaseCollection: the durable row backing one PTY/SSH
// terminal session. Status is CHECK-constrained to the four-valued state
// machine (idle/working/awaiting/error) via a SelectField; display_order is
// a sparse, rewriteable ordinal maintained by the Instance Registry
// (append-at-end on create, explicit bulk rewrite on reorder).
func init() {
	m.Register(func(app core.App) error {
		machines, err := app.FindCollectionByNameOrId("remote_machines")
		if err != nil {
			return err
		}

		col := core.NewBaseCollection("instances")
		col.ListRule = types.Pointer("@request.auth.id != ''")
		col.ViewRule = types.Pointer("@request.auth.id != ''")
		col.CreateRule = nil
		col.UpdateRule = nil
		col.DeleteRule = nil

		col.Fields.Add(&core.TextField{
			Name:     "name",
			Required: true,
			Max:      200,
		})
		col.Fields.Add(&core.TextField{
			Name:     "working_dir",
			Required: true,
			Max:      1024,
		})
		col.Fields.Add(&core.SelectField{
			Name:      "machine_binding",
			Required:  true,
			MaxSelect: 1,
			Values:    []string{"local", "remote"},
		})
		col.Fields.Add(&core.RelationField{
			Name:         "machine",
			CollectionId: machines.Id,
			MaxSelect:    1,
		})
		col.Fields.Add(&core.SelectField{
			Name:      "status",
			Required:  true,
			MaxSelect: 1,
			Values:    []string{"idle", "working", "awaiting", "error"},
		})
		col.Fields.Add(&core.BoolField{
			Name: "pinned",
		})
		col.Fields.Add(&core.NumberField{
			Name:    "display_order",
			OnlyInt: true,
		})
		col.Fields.Add(&core.NumberField{
			Name:    "pid",
			OnlyInt: true,
		})
		col.Fields.Add(&core.TextField{
			Name: "last_cwd",
			Max:  1024,
		})
		col.Fields.Add(&core.DateField{
			Name: "closed_at",
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
			"CREATE INDEX idx_instances_machine ON instances (machine)",
			"CREATE INDEX idx_instances_status ON instances (status)",
			"CREATE INDEX idx_instances_order ON instances (pinned, display_order, created)",
		}

		return app.Save(col)
	}, func(app core.App) error {
		col, err := app.FindCollectionByNameOrId("instances")
		if err != nil {
			return nil // already gone
		}
		return app.Delete(col)
	})
}
