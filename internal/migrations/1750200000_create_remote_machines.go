package migrations

import (
	"github.com/pocketbase/pocketbase/core"
	m "github.com/pocketbase/pocketbase/migrations"
	"github.com/pocketbase/pocketbase/tools/types"
)

// Creates the remote_machines BaseCollection: one row per SSH-reachable host
// that remote-binding instances attach to. Credential material lives in the
// secrets collection, referenced here by id — remote_machines never stores
// plaintext passwords or key material itself.
func init() {
	m.Register(func(app core.App) error {
		secrets, err := app.FindCollectionByNameOrId("secrets")
		if err != nil {
			return err
		}

		col := core.NewBaseCollection("remote_machines")
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
			Name:     "host",
			Required: true,
		})
		col.Fields.Add(&core.NumberField{
			Name:    "port",
			OnlyInt: true,
			Min:     types.Pointer(1.0),
			Max:     types.Pointer(65535.0),
		})
		col.Fields.Add(&core.TextField{
			Name:     "user",
			Required: true,
		})
		col.Fields.Add(&core.TextField{
			Name: "key_path",
		})
		col.Fields.Add(&core.RelationField{
			Name:         "credential",
			CollectionId: secrets.Id,
			MaxSelect:    1,
		})
		col.Fields.Add(&core.BoolField{
			Name: "forward_credentials",
		})
		col.Fields.Add(&core.TextField{
			Name: "credential_env_value",
		})
		col.Fields.Add(&core.SelectField{
			Name:      "status",
			MaxSelect: 1,
			Values:    []string{"unknown", "online", "offline"},
		})
		col.Fields.Add(&core.DateField{
			Name: "last_connected_at",
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
		col.AddIndex("idx_remote_machines_name", false, "name", "")

		return app.Save(col)
	}, func(app core.App) error {
		col, err := app.FindCollectionByNameOrId("remote_machines")
		if err != nil {
			return nil // already gone
		}
		return app.Delete(col)
	})
}
