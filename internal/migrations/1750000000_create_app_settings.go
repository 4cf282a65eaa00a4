package migrations

import (
	"github.com/pocketbase/pocketbase/core"
	m "github.com/pocketbase/pocketbase/migrations"
)

// Creates the app_settings BaseCollection holding grouped configuration
// values (poll intervals, tunnel port range, CORS origins, ...) that may be
// tuned at runtime without a restart.
//
// Access rules:
//   - List/View: superuser only
//   - Create/Update/Delete: forbidden (all writes go through settings.SetGroup)
//
// Schema:
//
//	module  — which subsystem owns the row (e.g. "status", "tunnel")
//	key     — group name within the module (e.g. "poll_intervals", "port_range")
//	value   — JSON blob holding all fields for that group
//
// Unique index on (module, key) ensures one row per logical group.
func init() {
	m.Register(func(app core.App) error {
		col := core.NewBaseCollection("app_settings")

		col.Fields.Add(&core.TextField{Name: "module", Required: true})
		col.Fields.Add(&core.TextField{Name: "key", Required: true})
		col.Fields.Add(&core.JSONField{Name: "value"})

		rule := "@request.auth.collectionName = '_superusers'"
		col.ListRule = &rule
		col.ViewRule = &rule

		col.CreateRule = nil
		col.UpdateRule = nil
		col.DeleteRule = nil

		col.Indexes = []string{
			"CREATE UNIQUE INDEX idx_app_settings_module_key ON app_settings (module, `key`)",
		}

		return app.Save(col)
	}, func(app core.App) error {
		col, err := app.FindCollectionByNameOrId("app_settings")
		if err != nil {
			return nil // already gone
		}
		return app.Delete(col)
	})
}
