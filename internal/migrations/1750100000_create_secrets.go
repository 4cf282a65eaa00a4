package migrations

import (
	"github.com/pocketbase/pocketbase/core"
	m "github.com/pocketbase/pocketbase/migrations"
)

// Creates the secrets BaseCollection holding encrypted remote-machine
// credentials (passwords or PEM private keys). Values are encrypted with
// internal/crypto before being written and decrypted only for the duration
// of a single Backend spawn — never persisted in plaintext.
//
// Access rules: superuser only, both read and write.
func init() {
	m.Register(func(app core.App) error {
		col := core.NewBaseCollection("secrets")
		col.ListRule = nil
		col.ViewRule = nil
		col.CreateRule = nil
		col.UpdateRule = nil
		col.DeleteRule = nil

		col.Fields.Add(&core.TextField{
			Name:     "name",
			Required: true,
			Max:      200,
		})
		col.Fields.Add(&core.SelectField{
			Name:      "type",
			Required:  true,
			MaxSelect: 1,
			Values:    []string{"password", "ssh_key"},
		})
		col.Fields.Add(&core.TextField{
			Name:   "value",
			Hidden: true, // AES-256-GCM ciphertext, hex-encoded; never in list responses
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
		col.AddIndex("idx_secrets_name", false, "name", "")

		return app.Save(col)
	}, func(app core.App) error {
		col, err := app.FindCollectionByNameOrId("secrets")
		if err != nil {
			return nil // already gone
		}
		return app.Delete(col)
	})
}
