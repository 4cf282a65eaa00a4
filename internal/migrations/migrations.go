// Package migrations contains PocketBase Go migrations for the orchestrator's custom collections.
//
// All migration files use init() to register with the PocketBase migration runner.
// The package must be blank-imported in main.go:
//
//	_ "github.com/arata-labs/termorch/internal/migrations"
package migrations
