// Package migrations embeds the SQL files applied by internal/db's
// ApplyMigrations, in the same sorted-filename, schema_migrations
// bookkeeping style as the donor's migration runner.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
