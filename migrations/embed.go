// Package migrations embeds the Signpost schema so the binary can migrate
// a fresh database without SQL files on disk.
package migrations

import "embed"

//go:embed *.sql
var files embed.FS

// FS is the migration source passed to database.DB.Migrate.
var FS = files
