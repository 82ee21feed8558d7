// Package migrations embeds the SQL schema migration files.
package migrations

import "embed"

// FS holds the ordered *.sql migration files, applied by
// storage.RunMigrations.
//
//go:embed *.sql
var FS embed.FS
