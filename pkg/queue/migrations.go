package queue

import "embed"

// Migrations holds the embedded schema migrations for the jobs table.
// Apply them at startup with db.Migrate.
//
//go:embed migrations/*.sql
var Migrations embed.FS
