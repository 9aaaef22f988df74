package storage

import "embed"

// MigrationsFS embeds the schema migrations so the binary carries its own
// schema history without a separate deploy artifact.
//
//go:embed migrations/*.sql
var MigrationsFS embed.FS

// MigrationsDir is the path MigrationsFS and goose.SetBaseFS expect.
const MigrationsDir = "migrations"
