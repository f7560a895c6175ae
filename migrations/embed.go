// Package migrations embeds the SQL schema and seed files so the
// migrate binary and the smoke tooling need no files on disk.
package migrations

import "embed"

//go:embed sql seeds
var FS embed.FS

const (
	SQLDir   = "sql"
	SeedsDir = "seeds"
)
