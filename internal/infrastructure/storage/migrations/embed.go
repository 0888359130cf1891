// Package migrations embeds the schema of every supported SQL dialect.
package migrations

import "embed"

// FS holds one directory of numbered *.up.sql files per dialect.
//
//go:embed postgres/*.sql sqlite/*.sql
var FS embed.FS
