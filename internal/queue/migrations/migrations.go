// Package migrations embeds the goose SQL migrations for the orchestrator
// schema so binaries and tests can migrate without shipping files.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
