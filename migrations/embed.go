// Package migrations embeds the goose SQL migrations so the server, the
// migrate command and integration tests all apply the same schema.
package migrations

import "embed"

// FS holds every *.sql migration.
//
//go:embed *.sql
var FS embed.FS

// Dir is the directory within FS that goose reads from.
const Dir = "."
