// Package migrations holds the goose SQL migrations, embedded so the
// server's auto-migrate, cmd/migrate, and the test harness all apply the
// same files regardless of working directory.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
