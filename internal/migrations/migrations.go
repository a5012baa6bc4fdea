// Package migrations embeds the goose SQL migration files that define the
// Worker Runtime's PostgreSQL schema, so cmd/worker-migrate ships them inside
// the binary instead of reading them off disk at deploy time.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
