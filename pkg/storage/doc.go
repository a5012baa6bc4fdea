/*
Package storage provides PostgreSQL-backed state persistence for the Worker
Runtime's tasks, runs, leases, agents, artifacts, and events.

The package implements the Store interface over a relational schema managed
by github.com/pressly/goose/v3 migrations (internal/migrations), queried
through github.com/jmoiron/sqlx with github.com/lib/pq as the driver. Rows
are typed Go structs with `db` tags; nested structures (Task.Context,
Run.ErrorMeta, Artifact.Metadata) are stored as JSONB columns.

# Why relational

The Finalizer (C8) must update the run, task, lease, and agent rows as one
atomic unit — a single commit or a full rollback, never a partial update.
Agents run as independent OS processes, often on separate hosts, so the
store needs to be a server they can all connect to rather than an
embedded, single-file database any one of them would have open exclusively.
PostgreSQL transactions give us cross-table atomicity directly.

# Transactions

Every write that touches more than one table goes through an `sqlx.Tx`
opened with BeginTxx, and is always deferred-rolled-back before an explicit
Commit, so a panic or early return never leaves a half-applied Finalize.
*/
package storage
