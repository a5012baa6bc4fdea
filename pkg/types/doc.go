/*
Package types defines the core data structures shared across the Worker
Runtime: tasks, runs, leases, agents, artifacts, and audit events. These are
the plain structs every other package builds on — the Store persists them,
the pipeline mutates them, and the recovery orchestrator reads their policy
fields.

# Core types

  - Task: one unit of work, carrying its goal, allowed/denied paths,
    verification commands, timebox, and current lifecycle status.
  - Run: one attempt by one agent to satisfy one task; holds the log path
    and terminal outcome.
  - Lease: a DB row asserting that a task is currently owned by a run,
    paired with the filesystem lock in pkg/lock for cross-host exclusion.
  - Agent: a long-lived worker process's identity, role, and heartbeat
    state.
  - Artifact: a file or probe result recorded against a run (branch name,
    visual-probe image, generated diff).
  - Event: a durable audit-log entry emitted by pkg/events.

All types are plain structs with `db` and `json` struct tags so they
serialize directly through pkg/storage's sqlx queries and the event broker's
JSON payloads, and enum-like fields (TaskStatus, RunStatus, FailureCode, and
so on) are typed string constants rather than bare strings.
*/
package types
