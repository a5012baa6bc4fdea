// Package storage implements the Worker Runtime's relational Store port:
// tasks, runs, leases, agents, artifacts, events, and a small config table,
// read and written through typed queries with transactional guarantees for
// the Finalizer (C8): one method group per entity (Create/Get/List/Update/
// Delete), backed by PostgreSQL. See doc.go for why the store is relational.
package storage

import (
	"context"

	"github.com/opentiger/worker-runtime/pkg/types"
)

// Store is the full persistence port consumed by the pipeline, recovery,
// finalizer, agent runtime, and metrics collector.
type Store interface {
	// Tasks
	CreateTask(ctx context.Context, task *types.Task) error
	GetTask(ctx context.Context, id string) (*types.Task, error)
	ListQueuedTasks(ctx context.Context, role types.TaskRole, limit int) ([]*types.Task, error)
	UpdateTask(ctx context.Context, task *types.Task) error
	CountTasksByStatus(ctx context.Context) (map[types.TaskStatus]int, error)

	// Runs
	CreateRun(ctx context.Context, run *types.Run) error
	GetRun(ctx context.Context, id string) (*types.Run, error)
	GetRunningRunForTask(ctx context.Context, taskID string) (*types.Run, error)
	UpdateRun(ctx context.Context, run *types.Run) error

	// ListRecentNonSuccessRuns returns up to limit of the most recent
	// non-success runs for taskID, newest first, for C7's retry-hint
	// gathering step.
	ListRecentNonSuccessRuns(ctx context.Context, taskID string, limit int) ([]*types.Run, error)

	// Leases
	CreateLease(ctx context.Context, lease *types.Lease) error
	GetLease(ctx context.Context, taskID string) (*types.Lease, error)
	DeleteLease(ctx context.Context, taskID string) error
	CountLeases(ctx context.Context) (int, error)

	// Agents
	UpsertAgent(ctx context.Context, agent *types.Agent) error
	GetAgent(ctx context.Context, id string) (*types.Agent, error)
	ListAgents(ctx context.Context) ([]*types.Agent, error)
	UpdateAgentHeartbeat(ctx context.Context, id string, status types.AgentStatus) error
	SetAgentOffline(ctx context.Context, id string) error

	// Artifacts
	CreateArtifact(ctx context.Context, artifact *types.Artifact) error
	ListArtifactsByRun(ctx context.Context, runID string) ([]*types.Artifact, error)

	// Events
	CreateEvent(ctx context.Context, event *types.Event) error
	ListEventsByTask(ctx context.Context, taskID string) ([]*types.Event, error)

	// Config
	GetConfigValue(ctx context.Context, key string) (string, error)
	SetConfigValue(ctx context.Context, key, value string) error

	// FinalizeTaskState is the single transactional close-out function C8
	// relies on: it updates the run, the task, deletes the lease, and resets
	// the agent to idle, all in one database transaction. No caller may
	// perform a partial subset of these updates outside this method.
	FinalizeTaskState(ctx context.Context, input FinalizeInput) error

	// Close releases the underlying connection pool.
	Close() error
}

// FinalizeInput is the single transactional close-out payload for C8.
type FinalizeInput struct {
	RunID        string
	TaskID       string
	AgentID      string
	RunStatus    types.RunStatus
	TaskStatus   types.TaskStatus
	BlockReason  types.BlockReason
	CostTokens   int64
	ErrorMessage string
	ErrorMeta    *types.ErrorMeta
}
