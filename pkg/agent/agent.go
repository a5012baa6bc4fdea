// Package agent implements the long-lived agent process that ties the
// Runtime Lock (C9), the Lease store, and the Task Pipeline (C7) together
// into a "pick up one job, run it to completion, heartbeat in between" loop:
// a heartbeat loop running beside the queue's poll loop, with the Task
// Pipeline as its "execute one task" body.
package agent

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/opentiger/worker-runtime/pkg/lock"
	"github.com/opentiger/worker-runtime/pkg/log"
	"github.com/opentiger/worker-runtime/pkg/queue"
	"github.com/opentiger/worker-runtime/pkg/storage"
	"github.com/opentiger/worker-runtime/pkg/types"
)

// staleLeaseWindow bounds the startup lock-contention window: a lease
// younger than this is assumed to belong to a process still starting up
// elsewhere, so a losing lock race is skipped silently rather than treated
// as abandoned.
const staleLeaseWindow = 2 * time.Minute

// Pipeline is the subset of *pipeline.Pipeline the agent drives. It is
// defined locally (rather than importing pkg/pipeline's own Pipeline type
// directly) so pkg/agent only depends on the one method it calls, same
// interface-first posture as pkg/pipeline and pkg/recovery.
type Pipeline interface {
	Run(ctx context.Context, task *types.Task, agentID, runID string) error
}

// Config is an Agent's static, process-wide configuration.
type Config struct {
	ID              string
	Role            types.TaskRole
	Metadata        types.AgentMetadata
	LockDir         string
	LogDir          string
	HeartbeatPeriod time.Duration // default 5s
	QueuePoll       time.Duration
}

// Agent is one long-lived OS process: it owns one queue, runs at most one
// task at a time, and heartbeats on a fixed interval.
type Agent struct {
	cfg      Config
	store    storage.Store
	pipeline Pipeline
	logger   zerolog.Logger

	queueWorker *queue.Worker
	stopHeartbeat chan struct{}
	heartbeatDone chan struct{}
}

// New builds an Agent bound to cfg, store, and pipeline. The caller must
// call Start to begin polling and heartbeating.
func New(cfg Config, store storage.Store, pl Pipeline) *Agent {
	if cfg.HeartbeatPeriod <= 0 {
		cfg.HeartbeatPeriod = 5 * time.Second
	}
	a := &Agent{
		cfg:           cfg,
		store:         store,
		pipeline:      pl,
		logger:        log.WithAgentID(cfg.ID),
		stopHeartbeat: make(chan struct{}),
		heartbeatDone: make(chan struct{}),
	}
	a.queueWorker = queue.NewWorker(queue.Config{PollInterval: cfg.QueuePoll, Role: cfg.Role}, store, cfg.ID, a.handle)
	return a
}

// Start registers the agent as idle, then starts the queue poller and the
// heartbeat loop, each in its own goroutine.
func (a *Agent) Start(ctx context.Context) error {
	if err := a.store.UpsertAgent(ctx, &types.Agent{
		ID: a.cfg.ID, Status: types.AgentStatusIdle, Role: a.cfg.Role,
		LastHeartbeat: time.Now(), Metadata: a.cfg.Metadata,
	}); err != nil {
		return fmt.Errorf("agent: register: %w", err)
	}

	a.queueWorker.Start()
	go a.heartbeatLoop()
	a.logger.Info().Msg("agent started")
	return nil
}

// Stop halts the queue poller and the heartbeat loop, then marks the agent
// offline. It does not interrupt a running task — the queue worker's Stop
// waits for the in-flight poll cycle (and whatever task it is running,
// bounded by the executor's own hard timeout) to return before marking
// the agent offline.
func (a *Agent) Stop(ctx context.Context) {
	a.queueWorker.Stop()
	close(a.stopHeartbeat)
	<-a.heartbeatDone

	if err := a.store.SetAgentOffline(ctx, a.cfg.ID); err != nil {
		a.logger.Error().Err(err).Msg("marking agent offline failed")
	}
	a.logger.Info().Msg("agent stopped")
}

func (a *Agent) heartbeatLoop() {
	defer close(a.heartbeatDone)
	ticker := time.NewTicker(a.cfg.HeartbeatPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			status := types.AgentStatusIdle
			if a.queueWorker.IsBusy() {
				status = types.AgentStatusBusy
			}
			ctx, cancel := context.WithTimeout(context.Background(), a.cfg.HeartbeatPeriod)
			if err := a.store.UpdateAgentHeartbeat(ctx, a.cfg.ID, status); err != nil {
				a.logger.Warn().Err(err).Msg("heartbeat failed")
			}
			cancel()
		case <-a.stopHeartbeat:
			return
		}
	}
}

// handle is the queue.Handler invoked for each delivered job. It enforces
// C9 (filesystem lock) and the Lease invariant before handing the task to
// the pipeline, and is itself idempotent against at-least-once delivery:
// a second delivery for a task already running finds no lock and returns
// without re-running the pipeline.
func (a *Agent) handle(ctx context.Context, job queue.Job) error {
	logger := log.WithTaskID(job.TaskID)

	handle, err := lock.Acquire(a.cfg.LockDir, job.TaskID)
	if err != nil {
		return fmt.Errorf("agent: acquire lock: %w", err)
	}
	if handle == nil {
		return a.handleLockContention(ctx, job.TaskID, logger)
	}
	defer handle.Release()

	task, err := a.store.GetTask(ctx, job.TaskID)
	if err != nil {
		return fmt.Errorf("agent: load task %s: %w", job.TaskID, err)
	}
	if task.Status != types.TaskStatusQueued {
		// Already claimed and advanced by another delivery of this job;
		// nothing to do.
		return nil
	}

	if running, err := a.store.GetRunningRunForTask(ctx, job.TaskID); err != nil {
		return fmt.Errorf("agent: check running run: %w", err)
	} else if running != nil {
		return nil
	}

	runID := uuid.New().String()
	run := &types.Run{
		ID:        runID,
		TaskID:    task.ID,
		AgentID:   a.cfg.ID,
		Status:    types.RunStatusRunning,
		StartedAt: time.Now(),
		LogPath:   filepath.Join(a.cfg.LogDir, "tasks", task.ID, fmt.Sprintf("%s-%s.log", a.cfg.ID, runID)),
	}
	if err := a.store.CreateRun(ctx, run); err != nil {
		return fmt.Errorf("agent: create run: %w", err)
	}
	if err := a.store.CreateLease(ctx, &types.Lease{TaskID: task.ID, RunID: runID, AgentID: a.cfg.ID, CreatedAt: time.Now()}); err != nil {
		return fmt.Errorf("agent: create lease: %w", err)
	}

	task.Status = types.TaskStatusRunning
	if err := a.store.UpdateTask(ctx, task); err != nil {
		return fmt.Errorf("agent: mark task running: %w", err)
	}

	taskID := task.ID
	if err := a.store.UpsertAgent(ctx, &types.Agent{
		ID: a.cfg.ID, Status: types.AgentStatusBusy, Role: a.cfg.Role,
		CurrentTaskID: &taskID, LastHeartbeat: time.Now(), Metadata: a.cfg.Metadata,
	}); err != nil {
		logger.Warn().Err(err).Msg("marking agent busy failed, continuing")
	}

	logger.Info().Str("run_id", runID).Msg("starting task pipeline run")
	if err := a.pipeline.Run(ctx, task, a.cfg.ID, runID); err != nil {
		logger.Error().Err(err).Msg("pipeline run returned an infrastructure error")
		return err
	}
	return nil
}

// handleLockContention implements the cross-agent exclusion fallback: if
// the lock is held by a live process, consult the lease. A
// lease younger than staleLeaseWindow means another process is plausibly
// still starting up on this task, so the job is skipped silently. An older
// (or absent) lease means the lock holder is stuck or gone; the task is
// reset to queued with the lease cleared so a future poll can retry it.
func (a *Agent) handleLockContention(ctx context.Context, taskID string, logger zerolog.Logger) error {
	lease, err := a.store.GetLease(ctx, taskID)
	if err != nil {
		return fmt.Errorf("agent: check lease during lock contention: %w", err)
	}
	if lease != nil && time.Since(lease.CreatedAt) < staleLeaseWindow {
		logger.Debug().Msg("lock held and lease fresh, skipping silently")
		return nil
	}

	logger.Warn().Msg("lock held but lease stale or absent, resetting task to queued")
	if lease != nil {
		if err := a.store.DeleteLease(ctx, taskID); err != nil {
			return fmt.Errorf("agent: clear stale lease: %w", err)
		}
	}
	task, err := a.store.GetTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("agent: load task for reset: %w", err)
	}
	if task.Status == types.TaskStatusRunning {
		task.Status = types.TaskStatusQueued
		if err := a.store.UpdateTask(ctx, task); err != nil {
			return fmt.Errorf("agent: reset task to queued: %w", err)
		}
	}
	return nil
}
