// Package queue implements the Queue port (consumed by the agent runtime):
// createTaskWorker(handler, queueName) semantics, one job in flight per
// agent id, jobs carrying {taskId, agentId} and possibly delivered more than
// once (idempotency is the caller's responsibility, via C9 + Lease).
//
// No message-broker dependency is part of this stack, so the concrete
// implementation here polls the Store for queued tasks on a fixed interval:
// a stateless ticker loop that reads current state from the store on every
// tick rather than holding any in-memory queue of its own.
package queue

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/opentiger/worker-runtime/pkg/log"
	"github.com/opentiger/worker-runtime/pkg/storage"
	"github.com/opentiger/worker-runtime/pkg/types"
)

// Job is one unit of delivery: a task id paired with the agent id that
// should execute it.
type Job struct {
	TaskID  string
	AgentID string
}

// Handler processes one delivered job. A non-nil return does not requeue
// the job; the pipeline owns failure classification and the task row's
// status is the only durable signal a retry scheduler consults.
type Handler func(ctx context.Context, job Job) error

// Config controls the polling worker's cadence and claim size.
type Config struct {
	// PollInterval is how often the worker asks the store for queued work.
	// Defaults to 5s.
	PollInterval time.Duration

	// Role restricts polling to tasks of a single role ("" polls all roles).
	Role types.TaskRole
}

// Worker is a single-agent, single-task-at-a-time poller: createTaskWorker's
// concrete shape. One Worker serves exactly one queue name (agent id) and
// never runs two handler invocations concurrently, matching the "per-agent
// id, one task callback at a time" scheduling model.
type Worker struct {
	cfg     Config
	store   storage.Store
	agentID string
	handler Handler
	logger  zerolog.Logger

	mu     sync.Mutex
	stopCh chan struct{}
	doneCh chan struct{}
	busy   bool
}

// NewWorker builds a Worker bound to agentID, polling store for queued tasks
// and invoking handler at most once at a time.
func NewWorker(cfg Config, store storage.Store, agentID string, handler Handler) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	return &Worker{
		cfg:     cfg,
		store:   store,
		agentID: agentID,
		handler: handler,
		logger:  log.WithAgentID(agentID),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Start begins the polling loop in its own goroutine.
func (w *Worker) Start() {
	go w.run()
}

// Stop signals the loop to exit and waits for it to return. The handler runs
// inside the poll cycle, so Stop also waits for a running handler invocation
// to finish (bounded by the caller's own hard timeout).
func (w *Worker) Stop() {
	close(w.stopCh)
	<-w.doneCh
}

// IsBusy reports whether a job is currently being handled, so callers (the
// agent runtime's heartbeat loop) can report accurate status.
func (w *Worker) IsBusy() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.busy
}

func (w *Worker) run() {
	defer close(w.doneCh)
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	w.logger.Info().Msg("queue worker started")

	for {
		select {
		case <-ticker.C:
			w.pollOnce()
		case <-w.stopCh:
			w.logger.Info().Msg("queue worker stopped")
			return
		}
	}
}

// pollOnce claims at most one queued task and runs it to completion. A
// single-task claim keeps "one callback at a time per agent id" true without
// needing an explicit in-memory lock beyond w.busy.
func (w *Worker) pollOnce() {
	w.mu.Lock()
	if w.busy {
		w.mu.Unlock()
		return
	}
	w.busy = true
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		w.busy = false
		w.mu.Unlock()
	}()

	ctx := context.Background()
	tasks, err := w.store.ListQueuedTasks(ctx, w.cfg.Role, 1)
	if err != nil {
		w.logger.Error().Err(err).Msg("listing queued tasks failed")
		return
	}
	if len(tasks) == 0 {
		return
	}

	task := tasks[0]
	job := Job{TaskID: task.ID, AgentID: w.agentID}
	if err := w.handler(ctx, job); err != nil {
		w.logger.Error().Err(err).Str("task_id", task.ID).Msg("job handler returned an error")
	}
}
