package agent

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opentiger/worker-runtime/pkg/lock"
	"github.com/opentiger/worker-runtime/pkg/queue"
	"github.com/opentiger/worker-runtime/pkg/storage"
	"github.com/opentiger/worker-runtime/pkg/types"
)

type fakeStore struct {
	storage.Store

	mu sync.Mutex

	task         *types.Task
	runningRun   *types.Run
	lease        *types.Lease
	createdRuns  []*types.Run
	createdLease []*types.Lease
	agents       []*types.Agent
	deletedLease bool
	pipelineCalled chan struct{}
}

func (f *fakeStore) GetTask(ctx context.Context, id string) (*types.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := *f.task
	return &t, nil
}

func (f *fakeStore) GetRunningRunForTask(ctx context.Context, taskID string) (*types.Run, error) {
	return f.runningRun, nil
}

func (f *fakeStore) CreateRun(ctx context.Context, run *types.Run) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createdRuns = append(f.createdRuns, run)
	return nil
}

func (f *fakeStore) CreateLease(ctx context.Context, lease *types.Lease) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createdLease = append(f.createdLease, lease)
	return nil
}

func (f *fakeStore) GetLease(ctx context.Context, taskID string) (*types.Lease, error) {
	return f.lease, nil
}

func (f *fakeStore) DeleteLease(ctx context.Context, taskID string) error {
	f.deletedLease = true
	return nil
}

func (f *fakeStore) UpdateTask(ctx context.Context, task *types.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.task = task
	return nil
}

func (f *fakeStore) UpsertAgent(ctx context.Context, agent *types.Agent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.agents = append(f.agents, agent)
	return nil
}

func (f *fakeStore) UpdateAgentHeartbeat(ctx context.Context, id string, status types.AgentStatus) error {
	return nil
}

func (f *fakeStore) SetAgentOffline(ctx context.Context, id string) error {
	return nil
}

type fakePipeline struct {
	called chan struct{}
	err    error
}

func (f *fakePipeline) Run(ctx context.Context, task *types.Task, agentID, runID string) error {
	if f.called != nil {
		close(f.called)
	}
	return f.err
}

func TestHandleClaimsQueuedTaskAndRunsPipeline(t *testing.T) {
	store := &fakeStore{task: &types.Task{ID: "t1", Status: types.TaskStatusQueued}}
	called := make(chan struct{})
	pl := &fakePipeline{called: called}
	a := New(Config{ID: "a1", LockDir: t.TempDir(), LogDir: t.TempDir()}, store, pl)

	err := a.handle(context.Background(), queue.Job{TaskID: "t1", AgentID: "a1"})
	require.NoError(t, err)

	select {
	case <-called:
	case <-time.After(time.Second):
		t.Fatal("pipeline.Run was not called")
	}

	require.Len(t, store.createdRuns, 1)
	require.Len(t, store.createdLease, 1)
	assert.Equal(t, types.TaskStatusRunning, store.task.Status)
}

func TestHandleSkipsTaskNotQueued(t *testing.T) {
	store := &fakeStore{task: &types.Task{ID: "t1", Status: types.TaskStatusBlocked}}
	pl := &fakePipeline{}
	a := New(Config{ID: "a1", LockDir: t.TempDir(), LogDir: t.TempDir()}, store, pl)

	err := a.handle(context.Background(), queue.Job{TaskID: "t1", AgentID: "a1"})
	require.NoError(t, err)
	assert.Empty(t, store.createdRuns)
}

func TestHandleSkipsWhenAlreadyRunning(t *testing.T) {
	store := &fakeStore{
		task:       &types.Task{ID: "t1", Status: types.TaskStatusQueued},
		runningRun: &types.Run{ID: "r0", TaskID: "t1", Status: types.RunStatusRunning},
	}
	pl := &fakePipeline{}
	a := New(Config{ID: "a1", LockDir: t.TempDir(), LogDir: t.TempDir()}, store, pl)

	err := a.handle(context.Background(), queue.Job{TaskID: "t1", AgentID: "a1"})
	require.NoError(t, err)
	assert.Empty(t, store.createdRuns)
}

func TestHandleLockContentionFreshLeaseSkipsSilently(t *testing.T) {
	lockDir := t.TempDir()
	// Pre-create the lock file to simulate another live process holding it.
	h, err := lock.Acquire(lockDir, "t1")
	require.NoError(t, err)
	defer h.Release()

	store := &fakeStore{
		task:  &types.Task{ID: "t1", Status: types.TaskStatusRunning},
		lease: &types.Lease{TaskID: "t1", CreatedAt: time.Now()},
	}
	a := New(Config{ID: "a2", LockDir: lockDir, LogDir: t.TempDir()}, store, &fakePipeline{})

	err = a.handle(context.Background(), queue.Job{TaskID: "t1", AgentID: "a2"})
	require.NoError(t, err)
	assert.False(t, store.deletedLease)
	assert.Equal(t, types.TaskStatusRunning, store.task.Status)
}

func TestHandleLockContentionStaleLeaseResetsToQueued(t *testing.T) {
	lockDir := t.TempDir()
	h, err := lock.Acquire(lockDir, "t1")
	require.NoError(t, err)
	defer h.Release()

	store := &fakeStore{
		task:  &types.Task{ID: "t1", Status: types.TaskStatusRunning},
		lease: &types.Lease{TaskID: "t1", CreatedAt: time.Now().Add(-10 * time.Minute)},
	}
	a := New(Config{ID: "a2", LockDir: lockDir, LogDir: t.TempDir()}, store, &fakePipeline{})

	err = a.handle(context.Background(), queue.Job{TaskID: "t1", AgentID: "a2"})
	require.NoError(t, err)
	assert.True(t, store.deletedLease)
	assert.Equal(t, types.TaskStatusQueued, store.task.Status)
}
