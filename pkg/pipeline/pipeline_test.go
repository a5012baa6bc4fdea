package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opentiger/worker-runtime/pkg/executor"
	"github.com/opentiger/worker-runtime/pkg/recovery"
	"github.com/opentiger/worker-runtime/pkg/repo"
	"github.com/opentiger/worker-runtime/pkg/storage"
	"github.com/opentiger/worker-runtime/pkg/types"
	"github.com/opentiger/worker-runtime/pkg/vcs"
	"github.com/opentiger/worker-runtime/pkg/verify"
)

type fakePreparer struct {
	result *repo.Result
	err    error
}

func (f *fakePreparer) Prepare(ctx context.Context, task *types.Task, agentID string) (*repo.Result, error) {
	return f.result, f.err
}

type fakeExecutor struct {
	result *executor.Result
	err    error
}

func (f *fakeExecutor) Run(ctx context.Context, req executor.Request) (*executor.Result, error) {
	return f.result, f.err
}

type fakeVerifier struct {
	result *verify.Result
	err    error
}

func (f *fakeVerifier) Verify(ctx context.Context, req verify.Request) (*verify.Result, error) {
	return f.result, f.err
}

type fakeRecoverer struct {
	outcome *recovery.Outcome
	err     error
}

func (f *fakeRecoverer) Recover(ctx context.Context, req recovery.Request, initial *verify.Result) (*recovery.Outcome, error) {
	return f.outcome, f.err
}

type fakeVCS struct {
	vcs.VCS
}

func (f *fakeVCS) TakeSnapshot(dest string) (vcs.Snapshot, error) {
	return vcs.Snapshot{}, nil
}

func (f *fakeVCS) CommitAndPush(ctx context.Context, dest, branch, message string) vcs.Result {
	return vcs.Result{Success: true}
}

func (f *fakeVCS) CheckGitIgnored(ctx context.Context, dest, path string) (bool, error) {
	return false, nil
}

func (f *fakeVCS) EnsureRemoteBaseBranch(ctx context.Context, dest, baseBranch string) vcs.Result {
	return vcs.Result{Success: true}
}

func (f *fakeVCS) CreateTaskPR(ctx context.Context, req vcs.PRRequest) (*vcs.PRResult, error) {
	return &vcs.PRResult{Number: 7, URL: "https://example.test/pr/7"}, nil
}

type fakeStore struct {
	storage.Store
	finalized   *storage.FinalizeInput
	updatedTask *types.Task
}

func (f *fakeStore) ListRecentNonSuccessRuns(ctx context.Context, taskID string, limit int) ([]*types.Run, error) {
	return nil, nil
}

func (f *fakeStore) CreateArtifact(ctx context.Context, artifact *types.Artifact) error {
	return nil
}

func (f *fakeStore) UpdateTask(ctx context.Context, task *types.Task) error {
	f.updatedTask = task
	return nil
}

func (f *fakeStore) FinalizeTaskState(ctx context.Context, input storage.FinalizeInput) error {
	f.finalized = &input
	return nil
}

func baseTask() *types.Task {
	return &types.Task{ID: "t1", Title: "fix bug", Goal: "fix it", AllowedPaths: []string{"src/**"}}
}

func TestRunSuccessNoChangesGoesDone(t *testing.T) {
	store := &fakeStore{}
	p := New(Config{Mode: repo.ModeClone},
		&fakePreparer{result: &repo.Result{Path: "/repo", Branch: "agent/a1/t1"}},
		&fakeExecutor{result: &executor.Result{Success: true}},
		&fakeVerifier{result: &verify.Result{Success: true}},
		&fakeRecoverer{}, &fakeVCS{}, store, nil)

	err := p.Run(context.Background(), baseTask(), "a1", "r1")
	require.NoError(t, err)
	require.NotNil(t, store.finalized)
	assert.Equal(t, types.TaskStatusDone, store.finalized.TaskStatus)
	assert.Equal(t, types.RunStatusSuccess, store.finalized.RunStatus)
}

func TestRunSuccessWithDiffCloneModeAwaitsJudge(t *testing.T) {
	store := &fakeStore{}
	p := New(Config{Mode: repo.ModeClone, PROwner: "acme", PRRepo: "widgets", PRBaseBranch: "main"},
		&fakePreparer{result: &repo.Result{Path: "/repo", Branch: "agent/a1/t1"}},
		&fakeExecutor{result: &executor.Result{Success: true}},
		&fakeVerifier{result: &verify.Result{Success: true, ChangedFiles: []string{"src/a.ts"}}},
		&fakeRecoverer{}, &fakeVCS{}, store, nil)

	err := p.Run(context.Background(), baseTask(), "a1", "r1")
	require.NoError(t, err)
	require.NotNil(t, store.finalized)
	assert.Equal(t, types.TaskStatusBlocked, store.finalized.TaskStatus)
	assert.Equal(t, types.BlockReasonAwaitingJudge, store.finalized.BlockReason)
}

func TestRunQuotaFailureParksTask(t *testing.T) {
	store := &fakeStore{}
	p := New(Config{Mode: repo.ModeClone},
		&fakePreparer{result: &repo.Result{Path: "/repo", Branch: "agent/a1/t1"}},
		&fakeExecutor{result: &executor.Result{Success: false, Stderr: "Resource exhausted quota exceeded"}},
		&fakeVerifier{result: &verify.Result{Success: true}},
		&fakeRecoverer{}, &fakeVCS{}, store, nil)

	err := p.Run(context.Background(), baseTask(), "a1", "r1")
	require.NoError(t, err)
	require.NotNil(t, store.finalized)
	assert.Equal(t, types.TaskStatusBlocked, store.finalized.TaskStatus)
	assert.Equal(t, types.BlockReasonQuotaWait, store.finalized.BlockReason)
	assert.Equal(t, types.FailureQuota, store.finalized.ErrorMeta.FailureCode)
}

func TestRunVerificationFailureGoesNeedsReworkWithMarker(t *testing.T) {
	store := &fakeStore{}
	p := New(Config{Mode: repo.ModeClone},
		&fakePreparer{result: &repo.Result{Path: "/repo", Branch: "agent/a1/t1"}},
		&fakeExecutor{result: &executor.Result{Success: true}},
		&fakeVerifier{result: &verify.Result{
			Success: false, FailureCode: types.FailureVerificationCommand,
			FailedCommand: "npm test", FailedCommandStderr: "assertion failed",
		}},
		&fakeRecoverer{outcome: &recovery.Outcome{
			Success: false,
			Result: &verify.Result{
				Success: false, FailureCode: types.FailureVerificationCommand,
				FailedCommand: "npm test", FailedCommandStderr: "assertion failed",
			},
			AllowedPaths: []string{"src/**"},
		}},
		&fakeVCS{}, store, nil)

	task := baseTask()
	err := p.Run(context.Background(), task, "a1", "r1")
	require.NoError(t, err)
	require.NotNil(t, store.finalized)
	assert.Equal(t, types.TaskStatusBlocked, store.finalized.TaskStatus)
	assert.Equal(t, types.BlockReasonNeedsRework, store.finalized.BlockReason)
	require.NotNil(t, store.updatedTask)
	assert.Contains(t, store.updatedTask.Context.Notes, reworkMarkerPrefix)
}

func TestRunConflictAutofixNoDiffReturnsToJudgeQueue(t *testing.T) {
	store := &fakeStore{}
	p := New(Config{Mode: repo.ModeClone},
		&fakePreparer{result: &repo.Result{Path: "/repo", Branch: "agent/a1/t1"}},
		&fakeExecutor{result: &executor.Result{Success: true}},
		&fakeVerifier{result: &verify.Result{Success: true}},
		&fakeRecoverer{}, &fakeVCS{}, store, nil)

	task := baseTask()
	task.Title = "[AutoFix-Conflict] PR #42"
	task.Context.PR = &types.PRRef{Number: 42}

	err := p.Run(context.Background(), task, "a1", "r1")
	require.NoError(t, err)
	require.NotNil(t, store.finalized)
	assert.Equal(t, types.TaskStatusBlocked, store.finalized.TaskStatus)
	assert.Equal(t, types.BlockReasonAwaitingJudge, store.finalized.BlockReason)
}

func TestIsQuotaFailureMatchesKnownPatterns(t *testing.T) {
	assert.True(t, isQuotaFailure("Error: rate limit exceeded, try later"))
	assert.False(t, isQuotaFailure("generic failure"))
}
