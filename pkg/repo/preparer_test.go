package repo

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opentiger/worker-runtime/pkg/types"
	"github.com/opentiger/worker-runtime/pkg/vcs"
)

type fakeVCS struct {
	vcs.VCS
	currentBranch string
	calls         []string
}

func (f *fakeVCS) CloneRepo(ctx context.Context, url, dest, baseBranch, token string) vcs.Result {
	f.calls = append(f.calls, "clone")
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return vcs.Result{Success: false, Stderr: err.Error()}
	}
	return vcs.Result{Success: true}
}

func (f *fakeVCS) FetchRefspecs(ctx context.Context, dest string, refspecs []string) vcs.Result {
	f.calls = append(f.calls, "fetch-refspecs")
	return vcs.Result{Success: true}
}

func (f *fakeVCS) CreateBranch(ctx context.Context, dest, branch string) vcs.Result {
	f.calls = append(f.calls, "create-branch:"+branch)
	f.currentBranch = branch
	return vcs.Result{Success: true}
}

func (f *fakeVCS) CheckoutBranch(ctx context.Context, dest, branch string) vcs.Result {
	f.calls = append(f.calls, "checkout:"+branch)
	f.currentBranch = branch
	return vcs.Result{Success: true}
}

func TestPrepareCloneModeCreatesFreshBranch(t *testing.T) {
	root := t.TempDir()
	fake := &fakeVCS{}
	p := New(Config{Mode: ModeClone, WorkspaceRoot: root, RepoURL: "https://example.com/r.git", BaseBranch: "main"}, fake)

	task := &types.Task{ID: "task-abcdefgh1234"}
	result, err := p.Prepare(context.Background(), task, "agent-1")
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(root, task.ID), result.Path)
	assert.Equal(t, "agent/agent-1/task-abc", result.Branch)
	assert.Contains(t, fake.calls, "clone")
}

func TestPrepareCloneModeChecksOutPRHead(t *testing.T) {
	root := t.TempDir()
	fake := &fakeVCS{}
	p := New(Config{Mode: ModeClone, WorkspaceRoot: root, RepoURL: "https://example.com/r.git", BaseBranch: "main"}, fake)

	task := &types.Task{
		ID:      "task-2",
		Context: types.TaskContext{PR: &types.PRRef{Number: 42, HeadRef: "pr-42-head", BaseRef: "main"}},
	}
	result, err := p.Prepare(context.Background(), task, "agent-1")
	require.NoError(t, err)

	assert.Equal(t, "pr-42-head", result.Branch)
	assert.Contains(t, fake.calls, "checkout:pr-42-head")
	assert.Contains(t, fake.calls, "fetch-refspecs")
}

func TestPrepareInPlaceModeDoesNotBranch(t *testing.T) {
	dir := t.TempDir()
	fake := &fakeVCS{}
	p := New(Config{Mode: ModeInPlace, InPlaceRepoPath: dir}, fake)

	result, err := p.Prepare(context.Background(), &types.Task{ID: "task-3"}, "agent-1")
	require.NoError(t, err)

	assert.Equal(t, dir, result.Path)
	assert.Empty(t, result.Branch)
	assert.Empty(t, fake.calls)
}

func TestPrepareInPlaceModeMissingPathErrors(t *testing.T) {
	fake := &fakeVCS{}
	p := New(Config{Mode: ModeInPlace, InPlaceRepoPath: filepath.Join(t.TempDir(), "missing")}, fake)

	_, err := p.Prepare(context.Background(), &types.Task{ID: "task-4"}, "agent-1")
	assert.Error(t, err)
}
