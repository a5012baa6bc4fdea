package recovery

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opentiger/worker-runtime/pkg/executor"
	"github.com/opentiger/worker-runtime/pkg/policyjudge"
	"github.com/opentiger/worker-runtime/pkg/types"
	"github.com/opentiger/worker-runtime/pkg/vcs"
	"github.com/opentiger/worker-runtime/pkg/verify"
)

type fakeExecutor struct {
	calls   int
	results []*executor.Result
}

func (f *fakeExecutor) Run(ctx context.Context, req executor.Request) (*executor.Result, error) {
	f.calls++
	if f.calls-1 < len(f.results) {
		return f.results[f.calls-1], nil
	}
	return &executor.Result{Success: true}, nil
}

type fakeVerifier struct {
	calls   int
	results []*verify.Result
}

func (f *fakeVerifier) Verify(ctx context.Context, req verify.Request) (*verify.Result, error) {
	f.calls++
	if f.calls-1 < len(f.results) {
		return f.results[f.calls-1], nil
	}
	return &verify.Result{Success: true}, nil
}

type fakeJudge struct {
	result *policyjudge.Result
}

func (f *fakeJudge) Decide(ctx context.Context, req policyjudge.Request) (*policyjudge.Result, error) {
	return f.result, nil
}

type fakeVCS struct {
	vcs.VCS
	currentBranch   string
	discardedPaths  []string
	untrackedFiles  []string
	gitIgnored      map[string]bool
}

func (f *fakeVCS) GetCurrentBranch(ctx context.Context, dest string) (string, error) {
	return f.currentBranch, nil
}

func (f *fakeVCS) CheckoutBranch(ctx context.Context, dest, branch string) vcs.Result {
	f.currentBranch = branch
	return vcs.Result{Success: true}
}

func (f *fakeVCS) DiscardChangesForPaths(ctx context.Context, dest string, paths []string) vcs.Result {
	f.discardedPaths = append(f.discardedPaths, paths...)
	return vcs.Result{Success: true}
}

func (f *fakeVCS) GetUntrackedFiles(ctx context.Context, dest string) ([]string, error) {
	return f.untrackedFiles, nil
}

func (f *fakeVCS) CheckGitIgnored(ctx context.Context, dest, path string) (bool, error) {
	return f.gitIgnored[path], nil
}

func baseTask() *types.Task {
	return &types.Task{ID: "t1", Goal: "fix it", Role: types.TaskRoleWorker}
}

func TestRecoverNoChangeRecoverySucceedsOnRetry(t *testing.T) {
	exec := &fakeExecutor{}
	ver := &fakeVerifier{results: []*verify.Result{
		{Success: false, FailureCode: types.FailureNoActionableChanges},
		{Success: true},
	}}
	o := New(exec, ver, nil, &fakeVCS{}, nil, Budgets{NoChangeRecoveryAttempts: 3}, Toggles{}, nil, nil, nil)

	outcome, err := o.Recover(context.Background(), Request{Task: baseTask(), RepoPath: t.TempDir()},
		&verify.Result{Success: false, FailureCode: types.FailureNoActionableChanges})

	require.NoError(t, err)
	assert.True(t, outcome.Success)
	// The first retry still sees no changes; the second one succeeds.
	assert.Equal(t, 2, exec.calls)
}

func TestRecoverNoChangeExhaustsThenFallsBackToAllowNoChanges(t *testing.T) {
	exec := &fakeExecutor{}
	ver := &fakeVerifier{results: []*verify.Result{
		{Success: false, FailureCode: types.FailureNoActionableChanges},
		{Success: false, FailureCode: types.FailureNoActionableChanges},
		{Success: true}, // the allowNoChanges fallback call
	}}
	o := New(exec, ver, nil, &fakeVCS{}, nil, Budgets{NoChangeRecoveryAttempts: 2}, Toggles{}, nil, nil, nil)

	outcome, err := o.Recover(context.Background(), Request{
		Task:     baseTask(),
		RepoPath: t.TempDir(),
		Commands: []verify.CommandSpec{{Command: "true", Source: types.CommandSourceExplicit}},
	}, &verify.Result{Success: false, FailureCode: types.FailureNoActionableChanges})

	require.NoError(t, err)
	assert.True(t, outcome.Success)
}

func TestRecoverPolicyViolationAutoAllowWidensAllowedPaths(t *testing.T) {
	ver := &fakeVerifier{results: []*verify.Result{
		{Success: true},
	}}
	var persisted []string
	o := New(&fakeExecutor{}, ver, nil, &fakeVCS{}, nil, Budgets{PolicyRecoveryAttempts: 2}, Toggles{},
		[]AutoAllowRule{{Pattern: "docs/**"}}, nil,
		func(ctx context.Context, taskID string, allowedPaths []string) error {
			persisted = allowedPaths
			return nil
		})

	failed := &verify.Result{
		Success: false,
		PolicyViolations: []types.PolicyViolation{
			{Path: "docs/README.md", Source: types.ViolationOutsideAllowed},
		},
	}
	outcome, err := o.Recover(context.Background(), Request{
		Task:         baseTask(),
		RepoPath:     t.TempDir(),
		AllowedPaths: []string{"src/**"},
	}, failed)

	require.NoError(t, err)
	assert.True(t, outcome.Success)
	assert.Contains(t, persisted, "docs/README.md")
}

func TestRecoverPolicyViolationJudgeAllowDecision(t *testing.T) {
	ver := &fakeVerifier{results: []*verify.Result{
		{Success: true},
	}}
	judge := &fakeJudge{result: &policyjudge.Result{AllowPaths: []string{"docs/README.md"}}}
	o := New(&fakeExecutor{}, ver, judge, &fakeVCS{}, nil, Budgets{PolicyRecoveryAttempts: 2}, Toggles{PolicyRecoveryUseLLM: true}, nil, nil, nil)

	failed := &verify.Result{
		Success: false,
		PolicyViolations: []types.PolicyViolation{
			{Path: "docs/README.md", Source: types.ViolationOutsideAllowed},
		},
	}
	outcome, err := o.Recover(context.Background(), Request{
		Task:         baseTask(),
		RepoPath:     t.TempDir(),
		AllowedPaths: []string{"src/**"},
	}, failed)

	require.NoError(t, err)
	assert.True(t, outcome.Success)
	assert.Contains(t, outcome.AllowedPaths, "docs/README.md")
}

func TestRecoverPolicyViolationJudgeDenyEndsLoop(t *testing.T) {
	ver := &fakeVerifier{}
	judge := &fakeJudge{result: &policyjudge.Result{DenyPaths: []string{"secrets/key.pem"}}}
	o := New(&fakeExecutor{}, ver, judge, &fakeVCS{}, nil, Budgets{PolicyRecoveryAttempts: 2}, Toggles{PolicyRecoveryUseLLM: true}, nil, nil, nil)

	failed := &verify.Result{
		Success: false,
		PolicyViolations: []types.PolicyViolation{
			{Path: "secrets/key.pem", Source: types.ViolationDenied},
		},
	}
	outcome, err := o.Recover(context.Background(), Request{
		Task:     baseTask(),
		RepoPath: t.TempDir(),
	}, failed)

	require.NoError(t, err)
	assert.False(t, outcome.Success)
}

func TestRecoverGeneratedArtifactDiscarded(t *testing.T) {
	ver := &fakeVerifier{results: []*verify.Result{
		{
			Success: false,
			PolicyViolations: []types.PolicyViolation{
				{Path: "packages/db/tsconfig.tsbuildinfo", Source: types.ViolationOutsideAllowed},
			},
		}, // after the judge-disabled wholesale cleanup attempt: still flagged
		{Success: true}, // generated-artifact re-verify
	}}
	fv := &fakeVCS{untrackedFiles: []string{"packages/db/tsconfig.tsbuildinfo"}}
	o := New(&fakeExecutor{}, ver, nil, fv, nil, Budgets{PolicyRecoveryAttempts: 1}, Toggles{}, nil, nil, nil)

	failed := &verify.Result{
		Success: false,
		PolicyViolations: []types.PolicyViolation{
			{Path: "packages/db/tsconfig.tsbuildinfo", Source: types.ViolationOutsideAllowed},
		},
	}
	outcome, err := o.Recover(context.Background(), Request{
		Task:         baseTask(),
		RepoPath:     t.TempDir(),
		AllowedPaths: []string{"packages/db/src/**"},
	}, failed)

	require.NoError(t, err)
	assert.True(t, outcome.Success)
}

func TestSelectGeneratedArtifactRecoveryCandidatesSkipsTrackedFile(t *testing.T) {
	fv := &fakeVCS{}
	o := New(&fakeExecutor{}, &fakeVerifier{}, nil, fv, nil, Budgets{}, Toggles{}, nil, nil, nil)

	candidates, err := o.selectGeneratedArtifactRecoveryCandidates(context.Background(), Request{RepoPath: t.TempDir()}, []string{"dist/manifest.json"})

	require.NoError(t, err)
	assert.Empty(t, candidates, "a tracked file must never be selected for discard just because it looks generated")
}

func TestSelectGeneratedArtifactRecoveryCandidatesIncludesGitIgnoredFile(t *testing.T) {
	fv := &fakeVCS{gitIgnored: map[string]bool{"dist/manifest.json": true}}
	o := New(&fakeExecutor{}, &fakeVerifier{}, nil, fv, nil, Budgets{}, Toggles{}, nil, nil, nil)

	candidates, err := o.selectGeneratedArtifactRecoveryCandidates(context.Background(), Request{RepoPath: t.TempDir()}, []string{"dist/manifest.json"})

	require.NoError(t, err)
	assert.Equal(t, []string{"dist/manifest.json"}, candidates)
}

func TestRecoverVerifyRecoveryGatedBySource(t *testing.T) {
	failed := &verify.Result{
		Success:             false,
		FailureCode:         types.FailureVerificationCommand,
		FailedCommand:       "npm test",
		FailedCommandSource: types.CommandSourceExplicit,
	}
	ver := &fakeVerifier{results: []*verify.Result{
		{Success: true},
	}}
	o := New(&fakeExecutor{}, ver, nil, &fakeVCS{currentBranch: "agent/x/t1"}, nil, Budgets{VerifyRecoveryAttempts: 2}, Toggles{}, nil, nil, nil)

	outcome, err := o.Recover(context.Background(), Request{
		Task:     baseTask(),
		RepoPath: t.TempDir(),
		Branch:   "agent/x/t1",
	}, failed)

	require.NoError(t, err)
	assert.True(t, outcome.Success)
}

func TestRecoverVerifyRecoveryNotAttemptedForUnrecoverableSource(t *testing.T) {
	failed := &verify.Result{
		Success:             false,
		FailureCode:         types.FailureVerificationCommand,
		FailedCommandSource: "unknown-source",
	}
	o := New(&fakeExecutor{}, &fakeVerifier{}, nil, &fakeVCS{}, nil, Budgets{}, Toggles{}, nil, nil, nil)

	outcome, err := o.Recover(context.Background(), Request{Task: baseTask(), RepoPath: t.TempDir()}, failed)

	require.NoError(t, err)
	assert.False(t, outcome.Success)
}

func TestParseConflictAutofixPRNumber(t *testing.T) {
	n, ok := ParseConflictAutofixPRNumber("[AutoFix-Conflict] PR #42")
	require.True(t, ok)
	assert.Equal(t, 42, n)

	_, ok = ParseConflictAutofixPRNumber("regular task title")
	assert.False(t, ok)
}

func TestStripANSIAndSummarizeTruncates(t *testing.T) {
	s := summarize("\x1b[31mred error\x1b[0m"+string(make([]byte, 500)), 10)
	assert.Len(t, s, 10)
	assert.NotContains(t, s, "\x1b")
}
