package verify

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opentiger/worker-runtime/pkg/types"
	"github.com/opentiger/worker-runtime/pkg/vcs"
)

type fakeVCS struct {
	vcs.VCS
	untracked []string
}

func (f *fakeVCS) GetUntrackedFiles(ctx context.Context, dest string) ([]string, error) {
	return f.untracked, nil
}

func TestClassifyPathsOutsideAllowed(t *testing.T) {
	violations := ClassifyPaths([]string{"src/a.ts", "docs/README.md"}, []string{"src/**"}, nil, Toggles{})
	require.Len(t, violations, 1)
	assert.Equal(t, "docs/README.md", violations[0].Path)
	assert.Equal(t, types.ViolationOutsideAllowed, violations[0].Source)
}

func TestClassifyPathsDeniedWins(t *testing.T) {
	violations := ClassifyPaths([]string{"secrets/key.pem"}, []string{"**"}, []string{"secrets/**"}, Toggles{})
	require.Len(t, violations, 1)
	assert.Equal(t, types.ViolationDenied, violations[0].Source)
}

func TestClassifyPathsExemptsLockfiles(t *testing.T) {
	violations := ClassifyPaths([]string{"package-lock.json"}, []string{"src/**"}, nil, Toggles{AllowLockfileOutsidePaths: true})
	assert.Empty(t, violations)
}

func TestVerifySuccessWithAllowedChanges(t *testing.T) {
	engine := New(&fakeVCS{untracked: []string{"src/a.ts"}}, 0)
	result, err := engine.Verify(context.Background(), Request{
		RepoPath:     t.TempDir(),
		AllowedPaths: []string{"src/**"},
		Commands:     nil,
	})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Empty(t, result.PolicyViolations)
}

func TestVerifyFlagsPolicyViolation(t *testing.T) {
	engine := New(&fakeVCS{untracked: []string{"src/a.ts", "docs/x.md"}}, 0)
	result, err := engine.Verify(context.Background(), Request{
		RepoPath:     t.TempDir(),
		AllowedPaths: []string{"src/**"},
	})
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, types.FailurePolicyViolation, result.FailureCode)
	require.Len(t, result.PolicyViolations, 1)
}

func TestVerifyNoChangesWithoutAllowNoChangesFails(t *testing.T) {
	engine := New(&fakeVCS{}, 0)
	result, err := engine.Verify(context.Background(), Request{RepoPath: t.TempDir()})
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, types.FailureNoActionableChanges, result.FailureCode)
}

func TestVerifyNoChangesWithAllowNoChangesRequiresMeaningfulPass(t *testing.T) {
	engine := New(&fakeVCS{}, 0)
	result, err := engine.Verify(context.Background(), Request{
		RepoPath: t.TempDir(),
		Toggles:  Toggles{AllowNoChanges: true},
		Commands: []CommandSpec{{Command: "true", Source: types.CommandSourceExplicit}},
	})
	require.NoError(t, err)
	assert.True(t, result.Success)
}

func TestVerifyCommandFailureSetsFailedCommandFields(t *testing.T) {
	engine := New(&fakeVCS{untracked: []string{"src/a.ts"}}, 0)
	result, err := engine.Verify(context.Background(), Request{
		RepoPath:     t.TempDir(),
		AllowedPaths: []string{"src/**"},
		Commands:     []CommandSpec{{Command: "false", Source: types.CommandSourceExplicit}},
	})
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, "false", result.FailedCommand)
	assert.Equal(t, types.CommandSourceExplicit, result.FailedCommandSource)
	assert.Equal(t, types.FailureVerificationCommand, result.FailureCode)
}

func TestVerifyInlineRecoveryHandlerRetriesFailedCommand(t *testing.T) {
	calls := 0
	engine := New(&fakeVCS{untracked: []string{"src/a.ts"}}, 0)
	result, err := engine.Verify(context.Background(), Request{
		RepoPath:     t.TempDir(),
		AllowedPaths: []string{"src/**"},
		Commands:     []CommandSpec{{Command: "false", Source: types.CommandSourceExplicit}},
		InlineRecoveryHandler: func(ctx context.Context, call InlineRecoveryCall) error {
			calls++
			return nil
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	// The retried command is still "false" so it still fails; the handler
	// only gets one inline shot before giving up.
	assert.False(t, result.Success)
}
