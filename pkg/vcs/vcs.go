// Package vcs implements the Worker Runtime's VCS port: the capability
// surface the Repository Preparer (C2) and Task Pipeline (C7) use to
// materialize working trees, branch, snapshot, and open pull requests.
// Git operations shell out to the git binary directly; PR creation goes
// through the GitHub REST API instead of the gh CLI so the caller gets a
// structured {number, url} back.
package vcs

import "context"

// Result is the {success, stdout, stderr} triple every git operation returns.
type Result struct {
	Success bool
	Stdout  string
	Stderr  string
}

// Snapshot is a repository-relative path -> content hash map, taken before
// and after execution so the pipeline can tell whether anything changed
// even in in-place mode where there is no git diff to lean on.
type Snapshot map[string]string

// Diff summarizes the difference between two snapshots.
type Diff struct {
	Added        []string
	Removed      []string
	Changed      []string
	LinesAdded   int
	LinesDeleted int
}

// Empty reports whether the diff touched nothing.
func (d Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Changed) == 0
}

// PRRequest describes a pull request to open for a completed task.
type PRRequest struct {
	Owner string
	Repo  string
	Title string
	Body  string
	Head  string
	Base  string
}

// PRResult is the structured outcome of createTaskPR.
type PRResult struct {
	Number int
	URL    string
}

// VCS is the full capability surface consumed by C2 and C7.
type VCS interface {
	CloneRepo(ctx context.Context, url, dest, baseBranch, token string) Result
	InitRepo(ctx context.Context, dest string) Result
	EnsureInitialCommit(ctx context.Context, dest string) Result
	EnsureBranchExists(ctx context.Context, dest, branch string) Result
	FetchLatest(ctx context.Context, dest string) Result
	FetchRefspecs(ctx context.Context, dest string, refspecs []string) Result
	AddWorktree(ctx context.Context, repoDir, worktreeDir, branch string) Result
	RemoveWorktree(ctx context.Context, repoDir, worktreeDir string) Result
	CreateBranch(ctx context.Context, dest, branch string) Result
	CheckoutBranch(ctx context.Context, dest, branch string) Result
	GetCurrentBranch(ctx context.Context, dest string) (string, error)
	ResetHard(ctx context.Context, dest, ref string) Result
	CleanUntracked(ctx context.Context, dest string) Result
	DiscardChangesForPaths(ctx context.Context, dest string, paths []string) Result
	GetUntrackedFiles(ctx context.Context, dest string) ([]string, error)
	CheckGitIgnored(ctx context.Context, dest, path string) (bool, error)
	TakeSnapshot(dest string) (Snapshot, error)
	DiffSnapshots(before, after Snapshot) Diff
	CommitAndPush(ctx context.Context, dest, branch, message string) Result
	CreateTaskPR(ctx context.Context, req PRRequest) (*PRResult, error)
	EnsureRemoteBaseBranch(ctx context.Context, dest, baseBranch string) Result
}

// GenerateBranchName is pure: same inputs produce the identical branch
// name. agent/<agentId>/<first-8-chars-of-taskId>.
func GenerateBranchName(agentID, taskID string) string {
	short := taskID
	if len(short) > 8 {
		short = short[:8]
	}
	return "agent/" + agentID + "/" + short
}
