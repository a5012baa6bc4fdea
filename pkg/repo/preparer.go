// Package repo implements the Repository Preparer (C2): it materializes a
// working directory for a task in one of three modes (clone, worktree,
// in-place) and establishes the branch the executor will work on. Git
// plumbing is delegated to pkg/vcs; this package owns the mode-selection
// and directory-layout policy on top of it.
package repo

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/opentiger/worker-runtime/pkg/log"
	"github.com/opentiger/worker-runtime/pkg/types"
	"github.com/opentiger/worker-runtime/pkg/vcs"
)

// Mode selects how the Preparer materializes a working directory.
type Mode string

const (
	ModeClone    Mode = "clone"
	ModeWorktree Mode = "worktree"
	ModeInPlace  Mode = "in_place"
)

// Config is the static, process-wide configuration for the Preparer.
type Config struct {
	Mode Mode

	// Clone mode
	WorkspaceRoot string
	RepoURL       string
	GitToken      string

	// Worktree mode
	BaseRepoPath string
	WorktreeRoot string
	BaseBranch   string

	// In-place mode
	InPlaceRepoPath string
}

// Result describes the materialized working directory and the branch the
// pipeline should operate on.
type Result struct {
	Path       string
	Branch     string
	WorktreeID string // non-empty only in worktree mode; recorded as an artifact
	IsNewClone bool
}

// Preparer materializes working directories per Config.Mode.
type Preparer struct {
	cfg Config
	vcs vcs.VCS
}

// New builds a Preparer over cfg and vcs.
func New(cfg Config, v vcs.VCS) *Preparer {
	return &Preparer{cfg: cfg, vcs: v}
}

// Prepare materializes the working directory for task, owned by agentID, and
// either creates a fresh branch or checks out an existing PR headRef.
// A failed branch/checkout step is retried once after a short backoff, on
// any error; pkg/vcs.GitExecutor.CloneRepo applies its own single retry to
// the clone itself, but only for transient errors.
func (p *Preparer) Prepare(ctx context.Context, task *types.Task, agentID string) (*Result, error) {
	logger := log.WithTaskID(task.ID)

	var (
		result *Result
		err    error
	)
	switch p.cfg.Mode {
	case ModeClone:
		result, err = p.prepareClone(ctx, task, agentID)
	case ModeWorktree:
		result, err = p.prepareWorktree(ctx, task, agentID)
	case ModeInPlace:
		result, err = p.prepareInPlace(ctx, task)
	default:
		return nil, fmt.Errorf("repo: unknown mode %q", p.cfg.Mode)
	}
	if err != nil {
		return nil, err
	}

	branchErr := p.establishBranch(ctx, result, task, agentID)
	if branchErr != nil {
		branchErr = withRetry(func() error { return p.establishBranch(ctx, result, task, agentID) })
	}
	if branchErr != nil {
		return nil, branchErr
	}

	logger.Info().Str("mode", string(p.cfg.Mode)).Str("branch", result.Branch).Msg("repository prepared")
	return result, nil
}

func (p *Preparer) prepareClone(ctx context.Context, task *types.Task, agentID string) (*Result, error) {
	dest := filepath.Join(p.cfg.WorkspaceRoot, task.ID)
	if err := removeWithRetry(dest, 3); err != nil {
		return nil, fmt.Errorf("repo: clear clone destination: %w", err)
	}

	baseBranch := p.cfg.BaseBranch
	if task.Context.PR != nil && task.Context.PR.BaseRef != "" {
		baseBranch = task.Context.PR.BaseRef
	}

	clone := p.vcs.CloneRepo(ctx, p.cfg.RepoURL, dest, baseBranch, p.cfg.GitToken)
	if !clone.Success {
		return nil, fmt.Errorf("repo: clone repo: %s", clone.Stderr)
	}

	if task.Context.PR != nil && task.Context.PR.HeadRef != "" {
		refspec := fmt.Sprintf("%s:%s", task.Context.PR.HeadRef, task.Context.PR.HeadRef)
		if fetch := p.vcs.FetchRefspecs(ctx, dest, []string{refspec}); !fetch.Success {
			return nil, fmt.Errorf("repo: fetch pr refspec: %s", fetch.Stderr)
		}
	}

	return &Result{Path: dest, IsNewClone: true}, nil
}

func (p *Preparer) prepareWorktree(ctx context.Context, task *types.Task, agentID string) (*Result, error) {
	if err := p.ensureBaseRepo(ctx); err != nil {
		return nil, err
	}

	worktreeDir := filepath.Join(p.cfg.WorktreeRoot, agentID, task.ID)
	branch := vcs.GenerateBranchName(agentID, task.ID)

	if result := p.vcs.AddWorktree(ctx, p.cfg.BaseRepoPath, worktreeDir, branch); !result.Success {
		return nil, fmt.Errorf("repo: add worktree: %s", result.Stderr)
	}

	if err := copyDotEnv(p.cfg.BaseRepoPath, worktreeDir); err != nil {
		log.WithTaskID(task.ID).Warn().Err(err).Msg("copy .env into worktree failed")
	}

	return &Result{Path: worktreeDir, Branch: branch, WorktreeID: worktreeDir}, nil
}

func (p *Preparer) ensureBaseRepo(ctx context.Context) error {
	if _, err := os.Stat(filepath.Join(p.cfg.BaseRepoPath, ".git")); err == nil {
		return resultErr(p.vcs.EnsureBranchExists(ctx, p.cfg.BaseRepoPath, p.cfg.BaseBranch))
	}

	if result := p.vcs.InitRepo(ctx, p.cfg.BaseRepoPath); !result.Success {
		return fmt.Errorf("repo: init base repo: %s", result.Stderr)
	}
	if result := p.vcs.EnsureInitialCommit(ctx, p.cfg.BaseRepoPath); !result.Success {
		return fmt.Errorf("repo: ensure initial commit: %s", result.Stderr)
	}
	return resultErr(p.vcs.EnsureBranchExists(ctx, p.cfg.BaseRepoPath, p.cfg.BaseBranch))
}

func (p *Preparer) prepareInPlace(ctx context.Context, task *types.Task) (*Result, error) {
	if _, err := os.Stat(p.cfg.InPlaceRepoPath); err != nil {
		return nil, fmt.Errorf("repo: in-place repo path: %w", err)
	}
	return &Result{Path: p.cfg.InPlaceRepoPath}, nil
}

// establishBranch creates a fresh branch or checks out an existing PR
// headRef, unless mode is in-place, which never branches.
func (p *Preparer) establishBranch(ctx context.Context, result *Result, task *types.Task, agentID string) error {
	if p.cfg.Mode == ModeInPlace {
		return nil
	}
	if result.Branch != "" {
		// Worktree mode already created its branch via AddWorktree.
		return nil
	}

	if task.Context.PR != nil && task.Context.PR.HeadRef != "" {
		if r := p.vcs.CheckoutBranch(ctx, result.Path, task.Context.PR.HeadRef); !r.Success {
			return fmt.Errorf("repo: checkout pr head %s: %s", task.Context.PR.HeadRef, r.Stderr)
		}
		result.Branch = task.Context.PR.HeadRef
		return nil
	}

	branch := vcs.GenerateBranchName(agentID, task.ID)
	if r := p.vcs.CreateBranch(ctx, result.Path, branch); !r.Success {
		return fmt.Errorf("repo: create branch %s: %s", branch, r.Stderr)
	}
	result.Branch = branch
	return nil
}

func withRetry(fn func() error) error {
	if err := fn(); err != nil {
		time.Sleep(500 * time.Millisecond)
		return fn()
	}
	return nil
}

func removeWithRetry(path string, attempts int) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		if lastErr = os.RemoveAll(path); lastErr == nil {
			return nil
		}
		time.Sleep(200 * time.Millisecond)
	}
	return lastErr
}

func copyDotEnv(srcRepo, dstWorktree string) error {
	src := filepath.Join(srcRepo, ".env")
	data, err := os.ReadFile(src)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return os.WriteFile(filepath.Join(dstWorktree, ".env"), data, 0o600)
}

// resultErr adapts a vcs.Result into an error for call sites that only care
// about success/failure.
func resultErr(r vcs.Result) error {
	if r.Success {
		return nil
	}
	return fmt.Errorf("%s", r.Stderr)
}
