// Package pipeline implements the Task Pipeline (C7): the seven-step state
// machine that takes a leased task from checkout through PR creation,
// delegating to the Repository Preparer (C2), Executor Driver (C3),
// Verification Engine (C4), and Recovery Orchestrator (C5) in turn, and
// closing out through the Finalizer (C8): a single ordered lifecycle
// function with every terminal state reported back through one finalize
// call.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/opentiger/worker-runtime/pkg/config"
	"github.com/opentiger/worker-runtime/pkg/events"
	"github.com/opentiger/worker-runtime/pkg/executor"
	"github.com/opentiger/worker-runtime/pkg/log"
	"github.com/opentiger/worker-runtime/pkg/recovery"
	"github.com/opentiger/worker-runtime/pkg/repo"
	"github.com/opentiger/worker-runtime/pkg/storage"
	"github.com/opentiger/worker-runtime/pkg/types"
	"github.com/opentiger/worker-runtime/pkg/vcs"
	"github.com/opentiger/worker-runtime/pkg/verify"
	"github.com/rs/zerolog"
)

// reworkMarkerPrefix is the idempotent context-notes marker appended when a
// task is parked needing rework (§4.7).
const reworkMarkerPrefix = "[verify-rework-json]"

// conflictAutofixTitlePrefix identifies a task produced to resolve a PR
// merge conflict (§4.7's terminal-transition special case).
const conflictAutofixTitlePrefix = "[AutoFix-Conflict] PR #"

var quotaPatterns = []string{
	"resource exhausted",
	"quota exceeded",
	"rate limit",
	"rate_limit",
	"429 too many requests",
}

// Config is the pipeline's static wiring: which repo mode it materializes
// working trees in and what PR metadata to use when creating pull requests.
type Config struct {
	Mode        repo.Mode
	PROwner     string
	PRRepo      string
	PRBaseBranch string

	// RuntimeConfig supplies ClampTimeboxSeconds, used to translate a task's
	// declared TimeboxMinutes into the executor's per-request timeout.
	RuntimeConfig *config.Config
}

// Preparer is the subset of *repo.Preparer the pipeline drives.
type Preparer interface {
	Prepare(ctx context.Context, task *types.Task, agentID string) (*repo.Result, error)
}

// Recoverer is the subset of *recovery.Orchestrator the pipeline drives.
type Recoverer interface {
	Recover(ctx context.Context, req recovery.Request, initial *verify.Result) (*recovery.Outcome, error)
}

// Pipeline is the Task Pipeline (C7).
type Pipeline struct {
	cfg       Config
	preparer  Preparer
	executor  recovery.Executor
	verifier  recovery.Verifier
	recovery  Recoverer
	vcsClient vcs.VCS
	store     storage.Store
	broker    *events.Broker
}

// New builds a Pipeline.
func New(cfg Config, preparer Preparer, exec recovery.Executor, ver recovery.Verifier, recov Recoverer, v vcs.VCS, store storage.Store, broker *events.Broker) *Pipeline {
	return &Pipeline{cfg: cfg, preparer: preparer, executor: exec, verifier: ver, recovery: recov, vcsClient: v, store: store, broker: broker}
}

// Run executes one full pipeline pass for task, owned by agentID through
// runID, and finalizes terminal state through the Store. It never returns an
// error for task-level failures — those are captured in the finalize call —
// only for infrastructure failures the caller cannot recover from (e.g. the
// finalize transaction itself failing).
func (p *Pipeline) Run(ctx context.Context, task *types.Task, agentID, runID string) error {
	logger := log.WithTaskID(task.ID).With().Str("run_id", runID).Logger()

	// Step 1: Checkout.
	prepared, err := p.preparer.Prepare(ctx, task, agentID)
	if err != nil {
		return p.finalizeFailure(ctx, task, agentID, runID, types.FailureExecutionFailed, err.Error(), nil)
	}

	// Step 2: Branch — record artifacts.
	if err := p.recordBranchArtifacts(ctx, runID, prepared); err != nil {
		logger.Warn().Err(err).Msg("recording branch artifacts failed, continuing")
	}

	beforeSnapshot, _ := p.vcsClient.TakeSnapshot(prepared.Path)

	// Step 3: Execute.
	retryHints, err := p.gatherRetryHints(ctx, task.ID)
	if err != nil {
		logger.Warn().Err(err).Msg("gathering retry hints failed, continuing without them")
	}

	timeoutSeconds := 0
	if p.cfg.RuntimeConfig != nil {
		timeoutSeconds = p.cfg.RuntimeConfig.ClampTimeboxSeconds(task.TimeboxMinutes)
	}

	execResult, err := p.executor.Run(ctx, executor.Request{
		Workdir:        prepared.Path,
		Task:           task,
		RetryHints:     retryHints,
		TimeoutSeconds: timeoutSeconds,
	})
	if err != nil {
		return p.finalizeFailure(ctx, task, agentID, runID, types.FailureExecutionFailed, err.Error(), nil)
	}
	if !execResult.Success && isQuotaFailure(execResult.Stderr) {
		return p.finalizeBlocked(ctx, task, agentID, runID, types.BlockReasonQuotaWait, types.FailureQuota, execResult.Stderr, nil)
	}

	// Step 4: Validate expected files (non-fatal).
	p.validateExpectedFiles(ctx, task, prepared.Path, logger)

	// Step 5: Verify, then recovery cascade.
	verifyReq := verify.Request{
		RepoPath:       prepared.Path,
		AllowedPaths:   task.AllowedPaths,
		DeniedPaths:    task.DeniedPaths,
		BaseBranch:     p.cfg.PRBaseBranch,
		HeadBranch:     prepared.Branch,
		BeforeSnapshot: beforeSnapshot,
	}
	for _, cmd := range task.Commands {
		verifyReq.Commands = append(verifyReq.Commands, verify.CommandSpec{Command: cmd, Source: types.CommandSourceExplicit})
	}

	result, err := p.verifier.Verify(ctx, verifyReq)
	if err != nil {
		return p.finalizeFailure(ctx, task, agentID, runID, types.FailureExecutionFailed, err.Error(), nil)
	}

	allowedPaths := task.AllowedPaths
	if !result.Success && p.recovery != nil {
		outcome, rerr := p.recovery.Recover(ctx, recovery.Request{
			Task:           task,
			RepoPath:       prepared.Path,
			Branch:         prepared.Branch,
			AllowedPaths:   task.AllowedPaths,
			DeniedPaths:    task.DeniedPaths,
			Commands:       verifyReq.Commands,
			RetryHints:     retryHints,
			BeforeSnapshot: beforeSnapshot,
		}, result)
		if rerr != nil {
			return p.finalizeFailure(ctx, task, agentID, runID, types.FailureExecutionFailed, rerr.Error(), nil)
		}
		result = outcome.Result
		allowedPaths = outcome.AllowedPaths
		if !sameStrings(allowedPaths, task.AllowedPaths) {
			task.AllowedPaths = allowedPaths
			_ = p.store.UpdateTask(ctx, task)
		}
	}

	if !result.Success {
		return p.terminalFailure(ctx, task, agentID, runID, result)
	}

	// Step 6: Commit & push (clone/worktree modes only).
	if p.cfg.Mode != repo.ModeInPlace && len(result.ChangedFiles) > 0 {
		message := commitMessage(task, result.ChangedFiles)
		if r := p.vcsClient.CommitAndPush(ctx, prepared.Path, prepared.Branch, message); !r.Success {
			return p.finalizeFailure(ctx, task, agentID, runID, types.FailureExecutionFailed, r.Stderr, nil)
		}
		_ = p.store.CreateArtifact(ctx, &types.Artifact{RunID: runID, Type: types.ArtifactCommit, Ref: prepared.Branch, CreatedAt: time.Now()})
	}

	// Step 7: PR create (clone mode only).
	var prNumber int
	if p.cfg.Mode == repo.ModeClone && len(result.ChangedFiles) > 0 {
		prNumber, err = p.createPR(ctx, task, runID, prepared)
		if err != nil {
			logger.Warn().Err(err).Msg("pr creation failed, task still completes")
		}
	}

	return p.terminalSuccess(ctx, task, agentID, runID, prepared, result, prNumber)
}

func (p *Pipeline) recordBranchArtifacts(ctx context.Context, runID string, prepared *repo.Result) error {
	if err := p.store.CreateArtifact(ctx, &types.Artifact{RunID: runID, Type: types.ArtifactBranch, Ref: prepared.Branch, CreatedAt: time.Now()}); err != nil {
		return err
	}
	if prepared.WorktreeID != "" {
		if err := p.store.CreateArtifact(ctx, &types.Artifact{RunID: runID, Type: types.ArtifactWorktree, Ref: prepared.WorktreeID, CreatedAt: time.Now()}); err != nil {
			return err
		}
	}
	return nil
}

// gatherRetryHints queries the three most recent non-success runs for this
// task and turns their error messages into executor retry hints (§4.7 step
// 3, and §4.5's "carries up to three most-recent failure hints").
func (p *Pipeline) gatherRetryHints(ctx context.Context, taskID string) ([]string, error) {
	runs, err := p.store.ListRecentNonSuccessRuns(ctx, taskID, 3)
	if err != nil {
		return nil, err
	}
	hints := make([]string, 0, len(runs))
	for _, r := range runs {
		if r.ErrorMessage != "" {
			hints = append(hints, r.ErrorMessage)
		}
	}
	return hints, nil
}

// validateExpectedFiles warns (non-fatally) if declared context files are
// missing after execution (§4.7 step 4).
func (p *Pipeline) validateExpectedFiles(ctx context.Context, task *types.Task, repoPath string, logger zerolog.Logger) {
	for _, f := range task.Context.Files {
		if _, err := os.Stat(filepath.Join(repoPath, f)); os.IsNotExist(err) {
			logger.Warn().Str("expected_file", f).Msg("declared context file missing after execution")
		}
	}
}

func (p *Pipeline) createPR(ctx context.Context, task *types.Task, runID string, prepared *repo.Result) (int, error) {
	if r := p.vcsClient.EnsureRemoteBaseBranch(ctx, prepared.Path, p.cfg.PRBaseBranch); !r.Success {
		return 0, fmt.Errorf("pipeline: ensure remote base branch: %s", r.Stderr)
	}

	result, err := p.vcsClient.CreateTaskPR(ctx, vcs.PRRequest{
		Owner: p.cfg.PROwner,
		Repo:  p.cfg.PRRepo,
		Title: task.Title,
		Body:  task.Goal,
		Head:  prepared.Branch,
		Base:  p.cfg.PRBaseBranch,
	})
	if err != nil {
		return 0, err
	}

	_ = p.store.CreateArtifact(ctx, &types.Artifact{
		RunID: runID, Type: types.ArtifactPR, Ref: fmt.Sprintf("%d", result.Number), URL: result.URL, CreatedAt: time.Now(),
	})
	return result.Number, nil
}

// terminalSuccess applies §4.7's success terminal-transition table.
func (p *Pipeline) terminalSuccess(ctx context.Context, task *types.Task, agentID, runID string, prepared *repo.Result, result *verify.Result, prNumber int) error {
	if prNumber, ok := recovery.ParseConflictAutofixPRNumber(task.Title); ok && len(result.ChangedFiles) == 0 {
		_ = p.store.CreateArtifact(ctx, &types.Artifact{
			RunID: runID, Type: types.ArtifactPR, Ref: fmt.Sprintf("%d", prNumber),
			Metadata: map[string]any{"reused": true}, CreatedAt: time.Now(),
		})
		return p.finalizeBlocked(ctx, task, agentID, runID, types.BlockReasonAwaitingJudge, types.FailureNone, "", nil)
	}

	if len(result.ChangedFiles) == 0 {
		return p.finalize(ctx, task, agentID, runID, types.RunStatusSuccess, types.TaskStatusDone, types.BlockReasonNone, types.FailureNone, "", nil)
	}

	switch p.cfg.Mode {
	case repo.ModeClone:
		return p.finalizeBlocked(ctx, task, agentID, runID, types.BlockReasonAwaitingJudge, types.FailureNone, "", nil)
	case repo.ModeWorktree:
		return p.finalizeBlocked(ctx, task, agentID, runID, types.BlockReasonAwaitingJudge, types.FailureNone, "", nil)
	default: // in-place: direct edit, no review queue
		_ = p.store.CreateArtifact(ctx, &types.Artifact{RunID: runID, Type: types.ArtifactDirectEdit, CreatedAt: time.Now()})
		return p.finalize(ctx, task, agentID, runID, types.RunStatusSuccess, types.TaskStatusDone, types.BlockReasonNone, types.FailureNone, "", nil)
	}
}

// terminalFailure applies §4.7's failure terminal-transition table.
func (p *Pipeline) terminalFailure(ctx context.Context, task *types.Task, agentID, runID string, result *verify.Result) error {
	if isQuotaFailure(result.FailedCommandStderr) {
		return p.finalizeBlocked(ctx, task, agentID, runID, types.BlockReasonQuotaWait, types.FailureQuota, result.FailedCommandStderr, nil)
	}

	switch result.FailureCode {
	case types.FailureVerificationCommand, types.FailurePolicyViolation:
		meta := &types.ErrorMeta{
			Source: "verify", FailureCode: result.FailureCode,
			FailedCommand: result.FailedCommand, FailedCommandSource: result.FailedCommandSource,
			FailedCommandStderr: summarizeErr(result.FailedCommandStderr),
			PolicyViolations:    result.PolicyViolations, VisualProbes: result.VisualProbeResults,
		}
		appendReworkMarker(task, meta)
		if err := p.store.UpdateTask(ctx, task); err != nil {
			log.WithTaskID(task.ID).Warn().Err(err).Msg("persisting rework marker failed")
		}
		return p.finalizeBlocked(ctx, task, agentID, runID, types.BlockReasonNeedsRework, result.FailureCode, summarizeErr(result.FailedCommandStderr), meta)
	default:
		meta := &types.ErrorMeta{Source: "verify", FailureCode: result.FailureCode, PolicyViolations: result.PolicyViolations}
		return p.finalizeFailure(ctx, task, agentID, runID, result.FailureCode, "verification did not succeed", meta)
	}
}

// appendReworkMarker appends the idempotent [verify-rework-json] marker to
// the task's context notes, at most once (§4.7, §8 round-trip law).
func appendReworkMarker(task *types.Task, meta *types.ErrorMeta) {
	if strings.Contains(task.Context.Notes, reworkMarkerPrefix) {
		return
	}
	payload, err := marshalErrorMeta(meta)
	if err != nil {
		return
	}
	marker := reworkMarkerPrefix + url.QueryEscape(payload)
	if task.Context.Notes == "" {
		task.Context.Notes = marker
	} else {
		task.Context.Notes = task.Context.Notes + "\n" + marker
	}
}

// marshalErrorMeta renders the structured failure payload for the
// context-notes rework marker.
func marshalErrorMeta(meta *types.ErrorMeta) (string, error) {
	data, err := json.Marshal(meta)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// summarizeErr sanitizes stderr for storage in errorMessage: path-scrubbing
// is left to the caller's own redaction (none of this runtime's stderr
// carries secrets by contract), ANSI is stripped, and length is capped to
// 400 chars.
func summarizeErr(s string) string {
	var b strings.Builder
	inEscape := false
	for _, r := range s {
		if r == 0x1b {
			inEscape = true
			continue
		}
		if inEscape {
			if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') {
				inEscape = false
			}
			continue
		}
		b.WriteRune(r)
	}
	out := b.String()
	if len(out) > 400 {
		out = out[:400]
	}
	return out
}

func (p *Pipeline) finalize(ctx context.Context, task *types.Task, agentID, runID string, runStatus types.RunStatus, taskStatus types.TaskStatus, blockReason types.BlockReason, failureCode types.FailureCode, errMsg string, meta *types.ErrorMeta) error {
	input := storage.FinalizeInput{
		RunID: runID, TaskID: task.ID, AgentID: agentID,
		RunStatus: runStatus, TaskStatus: taskStatus, BlockReason: blockReason,
		ErrorMessage: errMsg, ErrorMeta: meta,
	}
	if err := p.store.FinalizeTaskState(ctx, input); err != nil {
		return fmt.Errorf("pipeline: finalize task state: %w", err)
	}

	eventType := types.EventTaskCompleted
	if taskStatus == types.TaskStatusBlocked {
		eventType = types.EventTaskBlocked
	} else if taskStatus == types.TaskStatusFailed {
		eventType = types.EventTaskFailed
	}
	if p.broker != nil {
		p.broker.Emit(task.ID, runID, eventType, map[string]any{"status": taskStatus, "blockReason": blockReason, "failureCode": failureCode})
	}
	return nil
}

func (p *Pipeline) finalizeBlocked(ctx context.Context, task *types.Task, agentID, runID string, reason types.BlockReason, failureCode types.FailureCode, errMsg string, meta *types.ErrorMeta) error {
	return p.finalize(ctx, task, agentID, runID, types.RunStatusSuccess, types.TaskStatusBlocked, reason, failureCode, errMsg, meta)
}

func (p *Pipeline) finalizeFailure(ctx context.Context, task *types.Task, agentID, runID string, failureCode types.FailureCode, errMsg string, meta *types.ErrorMeta) error {
	return p.finalize(ctx, task, agentID, runID, types.RunStatusFailed, types.TaskStatusFailed, types.BlockReasonNone, failureCode, errMsg, meta)
}

func commitMessage(task *types.Task, changedFiles []string) string {
	summary := task.Title
	if summary == "" {
		summary = task.Goal
	}
	return fmt.Sprintf("%s\n\nChanged files:\n- %s", summary, strings.Join(changedFiles, "\n- "))
}

var quotaRegexp = regexp.MustCompile(strings.Join(quotaPatterns, "|"))

func isQuotaFailure(stderr string) bool {
	return quotaRegexp.MatchString(strings.ToLower(stderr))
}

func sameStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
