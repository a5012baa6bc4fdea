// Package recovery implements the Recovery Orchestrator (C5): the five
// recovery modes that run after a failed verification pass, each with its
// own attempt budget. It sits between the Task Pipeline (C7), which calls
// it once per failed Verify, and the Executor Driver (C3) / Verification
// Engine (C4) / Policy Recovery Judge (C6), which it drives directly.
package recovery

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/opentiger/worker-runtime/pkg/events"
	"github.com/opentiger/worker-runtime/pkg/executor"
	"github.com/opentiger/worker-runtime/pkg/policyjudge"
	"github.com/opentiger/worker-runtime/pkg/types"
	"github.com/opentiger/worker-runtime/pkg/vcs"
	"github.com/opentiger/worker-runtime/pkg/verify"
)

// Budgets holds the per-mode attempt ceilings, all env-overridable via
// pkg/config.
type Budgets struct {
	PolicyRecoveryAttempts   int
	NoChangeRecoveryAttempts int
	VerifyRecoveryAttempts   int
}

// Toggles gates optional recovery behavior.
type Toggles struct {
	PolicyRecoveryUseLLM    bool
	VerifyLLMInlineRecovery bool
}

// AutoAllowRule is one per-role, per-command heuristic that widens
// allowedPaths without consulting the judge.
type AutoAllowRule struct {
	Role    types.TaskRole
	Pattern string // doublestar glob matched against the violating path
}

// GeneratedArtifactPredicate reports whether a path looks like a build
// output that can be safely discarded without loss.
type GeneratedArtifactPredicate func(repoPath, relPath string) bool

// Request bundles everything one recovery cascade needs. It is built by C7
// from the task, the branch it owns, and the failed verify Result.
type Request struct {
	Task           *types.Task
	RepoPath       string
	Branch         string
	AllowedPaths   []string
	DeniedPaths    []string
	Commands       []verify.CommandSpec
	RetryHints     []string // up to 3 most recent failure hints
	ConcurrentTasks []policyjudge.ConcurrentTask

	// BeforeSnapshot is the pre-execution snapshot C7 took before the first
	// executor run, passed through to every re-verify so in-place mode (which
	// has no git diff to lean on) keeps seeing tracked-file changes instead of
	// falling back to untracked-files-only.
	BeforeSnapshot vcs.Snapshot
}

// Outcome is the final state after the cascade has run out of modes to try
// or reached success.
type Outcome struct {
	Success      bool
	Result       *verify.Result
	AllowedPaths []string // the possibly-widened set, for the caller to persist
	ArtifactHints []string // generated-artifact paths learned this pass
}

// PersistAllowedPaths is called whenever the orchestrator widens a task's
// allowedPaths, so the caller can persist the change (C5 itself holds no
// Store reference).
type PersistAllowedPaths func(ctx context.Context, taskID string, allowedPaths []string) error

// Executor is the subset of *executor.Driver the orchestrator drives.
type Executor interface {
	Run(ctx context.Context, req executor.Request) (*executor.Result, error)
}

// Verifier is the subset of *verify.Engine the orchestrator drives.
type Verifier interface {
	Verify(ctx context.Context, req verify.Request) (*verify.Result, error)
}

// Judge is the subset of *policyjudge.Judge the orchestrator consults.
type Judge interface {
	Decide(ctx context.Context, req policyjudge.Request) (*policyjudge.Result, error)
}

// Orchestrator is the Recovery Orchestrator (C5).
type Orchestrator struct {
	executor    Executor
	verifier    Verifier
	judge       Judge
	vcsClient   vcs.VCS
	broker      *events.Broker
	budgets     Budgets
	toggles     Toggles
	autoAllow   []AutoAllowRule
	isGenerated GeneratedArtifactPredicate
	persist     PersistAllowedPaths
}

// New builds an Orchestrator. judge may be nil when PolicyRecoveryUseLLM is
// false.
func New(exec Executor, ver Verifier, judge Judge, v vcs.VCS, broker *events.Broker, budgets Budgets, toggles Toggles, autoAllow []AutoAllowRule, isGenerated GeneratedArtifactPredicate, persist PersistAllowedPaths) *Orchestrator {
	if isGenerated == nil {
		isGenerated = DefaultGeneratedArtifactPredicate
	}
	return &Orchestrator{
		executor: exec, verifier: ver, judge: judge, vcsClient: v, broker: broker,
		budgets: budgets, toggles: toggles, autoAllow: autoAllow, isGenerated: isGenerated, persist: persist,
	}
}

// Recover runs the full cascade against an initial failed verify Result. It
// returns once a mode succeeds or all applicable modes are exhausted.
func (o *Orchestrator) Recover(ctx context.Context, req Request, initial *verify.Result) (*Outcome, error) {
	result := initial
	allowedPaths := append([]string(nil), req.AllowedPaths...)
	var artifactHints []string

	if result.FailureCode == types.FailureNoActionableChanges {
		recovered, err := o.noChangeRecovery(ctx, req, result)
		if err != nil {
			return nil, err
		}
		result = recovered
		if result.Success {
			return &Outcome{Success: true, Result: result, AllowedPaths: allowedPaths, ArtifactHints: artifactHints}, nil
		}

		if len(req.Commands) > 0 {
			result, err = o.noChangeVerificationFallback(ctx, req)
			if err != nil {
				return nil, err
			}
			if result.Success {
				return &Outcome{Success: true, Result: result, AllowedPaths: allowedPaths, ArtifactHints: artifactHints}, nil
			}
		}
	}

	if len(result.PolicyViolations) > 0 {
		recovered, widened, hints, err := o.policyViolationRecovery(ctx, req, result, allowedPaths)
		if err != nil {
			return nil, err
		}
		result = recovered
		allowedPaths = widened
		artifactHints = append(artifactHints, hints...)
		if result.Success {
			return &Outcome{Success: true, Result: result, AllowedPaths: allowedPaths, ArtifactHints: artifactHints}, nil
		}

		recovered, hints, err = o.generatedArtifactRecovery(ctx, req, result, allowedPaths)
		if err != nil {
			return nil, err
		}
		result = recovered
		artifactHints = append(artifactHints, hints...)
		if result.Success {
			return &Outcome{Success: true, Result: result, AllowedPaths: allowedPaths, ArtifactHints: artifactHints}, nil
		}
	}

	if o.shouldAttemptVerifyRecovery(result) {
		recovered, err := o.verifyRecovery(ctx, req, result)
		if err != nil {
			return nil, err
		}
		result = recovered
	}

	return &Outcome{Success: result.Success, Result: result, AllowedPaths: allowedPaths, ArtifactHints: artifactHints}, nil
}

// noChangeRecovery implements §4.5(a): up to NoChangeRecoveryAttempts
// executor+verify retries with an appended "make a change" hint.
func (o *Orchestrator) noChangeRecovery(ctx context.Context, req Request, failed *verify.Result) (*verify.Result, error) {
	attempts := o.budgets.NoChangeRecoveryAttempts
	if attempts <= 0 {
		attempts = 5
	}

	result := failed
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := o.restoreBranch(ctx, req); err != nil {
			return result, err
		}

		hints := append(recentHints(req.RetryHints), "No changes detected. Make changes required to meet the task goal.")
		execResult, err := o.executor.Run(ctx, executor.Request{
			Workdir:        req.RepoPath,
			Task:           req.Task,
			RetryHints:     hints,
			TimeoutSeconds: 0,
		})
		if err != nil {
			return result, err
		}
		_ = execResult

		result, err = o.verifier.Verify(ctx, o.verifyRequest(req))
		if err != nil {
			return result, err
		}
		if result.Success || result.FailureCode != types.FailureNoActionableChanges {
			return result, nil
		}
	}
	return result, nil
}

// noChangeVerificationFallback implements §4.5(b).
func (o *Orchestrator) noChangeVerificationFallback(ctx context.Context, req Request) (*verify.Result, error) {
	r := o.verifyRequest(req)
	r.Toggles.AllowNoChanges = true
	return o.verifier.Verify(ctx, r)
}

// policyViolationRecovery implements §4.5(c).
func (o *Orchestrator) policyViolationRecovery(ctx context.Context, req Request, failed *verify.Result, allowedPaths []string) (*verify.Result, []string, []string, error) {
	attempts := o.budgets.PolicyRecoveryAttempts
	if attempts <= 0 {
		attempts = 5
	}

	result := failed
	var artifactHints []string

	for attempt := 1; attempt <= attempts && len(result.PolicyViolations) > 0; attempt++ {
		violatingPaths := violationPaths(result.PolicyViolations)

		autoAllowed := o.applyAutoAllow(req.Task.Role, violatingPaths)
		if len(autoAllowed) > 0 {
			allowedPaths = mergeUnique(allowedPaths, autoAllowed)
			if err := o.persistAllowed(ctx, req.Task.ID, allowedPaths); err != nil {
				return result, allowedPaths, artifactHints, err
			}
			var err error
			result, err = o.verifier.Verify(ctx, o.verifyRequestWithAllowed(req, allowedPaths))
			if err != nil {
				return result, allowedPaths, artifactHints, err
			}
			if len(result.PolicyViolations) == 0 {
				continue
			}
		}

		if !o.toggles.PolicyRecoveryUseLLM || o.judge == nil {
			result = o.wholesaleCleanup(ctx, req, result, allowedPaths)
			break
		}

		decision, err := o.judge.Decide(ctx, policyjudge.Request{
			TaskID:           req.Task.ID,
			AllowedPaths:     allowedPaths,
			DeniedPaths:      req.DeniedPaths,
			ViolatingPaths:   violationPaths(result.PolicyViolations),
			PolicyViolations: violationMessages(result.PolicyViolations),
			ChangedFiles:     result.ChangedFiles,
			ConcurrentTasks:  req.ConcurrentTasks,
		})
		if err != nil {
			return result, allowedPaths, artifactHints, err
		}

		o.emit(req.Task.ID, types.EventPolicyRecoveryDecided, decision)

		if decision == nil {
			cleaned, cerr := o.wholesaleCleanupResult(ctx, req, result, allowedPaths)
			if cerr != nil {
				return result, allowedPaths, artifactHints, cerr
			}
			result = cleaned
			break
		}

		if len(decision.DenyPaths) > 0 {
			o.emit(req.Task.ID, types.EventPolicyRecoveryDenied, map[string]any{"paths": decision.DenyPaths})
			return result, allowedPaths, artifactHints, nil
		}

		if len(decision.DiscardPaths) > 0 {
			if derr := o.vcsClient.DiscardChangesForPaths(ctx, req.RepoPath, decision.DiscardPaths); !derr.Success {
				return result, allowedPaths, artifactHints, fmt.Errorf("recovery: discard changes for paths: %s", derr.Stderr)
			}
			artifactHints = mergeUnique(artifactHints, decision.DiscardPaths)
		}

		if len(decision.AllowPaths) > 0 {
			allowedPaths = mergeUnique(allowedPaths, decision.AllowPaths)
			if err := o.persistAllowed(ctx, req.Task.ID, allowedPaths); err != nil {
				return result, allowedPaths, artifactHints, err
			}
		}

		o.emit(req.Task.ID, types.EventPolicyRecoveryApplied, map[string]any{
			"allowed": decision.AllowPaths, "discarded": decision.DiscardPaths, "dropped": decision.DroppedPaths,
		})

		result, err = o.verifier.Verify(ctx, o.verifyRequestWithAllowed(req, allowedPaths))
		if err != nil {
			return result, allowedPaths, artifactHints, err
		}
	}

	return result, allowedPaths, artifactHints, nil
}

func (o *Orchestrator) wholesaleCleanup(ctx context.Context, req Request, failed *verify.Result, allowedPaths []string) *verify.Result {
	result, err := o.wholesaleCleanupResult(ctx, req, failed, allowedPaths)
	if err != nil {
		return failed
	}
	return result
}

func (o *Orchestrator) wholesaleCleanupResult(ctx context.Context, req Request, failed *verify.Result, allowedPaths []string) (*verify.Result, error) {
	violating := violationPaths(failed.PolicyViolations)
	if len(violating) > 0 {
		if r := o.vcsClient.DiscardChangesForPaths(ctx, req.RepoPath, violating); !r.Success {
			return failed, fmt.Errorf("recovery: wholesale cleanup discard: %s", r.Stderr)
		}
	}
	return o.verifier.Verify(ctx, o.verifyRequestWithAllowed(req, allowedPaths))
}

// generatedArtifactRecovery implements §4.5(d): a single pass that discards
// residual violations matching the generated-artifact predicate.
func (o *Orchestrator) generatedArtifactRecovery(ctx context.Context, req Request, failed *verify.Result, allowedPaths []string) (*verify.Result, []string, error) {
	if len(failed.PolicyViolations) == 0 {
		return failed, nil, nil
	}

	toDiscard, err := o.selectGeneratedArtifactRecoveryCandidates(ctx, req, violationPaths(failed.PolicyViolations))
	if err != nil {
		return failed, nil, err
	}
	if len(toDiscard) == 0 {
		return failed, nil, nil
	}

	if r := o.vcsClient.DiscardChangesForPaths(ctx, req.RepoPath, toDiscard); !r.Success {
		return failed, nil, fmt.Errorf("recovery: generated-artifact discard: %s", r.Stderr)
	}

	result, err := o.verifier.Verify(ctx, o.verifyRequestWithAllowed(req, allowedPaths))
	if err != nil {
		return failed, toDiscard, err
	}
	return result, toDiscard, nil
}

// selectGeneratedArtifactRecoveryCandidates narrows violatingPaths to the
// ones generatedArtifactRecovery may safely discard: a path must both look
// generated by name and be corroborated by git as untracked or gitignored.
// A tracked, non-ignored path is never a candidate even if it sits under a
// generated-looking prefix like dist/, so a committed dist/manifest.json is
// never silently discarded.
func (o *Orchestrator) selectGeneratedArtifactRecoveryCandidates(ctx context.Context, req Request, violatingPaths []string) ([]string, error) {
	untracked, err := o.vcsClient.GetUntrackedFiles(ctx, req.RepoPath)
	if err != nil {
		return nil, fmt.Errorf("recovery: list untracked files: %w", err)
	}
	untrackedSet := make(map[string]bool, len(untracked))
	for _, p := range untracked {
		untrackedSet[p] = true
	}

	var candidates []string
	for _, path := range violatingPaths {
		if !o.isGenerated(req.RepoPath, path) {
			continue
		}
		if untrackedSet[path] {
			candidates = append(candidates, path)
			continue
		}
		ignored, err := o.vcsClient.CheckGitIgnored(ctx, req.RepoPath, path)
		if err != nil {
			return nil, fmt.Errorf("recovery: check gitignored %s: %w", path, err)
		}
		if ignored {
			candidates = append(candidates, path)
		}
	}
	return candidates, nil
}

// shouldAttemptVerifyRecovery gates §4.5(e): recovery is permitted only for
// explicit, light-check, guard, or auto command-source tags, and never for
// unrecoverable failure codes.
func (o *Orchestrator) shouldAttemptVerifyRecovery(result *verify.Result) bool {
	if result.Success {
		return false
	}
	if result.FailureCode != types.FailureVerificationCommand {
		return false
	}
	switch result.FailedCommandSource {
	case types.CommandSourceExplicit, types.CommandSourceLightCheck, types.CommandSourceGuard, types.CommandSourceAuto:
		return true
	default:
		return false
	}
}

// verifyRecovery implements §4.5(e): focused-hint retries with branch
// restoration before each reverify.
func (o *Orchestrator) verifyRecovery(ctx context.Context, req Request, failed *verify.Result) (*verify.Result, error) {
	attempts := o.budgets.VerifyRecoveryAttempts
	if attempts <= 0 {
		attempts = 5
	}

	result := failed
	for attempt := 1; attempt <= attempts; attempt++ {
		hint := fmt.Sprintf(
			"verification command %q failed. stderr: %s. Apply the smallest possible targeted fix; do NOT restructure",
			result.FailedCommand, summarize(result.FailedCommandStderr, 400),
		)
		hints := append(recentHints(req.RetryHints), hint)

		if _, err := o.executor.Run(ctx, executor.Request{
			Workdir:    req.RepoPath,
			Task:       req.Task,
			RetryHints: hints,
		}); err != nil {
			// Execution timeouts during recovery are not fatal; verification
			// still runs because the executor may have produced partial changes.
			_ = err
		}

		if err := o.restoreBranch(ctx, req); err != nil {
			return result, err
		}

		var err error
		vr := o.verifyRequest(req)
		if o.toggles.VerifyLLMInlineRecovery {
			vr.InlineRecoveryHandler = o.inlineRecoveryHandler(req)
		}
		result, err = o.verifier.Verify(ctx, vr)
		if err != nil {
			return result, err
		}
		if result.Success {
			return result, nil
		}
		if !o.shouldAttemptVerifyRecovery(result) {
			return result, nil
		}
	}
	return result, nil
}

// inlineRecoveryHandler is C5's callback into C4 for within-pass self-repair
// (§4.5 "Inline recovery handler").
func (o *Orchestrator) inlineRecoveryHandler(req Request) verify.InlineRecoveryHandler {
	return func(ctx context.Context, call verify.InlineRecoveryCall) error {
		hint := fmt.Sprintf(
			"verification command %q failed. stderr: %s. Apply the smallest possible targeted fix; do NOT restructure",
			call.FailedCommand, summarize(call.Stderr, 400),
		)
		if _, err := o.executor.Run(ctx, executor.Request{
			Workdir:    req.RepoPath,
			Task:       req.Task,
			RetryHints: []string{hint},
		}); err != nil {
			return err
		}
		return o.restoreBranch(ctx, req)
	}
}

// restoreBranch compares the current branch to the pipeline-owned branch;
// on drift, checks out the correct branch or returns an error.
func (o *Orchestrator) restoreBranch(ctx context.Context, req Request) error {
	if req.Branch == "" {
		return nil
	}
	current, err := o.vcsClient.GetCurrentBranch(ctx, req.RepoPath)
	if err != nil {
		return fmt.Errorf("recovery: get current branch: %w", err)
	}
	if current == req.Branch {
		return nil
	}
	if r := o.vcsClient.CheckoutBranch(ctx, req.RepoPath, req.Branch); !r.Success {
		return fmt.Errorf("recovery: restore branch %s: %s", req.Branch, r.Stderr)
	}
	return nil
}

func (o *Orchestrator) verifyRequest(req Request) verify.Request {
	return o.verifyRequestWithAllowed(req, req.AllowedPaths)
}

func (o *Orchestrator) verifyRequestWithAllowed(req Request, allowedPaths []string) verify.Request {
	return verify.Request{
		RepoPath:       req.RepoPath,
		AllowedPaths:   allowedPaths,
		DeniedPaths:    req.DeniedPaths,
		Commands:       req.Commands,
		BeforeSnapshot: req.BeforeSnapshot,
	}
}

func (o *Orchestrator) applyAutoAllow(role types.TaskRole, violating []string) []string {
	var widened []string
	for _, rule := range o.autoAllow {
		if rule.Role != "" && rule.Role != role {
			continue
		}
		for _, path := range violating {
			if violations := verify.ClassifyPaths([]string{path}, []string{rule.Pattern}, nil, verify.Toggles{}); len(violations) == 0 {
				widened = append(widened, path)
			}
		}
	}
	return dedupe(widened)
}

func (o *Orchestrator) persistAllowed(ctx context.Context, taskID string, allowedPaths []string) error {
	if o.persist == nil {
		return nil
	}
	return o.persist(ctx, taskID, allowedPaths)
}

func (o *Orchestrator) emit(taskID string, eventType types.EventType, payload any) {
	if o.broker == nil {
		return
	}
	p, _ := payload.(map[string]any)
	if p == nil {
		p = map[string]any{"decision": payload}
	}
	o.broker.Emit(taskID, "", eventType, p)
}

func violationPaths(violations []types.PolicyViolation) []string {
	out := make([]string, 0, len(violations))
	for _, v := range violations {
		out = append(out, v.Path)
	}
	return out
}

func violationMessages(violations []types.PolicyViolation) []string {
	out := make([]string, 0, len(violations))
	for _, v := range violations {
		out = append(out, v.Message)
	}
	return out
}

func recentHints(hints []string) []string {
	if len(hints) <= 3 {
		return append([]string(nil), hints...)
	}
	return append([]string(nil), hints[len(hints)-3:]...)
}

func mergeUnique(existing, add []string) []string {
	seen := make(map[string]bool, len(existing))
	out := append([]string(nil), existing...)
	for _, p := range existing {
		seen[p] = true
	}
	for _, p := range add {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

func dedupe(paths []string) []string {
	seen := make(map[string]bool, len(paths))
	var out []string
	for _, p := range paths {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}

// summarize caps a string to maxLen bytes and strips ANSI escape codes for
// storage in errorMessage.
func summarize(s string, maxLen int) string {
	s = stripANSI(s)
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return s
}

func stripANSI(s string) string {
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
	return b.String()
}

// DefaultAutoAllowRules are the stock per-role, per-path heuristics tried
// before the policy judge is consulted: a docs-role task is allowed to touch
// documentation anywhere in the tree, a tester-role task is allowed to touch
// test files anywhere, and any role is allowed to widen into its own
// dependency lockfiles.
var DefaultAutoAllowRules = []AutoAllowRule{
	{Role: types.TaskRoleDocser, Pattern: "**/*.md"},
	{Role: types.TaskRoleDocser, Pattern: "docs/**"},
	{Role: types.TaskRoleTester, Pattern: "**/*_test.go"},
	{Role: types.TaskRoleTester, Pattern: "**/*.test.ts"},
	{Role: types.TaskRoleTester, Pattern: "**/*.spec.ts"},
	{Role: types.TaskRoleTester, Pattern: "tests/**"},
	{Pattern: "**/package-lock.json"},
	{Pattern: "**/go.sum"},
}

// DefaultGeneratedArtifactPredicate flags common build-output suffixes and
// directories as discardable without loss.
func DefaultGeneratedArtifactPredicate(repoPath, relPath string) bool {
	suffixes := []string{".tsbuildinfo", ".log", ".tmp", ".cache"}
	for _, suffix := range suffixes {
		if strings.HasSuffix(relPath, suffix) {
			return true
		}
	}
	dirs := []string{"node_modules/", "dist/", "build/", ".next/", "target/", "__pycache__/"}
	for _, dir := range dirs {
		if strings.Contains(relPath, dir) {
			return true
		}
	}
	return false
}

// ParseConflictAutofixPRNumber extracts the PR number from a conflict-autofix
// task title of the form "[AutoFix-Conflict] PR #<N>", per §4.7's terminal
// transition special case.
func ParseConflictAutofixPRNumber(title string) (int, bool) {
	const prefix = "[AutoFix-Conflict] PR #"
	if !strings.HasPrefix(title, prefix) {
		return 0, false
	}
	numStr := strings.TrimSpace(strings.TrimPrefix(title, prefix))
	n, err := strconv.Atoi(numStr)
	if err != nil {
		return 0, false
	}
	return n, true
}
